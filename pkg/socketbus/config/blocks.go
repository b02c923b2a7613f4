package config

import "github.com/hashicorp/hcl/v2"

type BlockHandler interface {
	Preprocess(block *hcl.Block) hcl.Diagnostics
	FinishPreprocessing(config *Config) hcl.Diagnostics
	Process(config *Config, block *hcl.Block) hcl.Diagnostics
	FinishProcessing(config *Config) hcl.Diagnostics
}

type BlockHandlerBase struct {
}

func (b *BlockHandlerBase) Preprocess(block *hcl.Block) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) FinishPreprocessing(config *Config) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	return nil
}

func (b *BlockHandlerBase) FinishProcessing(config *Config) hcl.Diagnostics {
	return nil
}

type blockHandlers struct {
	byType  map[string]BlockHandler
	ordered []BlockHandler
}

// getBlockHandlers returns fresh handlers. The finish hooks run in the
// order listed: constants are known before the bus is built, and the bus
// exists before cron blocks are processed.
func getBlockHandlers() blockHandlers {
	types := []struct {
		name    string
		handler BlockHandler
	}{
		{"const", NewConstBlockHandler()},
		{"bus", NewBusBlockHandler()},
		{"server", NewServerBlockHandler()},
		{"cron", NewCronBlockHandler()},
	}

	h := blockHandlers{byType: make(map[string]BlockHandler, len(types))}
	for _, t := range types {
		h.byType[t.name] = t.handler
		h.ordered = append(h.ordered, t.handler)
	}
	return h
}

var blockSchema = []hcl.BlockHeaderSchema{
	{
		Type:       "bus",
		LabelNames: []string{},
	},
	{
		Type:       "const",
		LabelNames: []string{},
	},
	{
		Type:       "cron",
		LabelNames: []string{"name"},
	},
	{
		Type:       "server",
		LabelNames: []string{},
	},
}

var configSchema = &hcl.BodySchema{
	Blocks: blockSchema,
}

func duplicateBlock(block *hcl.Block, first hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Duplicate " + block.Type + " block",
		Detail:   "Only one " + block.Type + " block is allowed; the first is at " + first.String(),
		Subject:  &block.DefRange,
	}
}
