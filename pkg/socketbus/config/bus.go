package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/socketbus/pkg/socketbus/bus"
)

type BusDefinition struct {
	Name      *string `hcl:"name,optional"`
	QueueSize *int    `hcl:"queue_size,optional"`
}

// BusBlockHandler builds the event bus. Without a bus block the bus is
// built with defaults, so Config.Bus is always set.
type BusBlockHandler struct {
	BlockHandlerBase

	block *hcl.Block
}

func NewBusBlockHandler() *BusBlockHandler {
	return &BusBlockHandler{}
}

func (h *BusBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	if h.block != nil {
		return hcl.Diagnostics{duplicateBlock(block, h.block.DefRange)}
	}
	h.block = block
	return nil
}

func (h *BusBlockHandler) FinishPreprocessing(config *Config) hcl.Diagnostics {
	busDef := BusDefinition{}
	defRange := hcl.Range{}

	if h.block != nil {
		diags := gohcl.DecodeBody(h.block.Body, config.evalCtx, &busDef)
		if diags.HasErrors() {
			return diags
		}
		defRange = h.block.DefRange
	}

	return h.BuildEventBus(config, &busDef, &defRange)
}

func (h *BusBlockHandler) BuildEventBus(config *Config, busDef *BusDefinition, defRange *hcl.Range) hcl.Diagnostics {
	builder := bus.NewEventBus().
		WithLogger(config.Logger).
		WithMetrics(config.metrics).
		WithTracing(config.metrics)
	if busDef.Name != nil {
		builder = builder.WithName(*busDef.Name)
	}
	if busDef.QueueSize != nil {
		builder = builder.WithBufferSize(*busDef.QueueSize)
	}

	eventBus, err := builder.Build()
	if err != nil {
		return hcl.Diagnostics{
			&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to build event bus",
				Detail:   err.Error(),
				Subject:  defRange,
			},
		}
	}

	config.Bus = eventBus
	return nil
}
