package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/heimdalr/dag"
)

// ConstBlockHandler collects the attributes of every const block and
// evaluates them in dependency order, so constants may refer to each other
// across blocks and files.
type ConstBlockHandler struct {
	BlockHandlerBase

	consts hcl.Attributes
}

func NewConstBlockHandler() *ConstBlockHandler {
	return &ConstBlockHandler{
		consts: make(hcl.Attributes),
	}
}

func (b *ConstBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return diags
	}

	for name, attr := range attrs {
		if prev, exists := b.consts[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate constant",
				Detail:   fmt.Sprintf("Constant %s is already defined at %v", name, prev.NameRange),
				Subject:  &attr.NameRange,
			})
			continue
		}
		if name == "env" {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reserved name",
				Detail:   "The name env is reserved for environment variables",
				Subject:  &attr.NameRange,
			})
			continue
		}
		b.consts[name] = attr
	}

	return diags
}

func (b *ConstBlockHandler) FinishPreprocessing(config *Config) hcl.Diagnostics {
	attrs, diags := SortAttributesByDependencies(b.consts)
	if diags.HasErrors() {
		return diags
	}

	for _, attr := range attrs {
		value, evalDiags := attr.Expr.Value(config.evalCtx)
		diags = diags.Extend(evalDiags)
		config.Constants[attr.Name] = value
	}

	return diags
}

// SortAttributesByDependencies orders attrs so each comes after the
// attributes its expression refers to. References to names outside attrs
// are left for evaluation to resolve.
func SortAttributesByDependencies(attrs hcl.Attributes) ([]*hcl.Attribute, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	graph := dag.NewDAG()

	for name, attr := range attrs {
		if err := graph.AddVertexByID(name, attr); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to add constant to dependency graph",
				Detail:   fmt.Sprintf("Error adding %s: %s", name, err),
				Subject:  &attr.NameRange,
			})
		}
	}

	for name, attr := range attrs {
		for _, traversal := range attr.Expr.Variables() {
			ref := traversal.RootName()
			if _, ok := attrs[ref]; !ok {
				continue
			}
			if ref == name {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Circular dependency detected",
					Detail:   fmt.Sprintf("Constant %s refers to itself", name),
					Subject:  &attr.Range,
				})
				continue
			}
			if err := graph.AddEdge(ref, name); err != nil {
				if _, dup := err.(dag.EdgeDuplicateError); dup {
					continue
				}
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Circular dependency detected",
					Detail:   fmt.Sprintf("Cannot make %s depend on %s: %s", name, ref, err),
					Subject:  &attr.Range,
				})
			}
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	visitor := &attributeVisitor{}
	graph.OrderedWalk(visitor)

	return visitor.attrs, diags
}

type attributeVisitor struct {
	attrs []*hcl.Attribute
}

func (v *attributeVisitor) Visit(vertex dag.Vertexer) {
	_, value := vertex.Vertex()
	v.attrs = append(v.attrs, value.(*hcl.Attribute))
}
