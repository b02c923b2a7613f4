// Package config loads socketbus configuration files written in HCL.
//
// A configuration may hold const, bus, server and cron blocks. Expressions
// are evaluated with the env object, the declared constants and a function
// library drawn from the cty standard library and go-cty-funcs.
package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/config/functions"
	"github.com/tsarna/socketbus/pkg/socketbus/o11y"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger   *zap.Logger
	provider o11y.Provider
	sources  []any
}

type Startable interface {
	Start() error
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	metrics o11y.Provider

	// Bus is built from the bus block, or with defaults when there is none.
	// It is not started.
	Bus    bus.EventBus
	Server *ServerSettings
	Crons  map[string]*cron.Cron

	Startables []Startable
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithObservability passes a metrics and tracing provider to the bus.
func (cb *ConfigBuilder) WithObservability(provider o11y.Provider) *ConfigBuilder {
	cb.provider = provider
	return cb
}

// WithSources adds files, directories, []byte contents or embed.FS
// trees to load.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := &Config{
		Logger:    logger,
		Constants: make(map[string]cty.Value),
		Crons:     make(map[string]*cron.Cron),
		metrics:   cb.provider,
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions = config.GetFunctions()

	blocks, addDiags := getBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	handlers := getBlockHandlers()

	for _, block := range blocks {
		if handler, ok := handlers.byType[block.Type]; ok {
			diags = diags.Extend(handler.Preprocess(block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range handlers.ordered {
		diags = diags.Extend(handler.FinishPreprocessing(config))
		if diags.HasErrors() {
			return nil, diags
		}
	}

	for _, block := range blocks {
		if handler, ok := handlers.byType[block.Type]; ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range handlers.ordered {
		diags = diags.Extend(handler.FinishProcessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully")

	return config, diags
}

// GetFunctions returns the functions available to every expression.
func (c *Config) GetFunctions() map[string]function.Function {
	funcs := functions.GetStandardLibraryFunctions()

	for name, fn := range functions.GetLogFunctions(c.Logger) {
		funcs[name] = fn
	}
	funcs["typeof"] = functions.TypeOfFunc
	funcs["error"] = functions.ErrorFunc

	return funcs
}

// EvalContext returns the context expressions in the configuration are
// evaluated with.
func (c *Config) EvalContext() *hcl.EvalContext {
	return c.evalCtx
}

// Start runs every startable the configuration produced, such as cron
// schedulers. The bus must already be started.
func (c *Config) Start() error {
	for _, s := range c.Startables {
		if err := s.Start(); err != nil {
			return fmt.Errorf("starting config component: %w", err)
		}
	}
	return nil
}

// Stop stops the cron schedulers and waits for running jobs until ctx ends.
func (c *Config) Stop(ctx context.Context) {
	for name, cr := range c.Crons {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
			c.Logger.Warn("Cron jobs still running at shutdown", zap.String("cron", name))
		}
	}
}

type errorlessStartable interface {
	Start()
}

func NewErrorlessStartable(startable errorlessStartable) Startable {
	return &ErrorlessStartable{startable: startable}
}

type ErrorlessStartable struct {
	startable errorlessStartable
}

func (e ErrorlessStartable) Start() error {
	e.startable.Start()
	return nil
}
