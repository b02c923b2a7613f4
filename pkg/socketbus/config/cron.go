package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/go2cty2go"
	"github.com/tsarna/socketbus/pkg/socketbus/hub"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

type CronDefinition struct {
	Name     string             `hcl:",label"`
	Timezone string             `hcl:"timezone,optional"`
	At       []CronAtDefinition `hcl:"at,block"`
}

// CronAtDefinition schedules one emission. With topic set, data is
// broadcast to the connections subscribed to that topic; with event set,
// data is emitted as that bus event.
type CronAtDefinition struct {
	Schedule string         `hcl:"schedule,label"`
	Name     string         `hcl:"name,label"`
	Topic    hcl.Expression `hcl:"topic,optional"`
	Event    hcl.Expression `hcl:"event,optional"`
	Data     hcl.Expression `hcl:"data,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

type CronBlockHandler struct {
	BlockHandlerBase
}

func NewCronBlockHandler() *CronBlockHandler {
	return &CronBlockHandler{}
}

func (h *CronBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	cronDef := CronDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &cronDef)
	if diags.HasErrors() {
		return diags
	}

	// DecodeBody doesn't see the block's own labels
	cronDef.Name = block.Labels[0]

	if _, exists := config.Crons[cronDef.Name]; exists {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate cron",
			Detail:   fmt.Sprintf("A cron named %s is already defined", cronDef.Name),
			Subject:  &block.DefRange,
		})
	}

	cronObj, addDiags := h.BuildCron(config, block, &cronDef)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}

	config.Crons[cronDef.Name] = cronObj
	config.Startables = append(config.Startables, NewErrorlessStartable(cronObj))

	return diags
}

func (h *CronBlockHandler) BuildCron(config *Config, block *hcl.Block, cronDef *CronDefinition) (*cron.Cron, hcl.Diagnostics) {
	diags := hcl.Diagnostics{}

	if cronDef.Timezone == "" {
		cronDef.Timezone = "Local"
	}
	location, err := time.LoadLocation(cronDef.Timezone)
	if err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid timezone",
			Detail:   fmt.Sprintf("Invalid timezone: %s", cronDef.Timezone),
			Subject:  &block.DefRange,
		})
	}

	cronParser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	cronObj := cron.New(
		cron.WithLogger(NewZapCronLogger(config.Logger)),
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)

	for _, at := range cronDef.At {
		hasTopic, hasEvent := IsExpressionProvided(at.Topic), IsExpressionProvided(at.Event)
		if hasTopic == hasEvent {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid at block",
				Detail:   "An at block needs exactly one of topic or event",
				Subject:  &at.DefRange,
			})
			continue
		}

		action := &AtAction{
			config:   config,
			cronName: cronDef.Name,
			atName:   at.Name,
			data:     at.Data,
		}
		if hasTopic {
			action.topic = at.Topic
		} else {
			action.event = at.Event
		}

		if _, err := cronObj.AddJob(at.Schedule, action); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid schedule",
				Detail:   fmt.Sprintf("Invalid schedule %q: %s", at.Schedule, err),
				Subject:  &at.DefRange,
			})
		}
	}

	return cronObj, diags
}

// AtAction evaluates an at block's expressions each time its schedule
// fires and emits the result on the bus.
type AtAction struct {
	config   *Config
	cronName string
	atName   string
	topic    hcl.Expression
	event    hcl.Expression
	data     hcl.Expression
}

func (a *AtAction) Run() {
	logger := a.config.Logger.With(zap.String("cron", a.cronName), zap.String("at", a.atName))
	logger.Debug("Executing action")

	evalCtx := a.config.evalCtx.NewChild()
	evalCtx.Variables = map[string]cty.Value{
		"cron_name": cty.StringVal(a.cronName),
		"at_name":   cty.StringVal(a.atName),
	}

	var data any
	if IsExpressionProvided(a.data) {
		val, diags := a.data.Value(evalCtx)
		if diags.HasErrors() {
			logger.Error("Error evaluating data", zap.Error(diags))
			return
		}
		var err error
		if data, err = go2cty2go.CtyToAny(val); err != nil {
			logger.Error("Error converting data", zap.Error(err))
			return
		}
	}

	ctx := context.Background()
	var err error
	if a.topic != nil {
		var topic string
		if topic, err = a.evalString(evalCtx, a.topic); err == nil {
			err = a.config.Bus.Emit(ctx, hub.EventBroadcast, topic, data)
		}
	} else {
		var event string
		if event, err = a.evalString(evalCtx, a.event); err == nil {
			err = a.config.Bus.Emit(ctx, event, data)
		}
	}
	if err != nil {
		logger.Error("Error executing action", zap.Error(err))
	}
}

func (a *AtAction) evalString(evalCtx *hcl.EvalContext, expr hcl.Expression) (string, error) {
	var s string
	if diags := gohcl.DecodeExpression(expr, evalCtx, &s); diags.HasErrors() {
		return "", diags
	}
	if s == "" {
		return "", fmt.Errorf("%s evaluated to an empty name", expr.Range())
	}
	return s, nil
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface. Cron's
// informational messages are logged at Debug.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger.With(zap.String("component", "cron"))}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...any) {
	z.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
