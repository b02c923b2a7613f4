package functions

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogFunctions returns log_debug, log_info, log_warn, log_error and
// log_msg, which write to logger and return true so they can be used
// inside any expression.
func GetLogFunctions(logger *zap.Logger) map[string]function.Function {
	if logger == nil {
		logger = zap.NewNop()
	}

	return map[string]function.Function{
		"log_debug": makeLogFunc(logger, zapcore.DebugLevel),
		"log_info":  makeLogFunc(logger, zapcore.InfoLevel),
		"log_warn":  makeLogFunc(logger, zapcore.WarnLevel),
		"log_error": makeLogFunc(logger, zapcore.ErrorLevel),
		"log_msg":   makeLogLevelFunc(logger),
	}
}

func makeLogFunc(logger *zap.Logger, level zapcore.Level) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "message", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "fields",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			logger.Log(level, args[0].AsString(), zapFields(args[1:])...)
			return cty.True, nil
		},
	})
}

// log_msg takes the level by name; unknown names log at info.
func makeLogLevelFunc(logger *zap.Logger) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "level", Type: cty.String},
			{Name: "message", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "fields",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			level, err := zapcore.ParseLevel(strings.ToLower(args[0].AsString()))
			if err != nil {
				level = zapcore.InfoLevel
			}
			logger.Log(level, args[1].AsString(), zapFields(args[2:])...)
			return cty.True, nil
		},
	})
}

// zapFields names fields after the keys of a single object or map
// argument, and positionally ($1, $2, ...) otherwise.
func zapFields(args []cty.Value) []zap.Field {
	if len(args) == 1 && args[0].IsKnown() && !args[0].IsNull() &&
		(args[0].Type().IsMapType() || args[0].Type().IsObjectType()) && args[0].LengthInt() > 0 {
		fields := make([]zap.Field, 0, args[0].LengthInt())
		for it := args[0].ElementIterator(); it.Next(); {
			key, val := it.Element()
			fields = append(fields, zapField(key.AsString(), val))
		}
		return fields
	}

	fields := make([]zap.Field, 0, len(args))
	for i, arg := range args {
		fields = append(fields, zapField(fmt.Sprintf("$%d", i+1), arg))
	}
	return fields
}

func zapField(key string, val cty.Value) zap.Field {
	if val.IsNull() {
		return zap.String(key, "<null>")
	}
	if !val.IsKnown() {
		return zap.String(key, "<unknown>")
	}

	switch val.Type() {
	case cty.String:
		return zap.String(key, val.AsString())
	case cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return zap.Int64(key, i)
			}
		}
		f, _ := bf.Float64()
		return zap.Float64(key, f)
	case cty.Bool:
		return zap.Bool(key, val.True())
	}

	if val.CanIterateElements() {
		elems := make([]string, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			elems = append(elems, renderValue(ev))
		}
		return zap.String(key, "["+strings.Join(elems, ", ")+"]")
	}
	return zap.String(key, val.GoString())
}

func renderValue(val cty.Value) string {
	switch {
	case val.IsNull():
		return "null"
	case !val.IsKnown():
		return "<unknown>"
	case val.Type() == cty.String:
		return fmt.Sprintf("%q", val.AsString())
	case val.Type() == cty.Number:
		return val.AsBigFloat().String()
	case val.Type() == cty.Bool:
		return fmt.Sprintf("%t", val.True())
	default:
		return val.GoString()
	}
}
