package attributes

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/kvp-bridge/internal/config"
	"github.com/mrzor/kvp-bridge/internal/envelope"
	"go.opentelemetry.io/otel/attribute"
)

// typeEnv declares the variables visible to expressions.
func typeEnv() map[string]interface{} {
	return map[string]interface{}{
		"request_id":    "",
		"request_type":  "",
		"response_type": "",
		"version":       0,
		"fields":        map[string]interface{}{},
	}
}

// exprEnv builds the evaluation environment for one envelope. Field values
// are decoded from JSON, so numbers surface as float64.
func exprEnv(env *envelope.Envelope) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, name := range env.FieldNames() {
		raw, _ := env.Raw(name)
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			fields[name] = v
		}
	}

	return map[string]interface{}{
		"request_id":    env.RequestID,
		"request_type":  env.RequestType,
		"response_type": env.ResponseType(),
		"version":       int(env.Version),
		"fields":        fields,
	}
}

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(typeEnv()))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// Evaluate runs every expression against env.
//
// A map result expands into one attribute per key (name.key). An expression
// that fails at runtime yields a "_<name>_error" attribute instead of
// aborting the others.
func (e *Evaluator) Evaluate(env *envelope.Envelope) []attribute.KeyValue {
	if e == nil || len(e.customAttrs) == 0 || env == nil {
		return nil
	}

	vars := exprEnv(env)

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], vars)
		if err != nil {
			attrs = append(attrs, attribute.String("_"+sanitizeAttributeName(customAttr.Name)+"_error", err.Error()))
			continue
		}

		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
			continue
		}

		// Sorted so span attributes are stable between runs.
		keys := outputValue.MapKeys()
		sort.Slice(keys, func(a, b int) bool {
			return fmt.Sprint(keys[a].Interface()) < fmt.Sprint(keys[b].Interface())
		})
		for _, key := range keys {
			attrName := customAttr.Name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
			attrs = append(attrs, attribute.String(attrName, fmt.Sprint(outputValue.MapIndex(key).Interface())))
		}
	}

	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
