package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/envelope"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTraceIDExpression keys the trace on the request id, which both
// sides of the channel know.
const DefaultTraceIDExpression = "request_id"

// TraceIDEvaluator handles evaluation and validation of trace ID expressions.
type TraceIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewTraceIDEvaluator creates a new trace ID evaluator.
// An empty exprStr selects DefaultTraceIDExpression.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		exprStr = DefaultTraceIDExpression
	}

	program, err := expr.Compile(exprStr, expr.Env(typeEnv()))
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}

	return &TraceIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// EvaluateAndValidate evaluates the trace-id expression against env.
// A result that is already 32 hex characters is used directly; anything
// else is hashed with SHA-256. Request ids are case-folded before hashing
// so either spelling lands in the same trace. Hashing non-id results adds
// warning attributes.
func (e *TraceIDEvaluator) EvaluateAndValidate(env *envelope.Envelope) (trace.TraceID, []attribute.KeyValue, error) {
	if env == nil {
		return trace.TraceID{}, nil, fmt.Errorf("no envelope available")
	}

	output, err := expr.Run(e.program, exprEnv(env))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)
	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	var warnings []attribute.KeyValue
	if e.rawExpr != DefaultTraceIDExpression {
		warnings = append(warnings,
			attribute.String("_trace_id_expr_result", resultStr),
			attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
		)
	}

	return HashTraceID(resultStr), warnings, nil
}

// HashTraceID derives a trace ID from arbitrary text.
func HashTraceID(s string) trace.TraceID {
	hash := sha256.Sum256([]byte(chunk.FoldID(s)))
	var id trace.TraceID
	copy(id[:], hash[:16])
	return id
}

// RemoteParent returns a sampled remote span context in traceID whose span
// id is derived from requestID. Spans started under it on either side of
// the channel join the same trace.
func RemoteParent(traceID trace.TraceID, requestID string) trace.SpanContext {
	hash := sha256.Sum256([]byte("span:" + chunk.FoldID(requestID)))
	var spanID trace.SpanID
	copy(spanID[:], hash[:8])

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

// FormatTraceID renders a trace ID for logs.
func FormatTraceID(id trace.TraceID) string {
	return hex.EncodeToString(id[:])
}
