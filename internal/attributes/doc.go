// Package attributes provides expression evaluation for span attributes and
// trace IDs.
//
// Expressions use the expr language and see one envelope:
//
//	request_id     string
//	request_type   string
//	response_type  string ("" for requests)
//	version        int
//	fields         map of type-specific fields, decoded from JSON
//
// Two evaluators:
//   - Evaluator: evaluates custom attribute expressions (-a NAME=EXPR)
//   - TraceIDEvaluator: evaluates the trace ID expression
//
// By default the trace ID is a SHA-256 hash of the request id, so the host
// and the guest agent put their spans for one request in the same trace
// without exchanging any trace context over the channel.
package attributes
