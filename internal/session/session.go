// Package session binds an outbound and an inbound channel into a
// request/response endpoint.
//
// A Session writes whole messages with Send and reads them back with Poll.
// Request combines both with the correlation tracker: it sends a request,
// polls the inbound channel and returns the response carrying the same
// request id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mrzor/kvp-bridge/internal/attributes"
	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/correlation"
	"github.com/mrzor/kvp-bridge/internal/envelope"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/mrzor/kvp-bridge/internal/metrics"
	"github.com/mrzor/kvp-bridge/internal/reassembler"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Defaults used when the matching option is not given.
const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// ProgressHandler receives the progress responses of one request in
// sequence order.
type ProgressHandler func(seq int, resp *envelope.Envelope)

// Session sends on one channel and receives on another.
type Session struct {
	out         channel.Channel
	in          channel.Channel
	reassembler *reassembler.Reassembler
	tracker     *correlation.Tracker

	prefix         string
	maxChunkSize   int
	pollInterval   time.Duration
	requestTimeout time.Duration
	clock          func() time.Time

	tracer   trace.Tracer
	attrs    *attributes.Evaluator
	traceIDs *attributes.TraceIDEvaluator
	logger   zerolog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithPrefix sets the message id prefix on both channels.
func WithPrefix(prefix string) Option {
	return func(s *Session) { s.prefix = prefix }
}

// WithMaxChunkSize sets the largest part value Send writes, in characters.
func WithMaxChunkSize(n int) Option {
	return func(s *Session) { s.maxChunkSize = n }
}

// WithPollInterval sets how often Request polls while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithRequestTimeout sets the timeout Request uses when given zero.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.requestTimeout = d }
}

// WithClock overrides time.Now for request deadlines.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// WithTracker shares a tracker with other components, such as a poll loop
// running alongside. A nil tracker disables correlation: Poll only returns
// what it reassembled and Request fails.
func WithTracker(t *correlation.Tracker) Option {
	return func(s *Session) { s.tracker = t }
}

// WithTracer sets the tracer for kvp.send and kvp.poll spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}

// WithAttributes adds custom span attributes computed per message.
func WithAttributes(e *attributes.Evaluator) Option {
	return func(s *Session) { s.attrs = e }
}

// WithTraceIDEvaluator selects how the trace id of a message is derived.
func WithTraceIDEvaluator(e *attributes.TraceIDEvaluator) Option {
	return func(s *Session) { s.traceIDs = e }
}

// WithLogger sets the session logger. The reassembler logs through it too.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// New creates a Session writing to out and reading from in.
func New(out, in channel.Channel, opts ...Option) *Session {
	s := &Session{
		out:            out,
		in:             in,
		prefix:         chunk.DefaultPrefix,
		maxChunkSize:   chunk.DefaultMaxChunkSize,
		pollInterval:   DefaultPollInterval,
		requestTimeout: DefaultRequestTimeout,
		clock:          time.Now,
		tracer:         noop.NewTracerProvider().Tracer("kvp-bridge"),
		logger:         zerolog.Nop(),
	}
	s.tracker = correlation.NewTracker(func() time.Time { return s.clock() })
	for _, opt := range opts {
		opt(s)
	}
	if s.traceIDs == nil {
		// The default expression always compiles.
		s.traceIDs, _ = attributes.NewTraceIDEvaluator("") //nolint:errcheck // Constant expression
	}

	s.reassembler = reassembler.New(in,
		reassembler.WithPrefix(s.prefix),
		reassembler.WithLogger(s.logger),
	)
	return s
}

// Tracker returns the correlation tracker, or nil when disabled.
func (s *Session) Tracker() *correlation.Tracker {
	return s.tracker
}

// Send serializes env and writes all of its parts to the outbound channel.
//
// The first failed write aborts the send. Parts already written are then
// deleted on a best-effort basis and the message counts as unsent; the
// returned error wraps kvperr.ErrChannelWriteFailed.
func (s *Session) Send(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", kvperr.ErrInvalidArgument)
	}

	ctx, span := s.startSpan(ctx, "kvp.send", env)
	defer span.End()

	text, err := env.Serialize()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize")
		return err
	}

	messageID := env.MessageID()
	parts, err := chunk.Split(messageID, text, s.maxChunkSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split")
		return err
	}
	span.SetAttributes(
		attribute.String("kvp.message_id", messageID),
		attribute.Int("kvp.parts", len(parts)),
		attribute.Int("kvp.length", len(text)),
	)

	for i, p := range parts {
		if err := s.out.WriteEntry(ctx, p.Key.String(), p.Value); err != nil {
			s.rollback(ctx, parts[:i])
			metrics.SendFailures.Inc()

			if !errors.Is(err, kvperr.ErrChannelWriteFailed) {
				err = fmt.Errorf("%w: %w", kvperr.ErrChannelWriteFailed, err)
			}
			err = fmt.Errorf("sending %s part %d/%d: %w", messageID, p.Key.Index, p.Key.Total, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "write")
			return err
		}
		metrics.PartsWritten.Inc()
	}

	metrics.MessagesSent.WithLabelValues(env.RequestType).Inc()
	s.logger.Debug().
		Str("message_id", messageID).
		Str("request_type", env.RequestType).
		Int("parts", len(parts)).
		Msg("Message sent")
	return nil
}

// rollback deletes parts of an aborted send. It runs even when ctx is
// already cancelled.
func (s *Session) rollback(ctx context.Context, written []chunk.Part) {
	ctx = context.WithoutCancel(ctx)
	for _, p := range written {
		key := p.Key.String()
		if err := s.out.DeleteEntry(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Could not remove part of unsent message")
		}
	}
}

// Poll runs one reassembly pass over the inbound channel and returns every
// message it completed, keyed by message id.
//
// With correlation enabled each message is also offered to the tracker:
// progress responses in sequence order first, then final responses.
func (s *Session) Poll(ctx context.Context) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "kvp.poll")
	defer span.End()

	results, err := s.reassembler.Poll(ctx)
	span.SetAttributes(attribute.Int("kvp.messages", len(results)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll")
	}

	for id, text := range results {
		s.annotate(span, id, text)
	}
	if s.tracker != nil {
		s.deliver(results)
	}
	return results, err
}

// annotate records one span event per reassembled message.
func (s *Session) annotate(span trace.Span, id, text string) {
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("kvp.message_id", id)}
	if env, err := envelope.Decode(text); err == nil {
		attrs = append(attrs, attribute.String("kvp.request_type", env.RequestType))
		attrs = append(attrs, s.attrs.Evaluate(env)...)
	}
	span.AddEvent("kvp.message", trace.WithAttributes(attrs...))
}

type progressEntry struct {
	requestID string
	seq       int
	text      string
}

func (s *Session) deliver(results map[string]string) {
	var progress []progressEntry
	var final []string
	for id := range results {
		if requestID, seq, ok := envelope.ParseProgressMessageID(id); ok {
			progress = append(progress, progressEntry{requestID, seq, results[id]})
			continue
		}
		final = append(final, id)
	}

	sort.Slice(progress, func(i, j int) bool {
		if progress[i].requestID != progress[j].requestID {
			return progress[i].requestID < progress[j].requestID
		}
		return progress[i].seq < progress[j].seq
	})
	for _, p := range progress {
		if !s.tracker.Progress(p.requestID, p.seq, p.text) {
			s.logger.Debug().Str("request_id", p.requestID).Int("seq", p.seq).Msg("Dropping progress response")
		}
	}

	sort.Strings(final)
	for _, id := range final {
		if !s.tracker.Resolve(id, results[id]) {
			s.logger.Debug().Str("message_id", id).Msg("No pending request for message")
		}
	}
}

// Request sends env and waits for the response with the same request id.
//
// A zero timeout selects the session default. Each progress response
// restarts the timeout and is passed to onProgress when it is not nil.
// A response whose Status is not OK is returned together with its error.
func (s *Session) Request(ctx context.Context, env *envelope.Envelope, timeout time.Duration, onProgress ProgressHandler) (*envelope.Envelope, error) {
	if s.tracker == nil {
		return nil, fmt.Errorf("%w: session has no correlation tracker", kvperr.ErrInvalidArgument)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", kvperr.ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = s.requestTimeout
	}

	var opts []correlation.RegisterOption
	if onProgress != nil {
		opts = append(opts, correlation.OnProgress(func(seq int, text string) {
			resp, err := envelope.Decode(text)
			if err != nil {
				s.logger.Warn().Err(err).Str("request_id", env.RequestID).Int("seq", seq).Msg("Undecodable progress response")
				return
			}
			onProgress(seq, resp)
		}))
	}

	if err := s.tracker.Register(env.RequestID, timeout, opts...); err != nil {
		return nil, err
	}
	if err := s.Send(ctx, env); err != nil {
		s.tracker.Cancel(env.RequestID)
		return nil, err
	}

	pollCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.pollUntil(pollCtx)

	text, err := s.tracker.Wait(ctx, env.RequestID)
	if err != nil {
		return nil, err
	}

	resp, err := envelope.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("decoding response to %s: %w", env.RequestID, err)
	}
	return resp, resp.Err()
}

// pollUntil polls and expires requests every poll interval until ctx is
// done. Cancellation is observed between passes.
func (s *Session) pollUntil(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Poll pass failed")
		}
		s.tracker.Expire(s.clock())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ack asks the peer to delete the response it wrote under responseID.
// It does not wait for an answer.
func (s *Session) Ack(ctx context.Context, responseID string) error {
	ack, err := envelope.NewAck(responseID, envelope.WithPrefix(s.prefix))
	if err != nil {
		return err
	}
	return s.Send(ctx, ack)
}

// startSpan starts a span for env. Without an active span in ctx the span
// is parented on a remote context derived from the request id, so the two
// sides of a conversation land in one trace.
func (s *Session) startSpan(ctx context.Context, name string, env *envelope.Envelope) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if !trace.SpanContextFromContext(ctx).IsValid() {
		traceID, warnings, err := s.traceIDs.EvaluateAndValidate(env)
		if err != nil {
			attrs = append(attrs, attribute.String("_trace_id_error", err.Error()))
		} else {
			ctx = trace.ContextWithRemoteSpanContext(ctx, attributes.RemoteParent(traceID, env.RequestID))
			attrs = append(attrs, warnings...)
		}
	}

	attrs = append(attrs,
		attribute.String("kvp.request_id", env.RequestID),
		attribute.String("kvp.request_type", env.RequestType),
	)
	if rt := env.ResponseType(); rt != "" {
		attrs = append(attrs, attribute.String("kvp.response_type", rt))
	}
	attrs = append(attrs, s.attrs.Evaluate(env)...)

	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
