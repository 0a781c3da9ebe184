package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mrzor/kvp-bridge/internal/attributes"
	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/envelope"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/mrzor/kvp-bridge/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// MaxQueue is how many Configure requests may wait behind the running one.
const MaxQueue = 3

// Sender writes a response to the host. session.Session implements it.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) error
}

// Dispatcher routes host requests to their handlers and sends the
// responses.
type Dispatcher struct {
	sender   Sender
	outbound channel.Channel

	configure    ConfigureFunc
	userLoggedIn func() bool
	maxQueue     int
	limiter      *rate.Limiter

	tracer trace.Tracer
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []*envelope.Envelope
	running bool
	idle    *sync.Cond
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfigure sets the function that applies Configure documents.
// Defaults to WalkDocument.
func WithConfigure(fn ConfigureFunc) Option {
	return func(d *Dispatcher) { d.configure = fn }
}

// WithUserLoggedIn sets the probe answering IsUserLoggedIn.
func WithUserLoggedIn(fn func() bool) Option {
	return func(d *Dispatcher) { d.userLoggedIn = fn }
}

// WithMaxQueue overrides MaxQueue.
func WithMaxQueue(n int) Option {
	return func(d *Dispatcher) { d.maxQueue = n }
}

// WithRateLimit caps how many requests per second are handled. Requests
// over the limit are answered with TooManyRequests. Acks are never limited.
// A non-positive limit disables the cap.
func WithRateLimit(limit float64, burst int) Option {
	return func(d *Dispatcher) {
		if limit <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithTracer sets the tracer for kvp.handle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher replying through sender. Acknowledged responses
// are deleted from outbound, the channel sender writes to.
func New(sender Sender, outbound channel.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:       sender,
		outbound:     outbound,
		configure:    WalkDocument,
		userLoggedIn: func() bool { return false },
		maxQueue:     MaxQueue,
		tracer:       noop.NewTracerProvider().Tracer("kvp-agent"),
		logger:       zerolog.Nop(),
	}
	d.idle = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle dispatches the messages of one poll pass in message id order.
// Its signature matches poller.Handler.
func (d *Dispatcher) Handle(ctx context.Context, messages map[string]string) {
	ids := make([]string, 0, len(messages))
	for id := range messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		req, err := envelope.Decode(messages[id])
		if err != nil {
			d.rejectUndecodable(ctx, id, err)
			continue
		}
		if err := d.Dispatch(ctx, req); err != nil {
			d.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to handle request")
		}
	}
}

// Dispatch handles one request. Status requests are answered before it
// returns; Configure requests are queued.
func (d *Dispatcher) Dispatch(ctx context.Context, req *envelope.Envelope) error {
	if req.IsResponse() {
		d.logger.Warn().Str("request_id", req.RequestID).Msg("Ignoring response on the request channel")
		return nil
	}
	if req.RequestType != envelope.TypeAck && d.limiter != nil && !d.limiter.Allow() {
		d.logger.Warn().Str("request_id", req.RequestID).Msg("Request rate exceeded")
		return d.tooManyRequests(ctx, req, "request rate exceeded")
	}

	switch req.RequestType {
	case envelope.TypeGetVersion:
		return d.respond(ctx, req, func(ctx context.Context) (*envelope.Envelope, error) {
			resp, err := envelope.NewResponse(req, envelope.ResponseCompleted, envelope.StatusOK)
			if err != nil {
				return nil, err
			}
			return resp, resp.Set(envelope.FieldProtocolVersion, envelope.ProtocolVersion)
		})
	case envelope.TypeIsUserLoggedIn:
		return d.respond(ctx, req, func(ctx context.Context) (*envelope.Envelope, error) {
			resp, err := envelope.NewResponse(req, envelope.ResponseCompleted, envelope.StatusOK)
			if err != nil {
				return nil, err
			}
			return resp, resp.Set(envelope.FieldIsUserLoggedIn, d.userLoggedIn())
		})
	case envelope.TypeAck:
		return d.ack(ctx, req)
	case envelope.TypeConfigure:
		return d.enqueue(ctx, req)
	default:
		return d.respond(ctx, req, func(ctx context.Context) (*envelope.Envelope, error) {
			return envelope.NewErrorResponse(req, envelope.StatusUnknownRequest,
				fmt.Sprintf("unknown request type %q", req.RequestType))
		})
	}
}

// respond builds a response inside a kvp.handle span and sends it.
func (d *Dispatcher) respond(ctx context.Context, req *envelope.Envelope, build func(context.Context) (*envelope.Envelope, error)) error {
	ctx, span := d.startSpan(ctx, req)
	defer span.End()

	resp, err := build(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build response")
		return fmt.Errorf("building response to %s: %w", req.RequestID, err)
	}
	return d.send(ctx, span, req, resp)
}

func (d *Dispatcher) send(ctx context.Context, span trace.Span, req, resp *envelope.Envelope) error {
	span.SetAttributes(attribute.String("kvp.response_type", resp.ResponseType()))
	if err := d.sender.Send(ctx, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send response")
		return err
	}
	metrics.RequestsHandled.WithLabelValues(req.RequestType, resp.ResponseType()).Inc()
	d.logger.Info().
		Str("request_id", req.RequestID).
		Str("request_type", req.RequestType).
		Str("response_type", resp.ResponseType()).
		Uint("status", resp.Status()).
		Msg("Request handled")
	return nil
}

// ack deletes every entry the agent wrote for the acknowledged id,
// including its progress responses. Acks get no reply.
func (d *Dispatcher) ack(ctx context.Context, req *envelope.Envelope) error {
	ctx, span := d.startSpan(ctx, req)
	defer span.End()

	// A partial id such as "DevSetup{" would match every response.
	ackedID, ok := req.String(envelope.FieldAckedID)
	if !ok || !completeID(ackedID) {
		err := fmt.Errorf("%w: ack %s has bad %s %q", kvperr.ErrInvalidArgument, req.RequestID, envelope.FieldAckedID, ackedID)
		span.RecordError(err)
		return err
	}

	// A request id also covers its progress ids. A progress id covers only
	// its own parts, so _Progress_1 must not match _Progress_10.
	prefix := ackedID
	if _, _, progress := envelope.ParseProgressMessageID(ackedID); progress {
		prefix += string(chunk.Separator)
	}
	deleted, err := channel.DeletePrefix(ctx, d.outbound, prefix)
	span.SetAttributes(attribute.String("kvp.acked_id", ackedID), attribute.Int("kvp.deleted", deleted))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete")
		return fmt.Errorf("deleting response %s: %w", ackedID, err)
	}

	metrics.RequestsHandled.WithLabelValues(req.RequestType, "").Inc()
	d.logger.Debug().Str("acked_id", ackedID).Int("deleted", deleted).Msg("Response acknowledged")
	return nil
}

// completeID reports whether id is a whole message id: a request id or one
// of its progress ids.
func completeID(id string) bool {
	if strings.ContainsRune(id, chunk.Separator) {
		return false
	}
	if requestID, _, ok := envelope.ParseProgressMessageID(id); ok {
		id = requestID
	}
	return strings.HasSuffix(id, "}") && !strings.HasSuffix(id, "{}")
}

// enqueue validates a Configure request and queues it, or answers right
// away when it is invalid or the queue is full.
func (d *Dispatcher) enqueue(ctx context.Context, req *envelope.Envelope) error {
	document, ok := req.String(envelope.FieldConfigure)
	if !ok {
		return d.respond(ctx, req, func(context.Context) (*envelope.Envelope, error) {
			return envelope.NewErrorResponse(req, envelope.StatusInvalidRequest, "missing "+envelope.FieldConfigure+" field")
		})
	}
	if err := envelope.ValidateConfiguration(document); err != nil {
		return d.respond(ctx, req, func(context.Context) (*envelope.Envelope, error) {
			return envelope.NewErrorResponse(req, envelope.StatusInvalidRequest, err.Error())
		})
	}

	d.mu.Lock()
	if !d.running {
		// Nothing running: the request goes straight to a new worker and
		// never occupies a queue slot.
		d.running = true
		d.mu.Unlock()
		d.logger.Debug().Str("request_id", req.RequestID).Msg("Configure request started")
		go d.work(ctx, req)
		return nil
	}
	if len(d.queue) >= d.maxQueue {
		d.mu.Unlock()
		d.logger.Warn().Str("request_id", req.RequestID).Int("queued", d.maxQueue).Msg("Too many requests")
		return d.tooManyRequests(ctx, req, fmt.Sprintf("%d requests already queued", d.maxQueue))
	}
	d.queue = append(d.queue, req)
	metrics.QueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()

	d.logger.Debug().Str("request_id", req.RequestID).Msg("Configure request queued")
	return nil
}

func (d *Dispatcher) tooManyRequests(ctx context.Context, req *envelope.Envelope, reason string) error {
	return d.respond(ctx, req, func(context.Context) (*envelope.Envelope, error) {
		resp, err := envelope.NewResponse(req, envelope.ResponseTooManyRequests, envelope.StatusTooManyRequests)
		if err != nil {
			return nil, err
		}
		return resp, resp.Set(envelope.FieldErrorDescription, reason)
	})
}

// work runs req, then drains the queue one request at a time. The queue
// only ever holds requests waiting behind the running one.
func (d *Dispatcher) work(ctx context.Context, req *envelope.Envelope) {
	for {
		if err := d.runConfigure(ctx, req); err != nil {
			d.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to execute request")
		}

		d.mu.Lock()
		if len(d.queue) == 0 || ctx.Err() != nil {
			d.queue = nil
			metrics.QueueDepth.Set(0)
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		req = d.queue[0]
		d.queue = d.queue[1:]
		metrics.QueueDepth.Set(float64(len(d.queue)))
		d.mu.Unlock()
	}
}

func (d *Dispatcher) runConfigure(ctx context.Context, req *envelope.Envelope) error {
	ctx, span := d.startSpan(ctx, req)
	defer span.End()

	document, _ := req.String(envelope.FieldConfigure)
	seq := 0
	report := func(ctx context.Context, data envelope.ProgressData) error {
		seq++
		p, err := envelope.NewProgressResponse(req, seq, data)
		if err != nil {
			return err
		}
		span.AddEvent("kvp.progress", trace.WithAttributes(
			attribute.Int("kvp.progress.seq", seq),
			attribute.Int("kvp.progress.percent", int(data.Percent)),
		))
		return d.sender.Send(ctx, p)
	}

	var resp *envelope.Envelope
	var err error
	if runErr := d.configure(ctx, document, report); runErr != nil {
		span.RecordError(runErr)
		status := envelope.StatusFailed
		if errors.Is(runErr, kvperr.ErrInvalidArgument) {
			status = envelope.StatusInvalidRequest
		}
		resp, err = envelope.NewErrorResponse(req, status, runErr.Error())
	} else {
		resp, err = envelope.NewResponse(req, envelope.ResponseCompleted, envelope.StatusOK)
	}
	if err != nil {
		return err
	}
	return d.send(ctx, span, req, resp)
}

// Wait blocks until the Configure queue is drained.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		d.idle.Wait()
	}
}

// Queued returns how many Configure requests wait behind the running one.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// rejectUndecodable answers a message that is not a valid envelope. The
// message id doubles as request id so the host can still match the reply.
func (d *Dispatcher) rejectUndecodable(ctx context.Context, messageID string, cause error) {
	d.logger.Warn().Err(cause).Str("message_id", messageID).Msg("Undecodable request")

	if _, _, progress := envelope.ParseProgressMessageID(messageID); progress {
		return
	}
	req, err := envelope.New(envelope.TypeUnknown, envelope.WithRequestID(messageID))
	if err != nil {
		return
	}
	resp, err := envelope.NewErrorResponse(req, envelope.StatusInvalidRequest, cause.Error())
	if err != nil {
		return
	}
	if err := d.sender.Send(ctx, resp); err != nil {
		d.logger.Error().Err(err).Str("message_id", messageID).Msg("Failed to reject request")
		return
	}
	metrics.RequestsHandled.WithLabelValues(envelope.TypeUnknown, resp.ResponseType()).Inc()
}

// startSpan opens a kvp.handle span in the trace keyed by the request id,
// matching the trace the host's kvp.send span joined.
func (d *Dispatcher) startSpan(ctx context.Context, req *envelope.Envelope) (context.Context, trace.Span) {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		parent := attributes.RemoteParent(attributes.HashTraceID(req.RequestID), req.RequestID)
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	}
	return d.tracer.Start(ctx, "kvp.handle", trace.WithAttributes(
		attribute.String("kvp.request_id", req.RequestID),
		attribute.String("kvp.request_type", req.RequestType),
	), trace.WithSpanKind(trace.SpanKindServer))
}
