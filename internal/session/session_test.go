package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/kvp-bridge/internal/attributes"
	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/channel/channeltest"
	"github.com/mrzor/kvp-bridge/internal/config"
	"github.com/mrzor/kvp-bridge/internal/envelope"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/mrzor/kvp-bridge/internal/reassembler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRequest(t *testing.T, requestType string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(requestType)
	require.NoError(t, err)
	return env
}

// respond answers every request arriving on in by writing what reply
// returns to out, until ctx is done.
func respond(ctx context.Context, t *testing.T, in, out channel.Channel, reply func(req *envelope.Envelope) []*envelope.Envelope) *sync.WaitGroup {
	guest := New(out, in, WithTracker(nil))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			msgs, _ := guest.Poll(ctx)
			for _, text := range msgs {
				req, err := envelope.Decode(text)
				if err != nil {
					t.Errorf("decoding request: %v", err)
					continue
				}
				for _, resp := range reply(req) {
					if err := guest.Send(ctx, resp); err != nil && ctx.Err() == nil {
						t.Errorf("sending response: %v", err)
					}
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return &wg
}

func TestSend_RoundTripThroughReassembler(t *testing.T) {
	out := channel.NewMemory()
	s := New(out, channel.NewMemory(), WithMaxChunkSize(16))

	env := newRequest(t, envelope.TypeConfigure)
	require.NoError(t, env.Set(envelope.FieldConfigure, strings.Repeat("ключ: значение\n", 10)))
	require.NoError(t, s.Send(context.Background(), env))
	assert.Greater(t, out.Len(), 1)

	got, err := reassembler.New(out).Poll(context.Background())
	require.NoError(t, err)
	want, err := env.Serialize()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{env.RequestID: want}, got)
}

func TestSend_WriteFailureRemovesWrittenParts(t *testing.T) {
	mem := channel.NewMemory()
	faulty := channeltest.NewFaulty(mem)
	faulty.FailWritesAfter(2, errors.New("quota exceeded"))
	s := New(faulty, channel.NewMemory(), WithMaxChunkSize(8))

	err := s.Send(context.Background(), newRequest(t, envelope.TypeGetVersion))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kvperr.ErrChannelWriteFailed))
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Zero(t, mem.Len(), "an unsent message must not leave parts behind")
}

func TestSend_ValueLimitIsWriteFailure(t *testing.T) {
	mem := channel.NewMemory()
	mem.MaxValueLen = 10
	s := New(mem, channel.NewMemory(), WithMaxChunkSize(100))

	err := s.Send(context.Background(), newRequest(t, envelope.TypeGetVersion))
	assert.True(t, errors.Is(err, kvperr.ErrChannelWriteFailed))
	assert.Zero(t, mem.Len())
}

func TestSend_NilEnvelope(t *testing.T) {
	s := New(channel.NewMemory(), channel.NewMemory())
	assert.True(t, errors.Is(s.Send(context.Background(), nil), kvperr.ErrInvalidArgument))
}

func TestSend_ProgressMessageID(t *testing.T) {
	out := channel.NewMemory()
	s := New(out, channel.NewMemory())

	req := newRequest(t, envelope.TypeConfigure)
	progressID := envelope.ProgressMessageID(req.RequestID, 1)
	resp, err := envelope.NewResponse(req, envelope.ResponseProgress, envelope.StatusOK, envelope.WithMessageID(progressID))
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), resp))

	got, err := reassembler.New(out).Poll(context.Background())
	require.NoError(t, err)
	require.Contains(t, got, progressID)
}

func TestPoll_ResolvesPendingRequest(t *testing.T) {
	in := channel.NewMemory()
	s := New(channel.NewMemory(), in)

	req := newRequest(t, envelope.TypeGetVersion)
	require.NoError(t, s.Tracker().Register(req.RequestID, time.Minute))

	resp, err := envelope.NewResponse(req, envelope.ResponseCompleted, envelope.StatusOK)
	require.NoError(t, err)
	require.NoError(t, New(in, channel.NewMemory()).Send(context.Background(), resp))

	got, err := s.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	text, err := s.Tracker().Wait(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, got[req.RequestID], text)
}

func TestPoll_UnavailableChannel(t *testing.T) {
	faulty := channeltest.NewFaulty(channel.NewMemory())
	faulty.FailEnumerate(errors.New("connection refused"))
	s := New(channel.NewMemory(), faulty)

	_, err := s.Poll(context.Background())
	assert.True(t, errors.Is(err, kvperr.ErrChannelUnavailable))
}

func TestRequest_RoundTrip(t *testing.T) {
	toGuest, toHost := channel.NewMemory(), channel.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	wg := respond(ctx, t, toGuest, toHost, func(req *envelope.Envelope) []*envelope.Envelope {
		resp, err := envelope.NewResponse(req, envelope.ResponseCompleted, envelope.StatusOK)
		assert.NoError(t, err)
		assert.NoError(t, resp.Set(envelope.FieldProtocolVersion, envelope.ProtocolVersion))
		return []*envelope.Envelope{resp}
	})
	defer func() { cancel(); wg.Wait() }()

	host := New(toGuest, toHost, WithPollInterval(5*time.Millisecond))
	req := newRequest(t, envelope.TypeGetVersion)

	resp, err := host.Request(context.Background(), req, 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Equal(t, envelope.ResponseCompleted, resp.ResponseType())
	v, ok := resp.Uint(envelope.FieldProtocolVersion)
	require.True(t, ok)
	assert.Equal(t, envelope.ProtocolVersion, v)
	assert.Zero(t, host.Tracker().Pending())
}

func TestRequest_ProgressInOrder(t *testing.T) {
	toGuest, toHost := channel.NewMemory(), channel.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	wg := respond(ctx, t, toGuest, toHost, func(req *envelope.Envelope) []*envelope.Envelope {
		var resps []*envelope.Envelope
		for n := 1; n <= 3; n++ {
			p, err := envelope.NewResponse(req, envelope.ResponseProgress, envelope.StatusOK,
				envelope.WithMessageID(envelope.ProgressMessageID(req.RequestID, n)))
			assert.NoError(t, err)
			assert.NoError(t, p.Set(envelope.FieldProgress, n*33))
			resps = append(resps, p)
		}
		final, err := envelope.NewResponse(req, envelope.ResponseCompleted, envelope.StatusOK)
		assert.NoError(t, err)
		return append(resps, final)
	})
	defer func() { cancel(); wg.Wait() }()

	host := New(toGuest, toHost, WithPollInterval(5*time.Millisecond))

	var seen []int
	resp, err := host.Request(context.Background(), newRequest(t, envelope.TypeConfigure), 5*time.Second,
		func(seq int, p *envelope.Envelope) {
			assert.Equal(t, envelope.ResponseProgress, p.ResponseType())
			seen = append(seen, seq)
		})
	require.NoError(t, err)
	assert.Equal(t, envelope.ResponseCompleted, resp.ResponseType())
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRequest_ErrorResponse(t *testing.T) {
	toGuest, toHost := channel.NewMemory(), channel.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	wg := respond(ctx, t, toGuest, toHost, func(req *envelope.Envelope) []*envelope.Envelope {
		resp, err := envelope.NewErrorResponse(req, envelope.StatusUnknownRequest, "unknown request type")
		assert.NoError(t, err)
		return []*envelope.Envelope{resp}
	})
	defer func() { cancel(); wg.Wait() }()

	host := New(toGuest, toHost, WithPollInterval(5*time.Millisecond))
	resp, err := host.Request(context.Background(), newRequest(t, "Reboot"), 5*time.Second, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, envelope.StatusUnknownRequest, resp.Status())
	assert.Contains(t, err.Error(), "unknown request type")
}

func TestRequest_Timeout(t *testing.T) {
	host := New(channel.NewMemory(), channel.NewMemory(), WithPollInterval(5*time.Millisecond))

	_, err := host.Request(context.Background(), newRequest(t, envelope.TypeGetVersion), 30*time.Millisecond, nil)
	assert.True(t, errors.Is(err, kvperr.ErrRequestTimeout))
	assert.Zero(t, host.Tracker().Pending())
}

func TestRequest_ContextCancelled(t *testing.T) {
	host := New(channel.NewMemory(), channel.NewMemory(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := host.Request(ctx, newRequest(t, envelope.TypeGetVersion), time.Minute, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, host.Tracker().Pending())
}

func TestRequest_SendFailureUnregisters(t *testing.T) {
	faulty := channeltest.NewFaulty(channel.NewMemory())
	faulty.FailWritesAfter(0, errors.New("disconnected"))
	host := New(faulty, channel.NewMemory())

	_, err := host.Request(context.Background(), newRequest(t, envelope.TypeGetVersion), time.Second, nil)
	assert.True(t, errors.Is(err, kvperr.ErrChannelWriteFailed))
	assert.Zero(t, host.Tracker().Pending())
}

func TestRequest_WithoutTracker(t *testing.T) {
	s := New(channel.NewMemory(), channel.NewMemory(), WithTracker(nil))
	_, err := s.Request(context.Background(), newRequest(t, envelope.TypeGetVersion), time.Second, nil)
	assert.True(t, errors.Is(err, kvperr.ErrInvalidArgument))
}

func TestAck(t *testing.T) {
	out := channel.NewMemory()
	s := New(out, channel.NewMemory())

	require.NoError(t, s.Ack(context.Background(), "DevSetup{abc}"))

	got, err := reassembler.New(out).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	for _, text := range got {
		ack, err := envelope.Decode(text)
		require.NoError(t, err)
		assert.Equal(t, envelope.TypeAck, ack.RequestType)
		acked, ok := ack.String(envelope.FieldAckedID)
		require.True(t, ok)
		assert.Equal(t, "DevSetup{abc}", acked)
	}
}

func TestSend_SpanJoinsRequestTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	attrs, err := attributes.NewEvaluator([]config.CustomAttribute{{Name: "kind", Expression: "request_type"}})
	require.NoError(t, err)

	s := New(channel.NewMemory(), channel.NewMemory(),
		WithTracer(tp.Tracer("test")),
		WithAttributes(attrs),
	)
	req := newRequest(t, envelope.TypeGetVersion)
	require.NoError(t, s.Send(context.Background(), req))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "kvp.send", span.Name())
	assert.Equal(t, attributes.HashTraceID(req.RequestID), span.SpanContext().TraceID())
	assert.True(t, span.Parent().IsRemote())

	found := map[string]string{}
	for _, kv := range span.Attributes() {
		found[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, envelope.TypeGetVersion, found["kind"])
	assert.Equal(t, req.RequestID, found["kvp.request_id"])
	assert.Equal(t, "1", found["kvp.parts"])
}
