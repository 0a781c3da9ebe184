package agent

import (
	"context"
	"time"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/poller"
	"github.com/mrzor/kvp-bridge/internal/reassembler"
	"github.com/mrzor/kvp-bridge/internal/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ServiceConfig wires a Service. Outbound and Inbound are required.
type ServiceConfig struct {
	Outbound channel.Channel
	Inbound  channel.Channel

	Prefix       string
	MaxChunkSize int
	Interval     time.Duration
	Retention    time.Duration
	// Clock drives retention; defaults to time.Now.
	Clock func() time.Time

	Tracer  trace.Tracer
	Logger  zerolog.Logger
	Options []Option
}

// Service is a running guest agent: a poll loop feeding a Dispatcher.
type Service struct {
	inbound    channel.Channel
	prefix     string
	dispatcher *Dispatcher
	loop       *poller.Loop
}

// NewService assembles the agent. It does not start polling.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = chunk.DefaultPrefix
	}

	sessOpts := []session.Option{
		session.WithPrefix(cfg.Prefix),
		session.WithTracker(nil),
		session.WithLogger(cfg.Logger),
	}
	if cfg.MaxChunkSize > 0 {
		sessOpts = append(sessOpts, session.WithMaxChunkSize(cfg.MaxChunkSize))
	}
	if cfg.Tracer != nil {
		sessOpts = append(sessOpts, session.WithTracer(cfg.Tracer))
	}
	sess := session.New(cfg.Outbound, cfg.Inbound, sessOpts...)

	opts := []Option{WithLogger(cfg.Logger)}
	if cfg.Tracer != nil {
		opts = append(opts, WithTracer(cfg.Tracer))
	}
	dispatcher := New(sess, cfg.Outbound, append(opts, cfg.Options...)...)

	purgeOpts := []reassembler.Option{
		reassembler.WithPrefix(cfg.Prefix),
		reassembler.WithLogger(cfg.Logger),
	}
	if cfg.Clock != nil {
		purgeOpts = append(purgeOpts, reassembler.WithClock(cfg.Clock))
	}

	// Outbound is swept too: a response left half written, for example by
	// a crash mid-send, is never read by the host and only the agent may
	// delete it.
	loop := poller.New(poller.Config{
		Source:   sess,
		Handler:  dispatcher.Handle,
		Interval: cfg.Interval,
		Purgers: []*reassembler.Purger{
			reassembler.NewPurger(cfg.Inbound, cfg.Retention, purgeOpts...),
			reassembler.NewPurger(cfg.Outbound, cfg.Retention, purgeOpts...),
		},
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
	})

	return &Service{
		inbound:    cfg.Inbound,
		prefix:     cfg.Prefix,
		dispatcher: dispatcher,
		loop:       loop,
	}
}

// Start begins polling for requests.
func (s *Service) Start(ctx context.Context) error {
	return s.loop.Start(ctx)
}

// Stop ends polling and waits for queued Configure requests to finish.
func (s *Service) Stop() error {
	err := s.loop.Stop()
	s.dispatcher.Wait()
	return err
}

// Queued returns the number of waiting Configure requests.
func (s *Service) Queued() int {
	return s.dispatcher.Queued()
}

// Ping checks that the inbound channel can be enumerated.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.inbound.EnumerateKeys(ctx, chunk.IDStart(s.prefix))
	return err
}
