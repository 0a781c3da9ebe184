// Package poller schedules reassembly passes on a fixed interval.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mrzor/kvp-bridge/internal/correlation"
	"github.com/mrzor/kvp-bridge/internal/reassembler"
	"github.com/rs/zerolog"
)

// DefaultInterval is the pause between two passes.
const DefaultInterval = 500 * time.Millisecond

// Source produces the messages of one pass. session.Session and
// reassembler.Reassembler both satisfy it.
type Source interface {
	Poll(ctx context.Context) (map[string]string, error)
}

// Handler receives the messages of one pass. It runs on the loop goroutine;
// the next pass starts once it returns.
type Handler func(ctx context.Context, messages map[string]string)

// Config configures a Loop. Only Source is required.
type Config struct {
	Source   Source
	Handler  Handler
	Interval time.Duration

	// Purgers remove abandoned part groups after each pass, one per
	// channel the process reads or writes.
	Purgers []*reassembler.Purger
	// Tracker has its expired requests failed after each pass.
	Tracker *correlation.Tracker

	Logger zerolog.Logger
	Clock  func() time.Time
}

// Loop runs passes in the background until its context is cancelled or Stop
// is called. Cancellation is observed between passes, never inside one.
type Loop struct {
	cfg    Config
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	started bool
}

// New creates a Loop. A zero Interval selects DefaultInterval.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Loop{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins polling in a goroutine and returns immediately. A Loop runs
// at most once; Start after Start or Stop fails.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("poller: loop already started or stopped")
	}
	l.started = true
	go l.run(ctx)
	return nil
}

// Stop signals the loop to exit after the current pass and waits for it.
// It is safe to call more than once, before Start, and after the context
// was cancelled.
func (l *Loop) Stop() error {
	l.once.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	if !l.started {
		l.started = true
		close(l.done)
	}
	l.mu.Unlock()

	<-l.done
	return nil
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		l.pass(ctx)

		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// pass runs one poll, hands the messages over, then sweeps and expires.
func (l *Loop) pass(ctx context.Context) {
	// A pass runs to completion once started.
	passCtx := context.WithoutCancel(ctx)

	messages, err := l.cfg.Source.Poll(passCtx)
	if err != nil {
		l.cfg.Logger.Warn().Err(err).Msg("Poll pass failed")
	}
	if len(messages) > 0 && l.cfg.Handler != nil {
		l.cfg.Handler(ctx, messages)
	}

	for _, purger := range l.cfg.Purgers {
		if _, err := purger.Sweep(passCtx); err != nil {
			l.cfg.Logger.Warn().Err(err).Msg("Retention sweep failed")
		}
	}
	if l.cfg.Tracker != nil {
		for _, id := range l.cfg.Tracker.Expire(l.cfg.Clock()) {
			l.cfg.Logger.Info().Str("request_id", id).Msg("Request timed out")
		}
	}
}
