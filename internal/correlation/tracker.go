// Package correlation matches outgoing request ids with the responses that
// are eventually reassembled from the inbound channel.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/mrzor/kvp-bridge/internal/metrics"
)

// ProgressFunc receives progress responses for a pending request, in
// increasing sequence order.
type ProgressFunc func(seq int, text string)

// RegisterOption configures one pending request.
type RegisterOption func(*call)

// OnProgress installs a progress callback. Each accepted progress response
// also pushes the deadline out by the request timeout.
func OnProgress(fn ProgressFunc) RegisterOption {
	return func(c *call) { c.onProgress = fn }
}

type call struct {
	requestID    string
	timeout      time.Duration
	deadline     time.Time
	onProgress   ProgressFunc
	lastProgress int

	done     chan struct{}
	finished bool
	text     string
	err      error
}

func (c *call) finish(text string, err error) {
	c.text, c.err = text, err
	c.finished = true
	close(c.done)
}

// Tracker is the keyed pending set. Ids are compared case-insensitively.
type Tracker struct {
	mu      sync.RWMutex
	pending map[string]*call // folded request id -> call
	clock   func() time.Time
}

// NewTracker creates an empty tracker. A nil clock selects time.Now.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		pending: make(map[string]*call),
		clock:   clock,
	}
}

// Register starts tracking id. The request expires timeout after now.
func (t *Tracker) Register(id string, timeout time.Duration, opts ...RegisterOption) error {
	if id == "" || timeout <= 0 {
		return fmt.Errorf("%w: register %q with timeout %s", kvperr.ErrInvalidArgument, id, timeout)
	}

	c := &call{
		requestID: id,
		timeout:   timeout,
		deadline:  t.clock().Add(timeout),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := chunk.FoldID(id)
	if _, exists := t.pending[key]; exists {
		return fmt.Errorf("%w: request %s already pending", kvperr.ErrInvalidArgument, id)
	}
	t.pending[key] = c
	metrics.RequestsPending.Inc()
	return nil
}

// Resolve hands text to the request registered under id. It returns false
// when nothing is waiting for id; the text is then dropped.
func (t *Tracker) Resolve(id, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.pending[chunk.FoldID(id)]
	if !ok || c.finished {
		metrics.UnmatchedResponses.Inc()
		return false
	}
	c.finish(text, nil)
	metrics.RequestsPending.Dec()
	return true
}

// Progress delivers the seq-th progress response of id. Stale or repeated
// sequence numbers are dropped.
func (t *Tracker) Progress(id string, seq int, text string) bool {
	t.mu.Lock()
	c, ok := t.pending[chunk.FoldID(id)]
	if !ok || c.finished || seq <= c.lastProgress {
		t.mu.Unlock()
		return false
	}
	c.lastProgress = seq
	c.deadline = t.clock().Add(c.timeout)
	fn := c.onProgress
	t.mu.Unlock()

	if fn != nil {
		fn(seq, text)
	}
	return true
}

// Expire fails every request whose deadline is before now with
// kvperr.ErrRequestTimeout and returns their ids. Finished requests that
// nobody collected are dropped once past their deadline.
func (t *Tracker) Expire(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for key, c := range t.pending {
		if !now.After(c.deadline) {
			continue
		}
		if c.finished {
			delete(t.pending, key)
			continue
		}
		c.finish("", fmt.Errorf("%w: %s after %s", kvperr.ErrRequestTimeout, c.requestID, c.timeout))
		metrics.RequestsPending.Dec()
		metrics.RequestsExpired.Inc()
		expired = append(expired, c.requestID)
	}
	return expired
}

// Pending returns the number of requests still waiting for a response.
func (t *Tracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, c := range t.pending {
		if !c.finished {
			n++
		}
	}
	return n
}

// Cancel stops tracking id without delivering anything.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := chunk.FoldID(id)
	if c, ok := t.pending[key]; ok {
		if !c.finished {
			metrics.RequestsPending.Dec()
		}
		delete(t.pending, key)
	}
}

// Wait blocks until id is resolved or expired, or ctx is done, and then
// stops tracking it.
func (t *Tracker) Wait(ctx context.Context, id string) (string, error) {
	key := chunk.FoldID(id)

	t.mu.RLock()
	c, ok := t.pending[key]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no pending request %s", kvperr.ErrNotFound, id)
	}

	select {
	case <-c.done:
		t.mu.Lock()
		if t.pending[key] == c {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		return c.text, c.err
	case <-ctx.Done():
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.pending[key] == c {
			if !c.finished {
				metrics.RequestsPending.Dec()
			}
			delete(t.pending, key)
		}
		return "", ctx.Err()
	}
}
