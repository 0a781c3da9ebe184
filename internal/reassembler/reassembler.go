package reassembler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/mrzor/kvp-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// Reassembler turns the entries visible in a channel into complete messages.
// It holds no state between passes and may be polled from several
// goroutines.
type Reassembler struct {
	ch     channel.Channel
	prefix string
	logger zerolog.Logger
}

// Option configures a Reassembler or Purger.
type Option func(*settings)

type settings struct {
	prefix string
	logger zerolog.Logger
	clock  func() time.Time
}

// WithPrefix sets the message id prefix. Defaults to chunk.DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *settings) { s.prefix = prefix }
}

// WithLogger sets the logger for per-entry conditions.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock overrides time.Now. Only the Purger reads the clock.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

func buildSettings(opts []Option) settings {
	s := settings{
		prefix: chunk.DefaultPrefix,
		logger: zerolog.Nop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// New creates a Reassembler reading from ch.
func New(ch channel.Channel, opts ...Option) *Reassembler {
	s := buildSettings(opts)
	return &Reassembler{
		ch:     ch,
		prefix: s.prefix,
		logger: s.logger,
	}
}

// snapshot enumerates and sorts the keys under the message prefix.
func snapshot(ctx context.Context, ch channel.Channel, prefix string) ([]string, error) {
	keys, err := ch.EnumerateKeys(ctx, chunk.IDStart(prefix))
	if err != nil {
		if errors.Is(err, kvperr.ErrChannelUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: enumerating keys: %v", kvperr.ErrChannelUnavailable, err)
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return sorted, nil
}

// Poll runs one pass: enumerate, group, and for every complete group read,
// concatenate and delete its parts. The result maps message id to text.
//
// Only an unusable channel fails the pass. If ctx is cancelled mid-pass the
// messages already consumed are returned alongside ctx.Err().
func (r *Reassembler) Poll(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	results := make(map[string]string)

	keys, err := snapshot(ctx, r.ch, r.prefix)
	if err != nil {
		metrics.PollFailures.Inc()
		return results, err
	}

	groups, issues := groupKeys(keys, r.prefix)
	r.report(issues)

	visited := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		folded := chunk.FoldID(g.messageID)
		if _, done := visited[folded]; done {
			continue
		}
		visited[folded] = struct{}{}

		if !g.complete() {
			r.logger.Debug().
				Str("message_id", g.messageID).
				Int("discovered", len(g.parts)).
				Int("total", g.total).
				Msg("Part set incomplete, leaving entries in place")
			continue
		}

		text, err := r.read(ctx, g)
		if err != nil {
			metrics.PartIssues.WithLabelValues(metrics.IssueReadFailure).Inc()
			r.logger.Warn().
				Err(err).
				Str("message_id", g.messageID).
				Int("total", g.total).
				Msg("Could not read message parts, will retry on a later pass")
			continue
		}

		r.consume(ctx, g)
		results[g.messageID] = text
		metrics.MessagesReassembled.Inc()
	}

	return results, nil
}

// read fetches the parts of a complete group and joins them in index order.
func (r *Reassembler) read(ctx context.Context, g *partGroup) (string, error) {
	parts := make([]chunk.Part, 0, g.total)
	for i := 1; i <= g.total; i++ {
		key := g.parts[i]
		value, err := r.ch.ReadEntry(ctx, key)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", kvperr.ErrPartReadFailure, key, err)
		}
		parts = append(parts, chunk.Part{
			Key:   chunk.Key{MessageID: g.messageID, Index: i, Total: g.total},
			Value: value,
		})
	}
	return chunk.Join(parts)
}

// consume deletes the parts of a reassembled group. Failures are logged;
// the message has been read and is delivered regardless. The deletes
// ignore cancellation so a delivered message is never delivered twice.
func (r *Reassembler) consume(ctx context.Context, g *partGroup) {
	ctx = context.WithoutCancel(ctx)
	for i := 1; i <= g.total; i++ {
		key := g.parts[i]
		if err := r.ch.DeleteEntry(ctx, key); err != nil {
			metrics.PartIssues.WithLabelValues(metrics.IssueDeleteFailure).Inc()
			r.logger.Warn().
				Err(err).
				Str("message_id", g.messageID).
				Str("key", key).
				Msg("Could not delete consumed part")
		}
	}
}

func (r *Reassembler) report(issues []issue) {
	for _, is := range issues {
		metrics.PartIssues.WithLabelValues(is.kind).Inc()

		var ev *zerolog.Event
		if is.kind == metrics.IssueMalformedKey {
			ev = r.logger.Debug()
		} else {
			ev = r.logger.Warn()
		}
		ev.Str("kind", is.kind).Str("key", is.key)
		if is.messageID != "" {
			ev.Str("message_id", is.messageID)
		}
		ev.Msg("Ignoring entry: " + is.detail)
	}
}
