package reassembler

import (
	"context"
	"sync"
	"time"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long an incomplete message may sit in the channel
// before its parts are purged.
const DefaultRetention = 10 * time.Minute

// Purger removes the parts of messages that stay incomplete for longer than
// the retention period. Unlike a Reassembler it is stateful: it remembers
// when each incomplete id was first seen.
type Purger struct {
	ch        channel.Channel
	prefix    string
	logger    zerolog.Logger
	clock     func() time.Time
	retention time.Duration

	mu        sync.Mutex
	firstSeen map[string]time.Time // folded message id -> first sighting
}

// NewPurger creates a Purger. A retention <= 0 selects DefaultRetention.
func NewPurger(ch channel.Channel, retention time.Duration, opts ...Option) *Purger {
	s := buildSettings(opts)
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Purger{
		ch:        ch,
		prefix:    s.prefix,
		logger:    s.logger,
		clock:     s.clock,
		retention: retention,
		firstSeen: make(map[string]time.Time),
	}
}

// Sweep takes a snapshot, records newly seen incomplete ids, and deletes
// every entry of ids that have been incomplete longer than the retention
// period. It returns the purged message ids.
func (p *Purger) Sweep(ctx context.Context) ([]string, error) {
	keys, err := snapshot(ctx, p.ch, p.prefix)
	if err != nil {
		return nil, err
	}
	groups, _ := groupKeys(keys, p.prefix)
	now := p.clock()

	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]struct{}, len(groups))
	var purged []string

	for _, g := range groups {
		folded := chunk.FoldID(g.messageID)
		present[folded] = struct{}{}

		if g.complete() {
			delete(p.firstSeen, folded)
			continue
		}

		seen, tracked := p.firstSeen[folded]
		if !tracked {
			p.firstSeen[folded] = now
			continue
		}
		if now.Sub(seen) <= p.retention {
			continue
		}

		removed := 0
		for _, key := range g.keys {
			if err := p.ch.DeleteEntry(ctx, key); err != nil {
				p.logger.Warn().Err(err).Str("key", key).Msg("Could not purge part")
				continue
			}
			removed++
		}
		if removed == len(g.keys) {
			delete(p.firstSeen, folded)
		}

		p.logger.Info().
			Str("message_id", g.messageID).
			Int("discovered", len(g.parts)).
			Int("total", g.total).
			Dur("age", now.Sub(seen)).
			Msg("Purged incomplete message")
		metrics.GroupsPurged.Inc()
		purged = append(purged, g.messageID)
	}

	// Forget ids whose entries vanished (completed or deleted elsewhere).
	for folded := range p.firstSeen {
		if _, ok := present[folded]; !ok {
			delete(p.firstSeen, folded)
		}
	}

	return purged, nil
}

// Tracked returns how many incomplete ids are being aged.
func (p *Purger) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.firstSeen)
}
