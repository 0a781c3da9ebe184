package reassembler

import (
	"fmt"

	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/metrics"
)

// partGroup collects the keys of one message id seen in a snapshot.
type partGroup struct {
	messageID string         // spelling of the first key seen
	total     int            // authoritative, from the first key seen
	parts     map[int]string // index -> key
	keys      []string       // every parsed key of this id, conflicting ones included
}

func (g *partGroup) complete() bool {
	if len(g.parts) != g.total {
		return false
	}
	for i := 1; i <= g.total; i++ {
		if _, ok := g.parts[i]; !ok {
			return false
		}
	}
	return true
}

// issue is a per-entry condition found while grouping.
type issue struct {
	kind      string
	key       string
	messageID string
	detail    string
}

// groupKeys parses and groups a key snapshot. keys must be sorted so that
// "first seen" is stable across passes. Groups come back in first-seen
// order.
func groupKeys(keys []string, prefix string) ([]*partGroup, []issue) {
	var (
		order  []*partGroup
		byID   = make(map[string]*partGroup)
		issues []issue
	)

	for _, raw := range keys {
		key, err := chunk.ParseKey(raw, prefix)
		if err != nil {
			issues = append(issues, issue{kind: metrics.IssueMalformedKey, key: raw, detail: err.Error()})
			continue
		}

		folded := chunk.FoldID(key.MessageID)
		g, ok := byID[folded]
		if !ok {
			g = &partGroup{
				messageID: key.MessageID,
				total:     key.Total,
				parts:     make(map[int]string),
			}
			byID[folded] = g
			order = append(order, g)
		}
		g.keys = append(g.keys, raw)

		if key.Total != g.total {
			issues = append(issues, issue{
				kind:      metrics.IssueInconsistentTotal,
				key:       raw,
				messageID: g.messageID,
				detail:    fmt.Sprintf("declares total %d, group total is %d", key.Total, g.total),
			})
			continue
		}
		if prev, dup := g.parts[key.Index]; dup {
			issues = append(issues, issue{
				kind:      metrics.IssueDuplicateIndex,
				key:       raw,
				messageID: g.messageID,
				detail:    fmt.Sprintf("index %d already provided by %s", key.Index, prev),
			})
			continue
		}
		g.parts[key.Index] = raw
	}

	return order, issues
}
