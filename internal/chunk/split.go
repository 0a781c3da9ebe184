package chunk

import (
	"fmt"
	"unicode/utf8"

	"github.com/mrzor/kvp-bridge/internal/kvperr"
)

// DefaultMaxChunkSize keeps a part well under the 2048-byte KVP value limit.
const DefaultMaxChunkSize = 1000

// Part is one addressable fragment of a serialized message.
type Part struct {
	Key   Key
	Value string
}

// Split slices text into parts of at most maxChunkSize runes each.
// Concatenating the values in ascending index order reproduces text exactly.
// An empty text still yields a single 1/1 part.
func Split(messageID, text string, maxChunkSize int) ([]Part, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("%w: max chunk size %d must be positive", kvperr.ErrInvalidArgument, maxChunkSize)
	}
	if messageID == "" {
		return nil, fmt.Errorf("%w: empty message id", kvperr.ErrInvalidArgument)
	}

	runes := utf8.RuneCountInString(text)
	total := (runes + maxChunkSize - 1) / maxChunkSize
	if total == 0 {
		total = 1
	}

	parts := make([]Part, 0, total)
	offset := 0
	for index := 1; index <= total; index++ {
		end := advanceRunes(text, offset, maxChunkSize)
		parts = append(parts, Part{
			Key:   Key{MessageID: messageID, Index: index, Total: total},
			Value: text[offset:end],
		})
		offset = end
	}

	return parts, nil
}

// advanceRunes returns the byte offset n runes after start, capped at len(s).
func advanceRunes(s string, start, n int) int {
	i := start
	for count := 0; count < n && i < len(s); count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// Join concatenates part values in ascending index order. Parts must form a
// complete 1..total set; otherwise an error wrapping
// kvperr.ErrIncompletePartSet is returned.
func Join(parts []Part) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no parts", kvperr.ErrIncompletePartSet)
	}
	total := parts[0].Key.Total
	ordered := make([]string, total)
	present := make([]bool, total)
	seen := 0
	for _, p := range parts {
		if p.Key.Total != total || p.Key.Index < 1 || p.Key.Index > total {
			return "", fmt.Errorf("%w: part %s does not belong to a %d-part set", kvperr.ErrInconsistentPartTotal, p.Key, total)
		}
		i := p.Key.Index - 1
		if !present[i] {
			present[i] = true
			seen++
		}
		ordered[i] = p.Value
	}
	if seen != total {
		return "", fmt.Errorf("%w: have %d of %d parts", kvperr.ErrIncompletePartSet, seen, total)
	}

	size := 0
	for _, v := range ordered {
		size += len(v)
	}
	buf := make([]byte, 0, size)
	for _, v := range ordered {
		buf = append(buf, v...)
	}
	return string(buf), nil
}
