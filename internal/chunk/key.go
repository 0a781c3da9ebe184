package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mrzor/kvp-bridge/internal/kvperr"
)

// Separator delimits the message id, part index and part total in a key.
// It never appears inside a message id.
const Separator = '~'

// DefaultPrefix is the message id prefix used when none is configured.
const DefaultPrefix = "DevSetup"

// Key identifies one part of a chunked message.
type Key struct {
	MessageID string // Prefix{...}
	Index     int    // 1-based
	Total     int
}

// String returns the wire form <MessageID>~<Index>~<Total>.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.MessageID) + 12)
	b.WriteString(k.MessageID)
	b.WriteByte(Separator)
	b.WriteString(strconv.Itoa(k.Index))
	b.WriteByte(Separator)
	b.WriteString(strconv.Itoa(k.Total))
	return b.String()
}

// IDStart returns the leading text shared by every message id with the given
// prefix, e.g. "DevSetup{".
func IDStart(prefix string) string {
	return prefix + "{"
}

// HasIDStart reports whether s begins with the prefix and opening brace,
// ignoring case.
func HasIDStart(s, prefix string) bool {
	start := IDStart(prefix)
	return len(s) >= len(start) && strings.EqualFold(s[:len(start)], start)
}

// ParseKey parses a channel key. Any deviation from the wire form yields an
// error wrapping kvperr.ErrMalformedKey.
func ParseKey(s, prefix string) (Key, error) {
	if !HasIDStart(s, prefix) {
		return Key{}, fmt.Errorf("%w: %q lacks prefix %q", kvperr.ErrMalformedKey, s, IDStart(prefix))
	}

	fields := strings.Split(s, string(Separator))
	if len(fields) != 3 {
		return Key{}, fmt.Errorf("%w: %q has %d fields, want 3", kvperr.ErrMalformedKey, s, len(fields))
	}

	id := fields[0]
	if err := validateMessageID(id, prefix); err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", kvperr.ErrMalformedKey, s, err)
	}

	index, err := parsePositive(fields[1])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: index: %v", kvperr.ErrMalformedKey, s, err)
	}
	total, err := parsePositive(fields[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: total: %v", kvperr.ErrMalformedKey, s, err)
	}
	if index > total {
		return Key{}, fmt.Errorf("%w: %q: index %d exceeds total %d", kvperr.ErrMalformedKey, s, index, total)
	}

	return Key{MessageID: id, Index: index, Total: total}, nil
}

// validateMessageID checks the Prefix{...} shape. Suffixes after the closing
// brace are allowed so that derived ids such as Prefix{...}_Progress_3 parse.
func validateMessageID(id, prefix string) error {
	start := len(IDStart(prefix))
	closing := strings.IndexByte(id[start:], '}')
	if closing < 0 {
		return fmt.Errorf("message id %q has no closing brace", id)
	}
	if closing == 0 {
		return fmt.Errorf("message id %q has an empty body", id)
	}
	return nil
}

func parsePositive(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%q is not a decimal number", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}

// FoldID returns the case-insensitive grouping form of a message id.
func FoldID(id string) string {
	return strings.ToLower(id)
}
