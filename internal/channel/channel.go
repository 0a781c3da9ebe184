// Package channel abstracts the shared key-value exchange store that
// connects host and guest.
//
// Implementations must make each entry atomic (a reader never sees a
// half-written value) and each key linearizable. Nothing is assumed across
// keys: there is no ordering, no transaction, and no change notification.
package channel

import (
	"context"
	"strings"
)

// Channel is the transport consumed by the bridge.
type Channel interface {
	// WriteEntry creates or replaces key. Quota or size violations return an
	// error wrapping kvperr.ErrChannelWriteFailed.
	WriteEntry(ctx context.Context, key, value string) error

	// EnumerateKeys returns a snapshot of the keys whose name starts with
	// prefix, compared case-insensitively.
	EnumerateKeys(ctx context.Context, prefix string) ([]string, error)

	// ReadEntry returns the value of key, or an error wrapping
	// kvperr.ErrNotFound.
	ReadEntry(ctx context.Context, key string) (string, error)

	// DeleteEntry removes key. Deleting an absent key is not an error.
	DeleteEntry(ctx context.Context, key string) error
}

// HasPrefixFold reports whether s starts with prefix, ignoring case.
func HasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// DeletePrefix removes every entry whose key starts with prefix and returns
// how many keys were removed. It stops at the first delete error.
func DeletePrefix(ctx context.Context, ch Channel, prefix string) (int, error) {
	keys, err := ch.EnumerateKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		if err := ch.DeleteEntry(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
