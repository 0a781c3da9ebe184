package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/mrzor/kvp-bridge/internal/kvperr"
)

// Memory is an in-process Channel backed by a map.
//
// Optional quotas mirror the limits of the Hyper-V data exchange service so
// tests can exercise ChannelWriteFailed without a hypervisor.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string

	// MaxValueLen caps a value in runes; 0 disables the check.
	MaxValueLen int
	// MaxEntries caps the number of live keys; 0 disables the check.
	MaxEntries int
}

// NewMemory creates an empty in-memory channel.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]string),
	}
}

// WriteEntry stores value under key.
func (m *Memory) WriteEntry(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.MaxValueLen > 0 && utf8.RuneCountInString(value) > m.MaxValueLen {
		return fmt.Errorf("%w: value for %q exceeds %d characters", kvperr.ErrChannelWriteFailed, key, m.MaxValueLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.MaxEntries > 0 && len(m.entries) >= m.MaxEntries {
		return fmt.Errorf("%w: entry quota of %d reached", kvperr.ErrChannelWriteFailed, m.MaxEntries)
	}
	m.entries[key] = value
	return nil
}

// EnumerateKeys returns a sorted snapshot of keys matching prefix.
func (m *Memory) EnumerateKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if HasPrefixFold(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadEntry returns the value stored under key.
func (m *Memory) ReadEntry(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", kvperr.ErrNotFound, key)
	}
	return value, nil
}

// DeleteEntry removes key if present.
func (m *Memory) DeleteEntry(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of every entry.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}
