// Package channeltest provides channel wrappers for tests.
package channeltest

import (
	"context"
	"sync"

	"github.com/mrzor/kvp-bridge/internal/channel"
)

// Faulty wraps a Channel and injects errors per operation and key.
type Faulty struct {
	channel.Channel

	mu           sync.Mutex
	enumerateErr error
	readErr      map[string]error
	writeErr     map[string]error
	deleteErr    map[string]error
	writeAfter   int // fail every write once this many succeeded; -1 disables
	writeErrAll  error
	reverse      bool
	writes       int
}

// NewFaulty wraps ch with no faults configured.
func NewFaulty(ch channel.Channel) *Faulty {
	return &Faulty{
		Channel:    ch,
		readErr:    make(map[string]error),
		writeErr:   make(map[string]error),
		deleteErr:  make(map[string]error),
		writeAfter: -1,
	}
}

// FailEnumerate makes EnumerateKeys return err; nil clears it.
func (f *Faulty) FailEnumerate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerateErr = err
}

// FailRead makes ReadEntry of key return err; nil clears it.
func (f *Faulty) FailRead(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.readErr, key, err)
}

// FailWrite makes WriteEntry of key return err; nil clears it.
func (f *Faulty) FailWrite(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.writeErr, key, err)
}

// FailWritesAfter lets n writes through and fails the rest with err.
func (f *Faulty) FailWritesAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeAfter = n
	f.writeErrAll = err
	f.writes = 0
}

// FailDelete makes DeleteEntry of key return err; nil clears it.
func (f *Faulty) FailDelete(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.deleteErr, key, err)
}

// ReverseEnumeration returns enumerated keys in reverse order.
func (f *Faulty) ReverseEnumeration(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverse = on
}

func setOrClear(m map[string]error, key string, err error) {
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}

func (f *Faulty) WriteEntry(ctx context.Context, key, value string) error {
	f.mu.Lock()
	err := f.writeErr[key]
	if err == nil && f.writeAfter >= 0 {
		if f.writes >= f.writeAfter {
			err = f.writeErrAll
		} else {
			f.writes++
		}
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	return f.Channel.WriteEntry(ctx, key, value)
}

func (f *Faulty) EnumerateKeys(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	err, reverse := f.enumerateErr, f.reverse
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	keys, err := f.Channel.EnumerateKeys(ctx, prefix)
	if err != nil || !reverse {
		return keys, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

func (f *Faulty) ReadEntry(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	err := f.readErr[key]
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	return f.Channel.ReadEntry(ctx, key)
}

func (f *Faulty) DeleteEntry(ctx context.Context, key string) error {
	f.mu.Lock()
	err := f.deleteErr[key]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	return f.Channel.DeleteEntry(ctx, key)
}
