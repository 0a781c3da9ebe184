package natskv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	key   string
	value []byte
}

func (e *fakeEntry) Bucket() string                  { return "test" }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return 1 }
func (e *fakeEntry) Created() time.Time              { return time.Time{} }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeLister struct {
	ch chan string
}

func (l *fakeLister) Keys() <-chan string { return l.ch }
func (l *fakeLister) Stop() error         { return nil }

type fakeBucket struct {
	mu      sync.Mutex
	data    map[string][]byte
	listErr error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string][]byte)}
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeEntry{key: key, value: v}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return uint64(len(b.data)), nil
}

func (b *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *fakeBucket) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, len(b.data))
	for k := range b.data {
		ch <- k
	}
	close(ch)
	return &fakeLister{ch: ch}, nil
}

func TestKeyEncoding(t *testing.T) {
	keys := []string{"DevSetup{10000000-1000-1000-1000-100000000000}~1~4", "", "~{}~"}
	for _, k := range keys {
		encoded := encodeKey(k)
		assert.Regexp(t, `^[-/_=.a-zA-Z0-9]+$`, encoded)
		decoded, ok := decodeKey(encoded)
		require.True(t, ok)
		assert.Equal(t, k, decoded)
	}

	_, ok := decodeKey("foreign.key")
	assert.False(t, ok)
	_, ok = decodeKey("kvp.zz")
	assert.False(t, ok)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBucket()
	s := newStore(fb)

	require.NoError(t, s.WriteEntry(ctx, "DevSetup{a}~1~2", "AB"))
	require.NoError(t, s.WriteEntry(ctx, "DevSetup{a}~2~2", "CD"))
	fb.data["foreign"] = []byte("ignored")

	keys, err := s.EnumerateKeys(ctx, "devsetup{")
	require.NoError(t, err)
	assert.Equal(t, []string{"DevSetup{a}~1~2", "DevSetup{a}~2~2"}, keys)

	v, err := s.ReadEntry(ctx, "DevSetup{a}~2~2")
	require.NoError(t, err)
	assert.Equal(t, "CD", v)

	require.NoError(t, s.DeleteEntry(ctx, "DevSetup{a}~2~2"))
	_, err = s.ReadEntry(ctx, "DevSetup{a}~2~2")
	assert.ErrorIs(t, err, kvperr.ErrNotFound)
	assert.NoError(t, s.DeleteEntry(ctx, "DevSetup{a}~2~2"))
}

func TestStore_ValueLimit(t *testing.T) {
	s := newStore(newFakeBucket())
	err := s.WriteEntry(context.Background(), "DevSetup{a}~1~1", strings.Repeat("x", DefaultMaxValueLen+1))
	assert.ErrorIs(t, err, kvperr.ErrChannelWriteFailed)
}

func TestStore_ListFailures(t *testing.T) {
	fb := newFakeBucket()
	s := newStore(fb)

	fb.listErr = jetstream.ErrNoKeysFound
	keys, err := s.EnumerateKeys(context.Background(), "DevSetup{")
	require.NoError(t, err)
	assert.Empty(t, keys)

	fb.listErr = errors.New("nats: connection closed")
	_, err = s.EnumerateKeys(context.Background(), "DevSetup{")
	assert.ErrorIs(t, err, kvperr.ErrChannelUnavailable)
}
