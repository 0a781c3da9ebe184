package reassembler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/channel/channeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPurger_PurgesAfterRetention(t *testing.T) {
	ctx := context.Background()
	mem := channel.NewMemory()
	clock := newFakeClock()
	writeParts(t, mem, idX, "AAAABBBBCCCC", 4, 1, 3)
	require.NoError(t, mem.WriteEntry(ctx, idX+"~1~9", "conflict"))

	p := NewPurger(mem, 10*time.Minute, WithClock(clock.Now))

	purged, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Equal(t, 1, p.Tracked())

	clock.Advance(5 * time.Minute)
	purged, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Equal(t, 3, mem.Len())

	clock.Advance(6 * time.Minute)
	purged, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{idX}, purged)
	assert.Zero(t, mem.Len())
	assert.Zero(t, p.Tracked())
}

func TestPurger_LeavesCompleteGroups(t *testing.T) {
	ctx := context.Background()
	mem := channel.NewMemory()
	clock := newFakeClock()
	writeParts(t, mem, idX, "complete", 4)

	p := NewPurger(mem, time.Minute, WithClock(clock.Now))
	_, err := p.Sweep(ctx)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	purged, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Equal(t, 2, mem.Len())
	assert.Zero(t, p.Tracked())
}

func TestPurger_ForgetsCompletedIDs(t *testing.T) {
	ctx := context.Background()
	mem := channel.NewMemory()
	clock := newFakeClock()
	writeParts(t, mem, idX, "AAAABBBB", 4, 1)

	p := NewPurger(mem, time.Minute, WithClock(clock.Now))
	_, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Tracked())

	writeParts(t, mem, idX, "AAAABBBB", 4, 2)
	got, err := New(mem).Poll(ctx)
	require.NoError(t, err)
	require.Contains(t, got, idX)

	clock.Advance(time.Hour)
	purged, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Zero(t, p.Tracked())

	// A later message with the same spelling starts a fresh clock.
	writeParts(t, mem, idX, "AAAABBBB", 4, 1)
	purged, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Equal(t, 1, mem.Len())
}

func TestPurger_RetriesFailedDeletes(t *testing.T) {
	ctx := context.Background()
	mem := channel.NewMemory()
	faulty := channeltest.NewFaulty(mem)
	clock := newFakeClock()
	parts := writeParts(t, mem, idX, "AAAABBBBCCCC", 4, 1, 2)
	faulty.FailDelete(parts[0].Key.String(), errors.New("locked"))

	p := NewPurger(faulty, time.Minute, WithClock(clock.Now))
	_, err := p.Sweep(ctx)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	purged, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{idX}, purged)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, 1, p.Tracked())

	faulty.FailDelete(parts[0].Key.String(), nil)
	_, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, mem.Len())
}

func TestPurger_DefaultRetention(t *testing.T) {
	p := NewPurger(channel.NewMemory(), 0)
	assert.Equal(t, DefaultRetention, p.retention)
}

func TestPurger_ChannelUnavailable(t *testing.T) {
	faulty := channeltest.NewFaulty(channel.NewMemory())
	faulty.FailEnumerate(errors.New("gone"))

	_, err := NewPurger(faulty, time.Minute).Sweep(context.Background())
	assert.Error(t, err)
}
