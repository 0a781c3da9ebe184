// Package natskv implements channel.Channel on a NATS JetStream key-value
// bucket.
//
// NATS keys are limited to [-/_=.a-zA-Z0-9], while channel keys contain
// braces and tildes. Keys are therefore stored hex-encoded behind a short
// marker; the encoding never leaves this package.
package natskv

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const keyMarker = "kvp."

// DefaultMaxValueLen mirrors the KVP exchange value limit.
const DefaultMaxValueLen = 2048

// bucket is the subset of jetstream.KeyValue used here.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// Store is a JetStream KV backed channel.
type Store struct {
	kv          bucket
	conn        *nats.Conn
	maxValueLen int
}

// New wraps an existing bucket.
func New(kv jetstream.KeyValue) *Store {
	return newStore(kv)
}

func newStore(kv bucket) *Store {
	return &Store{
		kv:          kv,
		maxValueLen: DefaultMaxValueLen,
	}
}

// Dial connects to NATS and opens (or creates) the named bucket.
func Dial(ctx context.Context, url, bucketName string) (*Store, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %v", kvperr.ErrChannelUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:       bucketName,
			Description:  "KVP bridge message parts",
			MaxValueSize: DefaultMaxValueLen * 4,
			History:      1,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucketName)
		}
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening bucket %s: %w", bucketName, err)
	}

	s := newStore(kv)
	s.conn = nc
	return s, nil
}

// Close drains the connection opened by Dial.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// encodeKey maps a channel key to a NATS-safe key.
func encodeKey(key string) string {
	return keyMarker + hex.EncodeToString([]byte(key))
}

// decodeKey reverses encodeKey; foreign keys report ok == false.
func decodeKey(natsKey string) (string, bool) {
	if !strings.HasPrefix(natsKey, keyMarker) {
		return "", false
	}
	raw, err := hex.DecodeString(natsKey[len(keyMarker):])
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// WriteEntry puts one key.
func (s *Store) WriteEntry(ctx context.Context, key, value string) error {
	if s.maxValueLen > 0 && utf8.RuneCountInString(value) > s.maxValueLen {
		return fmt.Errorf("%w: value for %q exceeds %d characters", kvperr.ErrChannelWriteFailed, key, s.maxValueLen)
	}
	if _, err := s.kv.Put(ctx, encodeKey(key), []byte(value)); err != nil {
		return fmt.Errorf("%w: kv put %s: %v", kvperr.ErrChannelWriteFailed, key, err)
	}
	return nil
}

// EnumerateKeys lists live keys and filters them by prefix.
func (s *Store) EnumerateKeys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: kv list keys: %v", kvperr.ErrChannelUnavailable, err)
	}
	defer func() {
		_ = lister.Stop() //nolint:errcheck // Lister is drained or abandoned either way
	}()

	keys := []string{}
	for natsKey := range lister.Keys() {
		key, ok := decodeKey(natsKey)
		if !ok || !channel.HasPrefixFold(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

// ReadEntry gets one key.
func (s *Store) ReadEntry(ctx context.Context, key string) (string, error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return "", fmt.Errorf("%w: %q", kvperr.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

// DeleteEntry places a delete marker on key. Absent keys are not an error.
func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
