// Package redischan implements channel.Channel on a Redis hash.
//
// Each direction of the bridge is one hash: field names are channel keys
// and field values are part payloads. HSET and HDEL are atomic per field,
// which is exactly the per-entry guarantee the protocol needs.
package redischan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxValueLen mirrors the KVP exchange value limit.
const DefaultMaxValueLen = 2048

// Store is a Redis-hash backed channel.
type Store struct {
	client      *redis.Client
	hash        string
	maxValueLen int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxValueLen overrides the per-value limit; 0 disables it.
func WithMaxValueLen(n int) Option {
	return func(s *Store) {
		s.maxValueLen = n
	}
}

// New wraps an existing client. hash names the Redis hash holding entries.
func New(client *redis.Client, hash string, opts ...Option) *Store {
	s := &Store{
		client:      client,
		hash:        hash,
		maxValueLen: DefaultMaxValueLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, redisURL, hash string, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("%w: redis ping: %v", kvperr.ErrChannelUnavailable, err)
	}

	return New(client, hash, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// WriteEntry sets one hash field.
func (s *Store) WriteEntry(ctx context.Context, key, value string) error {
	if s.maxValueLen > 0 && utf8.RuneCountInString(value) > s.maxValueLen {
		return fmt.Errorf("%w: value for %q exceeds %d characters", kvperr.ErrChannelWriteFailed, key, s.maxValueLen)
	}
	if err := s.client.HSet(ctx, s.hash, key, value).Err(); err != nil {
		return fmt.Errorf("%w: hset %s %s: %v", kvperr.ErrChannelWriteFailed, s.hash, key, err)
	}
	return nil
}

// EnumerateKeys lists hash fields and filters them by prefix.
// HSCAN MATCH is case-sensitive, so filtering happens client side.
func (s *Store) EnumerateKeys(ctx context.Context, prefix string) ([]string, error) {
	fields, err := s.client.HKeys(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hkeys %s: %v", kvperr.ErrChannelUnavailable, s.hash, err)
	}

	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if channel.HasPrefixFold(f, prefix) {
			keys = append(keys, f)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadEntry gets one hash field.
func (s *Store) ReadEntry(ctx context.Context, key string) (string, error) {
	value, err := s.client.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %q", kvperr.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", s.hash, key, err)
	}
	return value, nil
}

// DeleteEntry removes one hash field. HDEL of a missing field returns 0,
// not an error.
func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.hash, key).Err(); err != nil {
		return fmt.Errorf("hdel %s %s: %w", s.hash, key, err)
	}
	return nil
}
