// Package transport opens the two channels of one side of the bridge.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mrzor/kvp-bridge/internal/channel"
	"github.com/mrzor/kvp-bridge/internal/channel/natskv"
	"github.com/mrzor/kvp-bridge/internal/channel/redischan"
	"github.com/mrzor/kvp-bridge/internal/config"
	"golang.org/x/sync/errgroup"
)

// Side selects which direction a process writes.
type Side int

const (
	// Host writes requests to the from-host store and reads the to-host store.
	Host Side = iota
	// Agent reads the from-host store and writes responses to the to-host store.
	Agent
)

func (s Side) String() string {
	if s == Agent {
		return "agent"
	}
	return "host"
}

// Pair is an opened outbound/inbound channel pair.
type Pair struct {
	Outbound channel.Channel
	Inbound  channel.Channel

	closers []io.Closer
}

// Close releases the underlying connections.
func (p *Pair) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Loopback returns connected host and agent pairs backed by process memory.
// Values are limited to redischan.DefaultMaxValueLen characters like the
// real exchange.
func Loopback() (host, agent *Pair) {
	fromHost, toHost := channel.NewMemory(), channel.NewMemory()
	fromHost.MaxValueLen = redischan.DefaultMaxValueLen
	toHost.MaxValueLen = redischan.DefaultMaxValueLen

	return &Pair{Outbound: fromHost, Inbound: toHost},
		&Pair{Outbound: toHost, Inbound: fromHost}
}

// Open connects side's channels using cfg.Transport. The memory transport
// yields the agent half of a Loopback, which only the process itself can
// reach.
func Open(ctx context.Context, cfg *config.Config, side Side) (*Pair, error) {
	out, in := cfg.FromHost, cfg.ToHost
	if side == Agent {
		out, in = in, out
	}

	switch cfg.Transport {
	case config.TransportMemory:
		host, agent := Loopback()
		if side == Agent {
			return agent, nil
		}
		return host, nil

	case config.TransportRedis:
		return dialPair(ctx, side, "hash", out, in, func(ctx context.Context, name string) (store, error) {
			return redischan.Dial(ctx, cfg.RedisURL, name)
		})

	case config.TransportNATS:
		return dialPair(ctx, side, "bucket", out, in, func(ctx context.Context, name string) (store, error) {
			return natskv.Dial(ctx, cfg.NATSURL, name)
		})

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

type store interface {
	channel.Channel
	io.Closer
}

// dialPair opens both directions concurrently. If either fails the other
// is closed.
func dialPair(ctx context.Context, side Side, kind, out, in string, dial func(context.Context, string) (store, error)) (*Pair, error) {
	var outStore, inStore store

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := dial(gctx, out)
		if err != nil {
			return fmt.Errorf("opening %s outbound %s %q: %w", side, kind, out, err)
		}
		outStore = s
		return nil
	})
	g.Go(func() error {
		s, err := dial(gctx, in)
		if err != nil {
			return fmt.Errorf("opening %s inbound %s %q: %w", side, kind, in, err)
		}
		inStore = s
		return nil
	})

	if err := g.Wait(); err != nil {
		for _, s := range []store{outStore, inStore} {
			if s != nil {
				_ = s.Close() //nolint:errcheck // Already failing
			}
		}
		return nil, err
	}
	return &Pair{Outbound: outStore, Inbound: inStore, closers: []io.Closer{outStore, inStore}}, nil
}
