// Package throttle gates submissions on the scheduler's pending-queue depth.
package throttle

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/imputeflow/pkg/clock"
)

// Defaults mirror common per-user queue limits on shared clusters.
const (
	DefaultLimit    = 100
	DefaultInterval = 60 * time.Second
)

// DepthFunc reports the current pending-queue depth.
type DepthFunc func(ctx context.Context) (int, error)

// Governor blocks callers while the queue is at or above Limit.
//
// It holds no queue of its own: the caller keeps its work and simply does
// not return from Admit until there is room.
type Governor struct {
	Limit    int
	Interval time.Duration
	Sleeper  clock.Sleeper

	// OnWait is called each time the gate is found closed. depth is -1 when
	// the depth query failed.
	OnWait func(depth int, err error)
}

// New returns a Governor with defaults applied.
func New(limit int, interval time.Duration) *Governor {
	g := &Governor{Limit: limit, Interval: interval}
	if g.Limit <= 0 {
		g.Limit = DefaultLimit
	}
	if g.Interval <= 0 {
		g.Interval = DefaultInterval
	}
	return g
}

// Admit returns once depth < Limit. A failing depth query is treated as
// unknown: the gate stays closed and is re-checked after Interval.
func (g *Governor) Admit(ctx context.Context, depth DepthFunc) error {
	if depth == nil {
		return errors.New("throttle: nil depth func")
	}
	sleeper := g.Sleeper
	if sleeper == nil {
		sleeper = clock.Real{}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := depth(ctx)
		if err == nil && n < g.Limit {
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		if g.OnWait != nil {
			if err != nil {
				g.OnWait(-1, err)
			} else {
				g.OnWait(n, nil)
			}
		}
		if err := sleeper.Sleep(ctx, g.Interval); err != nil {
			return err
		}
	}
}
