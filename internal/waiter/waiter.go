// Package waiter polls a GPU sampler until enough GPUs are free.
package waiter

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"require-gpu/internal/sampling"
)

type SleepFunc func(ctx context.Context, d time.Duration) error

type Params struct {
	Sampler sampling.Sampler
	// Required number of free GPUs, at least 1.
	N int
	// Minutes between polls.
	Interval float64
	Once     bool

	// Status receives the one-time waiting notice. Nil discards it.
	Status io.Writer
	Sleep  SleepFunc
	Logger *zap.Logger
}

// Wait returns the first snapshot with at least N free GPUs. In once mode it
// returns a nil snapshot without waiting when there are too few. A canceled
// context ends the wait with ctx.Err().
func Wait(ctx context.Context, p Params) (*sampling.Snapshot, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	status := p.Status
	if status == nil {
		status = io.Discard
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	firstTime := true
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := p.Sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("query gpus via %s: %w", p.Sampler.Name(), err)
		}

		free := len(snap.Available())
		log.Debug("gpu poll",
			zap.Int("attempt", attempt),
			zap.Time("queried_at", snap.QueriedAt),
			zap.Int("free", free),
			zap.Int("want", p.N))
		if free >= p.N {
			return &snap, nil
		}
		if p.Once {
			return nil, nil
		}
		if firstTime {
			fmt.Fprintf(status, "Waiting for %d free GPUs, checking every %s minutes ...\n%s\n",
				p.N, FormatMinutes(p.Interval), snap.String())
			firstTime = false
		}
		if err := sleep(ctx, Duration(p.Interval)); err != nil {
			return nil, err
		}
	}
}

// Duration converts an interval in minutes to a time.Duration, saturating
// at the largest representable duration.
func Duration(minutes float64) time.Duration {
	d := minutes * float64(time.Minute)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// FormatMinutes renders minutes the way they were most likely typed: 5, 0.5.
func FormatMinutes(minutes float64) string {
	return strconv.FormatFloat(minutes, 'f', -1, 64)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
