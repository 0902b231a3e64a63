package waiter

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"require-gpu/internal/sampling"
)

// scriptedSampler returns its snapshots in order and repeats the last one.
type scriptedSampler struct {
	snaps []sampling.Snapshot
	err   error
	calls int
}

func (s *scriptedSampler) Sample(context.Context) (sampling.Snapshot, error) {
	s.calls++
	if s.err != nil {
		return sampling.Snapshot{}, s.err
	}
	i := s.calls - 1
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	return s.snaps[i], nil
}
func (s *scriptedSampler) Close() error { return nil }
func (s *scriptedSampler) Name() string { return "scripted" }

func snapWithFree(total, busy int) sampling.Snapshot {
	snap := sampling.Snapshot{}
	for i := 0; i < total; i++ {
		g := sampling.GPUSnapshot{Index: i, Name: "T4"}
		if i < busy {
			g.Procs = []sampling.GPUProcess{{PID: 100 + i}}
		}
		snap.GPUs = append(snap.GPUs, g)
	}
	return snap
}

type recordingSleep struct {
	calls []time.Duration
	hook  func()
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	if r.hook != nil {
		r.hook()
	}
	return nil
}

func TestWaitReturnsImmediatelyWhenEnoughFree(t *testing.T) {
	s := &scriptedSampler{snaps: []sampling.Snapshot{snapWithFree(4, 1)}}
	sl := &recordingSleep{}
	var status bytes.Buffer

	snap, err := Wait(context.Background(), Params{Sampler: s, N: 3, Interval: 5, Status: &status, Sleep: sl.sleep})

	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, s.calls)
	assert.Empty(t, sl.calls)
	assert.Empty(t, status.String())
}

func TestWaitOnceWithoutEnoughReturnsNil(t *testing.T) {
	s := &scriptedSampler{snaps: []sampling.Snapshot{snapWithFree(4, 2)}}
	sl := &recordingSleep{}
	var status bytes.Buffer

	snap, err := Wait(context.Background(), Params{Sampler: s, N: 5, Interval: 1000, Once: true, Status: &status, Sleep: sl.sleep})

	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, 1, s.calls)
	assert.Empty(t, sl.calls)
	assert.Empty(t, status.String())
}

func TestWaitPollsUntilAvailable(t *testing.T) {
	s := &scriptedSampler{snaps: []sampling.Snapshot{
		snapWithFree(2, 2),
		snapWithFree(2, 2),
		snapWithFree(2, 0),
	}}
	sl := &recordingSleep{}
	var status bytes.Buffer

	snap, err := Wait(context.Background(), Params{Sampler: s, N: 2, Interval: 0.5, Status: &status, Sleep: sl.sleep})

	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []int{0, 1}, snap.AvailableIndices())
	assert.Equal(t, 3, s.calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, sl.calls)

	// The notice is printed once, with the first failing snapshot.
	out := status.String()
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("Waiting for")))
	assert.Contains(t, out, "Waiting for 2 free GPUs, checking every 0.5 minutes ...\n[0] T4 |")
}

func TestWaitLogsQueryTime(t *testing.T) {
	queried := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	snap := snapWithFree(2, 0)
	snap.QueriedAt = queried
	core, logs := observer.New(zap.DebugLevel)

	_, err := Wait(context.Background(), Params{
		Sampler:  &scriptedSampler{snaps: []sampling.Snapshot{snap}},
		N:        1,
		Interval: 5,
		Logger:   zap.New(core),
	})

	require.NoError(t, err)
	polls := logs.FilterMessage("gpu poll").All()
	require.Len(t, polls, 1)
	got, ok := polls[0].ContextMap()["queried_at"].(time.Time)
	require.True(t, ok)
	assert.True(t, queried.Equal(got))
	assert.Equal(t, int64(2), polls[0].ContextMap()["free"])
}

func TestWaitQueryFailureIsFatal(t *testing.T) {
	s := &scriptedSampler{err: errors.New("nvml init failed: Driver Not Loaded")}

	_, err := Wait(context.Background(), Params{Sampler: s, N: 1, Interval: 5})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "query gpus via scripted")
	assert.Contains(t, err.Error(), "Driver Not Loaded")
}

func TestWaitCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &scriptedSampler{snaps: []sampling.Snapshot{snapWithFree(2, 2)}}

	snap, err := Wait(ctx, Params{Sampler: s, N: 1, Interval: 5, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}})

	assert.Nil(t, snap)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.calls)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "5", FormatMinutes(5))
	assert.Equal(t, "0.5", FormatMinutes(0.5))
	assert.Equal(t, 90*time.Second, Duration(1.5))
}

func TestDurationSaturates(t *testing.T) {
	assert.Equal(t, time.Duration(math.MaxInt64), Duration(1e12))
	assert.Greater(t, Duration(1e12), time.Duration(0))
}
