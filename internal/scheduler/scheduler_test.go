package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-gateway/internal/clock"
)

func TestRunDueOnVirtualTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(clk, zap.NewNop())
	ctx := context.Background()

	var sweeps, correlations int
	require.NoError(t, s.Every("sweep", time.Minute, func(context.Context) { sweeps++ }))
	require.NoError(t, s.Every("correlate", 5*time.Minute, func(context.Context) { correlations++ }))

	assert.Equal(t, 0, s.RunDue(ctx))

	clk.Advance(time.Minute)
	assert.Equal(t, 1, s.RunDue(ctx))
	assert.Equal(t, 0, s.RunDue(ctx), "not due again until the next interval")

	for i := 0; i < 4; i++ {
		clk.Advance(time.Minute)
		s.RunDue(ctx)
	}
	assert.Equal(t, 5, sweeps)
	assert.Equal(t, 1, correlations)
}

func TestPanickingJobIsRetried(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(clk, zap.NewNop())
	ctx := context.Background()

	calls := 0
	require.NoError(t, s.Every("flaky", time.Minute, func(context.Context) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	}))
	var other int
	require.NoError(t, s.Every("other", time.Minute, func(context.Context) { other++ }))

	clk.Advance(time.Minute)
	assert.Equal(t, 2, s.RunDue(ctx))
	assert.Equal(t, 1, other, "a panic does not stop other jobs")

	clk.Advance(time.Minute)
	s.RunDue(ctx)
	assert.Equal(t, 2, calls)

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats[0].Runs)
	assert.Equal(t, 1, stats[0].Panics)
}

func TestEveryRejectsNonPositiveInterval(t *testing.T) {
	s := New(clock.Real(), zap.NewNop())
	assert.Error(t, s.Every("bad", 0, func(context.Context) {}))
}

func TestStartStop(t *testing.T) {
	s := New(clock.Real(), zap.NewNop())
	var n atomic.Int32
	require.NoError(t, s.Every("fast", 10*time.Millisecond, func(context.Context) { n.Add(1) }))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}
