package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
)

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		DefaultQueueCapacity:   100,
		MaxConcurrencyPerAgent: 10,
		DirectTimeoutMs:        30000,
		HardTimeoutMs:          600000,
		Retry: config.BusRetryConfig{
			MaxAttempts: 3,
			BaseMs:      1,
			CapMs:       10,
		},
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestSubmitUnknownAgent(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	err := b.Submit(NewTask("ghost", "s1", func(ctx context.Context) error { return nil }))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestFIFOOrderSingleWorker(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 20; i++ {
		i := i
		task := NewTask("agent-1", "s1", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			finished := len(order) == 20
			mu.Unlock()
			if finished {
				close(done)
			}
			return nil
		})
		require.NoError(t, b.Submit(task))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		assert.Equal(t, i, got, "tasks must complete in submission order")
	}
}

func TestBackpressureWhenQueueFull(t *testing.T) {
	cfg := testBusConfig()
	cfg.DefaultQueueCapacity = 5
	b := New(cfg, testLogger(t))
	b.Register("agent-1", 1)

	block := make(chan struct{})
	// First task occupies the single worker.
	require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
		<-block
		return nil
	})))

	// Wait until the worker picked it up so the queue is genuinely empty.
	require.Eventually(t, func() bool {
		st, err := b.Status("agent-1")
		return err == nil && st.Running == 1 && st.Depth == 0
	}, time.Second, 5*time.Millisecond)

	// Fill the queue.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
			return nil
		})))
	}

	// One more must be rejected, not blocked.
	err := b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error { return nil }))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBackpressure))

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Rejected)

	close(block)
}

func TestConcurrencyClamped(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("low", 0)
	b.Register("high", 50)

	st, err := b.Status("low")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Concurrency)

	st, err = b.Status("high")
	require.NoError(t, err)
	assert.Equal(t, 10, st.Concurrency)
}

func TestConcurrencyLimitRespected(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 3)

	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})))
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 3)
	assert.GreaterOrEqual(t, peak, 2, "pool should actually run tasks in parallel")
}

func TestTransientErrorsRetried(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return apperr.New(apperr.KindTransient, "flaky upstream")
		}
		close(done)
		return nil
	})))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried to completion")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestPermanentErrorsNotRetried(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)

	var mu sync.Mutex
	attempts := 0

	require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return apperr.New(apperr.KindPermanent, "bad request")
	})))

	require.Eventually(t, func() bool {
		return b.Metrics().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestCancelRunningTask(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)

	started := make(chan struct{})
	task := NewTask("agent-1", "s1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, b.Submit(task))
	<-started

	assert.True(t, b.Cancel("agent-1", task.ID))
	require.Eventually(t, func() bool {
		return b.Metrics().Cancelled >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Cancelling an unknown task is a no-op.
	assert.False(t, b.Cancel("agent-1", "nope"))
}

func TestDrainWaitsForQueuedWork(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 2)

	var mu sync.Mutex
	completed := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			completed++
			mu.Unlock()
			return nil
		})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, completed)

	// After drain, submissions are rejected.
	err := b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error { return nil }))
	require.Error(t, err)
}

func TestRegisterLimitChangeRecreatesPool(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)

	st, err := b.Status("agent-1")
	require.NoError(t, err)
	require.Equal(t, 1, st.Concurrency)

	// Same limit: the existing pool is kept.
	b.Register("agent-1", 1)
	st, err = b.Status("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Concurrency)

	// Changed limit: the old pool drains and a new one takes over.
	b.Register("agent-1", 3)
	st, err = b.Status("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Concurrency)

	done := make(chan struct{})
	require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
		close(done)
		return nil
	})))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-registered agent did not serve work")
	}
}

func TestRegisterLimitChangeDrainsQueuedWork(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)

	var mu sync.Mutex
	completed := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
			mu.Lock()
			completed++
			mu.Unlock()
			return nil
		})))
	}

	// Register blocks until the old pool has drained its queue.
	b.Register("agent-1", 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, completed)
}

func TestAgentMetricsPerQueue(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)
	b.Register("agent-2", 1)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
			return nil
		})))
	}
	require.NoError(t, b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error {
		return apperr.New(apperr.KindPermanent, "broken")
	})))

	require.Eventually(t, func() bool {
		m, err := b.AgentMetrics("agent-1")
		return err == nil && m.Completed == 2 && m.Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	m, err := b.AgentMetrics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Submitted)
	assert.GreaterOrEqual(t, m.AvgLatencyMs, 0.0)
	assert.GreaterOrEqual(t, m.P95LatencyMs, 0.0)

	// The other agent's queue is untouched.
	other, err := b.AgentMetrics("agent-2")
	require.NoError(t, err)
	assert.Zero(t, other.Submitted)

	st, err := b.Status("agent-1")
	require.NoError(t, err)
	require.NotNil(t, st.LastCompletedAt)
	assert.InDelta(t, 1.0/3.0, st.ErrorRate5m, 0.001)

	_, err = b.AgentMetrics("ghost")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeregisterRejectsNewWork(t *testing.T) {
	b := New(testBusConfig(), testLogger(t))
	b.Register("agent-1", 1)
	b.Deregister("agent-1")

	err := b.Submit(NewTask("agent-1", "s1", func(ctx context.Context) error { return nil }))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
