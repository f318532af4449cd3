// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifybridge/resilience/pkg/faults"
)

func newTestExecutor(t *testing.T, opts ExecutorOptions, eopts ...ExecutorOption) *Executor {
	t.Helper()
	eopts = append([]ExecutorOption{WithExecutorLogger(zap.NewNop())}, eopts...)
	e := NewExecutor(opts, eopts...)

	cfg := validConfig()
	cfg.MaxAttempts = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	cfg.NonRetryableCategories = []faults.Category{faults.CategoryAuthentication}
	_, err := e.RegisterPolicy(cfg)
	require.NoError(t, err)
	return e
}

func TestExecutor_SuccessOnFirstAttempt(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{AdaptiveLearning: true})

	value, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "delivered", nil
	}, "test", &ExecutionContext{Operation: "send"})

	require.NoError(t, err)
	assert.Equal(t, "delivered", value)

	policy, ok := e.Policy("test")
	require.True(t, ok)
	history := policy.History()
	require.Len(t, history, 1)
	assert.Len(t, history[0].Attempts, 1)
	assert.True(t, history[0].Final.Success)
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{AdaptiveLearning: true})

	var calls atomic.Int32
	value, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, faults.NewNetworkError("CONNECTION_FAILED", "refused", nil)
		}
		return "delivered", nil
	}, "test", &ExecutionContext{Operation: "send"})

	require.NoError(t, err)
	assert.Equal(t, "delivered", value)
	assert.Equal(t, int32(3), calls.Load())

	// Delays sit on the attempts that scheduled a retry; the successful
	// final attempt carries none.
	policy, _ := e.Policy("test")
	attempts := policy.History()[0].Attempts
	require.Len(t, attempts, 3)
	assert.Greater(t, attempts[0].Delay, time.Duration(0))
	assert.Greater(t, attempts[1].Delay, time.Duration(0))
	assert.Zero(t, attempts[2].Delay)
}

func TestExecutor_ExhaustsAttempts(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{AdaptiveLearning: true})

	var calls atomic.Int32
	fault := faults.NewNetworkError("CONNECTION_FAILED", "refused", nil)
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, fault
	}, "test", &ExecutionContext{Operation: "send"})

	// The caller gets the operation's last error, not an engine wrapper.
	require.ErrorIs(t, err, fault)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_NonRetryableStopsImmediately(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})

	var calls atomic.Int32
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, faults.NewAuthError("bad token")
	}, "test", nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_SkipAndForceRetryOverrides(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})

	// Skip: a normally retryable code is not retried.
	var calls atomic.Int32
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, faults.NewNetworkError("CONNECTION_FAILED", "refused", nil)
	}, "test", &ExecutionContext{SkipRetryFor: []string{"CONNECTION_FAILED"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Force: a normally non-retryable code is retried to exhaustion.
	calls.Store(0)
	_, err = e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, faults.NewAuthError("bad token")
	}, "test", &ExecutionContext{ForceRetryFor: []string{"AUTH_FAILED"}})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_PolicyResolution(t *testing.T) {
	e := NewExecutor(ExecutorOptions{}, WithExecutorLogger(zap.NewNop()))

	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, "", nil)
	require.ErrorIs(t, err, ErrPolicyNotFound)

	cfg := validConfig()
	cfg.Name = "first"
	_, err = e.RegisterPolicy(cfg)
	require.NoError(t, err)

	// Unknown explicit name still fails.
	_, err = e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, "missing", nil)
	require.ErrorIs(t, err, ErrPolicyNotFound)

	// Empty name falls back to the first registered policy.
	value, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestExecutor_ConcurrencyLimitRejects(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{MaxConcurrentExecutions: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		}, "test", nil)
		done <- err
	}()
	<-entered

	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, "test", nil)
	require.ErrorIs(t, err, ErrConcurrencyLimitExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, e.ActiveCount())
}

func TestExecutor_OperationTimeout(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{DefaultOperationTimeout: 20 * time.Millisecond})

	var calls atomic.Int32
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, "test", &ExecutionContext{Operation: "slow_send"})

	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, "OPERATION_TIMEOUT", faults.CodeOf(err))
	// Timeouts are retryable: every attempt was used.
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_ExecutionTimeoutAbandons(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{ExecutionTimeout: 30 * time.Millisecond, AdaptiveLearning: true})

	start := time.Now()
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, "test", &ExecutionContext{Operation: "stuck_send"})

	require.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, e.ActiveCount())
}

func TestExecutor_CallerCancellation(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, "test", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_StatsAndMetrics(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})

	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		}, "test", &ExecutionContext{Operation: "send"})
		require.NoError(t, err)
	}
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, faults.NewAuthError("bad token")
	}, "test", nil)
	require.Error(t, err)

	stats := e.Stats()
	assert.Equal(t, 4, stats.TotalExecutions)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	usage := stats.PolicyBreakdown["test"]
	assert.Equal(t, 4, usage.Executions)
	assert.Equal(t, 3, usage.Successes)

	recent := e.RecentMetrics(2)
	require.Len(t, recent, 2)
	assert.False(t, recent[1].Success)
	assert.NotEmpty(t, recent[1].LastError)

	e.ResetMetrics()
	assert.Zero(t, e.Stats().TotalExecutions)
}

func TestExecutor_UnregisterPolicy(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})

	assert.True(t, e.UnregisterPolicy("test"))
	assert.False(t, e.UnregisterPolicy("test"))
	assert.Empty(t, e.PolicyNames())
}

func TestExecutor_Shutdown(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	require.NoError(t, e.Shutdown(100*time.Millisecond))

	e = newTestExecutor(t, ExecutorOptions{})
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), func(ctx context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		}, "test", nil)
	}()
	<-entered

	// Draining too slowly times out and force-clears the bookkeeping.
	err := e.Shutdown(10 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 0, e.ActiveCount())

	close(release)
	<-done
}

// mockClock adapts a quartz mock to the executor's Clock interface.
type mockClock struct {
	mock *quartz.Mock
}

func (c *mockClock) Now() time.Time                  { return c.mock.Now() }
func (c *mockClock) Since(t time.Time) time.Duration { return c.mock.Since(t) }

func (c *mockClock) Sleep(d time.Duration) {
	timer := c.mock.NewTimer(d)
	<-timer.C
}

func (c *mockClock) NewTimer(d time.Duration) Timer {
	return &mockTimer{timer: c.mock.NewTimer(d)}
}

type mockTimer struct {
	timer *quartz.Timer
}

func (t *mockTimer) C() <-chan time.Time { return t.timer.C }
func (t *mockTimer) Stop() bool          { return t.timer.Stop() }

// waitForPendingTimer blocks until the mock clock has a timer scheduled.
func waitForPendingTimer(t *testing.T, mock *quartz.Mock) time.Duration {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := mock.Peek(); ok {
			return d
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no timer scheduled on the mock clock")
	return 0
}

func TestExecutor_DelayUsesPolicyBackoff(t *testing.T) {
	mock := quartz.NewMock(t)
	e := NewExecutor(ExecutorOptions{AdaptiveLearning: true},
		WithExecutorLogger(zap.NewNop()),
		WithClock(&mockClock{mock: mock}),
	)

	cfg := validConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	_, err := e.RegisterPolicy(cfg)
	require.NoError(t, err)

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		value, execErr := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, faults.NewNetworkError("CONNECTION_FAILED", "refused", nil)
			}
			return "delivered", nil
		}, "test", nil)
		assert.NoError(t, execErr)
		assert.Equal(t, "delivered", value)
	}()

	// The only pending timer is the inter-attempt sleep: exactly the fixed
	// 100ms backoff, no jitter configured.
	d := waitForPendingTimer(t, mock)
	assert.Equal(t, 100*time.Millisecond, d)
	mock.Advance(d).MustWait(context.Background())
	<-done

	policy, _ := e.Policy("test")
	attempts := policy.History()[0].Attempts
	require.Len(t, attempts, 2)
	assert.Equal(t, 100*time.Millisecond, attempts[0].Delay)
}

func TestExecutor_RetryAfterHintOverridesBackoff(t *testing.T) {
	mock := quartz.NewMock(t)
	e := NewExecutor(ExecutorOptions{},
		WithExecutorLogger(zap.NewNop()),
		WithClock(&mockClock{mock: mock}),
	)

	cfg := validConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	_, err := e.RegisterPolicy(cfg)
	require.NoError(t, err)

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, execErr := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, faults.NewRateLimitError("slow down", 250*time.Millisecond)
			}
			return nil, nil
		}, "test", nil)
		assert.NoError(t, execErr)
	}()

	// The server-mandated wait replaces the policy's 100ms backoff.
	d := waitForPendingTimer(t, mock)
	assert.Equal(t, 250*time.Millisecond, d)
	mock.Advance(d).MustWait(context.Background())
	<-done
}
