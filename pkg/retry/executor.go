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
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifybridge/resilience/pkg/faults"
	"github.com/notifybridge/resilience/pkg/logger"
)

// Operation is a zero-argument fallible callable. The context it receives
// is cancelled when its attempt is timed out or abandoned; well-behaved
// operations should honor it, but the executor never waits for an
// abandoned operation to observe the cancellation.
type Operation func(ctx context.Context) (any, error)

const (
	defaultMaxConcurrent = 10
	metricsLogCap        = 1000
	shutdownPollInterval = 50 * time.Millisecond
)

// ExecutorOptions configures an Executor. The zero value plus
// DefaultExecutorOptions covers the common case.
type ExecutorOptions struct {
	// DefaultPolicy is used when Execute is called without a policy name.
	DefaultPolicy string `json:"default_policy" yaml:"default_policy"`

	// MaxConcurrentExecutions caps in-flight sessions; admission past the
	// cap is rejected, not queued.
	MaxConcurrentExecutions int `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`

	// ExecutionTimeout bounds a whole session measured from its first
	// attempt (0 means unbounded; a policy's MaxTotalTime still applies).
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout"`

	// DefaultOperationTimeout bounds each attempt when the execution
	// context does not carry its own timeout.
	DefaultOperationTimeout time.Duration `json:"default_operation_timeout" yaml:"default_operation_timeout"`

	// AdaptiveLearning feeds finalized executions back into their policy.
	AdaptiveLearning bool `json:"adaptive_learning" yaml:"adaptive_learning"`
}

// DefaultExecutorOptions returns the executor defaults used by the manager.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		MaxConcurrentExecutions: defaultMaxConcurrent,
		DefaultOperationTimeout: 30 * time.Second,
		AdaptiveLearning:        true,
	}
}

// Executor runs operations to completion under registered retry policies:
// it owns the attempt loop, per-attempt timeouts, inter-attempt delays,
// concurrency admission and the bounded metrics log.
type Executor struct {
	opts ExecutorOptions

	mu       sync.Mutex
	policies map[string]*Policy
	order    []string
	active   map[string]struct{}
	metrics  []ExecutionMetrics

	logger    *zap.Logger
	clock     Clock
	collector *MetricsCollector
}

// ExecutorOption configures optional Executor collaborators.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock injects the time source; tests use a mock clock.
func WithClock(c Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithMetricsCollector attaches a Prometheus collector fed alongside the
// in-memory metrics log.
func WithMetricsCollector(c *MetricsCollector) ExecutorOption {
	return func(e *Executor) { e.collector = c }
}

// NewExecutor creates an executor. Zero option fields fall back to the
// defaults from DefaultExecutorOptions.
func NewExecutor(opts ExecutorOptions, eopts ...ExecutorOption) *Executor {
	if opts.MaxConcurrentExecutions <= 0 {
		opts.MaxConcurrentExecutions = defaultMaxConcurrent
	}

	e := &Executor{
		opts:     opts,
		policies: make(map[string]*Policy),
		active:   make(map[string]struct{}),
	}
	for _, opt := range eopts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Named("retry.executor")
	}
	if e.clock == nil {
		e.clock = NewRealClock()
	}
	return e
}

// RegisterPolicy validates the config and registers it under its name,
// replacing any existing policy with that name.
func (e *Executor) RegisterPolicy(config PolicyConfig) (*Policy, error) {
	policy, err := NewPolicy(config, WithPolicyLogger(e.logger.Named("policy")))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStrategyRegistrationFailed, err)
	}

	e.mu.Lock()
	if _, exists := e.policies[config.Name]; !exists {
		e.order = append(e.order, config.Name)
	}
	e.policies[config.Name] = policy
	e.mu.Unlock()

	e.logger.Info("retry policy registered",
		zap.String("policy", config.Name),
		zap.String("strategy", string(config.Strategy)),
		zap.Int("max_attempts", config.MaxAttempts),
		zap.Duration("base_delay", config.BaseDelay),
	)
	return policy, nil
}

// UnregisterPolicy removes a policy from the registry. Sessions already
// bound to the policy keep running against it.
func (e *Executor) UnregisterPolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[name]; !ok {
		return false
	}
	delete(e.policies, name)
	e.order = slices.DeleteFunc(e.order, func(n string) bool { return n == name })
	return true
}

// Policy returns the registered policy with the given name.
func (e *Executor) Policy(name string) (*Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[name]
	return p, ok
}

// PolicyNames returns the registered policy names in registration order.
func (e *Executor) PolicyNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}

// resolvePolicy picks the explicit name, then the configured default, then
// the first registered policy.
func (e *Executor) resolvePolicy(name string) (*Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name != "" {
		if p, ok := e.policies[name]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
	}
	if e.opts.DefaultPolicy != "" {
		if p, ok := e.policies[e.opts.DefaultPolicy]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: default policy %q", ErrPolicyNotFound, e.opts.DefaultPolicy)
	}
	if len(e.order) > 0 {
		return e.policies[e.order[0]], nil
	}
	return nil, fmt.Errorf("%w: no policies registered", ErrPolicyNotFound)
}

// ActiveCount returns the number of in-flight sessions.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// MaxConcurrent returns the admission ceiling.
func (e *Executor) MaxConcurrent() int {
	return e.opts.MaxConcurrentExecutions
}

// Execute runs the operation to completion under the named policy (or the
// resolved default). It returns the operation's result, or its last error
// on exhaustion, or an engine error for configuration/resource problems.
func (e *Executor) Execute(ctx context.Context, op Operation, policyName string, ec *ExecutionContext) (any, error) {
	policy, err := e.resolvePolicy(policyName)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec = &ExecutionContext{}
	}

	execID := uuid.NewString()

	// Admission control: reject, never queue.
	e.mu.Lock()
	if len(e.active) >= e.opts.MaxConcurrentExecutions {
		inFlight := len(e.active)
		e.mu.Unlock()
		if e.collector != nil {
			e.collector.RecordRejected("concurrency_limit")
		}
		e.logger.Warn("execution rejected at concurrency limit",
			zap.String("operation", ec.Operation),
			zap.Int("in_flight", inFlight),
			zap.Int("limit", e.opts.MaxConcurrentExecutions),
		)
		return nil, fmt.Errorf("%w: %d executions in flight (limit %d)",
			ErrConcurrencyLimitExceeded, inFlight, e.opts.MaxConcurrentExecutions)
	}
	e.active[execID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, execID)
		e.mu.Unlock()
	}()

	cfg := policy.Config()
	exec := &Execution{
		ID:          execID,
		PolicyName:  cfg.Name,
		Operation:   ec.Operation,
		StartedAt:   e.clock.Now(),
		MaxAttempts: cfg.MaxAttempts,
	}

	if e.collector != nil {
		e.collector.RecordStart(cfg.Name)
	}

	// Overall session deadline: the tighter of the executor's timeout and
	// the policy's MaxTotalTime, measured from the first attempt.
	overall := e.opts.ExecutionTimeout
	if cfg.MaxTotalTime > 0 && (overall == 0 || cfg.MaxTotalTime < overall) {
		overall = cfg.MaxTotalTime
	}
	var overallC <-chan time.Time
	if overall > 0 {
		timer := e.clock.NewTimer(overall)
		defer timer.Stop()
		overallC = timer.C()
	}

	var lastErr error
	for attempt := 1; attempt <= exec.MaxAttempts; attempt++ {
		at := &Attempt{
			Number:    attempt,
			StartedAt: e.clock.Now(),
			Metadata:  ec.Metadata,
		}
		e.logger.Debug("executing attempt",
			zap.String("execution_id", execID),
			zap.String("operation", ec.Operation),
			zap.String("policy", cfg.Name),
			zap.Int("attempt", attempt),
		)
		if e.collector != nil {
			e.collector.RecordAttempt(cfg.Name, attempt)
		}

		value, opErr, abandoned := e.runAttempt(ctx, op, cfg, ec, attempt, overallC)
		at.EndedAt = e.clock.Now()
		at.Duration = at.EndedAt.Sub(at.StartedAt)
		exec.Attempts = append(exec.Attempts, at)

		if abandoned {
			// Session deadline or caller cancellation: the in-flight
			// attempt keeps running in the background unawaited.
			at.Err = opErr
			return nil, e.finish(policy, exec, nil, opErr)
		}

		if opErr == nil {
			at.Success = true
			return e.finishSuccess(policy, exec, value), nil
		}

		at.Err = opErr
		lastErr = opErr
		e.logger.Debug("attempt failed",
			zap.String("execution_id", execID),
			zap.String("operation", ec.Operation),
			zap.Int("attempt", attempt),
			zap.String("error_code", faults.CodeOf(opErr)),
			zap.Error(opErr),
		)

		if !e.shouldRetry(policy, opErr, attempt, ec) {
			return nil, e.finish(policy, exec, nil, lastErr)
		}

		delay := e.nextDelay(policy, opErr, attempt, ec)
		at.Delay = delay
		e.logger.Debug("retry scheduled",
			zap.String("execution_id", execID),
			zap.String("operation", ec.Operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		if err := e.sleep(ctx, delay, overallC); err != nil {
			return nil, e.finish(policy, exec, nil, err)
		}
	}

	// Exhaustion: the caller receives the operation's last error unwrapped.
	return nil, e.finish(policy, exec, nil, lastErr)
}

// shouldRetry honors the per-call skip/force lists ahead of the policy.
func (e *Executor) shouldRetry(policy *Policy, err error, attempt int, ec *ExecutionContext) bool {
	code := faults.CodeOf(err)
	if code != "" && slices.Contains(ec.SkipRetryFor, code) {
		return false
	}
	if code != "" && slices.Contains(ec.ForceRetryFor, code) {
		return attempt < policy.Config().MaxAttempts
	}
	return policy.ShouldRetry(err, attempt, ec)
}

// nextDelay prefers a server-suggested retry-after carried by the error;
// otherwise it asks the policy. A mandated delay is used as-is, without
// jitter.
func (e *Executor) nextDelay(policy *Policy, err error, attempt int, ec *ExecutionContext) time.Duration {
	if suggested, ok := faults.RetryAfter(err); ok {
		return suggested
	}
	return policy.CalculateDelay(attempt, ec)
}

// runAttempt invokes the operation under the per-attempt timeout. The
// returned abandoned flag is true when the session deadline or the caller's
// context fired: the operation goroutine is left running, its context
// cancelled.
func (e *Executor) runAttempt(ctx context.Context, op Operation, cfg PolicyConfig, ec *ExecutionContext, attempt int, overallC <-chan time.Time) (value any, err error, abandoned bool) {
	attemptCtx, cancel := context.WithCancel(ctx)

	timeout := e.attemptTimeout(cfg, ec, attempt)
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := e.clock.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C()
	}

	type attemptResult struct {
		value any
		err   error
	}
	done := make(chan attemptResult, 1)
	go func() {
		defer cancel()
		v, opErr := op(attemptCtx)
		done <- attemptResult{value: v, err: opErr}
	}()

	select {
	case r := <-done:
		return r.value, r.err, false
	case <-timeoutC:
		cancel()
		return nil, operationTimeoutFault(ec.Operation, attempt, timeout), false
	case <-overallC:
		cancel()
		return nil, fmt.Errorf("%w: operation %q", ErrExecutionTimeout, ec.Operation), true
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err(), true
	}
}

// attemptTimeout is the smaller of the call's timeout and the executor's
// default, scaled by the policy's TimeoutMultiplier on later attempts.
func (e *Executor) attemptTimeout(cfg PolicyConfig, ec *ExecutionContext, attempt int) time.Duration {
	timeout := e.opts.DefaultOperationTimeout
	if ec.Timeout > 0 && (timeout == 0 || ec.Timeout < timeout) {
		timeout = ec.Timeout
	}
	if timeout > 0 && cfg.TimeoutMultiplier > 1 && attempt > 1 {
		timeout = time.Duration(float64(timeout) * math.Pow(cfg.TimeoutMultiplier, float64(attempt-1)))
	}
	return timeout
}

// sleep waits for the inter-attempt delay, aborting on the session deadline
// or caller cancellation.
func (e *Executor) sleep(ctx context.Context, delay time.Duration, overallC <-chan time.Time) error {
	if delay <= 0 {
		return nil
	}
	timer := e.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-overallC:
		return fmt.Errorf("%w: while waiting to retry", ErrExecutionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishSuccess finalizes a successful execution and returns its value.
func (e *Executor) finishSuccess(policy *Policy, exec *Execution, value any) any {
	exec.Final = &Result{
		Success:       true,
		Value:         value,
		TotalDuration: e.clock.Since(exec.StartedAt),
	}
	e.record(policy, exec)
	e.logger.Info("execution succeeded",
		zap.String("execution_id", exec.ID),
		zap.String("operation", exec.Operation),
		zap.String("policy", exec.PolicyName),
		zap.Int("attempts", len(exec.Attempts)),
		zap.Duration("duration", exec.Final.TotalDuration),
	)
	return value
}

// finish finalizes a failed execution and returns the terminal error.
func (e *Executor) finish(policy *Policy, exec *Execution, value any, err error) error {
	exec.Final = &Result{
		Success:       false,
		Value:         value,
		Err:           err,
		TotalDuration: e.clock.Since(exec.StartedAt),
	}
	e.record(policy, exec)
	e.logger.Warn("execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("operation", exec.Operation),
		zap.String("policy", exec.PolicyName),
		zap.Int("attempts", len(exec.Attempts)),
		zap.Duration("duration", exec.Final.TotalDuration),
		zap.String("error_code", faults.CodeOf(err)),
		zap.Error(err),
	)
	return err
}

// record feeds the finalized execution to the policy's adaptive learning
// and appends the derived summary to the bounded metrics log.
func (e *Executor) record(policy *Policy, exec *Execution) {
	if e.opts.AdaptiveLearning {
		policy.RecordExecution(exec)
	}

	m := ExecutionMetrics{
		ExecutionID:   exec.ID,
		Operation:     exec.Operation,
		PolicyName:    exec.PolicyName,
		Attempts:      len(exec.Attempts),
		Success:       exec.Final.Success,
		TotalDuration: exec.Final.TotalDuration,
		TotalDelay:    exec.TotalDelay(),
		Timestamp:     e.clock.Now(),
	}
	if exec.Final.Err != nil {
		m.LastError = exec.Final.Err.Error()
	}

	e.mu.Lock()
	e.metrics = append(e.metrics, m)
	if len(e.metrics) > metricsLogCap {
		e.metrics = e.metrics[len(e.metrics)-metricsLogCap:]
	}
	e.mu.Unlock()

	if e.collector != nil {
		e.collector.RecordFinish(exec.PolicyName, exec.Final.Success, len(exec.Attempts), exec.Final.TotalDuration)
	}
}

// RecentMetrics returns the most recent n execution summaries, newest last.
func (e *Executor) RecentMetrics(n int) []ExecutionMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.metrics) {
		n = len(e.metrics)
	}
	return slices.Clone(e.metrics[len(e.metrics)-n:])
}

// ExecutorStats is the rollup across all recorded executions.
type ExecutorStats struct {
	TotalExecutions int                    `json:"total_executions"`
	SuccessRate     float64                `json:"success_rate"`
	AverageDuration time.Duration          `json:"average_duration"`
	AverageAttempts float64                `json:"average_attempts"`
	TotalDelayTime  time.Duration          `json:"total_delay_time"`
	PolicyBreakdown map[string]PolicyUsage `json:"policy_breakdown"`
}

// PolicyUsage summarizes one policy's share of the recorded executions.
type PolicyUsage struct {
	Executions  int     `json:"executions"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats aggregates the bounded metrics log.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := ExecutorStats{PolicyBreakdown: make(map[string]PolicyUsage)}
	stats.TotalExecutions = len(e.metrics)
	if stats.TotalExecutions == 0 {
		return stats
	}

	var successes, attempts int
	var duration time.Duration
	for _, m := range e.metrics {
		if m.Success {
			successes++
		}
		attempts += m.Attempts
		duration += m.TotalDuration
		stats.TotalDelayTime += m.TotalDelay

		usage := stats.PolicyBreakdown[m.PolicyName]
		usage.Executions++
		if m.Success {
			usage.Successes++
		}
		usage.SuccessRate = float64(usage.Successes) / float64(usage.Executions)
		stats.PolicyBreakdown[m.PolicyName] = usage
	}
	stats.SuccessRate = float64(successes) / float64(stats.TotalExecutions)
	stats.AverageAttempts = float64(attempts) / float64(stats.TotalExecutions)
	stats.AverageDuration = duration / time.Duration(stats.TotalExecutions)
	return stats
}

// ResetMetrics clears the bounded metrics log.
func (e *Executor) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = nil
}

// Shutdown polls until in-flight sessions drain or the timeout elapses,
// then force-clears bookkeeping. New work is kept out by caller discipline.
func (e *Executor) Shutdown(timeout time.Duration) error {
	deadline := e.clock.Now().Add(timeout)
	e.logger.Info("executor shutting down", zap.Duration("timeout", timeout))

	for {
		e.mu.Lock()
		outstanding := len(e.active)
		e.mu.Unlock()

		if outstanding == 0 {
			e.logger.Info("executor shutdown complete")
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			e.mu.Lock()
			e.active = make(map[string]struct{})
			e.mu.Unlock()
			e.logger.Warn("executor shutdown timed out with executions outstanding",
				zap.Int("outstanding", outstanding),
			)
			return fmt.Errorf("shutdown timed out with %d executions outstanding", outstanding)
		}
		e.clock.Sleep(shutdownPollInterval)
	}
}
