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
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifybridge/resilience/pkg/faults"
	"github.com/notifybridge/resilience/pkg/logger"
)

const (
	// historyCap bounds the per-policy execution history; the oldest entry
	// is trimmed once the cap is exceeded.
	historyCap = 100

	// emaWeight is the weight given to the existing moving average when a
	// new observation arrives (new observations weigh 1 - emaWeight).
	emaWeight = 0.9
)

// ErrorStat tracks how a specific error code has behaved historically.
type ErrorStat struct {
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
}

// AdaptiveMetrics is a read-only snapshot of a policy's learning state.
type AdaptiveMetrics struct {
	// SuccessRateByAttempt holds the moving success rate per attempt index
	// (index 0 is attempt 1).
	SuccessRateByAttempt []float64 `json:"success_rate_by_attempt"`

	// AverageDelayByAttempt holds the moving average of the backoff
	// observed per attempt index.
	AverageDelayByAttempt []time.Duration `json:"average_delay_by_attempt"`

	// ErrorStats maps error codes to their historical behavior.
	ErrorStats map[string]ErrorStat `json:"error_stats"`
}

// ErrorFrequency pairs an error code with its observed count.
type ErrorFrequency struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// PolicyStats is the rollup view of a policy's recorded executions.
type PolicyStats struct {
	TotalExecutions int              `json:"total_executions"`
	SuccessRate     float64          `json:"success_rate"`
	AverageAttempts float64          `json:"average_attempts"`
	AverageDuration time.Duration    `json:"average_duration"`
	TopErrors       []ErrorFrequency `json:"top_errors"`
}

// adaptiveState is the mutable learning state behind AdaptiveMetrics. The
// seen flags distinguish "no data yet" from a genuine zero rate.
type adaptiveState struct {
	successRate []float64
	successSeen []bool
	avgDelay    []float64
	delaySeen   []bool
	errorStats  map[string]*errorObservation
}

type errorObservation struct {
	count       int
	successRate float64
	seen        bool
}

func newAdaptiveState() adaptiveState {
	return adaptiveState{errorStats: make(map[string]*errorObservation)}
}

// Policy wraps one validated PolicyConfig and makes the per-failure
// decisions: whether to retry, how long to wait, and how to adapt from
// execution history. A single Policy may serve many concurrent sessions;
// all mutable state sits behind one mutex.
type Policy struct {
	mu sync.Mutex

	config   PolicyConfig
	history  []*Execution
	adaptive adaptiveState

	// lastErrorCode is the most recently observed error code, used by the
	// adaptive delay multiplier.
	lastErrorCode string

	// prevDelay feeds the decorrelated jitter formula.
	prevDelay time.Duration

	rng    *rand.Rand
	logger *zap.Logger
}

// PolicyOption configures optional Policy collaborators.
type PolicyOption func(*Policy)

// WithPolicyLogger sets the policy's logger.
func WithPolicyLogger(l *zap.Logger) PolicyOption {
	return func(p *Policy) { p.logger = l }
}

// withPolicyRand seeds the policy's jitter source; used by tests.
func withPolicyRand(r *rand.Rand) PolicyOption {
	return func(p *Policy) { p.rng = r }
}

// NewPolicy validates the config and creates a policy around it. The
// returned error aggregates every violated validation rule.
func NewPolicy(config PolicyConfig, opts ...PolicyOption) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy %q: %w", config.Name, err)
	}

	p := &Policy{
		config:   config,
		adaptive: newAdaptiveState(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Named("retry.policy")
	}
	return p, nil
}

// Name returns the policy's registered name.
func (p *Policy) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.Name
}

// Config returns a copy of the current base configuration.
func (p *Policy) Config() PolicyConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// UpdateConfig validates and swaps the base configuration. Adaptive state
// and history are kept.
func (p *Policy) UpdateConfig(config PolicyConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy %q: %w", config.Name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = config
	p.logger.Info("retry policy updated",
		zap.String("policy", config.Name),
		zap.String("strategy", string(config.Strategy)),
		zap.Int("max_attempts", config.MaxAttempts),
	)
	return nil
}

// ShouldRetry reports whether a failed attempt should be retried.
//
// Decision order under the effective config: attempt ceiling, non-retryable
// codes, non-retryable categories, retryable codes, retryable categories,
// the error's own retryability hint, then a permissive default of true.
func (p *Policy) ShouldRetry(err error, attempt int, ec *ExecutionContext) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if attempt >= p.config.MaxAttempts {
		return false
	}

	eff := p.config.effectiveConfig(ec)
	code := faults.CodeOf(err)
	category := faults.CategoryOf(err)

	if code != "" && slices.Contains(eff.NonRetryableErrors, code) {
		return false
	}
	if category != "" && slices.Contains(eff.NonRetryableCategories, category) {
		return false
	}
	if code != "" && slices.Contains(eff.RetryableErrors, code) {
		return true
	}
	if category != "" && slices.Contains(eff.RetryableCategories, category) {
		return true
	}
	if hint, known := faults.RetryableHint(err); known {
		return hint
	}

	// Unknown errors are retried by default.
	return true
}

// CalculateDelay computes the backoff before the next attempt under the
// effective config: the strategy formula, clamped to MaxDelay, perturbed by
// jitter when enabled, floored at zero and rounded to whole milliseconds.
func (p *Policy) CalculateDelay(attempt int, ec *ExecutionContext) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if attempt < 1 {
		attempt = 1
	}
	eff := p.config.effectiveConfig(ec)

	base := float64(eff.BaseDelay)
	var delay float64
	switch eff.Strategy {
	case StrategyFixed:
		delay = base
	case StrategyLinear:
		delay = base * float64(attempt)
	case StrategyExponential:
		delay = base * math.Pow(eff.Multiplier, float64(attempt-1))
	case StrategyPolynomial:
		delay = base * math.Pow(float64(attempt), eff.PolynomialDegree)
	case StrategyFibonacci:
		delay = base * float64(fibonacci(attempt))
	case StrategyAdaptive:
		// Adaptive mode always grows on the 2^(attempt-1) curve, scaled by
		// what the history says about this attempt index and the most
		// recent error code.
		delay = base * math.Pow(2, float64(attempt-1)) * p.adaptiveMultiplierLocked(attempt)
	default:
		delay = base
	}

	if eff.MaxDelay > 0 && delay > float64(eff.MaxDelay) {
		delay = float64(eff.MaxDelay)
	}

	if eff.JitterEnabled {
		delay = p.applyJitterLocked(delay, eff)
	}

	if delay < 0 {
		delay = 0
	}
	rounded := time.Duration(delay).Round(time.Millisecond)
	p.prevDelay = rounded
	return rounded
}

// adaptiveMultiplierLocked scales the adaptive delay: struggling attempt
// indexes (low historical success rate) and recently troublesome error
// codes push the delay up.
func (p *Policy) adaptiveMultiplierLocked(attempt int) float64 {
	multiplier := 1.0

	idx := attempt - 1
	if idx < len(p.adaptive.successRate) && p.adaptive.successSeen[idx] {
		switch rate := p.adaptive.successRate[idx]; {
		case rate < 0.3:
			multiplier = 3
		case rate < 0.6:
			multiplier = 2
		}
	}

	if p.lastErrorCode != "" {
		if obs, ok := p.adaptive.errorStats[p.lastErrorCode]; ok && obs.seen && obs.successRate < 0.5 {
			multiplier *= 1.5
		}
	}
	return multiplier
}

// applyJitterLocked perturbs the delay. The jitter budget is the smaller of
// JitterMax and 10% of the delay; the decorrelated mode instead derives the
// next delay from the previous one, capped so the overall bound of
// MaxDelay plus budget still holds.
func (p *Policy) applyJitterLocked(delay float64, eff PolicyConfig) float64 {
	budget := math.Min(float64(eff.JitterMax), delay*0.1)
	if budget < 0 {
		budget = 0
	}

	switch eff.JitterMode {
	case JitterExponential:
		sample := p.rng.ExpFloat64() * budget / 3
		if sample > budget {
			sample = budget
		}
		delay += sample
	case JitterDecorrelated:
		prev := float64(p.prevDelay)
		if prev <= 0 {
			prev = float64(eff.BaseDelay)
		}
		candidate := p.rng.Float64()*(3*prev-delay) + delay
		if candidate > delay {
			delay = candidate
		}
		if max := float64(eff.MaxDelay) + budget; eff.MaxDelay > 0 && delay > max {
			delay = max
		}
	default: // uniform
		delay += p.rng.Float64() * budget
	}
	return delay
}

// fibonacci returns the nth Fibonacci number with fib(1) = fib(2) = 1.
func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// RecordExecution feeds a finalized execution into the policy's bounded
// history and adaptive metrics. Called once per completed session; safe for
// concurrent sessions on the same policy.
func (p *Policy) RecordExecution(exec *Execution) {
	if exec == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, exec)
	if len(p.history) > historyCap {
		p.history = p.history[len(p.history)-historyCap:]
	}

	finalSuccess := exec.Final != nil && exec.Final.Success

	for _, a := range exec.Attempts {
		idx := a.Number - 1
		if idx < 0 {
			continue
		}
		p.growLocked(idx)

		p.adaptive.successRate[idx] = ema(p.adaptive.successRate[idx], boolTo01(a.Success), p.adaptive.successSeen[idx])
		p.adaptive.successSeen[idx] = true

		if a.Delay > 0 {
			p.adaptive.avgDelay[idx] = ema(p.adaptive.avgDelay[idx], float64(a.Delay), p.adaptive.delaySeen[idx])
			p.adaptive.delaySeen[idx] = true
		}

		if a.Err != nil {
			code := faults.CodeOf(a.Err)
			if code == "" {
				code = "UNKNOWN"
			}
			obs := p.adaptive.errorStats[code]
			if obs == nil {
				obs = &errorObservation{}
				p.adaptive.errorStats[code] = obs
			}
			obs.count++
			// An error code "succeeds" when the execution it appeared in
			// ultimately recovered.
			obs.successRate = ema(obs.successRate, boolTo01(finalSuccess), obs.seen)
			obs.seen = true
			p.lastErrorCode = code
		}
	}

	p.logger.Debug("execution recorded",
		zap.String("policy", p.config.Name),
		zap.String("execution_id", exec.ID),
		zap.String("operation", exec.Operation),
		zap.Int("attempts", len(exec.Attempts)),
		zap.Bool("success", finalSuccess),
	)
}

func (p *Policy) growLocked(idx int) {
	for len(p.adaptive.successRate) <= idx {
		p.adaptive.successRate = append(p.adaptive.successRate, 0)
		p.adaptive.successSeen = append(p.adaptive.successSeen, false)
		p.adaptive.avgDelay = append(p.adaptive.avgDelay, 0)
		p.adaptive.delaySeen = append(p.adaptive.delaySeen, false)
	}
}

// ema folds a new observation into a moving average. The first observation
// seeds the average directly.
func ema(current, observation float64, seen bool) float64 {
	if !seen {
		return observation
	}
	return emaWeight*current + (1-emaWeight)*observation
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// History returns a copy of the bounded execution history, oldest first.
func (p *Policy) History() []*Execution {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.history)
}

// AdaptiveSnapshot returns a copy of the current adaptive metrics.
func (p *Policy) AdaptiveSnapshot() AdaptiveMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := AdaptiveMetrics{
		SuccessRateByAttempt:  slices.Clone(p.adaptive.successRate),
		AverageDelayByAttempt: make([]time.Duration, len(p.adaptive.avgDelay)),
		ErrorStats:            make(map[string]ErrorStat, len(p.adaptive.errorStats)),
	}
	for i, d := range p.adaptive.avgDelay {
		snap.AverageDelayByAttempt[i] = time.Duration(d)
	}
	for code, obs := range p.adaptive.errorStats {
		snap.ErrorStats[code] = ErrorStat{Count: obs.count, SuccessRate: obs.successRate}
	}
	return snap
}

// Stats summarizes the recorded executions: totals, success rate, average
// attempts and duration, and the five most frequent error codes.
func (p *Policy) Stats() PolicyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PolicyStats{TotalExecutions: len(p.history)}
	if len(p.history) == 0 {
		return stats
	}

	var successes int
	var attempts int
	var duration time.Duration
	for _, exec := range p.history {
		if exec.Final != nil && exec.Final.Success {
			successes++
		}
		attempts += len(exec.Attempts)
		if exec.Final != nil {
			duration += exec.Final.TotalDuration
		}
	}
	stats.SuccessRate = float64(successes) / float64(len(p.history))
	stats.AverageAttempts = float64(attempts) / float64(len(p.history))
	stats.AverageDuration = duration / time.Duration(len(p.history))

	for code, obs := range p.adaptive.errorStats {
		stats.TopErrors = append(stats.TopErrors, ErrorFrequency{Code: code, Count: obs.count})
	}
	sort.Slice(stats.TopErrors, func(i, j int) bool {
		if stats.TopErrors[i].Count != stats.TopErrors[j].Count {
			return stats.TopErrors[i].Count > stats.TopErrors[j].Count
		}
		return stats.TopErrors[i].Code < stats.TopErrors[j].Code
	})
	if len(stats.TopErrors) > 5 {
		stats.TopErrors = stats.TopErrors[:5]
	}
	return stats
}

// Reset clears the execution history and all adaptive learning state.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.adaptive = newAdaptiveState()
	p.lastErrorCode = ""
	p.prevDelay = 0
}
