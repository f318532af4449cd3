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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notifybridge/resilience/pkg/faults"
)

// Strategy selects the backoff algorithm family used by a policy.
type Strategy string

const (
	// StrategyFixed uses baseDelay for every retry.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear grows the delay linearly with the attempt number.
	StrategyLinear Strategy = "linear"
	// StrategyExponential multiplies the delay by Multiplier each attempt.
	StrategyExponential Strategy = "exponential"
	// StrategyPolynomial grows the delay as attempt^PolynomialDegree.
	StrategyPolynomial Strategy = "polynomial"
	// StrategyFibonacci scales baseDelay by the Fibonacci sequence.
	StrategyFibonacci Strategy = "fibonacci"
	// StrategyAdaptive grows exponentially, modulated by execution history.
	StrategyAdaptive Strategy = "adaptive"
)

// JitterMode selects how randomness perturbs a computed delay.
type JitterMode string

const (
	// JitterUniform adds a uniform random amount within the jitter budget.
	JitterUniform JitterMode = "uniform"
	// JitterExponential adds an exponentially distributed amount capped at
	// the budget.
	JitterExponential JitterMode = "exponential"
	// JitterDecorrelated derives the next delay from the previous one.
	JitterDecorrelated JitterMode = "decorrelated"
)

var knownStrategies = map[Strategy]bool{
	StrategyFixed:       true,
	StrategyLinear:      true,
	StrategyExponential: true,
	StrategyPolynomial:  true,
	StrategyFibonacci:   true,
	StrategyAdaptive:    true,
}

var knownJitterModes = map[JitterMode]bool{
	JitterUniform:      true,
	JitterExponential:  true,
	JitterDecorrelated: true,
}

// ContextRule is a condition-gated partial override of a policy's config,
// applied only while the condition holds for the current execution context.
//
// The condition DSL supports exactly two forms: `key=value` equality and
// `exists:key`. Anything else never matches; malformed conditions silently
// disable the rule rather than failing the execution.
type ContextRule struct {
	Condition   string      `json:"condition" yaml:"condition"`
	Patch       ConfigPatch `json:"patch" yaml:"patch"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// ConfigPatch is a partial PolicyConfig. Nil fields leave the base value
// untouched; non-nil fields (and non-nil slices) replace it wholesale.
type ConfigPatch struct {
	MaxAttempts            *int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Strategy               *Strategy          `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	BaseDelay              *time.Duration     `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay               *time.Duration     `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	JitterEnabled          *bool              `json:"jitter_enabled,omitempty" yaml:"jitter_enabled,omitempty"`
	JitterMax              *time.Duration     `json:"jitter_max,omitempty" yaml:"jitter_max,omitempty"`
	JitterMode             *JitterMode        `json:"jitter_mode,omitempty" yaml:"jitter_mode,omitempty"`
	Multiplier             *float64           `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	PolynomialDegree       *float64           `json:"polynomial_degree,omitempty" yaml:"polynomial_degree,omitempty"`
	TimeoutMultiplier      *float64           `json:"timeout_multiplier,omitempty" yaml:"timeout_multiplier,omitempty"`
	MaxTotalTime           *time.Duration     `json:"max_total_time,omitempty" yaml:"max_total_time,omitempty"`
	RetryableErrors        []string           `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
	NonRetryableErrors     []string           `json:"non_retryable_errors,omitempty" yaml:"non_retryable_errors,omitempty"`
	RetryableCategories    []faults.Category  `json:"retryable_categories,omitempty" yaml:"retryable_categories,omitempty"`
	NonRetryableCategories []faults.Category  `json:"non_retryable_categories,omitempty" yaml:"non_retryable_categories,omitempty"`
}

// PolicyConfig is the full, named configuration of one retry policy. It is
// immutable once validated; contextual rules produce derived copies rather
// than mutating it.
type PolicyConfig struct {
	// Name is the unique key under which the policy is registered.
	Name string `json:"name" yaml:"name"`

	// MaxAttempts is the attempt ceiling including the initial attempt.
	// Must be >= 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Strategy selects the backoff algorithm.
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// BaseDelay is the delay seed; MaxDelay caps every computed delay.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay" yaml:"max_delay"`

	// Jitter settings.
	JitterEnabled bool          `json:"jitter_enabled" yaml:"jitter_enabled"`
	JitterMax     time.Duration `json:"jitter_max" yaml:"jitter_max"`
	JitterMode    JitterMode    `json:"jitter_mode,omitempty" yaml:"jitter_mode,omitempty"`

	// Multiplier is required > 1 for the exponential strategy.
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`

	// PolynomialDegree is required > 1 for the polynomial strategy.
	PolynomialDegree float64 `json:"polynomial_degree,omitempty" yaml:"polynomial_degree,omitempty"`

	// Explicit error code lists. Non-retryable entries always take
	// precedence over retryable ones.
	RetryableErrors    []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
	NonRetryableErrors []string `json:"non_retryable_errors,omitempty" yaml:"non_retryable_errors,omitempty"`

	// Error category lists, consulted after the code lists.
	RetryableCategories    []faults.Category `json:"retryable_categories,omitempty" yaml:"retryable_categories,omitempty"`
	NonRetryableCategories []faults.Category `json:"non_retryable_categories,omitempty" yaml:"non_retryable_categories,omitempty"`

	// ContextRules are evaluated in declaration order; later matching rules
	// override earlier ones.
	ContextRules []ContextRule `json:"context_rules,omitempty" yaml:"context_rules,omitempty"`

	// TimeoutMultiplier scales the per-attempt timeout on each retry
	// (0 or 1 disables scaling).
	TimeoutMultiplier float64 `json:"timeout_multiplier,omitempty" yaml:"timeout_multiplier,omitempty"`

	// MaxTotalTime bounds the whole session measured from the first attempt
	// (0 means unbounded).
	MaxTotalTime time.Duration `json:"max_total_time,omitempty" yaml:"max_total_time,omitempty"`
}

// Validate checks the configuration and reports every violated rule in a
// single aggregated error.
func (c *PolicyConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("base_delay cannot be negative, got %v", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max_delay (%v) must be >= base_delay (%v)", c.MaxDelay, c.BaseDelay))
	}
	if c.JitterMax < 0 {
		errs = append(errs, fmt.Errorf("jitter_max cannot be negative, got %v", c.JitterMax))
	}
	if !knownStrategies[c.Strategy] {
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.Strategy == StrategyExponential && c.Multiplier <= 1 {
		errs = append(errs, fmt.Errorf("exponential strategy requires multiplier > 1, got %v", c.Multiplier))
	}
	if c.Strategy == StrategyPolynomial && c.PolynomialDegree <= 1 {
		errs = append(errs, fmt.Errorf("polynomial strategy requires polynomial_degree > 1, got %v", c.PolynomialDegree))
	}
	if c.JitterEnabled && c.JitterMode != "" && !knownJitterModes[c.JitterMode] {
		errs = append(errs, fmt.Errorf("unknown jitter_mode %q", c.JitterMode))
	}
	if c.TimeoutMultiplier < 0 {
		errs = append(errs, fmt.Errorf("timeout_multiplier cannot be negative, got %v", c.TimeoutMultiplier))
	}
	if c.MaxTotalTime < 0 {
		errs = append(errs, fmt.Errorf("max_total_time cannot be negative, got %v", c.MaxTotalTime))
	}

	return errors.Join(errs...)
}

// ApplyPatch returns a copy of the config with the patch's non-nil fields
// merged in. The copy is not re-validated; contextual overrides follow the
// permissive behavior of rule evaluation.
func (c PolicyConfig) ApplyPatch(p ConfigPatch) PolicyConfig {
	if p.MaxAttempts != nil {
		c.MaxAttempts = *p.MaxAttempts
	}
	if p.Strategy != nil {
		c.Strategy = *p.Strategy
	}
	if p.BaseDelay != nil {
		c.BaseDelay = *p.BaseDelay
	}
	if p.MaxDelay != nil {
		c.MaxDelay = *p.MaxDelay
	}
	if p.JitterEnabled != nil {
		c.JitterEnabled = *p.JitterEnabled
	}
	if p.JitterMax != nil {
		c.JitterMax = *p.JitterMax
	}
	if p.JitterMode != nil {
		c.JitterMode = *p.JitterMode
	}
	if p.Multiplier != nil {
		c.Multiplier = *p.Multiplier
	}
	if p.PolynomialDegree != nil {
		c.PolynomialDegree = *p.PolynomialDegree
	}
	if p.TimeoutMultiplier != nil {
		c.TimeoutMultiplier = *p.TimeoutMultiplier
	}
	if p.MaxTotalTime != nil {
		c.MaxTotalTime = *p.MaxTotalTime
	}
	if p.RetryableErrors != nil {
		c.RetryableErrors = p.RetryableErrors
	}
	if p.NonRetryableErrors != nil {
		c.NonRetryableErrors = p.NonRetryableErrors
	}
	if p.RetryableCategories != nil {
		c.RetryableCategories = p.RetryableCategories
	}
	if p.NonRetryableCategories != nil {
		c.NonRetryableCategories = p.NonRetryableCategories
	}
	return c
}

// effectiveConfig merges every matching contextual rule into the base
// config, in declaration order.
func (c PolicyConfig) effectiveConfig(ec *ExecutionContext) PolicyConfig {
	if len(c.ContextRules) == 0 || ec == nil {
		return c
	}
	eff := c
	for _, rule := range c.ContextRules {
		if matchCondition(rule.Condition, ec) {
			eff = eff.ApplyPatch(rule.Patch)
		}
	}
	return eff
}

// matchCondition evaluates the rule condition DSL against the execution
// context. Only `key=value` and `exists:key` are supported; any malformed
// condition evaluates to no-match.
func matchCondition(cond string, ec *ExecutionContext) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" || ec == nil {
		return false
	}

	if rest, ok := strings.CutPrefix(cond, "exists:"); ok {
		key := strings.TrimSpace(rest)
		if key == "" {
			return false
		}
		_, found := contextValue(ec, key)
		return found
	}

	key, want, ok := strings.Cut(cond, "=")
	if !ok {
		return false
	}
	got, found := contextValue(ec, strings.TrimSpace(key))
	if !found {
		return false
	}
	return fmt.Sprintf("%v", got) == strings.TrimSpace(want)
}

// contextValue resolves a condition key against the built-in context fields
// first, then the metadata map.
func contextValue(ec *ExecutionContext, key string) (any, bool) {
	switch key {
	case "operation":
		return ec.Operation, ec.Operation != ""
	case "operation_id":
		return ec.OperationID, ec.OperationID != ""
	case "priority":
		return string(ec.Priority), ec.Priority != ""
	}
	if ec.Metadata == nil {
		return nil, false
	}
	v, ok := ec.Metadata[key]
	return v, ok
}
