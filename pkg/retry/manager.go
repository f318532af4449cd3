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
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifybridge/resilience/pkg/logger"
)

// ManagerConfig configures the retry manager.
type ManagerConfig struct {
	// DefaultStrategy is used when no strategy is named and inference
	// finds no match.
	DefaultStrategy string `json:"default_strategy" yaml:"default_strategy"`

	// AutoRegisterStrategies registers the whole preset catalog at
	// construction time.
	AutoRegisterStrategies bool `json:"auto_register_strategies" yaml:"auto_register_strategies"`

	MaxConcurrentExecutions int           `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	DefaultOperationTimeout time.Duration `json:"default_operation_timeout" yaml:"default_operation_timeout"`
	ExecutionTimeout        time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
	AdaptiveLearning        bool          `json:"adaptive_learning" yaml:"adaptive_learning"`
}

// DefaultManagerConfig returns the manager defaults used by the bridge.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultStrategy:         "network",
		AutoRegisterStrategies:  true,
		MaxConcurrentExecutions: defaultMaxConcurrent,
		DefaultOperationTimeout: 30 * time.Second,
		AdaptiveLearning:        true,
	}
}

// inferenceRule maps operation-name keywords to a catalog strategy. Rules
// are checked in order; the first keyword hit wins.
type inferenceRule struct {
	keywords []string
	strategy string
}

var inferenceRules = []inferenceRule{
	{keywords: []string{"bridge", "process"}, strategy: "bridge"},
	{keywords: []string{"telegram", "bot", "message"}, strategy: "telegram"},
	{keywords: []string{"file", "write", "read"}, strategy: "filesystem"},
	{keywords: []string{"db", "database", "query"}, strategy: "database"},
	{keywords: []string{"critical", "important"}, strategy: "critical"},
	{keywords: []string{"background", "async", "queue"}, strategy: "background"},
	{keywords: []string{"fast", "quick", "immediate"}, strategy: "fast"},
}

// strategyUsage tracks how often (and when) a strategy was picked.
type strategyUsage struct {
	count    int
	lastUsed time.Time
}

// Manager is the operator-facing facade over the executor: it owns the
// strategy registry, infers strategies from operation names, and rolls up
// metrics and health.
type Manager struct {
	config   ManagerConfig
	executor *Executor

	mu    sync.Mutex
	usage map[string]*strategyUsage

	logger *zap.Logger
	clock  Clock
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerClock injects the time source into the manager and its
// executor.
func WithManagerClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerCollector attaches a Prometheus collector to the underlying
// executor.
func WithManagerCollector(c *MetricsCollector) ManagerOption {
	return func(m *Manager) {
		if m.executor != nil {
			m.executor.collector = c
		}
	}
}

// NewManager creates a manager with its own executor. With
// AutoRegisterStrategies set, the full preset catalog is registered before
// the manager is returned.
func NewManager(config ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = "network"
	}
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = defaultMaxConcurrent
	}
	if config.DefaultOperationTimeout <= 0 {
		config.DefaultOperationTimeout = 30 * time.Second
	}

	m := &Manager{
		config: config,
		usage:  make(map[string]*strategyUsage),
	}
	m.executor = NewExecutor(ExecutorOptions{
		DefaultPolicy:           config.DefaultStrategy,
		MaxConcurrentExecutions: config.MaxConcurrentExecutions,
		ExecutionTimeout:        config.ExecutionTimeout,
		DefaultOperationTimeout: config.DefaultOperationTimeout,
		AdaptiveLearning:        config.AdaptiveLearning,
	})
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Named("retry.manager")
	}
	if m.clock == nil {
		m.clock = NewRealClock()
	}
	m.executor.logger = m.logger.Named("executor")
	m.executor.clock = m.clock

	if config.AutoRegisterStrategies {
		catalog := presetCatalog()
		for _, name := range presetOrder {
			if _, err := m.executor.RegisterPolicy(catalog[name]); err != nil {
				return nil, fmt.Errorf("registering preset %q: %w", name, err)
			}
		}
		m.logger.Info("strategy catalog registered",
			zap.Int("strategies", len(presetOrder)),
			zap.String("default", config.DefaultStrategy),
		)
	}

	return m, nil
}

// Executor exposes the underlying executor for advanced callers.
func (m *Manager) Executor() *Executor {
	return m.executor
}

// ExecuteWithRetry runs the operation under the named strategy. An empty
// strategy name triggers inference from the operation name, falling back to
// the default strategy. The execution context is annotated with the manager's
// resolution so contextual rules and logs can see it.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operation string, op Operation, strategy string) (any, error) {
	resolved, err := m.resolveStrategy(operation, strategy)
	if err != nil {
		return nil, err
	}

	m.markUsed(resolved)

	ec := &ExecutionContext{
		Operation: operation,
		Metadata: map[string]any{
			"managed_by": "retry_manager",
			"strategy":   resolved,
		},
	}
	return m.executor.Execute(ctx, op, resolved, ec)
}

// ExecuteWithContext is ExecuteWithRetry with a caller-supplied execution
// context for timeouts, priorities and per-call retry overrides.
func (m *Manager) ExecuteWithContext(ctx context.Context, ec *ExecutionContext, op Operation, strategy string) (any, error) {
	operation := ""
	if ec != nil {
		operation = ec.Operation
	}
	resolved, err := m.resolveStrategy(operation, strategy)
	if err != nil {
		return nil, err
	}
	m.markUsed(resolved)
	return m.executor.Execute(ctx, op, resolved, ec)
}

// resolveStrategy picks, in order: the explicit name, a keyword inference
// from the operation name, then the configured default.
func (m *Manager) resolveStrategy(operation, strategy string) (string, error) {
	if strategy != "" {
		if _, ok := m.executor.Policy(strategy); !ok {
			return "", fmt.Errorf("%w: %q", ErrStrategyNotFound, strategy)
		}
		return strategy, nil
	}

	if inferred := inferStrategy(operation); inferred != "" {
		if _, ok := m.executor.Policy(inferred); ok {
			m.logger.Debug("strategy inferred from operation name",
				zap.String("operation", operation),
				zap.String("strategy", inferred),
			)
			return inferred, nil
		}
	}

	if _, ok := m.executor.Policy(m.config.DefaultStrategy); ok {
		return m.config.DefaultStrategy, nil
	}
	if names := m.executor.PolicyNames(); len(names) > 0 {
		return names[0], nil
	}
	return "", fmt.Errorf("%w: operation %q", ErrNoStrategyAvailable, operation)
}

// inferStrategy maps an operation name to a catalog strategy by keyword
// substring, case-insensitively. Returns "" when nothing matches.
func inferStrategy(operation string) string {
	lowered := strings.ToLower(operation)
	for _, rule := range inferenceRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return rule.strategy
			}
		}
	}
	return ""
}

func (m *Manager) markUsed(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[strategy]
	if !ok {
		u = &strategyUsage{}
		m.usage[strategy] = u
	}
	u.count++
	u.lastUsed = m.clock.Now()
}

// RegisterStrategy validates and registers a strategy config.
func (m *Manager) RegisterStrategy(config PolicyConfig) error {
	_, err := m.executor.RegisterPolicy(config)
	return err
}

// UnregisterStrategy removes a strategy. Unregistering the default strategy
// is allowed; subsequent unresolvable executions fail with
// ErrNoStrategyAvailable.
func (m *Manager) UnregisterStrategy(name string) error {
	if !m.executor.UnregisterPolicy(name) {
		return fmt.Errorf("%w: %q", ErrStrategyNotFound, name)
	}
	m.mu.Lock()
	delete(m.usage, name)
	m.mu.Unlock()
	return nil
}

// StrategyNames lists the registered strategies in registration order.
func (m *Manager) StrategyNames() []string {
	return m.executor.PolicyNames()
}

// CreateAdaptiveStrategy registers a new adaptive strategy built from the
// adaptive defaults plus the caller's overrides.
func (m *Manager) CreateAdaptiveStrategy(name string, patch ConfigPatch) error {
	cfg := NewAdaptiveConfig(name).ApplyPatch(patch)
	cfg.Name = name
	if _, err := m.executor.RegisterPolicy(cfg); err != nil {
		return err
	}
	m.logger.Info("adaptive strategy created", zap.String("strategy", name))
	return nil
}

// GetRecommendedStrategy suggests a strategy for an operation: keyword
// inference first, then the registered strategy with the best historical
// success rate (among strategies with at least one recorded execution),
// then the default.
func (m *Manager) GetRecommendedStrategy(operation string) string {
	if inferred := inferStrategy(operation); inferred != "" {
		if _, ok := m.executor.Policy(inferred); ok {
			return inferred
		}
	}

	stats := m.executor.Stats()
	best := ""
	bestRate := -1.0
	for _, name := range m.executor.PolicyNames() {
		usage, ok := stats.PolicyBreakdown[name]
		if !ok || usage.Executions == 0 {
			continue
		}
		if usage.SuccessRate > bestRate {
			best = name
			bestRate = usage.SuccessRate
		}
	}
	if best != "" {
		return best
	}
	return m.config.DefaultStrategy
}

// StrategyMetrics is one strategy's slice of the manager rollup.
type StrategyMetrics struct {
	Executions  int              `json:"executions"`
	Successes   int              `json:"successes"`
	SuccessRate float64          `json:"success_rate"`
	TimesChosen int              `json:"times_chosen"`
	LastUsed    time.Time        `json:"last_used,omitzero"`
	Stats       PolicyStats      `json:"stats"`
	Adaptive    *AdaptiveMetrics `json:"adaptive,omitempty"`
}

// ManagerMetrics is the full manager rollup.
type ManagerMetrics struct {
	TotalExecutions int                        `json:"total_executions"`
	SuccessRate     float64                    `json:"success_rate"`
	AverageDuration time.Duration              `json:"average_duration"`
	AverageAttempts float64                    `json:"average_attempts"`
	TotalDelayTime  time.Duration              `json:"total_delay_time"`
	ActiveCount     int                        `json:"active_count"`
	Strategies      map[string]StrategyMetrics `json:"strategies"`
	RecentFailures  []ExecutionMetrics         `json:"recent_failures"`
}

// GetMetrics aggregates executor rollups, per-strategy breakdowns and the
// most recent failures (at most ten, newest last).
func (m *Manager) GetMetrics() ManagerMetrics {
	stats := m.executor.Stats()

	mm := ManagerMetrics{
		TotalExecutions: stats.TotalExecutions,
		SuccessRate:     stats.SuccessRate,
		AverageDuration: stats.AverageDuration,
		AverageAttempts: stats.AverageAttempts,
		TotalDelayTime:  stats.TotalDelayTime,
		ActiveCount:     m.executor.ActiveCount(),
		Strategies:      make(map[string]StrategyMetrics),
	}

	m.mu.Lock()
	usageCopy := make(map[string]strategyUsage, len(m.usage))
	for name, u := range m.usage {
		usageCopy[name] = *u
	}
	m.mu.Unlock()

	for _, name := range m.executor.PolicyNames() {
		sm := StrategyMetrics{}
		if usage, ok := stats.PolicyBreakdown[name]; ok {
			sm.Executions = usage.Executions
			sm.Successes = usage.Successes
			sm.SuccessRate = usage.SuccessRate
		}
		if u, ok := usageCopy[name]; ok {
			sm.TimesChosen = u.count
			sm.LastUsed = u.lastUsed
		}
		if policy, ok := m.executor.Policy(name); ok {
			sm.Stats = policy.Stats()
			if policy.Config().Strategy == StrategyAdaptive {
				snapshot := policy.AdaptiveSnapshot()
				sm.Adaptive = &snapshot
			}
		}
		mm.Strategies[name] = sm
	}

	for _, em := range m.executor.RecentMetrics(0) {
		if em.Success {
			continue
		}
		mm.RecentFailures = append(mm.RecentFailures, em)
	}
	if len(mm.RecentFailures) > 10 {
		mm.RecentFailures = mm.RecentFailures[len(mm.RecentFailures)-10:]
	}

	return mm
}

// HealthStatus reports the manager's load level and feature posture.
type HealthStatus struct {
	Status           string  `json:"status"`
	ActiveCount      int     `json:"active_count"`
	MaxConcurrent    int     `json:"max_concurrent"`
	Utilization      float64 `json:"utilization"`
	StrategyCount    int     `json:"strategy_count"`
	AdaptiveLearning bool    `json:"adaptive_learning"`
	AutoRegister     bool    `json:"auto_register"`
}

// GetHealthStatus classifies the manager by concurrency utilization:
// healthy below 70%, degraded below 90%, unhealthy at or above.
func (m *Manager) GetHealthStatus() HealthStatus {
	active := m.executor.ActiveCount()
	limit := m.executor.MaxConcurrent()
	utilization := float64(active) / float64(limit)

	status := "healthy"
	switch {
	case utilization >= 0.9:
		status = "unhealthy"
	case utilization >= 0.7:
		status = "degraded"
	}

	return HealthStatus{
		Status:           status,
		ActiveCount:      active,
		MaxConcurrent:    limit,
		Utilization:      utilization,
		StrategyCount:    len(m.executor.PolicyNames()),
		AdaptiveLearning: m.config.AdaptiveLearning,
		AutoRegister:     m.config.AutoRegisterStrategies,
	}
}

// ResetMetrics clears the executor's metrics log, the usage counters and
// every strategy's learned history.
func (m *Manager) ResetMetrics() {
	m.executor.ResetMetrics()

	m.mu.Lock()
	m.usage = make(map[string]*strategyUsage)
	m.mu.Unlock()

	for _, name := range m.executor.PolicyNames() {
		if policy, ok := m.executor.Policy(name); ok {
			policy.Reset()
		}
	}
	m.logger.Info("manager metrics reset")
}

// Shutdown drains the underlying executor.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info("retry manager shutting down")
	return m.executor.Shutdown(timeout)
}
