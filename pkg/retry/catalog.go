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
	"time"

	"github.com/notifybridge/resilience/pkg/faults"
)

// The strategy catalog: pre-tuned policy configs for the delivery paths the
// notification bridge works with. Pure data; the manager auto-registers
// every preset on construction.

// presetOrder fixes the catalog listing order.
var presetOrder = []string{
	"bridge",
	"telegram",
	"filesystem",
	"network",
	"database",
	"critical",
	"fast",
	"background",
}

func presetCatalog() map[string]PolicyConfig {
	linear := StrategyLinear
	fiveSeconds := 5 * time.Second
	fiveMinutes := 5 * time.Minute

	return map[string]PolicyConfig{
		// Bridge-process communication: flaky pipes recover quickly, auth
		// and config problems never do.
		"bridge": {
			Name:          "bridge",
			MaxAttempts:   5,
			Strategy:      StrategyExponential,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			JitterEnabled: true,
			JitterMax:     500 * time.Millisecond,
			JitterMode:    JitterUniform,
			RetryableErrors: []string{
				"CONNECTION_FAILED", "CONNECTION_LOST", "PROCESS_NOT_RESPONDING", "PIPE_BROKEN",
			},
			NonRetryableErrors: []string{"AUTH_FAILED", "INVALID_CONFIG"},
			RetryableCategories: []faults.Category{
				faults.CategoryNetwork, faults.CategoryTimeout, faults.CategoryTemporary, faults.CategoryConnection,
			},
			NonRetryableCategories: []faults.Category{
				faults.CategoryAuthentication, faults.CategoryValidation, faults.CategoryConfiguration,
			},
			TimeoutMultiplier: 1.5,
			MaxTotalTime:      2 * time.Minute,
		},

		// Chat delivery API: rate limits are retryable, but while the API
		// is actively limiting us the backoff switches to long linear
		// waits instead of hammering the endpoint.
		"telegram": {
			Name:          "telegram",
			MaxAttempts:   4,
			Strategy:      StrategyExponential,
			BaseDelay:     1 * time.Second,
			MaxDelay:      60 * time.Second,
			Multiplier:    2.0,
			JitterEnabled: true,
			JitterMax:     time.Second,
			JitterMode:    JitterUniform,
			RetryableErrors: []string{
				"RATE_LIMITED", "SERVER_ERROR", "BAD_GATEWAY", "NETWORK_ERROR",
			},
			NonRetryableErrors: []string{"UNAUTHORIZED", "CHAT_NOT_FOUND", "MESSAGE_TOO_LARGE"},
			RetryableCategories: []faults.Category{
				faults.CategoryNetwork, faults.CategoryTimeout, faults.CategoryRateLimit, faults.CategoryServerError,
			},
			NonRetryableCategories: []faults.Category{
				faults.CategoryAuthentication, faults.CategoryValidation,
			},
			ContextRules: []ContextRule{
				{
					Condition: "rate_limited=true",
					Patch: ConfigPatch{
						Strategy:  &linear,
						BaseDelay: &fiveSeconds,
						MaxDelay:  &fiveMinutes,
					},
					Description: "back off hard while the API is rate limiting",
				},
			},
			MaxTotalTime: 10 * time.Minute,
		},

		// Last-resort file channel: local IO either works almost at once
		// or not at all.
		"filesystem": {
			Name:            "filesystem",
			MaxAttempts:     3,
			Strategy:        StrategyFixed,
			BaseDelay:       100 * time.Millisecond,
			MaxDelay:        time.Second,
			JitterEnabled:   true,
			JitterMax:       50 * time.Millisecond,
			JitterMode:      JitterUniform,
			RetryableErrors: []string{"FILE_LOCKED", "DISK_BUSY"},
			NonRetryableErrors: []string{
				"FILE_NOT_FOUND", "PERMISSION_DENIED", "DISK_FULL",
			},
			RetryableCategories: []faults.Category{
				faults.CategoryTemporary, faults.CategoryResource,
			},
			NonRetryableCategories: []faults.Category{
				faults.CategoryValidation, faults.CategoryCorruption,
			},
		},

		// Generic network calls.
		"network": {
			Name:          "network",
			MaxAttempts:   4,
			Strategy:      StrategyExponential,
			BaseDelay:     250 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			Multiplier:    2.0,
			JitterEnabled: true,
			JitterMax:     250 * time.Millisecond,
			JitterMode:    JitterUniform,
			RetryableCategories: []faults.Category{
				faults.CategoryNetwork, faults.CategoryTimeout, faults.CategoryTemporary, faults.CategoryConnection,
			},
			NonRetryableCategories: []faults.Category{
				faults.CategoryAuthentication, faults.CategoryAuthorization, faults.CategoryValidation,
			},
		},

		// Database access: fibonacci growth with decorrelated jitter
		// spreads reconnect storms.
		"database": {
			Name:            "database",
			MaxAttempts:     5,
			Strategy:        StrategyFibonacci,
			BaseDelay:       200 * time.Millisecond,
			MaxDelay:        15 * time.Second,
			JitterEnabled:   true,
			JitterMax:       time.Second,
			JitterMode:      JitterDecorrelated,
			RetryableErrors: []string{"DEADLOCK", "CONNECTION_LOST", "TOO_MANY_CONNECTIONS"},
			NonRetryableErrors: []string{
				"SCHEMA_MISMATCH", "CONSTRAINT_VIOLATION",
			},
			RetryableCategories: []faults.Category{
				faults.CategoryConnection, faults.CategoryTemporary, faults.CategoryConcurrency,
			},
			NonRetryableCategories: []faults.Category{
				faults.CategorySchema, faults.CategoryValidation, faults.CategoryCorruption,
			},
		},

		// Critical deliveries: aggressive, long-window, history-driven.
		"critical": {
			Name:          "critical",
			MaxAttempts:   10,
			Strategy:      StrategyAdaptive,
			BaseDelay:     time.Second,
			MaxDelay:      2 * time.Minute,
			JitterEnabled: true,
			JitterMax:     2 * time.Second,
			JitterMode:    JitterExponential,
			NonRetryableCategories: []faults.Category{
				faults.CategorySecurity, faults.CategoryValidation,
			},
			MaxTotalTime: 10 * time.Minute,
		},

		// Fail-fast path for interactive callers.
		"fast": {
			Name:         "fast",
			MaxAttempts:  2,
			Strategy:     StrategyFixed,
			BaseDelay:    50 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			MaxTotalTime: 2 * time.Second,
		},

		// Long-window background work.
		"background": {
			Name:             "background",
			MaxAttempts:      8,
			Strategy:         StrategyPolynomial,
			PolynomialDegree: 2.0,
			BaseDelay:        2 * time.Second,
			MaxDelay:         5 * time.Minute,
			JitterEnabled:    true,
			JitterMax:        2 * time.Second,
			JitterMode:       JitterUniform,
			RetryableCategories: []faults.Category{
				faults.CategoryNetwork, faults.CategoryTimeout, faults.CategoryTemporary,
				faults.CategoryResource, faults.CategoryConnection,
			},
			MaxTotalTime: 30 * time.Minute,
		},
	}
}

// Preset returns a copy of the named catalog entry.
func Preset(name string) (PolicyConfig, bool) {
	cfg, ok := presetCatalog()[name]
	return cfg, ok
}

// PresetNames lists the catalog entries in their canonical order.
func PresetNames() []string {
	names := make([]string, len(presetOrder))
	copy(names, presetOrder)
	return names
}

// CustomizePreset clones a preset for a specific operation type and applies
// the caller's overrides. The derived config is named "<preset>_<operation>".
func CustomizePreset(preset, operation string, patch ConfigPatch) (PolicyConfig, error) {
	base, ok := Preset(preset)
	if !ok {
		return PolicyConfig{}, fmt.Errorf("%w: preset %q", ErrStrategyNotFound, preset)
	}
	derived := base.ApplyPatch(patch)
	derived.Name = fmt.Sprintf("%s_%s", preset, operation)
	if err := derived.Validate(); err != nil {
		return PolicyConfig{}, fmt.Errorf("%w: %w", ErrStrategyRegistrationFailed, err)
	}
	return derived, nil
}

// NewAdaptiveConfig builds a from-scratch adaptive config with reasonable
// defaults under the given name.
func NewAdaptiveConfig(name string) PolicyConfig {
	return PolicyConfig{
		Name:          name,
		MaxAttempts:   5,
		Strategy:      StrategyAdaptive,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      time.Minute,
		JitterEnabled: true,
		JitterMax:     500 * time.Millisecond,
		JitterMode:    JitterUniform,
	}
}

// CombineConfigs merges several configs into one conservative combined
// config: the widest attempt and delay ceilings, the smallest base delay,
// the union of every error and category list, and the adaptive strategy so
// history drives the blend.
func CombineConfigs(name string, configs ...PolicyConfig) (PolicyConfig, error) {
	if len(configs) == 0 {
		return PolicyConfig{}, fmt.Errorf("%w: no configs to combine", ErrStrategyRegistrationFailed)
	}

	combined := PolicyConfig{
		Name:        name,
		Strategy:    StrategyAdaptive,
		MaxAttempts: configs[0].MaxAttempts,
		BaseDelay:   configs[0].BaseDelay,
		MaxDelay:    configs[0].MaxDelay,
	}

	codes := func(dst []string, src []string) []string {
		for _, s := range src {
			if !containsString(dst, s) {
				dst = append(dst, s)
			}
		}
		return dst
	}
	categories := func(dst, src []faults.Category) []faults.Category {
		for _, c := range src {
			if !containsCategory(dst, c) {
				dst = append(dst, c)
			}
		}
		return dst
	}

	for _, cfg := range configs {
		if cfg.MaxAttempts > combined.MaxAttempts {
			combined.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.MaxDelay > combined.MaxDelay {
			combined.MaxDelay = cfg.MaxDelay
		}
		if cfg.BaseDelay < combined.BaseDelay {
			combined.BaseDelay = cfg.BaseDelay
		}
		if cfg.JitterEnabled {
			combined.JitterEnabled = true
			if cfg.JitterMax > combined.JitterMax {
				combined.JitterMax = cfg.JitterMax
			}
			if combined.JitterMode == "" {
				combined.JitterMode = cfg.JitterMode
			}
		}
		if cfg.MaxTotalTime > combined.MaxTotalTime {
			combined.MaxTotalTime = cfg.MaxTotalTime
		}
		combined.RetryableErrors = codes(combined.RetryableErrors, cfg.RetryableErrors)
		combined.NonRetryableErrors = codes(combined.NonRetryableErrors, cfg.NonRetryableErrors)
		combined.RetryableCategories = categories(combined.RetryableCategories, cfg.RetryableCategories)
		combined.NonRetryableCategories = categories(combined.NonRetryableCategories, cfg.NonRetryableCategories)
	}

	if err := combined.Validate(); err != nil {
		return PolicyConfig{}, fmt.Errorf("%w: %w", ErrStrategyRegistrationFailed, err)
	}
	return combined, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsCategory(list []faults.Category, c faults.Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
