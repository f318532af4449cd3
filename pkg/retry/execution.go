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

import "time"

// Priority indicates how important an operation is to the caller. It is
// carried on the execution context and available to contextual rules.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ExecutionContext carries per-call information for one retry session.
type ExecutionContext struct {
	// Operation is the logical name of the operation being retried.
	Operation string `json:"operation"`

	// OperationID optionally identifies the specific invocation.
	OperationID string `json:"operation_id,omitempty"`

	// Priority of the operation; defaults to normal.
	Priority Priority `json:"priority,omitempty"`

	// Timeout bounds each individual attempt for this call.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Metadata holds arbitrary key/value pairs; contextual rules are
	// evaluated against it.
	Metadata map[string]any `json:"metadata,omitempty"`

	// SkipRetryFor forces no-retry for these error codes, ahead of the
	// policy's own decision.
	SkipRetryFor []string `json:"skip_retry_for,omitempty"`

	// ForceRetryFor forces retry for these error codes, subject to the
	// attempt ceiling.
	ForceRetryFor []string `json:"force_retry_for,omitempty"`
}

// Attempt records one invocation of the operation within a session. It is
// created once per attempt, appended to the owning execution and never
// mutated afterwards.
type Attempt struct {
	// Number is the 1-based attempt index.
	Number int `json:"number"`

	// StartedAt and EndedAt bound the attempt.
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Delay is the backoff scheduled after this attempt failed; zero when
	// no further retry was scheduled.
	Delay time.Duration `json:"delay"`

	// Success reports whether the operation returned without error.
	Success bool `json:"success"`

	// Duration is how long the operation invocation took.
	Duration time.Duration `json:"duration"`

	// Err is the operation error, nil on success.
	Err error `json:"-"`

	// Metadata snapshots the execution context metadata at attempt time.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the terminal outcome of an execution, set exactly once.
type Result struct {
	Success       bool          `json:"success"`
	Value         any           `json:"-"`
	Err           error         `json:"-"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Execution is one end-to-end attempt-and-retry run of a single operation
// invocation. It is handed to the owning policy for adaptive learning once
// finalized, then discarded by the executor.
type Execution struct {
	ID          string     `json:"id"`
	PolicyName  string     `json:"policy_name"`
	Operation   string     `json:"operation"`
	StartedAt   time.Time  `json:"started_at"`
	Attempts    []*Attempt `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Final       *Result    `json:"final,omitempty"`
}

// LastError returns the error of the most recent failed attempt, or nil.
func (e *Execution) LastError() error {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		if !e.Attempts[i].Success {
			return e.Attempts[i].Err
		}
	}
	return nil
}

// TotalDelay sums the backoff delays scheduled during the execution.
func (e *Execution) TotalDelay() time.Duration {
	var total time.Duration
	for _, a := range e.Attempts {
		total += a.Delay
	}
	return total
}

// ExecutionMetrics is the retained per-execution summary appended to the
// executor's bounded metrics log.
type ExecutionMetrics struct {
	ExecutionID   string        `json:"execution_id"`
	Operation     string        `json:"operation"`
	PolicyName    string        `json:"policy_name"`
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalDelay    time.Duration `json:"total_delay"`
	LastError     string        `json:"last_error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
