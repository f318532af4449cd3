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
	"time"

	"github.com/notifybridge/resilience/pkg/faults"
)

// Errors raised by the engine itself, distinct from operation errors that
// pass through it. Configuration-shape errors fail fast and are never
// retried.
var (
	// ErrPolicyNotFound is returned when the requested or default policy is absent.
	ErrPolicyNotFound = errors.New("retry policy not found")

	// ErrConcurrencyLimitExceeded is returned when execution admission is rejected.
	ErrConcurrencyLimitExceeded = errors.New("concurrent execution limit exceeded")

	// ErrExecutionTimeout is returned when the overall session deadline is exceeded.
	ErrExecutionTimeout = errors.New("retry execution timed out")

	// ErrOperationTimeout is returned when a single attempt exceeds its timeout.
	ErrOperationTimeout = errors.New("operation attempt timed out")

	// ErrStrategyRegistrationFailed is returned when an invalid config is registered.
	ErrStrategyRegistrationFailed = errors.New("strategy registration failed")

	// ErrStrategyNotFound is returned on update/lookup of an unregistered name.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrNoStrategyAvailable is returned when the manager has nothing to resolve to.
	ErrNoStrategyAvailable = errors.New("no retry strategy available")
)

// operationTimeoutFault wraps ErrOperationTimeout in a fault so a timed-out
// attempt flows through normal retry classification: code OPERATION_TIMEOUT,
// category timeout, retryable.
func operationTimeoutFault(operation string, attempt int, timeout time.Duration) error {
	msg := fmt.Sprintf("operation %q attempt %d exceeded %v", operation, attempt, timeout)
	return faults.Wrap("OPERATION_TIMEOUT", faults.CategoryTimeout, msg, ErrOperationTimeout).
		WithRetryable(true).
		WithDetail("attempt", attempt).
		WithDetail("timeout", timeout)
}
