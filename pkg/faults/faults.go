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

// Package faults defines the error contract between fallible operations and
// the retry engine. An operation may fail with any error; errors that expose
// a stable code, a category, or a retryability hint let retry policies make
// better decisions. Foreign error types participate through small optional
// interfaces probed along the error chain.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a failure by its broad cause. Retry policies match
// categories in addition to concrete error codes.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryTemporary      Category = "temporary"
	CategoryResource       Category = "resource"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategorySecurity       Category = "security"
	CategoryConfiguration  Category = "configuration"
	CategoryConcurrency    Category = "concurrency"
	CategoryConnection     Category = "connection"
	CategorySchema         Category = "schema"
	CategoryCorruption     Category = "corruption"
	CategoryRateLimit      Category = "rate_limit"
	CategoryServerError    Category = "server_error"
)

// DetailRetryAfter is the Details key carrying a server-suggested delay
// (time.Duration) before the operation should be attempted again.
const DetailRetryAfter = "retry_after"

// Fault is a structured operation error.
//
// Retryable is only meaningful when RetryableKnown is true; an unset hint
// leaves the retry decision to the policy's code/category lists and its
// default behavior.
type Fault struct {
	// Code identifies the specific failure scenario, e.g. "RATE_LIMITED".
	Code string `json:"code"`

	// Category classifies the failure.
	Category Category `json:"category,omitempty"`

	// Message provides a human-readable description.
	Message string `json:"message"`

	// Cause contains the underlying error, if any.
	Cause error `json:"-"`

	// Retryable indicates if this error can be resolved by retrying.
	Retryable bool `json:"retryable"`

	// RetryableKnown reports whether Retryable carries an explicit hint.
	RetryableKnown bool `json:"retryable_known"`

	// Details provides additional context-specific information.
	Details map[string]any `json:"details,omitempty"`

	// Timestamp indicates when the error occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap implements the unwrapping interface for Go 1.13+ error handling.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Is implements error comparison: two Faults match when their codes match.
func (f *Fault) Is(target error) bool {
	if t, ok := target.(*Fault); ok {
		return f.Code == t.Code
	}
	return false
}

// WithRetryable sets an explicit retryability hint and returns the fault.
func (f *Fault) WithRetryable(retryable bool) *Fault {
	f.Retryable = retryable
	f.RetryableKnown = true
	return f
}

// WithDetail attaches a context detail and returns the fault.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

// New creates a fault with no underlying cause and no retryability hint.
func New(code string, category Category, message string) *Fault {
	return &Fault{
		Code:      code,
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap creates a fault around an underlying cause.
func Wrap(code string, category Category, message string, cause error) *Fault {
	return &Fault{
		Code:      code,
		Category:  category,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// Common constructors for the failure scenarios the notification bridge hits
// most often.

// NewNetworkError creates a retryable network-level fault.
func NewNetworkError(code, message string, cause error) *Fault {
	return Wrap(code, CategoryNetwork, message, cause).WithRetryable(true)
}

// NewTimeoutError creates a retryable timeout fault.
func NewTimeoutError(code, message string, cause error) *Fault {
	return Wrap(code, CategoryTimeout, message, cause).WithRetryable(true)
}

// NewRateLimitError creates a retryable rate-limit fault carrying the
// server-suggested wait before the next attempt.
func NewRateLimitError(message string, retryAfter time.Duration) *Fault {
	f := New("RATE_LIMITED", CategoryRateLimit, message).WithRetryable(true)
	if retryAfter > 0 {
		f = f.WithDetail(DetailRetryAfter, retryAfter)
	}
	return f
}

// NewAuthError creates a non-retryable authentication fault.
func NewAuthError(message string) *Fault {
	return New("AUTH_FAILED", CategoryAuthentication, message).WithRetryable(false)
}

// NewValidationError creates a non-retryable validation fault.
func NewValidationError(code, message string) *Fault {
	return New(code, CategoryValidation, message).WithRetryable(false)
}

// NewResourceError creates a retryable resource-exhaustion fault.
func NewResourceError(code, message string) *Fault {
	return New(code, CategoryResource, message).WithRetryable(true)
}

// Optional interfaces foreign error types may implement to participate in
// retry classification without depending on this package's Fault type.
type (
	// Coder exposes a stable error code.
	Coder interface{ ErrorCode() string }

	// Categorized exposes an error category.
	Categorized interface{ ErrorCategory() string }

	// Hinted exposes an explicit retryability hint.
	Hinted interface{ RetryableHint() bool }
)

// CodeOf returns the first error code found along err's chain, or "".
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// CategoryOf returns the first category found along err's chain, or "".
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category
	}
	var c Categorized
	if errors.As(err, &c) {
		return Category(c.ErrorCategory())
	}
	return ""
}

// RetryableHint reports the explicit retryability hint carried by err, if
// any. The second return value is false when no error in the chain carries
// a hint.
func RetryableHint(err error) (retryable, known bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if f, ok := e.(*Fault); ok {
			if f.RetryableKnown {
				return f.Retryable, true
			}
			continue
		}
		if h, ok := e.(Hinted); ok {
			return h.RetryableHint(), true
		}
	}
	return false, false
}

// RetryAfter returns the server-suggested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var f *Fault
	if !errors.As(err, &f) || f.Details == nil {
		return 0, false
	}
	if d, ok := f.Details[DetailRetryAfter].(time.Duration); ok && d > 0 {
		return d, true
	}
	return 0, false
}
