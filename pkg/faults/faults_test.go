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

package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFault_Error(t *testing.T) {
	f := New("CONNECTION_FAILED", CategoryNetwork, "connection refused")
	assert.Equal(t, "CONNECTION_FAILED: connection refused", f.Error())

	wrapped := Wrap("CONNECTION_FAILED", CategoryNetwork, "connection refused", errors.New("dial tcp: refused"))
	assert.Contains(t, wrapped.Error(), "cause: dial tcp: refused")
}

func TestFault_UnwrapAndIs(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	f := Wrap("CONNECTION_FAILED", CategoryNetwork, "connection refused", cause)

	assert.ErrorIs(t, f, cause)
	// Faults match by code, independent of message or category.
	assert.ErrorIs(t, f, New("CONNECTION_FAILED", CategoryTimeout, "other message"))
	assert.NotErrorIs(t, f, New("OTHER_CODE", CategoryNetwork, "connection refused"))
}

func TestFault_RetryableHint(t *testing.T) {
	// No hint set.
	_, known := RetryableHint(New("X", CategoryNetwork, "boom"))
	assert.False(t, known)

	retryable, known := RetryableHint(New("X", CategoryNetwork, "boom").WithRetryable(true))
	assert.True(t, known)
	assert.True(t, retryable)

	retryable, known = RetryableHint(NewAuthError("bad token"))
	assert.True(t, known)
	assert.False(t, retryable)

	// A hintless fault does not mask a hinted fault deeper in the chain.
	inner := New("INNER", CategoryNetwork, "inner").WithRetryable(true)
	outer := Wrap("OUTER", CategoryNetwork, "outer", inner)
	retryable, known = RetryableHint(outer)
	assert.True(t, known)
	assert.True(t, retryable)

	// Plain wrapping via fmt also resolves.
	retryable, known = RetryableHint(fmt.Errorf("context: %w", inner))
	assert.True(t, known)
	assert.True(t, retryable)
}

func TestCodeOfAndCategoryOf(t *testing.T) {
	f := New("RATE_LIMITED", CategoryRateLimit, "slow down")
	assert.Equal(t, "RATE_LIMITED", CodeOf(f))
	assert.Equal(t, CategoryRateLimit, CategoryOf(f))

	wrapped := fmt.Errorf("sending: %w", f)
	assert.Equal(t, "RATE_LIMITED", CodeOf(wrapped))
	assert.Equal(t, CategoryRateLimit, CategoryOf(wrapped))

	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, CategoryOf(errors.New("plain")))
	assert.Empty(t, CodeOf(nil))
}

type codedError struct{ code string }

func (e *codedError) Error() string     { return e.code }
func (e *codedError) ErrorCode() string { return e.code }

func TestCodeOf_ForeignCoder(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &codedError{code: "FOREIGN"})
	assert.Equal(t, "FOREIGN", CodeOf(err))
}

func TestRetryAfter(t *testing.T) {
	f := NewRateLimitError("slow down", 30*time.Second)
	d, ok := RetryAfter(f)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	// Wrapped faults still expose the hint.
	d, ok = RetryAfter(fmt.Errorf("send: %w", f))
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = RetryAfter(NewRateLimitError("no hint", 0))
	assert.False(t, ok)
	_, ok = RetryAfter(errors.New("plain"))
	assert.False(t, ok)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *Fault
		code      string
		category  Category
		retryable bool
	}{
		{"network", NewNetworkError("CONNECTION_FAILED", "refused", nil), "CONNECTION_FAILED", CategoryNetwork, true},
		{"timeout", NewTimeoutError("DEADLINE", "too slow", nil), "DEADLINE", CategoryTimeout, true},
		{"rate limit", NewRateLimitError("slow down", time.Second), "RATE_LIMITED", CategoryRateLimit, true},
		{"auth", NewAuthError("bad token"), "AUTH_FAILED", CategoryAuthentication, false},
		{"validation", NewValidationError("BAD_INPUT", "nope"), "BAD_INPUT", CategoryValidation, false},
		{"resource", NewResourceError("DISK_BUSY", "busy"), "DISK_BUSY", CategoryResource, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.category, tt.err.Category)
			assert.True(t, tt.err.RetryableKnown)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
			assert.False(t, tt.err.Timestamp.IsZero())
		})
	}
}

func TestFault_WithDetail(t *testing.T) {
	f := New("X", CategoryNetwork, "boom").
		WithDetail("endpoint", "api.telegram.org").
		WithDetail("status", 502)
	assert.Equal(t, "api.telegram.org", f.Details["endpoint"])
	assert.Equal(t, 502, f.Details["status"])
}
