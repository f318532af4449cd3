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

// Package logger bootstraps the process-wide zap logger used across the
// resilience engine. Components accept an injected *zap.Logger and fall back
// to this package when none is provided.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu          sync.RWMutex
	base        *zap.Logger
	initialized bool
)

// InitLogger initializes the global logger. Development mode switches to the
// human-readable console encoder. Safe to call more than once; only the
// first call takes effect.
func InitLogger(development bool) {
	mu.Lock()
	defer mu.Unlock()

	if initialized && base != nil {
		return
	}

	var err error
	if development {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	initialized = true
}

// GetLogger returns the global logger, initializing a production logger if
// necessary.
func GetLogger() *zap.Logger {
	mu.RLock()
	if initialized && base != nil {
		defer mu.RUnlock()
		return base
	}
	mu.RUnlock()

	InitLogger(false)

	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child of the global logger with the given name.
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// ResetLogger resets the logger for testing purposes.
// This should only be used in tests.
func ResetLogger() {
	mu.Lock()
	defer mu.Unlock()

	if base != nil {
		_ = base.Sync()
	}
	base = nil
	initialized = false
}
