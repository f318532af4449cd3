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
	"testing"
	"time"
)

func TestExecution_LastError(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	exec := &Execution{
		Attempts: []*Attempt{
			{Number: 1, Success: false, Err: errA},
			{Number: 2, Success: false, Err: errB},
			{Number: 3, Success: true},
		},
	}
	if got := exec.LastError(); got != errB {
		t.Errorf("LastError() = %v, want %v", got, errB)
	}

	allOK := &Execution{Attempts: []*Attempt{{Number: 1, Success: true}}}
	if allOK.LastError() != nil {
		t.Error("LastError() should be nil when every attempt succeeded")
	}

	empty := &Execution{}
	if empty.LastError() != nil {
		t.Error("LastError() should be nil for an empty execution")
	}
}

func TestExecution_TotalDelay(t *testing.T) {
	exec := &Execution{
		Attempts: []*Attempt{
			{Number: 1, Delay: 100 * time.Millisecond},
			{Number: 2, Delay: 200 * time.Millisecond},
			{Number: 3},
		},
	}
	if got := exec.TotalDelay(); got != 300*time.Millisecond {
		t.Errorf("TotalDelay() = %v, want 300ms", got)
	}
}
