/**
 * Copyright (c) 2020 CoCreate LLC
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
 * the Software, and to permit persons to whom the Software is furnished to do so,
 * subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
 * FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
 * COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
 * IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
 * CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package provisioner

import (
	"context"
	"sync"
)

// Fake keeps the desired capacity in memory and counts backend calls
// which actually change it
type Fake struct {
	lock     sync.Mutex
	capacity int
	calls    []int
	err      error
}

// NewProvisionerFake creates a Fake provisioner currently at capacity
func NewProvisionerFake(capacity int) *Fake {
	return &Fake{capacity: capacity}
}

func (f *Fake) Type() ProvisionerT {
	return ProvisionerFake
}

// Fail makes following calls fail with err, nil restores success
func (f *Fake) Fail(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.err = err
}

func (f *Fake) CurrentCapacity(ctx context.Context) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.capacity, nil
}

func (f *Fake) SetDesiredCapacity(ctx context.Context, n int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, n)
	if f.err != nil {
		return f.err
	}
	if f.capacity != n {
		logger.Info("fake backend sets capacity", "from", f.capacity, "to", n)
		f.capacity = n
	}
	return nil
}

// Calls returns every value SetDesiredCapacity was called with
func (f *Fake) Calls() []int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]int(nil), f.calls...)
}
