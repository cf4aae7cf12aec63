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

package metricsource

import (
	"context"
	"sync"
)

// Fake is a metric source returning whatever was last pushed into it.
// It is used in tests and by the "fake" metric source type.
type Fake struct {
	lock   sync.Mutex
	sample *Sample
	err    error
}

// NewFake creates a Fake without any reading
func NewFake() *Fake {
	return &Fake{}
}

// Set makes s the current reading and clears any error
func (f *Fake) Set(s Sample) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sample = &s
	f.err = nil
}

// Fail makes GetSample return err until the next Set
func (f *Fake) Fail(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.err = err
}

func (f *Fake) Type() MetricSourceT {
	return MetricSourceFake
}

func (f *Fake) GetSample(ctx context.Context) (Sample, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	if f.sample == nil {
		return Sample{}, unavailable("no sample was set")
	}
	return *f.sample, nil
}
