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

package eventsink

import (
	"context"

	mc "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metriccalc"
	"github.com/go-logr/logr"

	"k8s.io/klog/v2/klogr"
)

var logger = klogr.New().WithName("event-sink")

// LogRecorder writes every scale event to the structured log
type LogRecorder struct {
	logger logr.Logger
}

// NewLogRecorder creates a recorder logging through klog
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{logger: logger.WithName("log")}
}

func (r *LogRecorder) Record(ctx context.Context, e mc.ScaleEvent) {
	r.logger.Info("scaling activity", "id", e.ID, "scaling group name", e.Group,
		"action", e.Action, "outcome", e.Outcome, "from", e.FromState, "to", e.ToState,
		"old capacity", e.OldCapacity, "new capacity", e.NewCapacity, "reason", e.Reason)
}

// Multi fans an event out to several recorders in order
type Multi []mc.Recorder

func (m Multi) Record(ctx context.Context, e mc.ScaleEvent) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, e)
		}
	}
}
