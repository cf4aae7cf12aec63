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

package metriccalc

import (
	"errors"
	"fmt"
	"math"

	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
)

// ErrInvalidSample is returned for a sample whose value is not a finite number
var ErrInvalidSample = errors.New("invalid sample")

// Comparison is the operator a threshold applies to a sample
type Comparison string

const (
	// GreaterThan is satisfied by a value strictly above the bound
	GreaterThan Comparison = "GreaterThan"
	// LessThan is satisfied by a value strictly below the bound
	LessThan Comparison = "LessThan"
)

// Threshold describes when an alarm goes off
type Threshold struct {
	Comparison Comparison
	Bound      float64
	// EvaluationPeriods is how many consecutive samples must satisfy
	// the comparison before the alarm goes off
	EvaluationPeriods int
}

// Satisfied reports whether v breaks the threshold
func (t Threshold) Satisfied(v float64) bool {
	switch t.Comparison {
	case GreaterThan:
		return v > t.Bound
	case LessThan:
		return v < t.Bound
	}
	return false
}

func (t Threshold) String() string {
	return fmt.Sprintf("%s %g for %d periods", t.Comparison, t.Bound, t.EvaluationPeriods)
}

// AlarmState is the state of an alarm
type AlarmState string

const (
	// AlarmOK means the threshold is not considered broken
	AlarmOK AlarmState = "OK"
	// AlarmInAlarm means the threshold has been broken for enough periods
	AlarmInAlarm AlarmState = "IN_ALARM"
)

// Transition is a change of alarm state
type Transition struct {
	From AlarmState
	To   AlarmState
}

// Alarm folds samples into an alarm state for one threshold.
// It is edge triggered: entering IN_ALARM is reported once, no matter
// how long the threshold stays broken.
// Not safe for concurrent use.
type Alarm struct {
	threshold Threshold
	state     AlarmState
	// consecutive samples satisfying the threshold
	count int
}

// NewAlarm creates an alarm in OK state
func NewAlarm(th Threshold) (*Alarm, error) {
	if th.Comparison != GreaterThan && th.Comparison != LessThan {
		return nil, fmt.Errorf("unknown comparison %q", th.Comparison)
	}
	if th.EvaluationPeriods < 1 {
		return nil, fmt.Errorf("evaluation periods must be positive, got %d", th.EvaluationPeriods)
	}
	return &Alarm{threshold: th, state: AlarmOK}, nil
}

// Observe folds s into the alarm. The returned bool tells whether the
// alarm changed state, in which case the Transition describes the change.
// A non-finite value returns ErrInvalidSample and leaves the alarm untouched.
func (a *Alarm) Observe(s ms.Sample) (Transition, bool, error) {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return Transition{}, false, fmt.Errorf("%w: value %v", ErrInvalidSample, s.Value)
	}

	if !a.threshold.Satisfied(s.Value) {
		a.count = 0
		if a.state == AlarmInAlarm {
			a.state = AlarmOK
			return Transition{From: AlarmInAlarm, To: AlarmOK}, true, nil
		}
		return Transition{}, false, nil
	}

	if a.count < a.threshold.EvaluationPeriods {
		a.count++
	}
	if a.state == AlarmOK && a.count >= a.threshold.EvaluationPeriods {
		a.state = AlarmInAlarm
		return Transition{From: AlarmOK, To: AlarmInAlarm}, true, nil
	}
	return Transition{}, false, nil
}

// State returns the most recent alarm state
func (a *Alarm) State() AlarmState {
	return a.state
}

// Threshold returns the threshold the alarm evaluates
func (a *Alarm) Threshold() Threshold {
	return a.threshold
}
