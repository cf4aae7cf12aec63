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
	"context"
	"time"

	"github.com/google/uuid"
)

// ScaleT is the type of scale
type ScaleT string

const (
	// ScaleUp adds replicas
	ScaleUp ScaleT = "up"
	// ScaleDown removes replicas
	ScaleDown ScaleT = "down"
	// NoScale does nothing
	NoScale ScaleT = "stay"
)

// StepAdjustment is the fixed change applied when the alarm of a direction fires
type StepAdjustment struct {
	Direction ScaleT
	// Magnitude is added to the desired capacity, negative for scaling down
	Magnitude int
	// Cooldown is the minimum time after a scaling in this direction
	// before another one is applied
	Cooldown time.Duration
}

// Phase is the state of the calculator state machine
type Phase string

const (
	// PhaseSteady accepts scaling in both directions
	PhaseSteady Phase = "STEADY"
	// PhaseCooldownUp follows a scaling up until its cooldown elapses
	PhaseCooldownUp Phase = "COOLDOWN_UP"
	// PhaseCooldownDown follows a scaling down until its cooldown elapses
	PhaseCooldownDown Phase = "COOLDOWN_DOWN"
)

func cooldownPhase(s ScaleT) Phase {
	if s == ScaleUp {
		return PhaseCooldownUp
	}
	return PhaseCooldownDown
}

// Outcome tells what happened to a scaling decision
type Outcome string

const (
	// OutcomeApplied means the new capacity was set on the backend
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means the capacity was already at a bound, the backend is not called
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeSuppressed means a cooldown dropped the scaling
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeFailed means setting capacity failed and will be retried
	OutcomeFailed Outcome = "failed"
	// OutcomeExpired means a cooldown elapsed
	OutcomeExpired Outcome = "expired"
)

// ScaleEvent is emitted on every phase transition and
// every applied or suppressed scaling
type ScaleEvent struct {
	ID          string    `json:"id"`
	Group       string    `json:"group"`
	Timestamp   time.Time `json:"timestamp"`
	FromState   Phase     `json:"fromState"`
	ToState     Phase     `json:"toState"`
	Action      ScaleT    `json:"action"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason"`
	OldCapacity int       `json:"oldCapacity"`
	NewCapacity int       `json:"newCapacity"`
}

func newScaleEvent(group string, now time.Time) ScaleEvent {
	return ScaleEvent{
		ID:        uuid.New().String(),
		Group:     group,
		Timestamp: now,
	}
}

// Recorder receives scale events. Implementations must not block
// for long and handle their own failures.
type Recorder interface {
	Record(ctx context.Context, e ScaleEvent)
}

// ControllerState is a snapshot of the state owned by a calculator
type ControllerState struct {
	Phase           Phase
	DesiredCapacity int
	LastScaleUpAt   *time.Time
	LastScaleDownAt *time.Time
	// PendingApply is true when the desired capacity still has to be set on the backend
	PendingApply bool
}
