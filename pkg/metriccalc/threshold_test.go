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
	"math"
	"testing"
	"time"

	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
)

func observeAll(t *testing.T, a *Alarm, values ...float64) []Transition {
	t.Helper()
	var ret []Transition
	for _, v := range values {
		tr, changed, err := a.Observe(ms.Sample{Value: v, Timestamp: time.Now()})
		if err != nil {
			t.Fatalf("Observe(%v) error = %v", v, err)
		}
		if changed {
			ret = append(ret, tr)
		}
	}
	return ret
}

func TestNewAlarmRejectsBadThreshold(t *testing.T) {
	cases := []Threshold{
		{Comparison: "Equal", Bound: 1, EvaluationPeriods: 1},
		{Comparison: GreaterThan, Bound: 1, EvaluationPeriods: 0},
	}
	for _, th := range cases {
		if _, err := NewAlarm(th); err == nil {
			t.Errorf("NewAlarm(%+v) expected error", th)
		}
	}
}

func TestAlarmEdgeTriggered(t *testing.T) {
	a, err := NewAlarm(Threshold{Comparison: GreaterThan, Bound: 70, EvaluationPeriods: 2})
	if err != nil {
		t.Fatal(err)
	}

	if trs := observeAll(t, a, 75); len(trs) != 0 {
		t.Fatalf("one sample over bound should not fire, got %v", trs)
	}
	trs := observeAll(t, a, 80)
	if len(trs) != 1 || trs[0] != (Transition{From: AlarmOK, To: AlarmInAlarm}) {
		t.Fatalf("second sample over bound should fire once, got %v", trs)
	}

	// staying over the bound for longer than the evaluation periods does not fire again
	if trs := observeAll(t, a, 90, 95, 99, 100); len(trs) != 0 {
		t.Errorf("alarm fired again while in alarm: %v", trs)
	}
	if a.State() != AlarmInAlarm {
		t.Errorf("State() = %s, want %s", a.State(), AlarmInAlarm)
	}

	trs = observeAll(t, a, 50)
	if len(trs) != 1 || trs[0] != (Transition{From: AlarmInAlarm, To: AlarmOK}) {
		t.Fatalf("sample under bound should clear the alarm, got %v", trs)
	}
}

func TestAlarmResetsCount(t *testing.T) {
	a, _ := NewAlarm(Threshold{Comparison: GreaterThan, Bound: 70, EvaluationPeriods: 3})
	if trs := observeAll(t, a, 80, 80, 60, 80, 80); len(trs) != 0 {
		t.Fatalf("interrupted run should not fire, got %v", trs)
	}
	if trs := observeAll(t, a, 80); len(trs) != 1 {
		t.Fatalf("third consecutive sample should fire, got %v", trs)
	}
}

func TestAlarmBoundIsStrict(t *testing.T) {
	up, _ := NewAlarm(Threshold{Comparison: GreaterThan, Bound: 70, EvaluationPeriods: 1})
	if trs := observeAll(t, up, 70); len(trs) != 0 {
		t.Errorf("value equal to bound broke GreaterThan threshold")
	}
	down, _ := NewAlarm(Threshold{Comparison: LessThan, Bound: 30, EvaluationPeriods: 1})
	if trs := observeAll(t, down, 30); len(trs) != 0 {
		t.Errorf("value equal to bound broke LessThan threshold")
	}
	if trs := observeAll(t, down, 29.9); len(trs) != 1 {
		t.Errorf("value under bound should fire LessThan alarm")
	}
}

func TestAlarmInvalidSample(t *testing.T) {
	a, _ := NewAlarm(Threshold{Comparison: GreaterThan, Bound: 70, EvaluationPeriods: 2})
	observeAll(t, a, 80)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, changed, err := a.Observe(ms.Sample{Value: v})
		if !errors.Is(err, ErrInvalidSample) {
			t.Errorf("Observe(%v) error = %v, want ErrInvalidSample", v, err)
		}
		if changed {
			t.Errorf("Observe(%v) changed the alarm", v)
		}
	}

	// the run of samples over the bound is not interrupted
	if trs := observeAll(t, a, 80); len(trs) != 1 {
		t.Errorf("alarm should fire after invalid samples were skipped, got %v", trs)
	}
}
