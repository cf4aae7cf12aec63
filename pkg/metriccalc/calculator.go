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
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metrics"
	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
	pv "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/provisioner"
	"github.com/go-logr/logr"

	"k8s.io/apimachinery/pkg/util/clock"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"
)

const defaultTickTimeout = 10 * time.Second

var logger = klogr.New().WithName("metric-calculator")

var errOverlappingAlarms = errors.New("scale up and scale down alarms are both in alarm")

// RecoverableError is a failure of the backend which is retried on the next tick
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("recoverable error: %v", e.Err)
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// InternalConfig is a internally used configuration
// this makes it no need to import config package
type InternalConfig struct {
	// GroupName is the name of scaling group this calculator serves
	GroupName string

	// MetricsCalculatePeriod is the period a tick runs in
	MetricsCalculatePeriod time.Duration

	// MetricStaleness is the maximum age of a sample, defaults to 2 periods
	MetricStaleness time.Duration

	// TickTimeout bounds each call to metric source and provisioner
	TickTimeout time.Duration

	ScaleUpThreshold   Threshold
	ScaleDownThreshold Threshold

	ScaleUpStep   StepAdjustment
	ScaleDownStep StepAdjustment

	MinCapacity int
	MaxCapacity int

	// InitialCapacity is the starting desired capacity.
	// A negative value means reading it from the provisioner.
	InitialCapacity int
}

// Option configures a Calculator
type Option func(*Calculator)

// WithClock replaces the real clock, used in tests
func WithClock(c clock.Clock) Option {
	return func(calc *Calculator) { calc.clock = c }
}

// Calculator evaluates samples against the scaling alarms and sets
// the capacity of a fleet through a provisioner.
//
// All state is owned by the goroutine running Tick, i.e. Run.
// Methods must not be called concurrently.
type Calculator struct {
	groupName string

	logger logr.Logger

	clock clock.Clock

	metricSource ms.MetricSource

	// backend provisioner
	provisioner pv.Provisioner

	recorder Recorder

	alarms map[ScaleT]*Alarm

	steps map[ScaleT]StepAdjustment

	cooldown *CooldownTracker

	minCapacity int

	maxCapacity int

	initialCapacity int

	// periodically calculate in period
	calcPeriod time.Duration

	staleness time.Duration

	tickTimeout time.Duration

	phase Phase

	// the capacity the fleet is intended to run
	desired int

	// desired has not been set on the backend yet
	pendingApply bool

	// timestamp of the last accepted sample
	lastSampleAt time.Time

	initialized bool

	// first tick of Run, ticks are aligned to it
	startedAt time.Time

	context context.Context
}

// NewCalculator creates a calculator instance
func NewCalculator(ctx context.Context, metricSource ms.MetricSource, p pv.Provisioner, recorder Recorder,
	cfg InternalConfig, opts ...Option) (*Calculator, error) {
	if cfg.MetricsCalculatePeriod <= 0 {
		return nil, fmt.Errorf("metrics calculate period must be positive, got %s", cfg.MetricsCalculatePeriod)
	}
	if cfg.MinCapacity < 0 || cfg.MaxCapacity < cfg.MinCapacity {
		return nil, fmt.Errorf("invalid capacity bounds [%d, %d]", cfg.MinCapacity, cfg.MaxCapacity)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	ret := Calculator{
		groupName:       cfg.GroupName,
		logger:          logger.WithValues("scaling group name", cfg.GroupName),
		clock:           clock.RealClock{},
		metricSource:    metricSource,
		provisioner:     p,
		recorder:        recorder,
		minCapacity:     cfg.MinCapacity,
		maxCapacity:     cfg.MaxCapacity,
		initialCapacity: cfg.InitialCapacity,
		calcPeriod:      cfg.MetricsCalculatePeriod,
		staleness:       cfg.MetricStaleness,
		tickTimeout:     cfg.TickTimeout,
		phase:           PhaseSteady,
		context:         ctx,
	}
	if ret.staleness <= 0 {
		ret.staleness = 2 * ret.calcPeriod
	}
	if ret.tickTimeout <= 0 {
		ret.tickTimeout = defaultTickTimeout
	}

	upAlarm, err := NewAlarm(cfg.ScaleUpThreshold)
	if err != nil {
		ret.logger.Error(err, "failed to create scale up alarm", "threshold", cfg.ScaleUpThreshold)
		return nil, err
	}
	downAlarm, err := NewAlarm(cfg.ScaleDownThreshold)
	if err != nil {
		ret.logger.Error(err, "failed to create scale down alarm", "threshold", cfg.ScaleDownThreshold)
		return nil, err
	}
	ret.alarms = map[ScaleT]*Alarm{
		ScaleUp:   upAlarm,
		ScaleDown: downAlarm,
	}

	cfg.ScaleUpStep.Direction = ScaleUp
	cfg.ScaleDownStep.Direction = ScaleDown
	ret.steps = map[ScaleT]StepAdjustment{
		ScaleUp:   cfg.ScaleUpStep,
		ScaleDown: cfg.ScaleDownStep,
	}
	ret.cooldown = NewCooldownTracker(cfg.ScaleUpStep.Cooldown, cfg.ScaleDownStep.Cooldown)

	for _, opt := range opts {
		opt(&ret)
	}

	return &ret, nil
}

// Init sets the initial desired capacity, either the configured one
// or the one currently held by the provisioner, clamped into bounds.
// A clamped or configured value is set on the backend on the next tick.
func (c *Calculator) Init(ctx context.Context) error {
	defer klog.Flush()
	initial := c.initialCapacity
	if initial < 0 {
		tctx, cancel := context.WithTimeout(ctx, c.tickTimeout)
		defer cancel()
		n, err := c.provisioner.CurrentCapacity(tctx)
		if err != nil {
			c.logger.Error(err, "failed to read current capacity")
			return fmt.Errorf("read current capacity of scaling group %s: %w", c.groupName, err)
		}
		initial = n
	} else {
		c.pendingApply = true
	}

	c.desired = c.clamp(initial)
	if c.desired != initial {
		c.logger.Info("initial capacity is out of bounds, clamp it",
			"initial capacity", initial, "desired capacity", c.desired,
			"min capacity", c.minCapacity, "max capacity", c.maxCapacity)
		c.pendingApply = true
	}
	c.initialized = true
	metrics.DesiredCapacity.WithLabelValues(c.groupName).Set(float64(c.desired))
	c.logger.Info("initialized", "desired capacity", c.desired, "pending apply", c.pendingApply)
	return nil
}

// Run runs main loop reading samples and triggering scaling, one tick per period.
// An in-flight tick is completed when the context is canceled.
func (c *Calculator) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer klog.Flush()

	if !c.initialized {
		c.logger.Error(fmt.Errorf("calculator is not initialized"), "refuse to run")
		return
	}

	c.logger.Info("starting metric calculator", "period", c.calcPeriod)
	c.startedAt = c.clock.Now()
	t := c.clock.NewTicker(c.calcPeriod)
	defer t.Stop()

	for {
		select {
		case <-c.context.Done():
			c.logger.Info("stopping metric calculator")
			return
		default:
		}

		// I/O of a tick is bounded by the tick timeout, not by shutdown
		c.Tick(context.Background())

		select {
		case <-t.C():
		case <-c.context.Done():
			c.logger.Info("stopping metric calculator")
			return
		}
	}
}

// Tick runs one evaluation: retries a pending capacity change, expires
// cooldown, folds a fresh sample into the alarms and scales if needed
func (c *Calculator) Tick(ctx context.Context) {
	defer klog.Flush()
	now := c.tickTime(c.clock.Now())

	if c.pendingApply {
		c.logger.Info("retry setting desired capacity", "desired capacity", c.desired)
		_ = c.apply(ctx, c.desired)
	}

	expired := c.expireCooldown(ctx, now)
	fired := c.observe(ctx, now)

	s := c.judgeScaleType(fired, expired)
	if s == NoScale {
		return
	}
	if c.phase != PhaseSteady {
		c.suppress(ctx, now, s)
		return
	}
	c.scale(ctx, now, s)
}

// Snapshot returns a copy of the controller state
func (c *Calculator) Snapshot() ControllerState {
	st := ControllerState{
		Phase:           c.phase,
		DesiredCapacity: c.desired,
		PendingApply:    c.pendingApply,
	}
	if t, ok := c.cooldown.LastScaleAt(ScaleUp); ok {
		st.LastScaleUpAt = &t
	}
	if t, ok := c.cooldown.LastScaleAt(ScaleDown); ok {
		st.LastScaleDownAt = &t
	}
	return st
}

// tickTime rounds now to the nearest scheduled tick of Run, so a cooldown
// of whole periods elapses on a tick regardless of delivery delays
func (c *Calculator) tickTime(now time.Time) time.Time {
	if c.startedAt.IsZero() || now.Before(c.startedAt) {
		return now
	}
	d := now.Sub(c.startedAt) + c.calcPeriod/2
	return c.startedAt.Add(d - d%c.calcPeriod)
}

func (c *Calculator) clamp(n int) int {
	if n < c.minCapacity {
		return c.minCapacity
	}
	if n > c.maxCapacity {
		return c.maxCapacity
	}
	return n
}

func (c *Calculator) sample(ctx context.Context, now time.Time) (ms.Sample, error) {
	tctx, cancel := context.WithTimeout(ctx, c.tickTimeout)
	defer cancel()

	s, err := c.metricSource.GetSample(tctx)
	if err != nil {
		if !errors.Is(err, ms.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", ms.ErrSourceUnavailable, err)
		}
		return ms.Sample{}, err
	}
	if age := now.Sub(s.Timestamp); age > c.staleness {
		return ms.Sample{}, fmt.Errorf("%w: sample is %s old, staleness budget is %s", ms.ErrSourceUnavailable, age, c.staleness)
	}
	if !c.lastSampleAt.IsZero() && !s.Timestamp.After(c.lastSampleAt) {
		return ms.Sample{}, fmt.Errorf("%w: no sample newer than %s", ms.ErrSourceUnavailable, c.lastSampleAt)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return ms.Sample{}, fmt.Errorf("%w: value %v", ErrInvalidSample, s.Value)
	}
	c.lastSampleAt = s.Timestamp
	return s, nil
}

// observe returns the directions whose alarm went off on this tick
func (c *Calculator) observe(ctx context.Context, now time.Time) map[ScaleT]bool {
	s, err := c.sample(ctx, now)
	if err != nil {
		result := "unavailable"
		if errors.Is(err, ErrInvalidSample) {
			result = "invalid"
		}
		metrics.SamplesTotal.WithLabelValues(c.groupName, result).Inc()
		c.logger.Info("skip alarm evaluation on this tick", "reason", err.Error())
		return nil
	}
	metrics.SamplesTotal.WithLabelValues(c.groupName, "ok").Inc()
	metrics.LastSampleValue.WithLabelValues(c.groupName).Set(s.Value)
	c.logger.V(3).Info("evaluate alarm", "value", s.Value, "sample time", s.Timestamp)

	fired := map[ScaleT]bool{}
	for _, st := range []ScaleT{ScaleUp, ScaleDown} {
		a := c.alarms[st]
		tr, changed, err := a.Observe(s)
		if err != nil {
			c.logger.Error(err, "failed to evaluate alarm", "alarm", st)
			continue
		}
		if !changed {
			continue
		}
		c.logger.Info("alarm state changed", "alarm", st, "from", tr.From, "to", tr.To,
			"threshold", a.Threshold().String(), "value", s.Value)
		gauge := 0.0
		if tr.To == AlarmInAlarm {
			gauge = 1
			fired[st] = true
		}
		metrics.AlarmState.WithLabelValues(c.groupName, string(st)).Set(gauge)
	}
	return fired
}

// judgeScaleType decides the direction to scale. A direction is wanted when its
// alarm went off on this tick, or when a cooldown elapsed on this tick and its
// alarm is still in alarm. Scaling up wins if both alarms are in alarm.
func (c *Calculator) judgeScaleType(fired map[ScaleT]bool, expired bool) ScaleT {
	want := func(s ScaleT) bool {
		return fired[s] || (expired && c.alarms[s].State() == AlarmInAlarm)
	}
	up, down := want(ScaleUp), want(ScaleDown)
	if !up && !down {
		return NoScale
	}

	upInAlarm := c.alarms[ScaleUp].State() == AlarmInAlarm
	if upInAlarm && c.alarms[ScaleDown].State() == AlarmInAlarm {
		c.logger.Error(errOverlappingAlarms, "thresholds overlap, check configuration, scaling up is preferred",
			"scale up threshold", c.alarms[ScaleUp].Threshold().String(),
			"scale down threshold", c.alarms[ScaleDown].Threshold().String())
	}
	if up {
		return ScaleUp
	}
	if upInAlarm {
		return NoScale
	}
	return ScaleDown
}

// expireCooldown moves back to steady if the cooldown of the current phase elapsed
func (c *Calculator) expireCooldown(ctx context.Context, now time.Time) bool {
	var s ScaleT
	switch c.phase {
	case PhaseCooldownUp:
		s = ScaleUp
	case PhaseCooldownDown:
		s = ScaleDown
	default:
		return false
	}
	if c.cooldown.Active(s, now) {
		return false
	}

	e := newScaleEvent(c.groupName, now)
	e.FromState = c.phase
	e.ToState = PhaseSteady
	e.Action = s
	e.Outcome = OutcomeExpired
	e.Reason = fmt.Sprintf("scale %s cooldown of %s elapsed", s, c.steps[s].Cooldown)
	e.OldCapacity = c.desired
	e.NewCapacity = c.desired
	c.phase = PhaseSteady
	c.emit(ctx, e)
	return true
}

func (c *Calculator) suppress(ctx context.Context, now time.Time, s ScaleT) {
	cd := ScaleUp
	if c.phase == PhaseCooldownDown {
		cd = ScaleDown
	}
	e := newScaleEvent(c.groupName, now)
	e.FromState = c.phase
	e.ToState = c.phase
	e.Action = s
	e.Outcome = OutcomeSuppressed
	e.Reason = fmt.Sprintf("scale %s alarm suppressed, scale %s cooldown has %s remaining",
		s, cd, c.cooldown.Remaining(cd, now))
	e.OldCapacity = c.desired
	e.NewCapacity = c.desired
	c.emit(ctx, e)
}

func (c *Calculator) scale(ctx context.Context, now time.Time, s ScaleT) {
	step := c.steps[s]
	old := c.desired
	target := c.clamp(old + step.Magnitude)

	e := newScaleEvent(c.groupName, now)
	e.FromState = c.phase
	e.Action = s
	e.OldCapacity = old
	e.NewCapacity = target

	// the cooldown starts even if the capacity stays at a bound
	c.cooldown.Record(s, now)
	c.phase = cooldownPhase(s)
	e.ToState = c.phase

	if target == old {
		e.Outcome = OutcomeUnchanged
		e.Reason = fmt.Sprintf("scale %s alarm fired, capacity %d already at bound [%d, %d]",
			s, old, c.minCapacity, c.maxCapacity)
		c.emit(ctx, e)
		return
	}

	c.desired = target
	metrics.DesiredCapacity.WithLabelValues(c.groupName).Set(float64(target))
	if err := c.apply(ctx, target); err != nil {
		e.Outcome = OutcomeFailed
		e.Reason = fmt.Sprintf("scale %s alarm fired (%s), setting capacity failed, retry on next tick: %v",
			s, c.alarms[s].Threshold().String(), err)
	} else {
		e.Outcome = OutcomeApplied
		e.Reason = fmt.Sprintf("scale %s alarm fired (%s)", s, c.alarms[s].Threshold().String())
	}
	c.emit(ctx, e)
}

func (c *Calculator) apply(ctx context.Context, n int) error {
	tctx, cancel := context.WithTimeout(ctx, c.tickTimeout)
	defer cancel()

	start := c.clock.Now()
	err := c.provisioner.SetDesiredCapacity(tctx, n)
	metrics.SetCapacityDuration.WithLabelValues(c.groupName).Observe(c.clock.Since(start).Seconds())
	if err != nil {
		c.pendingApply = true
		rerr := &RecoverableError{Err: err}
		c.logger.Error(rerr, "failed to set desired capacity, retry on next tick", "desired capacity", n)
		return rerr
	}
	c.pendingApply = false
	c.logger.V(2).Info("set desired capacity", "desired capacity", n)
	return nil
}

func (c *Calculator) emit(ctx context.Context, e ScaleEvent) {
	c.logger.Info("scale event",
		"from", e.FromState, "to", e.ToState, "action", e.Action, "outcome", e.Outcome,
		"old capacity", e.OldCapacity, "new capacity", e.NewCapacity, "reason", e.Reason)
	if e.Outcome != OutcomeExpired {
		metrics.ScalingActionsTotal.WithLabelValues(c.groupName, string(e.Action), string(e.Outcome)).Inc()
	}
	tctx, cancel := context.WithTimeout(ctx, c.tickTimeout)
	defer cancel()
	c.recorder.Record(tctx, e)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, ScaleEvent) {}
