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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DesiredCapacity is the replica count a scaling group intends to run
	DesiredCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stepscaler_desired_capacity",
			Help: "Desired capacity of the scaling group",
		},
		[]string{"group"},
	)

	// ObservedReplicas is the replica count actually ready in the fleet
	ObservedReplicas = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stepscaler_observed_ready_replicas",
			Help: "Ready replicas observed in the fleet of the scaling group",
		},
		[]string{"group"},
	)

	// AlarmState is 1 while an alarm is IN_ALARM and 0 while OK
	AlarmState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stepscaler_alarm_state",
			Help: "State of the scale up/down alarm, 1 in alarm, 0 ok",
		},
		[]string{"group", "alarm"},
	)

	// LastSampleValue is the value of the last accepted sample
	LastSampleValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stepscaler_last_sample_value",
			Help: "Value of the last accepted metric sample",
		},
		[]string{"group"},
	)

	// SamplesTotal counts sample reads by result
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepscaler_samples_total",
			Help: "Total number of metric sample reads",
		},
		[]string{"group", "result"},
	)

	// ScalingActionsTotal counts scaling decisions by direction and outcome
	ScalingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepscaler_scaling_actions_total",
			Help: "Total number of scaling decisions",
		},
		[]string{"group", "direction", "outcome"},
	)

	// SetCapacityDuration is the latency of setting capacity on the backend
	SetCapacityDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepscaler_set_capacity_duration_seconds",
			Help:    "Duration of backend calls setting desired capacity",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)
)
