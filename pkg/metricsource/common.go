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
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2/klogr"
)

var logger = klogr.New().WithName("metric-source")

// ErrSourceUnavailable is returned when no fresh reading exists
var ErrSourceUnavailable = errors.New("metric source unavailable")

// MetricSourceT indicates the type of metric source
type MetricSourceT string

const (
	// MetricSourceKube means use Kubernetes metrics API as the source
	MetricSourceKube MetricSourceT = "kubernetes"
	// MetricSourceCloudWatch means use AWS CloudWatch as the source
	MetricSourceCloudWatch MetricSourceT = "cloudwatch"
	// MetricSourcePrometheus means evaluate a PromQL query against a Prometheus server
	MetricSourcePrometheus MetricSourceT = "prometheus"
	// MetricSourceFake is used to test
	MetricSourceFake MetricSourceT = "fake"
)

// SupportSourceType returns the list of supporting types of metric source
// Update this func when new type is added
func SupportSourceType() string {
	return fmt.Sprintf("\"%s\", \"%s\", \"%s\", \"%s\"",
		MetricSourceKube, MetricSourceCloudWatch, MetricSourcePrometheus, MetricSourceFake)
}

// MetricT is the type of metric a metric source supports
type MetricT string

const (
	// MetricMem indicates memory utilization
	MetricMem MetricT = "memory"
	// MetricCPU indicates cpu utilization
	MetricCPU MetricT = "cpu"
)

// ValidMetricT checks if t is a supported metric type
func ValidMetricT(t MetricT) bool {
	return t == MetricCPU || t == MetricMem
}

// Sample is a single aggregated utilization reading of a fleet.
// Utilization is expressed in percent, e.g. 75 means 75%.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// MetricSource is the interface for retrieving metrics
type MetricSource interface {
	Type() MetricSourceT
	// GetSample returns the latest aggregated utilization of the fleet
	// this source is bound to.
	// An error wrapping ErrSourceUnavailable is returned if there is no reading.
	GetSample(ctx context.Context) (Sample, error)
}

func unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSourceUnavailable, fmt.Sprintf(format, args...))
}
