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
	"fmt"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// promMetricSource evaluates an instant PromQL query which
// must yield a scalar or a single-element vector
type promMetricSource struct {
	api   promv1.API
	query string
	now   func() time.Time
}

// NewPrometheusMetricSource creates a metric source querying the Prometheus
// server at address
func NewPrometheusMetricSource(address, query string) (MetricSource, error) {
	if query == "" {
		return nil, fmt.Errorf("query must be set to use prometheus metric source")
	}
	client, err := promapi.NewClient(promapi.Config{Address: address})
	if err != nil {
		logger.Error(err, "failed to create prometheus client", "address", address)
		return nil, err
	}
	return &promMetricSource{
		api:   promv1.NewAPI(client),
		query: query,
		now:   time.Now,
	}, nil
}

func (p *promMetricSource) Type() MetricSourceT {
	return MetricSourcePrometheus
}

func (p *promMetricSource) GetSample(ctx context.Context) (Sample, error) {
	val, warnings, err := p.api.Query(ctx, p.query, p.now())
	if err != nil {
		logger.Error(err, "failed to query prometheus", "query", p.query)
		return Sample{}, unavailable("query prometheus: %v", err)
	}
	if len(warnings) > 0 {
		logger.V(2).Info("prometheus returned warnings", "query", p.query, "warnings", warnings)
	}

	switch v := val.(type) {
	case *model.Scalar:
		return Sample{Value: float64(v.Value), Timestamp: v.Timestamp.Time()}, nil
	case model.Vector:
		if len(v) == 0 {
			return Sample{}, unavailable("query %q returned an empty vector", p.query)
		}
		if len(v) > 1 {
			return Sample{}, unavailable("query %q returned %d series, want 1", p.query, len(v))
		}
		return Sample{Value: float64(v[0].Value), Timestamp: v[0].Timestamp.Time()}, nil
	default:
		return Sample{}, unavailable("query %q returned unsupported type %s", p.query, val.Type())
	}
}
