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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const cloudWatchECSNamespace = "AWS/ECS"

var cloudWatchMetricName = map[MetricT]string{
	MetricCPU: "CPUUtilization",
	MetricMem: "MemoryUtilization",
}

// CloudWatchAPI is the part of the CloudWatch client used by the metric source
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput,
		optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// CloudWatchConfig is the configuration of a CloudWatch metric source
type CloudWatchConfig struct {
	// ClusterName is the ECS cluster name dimension
	ClusterName string
	// ServiceName is the ECS service name dimension
	ServiceName string
	// Metric is the resource whose utilization is reported
	Metric MetricT
	// Period is the aggregation period of a datapoint, a multiple of a minute
	Period time.Duration
	// Window is how far back datapoints are searched, at least two periods
	Window time.Duration
}

type cloudWatchMetricSource struct {
	client CloudWatchAPI
	cfg    CloudWatchConfig
	now    func() time.Time
}

// NewCloudWatchMetricSource creates a metric source reading average ECS service
// utilization from CloudWatch
func NewCloudWatchMetricSource(client CloudWatchAPI, cfg CloudWatchConfig) (MetricSource, error) {
	if _, ok := cloudWatchMetricName[cfg.Metric]; !ok {
		return nil, fmt.Errorf("unknown metric type %q", cfg.Metric)
	}
	if cfg.ClusterName == "" || cfg.ServiceName == "" {
		return nil, fmt.Errorf("both ECS cluster and service must be set to use cloudwatch metric source")
	}
	if cfg.Period < time.Minute {
		cfg.Period = time.Minute
	}
	if cfg.Period%time.Minute != 0 {
		return nil, fmt.Errorf("cloudwatch period must be a multiple of 60s, got %s", cfg.Period)
	}
	if cfg.Window < 2*cfg.Period {
		cfg.Window = 2 * cfg.Period
	}
	return &cloudWatchMetricSource{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

func (c *cloudWatchMetricSource) Type() MetricSourceT {
	return MetricSourceCloudWatch
}

// GetSample returns the most recent datapoint within the window
func (c *cloudWatchMetricSource) GetSample(ctx context.Context) (Sample, error) {
	end := c.now()
	start := end.Add(-c.cfg.Window)
	out, err := c.client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(cloudWatchECSNamespace),
		MetricName: aws.String(cloudWatchMetricName[c.cfg.Metric]),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("ClusterName"), Value: aws.String(c.cfg.ClusterName)},
			{Name: aws.String("ServiceName"), Value: aws.String(c.cfg.ServiceName)},
		},
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(int32(c.cfg.Period / time.Second)),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	if err != nil {
		logger.Error(err, "failed to get metric statistics", "cluster", c.cfg.ClusterName, "service", c.cfg.ServiceName)
		return Sample{}, unavailable("get metric statistics: %v", err)
	}

	var latest *cwtypes.Datapoint
	for i := range out.Datapoints {
		dp := &out.Datapoints[i]
		if dp.Average == nil || dp.Timestamp == nil {
			continue
		}
		if latest == nil || dp.Timestamp.After(*latest.Timestamp) {
			latest = dp
		}
	}
	if latest == nil {
		return Sample{}, unavailable("no datapoint for %s/%s since %s", c.cfg.ClusterName, c.cfg.ServiceName, start)
	}

	return Sample{
		Value:     aws.ToFloat64(latest.Average),
		Timestamp: aws.ToTime(latest.Timestamp),
	}, nil
}
