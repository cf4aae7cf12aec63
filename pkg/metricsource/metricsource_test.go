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
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	kubefake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsapi "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"
)

func TestFake(t *testing.T) {
	f := NewFake()
	if _, err := f.GetSample(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("GetSample() error = %v, want ErrSourceUnavailable", err)
	}

	now := time.Now()
	f.Set(Sample{Value: 42, Timestamp: now})
	s, err := f.GetSample(context.Background())
	if err != nil {
		t.Fatalf("GetSample() error = %v", err)
	}
	if s.Value != 42 || !s.Timestamp.Equal(now) {
		t.Errorf("GetSample() = %+v, want value 42 at %v", s, now)
	}

	boom := errors.New("boom")
	f.Fail(boom)
	if _, err := f.GetSample(context.Background()); !errors.Is(err, boom) {
		t.Errorf("GetSample() error = %v, want %v", err, boom)
	}
}

func runningPod(name, cpu string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "web", Labels: map[string]string{"app": "web"}},
		Spec: v1.PodSpec{Containers: []v1.Container{{
			Name: "app",
			Resources: v1.ResourceRequirements{Requests: v1.ResourceList{
				v1.ResourceCPU: resource.MustParse(cpu),
			}},
		}}},
		Status: v1.PodStatus{Phase: v1.PodRunning},
	}
}

func podMetrics(name, cpu string, ts time.Time) metricsapi.PodMetrics {
	return metricsapi.PodMetrics{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "web", Labels: map[string]string{"app": "web"}},
		Timestamp:  metav1.NewTime(ts),
		Containers: []metricsapi.ContainerMetrics{{
			Name:  "app",
			Usage: v1.ResourceList{v1.ResourceCPU: resource.MustParse(cpu)},
		}},
	}
}

func newMetricsClient(items ...metricsapi.PodMetrics) (*metricsfake.Clientset, *int) {
	calls := 0
	mc := metricsfake.NewSimpleClientset()
	mc.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		return true, &metricsapi.PodMetricsList{Items: items}, nil
	})
	return mc, &calls
}

func TestKubeMetricSource(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(-15 * time.Second)

	pending := runningPod("web-3", "500m")
	pending.Status.Phase = v1.PodPending

	kc := kubefake.NewSimpleClientset(
		runningPod("web-1", "500m"),
		runningPod("web-2", "500m"),
		pending,
	)
	mc, calls := newMetricsClient(
		podMetrics("web-1", "400m", t1),
		podMetrics("web-2", "300m", t2),
		podMetrics("web-3", "500m", t1),
	)

	src, err := NewKubeMetricSource(kc.CoreV1(), mc.MetricsV1beta1(), KubeConfig{
		Namespace:       "web",
		LabelSelector:   "app=web",
		Metric:          MetricCPU,
		CacheExpireTime: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewKubeMetricSource() error = %v", err)
	}

	s, err := src.GetSample(context.Background())
	if err != nil {
		t.Fatalf("GetSample() error = %v", err)
	}
	// (400m + 300m) / (500m + 500m)
	if math.Abs(s.Value-70) > 1e-9 {
		t.Errorf("Value = %v, want 70", s.Value)
	}
	if !s.Timestamp.Equal(t2) {
		t.Errorf("Timestamp = %v, want oldest %v", s.Timestamp, t2)
	}

	if _, err := src.GetSample(context.Background()); err != nil {
		t.Fatalf("GetSample() error = %v", err)
	}
	if *calls != 1 {
		t.Errorf("pod metrics listed %d times, want 1 while cache is fresh", *calls)
	}
}

func TestKubeMetricSourceNoPods(t *testing.T) {
	kc := kubefake.NewSimpleClientset()
	mc, _ := newMetricsClient()
	src, err := NewKubeMetricSource(kc.CoreV1(), mc.MetricsV1beta1(), KubeConfig{
		Namespace: "web",
		Metric:    MetricCPU,
	})
	if err != nil {
		t.Fatalf("NewKubeMetricSource() error = %v", err)
	}
	if _, err := src.GetSample(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("GetSample() error = %v, want ErrSourceUnavailable", err)
	}
}

func TestKubeMetricSourceRejectsUnknownMetric(t *testing.T) {
	kc := kubefake.NewSimpleClientset()
	mc, _ := newMetricsClient()
	if _, err := NewKubeMetricSource(kc.CoreV1(), mc.MetricsV1beta1(), KubeConfig{Metric: "disk"}); err == nil {
		t.Error("NewKubeMetricSource() error = nil, want error for unknown metric")
	}
}

type fakeCloudWatch struct {
	out   *cloudwatch.GetMetricStatisticsOutput
	err   error
	input *cloudwatch.GetMetricStatisticsInput
}

func (f *fakeCloudWatch) GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput,
	optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.input = params
	return f.out, f.err
}

func TestCloudWatchMetricSource(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cw := &fakeCloudWatch{out: &cloudwatch.GetMetricStatisticsOutput{
		Datapoints: []cwtypes.Datapoint{
			{Average: aws.Float64(40), Timestamp: aws.Time(now.Add(-2 * time.Minute))},
			{Average: aws.Float64(75), Timestamp: aws.Time(now.Add(-time.Minute))},
			{Timestamp: aws.Time(now)},
		},
	}}
	src, err := NewCloudWatchMetricSource(cw, CloudWatchConfig{
		ClusterName: "main",
		ServiceName: "web",
		Metric:      MetricCPU,
		Period:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCloudWatchMetricSource() error = %v", err)
	}
	src.(*cloudWatchMetricSource).now = func() time.Time { return now }

	s, err := src.GetSample(context.Background())
	if err != nil {
		t.Fatalf("GetSample() error = %v", err)
	}
	if s.Value != 75 {
		t.Errorf("Value = %v, want 75", s.Value)
	}
	if got := aws.ToString(cw.input.MetricName); got != "CPUUtilization" {
		t.Errorf("MetricName = %q, want CPUUtilization", got)
	}
	if got := aws.ToInt32(cw.input.Period); got != 60 {
		t.Errorf("Period = %d, want 60", got)
	}

	cw.out = &cloudwatch.GetMetricStatisticsOutput{}
	if _, err := src.GetSample(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("GetSample() error = %v, want ErrSourceUnavailable without datapoints", err)
	}

	cw.err = errors.New("throttled")
	if _, err := src.GetSample(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("GetSample() error = %v, want ErrSourceUnavailable on API failure", err)
	}
}

func TestCloudWatchMetricSourceWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cw := &fakeCloudWatch{out: &cloudwatch.GetMetricStatisticsOutput{
		Datapoints: []cwtypes.Datapoint{
			{Average: aws.Float64(55), Timestamp: aws.Time(now.Add(-4 * time.Minute))},
		},
	}}
	cfg := CloudWatchConfig{ClusterName: "main", ServiceName: "web", Metric: MetricCPU, Period: time.Minute}

	src, err := NewCloudWatchMetricSource(cw, cfg)
	if err != nil {
		t.Fatal(err)
	}
	src.(*cloudWatchMetricSource).now = func() time.Time { return now }
	if _, err := src.GetSample(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := aws.ToTime(cw.input.StartTime); !got.Equal(now.Add(-2 * time.Minute)) {
		t.Errorf("StartTime = %v, want two periods back", got)
	}

	cfg.Window = 5 * time.Minute
	src, err = NewCloudWatchMetricSource(cw, cfg)
	if err != nil {
		t.Fatal(err)
	}
	src.(*cloudWatchMetricSource).now = func() time.Time { return now }
	s, err := src.GetSample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := aws.ToTime(cw.input.StartTime); !got.Equal(now.Add(-5 * time.Minute)) {
		t.Errorf("StartTime = %v, want five minutes back", got)
	}
	if s.Value != 55 {
		t.Errorf("Value = %v, want 55", s.Value)
	}

	cfg.Period = 90 * time.Second
	if _, err := NewCloudWatchMetricSource(cw, cfg); err == nil {
		t.Error("NewCloudWatchMetricSource() accepted a period of 90s")
	}
}

func TestPrometheusMetricSourceKeepsNaN(t *testing.T) {
	bodies := map[string]string{
		"vector": `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1767225600,"NaN"]}]}}`,
		"scalar": `{"status":"success","data":{"resultType":"scalar","result":[1767225600,"NaN"]}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, body)
			}))
			defer srv.Close()

			src, err := NewPrometheusMetricSource(srv.URL, "avg(rate(cpu[1m]))")
			if err != nil {
				t.Fatal(err)
			}
			s, err := src.GetSample(context.Background())
			if err != nil {
				t.Fatalf("GetSample() error = %v, want the NaN value", err)
			}
			if !math.IsNaN(s.Value) {
				t.Errorf("Value = %v, want NaN", s.Value)
			}
		})
	}
}

func TestPrometheusMetricSource(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{
			name: "vector",
			body: `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1767225600,"75.5"]}]}}`,
			want: 75.5,
		},
		{
			name: "scalar",
			body: `{"status":"success","data":{"resultType":"scalar","result":[1767225600,"12"]}}`,
			want: 12,
		},
		{
			name:    "empty vector",
			body:    `{"status":"success","data":{"resultType":"vector","result":[]}}`,
			wantErr: true,
		},
		{
			name: "too many series",
			body: `{"status":"success","data":{"resultType":"vector","result":[` +
				`{"metric":{"pod":"a"},"value":[1767225600,"1"]},{"metric":{"pod":"b"},"value":[1767225600,"2"]}]}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			src, err := NewPrometheusMetricSource(srv.URL, "avg(rate(cpu[1m]))")
			if err != nil {
				t.Fatalf("NewPrometheusMetricSource() error = %v", err)
			}
			s, err := src.GetSample(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrSourceUnavailable) {
					t.Fatalf("GetSample() error = %v, want ErrSourceUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetSample() error = %v", err)
			}
			if s.Value != tt.want {
				t.Errorf("Value = %v, want %v", s.Value, tt.want)
			}
			if s.Timestamp.Unix() != 1767225600 {
				t.Errorf("Timestamp = %v, want unix 1767225600", s.Timestamp)
			}
		})
	}
}

func TestPrometheusMetricSourceServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := NewPrometheusMetricSource(srv.URL, "up")
	if err != nil {
		t.Fatalf("NewPrometheusMetricSource() error = %v", err)
	}
	if _, err := src.GetSample(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("GetSample() error = %v, want ErrSourceUnavailable", err)
	}
}
