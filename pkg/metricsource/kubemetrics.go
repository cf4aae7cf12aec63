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
	"sync"
	"time"

	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/util"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	metricsapi "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	resourceclient "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"
)

// use to cache metrics instead of requesting each time calculator tries to get metrics
type metricsCache struct {
	store      map[string]metricsapi.PodMetrics
	expireTime time.Duration
	lastUpdate time.Time
	synced     bool
}

func (c *metricsCache) isExpired(now time.Time) bool {
	return now.After(c.lastUpdate.Add(c.expireTime))
}

func (c *metricsCache) isSynced() bool {
	return c.synced
}

func (c *metricsCache) update(store map[string]metricsapi.PodMetrics, now time.Time) {
	c.store = store
	c.lastUpdate = now
	c.synced = true
}

// KubeConfig is the configuration of a Kubernetes metric source
type KubeConfig struct {
	// Namespace where pods of the fleet run
	Namespace string
	// LabelSelector selects pods of the fleet, e.g. "app=web"
	LabelSelector string
	// Metric is the resource whose utilization is reported
	Metric MetricT
	// CacheExpireTime is for how long metrics can be read from cache since a update
	CacheExpireTime time.Duration
}

// kubeMetricSource is an implementation of MetricSource interface
// which gets metrics via kubernetes standard metrics API.
// Utilization is the sum of usage divided by the sum of requests
// across all pods having both metrics and requests.
type kubeMetricSource struct {
	pods     corev1client.PodsGetter
	metrics  resourceclient.PodMetricsesGetter
	cfg      KubeConfig
	selector labels.Selector

	lock  sync.Mutex
	cache *metricsCache
	now   func() time.Time
}

// NewKubeMetricSource create a new Kubernetes metric source
func NewKubeMetricSource(pods corev1client.PodsGetter, metrics resourceclient.PodMetricsesGetter, cfg KubeConfig) (MetricSource, error) {
	if !ValidMetricT(cfg.Metric) {
		return nil, fmt.Errorf("unknown metric type %q", cfg.Metric)
	}
	ls, err := util.ParseSelector(cfg.LabelSelector)
	if err != nil {
		logger.Error(err, "failed to parse label selector", "label selector", cfg.LabelSelector)
		return nil, err
	}

	return &kubeMetricSource{
		pods:     pods,
		metrics:  metrics,
		cfg:      cfg,
		selector: ls,
		cache:    &metricsCache{expireTime: cfg.CacheExpireTime},
		now:      time.Now,
	}, nil
}

// Type implement Type in MetricSource interface
func (k *kubeMetricSource) Type() MetricSourceT {
	return MetricSourceKube
}

func (k *kubeMetricSource) listNoCache(ctx context.Context) (map[string]metricsapi.PodMetrics, error) {
	pml, err := k.metrics.PodMetricses(k.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: k.selector.String()})
	if err != nil {
		logger.Error(err, "failed to list pod metrics with label selector", "label selector", k.selector)
		return nil, err
	}

	ret := map[string]metricsapi.PodMetrics{}
	for _, pm := range pml.Items {
		ret[pm.Name] = pm
	}
	return ret, nil
}

func (k *kubeMetricSource) podMetrics(ctx context.Context) (map[string]metricsapi.PodMetrics, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	if !k.cache.isSynced() || k.cache.isExpired(k.now()) {
		store, err := k.listNoCache(ctx)
		if err != nil {
			return nil, err
		}
		k.cache.update(store, k.now())
	}
	return k.cache.store, nil
}

func (k *kubeMetricSource) resourceName() v1.ResourceName {
	if k.cfg.Metric == MetricMem {
		return v1.ResourceMemory
	}
	return v1.ResourceCPU
}

// GetSample implements GetSample in MetricSource interface
func (k *kubeMetricSource) GetSample(ctx context.Context) (Sample, error) {
	store, err := k.podMetrics(ctx)
	if err != nil {
		return Sample{}, unavailable("list pod metrics: %v", err)
	}

	pl, err := k.pods.Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: k.selector.String()})
	if err != nil {
		logger.Error(err, "failed to list pods with label selector", "label selector", k.selector)
		return Sample{}, unavailable("list pods: %v", err)
	}

	rn := k.resourceName()
	var usage, request int64
	var oldest time.Time
	counted := 0
	for _, pod := range pl.Items {
		if pod.Status.Phase != v1.PodRunning {
			continue
		}
		pm, ok := store[pod.Name]
		if !ok {
			logger.V(4).Info("metrics for pod is missing, skip this pod", "pod", pod.Name)
			continue
		}
		req := podRequest(&pod, rn)
		if req == 0 {
			logger.V(4).Info("pod has no resource request, skip this pod", "pod", pod.Name, "resource", rn)
			continue
		}
		usage += podUsage(&pm, rn)
		request += req
		if counted == 0 || pm.Timestamp.Time.Before(oldest) {
			oldest = pm.Timestamp.Time
		}
		counted++
	}

	if counted == 0 {
		return Sample{}, unavailable("no running pod with both metrics and requests in namespace %s", k.cfg.Namespace)
	}

	return Sample{
		Value:     float64(usage) / float64(request) * 100,
		Timestamp: oldest,
	}, nil
}

func podRequest(pod *v1.Pod, rn v1.ResourceName) int64 {
	var sum int64
	for _, c := range pod.Spec.Containers {
		if q, ok := c.Resources.Requests[rn]; ok {
			sum += quantityValue(&q, rn)
		}
	}
	return sum
}

func podUsage(pm *metricsapi.PodMetrics, rn v1.ResourceName) int64 {
	var sum int64
	for _, c := range pm.Containers {
		if q, ok := c.Usage[rn]; ok {
			sum += quantityValue(&q, rn)
		}
	}
	return sum
}

// cpu is compared in millicores, memory in bytes
func quantityValue(q *resource.Quantity, rn v1.ResourceName) int64 {
	if rn == v1.ResourceCPU {
		return q.MilliValue()
	}
	return q.Value()
}
