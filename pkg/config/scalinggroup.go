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

package config

import (
	"fmt"
	"strings"

	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
	pv "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/provisioner"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/util"
	"github.com/go-logr/logr"
)

// ConfigurationError reports an invalid scaling group, it is fatal at startup
type ConfigurationError struct {
	Group    string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration of scaling group %q: %s", e.Group, strings.Join(e.Problems, "; "))
}

// ScalingGroupList represents a list of scaling groups
type ScalingGroupList struct {
	ScalingGroups []ScalingGroup `mapstructure:"scalingGroups"`
}

// ScalingGroup is one fleet whose capacity is scaled in steps upon
// a single utilization metric. Different groups run independently.
type ScalingGroup struct {
	// Name is the unique name of the scaling group
	Name string `mapstructure:"name"`
	// MetricsCalculatePeriod is the period in seconds in which samples are evaluated
	MetricsCalculatePeriod int `mapstructure:"metricsCalculatePeriod"`
	// MetricStaleness is the maximum age in seconds of a usable sample
	MetricStaleness int `mapstructure:"metricStaleness"`
	// TickTimeout bounds in seconds every backend call
	TickTimeout int `mapstructure:"tickTimeout"`
	// ScaleUp is the step policy applied when utilization is high
	ScaleUp StepPolicy `mapstructure:"scaleUp"`
	// ScaleDown is the step policy applied when utilization is low
	ScaleDown StepPolicy `mapstructure:"scaleDown"`
	// MetricSource is where samples of this group are read
	MetricSource MetricSource `mapstructure:"metricSource"`
	// Provisioner is the backend whose capacity is set
	Provisioner Provisioner `mapstructure:"provisioner"`
}

// StepPolicy is an alarm plus the adjustment it triggers
type StepPolicy struct {
	// Threshold in percent
	Threshold float64 `mapstructure:"threshold"`
	// EvaluationPeriods is how many consecutive samples must break the threshold
	EvaluationPeriods int `mapstructure:"evaluationPeriods"`
	// Adjustment is added to capacity when the alarm goes off
	Adjustment int `mapstructure:"adjustment"`
	// CoolDown in seconds
	CoolDown int `mapstructure:"coolDown"`
}

// MetricSource represents a type of metrics source.
type MetricSource struct {
	// Type of metrics source, one of "kubernetes", "cloudwatch", "prometheus", "fake"
	Type ms.MetricSourceT `mapstructure:"type"`
	// Metric is either "cpu" or "memory", unused by "prometheus"
	Metric ms.MetricT `mapstructure:"metric"`
	// Namespace of pods, used by "kubernetes"
	Namespace string `mapstructure:"namespace"`
	// LabelSelector selects pods, used by "kubernetes"
	LabelSelector string `mapstructure:"labelSelector"`
	// CacheExpireTime indicates for how long in seconds metrics
	// can be read from cache since a update
	CacheExpireTime int `mapstructure:"cacheExpireTime"`
	// Query is the PromQL query, used by "prometheus"
	Query string `mapstructure:"query"`
	// ECSCluster and ECSService are the dimensions used by "cloudwatch"
	ECSCluster string `mapstructure:"ecsCluster"`
	ECSService string `mapstructure:"ecsService"`
}

// Provisioner represents a type of backend provisioner
type Provisioner struct {
	// Type of provisioner, one of "kubedeployment", "ecsservice", "ranchernodepool", "fake"
	Type pv.ProvisionerT `mapstructure:"type"`
	// MinCapacity and MaxCapacity bound the desired capacity.
	// MinCapacity is a pointer as 0 is a valid minimum, nil inherits the global one
	MinCapacity *int `mapstructure:"minCapacity"`
	MaxCapacity int  `mapstructure:"maxCapacity"`
	// InitialCapacity is the starting capacity, negative reads it from the backend,
	// nil inherits the global one
	InitialCapacity *int `mapstructure:"initialCapacity"`

	// Namespace and Deployment identify the target of "kubedeployment"
	Namespace  string `mapstructure:"namespace"`
	Deployment string `mapstructure:"deployment"`

	// ECSCluster and ECSService identify the target of "ecsservice"
	ECSCluster string `mapstructure:"ecsCluster"`
	ECSService string `mapstructure:"ecsService"`

	// RancherAnnotationNamespace is the name of the namespace
	// with the annotation "field.cattle.io/projectId"
	RancherAnnotationNamespace string `mapstructure:"rancherAnnotationNamespace,omitempty"`

	// RancherNodePoolNamePrefix is the name prefix of a node pool in Rancher
	// This only effects when ranchernodepool is used as backend
	RancherNodePoolNamePrefix string `mapstructure:"rancherNodePoolNamePrefix,omitempty"`
}

// Print logs parameters of the scaling group
func (a *ScalingGroup) Print(logger logr.Logger) {
	logger.Info("scaling group",
		"name", a.Name,
		"metricsCalculatePeriod", a.MetricsCalculatePeriod,
		"metricStaleness", a.MetricStaleness,
		"tickTimeout", a.TickTimeout,
		"scaleUp", fmt.Sprintf("%+v", a.ScaleUp),
		"scaleDown", fmt.Sprintf("%+v", a.ScaleDown),
		"metricSourceType", a.MetricSource.Type,
		"metric", a.MetricSource.Metric,
		"provisionerType", a.Provisioner.Type,
		"minCapacity", intValue(a.Provisioner.MinCapacity),
		"maxCapacity", a.Provisioner.MaxCapacity,
		"initialCapacity", intValue(a.Provisioner.InitialCapacity))
	switch a.Provisioner.Type {
	case pv.ProvisionerKubeDeployment:
		logger.Info("scaling group target", "name", a.Name,
			"namespace", a.Provisioner.Namespace, "deployment", a.Provisioner.Deployment)
	case pv.ProvisionerECSService:
		logger.Info("scaling group target", "name", a.Name,
			"ecsCluster", a.Provisioner.ECSCluster, "ecsService", a.Provisioner.ECSService)
	case pv.ProvisionerRancherNodePool:
		logger.Info("scaling group target", "name", a.Name,
			"rancherAnnotationNamespace", a.Provisioner.RancherAnnotationNamespace,
			"rancherNodePoolNamePrefix", a.Provisioner.RancherNodePoolNamePrefix)
	}
}

// IntPtr returns a pointer to n
func IntPtr(n int) *int {
	return &n
}

func intValue(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func mergeStep(p *StepPolicy, threshold float64, periods, adjustment, coolDown int) {
	if p.Threshold == 0 {
		p.Threshold = threshold
	}
	if p.EvaluationPeriods == 0 {
		p.EvaluationPeriods = periods
	}
	if p.Adjustment == 0 {
		p.Adjustment = adjustment
	}
	if p.CoolDown == 0 {
		p.CoolDown = coolDown
	}
}

// Merge merges parameters from main config into fields left unset
func (a *ScalingGroup) Merge(cfg Config) {
	if a.MetricsCalculatePeriod == 0 {
		a.MetricsCalculatePeriod = cfg.MetricsCalculatePeriod
	}
	if a.MetricStaleness == 0 {
		a.MetricStaleness = cfg.MetricStaleness
	}
	if a.TickTimeout == 0 {
		a.TickTimeout = cfg.TickTimeout
	}
	mergeStep(&a.ScaleUp, cfg.ScaleUpThreshold, cfg.ScaleUpEvaluationPeriods, cfg.ScaleUpAdjustment, cfg.ScaleUpCoolDown)
	mergeStep(&a.ScaleDown, cfg.ScaleDownThreshold, cfg.ScaleDownEvaluationPeriods, cfg.ScaleDownAdjustment, cfg.ScaleDownCoolDown)

	m := &a.MetricSource
	if m.Type == "" {
		m.Type = cfg.MetricSource
	}
	if m.Metric == "" {
		m.Metric = cfg.Metric
	}
	if m.Namespace == "" {
		m.Namespace = cfg.Namespace
	}
	if m.LabelSelector == "" {
		m.LabelSelector = cfg.LabelSelector
	}
	if m.CacheExpireTime == 0 {
		m.CacheExpireTime = cfg.MetricCacheExpireTime
	}
	if m.Query == "" {
		m.Query = cfg.PrometheusQuery
	}
	if m.ECSCluster == "" {
		m.ECSCluster = cfg.ECSCluster
	}
	if m.ECSService == "" {
		m.ECSService = cfg.ECSService
	}

	p := &a.Provisioner
	if p.Type == "" {
		p.Type = cfg.Provisioner
	}
	if p.MinCapacity == nil {
		p.MinCapacity = IntPtr(cfg.MinCapacity)
	}
	if p.MaxCapacity == 0 {
		p.MaxCapacity = cfg.MaxCapacity
	}
	if p.InitialCapacity == nil {
		p.InitialCapacity = IntPtr(cfg.InitialCapacity)
	}
	switch p.Type {
	case pv.ProvisionerKubeDeployment:
		if p.Namespace == "" {
			p.Namespace = cfg.Namespace
		}
		if p.Deployment == "" {
			p.Deployment = cfg.Deployment
		}
	case pv.ProvisionerECSService:
		if p.ECSCluster == "" {
			p.ECSCluster = cfg.ECSCluster
		}
		if p.ECSService == "" {
			p.ECSService = cfg.ECSService
		}
	case pv.ProvisionerRancherNodePool:
		if p.RancherAnnotationNamespace == "" {
			p.RancherAnnotationNamespace = cfg.RancherAnnotationNamespace
		}
		if p.RancherNodePoolNamePrefix == "" {
			p.RancherNodePoolNamePrefix = cfg.RancherNodePoolNamePrefix
		}
	}
}

// Convert generates a ScalingGroup with given name
// on values from main config
func Convert(cfg Config, name string) ScalingGroup {
	a := ScalingGroup{Name: name}
	a.Merge(cfg)
	return a
}

// Validate checks the scaling group is usable, it returns a *ConfigurationError
// listing every problem found
func (a *ScalingGroup) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if a.Name == "" {
		fail("name is required")
	}
	if a.MetricsCalculatePeriod <= 0 {
		fail("metricsCalculatePeriod must be positive, got %d", a.MetricsCalculatePeriod)
	}
	if a.MetricStaleness < 0 {
		fail("metricStaleness must not be negative, got %d", a.MetricStaleness)
	}
	if a.TickTimeout < 0 {
		fail("tickTimeout must not be negative, got %d", a.TickTimeout)
	}
	if a.ScaleUp.EvaluationPeriods < 1 {
		fail("scaleUp.evaluationPeriods must be positive, got %d", a.ScaleUp.EvaluationPeriods)
	}
	if a.ScaleDown.EvaluationPeriods < 1 {
		fail("scaleDown.evaluationPeriods must be positive, got %d", a.ScaleDown.EvaluationPeriods)
	}
	if a.ScaleUp.Threshold <= a.ScaleDown.Threshold {
		fail("scaleUp.threshold %g must exceed scaleDown.threshold %g", a.ScaleUp.Threshold, a.ScaleDown.Threshold)
	}
	if a.ScaleUp.Adjustment <= 0 {
		fail("scaleUp.adjustment must be positive, got %d", a.ScaleUp.Adjustment)
	}
	if a.ScaleDown.Adjustment >= 0 {
		fail("scaleDown.adjustment must be negative, got %d", a.ScaleDown.Adjustment)
	}
	if a.ScaleUp.CoolDown < 0 || a.ScaleDown.CoolDown < 0 {
		fail("cool downs must not be negative, got %d/%d", a.ScaleUp.CoolDown, a.ScaleDown.CoolDown)
	}

	p := a.Provisioner
	switch {
	case p.MinCapacity == nil:
		fail("provisioner.minCapacity is required")
	case *p.MinCapacity < 0:
		fail("provisioner.minCapacity must not be negative, got %d", *p.MinCapacity)
	case p.MaxCapacity < *p.MinCapacity:
		fail("provisioner.maxCapacity %d is less than minCapacity %d", p.MaxCapacity, *p.MinCapacity)
	case p.InitialCapacity == nil:
		fail("provisioner.initialCapacity is required")
	case *p.InitialCapacity >= 0 && (*p.InitialCapacity < *p.MinCapacity || *p.InitialCapacity > p.MaxCapacity):
		fail("provisioner.initialCapacity %d is out of [%d, %d]", *p.InitialCapacity, *p.MinCapacity, p.MaxCapacity)
	}
	switch p.Type {
	case pv.ProvisionerKubeDeployment:
		if p.Deployment == "" {
			fail("provisioner.deployment is required by %s", p.Type)
		}
	case pv.ProvisionerECSService:
		if p.ECSCluster == "" || p.ECSService == "" {
			fail("provisioner.ecsCluster and provisioner.ecsService are required by %s", p.Type)
		}
	case pv.ProvisionerRancherNodePool:
		if p.RancherNodePoolNamePrefix == "" {
			fail("provisioner.rancherNodePoolNamePrefix is required by %s", p.Type)
		}
	case pv.ProvisionerFake:
	default:
		fail("unknown provisioner type %q, support: %s", p.Type, pv.SupportProvisionerType())
	}

	m := a.MetricSource
	switch m.Type {
	case ms.MetricSourceKube:
		if !ms.ValidMetricT(m.Metric) {
			fail("unknown metric %q", m.Metric)
		}
		if _, err := util.ParseSelector(m.LabelSelector); err != nil {
			fail("invalid metricSource.labelSelector %q: %v", m.LabelSelector, err)
		}
	case ms.MetricSourceCloudWatch:
		if !ms.ValidMetricT(m.Metric) {
			fail("unknown metric %q", m.Metric)
		}
		if m.ECSCluster == "" || m.ECSService == "" {
			fail("metricSource.ecsCluster and metricSource.ecsService are required by %s", m.Type)
		}
		if a.MetricsCalculatePeriod%60 != 0 {
			fail("metricsCalculatePeriod must be a multiple of 60 for %s, got %d", m.Type, a.MetricsCalculatePeriod)
		}
	case ms.MetricSourcePrometheus:
		if m.Query == "" {
			fail("metricSource.query is required by %s", m.Type)
		}
	case ms.MetricSourceFake:
	default:
		fail("unknown metric source type %q, support: %s", m.Type, ms.SupportSourceType())
	}

	if len(problems) > 0 {
		return &ConfigurationError{Group: a.Name, Problems: problems}
	}
	return nil
}
