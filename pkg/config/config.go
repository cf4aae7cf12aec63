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
	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
	pv "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/provisioner"
)

const (
	defaultMetricSource ms.MetricSourceT = ms.MetricSourceKube
	defaultMetric       ms.MetricT       = ms.MetricCPU
	defaultProvisioner  pv.ProvisionerT  = pv.ProvisionerKubeDeployment

	// DefaultGroupName is the name of the scaling group built from
	// global flags when no scaling group file is given
	DefaultGroupName = "default"
)

// Config presents configuration needed.
// The mapstructure tags match flag names so that flags, environment
// variables and the config file can be unmarshalled by viper.
type Config struct {
	// KubeConfigFile is the path to a kubeconfig file
	// If this is empty, in-cluster config is used
	KubeConfigFile string `mapstructure:"kubeconfig"`

	// RancherUrl is the url of Rancher
	RancherURL string `mapstructure:"rancher-url"`

	// RancherToken is used to access Rancher at RancherURL
	RancherToken string `mapstructure:"rancher-token"`

	// RancherCA is the path to a CA to validate Rancher server
	// Insecure connection is used if this is empty
	RancherCA string `mapstructure:"rancher-ca"`

	// AWSRegion overrides the region of the default AWS configuration chain
	AWSRegion string `mapstructure:"aws-region"`

	// PrometheusURL is the address of a Prometheus server
	PrometheusURL string `mapstructure:"prometheus-url"`

	// RedisAddr enables recording scale events to redis if set
	RedisAddr string `mapstructure:"redis-addr"`

	RedisPassword string `mapstructure:"redis-password"`

	RedisDB int `mapstructure:"redis-db"`

	// PostgresDSN enables recording scale events to postgres if set
	PostgresDSN string `mapstructure:"postgres-dsn"`

	// MetricsAddr is where Prometheus metrics are served, disabled if empty
	MetricsAddr string `mapstructure:"metrics-addr"`

	// CacheResyncPeriod is the period in seconds in which all deployments in cache are revisited
	CacheResyncPeriod int `mapstructure:"cache-resync-period"`

	// ScalingGroupConfig is the path to a file that claims configurations
	// of different scaling groups
	ScalingGroupConfig string `mapstructure:"scaling-group-config"`

	/*
	 * below parameters can be overrided by scaling group specific configurations
	 *
	 */

	// MetricSource indicates the source where samples are read
	MetricSource ms.MetricSourceT `mapstructure:"metric-source"`

	// Metric is the resource measured by kubernetes and cloudwatch sources
	Metric ms.MetricT `mapstructure:"metric"`

	// PrometheusQuery is an instant PromQL query returning a single percentage
	PrometheusQuery string `mapstructure:"prometheus-query"`

	// MetricsCalculatePeriod is the period in seconds in which samples are evaluated
	MetricsCalculatePeriod int `mapstructure:"metrics-cal-period"`

	// MetricStaleness is the maximum age in seconds of a usable sample,
	// 0 means twice the period
	MetricStaleness int `mapstructure:"metric-staleness"`

	// MetricCacheExpireTime indicates for how long in seconds metrics can be read from cache since a update
	MetricCacheExpireTime int `mapstructure:"metric-cache-expire-time"`

	// TickTimeout bounds in seconds every call to a metric source or provisioner
	TickTimeout int `mapstructure:"tick-timeout"`

	// ScaleUpThreshold is the utilization in percent above which the scale up alarm counts a period
	ScaleUpThreshold float64 `mapstructure:"scale-up-threshold"`

	// ScaleDownThreshold is the utilization in percent below which the scale down alarm counts a period
	ScaleDownThreshold float64 `mapstructure:"scale-down-threshold"`

	ScaleUpEvaluationPeriods int `mapstructure:"scale-up-evaluation-periods"`

	ScaleDownEvaluationPeriods int `mapstructure:"scale-down-evaluation-periods"`

	// ScaleUpAdjustment is added to the capacity on scaling up, must be positive
	ScaleUpAdjustment int `mapstructure:"scale-up-adjustment"`

	// ScaleDownAdjustment is added to the capacity on scaling down, must be negative
	ScaleDownAdjustment int `mapstructure:"scale-down-adjustment"`

	// ScaleUpCoolDown is the time in seconds after a scaling up before the next scaling
	ScaleUpCoolDown int `mapstructure:"scale-up-cool-down"`

	// ScaleDownCoolDown is the time in seconds after a scaling down before the next scaling
	ScaleDownCoolDown int `mapstructure:"scale-down-cool-down"`

	MinCapacity int `mapstructure:"min-capacity"`

	MaxCapacity int `mapstructure:"max-capacity"`

	// InitialCapacity is the starting capacity, negative means
	// reading it from the backend
	InitialCapacity int `mapstructure:"initial-capacity"`

	// Provisioner indicates the type of backend whose capacity is managed
	Provisioner pv.ProvisionerT `mapstructure:"provisioner"`

	// Namespace of the deployment and of pods measured by the kubernetes source
	Namespace string `mapstructure:"namespace"`

	// Deployment is the name of the deployment scaled by "kubedeployment"
	Deployment string `mapstructure:"deployment"`

	// LabelSelector selects pods measured by the kubernetes source
	LabelSelector string `mapstructure:"label-selector"`

	ECSCluster string `mapstructure:"ecs-cluster"`

	ECSService string `mapstructure:"ecs-service"`

	// RancherAnnotationNamespace is the name of the namespace
	// with the annotation "field.cattle.io/projectId"
	// from which the ID of the local cluster is derived
	RancherAnnotationNamespace string `mapstructure:"rancher-annotation-namespace"`

	// RancherNodePoolNamePrefix is the name prefix of the node pool in Rancher
	RancherNodePoolNamePrefix string `mapstructure:"rancher-node-pool-name-prefix"`
}

// NewConfig returns an empty configuration
// Do not use klogr here as klogr is not initialized yet
func NewConfig() Config {
	return Config{}
}

// Default set default values to configuration
// Do not use klogr here as klogr is not initialized yet
func Default(cfg *Config) {
	cfg.MetricsAddr = ":9090"
	cfg.CacheResyncPeriod = 0
	cfg.ScalingGroupConfig = ""
	cfg.MetricSource = defaultMetricSource
	cfg.Metric = defaultMetric
	cfg.MetricsCalculatePeriod = 60
	cfg.MetricStaleness = 0
	cfg.MetricCacheExpireTime = 10
	cfg.TickTimeout = 10
	cfg.ScaleUpThreshold = 70
	cfg.ScaleDownThreshold = 30
	cfg.ScaleUpEvaluationPeriods = 2
	cfg.ScaleDownEvaluationPeriods = 2
	cfg.ScaleUpAdjustment = 1
	cfg.ScaleDownAdjustment = -1
	cfg.ScaleUpCoolDown = 60
	cfg.ScaleDownCoolDown = 300
	cfg.MinCapacity = 1
	cfg.MaxCapacity = 3
	cfg.InitialCapacity = -1
	cfg.Provisioner = defaultProvisioner
	cfg.Namespace = "default"
	cfg.RancherAnnotationNamespace = "cattle-system"
}
