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

package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/config"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/controller"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/eventsink"
	mcalc "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metriccalc"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metrics"
	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
	pv "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/provisioner"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"

	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

const (
	shutdownTimeout     = 5 * time.Second
	cloudWatchStaleness = 5 * time.Minute
)

var logger = klogr.New().WithName("autoscaler")

type scalingGroup struct {
	name string
	// calculator evaluates when to scale for this group
	calculator *mcalc.Calculator
	// metrics source for this group
	metricsource ms.MetricSource
	// provisioner for this group
	provisioner pv.Provisioner
	// "namespace/name" of the scaled deployment, empty for other provisioners
	deploymentKey string
}

// Option customizes an AutoScaler
type Option func(*AutoScaler)

// WithKubeClient uses given clientset instead of one built from kubeconfig
func WithKubeClient(c kubernetes.Interface) Option {
	return func(a *AutoScaler) { a.clientset = c }
}

// WithMetricsClient uses given metrics clientset instead of one built from kubeconfig
func WithMetricsClient(c metricsclient.Interface) Option {
	return func(a *AutoScaler) { a.metricsClient = c }
}

// WithRecorder replaces recorders built from configuration
func WithRecorder(r mcalc.Recorder) Option {
	return func(a *AutoScaler) { a.recorder = r }
}

// AutoScaler is the main entity managing scaling groups
type AutoScaler struct {
	mainConfig config.Config

	// clients are created on first use
	clientset     kubernetes.Interface
	metricsClient metricsclient.Interface
	awsConfig     *aws.Config

	// deployment controllers indexed by namespace
	deploymentControllers map[string]*controller.DeploymentController

	// scaling groups indexed by name
	scalingGroups map[string]*scalingGroup

	recorder mcalc.Recorder
	closers  []io.Closer

	metricsServer *http.Server

	context context.Context

	// context to lower components
	lowerCtx context.Context
	// cancel func for lower context
	lowerCancel context.CancelFunc
	// used by lower component for notifying shutdown
	reverseCloseCh chan struct{}
	closeOnce      sync.Once
}

// NewAutoScaler creates an AutoScaler instance. Any configuration
// problem or failure to reach a backend is returned here.
func NewAutoScaler(ctx context.Context, cfg config.Config, opts ...Option) (*AutoScaler, error) {
	as := &AutoScaler{
		mainConfig:            cfg,
		context:               ctx,
		deploymentControllers: map[string]*controller.DeploymentController{},
		reverseCloseCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(as)
	}
	as.lowerCtx, as.lowerCancel = context.WithCancel(ctx)

	groupCfgs, err := as.loadScalingGroups()
	if err != nil {
		logger.Error(err, "failed to load scaling groups")
		as.abort()
		return nil, err
	}

	if as.recorder == nil {
		if err := as.createRecorders(); err != nil {
			as.abort()
			return nil, err
		}
	}

	as.scalingGroups = map[string]*scalingGroup{}
	for _, sgCfg := range groupCfgs {
		sg, err := as.genScalingGroup(sgCfg)
		if err != nil {
			logger.Error(err, "failed to generate scaling group", "scaling group name", sgCfg.Name)
			as.abort()
			return nil, err
		}
		as.scalingGroups[sg.name] = sg
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		as.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	return as, nil
}

// Run runs the main processing until the context is done
// or a lower component fails
func (a *AutoScaler) Run() {
	defer runtime.HandleCrash()
	defer klog.Flush()
	// recorders are closed after every calculator returned
	defer a.close()
	var wg sync.WaitGroup
	defer wg.Wait()

	// must be put below defer wg.Wait()
	defer a.lowerCancel()

	logger.Info("starting auto scaler", "scaling groups", len(a.scalingGroups))

	if a.metricsServer != nil {
		wg.Add(1)
		go a.serveMetrics(&wg)
	}
	for _, c := range a.deploymentControllers {
		wg.Add(1)
		go c.Run(&wg)
	}
	for _, sg := range a.scalingGroups {
		wg.Add(1)
		go sg.calculator.Run(&wg)
	}

	select {
	case <-a.context.Done():
	case <-a.reverseCloseCh:
	}
	logger.Info("stopping auto scaler")
}

// Snapshots returns the state of every scaling group, only safe to call
// when calculators are not running
func (a *AutoScaler) Snapshots() map[string]mcalc.ControllerState {
	ret := map[string]mcalc.ControllerState{}
	for name, sg := range a.scalingGroups {
		ret[name] = sg.calculator.Snapshot()
	}
	return ret
}

func (a *AutoScaler) shutdown() {
	a.closeOnce.Do(func() { close(a.reverseCloseCh) })
}

func (a *AutoScaler) abort() {
	a.lowerCancel()
	a.close()
}

func (a *AutoScaler) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Error(err, "failed to close")
		}
	}
	a.closers = nil
}

func (a *AutoScaler) serveMetrics(wg *sync.WaitGroup) {
	defer wg.Done()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", a.metricsServer.Addr)
		errCh <- a.metricsServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server failed")
			a.shutdown()
		}
	case <-a.lowerCtx.Done():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			logger.Error(err, "failed to shutdown metrics server")
		}
	}
}

func (a *AutoScaler) kubeClient() (kubernetes.Interface, error) {
	if a.clientset != nil {
		return a.clientset, nil
	}
	restCfg, err := util.CreateRestCfg(a.mainConfig.KubeConfigFile)
	if err != nil {
		logger.Error(err, "failed to create Kubernetes client")
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Error(err, "failed to create kubeclient", "kubeconfig", a.mainConfig.KubeConfigFile)
		return nil, err
	}
	a.clientset = clientset
	return clientset, nil
}

func (a *AutoScaler) kubeMetricsClient() (metricsclient.Interface, error) {
	if a.metricsClient != nil {
		return a.metricsClient, nil
	}
	restCfg, err := util.CreateRestCfg(a.mainConfig.KubeConfigFile)
	if err != nil {
		return nil, err
	}
	c, err := metricsclient.NewForConfig(restCfg)
	if err != nil {
		logger.Error(err, "failed to create metrics client")
		return nil, err
	}
	a.metricsClient = c
	return c, nil
}

func (a *AutoScaler) loadAWSConfig() (aws.Config, error) {
	if a.awsConfig != nil {
		return *a.awsConfig, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if a.mainConfig.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(a.mainConfig.AWSRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(a.context, opts...)
	if err != nil {
		logger.Error(err, "failed to load AWS configuration")
		return aws.Config{}, err
	}
	a.awsConfig = &cfg
	return cfg, nil
}

func (a *AutoScaler) createRecorders() error {
	recorders := eventsink.Multi{eventsink.NewLogRecorder()}

	if a.mainConfig.RedisAddr != "" {
		r, err := eventsink.NewRedisRecorder(a.context, eventsink.RedisConfig{
			Addr:     a.mainConfig.RedisAddr,
			Password: a.mainConfig.RedisPassword,
			DB:       a.mainConfig.RedisDB,
		})
		if err != nil {
			logger.Error(err, "failed to create redis recorder", "redis addr", a.mainConfig.RedisAddr)
			return err
		}
		recorders = append(recorders, r)
		a.closers = append(a.closers, r)
	}

	if a.mainConfig.PostgresDSN != "" {
		db, err := eventsink.OpenPostgres(a.context, a.mainConfig.PostgresDSN)
		if err != nil {
			logger.Error(err, "failed to open postgres")
			return err
		}
		r, err := eventsink.NewPostgresRecorder(a.context, db)
		if err != nil {
			db.Close()
			logger.Error(err, "failed to create postgres recorder")
			return err
		}
		recorders = append(recorders, r)
		a.closers = append(a.closers, r)
	}

	a.recorder = recorders
	return nil
}

// loadScalingGroups reads the scaling group file, or converts global
// configuration into the default group, and validates every group
func (a *AutoScaler) loadScalingGroups() ([]config.ScalingGroup, error) {
	var groups []config.ScalingGroup
	if a.mainConfig.ScalingGroupConfig == "" {
		groups = []config.ScalingGroup{config.Convert(a.mainConfig, config.DefaultGroupName)}
	} else {
		v := viper.New()
		v.SetConfigFile(a.mainConfig.ScalingGroupConfig)
		if err := v.ReadInConfig(); err != nil {
			logger.Error(err, "failed to read scaling groups config",
				"scaling groups config file", a.mainConfig.ScalingGroupConfig)
			return nil, err
		}
		list := config.ScalingGroupList{}
		if err := v.Unmarshal(&list); err != nil {
			logger.Error(err, "failed to parse scaling groups",
				"scaling groups config file", a.mainConfig.ScalingGroupConfig)
			return nil, err
		}
		if len(list.ScalingGroups) == 0 {
			return nil, &config.ConfigurationError{
				Problems: []string{"no scaling group in " + a.mainConfig.ScalingGroupConfig},
			}
		}
		for i := range list.ScalingGroups {
			list.ScalingGroups[i].Merge(a.mainConfig)
		}
		groups = list.ScalingGroups
	}

	seen := map[string]bool{}
	for i := range groups {
		sg := &groups[i]
		logger.Info("detect a scaling group", "scaling group name", sg.Name)
		sg.Print(logger)
		if seen[sg.Name] {
			return nil, &config.ConfigurationError{Group: sg.Name, Problems: []string{"duplicated name"}}
		}
		seen[sg.Name] = true
		if err := sg.Validate(); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (a *AutoScaler) genScalingGroup(sgCfg config.ScalingGroup) (*scalingGroup, error) {
	var err error
	locLog := logger.WithValues("scaling group name", sgCfg.Name)
	sg := &scalingGroup{name: sgCfg.Name}

	if sg.metricsource, err = a.createMetricSource(sgCfg); err != nil {
		locLog.Error(err, "failed to create metrics source", "metrics source", sgCfg.MetricSource.Type)
		return nil, err
	}
	if sg.provisioner, err = a.createProvisioner(sgCfg); err != nil {
		locLog.Error(err, "failed to create backend provisioner", "backend provisioner", sgCfg.Provisioner.Type)
		return nil, err
	}

	sg.calculator, err = mcalc.NewCalculator(a.lowerCtx, sg.metricsource, sg.provisioner, a.recorder, toInternalConfig(sgCfg))
	if err != nil {
		locLog.Error(err, "failed to create metric calculator")
		return nil, err
	}
	if err := sg.calculator.Init(a.context); err != nil {
		locLog.Error(err, "failed to initialize metric calculator")
		return nil, err
	}

	if sgCfg.Provisioner.Type == pv.ProvisionerKubeDeployment {
		sg.deploymentKey = sgCfg.Provisioner.Namespace + "/" + sgCfg.Provisioner.Deployment
		if err := a.watchNamespace(sgCfg.Provisioner.Namespace); err != nil {
			locLog.Error(err, "failed to watch deployments")
			return nil, err
		}
	}
	return sg, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// metricStaleness is the configured staleness, 0 leaves the calculator default
func metricStaleness(sg config.ScalingGroup) time.Duration {
	staleness := seconds(sg.MetricStaleness)
	// CloudWatch datapoints are stamped at the start of their period and land minutes late
	if staleness == 0 && sg.MetricSource.Type == ms.MetricSourceCloudWatch {
		staleness = cloudWatchStaleness
		if p := 3 * seconds(sg.MetricsCalculatePeriod); p > staleness {
			staleness = p
		}
	}
	return staleness
}

func toInternalConfig(sg config.ScalingGroup) mcalc.InternalConfig {
	return mcalc.InternalConfig{
		GroupName:              sg.Name,
		MetricsCalculatePeriod: seconds(sg.MetricsCalculatePeriod),
		MetricStaleness:        metricStaleness(sg),
		TickTimeout:            seconds(sg.TickTimeout),
		ScaleUpThreshold: mcalc.Threshold{
			Comparison:        mcalc.GreaterThan,
			Bound:             sg.ScaleUp.Threshold,
			EvaluationPeriods: sg.ScaleUp.EvaluationPeriods,
		},
		ScaleDownThreshold: mcalc.Threshold{
			Comparison:        mcalc.LessThan,
			Bound:             sg.ScaleDown.Threshold,
			EvaluationPeriods: sg.ScaleDown.EvaluationPeriods,
		},
		ScaleUpStep: mcalc.StepAdjustment{
			Direction: mcalc.ScaleUp,
			Magnitude: sg.ScaleUp.Adjustment,
			Cooldown:  seconds(sg.ScaleUp.CoolDown),
		},
		ScaleDownStep: mcalc.StepAdjustment{
			Direction: mcalc.ScaleDown,
			Magnitude: sg.ScaleDown.Adjustment,
			Cooldown:  seconds(sg.ScaleDown.CoolDown),
		},
		MinCapacity:     *sg.Provisioner.MinCapacity,
		MaxCapacity:     sg.Provisioner.MaxCapacity,
		InitialCapacity: *sg.Provisioner.InitialCapacity,
	}
}

func (a *AutoScaler) watchNamespace(namespace string) error {
	if _, ok := a.deploymentControllers[namespace]; ok {
		return nil
	}
	clientset, err := a.kubeClient()
	if err != nil {
		return err
	}
	c, err := controller.NewController(a.lowerCtx, clientset, namespace, "",
		time.Duration(a.mainConfig.CacheResyncPeriod)*time.Second, a.updateDeployment)
	if err != nil {
		return err
	}
	a.deploymentControllers[namespace] = c
	return nil
}

// updateDeployment reports ready replicas of scaled deployments
func (a *AutoScaler) updateDeployment(key string) error {
	defer klog.Flush()
	locLog := logger.WithValues("deployment key", key)

	namespace, _, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		locLog.Error(err, "failed to split key")
		return err
	}
	c, ok := a.deploymentControllers[namespace]
	if !ok {
		return fmt.Errorf("no controller watching namespace %q", namespace)
	}
	d, exists, err := c.GetByKey(key)
	if err != nil {
		locLog.Error(err, "failed to get deployment from cache by key")
		return err
	}

	for _, sg := range a.scalingGroups {
		if sg.deploymentKey != key {
			continue
		}
		if !exists {
			locLog.Info("scaled deployment does not exist anymore", "scaling group name", sg.name)
			metrics.ObservedReplicas.DeleteLabelValues(sg.name)
			continue
		}
		locLog.V(4).Info("observe deployment", "scaling group name", sg.name,
			"replicas", d.Status.Replicas, "ready replicas", d.Status.ReadyReplicas)
		metrics.ObservedReplicas.WithLabelValues(sg.name).Set(float64(d.Status.ReadyReplicas))
	}
	return nil
}

func (a *AutoScaler) createMetricSource(sg config.ScalingGroup) (ms.MetricSource, error) {
	m := sg.MetricSource
	switch m.Type {
	case ms.MetricSourceKube:
		clientset, err := a.kubeClient()
		if err != nil {
			return nil, err
		}
		mc, err := a.kubeMetricsClient()
		if err != nil {
			return nil, err
		}
		return ms.NewKubeMetricSource(clientset.CoreV1(), mc.MetricsV1beta1(), ms.KubeConfig{
			Namespace:       m.Namespace,
			LabelSelector:   m.LabelSelector,
			Metric:          m.Metric,
			CacheExpireTime: time.Duration(m.CacheExpireTime) * time.Second,
		})
	case ms.MetricSourceCloudWatch:
		awsCfg, err := a.loadAWSConfig()
		if err != nil {
			return nil, err
		}
		return ms.NewCloudWatchMetricSource(cloudwatch.NewFromConfig(awsCfg), ms.CloudWatchConfig{
			ClusterName: m.ECSCluster,
			ServiceName: m.ECSService,
			Metric:      m.Metric,
			Period:      seconds(sg.MetricsCalculatePeriod),
			Window:      metricStaleness(sg),
		})
	case ms.MetricSourcePrometheus:
		return ms.NewPrometheusMetricSource(a.mainConfig.PrometheusURL, m.Query)
	case ms.MetricSourceFake:
		return ms.NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown metric source %s", m.Type)
	}
}

func (a *AutoScaler) createProvisioner(sg config.ScalingGroup) (pv.Provisioner, error) {
	p := sg.Provisioner
	switch p.Type {
	case pv.ProvisionerKubeDeployment:
		clientset, err := a.kubeClient()
		if err != nil {
			return nil, err
		}
		return pv.NewProvisionerKubeDeployment(clientset.AppsV1(), p.Namespace, p.Deployment)
	case pv.ProvisionerECSService:
		awsCfg, err := a.loadAWSConfig()
		if err != nil {
			return nil, err
		}
		return pv.NewProvisionerECSService(ecs.NewFromConfig(awsCfg), p.ECSCluster, p.ECSService)
	case pv.ProvisionerRancherNodePool:
		clientset, err := a.kubeClient()
		if err != nil {
			return nil, err
		}
		return pv.NewProvisionerRancherNodePool(a.context, pv.RancherConfig{
			RancherURL:                 a.mainConfig.RancherURL,
			RancherToken:               a.mainConfig.RancherToken,
			RancherAnnotationNamespace: p.RancherAnnotationNamespace,
			RancherNodePoolNamePrefix:  p.RancherNodePoolNamePrefix,
			RancherCA:                  a.mainConfig.RancherCA,
		}, clientset)
	case pv.ProvisionerFake:
		initial := *p.InitialCapacity
		if initial < 0 {
			initial = *p.MinCapacity
		}
		return pv.NewProvisionerFake(initial), nil
	default:
		return nil, fmt.Errorf("unknown backend provisioner %s", p.Type)
	}
}
