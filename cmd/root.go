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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/autoscaler"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/config"
	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/provisioner"
	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/util"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	klog "k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"
)

const envPrefix = "STEPSCALER"

var (
	// CfgFile is a path to the configuration file
	CfgFile    string
	mainConfig config.Config

	longDesc = `
	stepscaler keeps the capacity of one or more fleets, e.g. a Kubernetes
	deployment, an ECS service or a Rancher node pool, between a minimum and
	a maximum. It periodically reads a utilization metric from a metric source,
	e.g. Kubernetes metrics API, CloudWatch or Prometheus, and adds or removes
	a fixed step of capacity once the metric stays above or below a threshold
	for enough periods, waiting for a cool down after each scaling.
	`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stepscaler",
	Short: "stepscaler scales fleets in steps upon utilization thresholds",
	Long:  longDesc,
	Run: func(cmd *cobra.Command, args []string) {
		defer klog.Flush()
		logger := klogr.New().WithName("root-cmd")

		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			logger.V(4).Info("exit after context is canceled")
		}()

		go func() {
			<-signalCh
			logger.Info("exit on receiving SIGTERM or Interrupt")
			cancel()
		}()

		ac, err := autoscaler.NewAutoScaler(ctx, mainConfig)
		if err != nil {
			logger.Error(err, "failed to create auto scaler")
			klog.Flush()
			os.Exit(1)
		}

		ac.Run()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {

	cobra.OnInitialize(initConfig)

	// must put here before set flags
	mainConfig = config.NewConfig()
	config.Default(&mainConfig)

	setKlogFlags()
	setConfigFlags()
}

// initConfig reads in config file and ENV variables if set,
// then decodes flags, environment and file into mainConfig.
// Do not use klogr here as klogr is not initialized yet
func initConfig() {
	if CfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(CfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".stepscaler" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".stepscaler")
	}

	// STEPSCALER_SCALE_UP_THRESHOLD overrides --scale-up-threshold
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file", viper.ConfigFileUsed())
	}

	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))
	cobra.CheckErr(viper.Unmarshal(&mainConfig))
}

func setKlogFlags() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")

	rootCmd.PersistentFlags().SetNormalizeFunc(util.NormalizeFunc)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().MarkHidden("version")
	rootCmd.PersistentFlags().MarkHidden("log-flush-frequency")
	rootCmd.PersistentFlags().MarkHidden("alsologtostderr")
	rootCmd.PersistentFlags().MarkHidden("log-backtrace-at")
	rootCmd.PersistentFlags().MarkHidden("log-dir")
	rootCmd.PersistentFlags().MarkHidden("logtostderr")
	rootCmd.PersistentFlags().MarkHidden("stderrthreshold")
	rootCmd.PersistentFlags().MarkHidden("vmodule")
}

func setConfigFlags() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&CfgFile, "config", CfgFile, "Path to config file, default to $HOME/.stepscaler.yaml")
	fs.String("kubeconfig", mainConfig.KubeConfigFile, "Path to a kubeconfig file, use in-cluster config if empty")
	fs.String("rancher-url", mainConfig.RancherURL, "URL of Rancher to access if use Rancher as backend provisioner")
	fs.String("rancher-token", mainConfig.RancherToken, "Token used to access Rancher if use Rancher as backend provisioner")
	fs.String("rancher-ca", mainConfig.RancherCA, "Path to a CA to verify Rancher server, "+
		"insecure connection will be used if set to empty")
	fs.String("aws-region", mainConfig.AWSRegion, "AWS region, default to the one of the AWS shared configuration")
	fs.String("prometheus-url", mainConfig.PrometheusURL, "Address of the Prometheus server used by \"prometheus\" metric source")
	fs.String("redis-addr", mainConfig.RedisAddr, "Address of redis keeping a history of scaling events, disabled if empty")
	fs.String("redis-password", mainConfig.RedisPassword, "Password of redis")
	fs.Int("redis-db", mainConfig.RedisDB, "Database of redis")
	fs.String("postgres-dsn", mainConfig.PostgresDSN, "DSN of postgres recording scaling events, disabled if empty")
	fs.String("metrics-addr", mainConfig.MetricsAddr, "Address serving Prometheus metrics, disabled if empty")
	fs.Int("cache-resync-period", mainConfig.CacheResyncPeriod, "The period in seconds in which watched deployments are revisited")
	fs.String("scaling-group-config", mainConfig.ScalingGroupConfig,
		"The path to a file that claims configurations of different scaling groups")

	/*
	 * below parameters can be overrided by scaling group specific configurations
	 *
	 */
	fs.String("metric-source", string(mainConfig.MetricSource), fmt.Sprintf("Type of metric source, support %s", ms.SupportSourceType()))
	fs.String("metric", string(mainConfig.Metric), "Resource whose utilization is measured, \"cpu\" or \"memory\"")
	fs.String("prometheus-query", mainConfig.PrometheusQuery, "Instant PromQL query returning a single utilization in percent")
	fs.Int("metrics-cal-period", mainConfig.MetricsCalculatePeriod, "The period in seconds in which a sample is read and evaluated")
	fs.Int("metric-staleness", mainConfig.MetricStaleness, "Maximum age in seconds of a usable sample, 0 means twice the period")
	fs.Int("metric-cache-expire-time", mainConfig.MetricCacheExpireTime,
		"For how long in seconds metrics can be read from cache since a update")
	fs.Int("tick-timeout", mainConfig.TickTimeout, "Timeout in seconds of every call to a metric source or backend")
	fs.Float64("scale-up-threshold", mainConfig.ScaleUpThreshold, "Utilization in percent above which the scale up alarm counts a period")
	fs.Float64("scale-down-threshold", mainConfig.ScaleDownThreshold, "Utilization in percent below which the scale down alarm counts a period")
	fs.Int("scale-up-evaluation-periods", mainConfig.ScaleUpEvaluationPeriods,
		"How many consecutive periods above threshold put the scale up alarm in alarm")
	fs.Int("scale-down-evaluation-periods", mainConfig.ScaleDownEvaluationPeriods,
		"How many consecutive periods below threshold put the scale down alarm in alarm")
	fs.Int("scale-up-adjustment", mainConfig.ScaleUpAdjustment, "Capacity added on scaling up, must be positive")
	fs.Int("scale-down-adjustment", mainConfig.ScaleDownAdjustment, "Capacity added on scaling down, must be negative")
	fs.Int("scale-up-cool-down", mainConfig.ScaleUpCoolDown, "Seconds after a scaling up during which no scaling happens")
	fs.Int("scale-down-cool-down", mainConfig.ScaleDownCoolDown, "Seconds after a scaling down during which no scaling happens")
	fs.Int("min-capacity", mainConfig.MinCapacity, "Minimum capacity")
	fs.Int("max-capacity", mainConfig.MaxCapacity, "Maximum capacity")
	fs.Int("initial-capacity", mainConfig.InitialCapacity, "Starting capacity, a negative value reads the current one from the backend")
	fs.String("provisioner", string(mainConfig.Provisioner),
		fmt.Sprintf("Type of backend provisioner whose capacity is managed, support: %s", provisioner.SupportProvisionerType()))
	fs.String("namespace", mainConfig.Namespace, "Namespace of the scaled deployment and of measured pods")
	fs.String("deployment", mainConfig.Deployment, "Name of the deployment scaled by \"kubedeployment\"")
	fs.String("label-selector", mainConfig.LabelSelector, "A list of \"label_name=label_value\" separated by comma "+
		"selecting pods measured by \"kubernetes\" metric source. All pods of the namespace are measured if set to empty")
	fs.String("ecs-cluster", mainConfig.ECSCluster, "ECS cluster of the service scaled by \"ecsservice\" or measured by \"cloudwatch\"")
	fs.String("ecs-service", mainConfig.ECSService, "ECS service scaled by \"ecsservice\" or measured by \"cloudwatch\"")
	fs.String("rancher-annotation-namespace", mainConfig.RancherAnnotationNamespace,
		"The name of the namespace with the annotation \""+provisioner.RancherProjAnnotation+"\" from which cluster ID is derived. "+
			"This means that only node pools in local cluster are looked up when \"ranchernodepool\" is used as the backend.")
	fs.String("rancher-node-pool-name-prefix", mainConfig.RancherNodePoolNamePrefix,
		"The name prefix of the node pool in Rancher. This only effects when \"ranchernodepool\" is used as the backend.")
}
