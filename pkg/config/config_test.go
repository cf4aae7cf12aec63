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
	"errors"
	"strings"
	"testing"

	ms "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metricsource"
	pv "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/provisioner"
)

func defaultConfig() Config {
	cfg := NewConfig()
	Default(&cfg)
	cfg.Deployment = "web"
	return cfg
}

func TestConvertDefault(t *testing.T) {
	sg := Convert(defaultConfig(), DefaultGroupName)
	if err := sg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if sg.ScaleUp != (StepPolicy{Threshold: 70, EvaluationPeriods: 2, Adjustment: 1, CoolDown: 60}) {
		t.Errorf("ScaleUp = %+v", sg.ScaleUp)
	}
	if sg.ScaleDown != (StepPolicy{Threshold: 30, EvaluationPeriods: 2, Adjustment: -1, CoolDown: 300}) {
		t.Errorf("ScaleDown = %+v", sg.ScaleDown)
	}
	if sg.Provisioner.Type != pv.ProvisionerKubeDeployment || sg.Provisioner.Deployment != "web" ||
		sg.Provisioner.Namespace != "default" {
		t.Errorf("Provisioner = %+v", sg.Provisioner)
	}
	if *sg.Provisioner.MinCapacity != 1 || sg.Provisioner.MaxCapacity != 3 || *sg.Provisioner.InitialCapacity != -1 {
		t.Errorf("capacity = %+v", sg.Provisioner)
	}
	if sg.MetricSource.Type != ms.MetricSourceKube || sg.MetricSource.Metric != ms.MetricCPU {
		t.Errorf("MetricSource = %+v", sg.MetricSource)
	}
}

func TestMergeKeepsGroupValues(t *testing.T) {
	sg := ScalingGroup{
		Name:    "api",
		ScaleUp: StepPolicy{Threshold: 80, Adjustment: 2},
		Provisioner: Provisioner{
			Type:        pv.ProvisionerECSService,
			MaxCapacity: 10,
			ECSService:  "api",
		},
	}
	cfg := defaultConfig()
	cfg.ECSCluster = "prod"
	sg.Merge(cfg)

	if sg.ScaleUp.Threshold != 80 || sg.ScaleUp.Adjustment != 2 || sg.ScaleUp.EvaluationPeriods != 2 {
		t.Errorf("ScaleUp = %+v", sg.ScaleUp)
	}
	if sg.Provisioner.MaxCapacity != 10 || *sg.Provisioner.MinCapacity != 1 {
		t.Errorf("capacity = %+v", sg.Provisioner)
	}
	if sg.Provisioner.ECSCluster != "prod" || sg.Provisioner.ECSService != "api" {
		t.Errorf("ecs target = %s/%s", sg.Provisioner.ECSCluster, sg.Provisioner.ECSService)
	}
	if sg.Provisioner.Deployment != "" {
		t.Errorf("deployment merged into an ecs group: %q", sg.Provisioner.Deployment)
	}
	if err := sg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestMergeKeepsZeroCapacity(t *testing.T) {
	sg := ScalingGroup{
		Name:        "idle",
		Provisioner: Provisioner{MinCapacity: IntPtr(0), InitialCapacity: IntPtr(0)},
	}
	sg.Merge(defaultConfig())

	if *sg.Provisioner.MinCapacity != 0 || *sg.Provisioner.InitialCapacity != 0 {
		t.Errorf("capacity = %d/%d, want 0/0", *sg.Provisioner.MinCapacity, *sg.Provisioner.InitialCapacity)
	}
	if sg.Provisioner.MaxCapacity != 3 {
		t.Errorf("MaxCapacity = %d, want 3", sg.Provisioner.MaxCapacity)
	}
	if err := sg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ScalingGroup)
		problem string
	}{
		{"zero period", func(a *ScalingGroup) { a.MetricsCalculatePeriod = 0 }, "metricsCalculatePeriod"},
		{"no evaluation periods", func(a *ScalingGroup) { a.ScaleDown.EvaluationPeriods = 0 }, "scaleDown.evaluationPeriods"},
		{"overlapping thresholds", func(a *ScalingGroup) { a.ScaleUp.Threshold = 30 }, "must exceed"},
		{"max below min", func(a *ScalingGroup) { a.Provisioner.MaxCapacity = 0 }, "maxCapacity"},
		{"negative min", func(a *ScalingGroup) { a.Provisioner.MinCapacity = IntPtr(-1) }, "minCapacity"},
		{"negative cool down", func(a *ScalingGroup) { a.ScaleDown.CoolDown = -5 }, "cool downs"},
		{"scale up removes", func(a *ScalingGroup) { a.ScaleUp.Adjustment = -1 }, "scaleUp.adjustment"},
		{"scale down adds", func(a *ScalingGroup) { a.ScaleDown.Adjustment = 1 }, "scaleDown.adjustment"},
		{"initial out of bounds", func(a *ScalingGroup) { a.Provisioner.InitialCapacity = IntPtr(9) }, "initialCapacity"},
		{"unknown provisioner", func(a *ScalingGroup) { a.Provisioner.Type = "gce" }, "unknown provisioner"},
		{"unknown source", func(a *ScalingGroup) { a.MetricSource.Type = "datadog" }, "unknown metric source"},
		{"unknown metric", func(a *ScalingGroup) { a.MetricSource.Metric = "disk" }, "unknown metric"},
		{"no deployment", func(a *ScalingGroup) { a.Provisioner.Deployment = "" }, "deployment"},
		{"no query", func(a *ScalingGroup) { a.MetricSource.Type = ms.MetricSourcePrometheus }, "query"},
		{"no ecs dimensions", func(a *ScalingGroup) { a.MetricSource.Type = ms.MetricSourceCloudWatch }, "ecsCluster"},
		{"cloudwatch period", func(a *ScalingGroup) {
			a.MetricSource = MetricSource{Type: ms.MetricSourceCloudWatch, Metric: ms.MetricCPU, ECSCluster: "c", ECSService: "s"}
			a.MetricsCalculatePeriod = 90
		}, "multiple of 60"},
		{"bad selector", func(a *ScalingGroup) { a.MetricSource.LabelSelector = "app in (web" }, "labelSelector"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sg := Convert(defaultConfig(), "g")
			tc.mutate(&sg)
			err := sg.Validate()
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() error = %v, want *ConfigurationError", err)
			}
			if cerr.Group != "g" {
				t.Errorf("Group = %q, want g", cerr.Group)
			}
			if !strings.Contains(err.Error(), tc.problem) {
				t.Errorf("Validate() error = %q, want mention of %q", err.Error(), tc.problem)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	sg := ScalingGroup{}
	err := sg.Validate()
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cerr.Problems) < 5 {
		t.Errorf("expected every problem to be reported, got %v", cerr.Problems)
	}
}
