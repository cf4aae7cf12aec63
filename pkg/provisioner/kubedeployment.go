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

package provisioner

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	appsv1client "k8s.io/client-go/kubernetes/typed/apps/v1"
)

type provisionerKubeDeployment struct {
	deployments appsv1client.DeploymentInterface
	name        string
	logger      logr.Logger
}

// NewProvisionerKubeDeployment creates a provisioner setting replicas of
// the Deployment name in namespace
func NewProvisionerKubeDeployment(client appsv1client.DeploymentsGetter, namespace, name string) (Provisioner, error) {
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("both namespace and deployment name must be set to use kubedeployment provisioner")
	}
	return &provisionerKubeDeployment{
		deployments: client.Deployments(namespace),
		name:        name,
		logger:      logger.WithValues("provisioner", ProvisionerKubeDeployment, "namespace", namespace, "deployment", name),
	}, nil
}

func (p *provisionerKubeDeployment) Type() ProvisionerT {
	return ProvisionerKubeDeployment
}

func (p *provisionerKubeDeployment) CurrentCapacity(ctx context.Context) (int, error) {
	scale, err := p.deployments.GetScale(ctx, p.name, metav1.GetOptions{})
	if err != nil {
		p.logger.Error(err, "failed to get scale")
		return 0, fmt.Errorf("get scale of deployment %s: %w", p.name, err)
	}
	return int(scale.Spec.Replicas), nil
}

func (p *provisionerKubeDeployment) SetDesiredCapacity(ctx context.Context, n int) error {
	scale, err := p.deployments.GetScale(ctx, p.name, metav1.GetOptions{})
	if err != nil {
		p.logger.Error(err, "failed to get scale")
		return fmt.Errorf("get scale of deployment %s: %w", p.name, err)
	}
	if int(scale.Spec.Replicas) == n {
		p.logger.V(3).Info("deployment already has desired replicas", "replicas", n)
		return nil
	}

	p.logger.Info("call backend to set replicas", "from", scale.Spec.Replicas, "to", n)
	scale.Spec.Replicas = int32(n)
	if _, err := p.deployments.UpdateScale(ctx, p.name, scale, metav1.UpdateOptions{}); err != nil {
		p.logger.Error(err, "failed to update scale", "replicas", n)
		return fmt.Errorf("update scale of deployment %s: %w", p.name, err)
	}
	return nil
}
