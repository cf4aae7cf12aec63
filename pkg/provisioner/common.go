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

	"k8s.io/klog/v2/klogr"
)

var logger = klogr.New().WithName("provisioner")

// ProvisionerT indicates the type of provisioner
type ProvisionerT string

const (
	// ProvisionerKubeDeployment means setting replicas of a Kubernetes Deployment via its scale subresource
	ProvisionerKubeDeployment ProvisionerT = "kubedeployment"
	// ProvisionerECSService means setting desired count of an AWS ECS service
	ProvisionerECSService ProvisionerT = "ecsservice"
	// ProvisionerRancherNodePool means utilizing Rancher's node pool API to set node quantity
	ProvisionerRancherNodePool ProvisionerT = "ranchernodepool"
	// ProvisionerFake is used to test
	ProvisionerFake ProvisionerT = "fake"
)

// SupportProvisionerType returns the list of supporting types of provisioner
// Update this func when new type is added
func SupportProvisionerType() string {
	return fmt.Sprintf("\"%s\", \"%s\", \"%s\", \"%s\"",
		ProvisionerKubeDeployment, ProvisionerECSService, ProvisionerRancherNodePool, ProvisionerFake)
}

// Provisioner is the interface for setting the capacity of a fleet of replicas
type Provisioner interface {
	Type() ProvisionerT
	// SetDesiredCapacity asks the backend to run n replicas.
	// It is idempotent, calling it with the current value is a no-op
	// for the fleet. It either succeeds or fails as a whole.
	SetDesiredCapacity(ctx context.Context, n int) error
	// CurrentCapacity returns the desired replica count the backend
	// currently holds for the fleet
	CurrentCapacity(ctx context.Context) (int, error)
}
