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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/go-logr/logr"
)

// ECSAPI is the part of the ECS client used by the provisioner
type ECSAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

type provisionerECSService struct {
	client  ECSAPI
	cluster string
	service string
	logger  logr.Logger
}

// NewProvisionerECSService creates a provisioner setting the desired count
// of an ECS service
func NewProvisionerECSService(client ECSAPI, cluster, service string) (Provisioner, error) {
	if cluster == "" || service == "" {
		return nil, fmt.Errorf("both ECS cluster and service must be set to use ecsservice provisioner")
	}
	return &provisionerECSService{
		client:  client,
		cluster: cluster,
		service: service,
		logger:  logger.WithValues("provisioner", ProvisionerECSService, "cluster", cluster, "service", service),
	}, nil
}

func (p *provisionerECSService) Type() ProvisionerT {
	return ProvisionerECSService
}

func (p *provisionerECSService) CurrentCapacity(ctx context.Context) (int, error) {
	out, err := p.client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(p.cluster),
		Services: []string{p.service},
	})
	if err != nil {
		p.logger.Error(err, "failed to describe service")
		return 0, fmt.Errorf("describe ECS service %s: %w", p.service, err)
	}
	if len(out.Failures) > 0 {
		return 0, fmt.Errorf("describe ECS service %s: %s", p.service, aws.ToString(out.Failures[0].Reason))
	}
	if len(out.Services) == 0 {
		return 0, fmt.Errorf("ECS service %s not found in cluster %s", p.service, p.cluster)
	}
	return int(out.Services[0].DesiredCount), nil
}

// SetDesiredCapacity relies on UpdateService being idempotent for
// an unchanged desired count
func (p *provisionerECSService) SetDesiredCapacity(ctx context.Context, n int) error {
	p.logger.Info("call backend to set desired count", "desired count", n)
	_, err := p.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(p.cluster),
		Service:      aws.String(p.service),
		DesiredCount: aws.Int32(int32(n)),
	})
	if err != nil {
		p.logger.Error(err, "failed to update service", "desired count", n)
		return fmt.Errorf("update ECS service %s: %w", p.service, err)
	}
	return nil
}
