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
	"io/ioutil"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/rancher/norman/clientbase"
	managementClient "github.com/rancher/types/client/management/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	// RancherProjAnnotation is the annotation including
	// cluster ID and project ID in a format as "c-xxx:p-xxx"
	RancherProjAnnotation string = "field.cattle.io/projectId"
)

// RancherConfig is the configuration of the ranchernodepool provisioner
type RancherConfig struct {
	// RancherURL is URL of target Rancher
	RancherURL string
	// RancherToken is used to access Rancher
	RancherToken string
	// RancherAnnotationNamespace is the name of the namespace
	// with the annotation "field.cattle.io/projectId"
	RancherAnnotationNamespace string
	// RancherNodePoolNamePrefix is the name prefix of node pool which is manipulated
	RancherNodePoolNamePrefix string
	// RancherCA is used to verify Rancher server
	RancherCA string
}

type provisionerRancherNodePool struct {
	rancherURL        string
	rancherToken      string
	rancherNodePoolID string
	rancherCA         string

	logger logr.Logger

	// management client used to connect to Rancher
	rancherClient *managementClient.Client
}

// NewProvisionerRancherNodePool creates a provisioner setting the quantity
// of the node pool with the configured name prefix in the local cluster
func NewProvisionerRancherNodePool(ctx context.Context, cfg RancherConfig, kubeclient kubernetes.Interface) (Provisioner, error) {
	defer klog.Flush()
	if cfg.RancherAnnotationNamespace == "" || cfg.RancherNodePoolNamePrefix == "" {
		return nil, fmt.Errorf("both namespace with annotation and node pool name prefix must be set to use ranchernodepool provisioner")
	}

	p := &provisionerRancherNodePool{
		rancherURL:   cfg.RancherURL,
		rancherToken: cfg.RancherToken,
		rancherCA:    cfg.RancherCA,
		logger:       logger.WithValues("provisioner", ProvisionerRancherNodePool),
	}

	err := p.createRancherClient()
	if err != nil {
		return nil, err
	}

	clusterID, err := getClusterID(ctx, cfg.RancherAnnotationNamespace, kubeclient)
	if err != nil {
		return nil, err
	}
	p.logger.Info("find cluster ID", "cluster ID", clusterID)

	nodePools, err := p.rancherClient.NodePool.ListAll(nil)
	if err != nil {
		p.logger.Error(err, "failed to list node pools in Rancher")
		return nil, err
	}
	nodePoolID := findNodePool(nodePools.Data, clusterID, cfg.RancherNodePoolNamePrefix)
	if nodePoolID == "" {
		err := fmt.Errorf("can not find node pool ID")
		p.logger.Error(err, "", "name prefix", cfg.RancherNodePoolNamePrefix)
		return nil, err
	}
	p.logger.Info("find node pool", "node pool ID", nodePoolID)
	p.rancherNodePoolID = nodePoolID
	p.logger = p.logger.WithValues("node pool ID", nodePoolID)

	return p, nil
}

func findNodePool(pools []managementClient.NodePool, clusterID, prefix string) string {
	for _, np := range pools {
		if np.ClusterID != clusterID {
			continue
		}
		if np.HostnamePrefix == prefix {
			return np.ID
		}
	}
	return ""
}

func getClusterID(pctx context.Context, name string, client kubernetes.Interface) (string, error) {
	ctx, cancel := context.WithTimeout(pctx, 10*time.Second)
	defer cancel()
	ns, err := client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		logger.Error(err, "failed to get namespace", "namespace", name)
		return "", err
	}
	logger.V(5).Info("got annotations", "namespace", name, "annotations", ns.GetAnnotations())
	proj, ok := ns.GetAnnotations()[RancherProjAnnotation]
	if !ok {
		err := fmt.Errorf("failed to get cluster ID from annotation")
		logger.Error(err, "", "namespace", name, "annotation", RancherProjAnnotation)
		return "", err
	}
	return strings.Split(proj, ":")[0], nil
}

func (p *provisionerRancherNodePool) createRancherClient() error {
	opts, err := p.createClientOpts()
	if err != nil {
		p.logger.Error(err, "failed to create Rancher client options")
		return err
	}

	mClient, err := managementClient.NewClient(opts)
	if err != nil {
		p.logger.Error(err, "failed to create Rancher client")
		return err
	}

	p.rancherClient = mClient

	return nil
}

func (p *provisionerRancherNodePool) createClientOpts() (*clientbase.ClientOpts, error) {
	serverURL := p.rancherURL

	if !strings.HasSuffix(serverURL, "/v3") {
		serverURL = p.rancherURL + "/v3"
	}

	if p.rancherCA == "" {
		return &clientbase.ClientOpts{
			URL:      serverURL,
			TokenKey: p.rancherToken,
			Insecure: true,
		}, nil
	}

	b, err := ioutil.ReadFile(p.rancherCA)
	if err != nil {
		p.logger.Error(err, "failed to read Rancher CA", "Rancher CA", p.rancherCA)
		return nil, err
	}
	return &clientbase.ClientOpts{
		URL:      serverURL,
		TokenKey: p.rancherToken,
		CACerts:  string(b),
	}, nil
}

func (p *provisionerRancherNodePool) Type() ProvisionerT {
	return ProvisionerRancherNodePool
}

// the Rancher client does not take a context, the call is abandoned
// rather than canceled when ctx is done first
func withContext(ctx context.Context, f func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- f()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *provisionerRancherNodePool) getNodePool(ctx context.Context) (*managementClient.NodePool, error) {
	var nodePool *managementClient.NodePool
	err := withContext(ctx, func() error {
		var err error
		nodePool, err = p.rancherClient.NodePool.ByID(p.rancherNodePoolID)
		return err
	})
	if err != nil {
		p.logger.Error(err, "failed to get Rancher node pool")
		return nil, fmt.Errorf("get Rancher node pool %s: %w", p.rancherNodePoolID, err)
	}
	return nodePool, nil
}

func (p *provisionerRancherNodePool) CurrentCapacity(ctx context.Context) (int, error) {
	nodePool, err := p.getNodePool(ctx)
	if err != nil {
		return 0, err
	}
	return int(nodePool.Quantity), nil
}

func (p *provisionerRancherNodePool) SetDesiredCapacity(ctx context.Context, n int) error {
	defer klog.Flush()

	nodePool, err := p.getNodePool(ctx)
	if err != nil {
		return err
	}
	p.logger.V(2).Info("get node pool info",
		"name", nodePool.Name,
		"node labels", nodePool.NodeLabels,
		"quantity", nodePool.Quantity,
		"display name", nodePool.DisplayName)

	if nodePool.Quantity == int64(n) {
		p.logger.V(3).Info("node pool already has desired quantity", "quantity", n)
		return nil
	}

	p.logger.Info("call backend to set node pool quantity", "from", nodePool.Quantity, "to", n)
	err = withContext(ctx, func() error {
		_, err := p.rancherClient.NodePool.Update(nodePool, map[string]int64{"quantity": int64(n)})
		return err
	})
	if err != nil {
		p.logger.Error(err, "failed to update node pool quantity", "quantity", n)
		return fmt.Errorf("update Rancher node pool %s: %w", p.rancherNodePoolID, err)
	}
	return nil
}
