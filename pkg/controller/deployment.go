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

package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/util"

	klog "k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
)

const (
	// DefaultWorkerNumber is default number of workers
	DefaultWorkerNumber = 2

	maxRequeues = 5
)

var logger = klogr.New().WithName("deployment-controller")

// DeploymentController watches deployments in Kubernetes
// and hands keys of changed ones to processKeyFunc
type DeploymentController struct {
	processKeyFunc func(key string) error
	indexer        cache.Indexer
	queue          workqueue.RateLimitingInterface
	informer       cache.Controller
	selector       labels.Selector
	context        context.Context
}

// NewController creates a new DeploymentController watching deployments of namespace
// matching labelSelector, an empty namespace watches all namespaces
func NewController(ctx context.Context, clientset kubernetes.Interface, namespace, labelSelector string,
	resyncPeriod time.Duration, processKeyFunc func(key string) error) (*DeploymentController, error) {
	defer klog.Flush()

	selector, err := util.ParseSelector(labelSelector)
	if err != nil {
		logger.Error(err, "failed to parse input label selector", "input label selector", labelSelector)
		return nil, err
	}

	queue := workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter())
	c := &DeploymentController{
		processKeyFunc: processKeyFunc,
		queue:          queue,
		selector:       selector,
		context:        ctx,
	}

	c.indexer, c.informer = cache.NewIndexerInformer(createListWatcher(clientset, namespace, selector), &appsv1.Deployment{},
		resyncPeriod, cache.ResourceEventHandlerFuncs{
			AddFunc: func(obj interface{}) {
				c.enqueue(obj, "added")
			},
			UpdateFunc: func(old interface{}, new interface{}) {
				c.enqueue(new, "updated")
			},
			DeleteFunc: func(obj interface{}) {
				// IndexerInformer uses a delta queue, therefore for deletes we have to use this
				// key function.
				key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
				if err == nil {
					logger.V(6).Info("get deleted key", "key", key)
					queue.Add(key)
				}
			},
		}, cache.Indexers{})

	return c, nil
}

func createListWatcher(clientset kubernetes.Interface, namespace string, selector labels.Selector) *cache.ListWatch {
	tweak := func(options *metav1.ListOptions) {
		options.LabelSelector = selector.String()
	}
	return &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			tweak(&options)
			return clientset.AppsV1().Deployments(namespace).List(context.TODO(), options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			tweak(&options)
			return clientset.AppsV1().Deployments(namespace).Watch(context.TODO(), options)
		},
	}
}

func (c *DeploymentController) enqueue(obj interface{}, verb string) {
	if m, ok := obj.(metav1.Object); ok && !util.MatchSelector(c.selector, m) {
		return
	}
	key, err := cache.MetaNamespaceKeyFunc(obj)
	if err == nil {
		logger.V(6).Info("get "+verb+" key", "key", key)
		c.queue.Add(key)
	}
}

func (c *DeploymentController) processNextItem() bool {
	// Wait until there is a new item in the working queue
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	// Two workers never process the same key in parallel
	defer c.queue.Done(key)

	err := c.processKeyFunc(key.(string))
	c.handleErr(err, key)
	return true
}

// handleErr checks if an error happened and makes sure we will retry later.
func (c *DeploymentController) handleErr(err error, key interface{}) {
	defer klog.Flush()

	if err == nil {
		c.queue.Forget(key)
		return
	}

	if c.queue.NumRequeues(key) < maxRequeues {
		logger.Error(err, "error syncing deployment", "deployment key", key)
		c.queue.AddRateLimited(key)
		return
	}

	c.queue.Forget(key)
	logger.Error(err, "dropping deployment out of the queue", "deployment key", key)
}

// Run begins watching, it returns when the context is done.
// The caller is responsible for wg.Add.
func (c *DeploymentController) Run(wg *sync.WaitGroup) {
	defer utilruntime.HandleCrash()
	defer wg.Done()

	// Let the workers stop when we are done
	defer c.queue.ShutDown()
	logger.Info("starting Deployment controller")

	go c.informer.Run(c.context.Done())

	// Wait for all involved caches to be synced, before processing items from the queue is started
	if !cache.WaitForCacheSync(c.context.Done(), c.informer.HasSynced) {
		logger.Error(fmt.Errorf("timed out waiting for caches to sync"), "timed out waiting for caches to sync")
		return
	}

	for i := 0; i < DefaultWorkerNumber; i++ {
		go wait.Until(c.runWorker, time.Second, c.context.Done())
	}

	<-c.context.Done()
	logger.Info("stopping Deployment controller")
}

func (c *DeploymentController) runWorker() {
	for c.processNextItem() {
	}
}

// GetByKey returns the cached deployment of key
func (c *DeploymentController) GetByKey(key string) (*appsv1.Deployment, bool, error) {
	obj, exists, err := c.indexer.GetByKey(key)
	if err != nil || !exists {
		return nil, exists, err
	}
	d, ok := obj.(*appsv1.Deployment)
	if !ok {
		return nil, false, fmt.Errorf("unexpected object of type %T under key %s", obj, key)
	}
	return d, true, nil
}
