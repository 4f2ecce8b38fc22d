/*
Copyright The CodeBroker Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
)

// ErrWorkerExists is returned by CreateWorker on a pod name collision.
var ErrWorkerExists = errors.New("worker pod already exists")

// Options configures the worker pod manifest.
type Options struct {
	Namespace          string
	Image              string
	ContainerResources corev1.ResourceRequirements
	PodSpecExtra       map[string]any
}

// client is the production Client backed by a real API server.
type client struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	opts       Options
	ownerRef   *metav1.OwnerReference

	// createBackoff bounds retries of transient create failures.
	createBackoff wait.Backoff
}

// NewClient builds a Client from the in-cluster configuration, falling
// back to the default kubeconfig loading rules outside a cluster.
func NewClient(opts Options) (Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		cfg, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	c := newClientWith(clientset, cfg, opts)
	c.resolveOwner(context.Background())
	return c, nil
}

func newClientWith(clientset kubernetes.Interface, restConfig *rest.Config, opts Options) *client {
	return &client{
		clientset:  clientset,
		restConfig: restConfig,
		opts:       opts,
		createBackoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    4,
		},
	}
}

// resolveOwner binds created workers to the broker's own pod so the
// orchestrator reaps them if the broker dies. Best effort: outside a
// cluster there is no pod to own them.
func (c *client) resolveOwner(ctx context.Context) {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		return
	}
	self, err := c.clientset.CoreV1().Pods(c.opts.Namespace).Get(ctx, hostname, metav1.GetOptions{})
	if err != nil {
		klog.Warningf("could not resolve own pod %q, workers will be unowned: %v", hostname, err)
		return
	}
	c.ownerRef = &metav1.OwnerReference{
		APIVersion:         "v1",
		Kind:               "Pod",
		Name:               self.Name,
		UID:                self.UID,
		Controller:         ptr.To(true),
		BlockOwnerDeletion: ptr.To(false),
	}
}

func (c *client) CreateWorker(ctx context.Context, name string) error {
	pod, err := c.workerPod(name)
	if err != nil {
		return err
	}

	err = wait.ExponentialBackoffWithContext(ctx, c.createBackoff, func(ctx context.Context) (bool, error) {
		_, err := c.clientset.CoreV1().Pods(c.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		switch {
		case err == nil:
			return true, nil
		case apierrors.IsAlreadyExists(err):
			return false, ErrWorkerExists
		case isRetryable(err):
			klog.V(2).Infof("transient error creating worker %s, retrying: %v", name, err)
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		return fmt.Errorf("create worker %s: %w", name, err)
	}
	return nil
}

func (c *client) DeleteWorker(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Pods(c.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(0)),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete worker %s: %w", name, err)
	}
	return nil
}

func (c *client) PodIP(ctx context.Context, name string) (string, error) {
	pod, err := c.clientset.CoreV1().Pods(c.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get worker %s: %w", name, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return "", fmt.Errorf("worker %s not running yet, status: %s", name, pod.Status.Phase)
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("worker %s has no IP assigned yet", name)
	}
	return pod.Status.PodIP, nil
}

// workerPod builds the worker pod manifest. PodSpecExtra fields are merged
// over the generated spec via a JSON round-trip, matching how operators
// supply arbitrary spec fragments.
func (c *client) workerPod(name string) (*corev1.Pod, error) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{WorkerLabelKey: WorkerLabelValue},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:      WorkerContainerName,
					Image:     c.opts.Image,
					Resources: c.opts.ContainerResources,
					Ports:     []corev1.ContainerPort{{ContainerPort: WorkerPort}},
				},
			},
		},
	}
	if c.ownerRef != nil {
		pod.OwnerReferences = []metav1.OwnerReference{*c.ownerRef}
	}

	if len(c.opts.PodSpecExtra) == 0 {
		return pod, nil
	}

	raw, err := json.Marshal(pod.Spec)
	if err != nil {
		return nil, fmt.Errorf("marshal worker pod spec: %w", err)
	}
	var spec map[string]any
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal worker pod spec: %w", err)
	}
	for k, v := range c.opts.PodSpecExtra {
		spec[k] = v
	}
	merged, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal merged worker pod spec: %w", err)
	}
	pod.Spec = corev1.PodSpec{}
	if err := json.Unmarshal(merged, &pod.Spec); err != nil {
		return nil, fmt.Errorf("invalid executor pod spec extra: %w", err)
	}
	return pod, nil
}

func isRetryable(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsInternalError(err)
}
