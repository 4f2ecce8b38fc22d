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
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
)

const watchRetryDelay = 2 * time.Second

// WatchWorkers implements list-then-watch with re-list on disconnect. The
// initial list (and every re-list after a dropped connection) emits the
// current state of all matching pods, so the consumer can diff it against
// tracked state without losing transitions.
func (c *client) WatchWorkers(ctx context.Context, prefix string) (<-chan WorkerEvent, error) {
	out := make(chan WorkerEvent)
	go func() {
		defer close(out)
		known := map[string]struct{}{}
		for {
			if err := c.watchOnce(ctx, prefix, known, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				klog.Warningf("worker watch interrupted, re-listing in %s: %v", watchRetryDelay, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}
		}
	}()
	return out, nil
}

// watchOnce lists the current worker pods, emits their state, then streams
// live transitions until the watch drops. known carries the pod set across
// reconnects so pods removed while disconnected still yield a synthetic
// deletion event.
func (c *client) watchOnce(ctx context.Context, prefix string, known map[string]struct{}, out chan<- WorkerEvent) error {
	listOpts := metav1.ListOptions{LabelSelector: WorkerLabelKey + "=" + WorkerLabelValue}

	pods, err := c.clientset.CoreV1().Pods(c.opts.Namespace).List(ctx, listOpts)
	if err != nil {
		return err
	}
	listed := map[string]struct{}{}
	for i := range pods.Items {
		if !strings.HasPrefix(pods.Items[i].Name, prefix) {
			continue
		}
		listed[pods.Items[i].Name] = struct{}{}
		if !send(ctx, out, podEvent(&pods.Items[i], false)) {
			return ctx.Err()
		}
	}
	for name := range known {
		if _, still := listed[name]; still {
			continue
		}
		delete(known, name)
		if !send(ctx, out, WorkerEvent{Name: name, Deleted: true}) {
			return ctx.Err()
		}
	}
	for name := range listed {
		known[name] = struct{}{}
	}

	listOpts.ResourceVersion = pods.ResourceVersion
	w, err := c.clientset.CoreV1().Pods(c.opts.Namespace).Watch(ctx, listOpts)
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil // connection dropped, caller re-lists
			}
			pod, isPod := ev.Object.(*corev1.Pod)
			if !isPod || !strings.HasPrefix(pod.Name, prefix) {
				continue
			}
			switch ev.Type {
			case watch.Added, watch.Modified:
				known[pod.Name] = struct{}{}
				if !send(ctx, out, podEvent(pod, false)) {
					return ctx.Err()
				}
			case watch.Deleted:
				delete(known, pod.Name)
				if !send(ctx, out, podEvent(pod, true)) {
					return ctx.Err()
				}
			case watch.Error:
				return nil // re-list to resynchronize
			}
		}
	}
}

func send(ctx context.Context, out chan<- WorkerEvent, ev WorkerEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func podEvent(pod *corev1.Pod, deleted bool) WorkerEvent {
	return WorkerEvent{
		Name:    pod.Name,
		Phase:   pod.Status.Phase,
		Ready:   podReady(pod),
		Deleted: deleted,
	}
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
