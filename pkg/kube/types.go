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

// Package kube is a thin capability over the container orchestrator:
// create, watch, exec-in and delete worker pods.
package kube

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
)

const (
	// WorkerLabelKey marks pods managed by the broker's executor pool.
	WorkerLabelKey = "codebroker.io/executor"
	// WorkerLabelValue is the value set under WorkerLabelKey.
	WorkerLabelValue = "true"
	// WorkerContainerName is the single container of a worker pod.
	WorkerContainerName = "executor"
	// WorkerPort is the port the in-worker executor process listens on.
	WorkerPort = 8000
)

// WorkerEvent is one observed state transition of a worker pod.
type WorkerEvent struct {
	Name    string
	Phase   corev1.PodPhase
	Ready   bool
	Deleted bool
}

// Client is the orchestrator capability consumed by the pool and the
// session workspace manager.
type Client interface {
	// CreateWorker submits the worker pod manifest. It does not wait for
	// the pod to become ready. ErrWorkerExists is returned on a name
	// collision; the caller regenerates the name.
	CreateWorker(ctx context.Context, name string) error

	// DeleteWorker requests removal of the worker pod. Idempotent: a
	// missing pod is success.
	DeleteWorker(ctx context.Context, name string) error

	// WatchWorkers emits state transitions of all broker-managed worker
	// pods. On (re)connect the current state of every matching pod is
	// re-emitted before live events, so no transition is lost. The channel
	// closes when ctx is done.
	WatchWorkers(ctx context.Context, prefix string) (<-chan WorkerEvent, error)

	// Exec runs argv inside the worker container, streaming stdin in and
	// stdout/stderr out. It blocks until the remote process exits.
	Exec(ctx context.Context, name string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error

	// PodIP resolves the worker's pod IP once the pod is running.
	PodIP(ctx context.Context, name string) (string, error)
}
