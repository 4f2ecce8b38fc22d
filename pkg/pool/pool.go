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

// Package pool maintains the warm pool of executor workers: admission,
// FIFO assignment, replenishment and garbage collection. All pool state
// is owned by a single goroutine; public operations post messages to it.
package pool

import (
	"context"
	"errors"
	"math/rand"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/kube"
)

// State is the lifecycle state of a tracked worker. Transitions are
// monotonic toward Gone.
type State string

const (
	StateProvisioning State = "Provisioning"
	StateReady        State = "Ready"
	StateAssigned     State = "Assigned"
	StateTerminating  State = "Terminating"
)

type worker struct {
	name      string
	state     State
	createdAt time.Time
	lastPhase corev1.PodPhase
	chatID    string
}

// Options tunes the pool.
type Options struct {
	// Target is the warm pool size the pool converges to.
	Target int
	// NamePrefix is the first part of generated worker names.
	NamePrefix string
	// ProvisionTimeout force-deletes workers stuck in Provisioning.
	ProvisionTimeout time.Duration
	// ResyncInterval drives periodic replenishment and stuck-worker checks.
	ResyncInterval time.Duration
}

type acquireReq struct {
	chatID string
	reply  chan string // buffered(1); delivery never blocks the loop
}

type createResult struct {
	name string
	err  error
}

// Manager is the executor pool. Create with New, start with Run.
type Manager struct {
	client  kube.Client
	opts    Options
	metrics *Metrics

	acquireCh chan *acquireReq
	cancelCh  chan *acquireReq
	releaseCh chan string
	createdCh chan createResult

	stopped chan struct{}

	// Owned by the run loop; never touched from outside it.
	workers map[string]*worker
	readyQ  []string
	waiters []*acquireReq
}

// New builds a pool manager. metrics may be nil.
func New(client kube.Client, opts Options, metrics *Metrics) *Manager {
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 2 * time.Minute
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 15 * time.Second
	}
	return &Manager{
		client:    client,
		opts:      opts,
		metrics:   metrics,
		acquireCh: make(chan *acquireReq),
		cancelCh:  make(chan *acquireReq),
		releaseCh: make(chan string),
		createdCh: make(chan createResult),
		stopped:   make(chan struct{}),
		workers:   map[string]*worker{},
	}
}

// Run consumes the worker watch and serves pool operations until ctx is
// done. It owns all pool state.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	events, err := m.client.WatchWorkers(ctx, m.opts.NamePrefix)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(m.opts.ResyncInterval)
	defer ticker.Stop()

	m.replenish(ctx)
	m.updateGauges()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("worker watch closed")
			}
			m.handleEvent(ctx, ev)
		case req := <-m.acquireCh:
			m.handleAcquire(ctx, req)
		case req := <-m.cancelCh:
			m.handleCancel(ctx, req)
		case name := <-m.releaseCh:
			m.handleRelease(ctx, name)
		case res := <-m.createdCh:
			m.handleCreateResult(ctx, res)
		case <-ticker.C:
			m.resync(ctx)
		}
		m.updateGauges()
	}
}

// Acquire returns the name of a worker assigned exclusively to this
// request. Waiters are served strictly FIFO; on ctx deadline the waiter
// entry is removed and the call fails with kind Unavailable.
func (m *Manager) Acquire(ctx context.Context, chatID string) (string, error) {
	req := &acquireReq{chatID: chatID, reply: make(chan string, 1)}

	select {
	case m.acquireCh <- req:
	case <-ctx.Done():
		m.metrics.countAcquisition("timeout")
		return "", apierr.New(apierr.KindUnavailable, "executor pool unavailable: %v", ctx.Err())
	case <-m.stopped:
		return "", apierr.New(apierr.KindUnavailable, "executor pool is shut down")
	}

	select {
	case name := <-req.reply:
		m.metrics.countAcquisition("ok")
		return name, nil
	case <-ctx.Done():
	case <-m.stopped:
		return "", apierr.New(apierr.KindUnavailable, "executor pool is shut down")
	}

	// Deadline fired; withdraw the waiter. The loop may have assigned a
	// worker concurrently, in which case that worker is destroyed.
	select {
	case m.cancelCh <- req:
	case <-m.stopped:
	}
	m.metrics.countAcquisition("timeout")
	return "", apierr.New(apierr.KindUnavailable, "no executor worker available before deadline")
}

// Release hands a used worker back for destruction. Workers are
// single-use; release always terminates the pod.
func (m *Manager) Release(name string) {
	select {
	case m.releaseCh <- name:
	case <-m.stopped:
		// Loop gone; best-effort direct delete.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := m.client.DeleteWorker(ctx, name); err != nil {
				klog.Warningf("release worker %s after pool shutdown: %v", name, err)
			}
		}()
	}
}

// ---- run-loop internals ----

func (m *Manager) handleEvent(ctx context.Context, ev kube.WorkerEvent) {
	w := m.workers[ev.Name]

	terminated := ev.Deleted || ev.Phase == corev1.PodFailed || ev.Phase == corev1.PodSucceeded
	if terminated {
		if w != nil {
			m.markGone(ctx, w, ev.Deleted)
		}
		m.replenish(ctx)
		return
	}

	if w == nil {
		// Prefix-matching but untracked, e.g. left over from a previous
		// broker instance. Adopt and let the state machine sort it out.
		w = &worker{name: ev.Name, state: StateProvisioning, createdAt: time.Now()}
		m.workers[ev.Name] = w
		klog.Infof("adopted unknown worker %s in phase %s", ev.Name, ev.Phase)
	}
	w.lastPhase = ev.Phase

	if ev.Phase == corev1.PodRunning && ev.Ready && w.state == StateProvisioning {
		m.promote(ctx, w)
	}
	m.replenish(ctx)
}

// promote moves a provisioned worker to Ready, or directly to a queued
// waiter in FIFO order.
func (m *Manager) promote(ctx context.Context, w *worker) {
	if len(m.waiters) > 0 {
		req := m.waiters[0]
		m.waiters = m.waiters[1:]
		w.state = StateAssigned
		w.chatID = req.chatID
		req.reply <- w.name
		klog.V(2).Infof("worker %s handed to waiter (chat %s)", w.name, req.chatID)
		return
	}
	w.state = StateReady
	m.readyQ = append(m.readyQ, w.name)
	klog.V(2).Infof("worker %s ready, queue length %d", w.name, len(m.readyQ))
}

func (m *Manager) handleAcquire(ctx context.Context, req *acquireReq) {
	for len(m.readyQ) > 0 {
		name := m.readyQ[0]
		m.readyQ = m.readyQ[1:]
		w := m.workers[name]
		if w == nil || w.state != StateReady {
			continue // lost to a failure event while queued
		}
		w.state = StateAssigned
		w.chatID = req.chatID
		req.reply <- name
		m.replenish(ctx)
		return
	}
	m.waiters = append(m.waiters, req)
	m.replenish(ctx)
}

func (m *Manager) handleCancel(ctx context.Context, req *acquireReq) {
	for i, queued := range m.waiters {
		if queued == req {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
	// Not queued: a worker may have been assigned concurrently with the
	// cancellation. Assigned workers never return to Ready; destroy it.
	select {
	case name := <-req.reply:
		if w := m.workers[name]; w != nil && w.state == StateAssigned {
			w.state = StateTerminating
			w.chatID = ""
			m.deleteWorkerAsync(ctx, name)
			m.replenish(ctx)
		}
	default:
	}
}

func (m *Manager) handleRelease(ctx context.Context, name string) {
	w := m.workers[name]
	if w == nil {
		// Already gone; still make sure the pod is not left behind.
		m.deleteWorkerAsync(ctx, name)
		return
	}
	w.state = StateTerminating
	w.chatID = ""
	m.deleteWorkerAsync(ctx, name)
	m.replenish(ctx)
}

func (m *Manager) handleCreateResult(ctx context.Context, res createResult) {
	if res.err == nil {
		return // readiness arrives via the watch
	}
	w := m.workers[res.name]
	if w != nil && w.state == StateProvisioning {
		delete(m.workers, res.name)
	}
	if errors.Is(res.err, kube.ErrWorkerExists) {
		klog.Warningf("worker name %s collided, regenerating", res.name)
		m.replenish(ctx)
		return
	}
	klog.Errorf("failed to create worker %s, will retry on next tick: %v", res.name, res.err)
}

// markGone drops every trace of a worker. Non-deleted terminal pods are
// removed from the orchestrator as well.
func (m *Manager) markGone(ctx context.Context, w *worker, alreadyDeleted bool) {
	if w.state == StateReady {
		for i, name := range m.readyQ {
			if name == w.name {
				m.readyQ = append(m.readyQ[:i], m.readyQ[i+1:]...)
				break
			}
		}
	}
	delete(m.workers, w.name)
	m.metrics.countGone()
	if !alreadyDeleted {
		m.deleteWorkerAsync(ctx, w.name)
	}
	klog.V(2).Infof("worker %s gone (was %s)", w.name, w.state)
}

// replenish tops the pool up to the target. Assigned and terminating
// workers are excluded: they never return to the queue.
func (m *Manager) replenish(ctx context.Context) {
	pending := 0
	for _, w := range m.workers {
		if w.state == StateProvisioning || w.state == StateReady {
			pending++
		}
	}
	deficit := m.opts.Target + len(m.waiters) - pending
	for i := 0; i < deficit; i++ {
		name := m.opts.NamePrefix + randomSuffix(6)
		if _, exists := m.workers[name]; exists {
			continue // vanishingly unlikely; next tick covers it
		}
		m.workers[name] = &worker{name: name, state: StateProvisioning, createdAt: time.Now()}
		m.metrics.countCreated()
		go func() {
			createCtx, cancel := context.WithTimeout(context.Background(), m.opts.ProvisionTimeout)
			defer cancel()
			err := m.client.CreateWorker(createCtx, name)
			select {
			case m.createdCh <- createResult{name: name, err: err}:
			case <-ctx.Done():
			}
		}()
	}
}

// resync is the periodic safety net: it retries failed creations and
// force-deletes workers stuck in Provisioning.
func (m *Manager) resync(ctx context.Context) {
	now := time.Now()
	for _, w := range m.workers {
		if w.state == StateProvisioning && now.Sub(w.createdAt) > m.opts.ProvisionTimeout {
			klog.Warningf("worker %s stuck in Provisioning for %s, force-deleting", w.name, now.Sub(w.createdAt).Round(time.Second))
			w.state = StateTerminating
			m.deleteWorkerAsync(ctx, w.name)
		}
	}
	m.replenish(ctx)
}

func (m *Manager) deleteWorkerAsync(ctx context.Context, name string) {
	go func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.client.DeleteWorker(deleteCtx, name); err != nil {
			klog.Warningf("delete worker %s: %v", name, err)
		}
	}()
}

func (m *Manager) updateGauges() {
	var ready, provisioning, assigned int
	for _, w := range m.workers {
		switch w.state {
		case StateReady:
			ready++
		case StateProvisioning:
			provisioning++
		case StateAssigned:
			assigned++
		}
	}
	m.metrics.setGauges(ready, provisioning, assigned, len(m.waiters))
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}
