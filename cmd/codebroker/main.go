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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/klog/v2"

	"github.com/openexec/codebroker/pkg/config"
	"github.com/openexec/codebroker/pkg/kube"
	"github.com/openexec/codebroker/pkg/pool"
	"github.com/openexec/codebroker/pkg/server"
	"github.com/openexec/codebroker/pkg/service"
	"github.com/openexec/codebroker/pkg/session"
	"github.com/openexec/codebroker/pkg/storage"
	"github.com/openexec/codebroker/pkg/workerio"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.GRPCEnabled {
		klog.Warning("gRPC mirror is not built into this binary; serving HTTP only")
	}

	kubeClient, err := kube.NewClient(kube.Options{
		Namespace:          cfg.Namespace,
		Image:              cfg.ExecutorImage,
		ContainerResources: cfg.ExecutorContainerResources,
		PodSpecExtra:       cfg.ExecutorPodSpecExtra,
	})
	if err != nil {
		klog.Fatalf("Failed to create orchestrator client: %v", err)
	}

	meta, err := newMetaStore(cfg)
	if err != nil {
		klog.Fatalf("Failed to initialize metadata store: %v", err)
	}
	defer meta.Close()

	store, err := storage.New(cfg.FileStoragePath, meta, cfg.FileSizeLimit.Value())
	if err != nil {
		klog.Fatalf("Failed to open file store at %s: %v", cfg.FileStoragePath, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	poolManager := pool.New(kubeClient, pool.Options{
		Target:           cfg.ExecutorPodQueueTargetLength,
		NamePrefix:       cfg.ExecutorPodNamePrefix,
		ProvisionTimeout: cfg.WorkerProvisionTimeout,
	}, pool.NewMetrics(registry))

	workspace := session.NewManager(workerio.NewFS(kubeClient), store)
	svc := service.New(poolManager, workspace, workerio.NewRunner(kubeClient), store, service.Options{
		RequireChatID:      cfg.RequireChatID,
		GlobalMaxDownloads: cfg.GlobalMaxDownloads,
		OutputLimitBytes:   cfg.OutputLimitBytes,
		AcquireTimeout:     cfg.AcquireTimeout,
	})

	httpServer := server.New(cfg, svc, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.Infof("Received signal %v, shutting down", sig)
		cancel()
	}()

	go func() {
		if err := poolManager.Run(ctx); err != nil && ctx.Err() == nil {
			klog.Errorf("Executor pool stopped: %v", err)
			cancel()
		}
	}()
	go store.RunReclaimer(ctx, cfg.ReclaimInterval)

	if err := httpServer.Start(ctx); err != nil {
		klog.Fatalf("HTTP server failed: %v", err)
	}
}

func newMetaStore(cfg *config.Config) (storage.MetaStore, error) {
	switch cfg.MetaStore {
	case "redis":
		return storage.NewRedisMetaStore()
	case "valkey":
		return storage.NewValkeyMetaStore()
	default:
		return storage.NewFSMetaStore(cfg.FileStoragePath)
	}
}
