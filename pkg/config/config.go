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

// Package config loads the broker configuration from APP_-prefixed
// environment variables. A .env file in the working directory is honored
// when present.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

const envPrefix = "APP_"

func init() {
	// Load .env if it exists; real environment variables win.
	_ = godotenv.Load()
}

// Config is the root configuration of the broker process.
type Config struct {
	// HTTPListenAddr is the address and port the HTTP server listens on.
	HTTPListenAddr string
	// GRPCListenAddr is the address the gRPC mirror would listen on.
	GRPCListenAddr string
	// GRPCEnabled toggles the gRPC mirror surface.
	GRPCEnabled bool

	// TLSCert, TLSCertKey and TLSCACert hold PEM content, not paths.
	TLSCert    string
	TLSCertKey string
	TLSCACert  string

	// ExecutorImage is the container image for worker pods.
	ExecutorImage string
	// ExecutorContainerResources is the pod container 'resources' field.
	ExecutorContainerResources corev1.ResourceRequirements
	// ExecutorPodSpecExtra holds extra worker pod spec fields, merged as-is.
	ExecutorPodSpecExtra map[string]any
	// ExecutorPodQueueTargetLength is the warm pool target size.
	ExecutorPodQueueTargetLength int
	// ExecutorPodNamePrefix is the first part of worker pod names.
	ExecutorPodNamePrefix string
	// Namespace is the namespace worker pods are created in.
	Namespace string

	// FileStoragePath is the root of the file object store.
	FileStoragePath string
	// MetaStore selects the metadata backend: fs, redis or valkey.
	MetaStore string
	// GlobalMaxDownloads caps per-file download quotas, 0 = unlimited.
	GlobalMaxDownloads int
	// FileSizeLimit bounds a single workspace file, e.g. "1Gi".
	FileSizeLimit resource.Quantity
	// ReclaimInterval is the period of the background store sweep.
	ReclaimInterval time.Duration

	// OutputLimitBytes truncates captured stdout/stderr past this size.
	OutputLimitBytes int
	// WorkerProvisionTimeout bounds how long a worker may stay Provisioning.
	WorkerProvisionTimeout time.Duration
	// AcquireTimeout is the default deadline for pool acquisition.
	AcquireTimeout time.Duration

	// PublicSpawnEnabled opens the spawn-capable endpoints to any caller.
	PublicSpawnEnabled bool
	// InternalHostAllowlist and InternalIPAllowlist gate spawn-capable
	// endpoints when PublicSpawnEnabled is false.
	InternalHostAllowlist []string
	InternalIPAllowlist   []string
	// RequireChatID rejects execute requests without a chat_id.
	RequireChatID bool
}

// Load reads the configuration from the environment, applying defaults
// for every unset key.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPListenAddr:        getString("HTTP_LISTEN_ADDR", "0.0.0.0:50081"),
		GRPCListenAddr:        getString("GRPC_LISTEN_ADDR", "0.0.0.0:50051"),
		TLSCert:               getString("TLS_CERT", ""),
		TLSCertKey:            getString("TLS_CERT_KEY", ""),
		TLSCACert:             getString("TLS_CA_CERT", ""),
		ExecutorImage:         getString("EXECUTOR_IMAGE", "localhost/code-executor:local"),
		ExecutorPodNamePrefix: getString("EXECUTOR_POD_NAME_PREFIX", "code-executor-"),
		Namespace:             getString("NAMESPACE", "default"),
		FileStoragePath:       getString("FILE_STORAGE_PATH", "/tmp/codebroker"),
		MetaStore:             strings.ToLower(getString("META_STORE", "fs")),
		InternalHostAllowlist: getStringList("INTERNAL_HOST_ALLOWLIST"),
		InternalIPAllowlist:   getStringList("INTERNAL_IP_ALLOWLIST"),
		ExecutorPodSpecExtra:  map[string]any{},
	}

	var err error
	if cfg.GRPCEnabled, err = getBool("GRPC_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.PublicSpawnEnabled, err = getBool("PUBLIC_SPAWN_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.RequireChatID, err = getBool("REQUIRE_CHAT_ID", true); err != nil {
		return nil, err
	}
	if cfg.ExecutorPodQueueTargetLength, err = getInt("EXECUTOR_POD_QUEUE_TARGET_LENGTH", 5); err != nil {
		return nil, err
	}
	if cfg.GlobalMaxDownloads, err = getInt("GLOBAL_MAX_DOWNLOADS", 0); err != nil {
		return nil, err
	}
	if cfg.OutputLimitBytes, err = getInt("OUTPUT_LIMIT_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.WorkerProvisionTimeout, err = getDuration("WORKER_PROVISION_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout, err = getDuration("ACQUIRE_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReclaimInterval, err = getDuration("RECLAIM_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.FileSizeLimit, err = getQuantity("FILE_SIZE_LIMIT", "1Gi"); err != nil {
		return nil, err
	}
	if err := getJSON("EXECUTOR_CONTAINER_RESOURCES", &cfg.ExecutorContainerResources); err != nil {
		return nil, err
	}
	if err := getJSON("EXECUTOR_POD_SPEC_EXTRA", &cfg.ExecutorPodSpecExtra); err != nil {
		return nil, err
	}

	switch cfg.MetaStore {
	case "fs", "redis", "valkey":
	default:
		return nil, fmt.Errorf("config: unsupported %sMETA_STORE %q", envPrefix, cfg.MetaStore)
	}
	if cfg.ExecutorPodQueueTargetLength < 0 {
		return nil, fmt.Errorf("config: %sEXECUTOR_POD_QUEUE_TARGET_LENGTH must be >= 0", envPrefix)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func getStringList(key string) []string {
	raw := getString(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getBool(key string, def bool) (bool, error) {
	raw := getString(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s%s %q: %w", envPrefix, key, raw, err)
	}
	return v, nil
}

func getInt(key string, def int) (int, error) {
	raw := getString(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s%s %q: %w", envPrefix, key, raw, err)
	}
	return v, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getString(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s%s %q: %w", envPrefix, key, raw, err)
	}
	return v, nil
}

func getQuantity(key, def string) (resource.Quantity, error) {
	raw := getString(key, def)
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return resource.Quantity{}, fmt.Errorf("config: invalid %s%s %q: %w", envPrefix, key, raw, err)
	}
	return q, nil
}

func getJSON(key string, out any) error {
	raw := getString(key, "")
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("config: invalid %s%s: %w", envPrefix, key, err)
	}
	return nil
}
