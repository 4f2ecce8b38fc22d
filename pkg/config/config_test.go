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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50081", cfg.HTTPListenAddr)
	assert.Equal(t, "0.0.0.0:50051", cfg.GRPCListenAddr)
	assert.False(t, cfg.GRPCEnabled)
	assert.Equal(t, 5, cfg.ExecutorPodQueueTargetLength)
	assert.Equal(t, "code-executor-", cfg.ExecutorPodNamePrefix)
	assert.Equal(t, "fs", cfg.MetaStore)
	assert.True(t, cfg.RequireChatID)
	assert.Equal(t, 0, cfg.GlobalMaxDownloads)
	assert.Equal(t, time.Minute, cfg.AcquireTimeout)
	assert.Equal(t, int64(1<<30), cfg.FileSizeLimit.Value())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_HTTP_LISTEN_ADDR", "127.0.0.1:8081")
	t.Setenv("APP_EXECUTOR_POD_QUEUE_TARGET_LENGTH", "12")
	t.Setenv("APP_REQUIRE_CHAT_ID", "false")
	t.Setenv("APP_META_STORE", "redis")
	t.Setenv("APP_INTERNAL_IP_ALLOWLIST", "10.0.0.1, 10.0.0.2")
	t.Setenv("APP_WORKER_PROVISION_TIMEOUT", "45s")
	t.Setenv("APP_EXECUTOR_CONTAINER_RESOURCES", `{"limits":{"cpu":"1","memory":"512Mi"}}`)
	t.Setenv("APP_EXECUTOR_POD_SPEC_EXTRA", `{"runtimeClassName":"gvisor"}`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8081", cfg.HTTPListenAddr)
	assert.Equal(t, 12, cfg.ExecutorPodQueueTargetLength)
	assert.False(t, cfg.RequireChatID)
	assert.Equal(t, "redis", cfg.MetaStore)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.InternalIPAllowlist)
	assert.Equal(t, 45*time.Second, cfg.WorkerProvisionTimeout)
	memLimit := cfg.ExecutorContainerResources.Limits[corev1.ResourceMemory]
	assert.Equal(t, "512Mi", memLimit.String())
	assert.Equal(t, "gvisor", cfg.ExecutorPodSpecExtra["runtimeClassName"])
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("APP_META_STORE", "etcd")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	t.Setenv("APP_EXECUTOR_POD_SPEC_EXTRA", "{not json")
	_, err := Load()
	assert.Error(t, err)
}
