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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openexec/codebroker/pkg/config"
	"github.com/openexec/codebroker/pkg/service"
	"github.com/openexec/codebroker/pkg/session"
	"github.com/openexec/codebroker/pkg/storage"
	"github.com/openexec/codebroker/pkg/workerio"
)

type stubPool struct{ n int }

func (p *stubPool) Acquire(ctx context.Context, chatID string) (string, error) {
	p.n++
	return fmt.Sprintf("worker-%d", p.n), nil
}
func (p *stubPool) Release(name string) {}

type stubWorkspace struct{}

func (stubWorkspace) Project(ctx context.Context, worker, chatID string, requested map[string]string, persistent bool) error {
	return nil
}
func (stubWorkspace) Extract(ctx context.Context, worker, chatID string, requested map[string]string, opts session.ExtractOptions) (map[string]string, map[string]storage.Metadata, error) {
	return map[string]string{}, map[string]storage.Metadata{}, nil
}

type stubRunner struct {
	result workerio.ExecResult
}

func (r stubRunner) Run(ctx context.Context, worker, source string, env map[string]string) (workerio.ExecResult, error) {
	return r.result, nil
}

func newTestServer(t *testing.T, result workerio.ExecResult) *Server {
	t.Helper()
	root := t.TempDir()
	meta, err := storage.NewFSMetaStore(root)
	require.NoError(t, err)
	store, err := storage.New(root, meta, 1<<20)
	require.NoError(t, err)

	svc := service.New(&stubPool{}, stubWorkspace{}, stubRunner{result: result}, store, service.Options{
		RequireChatID: true,
	})
	cfg := &config.Config{
		PublicSpawnEnabled: true,
	}
	return New(cfg, svc, nil)
}

func doJSON(t *testing.T, s *Server, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestExecuteHelloWorld(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{Stdout: "Hello, World!\n"})

	w := doJSON(t, s, "/v1/execute", map[string]any{
		"source_code": "print('Hello, World!')",
		"chat_id":     "s1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp executeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Hello, World!\n", resp.Stdout)
	assert.Equal(t, "", resp.Stderr)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Empty(t, resp.Files)
	assert.Equal(t, "s1", resp.ChatID)
}

func TestExecuteAcceptsLooseKeys(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{Stdout: "ok\n"})

	w := doJSON(t, s, "/v1/execute", map[string]any{
		"requestBody": map[string]any{
			"sourceCode": "print('ok')",
			"chatId":     "loose",
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp executeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "loose", resp.ChatID)
}

func TestExecuteRejectsMissingChatID(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})
	w := doJSON(t, s, "/v1/execute", map[string]any{"source_code": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteRejectsMissingSource(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})
	w := doJSON(t, s, "/v1/execute", map[string]any{"chat_id": "c"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func uploadFile(t *testing.T, s *Server, chatID, filename, content string, extraFields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chat_id", chatID))
	for k, v := range extraFields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("upload", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestUploadDownloadQuota(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})

	up := uploadFile(t, s, "s1", "data.csv", "a,b\n1,2\n", map[string]string{"max_downloads": "2"})
	require.Equal(t, http.StatusOK, up.Code, up.Body.String())

	var uploaded struct {
		FileHash string           `json:"file_hash"`
		Filename string           `json:"filename"`
		ChatID   string           `json:"chat_id"`
		Metadata storage.Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &uploaded))
	assert.Equal(t, "data.csv", uploaded.Filename)
	assert.Equal(t, "s1", uploaded.ChatID)
	require.NotNil(t, uploaded.Metadata.RemainingDownloads)
	assert.Equal(t, 2, *uploaded.Metadata.RemainingDownloads)
	assert.Nil(t, uploaded.Metadata.ExpiresAt)

	ref := map[string]any{"chat_id": "s1", "file_hash": uploaded.FileHash, "filename": "data.csv"}

	for i := 0; i < 2; i++ {
		dl := doJSON(t, s, "/v1/download", ref)
		require.Equal(t, http.StatusOK, dl.Code, "download %d", i+1)
		assert.Equal(t, "a,b\n1,2\n", dl.Body.String())
		assert.NotEmpty(t, dl.Header().Get("Content-Type"))
		assert.Contains(t, dl.Header().Get("Content-Disposition"), "data.csv")
	}

	third := doJSON(t, s, "/v1/download", ref)
	assert.Equal(t, http.StatusNotFound, third.Code, "third download exceeds the quota")
	assert.Contains(t, third.Body.String(), "QuotaExhausted")
}

func TestDownloadUnknownFile(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})
	w := doJSON(t, s, "/v1/download", map[string]any{
		"chat_id": "nope", "file_hash": "doesnotexist", "filename": "x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExpireFlow(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})

	up := uploadFile(t, s, "c", "hello.txt", "hello-black-box!", nil)
	require.Equal(t, http.StatusOK, up.Code)
	var uploaded struct {
		FileHash string `json:"file_hash"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &uploaded))

	ref := map[string]any{"chat_id": "c", "file_hash": uploaded.FileHash, "filename": "hello.txt"}

	ok := doJSON(t, s, "/v1/download", ref)
	require.Equal(t, http.StatusOK, ok.Code)

	exp := doJSON(t, s, "/v1/expire", ref)
	require.Equal(t, http.StatusOK, exp.Code)
	assert.JSONEq(t, `{"success":true}`, exp.Body.String())

	gone := doJSON(t, s, "/v1/download", ref)
	assert.Equal(t, http.StatusNotFound, gone.Code)

	wrongChat := doJSON(t, s, "/v1/expire", map[string]any{
		"chat_id": "WRONG", "file_hash": uploaded.FileHash, "filename": "hello.txt",
	})
	assert.Equal(t, http.StatusNotFound, wrongChat.Code)
}

func TestParseCustomToolEndpoint(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})

	greet := "def greet(name: str) -> str:\n  \"\"\"Greet.\n  :param name: who\n  :return: greeting\n  \"\"\"\n  return 'hi '+name"
	w := doJSON(t, s, "/v1/parse-custom-tool", map[string]any{"tool_source_code": greet})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		ToolName            string `json:"tool_name"`
		ToolInputSchemaJSON string `json:"tool_input_schema_json"`
		ToolDescription     string `json:"tool_description"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "greet", resp.ToolName)
	assert.Contains(t, resp.ToolInputSchemaJSON, `"name"`)

	bad := doJSON(t, s, "/v1/parse-custom-tool", map[string]any{"tool_source_code": "x = 1"})
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "error_messages")
}

func TestExecuteCustomToolEndpoint(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{
		Stdout: "---CODEBROKER-TOOL-OUTPUT---\n\"hi world\"\n",
	})

	greet := "def greet(name: str) -> str:\n  \"\"\"Greet.\n  :param name: who\n  \"\"\"\n  return 'hi '+name"
	w := doJSON(t, s, "/v1/execute-custom-tool", map[string]any{
		"tool_source_code": greet,
		"tool_input_json":  `{"name": "world"}`,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"tool_output_json":"\"hi world\""}`, w.Body.String())

	bad := doJSON(t, s, "/v1/execute-custom-tool", map[string]any{
		"tool_source_code": greet,
		"tool_input_json":  `{"name": 42}`,
	})
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "stderr")
}

func TestSpawnGuard(t *testing.T) {
	s := newTestServer(t, workerio.ExecResult{})
	s.cfg.PublicSpawnEnabled = false
	s.cfg.InternalIPAllowlist = []string{"10.9.8.7"}

	payload, _ := json.Marshal(map[string]any{"source_code": "1", "chat_id": "c"})

	blocked := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(payload))
	blocked.Header.Set("Content-Type", "application/json")
	blocked.RemoteAddr = "203.0.113.5:4444"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, blocked)
	assert.Equal(t, http.StatusForbidden, w.Code)

	allowed := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(payload))
	allowed.Header.Set("Content-Type", "application/json")
	allowed.RemoteAddr = "10.9.8.7:4444"
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, allowed)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Downloads are not spawn-capable and stay open.
	dl := doJSON(t, s, "/v1/download", map[string]any{
		"chat_id": "c", "file_hash": "none", "filename": "f",
	})
	assert.Equal(t, http.StatusNotFound, dl.Code)
}
