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

package workerio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/openexec/codebroker/pkg/kube"
)

// ExecResult is the outcome of running code inside a worker. A non-zero
// ExitCode is a successful execution of failing user code.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner invokes the worker's code-execution RPC.
type Runner interface {
	Run(ctx context.Context, worker string, sourceCode string, env map[string]string) (ExecResult, error)
}

type execRequest struct {
	SourceCode string            `json:"source_code"`
	Env        map[string]string `json:"env,omitempty"`
}

// httpRunner posts to the executor process listening inside the worker.
type httpRunner struct {
	client     kube.Client
	httpClient *http.Client
	port       string
}

// NewRunner returns the production Runner, resolving the worker's pod IP
// through the orchestrator client.
func NewRunner(client kube.Client) Runner {
	return &httpRunner{
		client:     client,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		port:       strconv.Itoa(kube.WorkerPort),
	}
}

func (r *httpRunner) Run(ctx context.Context, worker string, sourceCode string, env map[string]string) (ExecResult, error) {
	ip, err := r.client.PodIP(ctx, worker)
	if err != nil {
		return ExecResult{}, fmt.Errorf("resolve worker %s: %w", worker, err)
	}

	body, err := json.Marshal(execRequest{SourceCode: sourceCode, Env: env})
	if err != nil {
		return ExecResult{}, fmt.Errorf("encode exec request: %w", err)
	}

	url := fmt.Sprintf("http://%s/execute", net.JoinHostPort(ip, r.port))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ExecResult{}, fmt.Errorf("build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec RPC to worker %s: %w", worker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ExecResult{}, fmt.Errorf("exec RPC to worker %s: status %d: %s", worker, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ExecResult{}, fmt.Errorf("decode exec response from worker %s: %w", worker, err)
	}
	return result, nil
}
