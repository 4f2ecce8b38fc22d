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

package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/session"
	"github.com/openexec/codebroker/pkg/storage"
	"github.com/openexec/codebroker/pkg/workerio"
)

type fakePool struct {
	next     int
	acquired []string
	released []string
}

func (p *fakePool) Acquire(ctx context.Context, chatID string) (string, error) {
	p.next++
	name := fmt.Sprintf("worker-%d", p.next)
	p.acquired = append(p.acquired, name)
	return name, nil
}

func (p *fakePool) Release(name string) {
	p.released = append(p.released, name)
}

type fakeWorkspace struct {
	projectErr    error
	projected     []string
	extracted     []string
	extractFiles  map[string]string
	extractMeta   map[string]storage.Metadata
	lastRequested map[string]string
	lastOpts      session.ExtractOptions
}

func (w *fakeWorkspace) Project(ctx context.Context, worker, chatID string, requested map[string]string, persistent bool) error {
	w.projected = append(w.projected, worker)
	w.lastRequested = requested
	return w.projectErr
}

func (w *fakeWorkspace) Extract(ctx context.Context, worker, chatID string, requested map[string]string, opts session.ExtractOptions) (map[string]string, map[string]storage.Metadata, error) {
	w.extracted = append(w.extracted, worker)
	w.lastOpts = opts
	if w.extractFiles == nil {
		return map[string]string{}, map[string]storage.Metadata{}, nil
	}
	return w.extractFiles, w.extractMeta, nil
}

type fakeRunner struct {
	run func(worker, source string, env map[string]string) (workerio.ExecResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, worker, source string, env map[string]string) (workerio.ExecResult, error) {
	return r.run(worker, source, env)
}

func newTestService(runner *fakeRunner, opts Options) (*Service, *fakePool, *fakeWorkspace) {
	pool := &fakePool{}
	ws := &fakeWorkspace{}
	return New(pool, ws, runner, nil, opts), pool, ws
}

func TestExecuteHelloWorld(t *testing.T) {
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		assert.Equal(t, "print('Hello, World!')", source)
		return workerio.ExecResult{Stdout: "Hello, World!\n"}, nil
	}}
	svc, pool, _ := newTestService(runner, Options{RequireChatID: true})

	result, err := svc.Execute(context.Background(), ExecuteRequest{
		SourceCode: "print('Hello, World!')",
		ChatID:     "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello, World!\n", result.Stdout)
	assert.Equal(t, "", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Files)
	assert.Empty(t, result.FilesMetadata)
	assert.Equal(t, "s1", result.ChatID)

	require.Len(t, pool.acquired, 1)
	assert.Equal(t, pool.acquired, pool.released, "worker must always be released")
}

func TestExecuteRequiresChatID(t *testing.T) {
	svc, pool, _ := newTestService(&fakeRunner{}, Options{RequireChatID: true})

	_, err := svc.Execute(context.Background(), ExecuteRequest{SourceCode: "1"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindInvalidArgument, apierr.KindOf(err))
	assert.Empty(t, pool.acquired, "no worker is consumed for invalid requests")
}

func TestExecuteDefaultsChatID(t *testing.T) {
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		return workerio.ExecResult{}, nil
	}}
	svc, _, _ := newTestService(runner, Options{RequireChatID: false})

	result, err := svc.Execute(context.Background(), ExecuteRequest{SourceCode: "1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultChatID, result.ChatID)
}

func TestExecuteNonZeroExitIsSuccess(t *testing.T) {
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		return workerio.ExecResult{ExitCode: 3}, nil
	}}
	svc, _, _ := newTestService(runner, Options{})

	result, err := svc.Execute(context.Background(), ExecuteRequest{SourceCode: "import sys; sys.exit(3)", ChatID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "", result.Stdout)
	assert.Equal(t, "", result.Stderr)
}

func TestExecuteRetriesExecFailureOnFreshWorker(t *testing.T) {
	calls := 0
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		calls++
		if calls == 1 {
			return workerio.ExecResult{}, fmt.Errorf("connection reset by peer")
		}
		return workerio.ExecResult{Stdout: "ok\n"}, nil
	}}
	svc, pool, _ := newTestService(runner, Options{})

	result, err := svc.Execute(context.Background(), ExecuteRequest{SourceCode: "1", ChatID: "c"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Stdout)
	assert.Equal(t, 2, calls)
	require.Len(t, pool.acquired, 2, "retry must use a fresh worker")
	assert.NotEqual(t, pool.acquired[0], pool.acquired[1])
	assert.Equal(t, pool.acquired, pool.released)
}

func TestExecuteProjectionFailureDoesNotRetry(t *testing.T) {
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		t.Fatal("runner must not be invoked after projection failure")
		return workerio.ExecResult{}, nil
	}}
	svc, pool, ws := newTestService(runner, Options{})
	ws.projectErr = apierr.New(apierr.KindWorkspaceProjectionFailed, "missing blob")

	_, err := svc.Execute(context.Background(), ExecuteRequest{
		SourceCode: "1",
		ChatID:     "c",
		Files:      map[string]string{"/workspace/in.txt": "deadbeef"},
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindWorkspaceProjectionFailed, apierr.KindOf(err))
	require.Len(t, pool.acquired, 1)
	assert.Equal(t, pool.acquired, pool.released, "poisoned worker is destroyed via release")
}

func TestExecutePersistentWorkspaceExtracts(t *testing.T) {
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		return workerio.ExecResult{}, nil
	}}
	svc, _, ws := newTestService(runner, Options{})
	ws.extractFiles = map[string]string{"/workspace/out.txt": "abc"}
	ws.extractMeta = map[string]storage.Metadata{"/workspace/out.txt": {Hash: "abc"}}

	result, err := svc.Execute(context.Background(), ExecuteRequest{
		SourceCode:          "1",
		ChatID:              "s2",
		PersistentWorkspace: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Files["/workspace/out.txt"])
	require.Len(t, ws.extracted, 1)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	runner := &fakeRunner{run: func(worker, source string, env map[string]string) (workerio.ExecResult, error) {
		return workerio.ExecResult{Stdout: long, Stderr: "short"}, nil
	}}
	svc, _, _ := newTestService(runner, Options{OutputLimitBytes: 10})

	result, err := svc.Execute(context.Background(), ExecuteRequest{SourceCode: "1", ChatID: "c"})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10)+outputTruncationSentinel, result.Stdout)
	assert.Equal(t, "short", result.Stderr)
}

func TestCapDownloads(t *testing.T) {
	svc := New(&fakePool{}, &fakeWorkspace{}, &fakeRunner{}, nil, Options{GlobalMaxDownloads: 5})

	three := 3
	nine := 9
	assert.Equal(t, 3, *svc.capDownloads(&three))
	assert.Equal(t, 5, *svc.capDownloads(&nine))
	assert.Equal(t, 5, *svc.capDownloads(nil))

	unlimited := New(&fakePool{}, &fakeWorkspace{}, &fakeRunner{}, nil, Options{})
	assert.Nil(t, unlimited.capDownloads(nil))
	assert.Equal(t, 9, *unlimited.capDownloads(&nine))
}

func TestResolveExpiryStricterWins(t *testing.T) {
	svc := New(&fakePool{}, &fakeWorkspace{}, &fakeRunner{}, nil, Options{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	days := 2
	seconds := 60

	assert.Nil(t, svc.resolveExpiry(nil, nil))

	exp := svc.resolveExpiry(&days, nil)
	require.NotNil(t, exp)
	assert.Equal(t, base.Add(48*time.Hour), *exp)

	exp = svc.resolveExpiry(&days, &seconds)
	require.NotNil(t, exp)
	assert.Equal(t, base.Add(time.Minute), *exp, "the earlier expiry wins")
}
