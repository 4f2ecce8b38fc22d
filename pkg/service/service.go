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

// Package service orchestrates the executor pool, the session workspace
// manager, the worker runner and the file store to serve execute and
// custom-tool requests.
package service

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/session"
	"github.com/openexec/codebroker/pkg/storage"
	"github.com/openexec/codebroker/pkg/workerio"
)

// DefaultChatID is used when chat_id is omitted and not required.
const DefaultChatID = "default"

// outputTruncationSentinel marks stdout/stderr cut at the configured limit.
const outputTruncationSentinel = "\n... [truncated]"

// WorkerPool is the pool capability the service needs.
type WorkerPool interface {
	Acquire(ctx context.Context, chatID string) (string, error)
	Release(name string)
}

// Workspace is the projection/extraction capability (session.Manager).
type Workspace interface {
	Project(ctx context.Context, worker, chatID string, requested map[string]string, persistent bool) error
	Extract(ctx context.Context, worker, chatID string, requested map[string]string, opts session.ExtractOptions) (map[string]string, map[string]storage.Metadata, error)
}

// Options tunes the service.
type Options struct {
	RequireChatID      bool
	GlobalMaxDownloads int
	OutputLimitBytes   int
	AcquireTimeout     time.Duration
}

// Service is the code execution front door.
type Service struct {
	pool      WorkerPool
	workspace Workspace
	runner    workerio.Runner
	store     *storage.Store
	opts      Options

	now func() time.Time
}

// New wires the service.
func New(pool WorkerPool, workspace Workspace, runner workerio.Runner, store *storage.Store, opts Options) *Service {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = time.Minute
	}
	return &Service{pool: pool, workspace: workspace, runner: runner, store: store, opts: opts, now: time.Now}
}

// ExecuteRequest is a code execution request.
type ExecuteRequest struct {
	SourceCode          string
	Files               map[string]string
	Env                 map[string]string
	ChatID              string
	PersistentWorkspace bool
	MaxDownloads        *int
	ExpiresDays         *int
	ExpiresSeconds      *int

	// noTruncate preserves the full stdout for internal callers that
	// parse it (custom tool driver output).
	noTruncate bool
}

// ExecuteResult is the outcome of a successful execution. A non-zero
// ExitCode of the user code is still a success.
type ExecuteResult struct {
	Stdout        string
	Stderr        string
	ExitCode      int
	Files         map[string]string
	FilesMetadata map[string]storage.Metadata
	ChatID        string
}

// Execute runs one request: acquire a worker, project the declared files,
// run the code, extract the workspace when PersistentWorkspace is set,
// release the worker. Internal exec
// failures are retried once on a fresh worker.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	chatID, err := s.resolveChatID(req.ChatID)
	if err != nil {
		return nil, err
	}

	result, err := s.executeOnce(ctx, chatID, req)
	if err != nil && apierr.IsKind(err, apierr.KindExecutionFailed) && ctx.Err() == nil {
		klog.Warningf("execution failed for chat %s, retrying on a fresh worker: %v", chatID, err)
		result, err = s.executeOnce(ctx, chatID, req)
	}
	return result, err
}

func (s *Service) executeOnce(ctx context.Context, chatID string, req ExecuteRequest) (*ExecuteResult, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.opts.AcquireTimeout)
	worker, err := s.pool.Acquire(acquireCtx, chatID)
	cancel()
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(worker)

	if err := s.workspace.Project(ctx, worker, chatID, req.Files, req.PersistentWorkspace); err != nil {
		return nil, err
	}

	res, err := s.runner.Run(ctx, worker, req.SourceCode, req.Env)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindExecutionFailed, err, "worker %s", worker)
	}

	stdout, stderr := res.Stdout, res.Stderr
	if !req.noTruncate {
		stdout, stderr = s.truncate(stdout), s.truncate(stderr)
	}
	out := &ExecuteResult{
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      res.ExitCode,
		Files:         map[string]string{},
		FilesMetadata: map[string]storage.Metadata{},
		ChatID:        chatID,
	}

	if req.PersistentWorkspace {
		files, metadata, err := s.workspace.Extract(ctx, worker, chatID, req.Files, session.ExtractOptions{
			MaxDownloads: s.capDownloads(req.MaxDownloads),
			ExpiresAt:    s.resolveExpiry(req.ExpiresDays, req.ExpiresSeconds),
		})
		if err != nil {
			return nil, err
		}
		out.Files = files
		out.FilesMetadata = metadata
	}
	return out, nil
}

func (s *Service) resolveChatID(chatID string) (string, error) {
	if chatID != "" {
		return chatID, nil
	}
	if s.opts.RequireChatID {
		return "", apierr.New(apierr.KindInvalidArgument, "chat_id is required")
	}
	return DefaultChatID, nil
}

// capDownloads applies the global quota ceiling (0 = unlimited).
func (s *Service) capDownloads(requested *int) *int {
	if s.opts.GlobalMaxDownloads <= 0 {
		return requested
	}
	limit := s.opts.GlobalMaxDownloads
	if requested == nil || *requested <= 0 || *requested > limit {
		return &limit
	}
	return requested
}

// resolveExpiry combines expires_days and expires_seconds; when both are
// set, the earlier instant wins.
func (s *Service) resolveExpiry(days, seconds *int) *time.Time {
	now := s.now().UTC()
	var out *time.Time
	if days != nil && *days > 0 {
		t := now.Add(time.Duration(*days) * 24 * time.Hour)
		out = &t
	}
	if seconds != nil && *seconds > 0 {
		t := now.Add(time.Duration(*seconds) * time.Second)
		if out == nil || t.Before(*out) {
			out = &t
		}
	}
	return out
}

func (s *Service) truncate(out string) string {
	if s.opts.OutputLimitBytes <= 0 || len(out) <= s.opts.OutputLimitBytes {
		return out
	}
	return out[:s.opts.OutputLimitBytes] + outputTruncationSentinel
}
