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

// Package workerio speaks the worker's file-I/O protocol (shell commands
// exec'd in the worker container) and its code-execution RPC.
package workerio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/openexec/codebroker/pkg/kube"
)

// WorkspaceDir is the root of the per-session filesystem inside a worker.
const WorkspaceDir = "/workspace"

// FS drives a worker's workspace over exec'd shell commands.
type FS struct {
	client kube.Client
}

// NewFS returns a workspace protocol bound to the orchestrator client.
func NewFS(client kube.Client) *FS {
	return &FS{client: client}
}

// List hashes every regular file under /workspace and returns path → hash.
func (f *FS) List(ctx context.Context, worker string) (map[string]string, error) {
	var stdout, stderr bytes.Buffer
	// find exits non-zero if /workspace vanished; an empty workspace is
	// still a valid listing.
	script := fmt.Sprintf("find %s -type f -exec sha256sum {} + 2>/dev/null || true", WorkspaceDir)
	if err := f.client.Exec(ctx, worker, []string{"sh", "-c", script}, nil, &stdout, &stderr); err != nil {
		return nil, fmt.Errorf("list workspace of %s: %w (stderr: %s)", worker, err, strings.TrimSpace(stderr.String()))
	}
	return parseHashListing(stdout.String())
}

// Upload streams r into the worker at the given absolute workspace path,
// creating parent directories.
func (f *FS) Upload(ctx context.Context, worker, filePath string, r io.Reader) error {
	if err := validateWorkspacePath(filePath); err != nil {
		return err
	}
	dir := path.Dir(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), shellQuote(filePath))
	var stderr bytes.Buffer
	if err := f.client.Exec(ctx, worker, []string{"sh", "-c", script}, r, nil, &stderr); err != nil {
		return fmt.Errorf("upload %s to %s: %w (stderr: %s)", filePath, worker, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Download streams the file at the given workspace path into w.
func (f *FS) Download(ctx context.Context, worker, filePath string, w io.Writer) error {
	if err := validateWorkspacePath(filePath); err != nil {
		return err
	}
	var stderr bytes.Buffer
	if err := f.client.Exec(ctx, worker, []string{"cat", filePath}, nil, w, &stderr); err != nil {
		return fmt.Errorf("download %s from %s: %w (stderr: %s)", filePath, worker, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Remove deletes the file at the given workspace path. Missing files are
// not an error.
func (f *FS) Remove(ctx context.Context, worker, filePath string) error {
	if err := validateWorkspacePath(filePath); err != nil {
		return err
	}
	var stderr bytes.Buffer
	if err := f.client.Exec(ctx, worker, []string{"rm", "-f", "--", filePath}, nil, nil, &stderr); err != nil {
		return fmt.Errorf("remove %s from %s: %w (stderr: %s)", filePath, worker, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// parseHashListing parses `sha256sum` output: one "hash  path" per line.
func parseHashListing(out string) (map[string]string, error) {
	files := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hash, filePath, ok := strings.Cut(line, " ")
		if !ok || len(hash) != 64 {
			return nil, fmt.Errorf("malformed workspace listing line %q", line)
		}
		filePath = strings.TrimSpace(filePath)
		// sha256sum marks binary-mode files with a leading '*'.
		filePath = strings.TrimPrefix(filePath, "*")
		if filePath == "" {
			return nil, fmt.Errorf("malformed workspace listing line %q", line)
		}
		files[filePath] = hash
	}
	return files, nil
}

// validateWorkspacePath accepts only clean absolute paths under /workspace.
func validateWorkspacePath(p string) error {
	if !strings.HasPrefix(p, WorkspaceDir+"/") {
		return fmt.Errorf("path %q is outside %s", p, WorkspaceDir)
	}
	if cleaned := path.Clean(p); cleaned != p {
		return fmt.Errorf("path %q is not clean", p)
	}
	return nil
}

// shellQuote single-quotes s for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
