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

// Package session reconciles a declared per-chat file set into a worker's
// workspace before execution, and extracts the resulting workspace back
// into the file object store afterwards.
package session

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"k8s.io/klog/v2"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/storage"
)

// WorkerFS is the worker workspace protocol (implemented by workerio.FS).
type WorkerFS interface {
	List(ctx context.Context, worker string) (map[string]string, error)
	Upload(ctx context.Context, worker, path string, r io.Reader) error
	Download(ctx context.Context, worker, path string, w io.Writer) error
	Remove(ctx context.Context, worker, path string) error
}

// Manager projects and extracts workspaces.
type Manager struct {
	fs    WorkerFS
	store *storage.Store
}

// NewManager binds the workspace manager to a worker protocol and store.
func NewManager(fs WorkerFS, store *storage.Store) *Manager {
	return &Manager{fs: fs, store: store}
}

// Project makes the worker's /workspace contain the files declared in
// requested (path → content hash), reconciling by hash diff: surplus
// files are removed (unless persistent), missing or changed files are
// streamed in from the store. Any failure means the worker must be
// destroyed, not reused.
func (m *Manager) Project(ctx context.Context, worker, chatID string, requested map[string]string, persistent bool) error {
	current, err := m.fs.List(ctx, worker)
	if err != nil {
		return apierr.Wrap(apierr.KindWorkspaceProjectionFailed, err, "list workspace")
	}

	for p := range current {
		if _, keep := requested[p]; keep || persistent {
			continue
		}
		if err := m.fs.Remove(ctx, worker, p); err != nil {
			return apierr.Wrap(apierr.KindWorkspaceProjectionFailed, err, "remove %s", p)
		}
	}

	uploaded := 0
	for p, hash := range requested {
		if current[p] == hash {
			continue // content-addressed: same hash, same bytes
		}
		if err := m.projectFile(ctx, worker, chatID, p, hash); err != nil {
			return err
		}
		uploaded++
	}
	if uploaded > 0 {
		klog.V(2).Infof("projected %d files into worker %s", uploaded, worker)
	}
	return nil
}

func (m *Manager) projectFile(ctx context.Context, worker, chatID, filePath, hash string) error {
	rc, _, err := m.store.Get(ctx, chatID, path.Base(filePath), hash, false)
	if err != nil {
		return apierr.Wrap(apierr.KindWorkspaceProjectionFailed, err, "fetch blob for %s", filePath)
	}
	defer rc.Close()
	if err := m.fs.Upload(ctx, worker, filePath, rc); err != nil {
		return apierr.Wrap(apierr.KindWorkspaceProjectionFailed, err, "upload %s", filePath)
	}
	return nil
}

// ExtractOptions carries the request-derived metadata for newly produced
// files.
type ExtractOptions struct {
	MaxDownloads *int
	ExpiresAt    *time.Time
}

// Extract lists the post-execution workspace and stores every file that
// is new or changed relative to the projected set. The returned files map
// is the complete listing; metadata covers the newly stored files.
func (m *Manager) Extract(ctx context.Context, worker, chatID string, requested map[string]string, opts ExtractOptions) (map[string]string, map[string]storage.Metadata, error) {
	listing, err := m.fs.List(ctx, worker)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, err, "list workspace after execution")
	}

	files := make(map[string]string, len(listing))
	metadata := map[string]storage.Metadata{}
	for p, hash := range listing {
		if requested[p] == hash {
			files[p] = hash // unchanged; already in the store
			continue
		}
		storedHash, md, err := m.extractFile(ctx, worker, chatID, p, opts)
		if err != nil {
			return nil, nil, err
		}
		if storedHash != hash {
			// The file changed between listing and streaming; the stored
			// bytes are authoritative.
			klog.Warningf("workspace file %s changed during extraction (%s -> %s)", p, hash, storedHash)
		}
		files[p] = storedHash
		metadata[p] = md
	}
	return files, metadata, nil
}

func (m *Manager) extractFile(ctx context.Context, worker, chatID, filePath string, opts ExtractOptions) (string, storage.Metadata, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(m.fs.Download(ctx, worker, filePath, pw))
	}()

	hash, md, err := m.store.Put(ctx, chatID, path.Base(filePath), pr, storage.PutOptions{
		MaxDownloads: opts.MaxDownloads,
		ExpiresAt:    opts.ExpiresAt,
	})
	if err != nil {
		pr.CloseWithError(err)
		return "", storage.Metadata{}, apierr.Wrap(apierr.KindInternal, fmt.Errorf("store %s: %w", filePath, err), "extract workspace")
	}
	_ = pr.Close()
	return hash, md, nil
}
