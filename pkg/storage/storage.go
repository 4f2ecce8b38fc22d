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

// Package storage is the content-addressed file object store: immutable
// blobs keyed by SHA-256 plus per-(chat, filename, hash) metadata with
// download quotas and expiry.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/openexec/codebroker/pkg/apierr"
)

// ErrTooLarge is returned by Put when the stream exceeds the size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// tmpMaxAge bounds how long an in-progress upload may linger before the
// reclaimer removes it.
const tmpMaxAge = time.Hour

// PutOptions carries the request-derived metadata of a new file.
type PutOptions struct {
	// MaxDownloads is the download quota; nil = unlimited.
	MaxDownloads *int
	// ExpiresAt is the absolute expiry; nil = never.
	ExpiresAt *time.Time
}

// Store combines the blob directory with a metadata backend.
type Store struct {
	root      string
	meta      MetaStore
	sizeLimit int64

	// reclaimGate serializes blob publication against reclamation so a
	// sweep never removes a blob whose metadata is about to appear.
	reclaimGate sync.RWMutex

	now func() time.Time
}

// New opens (creating if needed) a store rooted at path.
func New(path string, meta MetaStore, sizeLimit int64) (*Store, error) {
	for _, dir := range []string{path, filepath.Join(path, "blobs"), filepath.Join(path, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}
	return &Store{root: path, meta: meta, sizeLimit: sizeLimit, now: time.Now}, nil
}

// Meta exposes the metadata backend.
func (s *Store) Meta() MetaStore { return s.meta }

func (s *Store) blobPath(hash string) string {
	shard := "00"
	if len(hash) >= 2 {
		shard = hash[:2]
	}
	return filepath.Join(s.root, "blobs", shard, hash)
}

// Put streams r into the store: hash while writing to a temp file, then
// publish the blob under its hash (idempotent) and register metadata.
func (s *Store) Put(ctx context.Context, chatID, filename string, r io.Reader, opts PutOptions) (string, Metadata, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return "", Metadata{}, apierr.Wrap(apierr.KindInternal, err, "create temp blob")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	limited := r
	if s.sizeLimit > 0 {
		limited = io.LimitReader(r, s.sizeLimit+1)
	}
	size, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", Metadata{}, apierr.Wrap(apierr.KindInternal, err, "stream blob to temp file")
	}
	if s.sizeLimit > 0 && size > s.sizeLimit {
		return "", Metadata{}, ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return "", Metadata{}, err
	}

	hash := hex.EncodeToString(hasher.Sum(nil))

	s.reclaimGate.RLock()
	defer s.reclaimGate.RUnlock()

	dest := s.blobPath(hash)
	if _, err := os.Stat(dest); err != nil {
		if !os.IsNotExist(err) {
			return "", Metadata{}, apierr.Wrap(apierr.KindInternal, err, "stat blob %s", hash)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", Metadata{}, apierr.Wrap(apierr.KindInternal, err, "create blob shard dir")
		}
		if err := os.Rename(tmpName, dest); err != nil {
			return "", Metadata{}, apierr.Wrap(apierr.KindInternal, err, "publish blob %s", hash)
		}
	}

	md, err := s.meta.Register(ctx, Metadata{
		ChatID:             chatID,
		Filename:           filename,
		Hash:               hash,
		Size:               size,
		CreatedAt:          s.now().UTC(),
		RemainingDownloads: opts.MaxDownloads,
		ExpiresAt:          opts.ExpiresAt,
	})
	if err != nil {
		return "", Metadata{}, apierr.Wrap(apierr.KindInternal, err, "register metadata for %s", hash)
	}
	return hash, md, nil
}

// Get opens the blob for the given identity. With decrement=true one
// download is consumed; workspace projection reads pass false.
func (s *Store) Get(ctx context.Context, chatID, filename, hash string, decrement bool) (io.ReadCloser, Metadata, error) {
	err := s.meta.CheckAndDecrement(ctx, chatID, filename, hash, decrement, s.now())
	if err != nil {
		return nil, Metadata{}, mapMetaErr(err, chatID, filename, hash)
	}
	md, err := s.meta.Get(ctx, chatID, filename, hash)
	if err != nil {
		return nil, Metadata{}, mapMetaErr(err, chatID, filename, hash)
	}
	f, err := os.Open(s.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, Metadata{}, apierr.New(apierr.KindNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return nil, Metadata{}, apierr.Wrap(apierr.KindInternal, err, "open blob %s", hash)
	}
	return f, md, nil
}

// Stat returns the metadata without touching the quota.
func (s *Store) Stat(ctx context.Context, chatID, filename, hash string) (Metadata, error) {
	md, err := s.meta.Get(ctx, chatID, filename, hash)
	if err != nil {
		return Metadata{}, mapMetaErr(err, chatID, filename, hash)
	}
	return md, nil
}

// Expire marks the identity dead: zero quota, expiry now.
func (s *Store) Expire(ctx context.Context, chatID, filename, hash string) error {
	if err := s.meta.Expire(ctx, chatID, filename, hash, s.now()); err != nil {
		return mapMetaErr(err, chatID, filename, hash)
	}
	return nil
}

// Reclaim sweeps dead metadata entries, then removes blobs no live entry
// references, then clears stale temp files. Holding the write side of the
// gate excludes in-flight publications for the duration of the sweep.
func (s *Store) Reclaim(ctx context.Context) error {
	s.reclaimGate.Lock()
	defer s.reclaimGate.Unlock()

	entries, err := s.meta.List(ctx)
	if err != nil {
		return fmt.Errorf("list metadata: %w", err)
	}

	now := s.now()
	live := make(map[string]struct{}, len(entries))
	removed := 0
	for _, md := range entries {
		if md.Dead(now) {
			if err := s.meta.Delete(ctx, md.ChatID, md.Filename, md.Hash); err != nil {
				klog.Warningf("reclaim: drop metadata %s/%s: %v", md.ChatID, md.Hash, err)
				live[md.Hash] = struct{}{} // keep the blob until the entry goes
				continue
			}
			removed++
			continue
		}
		live[md.Hash] = struct{}{}
	}

	blobsRemoved, err := s.sweepBlobs(live)
	if err != nil {
		return err
	}
	s.sweepTmp(now)

	if removed > 0 || blobsRemoved > 0 {
		klog.Infof("reclaimed %d metadata entries and %d blobs", removed, blobsRemoved)
	}
	return nil
}

func (s *Store) sweepBlobs(live map[string]struct{}) (int, error) {
	removed := 0
	blobRoot := filepath.Join(s.root, "blobs")
	err := filepath.WalkDir(blobRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if _, ok := live[d.Name()]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			klog.Warningf("reclaim: remove blob %s: %v", d.Name(), err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep blobs: %w", err)
	}
	return removed, nil
}

func (s *Store) sweepTmp(now time.Time) {
	tmpDir := filepath.Join(s.root, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		klog.Warningf("reclaim: read tmp dir: %v", err)
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > tmpMaxAge {
			_ = os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}
}

// RunReclaimer sweeps on the given interval until ctx is done.
func (s *Store) RunReclaimer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reclaim(ctx); err != nil {
				klog.Errorf("store reclamation failed: %v", err)
			}
		}
	}
}

func mapMetaErr(err error, chatID, filename, hash string) error {
	switch {
	case errors.Is(err, ErrMetaNotFound):
		return apierr.New(apierr.KindNotFound, "file %s (%s) not found for chat %s", filename, hash, chatID)
	case errors.Is(err, ErrMetaExpired):
		return apierr.New(apierr.KindExpired, "file %s has expired", filename)
	case errors.Is(err, ErrMetaExhausted):
		return apierr.New(apierr.KindQuotaExhausted, "download limit reached for file %s", filename)
	default:
		return apierr.Wrap(apierr.KindInternal, err, "metadata access for %s", hash)
	}
}
