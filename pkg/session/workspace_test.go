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

package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/storage"
)

// fakeFS is an in-memory worker workspace.
type fakeFS struct {
	files map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{files: map[string][]byte{}} }

func (f *fakeFS) List(ctx context.Context, worker string) (map[string]string, error) {
	out := map[string]string{}
	for p, data := range f.files {
		sum := sha256.Sum256(data)
		out[p] = hex.EncodeToString(sum[:])
	}
	return out, nil
}

func (f *fakeFS) Upload(ctx context.Context, worker, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.files[path] = data
	return nil
}

func (f *fakeFS) Download(ctx context.Context, worker, path string, w io.Writer) error {
	data, ok := f.files[path]
	if !ok {
		return fmt.Errorf("no such file %s", path)
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeFS) Remove(ctx context.Context, worker, path string) error {
	delete(f.files, path)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFS, *storage.Store) {
	t.Helper()
	root := t.TempDir()
	meta, err := storage.NewFSMetaStore(root)
	require.NoError(t, err)
	store, err := storage.New(root, meta, 1<<20)
	require.NoError(t, err)
	fs := newFakeFS()
	return NewManager(fs, store), fs, store
}

func hashOf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestProjectUploadsRequestedFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	hash, _, err := store.Put(ctx, "chat", "in.csv", strings.NewReader("a,b\n"), storage.PutOptions{})
	require.NoError(t, err)

	err = m.Project(ctx, "w1", "chat", map[string]string{"/workspace/in.csv": hash}, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n"), fs.files["/workspace/in.csv"])
}

func TestProjectRemovesSurplusFiles(t *testing.T) {
	m, fs, _ := newTestManager(t)
	ctx := context.Background()

	fs.files["/workspace/stale.txt"] = []byte("old session residue")

	require.NoError(t, m.Project(ctx, "w1", "chat", map[string]string{}, false))
	assert.Empty(t, fs.files, "non-persistent projection with empty file set must empty the workspace")
}

func TestProjectKeepsResidueWhenPersistent(t *testing.T) {
	m, fs, _ := newTestManager(t)
	ctx := context.Background()

	fs.files["/workspace/kept.txt"] = []byte("still here")

	require.NoError(t, m.Project(ctx, "w1", "chat", map[string]string{}, true))
	assert.Contains(t, fs.files, "/workspace/kept.txt")
}

func TestProjectSkipsUnchangedFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	body := "unchanged"
	hash, _, err := store.Put(ctx, "chat", "same.txt", strings.NewReader(body), storage.PutOptions{})
	require.NoError(t, err)
	fs.files["/workspace/same.txt"] = []byte(body)

	// An expired entry would fail any store read; a hash-identical file
	// must be skipped without touching the store at all.
	require.NoError(t, store.Expire(ctx, "chat", "same.txt", hash))

	require.NoError(t, m.Project(ctx, "w1", "chat", map[string]string{"/workspace/same.txt": hash}, false))
	assert.Equal(t, []byte(body), fs.files["/workspace/same.txt"])
}

func TestProjectMissingBlobFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Project(ctx, "w1", "chat", map[string]string{"/workspace/x.txt": hashOf("never stored")}, false)
	require.Error(t, err)
	assert.Equal(t, apierr.KindWorkspaceProjectionFailed, apierr.KindOf(err))
}

func TestProjectDoesNotConsumeQuota(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	one := 1
	hash, _, err := store.Put(ctx, "chat", "f.txt", strings.NewReader("x"), storage.PutOptions{MaxDownloads: &one})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Project(ctx, "w1", "chat", map[string]string{"/workspace/f.txt": hash}, false))
	}

	md, err := store.Stat(ctx, "chat", "f.txt", hash)
	require.NoError(t, err)
	require.NotNil(t, md.RemainingDownloads)
	assert.Equal(t, 1, *md.RemainingDownloads)
}

func TestExtractStoresNewFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	fs.files["/workspace/out.txt"] = []byte("x")

	files, metadata, err := m.Extract(ctx, "w1", "chat", map[string]string{}, ExtractOptions{})
	require.NoError(t, err)

	wantHash := hashOf("x")
	assert.Equal(t, map[string]string{"/workspace/out.txt": wantHash}, files)
	require.Contains(t, metadata, "/workspace/out.txt")
	assert.Equal(t, int64(1), metadata["/workspace/out.txt"].Size)

	rc, _, err := store.Get(ctx, "chat", "out.txt", wantHash, true)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "x", buf.String())
}

func TestExtractSkipsUnchangedFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	body := "projected input"
	hash, _, err := store.Put(ctx, "chat", "in.txt", strings.NewReader(body), storage.PutOptions{})
	require.NoError(t, err)
	fs.files["/workspace/in.txt"] = []byte(body)
	fs.files["/workspace/new.txt"] = []byte("fresh")

	files, metadata, err := m.Extract(ctx, "w1", "chat", map[string]string{"/workspace/in.txt": hash}, ExtractOptions{})
	require.NoError(t, err)

	assert.Len(t, files, 2)
	assert.Equal(t, hash, files["/workspace/in.txt"])
	assert.NotContains(t, metadata, "/workspace/in.txt", "unchanged files are not re-registered")
	assert.Contains(t, metadata, "/workspace/new.txt")
}

func TestExtractHashMatchesContent(t *testing.T) {
	m, fs, _ := newTestManager(t)
	ctx := context.Background()

	fs.files["/workspace/a.bin"] = []byte{0x00, 0x01, 0x02}

	files, _, err := m.Extract(ctx, "w1", "chat", nil, ExtractOptions{})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte{0x00, 0x01, 0x02})
	assert.Equal(t, hex.EncodeToString(sum[:]), files["/workspace/a.bin"])
}
