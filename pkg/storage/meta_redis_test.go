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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisMeta(t *testing.T) MetaStore {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewRedisMetaStoreWithClient(cli)
}

func TestRedisRegisterAndGet(t *testing.T) {
	meta := newRedisMeta(t)
	ctx := context.Background()

	md, err := meta.Register(ctx, Metadata{
		ChatID:             "chat1",
		Filename:           "data.csv",
		Hash:               "abc123",
		Size:               64,
		CreatedAt:          time.Now().UTC(),
		RemainingDownloads: intPtr(2),
	})
	require.NoError(t, err)
	require.NotNil(t, md.RemainingDownloads)
	assert.Equal(t, 2, *md.RemainingDownloads)
	assert.Nil(t, md.ExpiresAt)

	got, err := meta.Get(ctx, "chat1", "data.csv", "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(64), got.Size)
	require.NotNil(t, got.RemainingDownloads)
	assert.Equal(t, 2, *got.RemainingDownloads)

	_, err = meta.Get(ctx, "chat1", "data.csv", "unknown")
	assert.ErrorIs(t, err, ErrMetaNotFound)
}

func TestRedisRegisterMergesStricter(t *testing.T) {
	meta := newRedisMeta(t)
	ctx := context.Background()

	soon := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	later := soon.Add(24 * time.Hour)

	_, err := meta.Register(ctx, Metadata{
		ChatID: "c", Filename: "f", Hash: "h", Size: 1,
		CreatedAt:          time.Now().UTC(),
		RemainingDownloads: intPtr(1),
		ExpiresAt:          &soon,
	})
	require.NoError(t, err)

	md, err := meta.Register(ctx, Metadata{
		ChatID: "c", Filename: "f", Hash: "h", Size: 1,
		CreatedAt:          time.Now().UTC(),
		RemainingDownloads: intPtr(100),
		ExpiresAt:          &later,
	})
	require.NoError(t, err)
	require.NotNil(t, md.RemainingDownloads)
	assert.Equal(t, 1, *md.RemainingDownloads)
	require.NotNil(t, md.ExpiresAt)
	assert.Equal(t, soon.Unix(), md.ExpiresAt.Unix())
}

func TestRedisCheckAndDecrement(t *testing.T) {
	meta := newRedisMeta(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := meta.Register(ctx, Metadata{
		ChatID: "c", Filename: "f", Hash: "h", Size: 1,
		CreatedAt:          now,
		RemainingDownloads: intPtr(1),
	})
	require.NoError(t, err)

	require.NoError(t, meta.CheckAndDecrement(ctx, "c", "f", "h", true, now))
	err = meta.CheckAndDecrement(ctx, "c", "f", "h", true, now)
	assert.ErrorIs(t, err, ErrMetaExhausted)

	err = meta.CheckAndDecrement(ctx, "c", "f", "missing", true, now)
	assert.ErrorIs(t, err, ErrMetaNotFound)
}

func TestRedisCheckWithoutDecrement(t *testing.T) {
	meta := newRedisMeta(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := meta.Register(ctx, Metadata{
		ChatID: "c", Filename: "f", Hash: "h", Size: 1,
		CreatedAt:          now,
		RemainingDownloads: intPtr(1),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, meta.CheckAndDecrement(ctx, "c", "f", "h", false, now))
	}
	md, err := meta.Get(ctx, "c", "f", "h")
	require.NoError(t, err)
	require.NotNil(t, md.RemainingDownloads)
	assert.Equal(t, 1, *md.RemainingDownloads)
}

func TestRedisExpiry(t *testing.T) {
	meta := newRedisMeta(t)
	ctx := context.Background()
	now := time.Now().UTC()

	exp := now.Add(time.Minute)
	_, err := meta.Register(ctx, Metadata{
		ChatID: "c", Filename: "f", Hash: "h", Size: 1,
		CreatedAt: now, ExpiresAt: &exp,
	})
	require.NoError(t, err)

	require.NoError(t, meta.CheckAndDecrement(ctx, "c", "f", "h", true, now))
	err = meta.CheckAndDecrement(ctx, "c", "f", "h", true, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrMetaExpired)
}

func TestRedisExpireAndList(t *testing.T) {
	meta := newRedisMeta(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := meta.Register(ctx, Metadata{ChatID: "c", Filename: "a", Hash: "h1", Size: 1, CreatedAt: now})
	require.NoError(t, err)
	_, err = meta.Register(ctx, Metadata{ChatID: "c", Filename: "b", Hash: "h2", Size: 1, CreatedAt: now})
	require.NoError(t, err)

	require.NoError(t, meta.Expire(ctx, "c", "a", "h1", now))
	assert.ErrorIs(t, meta.Expire(ctx, "c", "missing", "h9", now), ErrMetaNotFound)

	entries, err := meta.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	dead := 0
	for _, md := range entries {
		if md.Dead(now) {
			dead++
			assert.Equal(t, "a", md.Filename)
		}
	}
	assert.Equal(t, 1, dead)

	require.NoError(t, meta.Delete(ctx, "c", "a", "h1"))
	entries, err = meta.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
