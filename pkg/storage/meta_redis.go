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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

const metaKeyPrefix = "filemeta:"

// Redis hash fields per entry. remaining -1 means unlimited; expires_at 0
// means never. Timestamps are unix seconds.
const (
	fieldSize      = "size"
	fieldCreatedAt = "created_at"
	fieldRemaining = "remaining"
	fieldExpiresAt = "expires_at"
)

// registerLua merges an entry with any existing one under the stricter
// policy: minimum remaining downloads, earlier expiry, original creation
// time. Returns {remaining, expires_at, created_at}.
const registerLua = `
local rem = tonumber(ARGV[3])
local exp = tonumber(ARGV[4])
local created = tonumber(ARGV[2])
if redis.call('EXISTS', KEYS[1]) == 1 then
  local oldrem = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
  local oldexp = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
  local oldcreated = tonumber(redis.call('HGET', KEYS[1], 'created_at') or ARGV[2])
  if oldrem >= 0 and (rem < 0 or rem > oldrem) then rem = oldrem end
  if oldexp > 0 and (exp == 0 or exp > oldexp) then exp = oldexp end
  created = oldcreated
end
redis.call('HSET', KEYS[1], 'size', ARGV[1], 'created_at', created, 'remaining', rem, 'expires_at', exp)
return {rem, exp, created}
`

// checkAndDecrementLua validates expiry and quota and consumes one
// download when ARGV[2] is "1". Returns a status string.
const checkAndDecrementLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'notfound' end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
if exp > 0 and tonumber(ARGV[1]) >= exp then
  redis.call('HSET', KEYS[1], 'remaining', 0)
  return 'expired'
end
local rem = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
if rem == 0 then return 'exhausted' end
if rem > 0 and ARGV[2] == '1' then
  redis.call('HINCRBY', KEYS[1], 'remaining', -1)
end
return 'ok'
`

// expireLua pins the entry dead. Returns 0 when the key is unknown.
const expireLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'remaining', 0, 'expires_at', ARGV[1])
return 1
`

var (
	registerScript          = redisv9.NewScript(registerLua)
	checkAndDecrementScript = redisv9.NewScript(checkAndDecrementLua)
	expireScript            = redisv9.NewScript(expireLua)
)

type redisMetaStore struct {
	cli *redisv9.Client
}

// NewRedisMetaStore builds the Redis metadata backend from REDIS_ADDR and
// REDIS_PASSWORD.
func NewRedisMetaStore() (MetaStore, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}
	return &redisMetaStore{
		cli: redisv9.NewClient(&redisv9.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		}),
	}, nil
}

// NewRedisMetaStoreWithClient is the injection point for tests.
func NewRedisMetaStoreWithClient(cli *redisv9.Client) MetaStore {
	return &redisMetaStore{cli: cli}
}

func redisMetaKey(chatID, filename, hash string) string {
	// Identity segments may contain ':'; length-prefix-free encoding with
	// an unlikely separator keeps keys unambiguous enough for SCAN.
	return metaKeyPrefix + chatID + "|" + hash + "|" + filename
}

func splitRedisMetaKey(key string) (chatID, filename, hash string, ok bool) {
	rest, found := strings.CutPrefix(key, metaKeyPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[2], parts[1], true
}

func (s *redisMetaStore) Register(ctx context.Context, md Metadata) (Metadata, error) {
	rem := int64(-1)
	if md.RemainingDownloads != nil {
		rem = int64(*md.RemainingDownloads)
	}
	exp := int64(0)
	if md.ExpiresAt != nil {
		exp = md.ExpiresAt.Unix()
	}
	created := md.CreatedAt.Unix()

	key := redisMetaKey(md.ChatID, md.Filename, md.Hash)
	res, err := registerScript.Run(ctx, s.cli, []string{key}, md.Size, created, rem, exp).Int64Slice()
	if err != nil {
		return Metadata{}, fmt.Errorf("redis register %s: %w", key, err)
	}
	if len(res) != 3 {
		return Metadata{}, fmt.Errorf("redis register %s: unexpected reply %v", key, res)
	}
	return metaFromFields(md.ChatID, md.Filename, md.Hash, md.Size, res[2], res[0], res[1]), nil
}

func (s *redisMetaStore) Get(ctx context.Context, chatID, filename, hash string) (Metadata, error) {
	key := redisMetaKey(chatID, filename, hash)
	fields, err := s.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Metadata{}, ErrMetaNotFound
	}
	return metaFromStringFields(chatID, filename, hash, fields)
}

func (s *redisMetaStore) CheckAndDecrement(ctx context.Context, chatID, filename, hash string, decrement bool, now time.Time) error {
	key := redisMetaKey(chatID, filename, hash)
	dec := "0"
	if decrement {
		dec = "1"
	}
	status, err := checkAndDecrementScript.Run(ctx, s.cli, []string{key}, now.Unix(), dec).Text()
	if err != nil {
		return fmt.Errorf("redis check-and-decrement %s: %w", key, err)
	}
	return statusToErr(status)
}

func (s *redisMetaStore) Expire(ctx context.Context, chatID, filename, hash string, now time.Time) error {
	key := redisMetaKey(chatID, filename, hash)
	n, err := expireScript.Run(ctx, s.cli, []string{key}, now.Unix()).Int()
	if err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	if n == 0 {
		return ErrMetaNotFound
	}
	return nil
}

func (s *redisMetaStore) Delete(ctx context.Context, chatID, filename, hash string) error {
	key := redisMetaKey(chatID, filename, hash)
	if err := s.cli.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

func (s *redisMetaStore) List(ctx context.Context) ([]Metadata, error) {
	var out []Metadata
	iter := s.cli.Scan(ctx, 0, metaKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		chatID, filename, hash, ok := splitRedisMetaKey(key)
		if !ok {
			continue
		}
		fields, err := s.cli.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis HGETALL %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		md, err := metaFromStringFields(chatID, filename, hash, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return out, nil
}

func (s *redisMetaStore) Close() error { return s.cli.Close() }

func statusToErr(status string) error {
	switch status {
	case "ok":
		return nil
	case "notfound":
		return ErrMetaNotFound
	case "expired":
		return ErrMetaExpired
	case "exhausted":
		return ErrMetaExhausted
	default:
		return fmt.Errorf("unexpected metadata status %q", status)
	}
}

func metaFromFields(chatID, filename, hash string, size, created, rem, exp int64) Metadata {
	md := Metadata{
		ChatID:    chatID,
		Filename:  filename,
		Hash:      hash,
		Size:      size,
		CreatedAt: time.Unix(created, 0).UTC(),
	}
	if rem >= 0 {
		r := int(rem)
		md.RemainingDownloads = &r
	}
	if exp > 0 {
		t := time.Unix(exp, 0).UTC()
		md.ExpiresAt = &t
	}
	return md
}

func metaFromStringFields(chatID, filename, hash string, fields map[string]string) (Metadata, error) {
	size, err := strconv.ParseInt(fields[fieldSize], 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata %s size field: %w", hash, err)
	}
	created, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata %s created_at field: %w", hash, err)
	}
	rem := int64(-1)
	if v, ok := fields[fieldRemaining]; ok {
		if rem, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Metadata{}, fmt.Errorf("metadata %s remaining field: %w", hash, err)
		}
	}
	exp := int64(0)
	if v, ok := fields[fieldExpiresAt]; ok {
		if exp, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Metadata{}, fmt.Errorf("metadata %s expires_at field: %w", hash, err)
		}
	}
	return metaFromFields(chatID, filename, hash, size, created, rem, exp), nil
}
