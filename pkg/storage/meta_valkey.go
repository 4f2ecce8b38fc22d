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

	"github.com/valkey-io/valkey-go"
)

// The Valkey backend shares the hash-field schema and Lua scripts with the
// Redis backend; only the client differs.
type valkeyMetaStore struct {
	cli valkey.Client

	register  *valkey.Lua
	checkDec  *valkey.Lua
	expirePin *valkey.Lua
}

// NewValkeyMetaStore builds the Valkey metadata backend from VALKEY_ADDR
// and VALKEY_PASSWORD.
func NewValkeyMetaStore() (MetaStore, error) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}
	opts := valkey.ClientOption{
		InitAddress: strings.Split(addr, ","),
		Password:    os.Getenv("VALKEY_PASSWORD"),
	}
	if disable, err := strconv.ParseBool(os.Getenv("VALKEY_DISABLE_CACHE")); err == nil && disable {
		opts.DisableCache = true
	}
	cli, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}
	return newValkeyMetaStore(cli), nil
}

func newValkeyMetaStore(cli valkey.Client) *valkeyMetaStore {
	return &valkeyMetaStore{
		cli:       cli,
		register:  valkey.NewLuaScript(registerLua),
		checkDec:  valkey.NewLuaScript(checkAndDecrementLua),
		expirePin: valkey.NewLuaScript(expireLua),
	}
}

func (s *valkeyMetaStore) Register(ctx context.Context, md Metadata) (Metadata, error) {
	rem := int64(-1)
	if md.RemainingDownloads != nil {
		rem = int64(*md.RemainingDownloads)
	}
	exp := int64(0)
	if md.ExpiresAt != nil {
		exp = md.ExpiresAt.Unix()
	}

	key := valkeyMetaKey(md.ChatID, md.Filename, md.Hash)
	resp := s.register.Exec(ctx, s.cli, []string{key}, []string{
		strconv.FormatInt(md.Size, 10),
		strconv.FormatInt(md.CreatedAt.Unix(), 10),
		strconv.FormatInt(rem, 10),
		strconv.FormatInt(exp, 10),
	})
	vals, err := resp.AsIntSlice()
	if err != nil {
		return Metadata{}, fmt.Errorf("valkey register %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Metadata{}, fmt.Errorf("valkey register %s: unexpected reply %v", key, vals)
	}
	return metaFromFields(md.ChatID, md.Filename, md.Hash, md.Size, vals[2], vals[0], vals[1]), nil
}

func (s *valkeyMetaStore) Get(ctx context.Context, chatID, filename, hash string) (Metadata, error) {
	key := valkeyMetaKey(chatID, filename, hash)
	fields, err := s.cli.Do(ctx, s.cli.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return Metadata{}, fmt.Errorf("valkey HGETALL %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Metadata{}, ErrMetaNotFound
	}
	return metaFromStringFields(chatID, filename, hash, fields)
}

func (s *valkeyMetaStore) CheckAndDecrement(ctx context.Context, chatID, filename, hash string, decrement bool, now time.Time) error {
	key := valkeyMetaKey(chatID, filename, hash)
	dec := "0"
	if decrement {
		dec = "1"
	}
	status, err := s.checkDec.Exec(ctx, s.cli, []string{key}, []string{
		strconv.FormatInt(now.Unix(), 10), dec,
	}).ToString()
	if err != nil {
		return fmt.Errorf("valkey check-and-decrement %s: %w", key, err)
	}
	return statusToErr(status)
}

func (s *valkeyMetaStore) Expire(ctx context.Context, chatID, filename, hash string, now time.Time) error {
	key := valkeyMetaKey(chatID, filename, hash)
	n, err := s.expirePin.Exec(ctx, s.cli, []string{key}, []string{
		strconv.FormatInt(now.Unix(), 10),
	}).AsInt64()
	if err != nil {
		return fmt.Errorf("valkey expire %s: %w", key, err)
	}
	if n == 0 {
		return ErrMetaNotFound
	}
	return nil
}

func (s *valkeyMetaStore) Delete(ctx context.Context, chatID, filename, hash string) error {
	key := valkeyMetaKey(chatID, filename, hash)
	if err := s.cli.Do(ctx, s.cli.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("valkey DEL %s: %w", key, err)
	}
	return nil
}

func (s *valkeyMetaStore) List(ctx context.Context) ([]Metadata, error) {
	var out []Metadata
	var cursor uint64
	for {
		entry, err := s.cli.Do(ctx, s.cli.B().Scan().Cursor(cursor).Match(metaKeyPrefix+"*").Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("valkey SCAN: %w", err)
		}
		for _, key := range entry.Elements {
			chatID, filename, hash, ok := splitRedisMetaKey(key)
			if !ok {
				continue
			}
			fields, err := s.cli.Do(ctx, s.cli.B().Hgetall().Key(key).Build()).AsStrMap()
			if err != nil {
				return nil, fmt.Errorf("valkey HGETALL %s: %w", key, err)
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
		if entry.Cursor == 0 {
			break
		}
		cursor = entry.Cursor
	}
	return out, nil
}

func (s *valkeyMetaStore) Close() error {
	s.cli.Close()
	return nil
}

// valkeyMetaKey matches the Redis key schema so the two backends stay
// interchangeable under one deployment.
func valkeyMetaKey(chatID, filename, hash string) string {
	return redisMetaKey(chatID, filename, hash)
}
