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
	"io"

	"github.com/openexec/codebroker/pkg/storage"
)

// Upload stores a user-provided file for the chat, applying the global
// download cap and the request expiry.
func (s *Service) Upload(ctx context.Context, chatID, filename string, r io.Reader, maxDownloads, expiresDays, expiresSeconds *int) (string, storage.Metadata, error) {
	chat, err := s.resolveChatID(chatID)
	if err != nil {
		return "", storage.Metadata{}, err
	}
	return s.store.Put(ctx, chat, filename, r, storage.PutOptions{
		MaxDownloads: s.capDownloads(maxDownloads),
		ExpiresAt:    s.resolveExpiry(expiresDays, expiresSeconds),
	})
}

// Download opens a stored file for a user-facing download, consuming one
// download from the quota.
func (s *Service) Download(ctx context.Context, chatID, filename, hash string) (io.ReadCloser, storage.Metadata, error) {
	return s.store.Get(ctx, chatID, filename, hash, true)
}

// ExpireFile marks a stored file dead.
func (s *Service) ExpireFile(ctx context.Context, chatID, filename, hash string) error {
	return s.store.Expire(ctx, chatID, filename, hash)
}
