// Copyright 2025 The crashstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sourcemap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/crashstream/crashstream/internal/blob"
	"github.com/crashstream/crashstream/internal/store"
)

// BlobLoader reads map files from the project's active source version in
// the blob store. Projects without an active version resolve nothing.
func BlobLoader(blobs *blob.Store, s store.Store) Loader {
	return LoaderFunc(func(ctx context.Context, projectID, name string) ([]byte, error) {
		versions, err := s.ListSourceVersions(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("list source versions: %w", err)
		}
		var active *store.SourceCodeVersion
		for _, v := range versions {
			if v.IsActive {
				active = v
				break
			}
		}
		if active == nil {
			return nil, ErrNotFound
		}
		rc, err := blobs.Get(projectID, active.Version, name)
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		return io.ReadAll(rc)
	})
}
