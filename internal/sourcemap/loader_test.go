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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashstream/crashstream/internal/blob"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/store/memory"
)

func TestBlobLoader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := memory.New()
	blobs, err := blob.New(t.TempDir())
	require.NoError(t, err)
	loader := BlobLoader(blobs, s)

	// No versions yet.
	_, err = loader.Load(ctx, "web-app", "app.min.js.map")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = blobs.Put("web-app", "1.0.0", "app.min.js.map", strings.NewReader(`{"version":3}`))
	require.NoError(t, err)
	require.NoError(t, s.CreateSourceVersion(ctx, &store.SourceCodeVersion{
		ProjectID: "web-app", Version: "1.0.0",
	}, []*store.SourceCodeFile{{Path: "app.min.js.map", Kind: "sourcemap"}}))

	// Inactive versions stay invisible.
	_, err = loader.Load(ctx, "web-app", "app.min.js.map")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ActivateSourceVersion(ctx, "web-app", "1.0.0"))
	data, err := loader.Load(ctx, "web-app", "app.min.js.map")
	require.NoError(t, err)
	assert.Equal(t, `{"version":3}`, string(data))

	// Files the version does not hold map to ErrNotFound.
	_, err = loader.Load(ctx, "web-app", "other.js.map")
	assert.ErrorIs(t, err, ErrNotFound)
}
