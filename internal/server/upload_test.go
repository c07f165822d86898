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

package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashstream/crashstream/internal/archive"
	"github.com/crashstream/crashstream/internal/blob"
)

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// uploadArchive posts a multipart archive and returns status plus decoded
// body.
func (f *serverFixture) uploadArchive(t *testing.T, path string, fields map[string]string, filename string, data []byte) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp.StatusCode, body
}

func newUploadFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := newServerFixture(t)
	blobs, err := blob.New(t.TempDir())
	require.NoError(t, err)
	f.srv.opts.Blobs = blobs
	return f
}

func TestSourcemapUpload(t *testing.T) {
	t.Parallel()
	f := newUploadFixture(t)
	ctx := context.Background()

	data := zipArchive(t, map[string]string{
		"app.min.js.map": `{"version":3,"sources":["src/app.ts"],"mappings":"AAAA"}`,
		"readme.txt":     "not a map",
	})
	status, body := f.uploadArchive(t, "/api/sourcemap/upload", map[string]string{
		"projectId":   "web-app",
		"version":     "1.0.0",
		"archiveType": "zip",
	}, "maps.zip", data)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	// readme.txt is filtered out.
	assert.EqualValues(t, 1, body["count"])
	assert.True(t, f.srv.opts.Blobs.Exists("web-app", "1.0.0", "app.min.js.map"))

	v, err := f.store.GetSourceVersion(ctx, "web-app", "1.0.0")
	require.NoError(t, err)
	assert.True(t, v.IsActive)
	assert.Equal(t, 1, v.FileCount)
}

func TestUploadAppendsToExistingVersion(t *testing.T) {
	t.Parallel()
	f := newUploadFixture(t)
	ctx := context.Background()

	maps := zipArchive(t, map[string]string{"app.min.js.map": `{"version":3,"mappings":""}`})
	status, _ := f.uploadArchive(t, "/api/sourcemap/upload", map[string]string{
		"projectId": "web-app", "version": "2.0.0", "archiveType": "zip",
	}, "maps.zip", maps)
	require.Equal(t, http.StatusOK, status)

	// The source archive of the same release lands in the same version.
	source := zipArchive(t, map[string]string{"src/app.ts": "export const x = 1\n"})
	status, _ = f.uploadArchive(t, "/api/source-code/upload", map[string]string{
		"projectId": "web-app", "version": "2.0.0", "archiveType": "zip",
	}, "source.zip", source)
	require.Equal(t, http.StatusOK, status)

	v, err := f.store.GetSourceVersion(ctx, "web-app", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 2, v.FileCount)
	assert.True(t, f.srv.opts.Blobs.Exists("web-app", "2.0.0", "src/app.ts"))
}

func TestUploadRejections(t *testing.T) {
	t.Parallel()
	f := newUploadFixture(t)
	data := zipArchive(t, map[string]string{"app.min.js.map": "{}"})

	status, _ := f.uploadArchive(t, "/api/sourcemap/upload", map[string]string{
		"projectId": "ghost", "version": "1.0.0", "archiveType": "zip",
	}, "maps.zip", data)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.uploadArchive(t, "/api/sourcemap/upload", map[string]string{
		"version": "1.0.0",
	}, "maps.zip", data)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.uploadArchive(t, "/api/sourcemap/upload", map[string]string{
		"projectId": "web-app", "version": "1.0.0", "archiveType": "rar",
	}, "maps.rar", data)
	assert.Equal(t, http.StatusBadRequest, status)

	// A source archive with no map files is an empty upload.
	source := zipArchive(t, map[string]string{"src/app.ts": "x"})
	status, _ = f.uploadArchive(t, "/api/sourcemap/upload", map[string]string{
		"projectId": "web-app", "version": "1.0.0", "archiveType": "zip",
	}, "source.zip", source)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFormatFromName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, archive.FormatZip, formatFromName("bundle.ZIP"))
	assert.Equal(t, archive.FormatTgz, formatFromName("bundle.tar.gz"))
	assert.Equal(t, archive.FormatTar, formatFromName("bundle.tar"))
	assert.Equal(t, archive.Format(""), formatFromName("bundle"))
}
