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

package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func tarGzArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestExtractZipSourceMaps(t *testing.T) {
	t.Parallel()

	data := zipArchive(t, map[string]string{
		"dist/app.min.js":     "var a=1;",
		"dist/app.min.js.map": `{"version":3,"sources":["src/app.ts"]}`,
		"readme.txt":          "ignore me",
	})
	files, err := Extract(FormatZip, data, SourceMaps)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "dist/app.min.js.map", files[0].Path)
	assert.Len(t, files[0].Hash, 64)
}

func TestExtractTarGzSourceCode(t *testing.T) {
	t.Parallel()

	data := tarGzArchive(t, map[string]string{
		"src/app.ts":    "export const x = 1",
		"src/style.css": "body{}",
		"bin/tool.exe":  "MZ",
	})
	files, err := Extract(FormatTgz, data, SourceCode)
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, f := range files {
		paths[f.Path] = true
	}
	assert.Equal(t, map[string]bool{"src/app.ts": true, "src/style.css": true}, paths)
}

func TestExtractRejectsZipSlip(t *testing.T) {
	t.Parallel()

	data := zipArchive(t, map[string]string{
		"../../etc/passwd.map": "oops",
	})
	_, err := Extract(FormatZip, data, SourceMaps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes archive root")
}

func TestExtractRejectsAbsolutePaths(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "/etc/cron.d/x.map", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Extract(FormatTar, buf.Bytes(), SourceMaps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute entry path")
}

func TestExtractUnsupportedFormats(t *testing.T) {
	t.Parallel()

	for _, f := range []Format{FormatRar, Format7z, Format("cab")} {
		_, err := Extract(f, []byte("whatever"), nil)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, "format %s", f)
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	t.Parallel()

	_, err := Extract(FormatZip, []byte("not a zip"), nil)
	assert.Error(t, err)
	_, err = Extract(FormatGz, []byte("not gzip"), nil)
	assert.Error(t, err)
}
