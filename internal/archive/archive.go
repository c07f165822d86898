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

// Package archive extracts uploaded source and source-map archives.
// Supported formats: zip, tar, tar.gz and bare gzip. rar and 7z uploads
// are rejected: neither has a maintained pure-Go decoder and the clients
// only ever produce zip/tar.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Format is the declared archive type of an upload.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTar   Format = "tar"
	FormatGz    Format = "gz"
	FormatTgz   Format = "tgz"
	FormatRar   Format = "rar"
	Format7z    Format = "7z"
	maxFileSize        = 64 << 20 // per extracted file
	maxTotal           = 512 << 20
)

// ErrUnsupportedFormat is returned for rar/7z and unknown formats.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// sourceExtensions are the file types accepted from source-code archives.
var sourceExtensions = map[string]bool{
	".js": true, ".ts": true, ".jsx": true, ".tsx": true, ".vue": true,
	".css": true, ".scss": true, ".less": true, ".html": true, ".json": true,
	".yaml": true, ".yml": true, ".md": true, ".mjs": true, ".cjs": true,
}

// File is one extracted archive entry.
type File struct {
	// Path is the sanitized slash-separated relative path.
	Path string
	Data []byte
	// Hash is the hex SHA-256 of Data, the content address for storage.
	Hash string
}

// Filter decides which entries are kept, by sanitized path.
type Filter func(path string) bool

// SourceMaps keeps .map files only.
func SourceMaps(p string) bool { return strings.HasSuffix(p, ".map") }

// SourceCode keeps recognized source file types.
func SourceCode(p string) bool { return sourceExtensions[path.Ext(p)] }

// Extract decodes data as format and returns the entries passing filter.
// Entry paths are cleaned; anything resolving outside the archive root
// (zip-slip) is rejected as an error, not skipped, so a hostile archive
// fails loudly.
func Extract(format Format, data []byte, filter Filter) ([]*File, error) {
	switch format {
	case FormatZip:
		return extractZip(data, filter)
	case FormatTar:
		return extractTar(bytes.NewReader(data), filter)
	case FormatGz, FormatTgz:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("archive: open gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		if format == FormatTgz || strings.HasSuffix(zr.Name, ".tar") {
			return extractTar(zr, filter)
		}
		// Bare gzip: a single file, named after the gzip header when set.
		name := zr.Name
		if name == "" {
			name = "file"
		}
		f, err := readEntry(name, zr, filter)
		if err != nil || f == nil {
			return nil, err
		}
		return []*File{f}, nil
	case FormatRar, Format7z:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// sanitize cleans an entry name, failing on traversal or absolute paths.
func sanitize(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive: absolute entry path %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive: entry %q escapes archive root", name)
	}
	return clean, nil
}

func readEntry(name string, r io.Reader, filter Filter) (*File, error) {
	clean, err := sanitize(name)
	if err != nil {
		return nil, err
	}
	if filter != nil && !filter(clean) {
		// Still drain to keep tar readers positioned; callers pass the
		// entry reader, draining is their decoder's concern for zip.
		_, _ = io.Copy(io.Discard, io.LimitReader(r, maxFileSize))
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("archive: read %q: %w", clean, err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("archive: entry %q exceeds %d bytes", clean, maxFileSize)
	}
	sum := sha256.Sum256(data)
	return &File{Path: clean, Data: data, Hash: hex.EncodeToString(sum[:])}, nil
}

func extractZip(data []byte, filter Filter) ([]*File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("archive: open zip: %w", err)
	}
	var (
		out   []*File
		total int64
	)
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("archive: open entry %q: %w", entry.Name, err)
		}
		f, err := readEntry(entry.Name, rc, filter)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		total += int64(len(f.Data))
		if total > maxTotal {
			return nil, fmt.Errorf("archive: exceeds %d bytes extracted", int64(maxTotal))
		}
		out = append(out, f)
	}
	return out, nil
}

func extractTar(r io.Reader, filter Filter) ([]*File, error) {
	tr := tar.NewReader(r)
	var (
		out   []*File
		total int64
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		f, err := readEntry(hdr.Name, tr, filter)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		total += int64(len(f.Data))
		if total > maxTotal {
			return nil, fmt.Errorf("archive: exceeds %d bytes extracted", int64(maxTotal))
		}
		out = append(out, f)
	}
}
