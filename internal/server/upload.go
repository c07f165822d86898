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
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/internal/archive"
	"github.com/crashstream/crashstream/internal/store"
)

// maxUploadBody bounds one archive upload.
const maxUploadBody = 256 << 20

func (s *Server) handleSourcemapUpload(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, archive.SourceMaps, "sourcemap")
}

func (s *Server) handleSourceCodeUpload(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, archive.SourceCode, "source")
}

// handleUpload takes a multipart archive, extracts the files the filter
// accepts, stores them content-addressed in the blob store and records the
// version. The source and map archives of one release arrive as two
// requests, so an existing version gets the files appended.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, filter archive.Filter, kind string) {
	if s.opts.Blobs == nil {
		s.writeError(w, http.StatusNotFound, "uploads not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "parse multipart form: "+err.Error())
		return
	}

	projectID := r.FormValue("projectId")
	version := r.FormValue("version")
	if projectID == "" || version == "" {
		s.writeError(w, http.StatusBadRequest, "projectId and version are required")
		return
	}
	if _, err := s.opts.Store.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown project "+projectID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load project: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "archive file is required")
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read archive: "+err.Error())
		return
	}

	format := archive.Format(strings.ToLower(r.FormValue("archiveType")))
	if format == "" {
		format = formatFromName(header.Filename)
	}

	files, err := archive.Extract(format, data, filter)
	if err != nil {
		if errors.Is(err, archive.ErrUnsupportedFormat) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, "extract archive: "+err.Error())
		return
	}
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "archive holds no "+kind+" files")
		return
	}

	results := make([]map[string]any, 0, len(files))
	records := make([]*store.SourceCodeFile, 0, len(files))
	var stored int64
	for _, f := range files {
		n, err := s.opts.Blobs.Put(projectID, version, f.Path, bytes.NewReader(f.Data))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "store "+f.Path+": "+err.Error())
			return
		}
		stored += n
		records = append(records, &store.SourceCodeFile{
			Path:     f.Path,
			FileHash: f.Hash,
			Size:     int64(len(f.Data)),
			Kind:     kind,
		})
		results = append(results, map[string]any{
			"path": f.Path,
			"size": len(f.Data),
			"hash": f.Hash,
		})
	}

	v := &store.SourceCodeVersion{
		ProjectID:   projectID,
		Version:     version,
		ArchiveSize: stored,
	}
	err = s.opts.Store.CreateSourceVersion(r.Context(), v, records)
	if errors.Is(err, store.ErrConflict) {
		err = s.opts.Store.AppendSourceFiles(r.Context(), projectID, version, records, stored)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "record version: "+err.Error())
		return
	}
	if err := s.opts.Store.ActivateSourceVersion(r.Context(), projectID, version); err != nil {
		s.writeError(w, http.StatusInternalServerError, "activate version: "+err.Error())
		return
	}
	if s.opts.Resolver != nil {
		s.opts.Resolver.Invalidate(projectID)
	}

	_ = level.Info(s.logger).Log("msg", "archive uploaded",
		"project", projectID, "version", version, "kind", kind, "files", len(files), "bytes", stored)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": version,
		"count":   len(files),
		"size":    stored,
		"files":   results,
	})
}

// formatFromName infers the archive format from the upload's filename.
func formatFromName(name string) archive.Format {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return archive.FormatZip
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return archive.FormatTgz
	case strings.HasSuffix(name, ".tar"):
		return archive.FormatTar
	case strings.HasSuffix(name, ".gz"):
		return archive.FormatGz
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return archive.Format(name[i+1:])
	}
	return ""
}
