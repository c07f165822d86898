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

// Package blob stores uploaded source artifacts on the filesystem under
// <root>/<projectID>/<version>/<path>. Keys are validated against path
// traversal before they touch the filesystem.
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey marks keys that would escape the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// ErrNotFound is returned for missing blobs.
var ErrNotFound = errors.New("blob not found")

// Store is a filesystem blob store rooted at one directory.
type Store struct {
	root string
}

// New creates root if needed and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// resolve maps (projectID, version, name) onto a filesystem path, rejecting
// anything that escapes the root.
func (s *Store) resolve(projectID, version, name string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) {
		return "", fmt.Errorf("%w: project %q", ErrInvalidKey, projectID)
	}
	if version == "" || strings.ContainsAny(version, `/\`) {
		return "", fmt.Errorf("%w: version %q", ErrInvalidKey, version)
	}
	clean := path.Clean("/" + filepath.ToSlash(name))[1:]
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: empty name", ErrInvalidKey)
	}
	full := filepath.Join(s.root, projectID, version, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, filepath.Join(s.root, projectID, version)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	return full, nil
}

// Put writes the blob, creating parent directories.
func (s *Store) Put(projectID, version, name string, r io.Reader) (int64, error) {
	full, err := s.resolve(projectID, version, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return 0, fmt.Errorf("blob: create dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("blob: open %q: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("blob: write %q: %w", name, err)
	}
	return n, nil
}

// Get opens the blob for reading. The caller closes it.
func (s *Store) Get(projectID, version, name string) (io.ReadCloser, error) {
	full, err := s.resolve(projectID, version, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %q: %w", name, err)
	}
	return f, nil
}

// Exists reports whether the blob is present.
func (s *Store) Exists(projectID, version, name string) bool {
	full, err := s.resolve(projectID, version, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// List returns the relative paths of all blobs under (projectID, version).
func (s *Store) List(projectID, version string) ([]string, error) {
	base := filepath.Join(s.root, projectID, version)
	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %s/%s: %w", projectID, version, err)
	}
	return out, nil
}

// Delete removes everything under (projectID, version).
func (s *Store) Delete(projectID, version string) error {
	if projectID == "" || version == "" ||
		strings.ContainsAny(projectID, `/\`) || strings.ContainsAny(version, `/\`) {
		return ErrInvalidKey
	}
	return os.RemoveAll(filepath.Join(s.root, projectID, version))
}
