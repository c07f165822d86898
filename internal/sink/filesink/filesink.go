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

// Package filesink appends events as JSON lines to size-segmented files.
// The active segment is plain JSONL; on rotation it is compressed to
// .jsonl.lz4 and a fresh segment starts. Good enough for dev deployments
// and as the local stand-in for a columnar store.
package filesink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pierrec/lz4/v4"

	"github.com/crashstream/crashstream/pkg/monitor"
)

// Options configure a Sink.
type Options struct {
	// Dir is the segment directory. Required; created if missing.
	Dir string
	// MaxSegmentBytes triggers rotation. Default 64 MiB.
	MaxSegmentBytes int64
	// Compress controls whether rotated segments are lz4-compressed.
	// Default true (set via the negative to keep the zero value useful).
	NoCompress bool

	Logger log.Logger
}

// Sink writes events to segment files. Safe for concurrent use.
type Sink struct {
	opts   Options
	logger log.Logger

	mtx     sync.Mutex
	file    *os.File
	w       *bufio.Writer
	written int64
	closed  bool
}

// New opens a sink in opts.Dir, starting a fresh active segment.
func New(opts Options) (*Sink, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("filesink: dir is required")
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 64 << 20
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("filesink: create dir: %w", err)
	}
	s := &Sink{opts: opts, logger: log.With(opts.Logger, "component", "filesink")}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) segmentName() string {
	return filepath.Join(s.opts.Dir, fmt.Sprintf("events-%d.jsonl", time.Now().UnixNano()))
}

func (s *Sink) openSegment() error {
	f, err := os.OpenFile(s.segmentName(), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("filesink: open segment: %w", err)
	}
	s.file = f
	s.w = bufio.NewWriterSize(f, 64<<10)
	s.written = 0
	return nil
}

// Append writes one event as a JSON line, rotating when the active segment
// is full.
func (s *Sink) Append(_ context.Context, e *monitor.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("filesink: encode event %s: %w", e.ID, err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return fmt.Errorf("filesink: closed")
	}
	if s.written+int64(len(raw))+1 > s.opts.MaxSegmentBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(raw); err != nil {
		return fmt.Errorf("filesink: write: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("filesink: write: %w", err)
	}
	s.written += int64(len(raw)) + 1
	return nil
}

// Flush pushes buffered lines to the filesystem.
func (s *Sink) Flush(context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	return s.w.Flush()
}

// Close flushes and closes the active segment without compressing it; a
// restart keeps appending to a new segment alongside it.
func (s *Sink) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// rotateLocked seals the active segment, compresses it in the background
// and opens a new one.
func (s *Sink) rotateLocked() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("filesink: flush on rotate: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("filesink: close on rotate: %w", err)
	}
	sealed := s.file.Name()
	if err := s.openSegment(); err != nil {
		return err
	}

	if s.opts.NoCompress {
		return nil
	}
	// Compression is best-effort; the uncompressed segment stays on any
	// failure.
	go func() {
		if err := compressSegment(sealed); err != nil {
			_ = level.Warn(s.logger).Log("msg", "segment compression failed", "segment", sealed, "err", err)
		}
	}()
	return nil
}

func compressSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(path+".lz4", os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
