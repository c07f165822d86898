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

// Package sourcemap resolves minified stack positions back to original
// source locations. Parsed consumers live in a TTL'd LRU; concurrent
// lookups for the same file share one parse via singleflight. Misses —
// no map file, corrupt map, unmapped position — resolve to nil, never to
// an error the pipeline would retry.
package sourcemap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	sm "github.com/go-sourcemap/sourcemap"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is what Loaders return when no map file exists under any
// candidate name.
var ErrNotFound = errors.New("sourcemap not found")

// Loader fetches a map file's bytes by candidate name. The blob-store
// loader checks the project's active source version; a directory loader
// reads the configured sourcemap path.
type Loader interface {
	Load(ctx context.Context, projectID, name string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, projectID, name string) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, projectID, name string) ([]byte, error) {
	return f(ctx, projectID, name)
}

// Position is a resolved original-source location.
type Position struct {
	Source        string
	Line          int
	Column        int
	Name          string
	SourceContent string
}

// Options configure a Resolver.
type Options struct {
	Loader Loader
	// CacheSize bounds the consumer LRU. Default 128.
	CacheSize int
	// TTL expires cached consumers (and negative entries). Default 24h.
	TTL time.Duration
	// ParseTimeout bounds one map parse. Default 2s.
	ParseTimeout time.Duration

	Logger log.Logger
}

type entry struct {
	consumer *sm.Consumer // nil for a negative entry
	expires  time.Time
}

// Resolver maps (projectID, file, line, col) to original positions.
// Safe for concurrent use.
type Resolver struct {
	opts   Options
	logger log.Logger
	cache  *lru.Cache[string, *entry]
	group  singleflight.Group
	now    func() time.Time
}

// New returns a resolver. opts.Loader is required.
func New(opts Options) (*Resolver, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("sourcemap: loader is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.ParseTimeout <= 0 {
		opts.ParseTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	cache, err := lru.New[string, *entry](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		opts:   opts,
		logger: log.With(opts.Logger, "component", "sourcemap"),
		cache:  cache,
		now:    time.Now,
	}, nil
}

// Resolve returns the original position for a minified coordinate, or nil
// when no mapping exists. line and col are 1-based generated coordinates.
func (r *Resolver) Resolve(ctx context.Context, projectID, file string, line, col int) *Position {
	if file == "" || line <= 0 {
		return nil
	}
	c := r.consumer(ctx, projectID, file)
	if c == nil {
		return nil
	}
	source, name, origLine, origCol, ok := c.Source(line, col)
	if !ok || source == "" {
		_ = level.Debug(r.logger).Log("msg", "position not mapped", "project", projectID, "file", file, "line", line, "col", col)
		return nil
	}
	return &Position{
		Source:        source,
		Line:          origLine,
		Column:        origCol,
		Name:          name,
		SourceContent: c.SourceContent(source),
	}
}

// consumer returns the cached consumer for (projectID, file), loading and
// parsing on miss. Concurrent misses for one key share a single parse.
func (r *Resolver) consumer(ctx context.Context, projectID, file string) *sm.Consumer {
	key := projectID + "\x00" + file
	if e, ok := r.cache.Get(key); ok && r.now().Before(e.expires) {
		return e.consumer
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		// Re-check: a racing flight may have filled the entry.
		if e, ok := r.cache.Get(key); ok && r.now().Before(e.expires) {
			return e.consumer, nil
		}
		c := r.build(ctx, projectID, file)
		r.cache.Add(key, &entry{consumer: c, expires: r.now().Add(r.opts.TTL)})
		return c, nil
	})
	c, _ := v.(*sm.Consumer)
	return c
}

// build locates and parses the map file. nil means "no mapping", which is
// cached negatively so repeated misses stay cheap.
func (r *Resolver) build(ctx context.Context, projectID, file string) *sm.Consumer {
	for _, name := range candidates(file) {
		data, err := r.opts.Loader.Load(ctx, projectID, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			_ = level.Debug(r.logger).Log("msg", "map load failed", "project", projectID, "candidate", name, "err", err)
			continue
		}
		c, err := r.parse(ctx, file, data)
		if err != nil {
			_ = level.Debug(r.logger).Log("msg", "map parse failed", "project", projectID, "candidate", name, "err", err)
			continue
		}
		return c
	}
	_ = level.Debug(r.logger).Log("msg", "no sourcemap", "project", projectID, "file", file)
	return nil
}

// parse runs the consumer construction under the parse timeout.
func (r *Resolver) parse(ctx context.Context, file string, data []byte) (*sm.Consumer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ParseTimeout)
	defer cancel()

	type result struct {
		c   *sm.Consumer
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := sm.Parse(file, data)
		done <- result{c, err}
	}()
	select {
	case res := <-done:
		return res.c, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("parse timed out: %w", ctx.Err())
	}
}

// Invalidate drops all cached consumers for a project; upload handlers call
// it when a new source version activates.
func (r *Resolver) Invalidate(projectID string) {
	prefix := projectID + "\x00"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}

// candidates derives map-file names from a minified file reference, most
// specific first: <path>.map, <base>.map, <path>.js.map, <base>.js.map.
func candidates(file string) []string {
	p := file
	if u, err := url.Parse(file); err == nil && u.Path != "" {
		p = strings.TrimPrefix(u.Path, "/")
	}
	p = path.Clean(p)
	base := path.Base(p)

	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(p + ".map")
	add(base + ".map")
	if !strings.HasSuffix(p, ".js") {
		add(p + ".js.map")
		add(base + ".js.map")
	}
	return out
}
