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

package store

import (
	"context"
	"sync"
	"time"
)

// ConfigCache is a read-through TTL cache over project configs. A short TTL
// is the consistency model: admin updates become visible within one TTL,
// which is good enough for telemetry routing. Negative results are cached
// too, so a flood of events for an unknown project does not hammer the
// store.
type ConfigCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mtx     sync.RWMutex
	entries map[string]configEntry
}

type configEntry struct {
	cfg     *ProjectConfig
	err     error
	expires time.Time
}

// NewConfigCache wraps s. ttl <= 0 defaults to 30s.
func NewConfigCache(s Store, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ConfigCache{
		store:   s,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]configEntry{},
	}
}

// Get returns the project config, from cache when fresh.
func (c *ConfigCache) Get(ctx context.Context, projectID string) (*ProjectConfig, error) {
	c.mtx.RLock()
	e, ok := c.entries[projectID]
	c.mtx.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.cfg, e.err
	}

	cfg, err := c.store.GetProject(ctx, projectID)
	if err != nil && err != ErrNotFound && ctx.Err() == nil {
		// Transient store trouble: serve the stale entry if there is one
		// rather than failing the hot path.
		if ok && e.err == nil {
			return e.cfg, nil
		}
		return nil, err
	}

	c.mtx.Lock()
	c.entries[projectID] = configEntry{cfg: cfg, err: err, expires: c.now().Add(c.ttl)}
	c.mtx.Unlock()
	return cfg, err
}

// Invalidate drops one project's entry; admin handlers call it on update.
func (c *ConfigCache) Invalidate(projectID string) {
	c.mtx.Lock()
	delete(c.entries, projectID)
	c.mtx.Unlock()
}

// Sweep removes expired entries. Run it from a janitor ticker; the cache
// works correctly without it, it only bounds memory on churny ID sets.
func (c *ConfigCache) Sweep() {
	now := c.now()
	c.mtx.Lock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.mtx.Unlock()
}
