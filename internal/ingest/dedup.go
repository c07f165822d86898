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

package ingest

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// dedupTTL is the horizon inside which a repeated event ID counts as a
// duplicate. SDK retries after a failed upload land well inside it.
const dedupTTL = 10 * time.Minute

// Deduper answers "has this event ID been accepted recently". Seen marks
// the ID as accepted as a side effect, so exactly one caller per ID gets
// false.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// RedisDeduper dedups across replicas with SETNX and a TTL.
type RedisDeduper struct {
	client *redis.Client
}

// NewRedisDeduper wraps an existing client.
func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := d.client.SetNX(ctx, "crashstream:dedup:"+eventID, 1, dedupTTL).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// MemoryDeduper is the process-local fallback for dev mode and tests.
type MemoryDeduper struct {
	entries *lru.Cache[string, time.Time]
	now     func() time.Time
}

// NewMemoryDeduper returns a deduper remembering up to 65536 recent IDs.
func NewMemoryDeduper() (*MemoryDeduper, error) {
	entries, err := lru.New[string, time.Time](65536)
	if err != nil {
		return nil, err
	}
	return &MemoryDeduper{entries: entries, now: time.Now}, nil
}

func (d *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	if at, ok := d.entries.Get(eventID); ok && d.now().Sub(at) < dedupTTL {
		return true, nil
	}
	d.entries.Add(eventID, d.now())
	return false, nil
}
