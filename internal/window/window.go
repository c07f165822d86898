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

// Package window provides per-project sliding-window counters: total
// intake volume, error volume and named metric observations. The alert
// evaluator reads them; intake writes them. Redis sorted sets back the
// shared deployment, a pruned in-memory table backs dev mode and tests.
package window

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Series names the built-in counters.
const (
	SeriesTotal  = "total"
	SeriesErrors = "errors"
)

// Windows records observations and answers windowed queries. All methods
// tolerate a broken backend by returning zeros with the error; callers log
// and continue (a telemetry gap, not an outage).
type Windows interface {
	// Record adds one observation with the given value at now.
	Record(ctx context.Context, projectID, series string, value float64) error
	// Count returns the number of observations within the window.
	Count(ctx context.Context, projectID, series string, window time.Duration) (int64, error)
	// Average returns the mean observation value within the window; zero
	// when empty.
	Average(ctx context.Context, projectID, series string, window time.Duration) (float64, error)
}

// retention bounds how long observations are kept regardless of query
// windows.
const retention = time.Hour

// Redis implements Windows over sorted sets: score = unix millis, member =
// "<uuid>:<value>". Pruning happens inline on every write.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

func key(projectID, series string) string {
	return "crashstream:win:" + projectID + ":" + series
}

func (r *Redis) Record(ctx context.Context, projectID, series string, value float64) error {
	now := time.Now()
	k := key(projectID, series)
	member := uuid.NewString() + ":" + strconv.FormatFloat(value, 'g', -1, 64)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(now.Add(-retention).UnixMilli(), 10))
	pipe.Expire(ctx, k, retention)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("window record: %w", err)
	}
	return nil
}

func (r *Redis) Count(ctx context.Context, projectID, series string, window time.Duration) (int64, error) {
	from := strconv.FormatInt(time.Now().Add(-window).UnixMilli(), 10)
	n, err := r.client.ZCount(ctx, key(projectID, series), from, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("window count: %w", err)
	}
	return n, nil
}

func (r *Redis) Average(ctx context.Context, projectID, series string, window time.Duration) (float64, error) {
	from := strconv.FormatInt(time.Now().Add(-window).UnixMilli(), 10)
	members, err := r.client.ZRangeByScore(ctx, key(projectID, series), &redis.ZRangeBy{
		Min: from, Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("window average: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	var sum float64
	for _, m := range members {
		if i := strings.LastIndexByte(m, ':'); i >= 0 {
			v, err := strconv.ParseFloat(m[i+1:], 64)
			if err == nil {
				sum += v
			}
		}
	}
	return sum / float64(len(members)), nil
}

// Memory implements Windows with pruned per-key slices.
type Memory struct {
	mtx  sync.Mutex
	data map[string][]observation
	now  func() time.Time
}

type observation struct {
	at    time.Time
	value float64
}

// NewMemory returns an empty in-memory Windows.
func NewMemory() *Memory {
	return &Memory{data: map[string][]observation{}, now: time.Now}
}

func (m *Memory) Record(_ context.Context, projectID, series string, value float64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	k := key(projectID, series)
	m.data[k] = append(m.pruneLocked(k), observation{at: m.now(), value: value})
	return nil
}

func (m *Memory) Count(_ context.Context, projectID, series string, window time.Duration) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cutoff := m.now().Add(-window)
	var n int64
	for _, o := range m.data[key(projectID, series)] {
		if o.at.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Average(_ context.Context, projectID, series string, window time.Duration) (float64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cutoff := m.now().Add(-window)
	var (
		sum float64
		n   int
	)
	for _, o := range m.data[key(projectID, series)] {
		if o.at.After(cutoff) {
			sum += o.value
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (m *Memory) pruneLocked(k string) []observation {
	cutoff := m.now().Add(-retention)
	obs := m.data[k]
	i := 0
	for i < len(obs) && !obs[i].at.After(cutoff) {
		i++
	}
	return obs[i:]
}
