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

package jobq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts(name string) Options {
	return Options{
		Name:      name,
		Capacity:  64,
		Workers:   2,
		BaseDelay: time.Millisecond,
	}
}

// runQueue starts q and returns a stop function that blocks until drained.
func runQueue[T any](t *testing.T, q *Queue[T]) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestQueueProcessesJobs(t *testing.T) {
	t.Parallel()

	var processed atomic.Int64
	q := New(fastOpts("t-process"), func(context.Context, int) error {
		processed.Add(1)
		return nil
	})
	runQueue(t, q)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.TryEnqueue(i))
	}
	require.Eventually(t, func() bool { return processed.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
}

func TestQueueRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	opts := fastOpts("t-dlq")
	opts.MaxRetries = 2
	q := New(opts, func(context.Context, string) error {
		attempts.Add(1)
		return errors.New("persistent failure")
	})
	runQueue(t, q)

	require.NoError(t, q.TryEnqueue("doomed"))
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 3, attempts.Load()) // first try + 2 retries
	dl := q.DeadLetters()[0]
	assert.Equal(t, "doomed", dl.Job)
	assert.Equal(t, 3, dl.Attempts)
	assert.ErrorContains(t, dl.Err, "persistent failure")
}

func TestQueueRecoversFromPanic(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	opts := fastOpts("t-panic")
	opts.MaxRetries = 1
	q := New(opts, func(_ context.Context, j string) error {
		if calls.Add(1) == 1 {
			panic("worker bug")
		}
		return nil
	})
	runQueue(t, q)

	require.NoError(t, q.TryEnqueue("fragile"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}

func TestQueueBackpressure(t *testing.T) {
	t.Parallel()

	opts := fastOpts("t-full")
	opts.Capacity = 2
	// Not running: the buffer fills and stays full.
	q := New(opts, func(context.Context, int) error { return nil })

	require.NoError(t, q.TryEnqueue(1))
	require.NoError(t, q.TryEnqueue(2))
	assert.ErrorIs(t, q.TryEnqueue(3), ErrFull)
}

func TestQueueClosedAfterShutdown(t *testing.T) {
	t.Parallel()

	q := New(fastOpts("t-closed"), func(context.Context, int) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, q.TryEnqueue(1), ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), 1), ErrClosed)
}

func TestQueueDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	var processed atomic.Int64
	q := New(fastOpts("t-drain"), func(context.Context, int) error {
		processed.Add(1)
		return nil
	})
	for i := 0; i < 20; i++ {
		require.NoError(t, q.TryEnqueue(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	cancel()
	<-done
	assert.EqualValues(t, 20, processed.Load())
}

type keyedJob struct {
	key string
	seq int
}

func TestShardedSerializesPerKey(t *testing.T) {
	t.Parallel()

	var (
		mtx  sync.Mutex
		seen = map[string][]int{}
	)
	opts := fastOpts("t-sharded")
	s := NewSharded(opts, 4, func(j keyedJob) string { return j.key }, func(_ context.Context, j keyedJob) error {
		mtx.Lock()
		seen[j.key] = append(seen[j.key], j.seq)
		mtx.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	const perKey = 50
	keys := []string{"p1/aaa", "p1/bbb", "p2/aaa", "p2/ccc"}
	for seq := 0; seq < perKey; seq++ {
		for _, k := range keys {
			require.NoError(t, s.Enqueue(context.Background(), keyedJob{key: k, seq: seq}))
		}
	}
	cancel()
	<-done

	for _, k := range keys {
		require.Len(t, seen[k], perKey, "key %s", k)
		for i, got := range seen[k] {
			require.Equal(t, i, got, "key %s out of order", k)
		}
	}
}

func TestShardedSpreadsKeys(t *testing.T) {
	t.Parallel()

	s := NewSharded(fastOpts("t-spread"), 8, func(j string) string { return j }, func(context.Context, string) error { return nil })
	hit := map[*Queue[string]]bool{}
	for i := 0; i < 100; i++ {
		hit[s.shard(fmt.Sprintf("key-%d", i))] = true
	}
	// Not a distribution test, just that hashing is not degenerate.
	assert.Greater(t, len(hit), 1)
}
