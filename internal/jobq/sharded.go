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
	"fmt"
	"hash/fnv"

	"golang.org/x/sync/errgroup"
)

// KeyFunc extracts the serialization key from a job.
type KeyFunc[T any] func(job T) string

// Sharded partitions jobs across single-worker queues by key hash. All jobs
// sharing a key land on the same shard and therefore execute strictly in
// enqueue order; different keys proceed in parallel. This is how the
// aggregation stage gets per-(project, fingerprint) serialization without a
// global lock.
type Sharded[T any] struct {
	shards []*Queue[T]
	key    KeyFunc[T]
}

// NewSharded builds shards single-worker queues around handler.
// opts.Workers is ignored: per-shard concurrency above one would break the
// ordering guarantee. Capacity applies per shard.
func NewSharded[T any](opts Options, shards int, key KeyFunc[T], handler Handler[T]) *Sharded[T] {
	if shards <= 0 {
		shards = 8
	}
	s := &Sharded[T]{
		shards: make([]*Queue[T], shards),
		key:    key,
	}
	for i := range s.shards {
		shardOpts := opts
		shardOpts.Name = fmt.Sprintf("%s-%d", opts.Name, i)
		shardOpts.Workers = 1
		s.shards[i] = New(shardOpts, handler)
	}
	return s
}

func (s *Sharded[T]) shard(job T) *Queue[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s.key(job)))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// TryEnqueue adds job to its shard without blocking.
func (s *Sharded[T]) TryEnqueue(job T) error {
	return s.shard(job).TryEnqueue(job)
}

// Enqueue blocks until the job's shard buffers it or ctx is done.
func (s *Sharded[T]) Enqueue(ctx context.Context, job T) error {
	return s.shard(job).Enqueue(ctx, job)
}

// Len returns the total number of buffered jobs across shards.
func (s *Sharded[T]) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.Len()
	}
	return n
}

// Run starts every shard and blocks until all have drained after ctx ends.
func (s *Sharded[T]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range s.shards {
		g.Go(func() error { return sh.Run(ctx) })
	}
	return g.Wait()
}

// DeadLetters gathers the dead-letter rings of all shards.
func (s *Sharded[T]) DeadLetters() []DeadLetter[T] {
	var out []DeadLetter[T]
	for _, sh := range s.shards {
		out = append(out, sh.DeadLetters()...)
	}
	return out
}
