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

// Package queue implements the SDK-side outgoing event buffer: a bounded
// FIFO that evicts its oldest entry under pressure, hands out batches in
// insertion order, takes failed batches back without reordering, and
// optionally snapshots itself to a key-value storage so pending events
// survive process restarts.
package queue

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/pkg/monitor"
)

const (
	defaultMaxSize      = 500
	defaultMaxCacheSize = 100
	defaultDebounce     = time.Second
	defaultSnapshotTTL  = 24 * time.Hour
)

// Stats counts upload outcomes and local drops. SuccessCount and
// FailedCount are persisted with snapshots; Dropped is not.
type Stats struct {
	SuccessCount int `json:"successCount"`
	FailedCount  int `json:"failedCount"`
	Dropped      int `json:"-"`
}

// Storage is the key-value capability snapshots are written through.
// Implementations map to whatever the platform offers (localStorage on web
// hosts, a file or map elsewhere). Get returns "" without error for a
// missing key.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Options configure a Queue. The zero value is usable: capacity 500, no
// persistence, no signal callbacks.
type Options struct {
	// MaxSize bounds the queue. Adding to a full queue evicts the oldest
	// entry. Default 500.
	MaxSize int

	// Storage enables snapshot persistence when non-nil.
	Storage Storage
	// StorageKey is the snapshot key. Default "crashstream:queue:v1".
	StorageKey string
	// MaxCacheSize caps how many (newest) events one snapshot holds.
	// Default 100.
	MaxCacheSize int
	// SnapshotTTL discards restored snapshots older than this. Default 24h.
	SnapshotTTL time.Duration
	// debounce between mutations and the snapshot write; test hook.
	debounce time.Duration

	// OnQueueFull is called once per eviction with the dropped event.
	OnQueueFull func(dropped *monitor.Event)
	// OnFlushError is called after a failed batch was taken back.
	OnFlushError func(err error, requeued int)

	Logger log.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = defaultMaxSize
	}
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = defaultMaxCacheSize
	}
	if o.StorageKey == "" {
		o.StorageKey = "crashstream:queue:v1"
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = defaultSnapshotTTL
	}
	if o.debounce <= 0 {
		o.debounce = defaultDebounce
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}

// Queue is the bounded event FIFO. Safe for concurrent use, though the SDK
// drives it from a single goroutine.
type Queue struct {
	mtx  sync.Mutex
	buf  []*monitor.Event
	head int
	tail int
	size int

	opts   Options
	stats  Stats
	closed bool

	persistTimer *time.Timer
}

// New returns a queue and, when storage is configured, restores the
// previous snapshot. Storage failures never fail construction.
func New(opts Options) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		buf:  make([]*monitor.Event, opts.MaxSize),
		opts: opts,
	}
	q.restore()
	return q
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.size
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.stats
}

// Add appends e. When the queue is full the oldest entry is evicted first
// and the OnQueueFull signal fires; Add itself always succeeds.
func (q *Queue) Add(e *monitor.Event) {
	var dropped *monitor.Event

	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return
	}
	if q.size == len(q.buf) {
		dropped = q.buf[q.head]
		q.removeHeadLocked()
		q.stats.Dropped++
	}
	q.buf[q.tail] = e
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	q.scheduleSnapshotLocked()
	q.mtx.Unlock()

	if dropped != nil && q.opts.OnQueueFull != nil {
		q.opts.OnQueueFull(dropped)
	}
}

// GetBatch removes and returns up to n events from the head, in insertion
// order.
func (q *Queue) GetBatch(n int) []*monitor.Event {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return nil
	}
	batch := make([]*monitor.Event, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, q.buf[q.head])
		q.removeHeadLocked()
	}
	q.scheduleSnapshotLocked()
	return batch
}

// Flush removes and returns everything.
func (q *Queue) Flush() []*monitor.Event {
	q.mtx.Lock()
	n := q.size
	q.mtx.Unlock()
	return q.GetBatch(n)
}

// OnSendSuccess records a delivered batch.
func (q *Queue) OnSendSuccess(batch []*monitor.Event) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.stats.SuccessCount += len(batch)
	q.scheduleSnapshotLocked()
}

// OnSendError puts a failed batch back at the head, preserving its internal
// order, then truncates to capacity keeping the newest entries. Events
// already queued stay behind the restored batch, so a later GetBatch
// returns the failed events first.
func (q *Queue) OnSendError(batch []*monitor.Event, err error) {
	q.mtx.Lock()
	q.stats.FailedCount += len(batch)

	all := make([]*monitor.Event, 0, len(batch)+q.size)
	all = append(all, batch...)
	for q.size > 0 {
		all = append(all, q.buf[q.head])
		q.removeHeadLocked()
	}
	if over := len(all) - len(q.buf); over > 0 {
		q.stats.Dropped += over
		all = all[over:]
	}
	q.head, q.tail, q.size = 0, 0, 0
	for _, e := range all {
		q.buf[q.tail] = e
		q.tail = (q.tail + 1) % len(q.buf)
		q.size++
	}
	requeued := len(all)
	q.scheduleSnapshotLocked()
	q.mtx.Unlock()

	if q.opts.OnFlushError != nil {
		q.opts.OnFlushError(err, requeued)
	}
}

// Close writes a final snapshot and stops the persistence timer. The queue
// drops further Adds afterwards.
func (q *Queue) Close() {
	q.mtx.Lock()
	q.closed = true
	if q.persistTimer != nil {
		q.persistTimer.Stop()
		q.persistTimer = nil
	}
	snap := q.snapshotLocked()
	q.mtx.Unlock()

	q.writeSnapshot(snap)
}

func (q *Queue) removeHeadLocked() {
	q.buf[q.head] = nil // keeps evicted events collectable
	q.head = (q.head + 1) % len(q.buf)
	q.size--
}

func (q *Queue) logError(msg string, err error) {
	_ = level.Warn(q.opts.Logger).Log("msg", msg, "err", err)
}
