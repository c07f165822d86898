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

package queue

import (
	"encoding/json"
	"time"

	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/pkg/monitor"
)

// snapshot is the persisted queue state.
type snapshot struct {
	Queue     []*monitor.Event `json:"queue"`
	Timestamp int64            `json:"timestamp"`
	Stats     Stats            `json:"stats"`
}

// scheduleSnapshotLocked arms the persistence timer unless one is already
// pending, so bursts of mutations produce at most one write per interval.
func (q *Queue) scheduleSnapshotLocked() {
	if q.opts.Storage == nil || q.closed || q.persistTimer != nil {
		return
	}
	q.persistTimer = time.AfterFunc(q.opts.debounce, func() {
		q.mtx.Lock()
		q.persistTimer = nil
		if q.closed {
			q.mtx.Unlock()
			return
		}
		snap := q.snapshotLocked()
		q.mtx.Unlock()

		q.writeSnapshot(snap)
	})
}

func (q *Queue) snapshotLocked() *snapshot {
	if q.opts.Storage == nil {
		return nil
	}
	n := q.size
	if n > q.opts.MaxCacheSize {
		n = q.opts.MaxCacheSize
	}
	// The newest n events, oldest first.
	events := make([]*monitor.Event, 0, n)
	for i := q.size - n; i < q.size; i++ {
		events = append(events, q.buf[(q.head+i)%len(q.buf)])
	}
	return &snapshot{
		Queue:     events,
		Timestamp: time.Now().UnixMilli(),
		Stats:     q.stats,
	}
}

func (q *Queue) writeSnapshot(snap *snapshot) {
	if snap == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		q.logError("encode queue snapshot", err)
		return
	}
	if err := q.opts.Storage.Set(q.opts.StorageKey, string(raw)); err != nil {
		q.logError("persist queue snapshot", err)
	}
}

// restore loads the previous snapshot, dropping it when expired or corrupt.
// Every failure path degrades to an empty queue.
func (q *Queue) restore() {
	st := q.opts.Storage
	if st == nil {
		return
	}
	raw, err := st.Get(q.opts.StorageKey)
	if err != nil {
		q.logError("read queue snapshot", err)
		return
	}
	if raw == "" {
		return
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		q.logError("corrupt queue snapshot, deleting", err)
		if rerr := st.Remove(q.opts.StorageKey); rerr != nil {
			q.logError("delete corrupt snapshot", rerr)
		}
		return
	}
	age := time.Since(time.UnixMilli(snap.Timestamp))
	if age > q.opts.SnapshotTTL || age < 0 {
		_ = level.Debug(q.opts.Logger).Log("msg", "discarding expired queue snapshot", "age", age)
		if rerr := st.Remove(q.opts.StorageKey); rerr != nil {
			q.logError("delete expired snapshot", rerr)
		}
		return
	}

	events := snap.Queue
	if len(events) > q.opts.MaxSize {
		events = events[len(events)-q.opts.MaxSize:]
	}
	for _, e := range events {
		if e == nil {
			continue
		}
		q.buf[q.tail] = e
		q.tail = (q.tail + 1) % len(q.buf)
		q.size++
	}
	q.stats = snap.Stats
	_ = level.Debug(q.opts.Logger).Log("msg", "restored queue snapshot", "events", q.size)
}
