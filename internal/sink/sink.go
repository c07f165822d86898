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

// Package sink defines the append-only destination for raw events. Appends
// are commutative: no ordering is required or preserved beyond what a
// single writer happens to produce. The production deployment points this
// at a columnar store; filesink is the local stand-in, memory backs tests.
package sink

import (
	"context"
	"sync"

	"github.com/crashstream/crashstream/pkg/monitor"
)

// Sink receives every normalized event exactly once (at-least-once under
// retries; consumers dedupe on event ID if they must).
type Sink interface {
	Append(ctx context.Context, e *monitor.Event) error
	// Flush forces buffered appends out.
	Flush(ctx context.Context) error
	Close() error
}

// Memory is a Sink that retains events in a slice. Test use only.
type Memory struct {
	mtx    sync.Mutex
	events []*monitor.Event
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, e *monitor.Event) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Flush(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything appended.
func (m *Memory) Events() []*monitor.Event {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]*monitor.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Len returns the number of appended events.
func (m *Memory) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.events)
}
