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

// Package memory is an in-process adapter: capture is driven by the
// embedding program, uploads land in a slice, storage is a map. It backs
// the SDK's tests and lets command-line hosts embed the SDK without any
// platform wiring.
package memory

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/crashstream/crashstream/pkg/monitor"
	"github.com/crashstream/crashstream/pkg/sdk/platform"
)

// Adapter implements every capability in memory.
type Adapter struct {
	mtx sync.Mutex

	errEmit  platform.EmitFunc
	perfEmit platform.EmitFunc
	behEmit  platform.EmitFunc

	sent    [][]*monitor.Report
	sendErr error

	storage map[string]string
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{storage: map[string]string{}}
}

// Platform returns the capability bundle for sdk.New. Every capability is
// served by the adapter itself.
func (a *Adapter) Platform() *platform.Adapter {
	return &platform.Adapter{
		Name:         "memory",
		ErrorCapture: (*errorCapture)(a),
		Performance:  (*performance)(a),
		Behavior:     (*behavior)(a),
		Network:      (*network)(a),
		Storage:      (*storage)(a),
	}
}

// FailUploads makes subsequent Sends return err (nil restores success).
func (a *Adapter) FailUploads(err error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.sendErr = err
}

// Sent returns all uploaded batches.
func (a *Adapter) Sent() [][]*monitor.Report {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([][]*monitor.Report, len(a.sent))
	copy(out, a.sent)
	return out
}

// SentReports flattens Sent into single records.
func (a *Adapter) SentReports() []*monitor.Report {
	var out []*monitor.Report
	for _, batch := range a.Sent() {
		out = append(out, batch...)
	}
	return out
}

// EmitError injects a raw error event, as a platform error source would.
func (a *Adapter) EmitError(e *monitor.Event) {
	a.mtx.Lock()
	emit := a.errEmit
	a.mtx.Unlock()
	if emit != nil {
		emit(e)
	}
}

// EmitPerformance injects a performance event.
func (a *Adapter) EmitPerformance(e *monitor.Event) {
	a.mtx.Lock()
	emit := a.perfEmit
	a.mtx.Unlock()
	if emit != nil {
		emit(e)
	}
}

type errorCapture Adapter

func (c *errorCapture) Init(emit platform.EmitFunc) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.errEmit = emit
	return nil
}

func (c *errorCapture) Destroy() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.errEmit = nil
}

func (c *errorCapture) Capture(err error, extra monitor.Map) {
	if err == nil {
		return
	}
	e := monitor.NewErrorEvent(monitor.ErrorData{
		Type:    monitor.ErrorCustom,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	})
	e.Extra = extra
	(*Adapter)(c).EmitError(e)
}

type performance Adapter

func (p *performance) Start(emit platform.EmitFunc) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.perfEmit = emit
	return nil
}

func (p *performance) Destroy() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.perfEmit = nil
}

func (p *performance) PagePerformance() map[string]float64 { return nil }

type behavior Adapter

func (b *behavior) Start(emit platform.EmitFunc) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.behEmit = emit
	return nil
}

func (b *behavior) Destroy() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.behEmit = nil
}

func (b *behavior) Track(data monitor.BehaviorData) {
	b.mtx.Lock()
	emit := b.behEmit
	b.mtx.Unlock()
	if emit != nil {
		emit(monitor.NewBehaviorEvent(data))
	}
}

type network Adapter

func (n *network) Send(_ context.Context, _ string, reports []*monitor.Report) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	batch := make([]*monitor.Report, len(reports))
	copy(batch, reports)
	n.sent = append(n.sent, batch)
	return nil
}

type storage Adapter

func (s *storage) Get(key string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.storage[key], nil
}

func (s *storage) Set(key, value string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.storage[key] = value
	return nil
}

func (s *storage) Remove(key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.storage, key)
	return nil
}
