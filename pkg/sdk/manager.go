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

// Package sdk is the client-side monitoring runtime: a platform-abstracted
// manager that captures errors, performance samples and behavior
// breadcrumbs through an adapter, buffers them in a bounded queue and
// uploads them in batches to a crashstream server.
//
// The manager owns a single goroutine; adapter callbacks, the flush timer
// and explicit API calls all funnel into it, so the managers and the queue
// never see concurrent access. The only error New returns is
// ErrConfigInvalid: once running, the SDK never propagates a failure to its
// host.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/crashstream/crashstream/pkg/monitor"
	"github.com/crashstream/crashstream/pkg/sdk/platform"
	"github.com/crashstream/crashstream/pkg/sdk/queue"
)

// inboxSize bounds the hand-off channel between adapter callbacks and the
// manager loop. Overflow drops the newest event: the adapters fire on hot
// paths and must never block the host.
const inboxSize = 256

// Manager is the SDK entry point. Construct with New, stop with Destroy.
type Manager struct {
	cfg     Config
	adapter *platform.Adapter
	logger  log.Logger

	enabled   bool
	sessionID string

	queue  *queue.Queue
	errs   *errorManager
	crumbs *breadcrumbs

	rand func() float64

	inbox   chan *monitor.Event
	flushc  chan chan error
	done    chan struct{}
	stopped chan struct{}
}

// New validates cfg, wires the adapter and starts the manager loop. The
// returned error is always ErrConfigInvalid (wrapped); any other failure
// mode degrades into a disabled manager instead.
func New(adapter *platform.Adapter, cfg Config, logger log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, errors.New("nil platform adapter")
	}

	m := &Manager{
		cfg:       cfg,
		adapter:   adapter,
		logger:    log.With(logger, "component", "sdk"),
		sessionID: uuid.NewString(),
		rand:      rand.Float64,
		inbox:     make(chan *monitor.Event, inboxSize),
		flushc:    make(chan chan error),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	m.enabled = m.decideEnabled()

	var qstorage queue.Storage
	if adapter.Storage != nil && !cfg.Report.DisableOfflineCache {
		qstorage = adapter.Storage
	}
	m.queue = queue.New(queue.Options{
		MaxSize: cfg.Report.MaxQueueSize,
		Storage: qstorage,
		Logger:  m.logger,
		OnQueueFull: func(*monitor.Event) {
			_ = level.Debug(m.logger).Log("msg", "queue full, oldest event dropped")
		},
		OnFlushError: func(err error, requeued int) {
			_ = level.Warn(m.logger).Log("msg", "flush failed, batch requeued", "err", err, "requeued", requeued)
		},
	})
	m.errs = newErrorManager(cfg.Error, m.rand, m.logger)
	m.crumbs = newBreadcrumbs(cfg.Behavior.MaxBehaviors)

	if m.enabled {
		m.startCapture()
	}
	go m.run()

	_ = level.Info(m.logger).Log("msg", "sdk initialized",
		"project", cfg.ProjectID,
		"platform", adapter.Name,
		"enabled", m.enabled,
		"capabilities", len(adapter.Capabilities()),
	)
	return m, nil
}

// decideEnabled applies the environment gate and the session-level sample.
func (m *Manager) decideEnabled() bool {
	if m.cfg.Environment == EnvDevelopment && !m.cfg.EnableInDev {
		return false
	}
	if m.cfg.SampleRate == SampleOff {
		return false
	}
	if m.cfg.SampleRate < 1 && m.rand() > m.cfg.SampleRate {
		return false
	}
	return true
}

func (m *Manager) startCapture() {
	a := m.adapter
	if a.ErrorCapture != nil && !m.cfg.Error.Disable {
		if err := a.ErrorCapture.Init(m.emit); err != nil {
			_ = level.Warn(m.logger).Log("msg", "error capture unavailable", "err", err)
		}
	}
	if a.Performance != nil && !m.cfg.Performance.Disable {
		if err := a.Performance.Start(m.emit); err != nil {
			_ = level.Warn(m.logger).Log("msg", "performance capture unavailable", "err", err)
		}
	}
	if a.Behavior != nil && !m.cfg.Behavior.Disable {
		if err := a.Behavior.Start(m.emit); err != nil {
			_ = level.Warn(m.logger).Log("msg", "behavior capture unavailable", "err", err)
		}
	}
}

// emit is the adapter-facing entry point. It runs on arbitrary goroutines
// and must neither block nor panic.
func (m *Manager) emit(e *monitor.Event) {
	if e == nil {
		return
	}
	defer func() {
		// The monitoring path never takes the host down.
		_ = recover()
	}()
	select {
	case m.inbox <- e:
	case <-m.done:
	default:
		_ = level.Debug(m.logger).Log("msg", "inbox full, event dropped", "event", e.ID)
	}
}

// Capture reports an explicit error through the adapter, stamping the usual
// session fields on the way through the manager loop.
func (m *Manager) Capture(err error, extra monitor.Map) {
	if err == nil || m.adapter.ErrorCapture == nil {
		return
	}
	m.adapter.ErrorCapture.Capture(err, extra)
}

// Track records a behavior breadcrumb.
func (m *Manager) Track(data monitor.BehaviorData) {
	if m.adapter.Behavior == nil {
		return
	}
	m.adapter.Behavior.Track(data)
}

// SessionID returns the session identifier stamped on every event.
func (m *Manager) SessionID() string { return m.sessionID }

// Enabled reports whether this session captures anything.
func (m *Manager) Enabled() bool { return m.enabled }

// Stats returns the queue's delivery counters.
func (m *Manager) Stats() queue.Stats { return m.queue.Stats() }

// Flush uploads everything currently queued and returns the send error, if
// any. Concurrent with the periodic flush; both serialize on the loop.
func (m *Manager) Flush() error {
	reply := make(chan error, 1)
	select {
	case m.flushc <- reply:
		return <-reply
	case <-m.done:
		return nil
	}
}

// Destroy stops capture, flushes once and releases the adapter. Safe to
// call twice; events arriving afterwards are dropped.
func (m *Manager) Destroy() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	<-m.stopped

	a := m.adapter
	if a.ErrorCapture != nil {
		a.ErrorCapture.Destroy()
	}
	if a.Performance != nil {
		a.Performance.Destroy()
	}
	if a.Behavior != nil {
		a.Behavior.Destroy()
	}
	m.queue.Close()
	_ = level.Info(m.logger).Log("msg", "sdk destroyed", "queued", m.queue.Len())
}

// run is the manager loop. Everything that touches the queue or the
// error-manager state happens here.
func (m *Manager) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.Report.Interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-m.inbox:
			m.handle(e)
		case <-ticker.C:
			if err := m.flush(); err != nil {
				_ = level.Debug(m.logger).Log("msg", "periodic flush failed", "err", err)
			}
		case reply := <-m.flushc:
			reply <- m.flush()
		case <-m.done:
			// Drain what the adapters already handed over, then one
			// final flush.
			for {
				select {
				case e := <-m.inbox:
					m.handle(e)
					continue
				default:
				}
				break
			}
			if err := m.flush(); err != nil {
				_ = level.Warn(m.logger).Log("msg", "final flush failed", "err", err)
			}
			return
		}
	}
}

// handle stamps, filters and enqueues one captured event.
func (m *Manager) handle(e *monitor.Event) {
	if !m.enabled {
		return
	}
	e.ProjectID = m.cfg.ProjectID
	e.ProjectVersion = m.cfg.ProjectVersion
	e.SessionID = m.sessionID
	e.Platform = m.adapter.Name
	if e.UserID == "" {
		e.UserID = m.cfg.UserID
	}
	for k, v := range m.cfg.Tags {
		e.SetTag(k, v)
	}

	switch e.Kind {
	case monitor.KindError:
		out := m.errs.process(e)
		if out == nil {
			return
		}
		if crumbs := m.crumbs.recentJSON(); crumbs != "" {
			out.SetTag("recent_behaviors", crumbs)
		}
		m.queue.Add(out)

	case monitor.KindPerformance:
		rate := m.cfg.Performance.SampleRate
		if rate != 1 && (rate == SampleOff || m.rand() > rate) {
			return
		}
		m.queue.Add(e)

	case monitor.KindBehavior:
		// Breadcrumbs stay local; they ride along on the next error.
		m.crumbs.add(e)
	}
}

// flush drains up to one batch and uploads it. A failed batch goes back to
// the queue head in order.
func (m *Manager) flush() error {
	if m.adapter.Network == nil {
		return nil
	}
	batch := m.queue.GetBatch(m.cfg.Report.BatchSize)
	if len(batch) == 0 {
		return nil
	}

	reports := make([]*monitor.Report, 0, len(batch))
	for _, e := range batch {
		r, err := monitor.FromEvent(e, float64(m.cfg.Performance.SlowRequestThreshold.Milliseconds()))
		if err != nil {
			if !errors.Is(err, monitor.ErrNotReportable) {
				_ = level.Debug(m.logger).Log("msg", "event not reportable", "event", e.ID, "err", err)
			}
			continue
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		m.queue.OnSendSuccess(nil)
		return nil
	}

	err := m.send(reports)
	if err != nil {
		m.queue.OnSendError(batch, err)
		return err
	}
	m.queue.OnSendSuccess(batch)
	return nil
}

// send uploads with per-attempt timeout and exponential backoff.
func (m *Manager) send(reports []*monitor.Report) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.Report.RetryDelay
	bo.RandomizationFactor = 0.2
	url := m.cfg.reportURL()

	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Report.Timeout)
		defer cancel()
		return m.adapter.Network.Send(ctx, url, reports)
	}
	return backoff.Retry(attempt, backoff.WithMaxRetries(bo, uint64(m.cfg.Report.MaxRetries)))
}

// breadcrumbs is a bounded ring of recent behavior events.
type breadcrumbs struct {
	buf  []*monitor.Event
	next int
	full bool
}

func newBreadcrumbs(max int) *breadcrumbs {
	return &breadcrumbs{buf: make([]*monitor.Event, max)}
}

func (b *breadcrumbs) add(e *monitor.Event) {
	b.buf[b.next] = e
	b.next = (b.next + 1) % len(b.buf)
	if b.next == 0 {
		b.full = true
	}
}

// recentJSON renders the newest breadcrumbs (up to 10) as a compact JSON
// array for the recent_behaviors tag.
func (b *breadcrumbs) recentJSON() string {
	const maxAttached = 10

	n := b.next
	if b.full {
		n = len(b.buf)
	}
	if n == 0 {
		return ""
	}
	if n > maxAttached {
		n = maxAttached
	}

	type crumb struct {
		Type      monitor.BehaviorType `json:"type"`
		Event     string               `json:"event,omitempty"`
		Target    string               `json:"target,omitempty"`
		Timestamp int64                `json:"timestamp"`
	}
	crumbs := make([]crumb, 0, n)
	for i := n; i > 0; i-- {
		idx := (b.next - i + len(b.buf)) % len(b.buf)
		e := b.buf[idx]
		if e == nil || e.Behavior == nil {
			continue
		}
		crumbs = append(crumbs, crumb{
			Type:      e.Behavior.Type,
			Event:     e.Behavior.Event,
			Target:    e.Behavior.Target,
			Timestamp: e.Timestamp,
		})
	}
	if len(crumbs) == 0 {
		return ""
	}
	raw, err := json.Marshal(crumbs)
	if err != nil {
		return ""
	}
	return string(raw)
}
