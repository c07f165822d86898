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

// Package web adapts the SDK to Go HTTP hosts. Error capture comes from a
// panic-recovery middleware plus explicit Capture calls; HTTP timings come
// from an opt-in RoundTripper decorator. Uploads run over a client captured
// at construction, before any decoration, so the SDK's own traffic is
// structurally invisible to its instrumentation.
package web

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/pkg/monitor"
	"github.com/crashstream/crashstream/pkg/sdk/platform"
)

// defaultFilteredPaths are URL fragments the performance decorator never
// records: the telemetry surface itself. Observing them would loop uploads
// back into the queue.
var defaultFilteredPaths = []string{
	"/api/monitor",
	"/api/error-logs",
	"/api/health",
}

// Options configure the web adapter.
type Options struct {
	// Client is the template for the upload client. Its transport is
	// captured now; decorations installed later are not applied to
	// uploads. Nil means a fresh client over http.DefaultTransport.
	Client *http.Client
	// UploadTimeout bounds each report upload. Default 5s.
	UploadTimeout time.Duration
	// APIKey is sent as X-API-Key when non-empty.
	APIKey string
	// StorageDir enables file-backed offline caching when non-empty.
	StorageDir string
	// FilteredPaths extends the default telemetry-path filter.
	FilteredPaths []string

	Logger log.Logger
}

// Web bundles the host-facing integration points (middleware, transport
// decorator) with the platform capabilities handed to the SDK core.
type Web struct {
	opts    Options
	started time.Time

	errs *errorCapture
	perf *performance
	beh  *behavior
	net  *network
	st   platform.Storage
}

// New builds the adapter. The upload transport is fixed here: instrument
// host clients only after this call.
func New(opts Options) (*Web, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 5 * time.Second
	}

	upload := &http.Client{Timeout: opts.UploadTimeout}
	if opts.Client != nil {
		// Shallow copy pins the current, undecorated transport.
		c := *opts.Client
		c.Timeout = opts.UploadTimeout
		upload = &c
	}

	w := &Web{
		opts:    opts,
		started: time.Now(),
		errs:    &errorCapture{logger: opts.Logger},
		beh:     &behavior{},
		net: &network{
			client: upload,
			apiKey: opts.APIKey,
			logger: opts.Logger,
		},
	}
	w.perf = &performance{
		web:     w,
		filters: append(append([]string{}, defaultFilteredPaths...), opts.FilteredPaths...),
	}
	if opts.StorageDir != "" {
		st, err := platform.NewFileStorage(opts.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("web adapter storage: %w", err)
		}
		w.st = st
	}
	return w, nil
}

// Adapter returns the capability bundle for sdk.New.
func (w *Web) Adapter() *platform.Adapter {
	return &platform.Adapter{
		Name:         "web",
		ErrorCapture: w.errs,
		Performance:  w.perf,
		Behavior:     w.beh,
		Network:      w.net,
		Storage:      w.st,
	}
}

// Middleware returns a handler that recovers panics from next, captures
// them as error events and replies 500. The panic does not propagate: the
// monitoring path must not take the host down with it.
func (w *Web) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			w.errs.capturePanic(rec, r)
			http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(rw, r)
	})
}

// InstrumentTransport wraps rt with the HTTP timing decorator. Install it
// on host clients whose requests should be observed; never on the upload
// client (New already isolated that one).
func (w *Web) InstrumentTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &timingTransport{next: rt, perf: w.perf}
}

// Track records a behavior breadcrumb.
func (w *Web) Track(data monitor.BehaviorData) {
	w.beh.Track(data)
}

// Capture reports err explicitly.
func (w *Web) Capture(err error, extra monitor.Map) {
	w.errs.Capture(err, extra)
}

type errorCapture struct {
	mtx    sync.RWMutex
	emit   platform.EmitFunc
	logger log.Logger
}

func (c *errorCapture) Init(emit platform.EmitFunc) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.emit = emit
	return nil
}

func (c *errorCapture) Destroy() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.emit = nil
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
	c.send(e)
}

func (c *errorCapture) capturePanic(rec any, r *http.Request) {
	e := monitor.NewErrorEvent(monitor.ErrorData{
		Type:    monitor.ErrorJS,
		Message: fmt.Sprintf("panic: %v", rec),
		Stack:   string(debug.Stack()),
	})
	if r != nil {
		e.PageURL = r.URL.String()
		e.UserAgent = r.UserAgent()
	}
	c.send(e)
}

func (c *errorCapture) send(e *monitor.Event) {
	c.mtx.RLock()
	emit := c.emit
	c.mtx.RUnlock()
	if emit == nil {
		_ = level.Debug(c.logger).Log("msg", "error captured before SDK init, dropped", "event", e.ID)
		return
	}
	emit(e)
}

type performance struct {
	web     *Web
	filters []string

	mtx  sync.RWMutex
	emit platform.EmitFunc
}

func (p *performance) Start(emit platform.EmitFunc) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.emit = emit
	return nil
}

func (p *performance) Destroy() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.emit = nil
}

// PagePerformance reports process-level timings; a server host has no
// navigation timing to offer.
func (p *performance) PagePerformance() map[string]float64 {
	return map[string]float64{
		"processUptime": float64(time.Since(p.web.started).Milliseconds()),
	}
}

func (p *performance) filtered(url string) bool {
	for _, f := range p.filters {
		if strings.Contains(url, f) {
			return true
		}
	}
	return false
}

func (p *performance) record(e *monitor.Event) {
	p.mtx.RLock()
	emit := p.emit
	p.mtx.RUnlock()
	if emit != nil {
		emit(e)
	}
}

// timingTransport records {url, method, status, duration, success} for
// every request through it, except requests against telemetry paths.
type timingTransport struct {
	next http.RoundTripper
	perf *performance
}

func (t *timingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)

	url := req.URL.String()
	if t.perf.filtered(url) {
		return resp, err
	}

	status := 0
	success := err == nil
	if resp != nil {
		status = resp.StatusCode
		success = success && status < 400
	}
	e := monitor.NewPerformanceEvent(monitor.PerformanceData{
		Type: monitor.PerfHTTPRequest,
		Metrics: map[string]float64{
			"duration": float64(time.Since(start).Milliseconds()),
			"status":   float64(status),
			"success":  boolMetric(success),
		},
		Resource: &monitor.ResourceInfo{Name: url, Type: "fetch"},
	})
	e.Extra = monitor.Map{"requestMethod": monitor.String(req.Method)}
	t.perf.record(e)

	return resp, err
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type behavior struct {
	mtx  sync.RWMutex
	emit platform.EmitFunc
}

func (b *behavior) Start(emit platform.EmitFunc) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.emit = emit
	return nil
}

func (b *behavior) Destroy() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.emit = nil
}

func (b *behavior) Track(data monitor.BehaviorData) {
	b.mtx.RLock()
	emit := b.emit
	b.mtx.RUnlock()
	if emit != nil {
		emit(monitor.NewBehaviorEvent(data))
	}
}
