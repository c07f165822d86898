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

// Package server is the HTTP surface: report intake, archive uploads, the
// admin CRUD API, health probes and prometheus metrics, all on one chi
// router.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crashstream/crashstream/internal/blob"
	"github.com/crashstream/crashstream/internal/ingest"
	"github.com/crashstream/crashstream/internal/sourcemap"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/window"
)

// Config holds the listener settings.
type Config struct {
	ListenAddr string
	// ReadTimeout defaults to 10s, WriteTimeout to 30s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RuleInvalidator drops a project's cached alert rules after admin edits.
type RuleInvalidator interface {
	InvalidateRules(projectID string)
}

// Options are the collaborators behind the routes. Nil fields disable the
// routes that need them: Blobs/Resolver the uploads, Reload the reload
// endpoint.
type Options struct {
	Ingest   *ingest.Service
	Store    store.Store
	Configs  *store.ConfigCache
	Windows  window.Windows
	Blobs    *blob.Store
	Resolver *sourcemap.Resolver
	Rules    RuleInvalidator
	Reload   func(ctx context.Context) error
	Logger   log.Logger
	// Registry serves /metrics and receives the HTTP metrics. Optional.
	Registry *prometheus.Registry
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashstream_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"method", "path", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crashstream_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// Server owns the router and the listener.
type Server struct {
	cfg     Config
	opts    Options
	logger  log.Logger
	metrics *httpMetrics
	http    *http.Server
	started time.Time
	ready   atomic.Bool
}

// New wires the server. Call SetReady(true) once the worker pools run.
func New(cfg Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  log.With(opts.Logger, "component", "server"),
		metrics: newHTTPMetrics(opts.Registry),
		started: time.Now(),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the configured router, also used directly by httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Post("/api/monitor/report", s.handleReport)
	r.Post("/api/monitor/reports", s.handleReport)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/health/readiness", s.handleReadiness)
	r.Get("/api/health/detailed", s.handleHealthDetailed)

	r.Post("/api/sourcemap/upload", s.handleSourcemapUpload)
	r.Post("/api/source-code/upload", s.handleSourceCodeUpload)

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Put("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)

			r.Get("/alert-rules", s.handleListRules)
			r.Post("/alert-rules", s.handleCreateRule)
			r.Put("/alert-rules/{ruleID}", s.handleUpdateRule)
			r.Delete("/alert-rules/{ruleID}", s.handleDeleteRule)

			r.Get("/aggregations", s.handleListAggregations)
			r.Put("/aggregations/{errorHash}/status", s.handleAggregationStatus)

			r.Get("/alert-history", s.handleListHistory)
		})
	})

	if s.opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
	r.Post("/-/reload", s.handleReload)
	r.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("crashstream is healthy.\n"))
	})
	r.Get("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("crashstream is not ready.\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("crashstream is ready.\n"))
	})
	return r
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// stop, the way net/http does.
func (s *Server) Start() error {
	_ = level.Info(s.logger).Log("msg", "listening", "addr", s.cfg.ListenAddr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.http.Shutdown(ctx)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reload == nil {
		s.writeError(w, http.StatusNotFound, "reload not configured")
		return
	}
	if err := s.opts.Reload(r.Context()); err != nil {
		_ = level.Error(s.logger).Log("msg", "reload failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = level.Info(s.logger).Log("msg", "configuration reloaded")
	w.WriteHeader(http.StatusOK)
}

// instrument records metrics and a debug log line per request, keyed by the
// chi route pattern so path parameters do not explode the label space.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.requests.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		s.metrics.duration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())
		_ = level.Debug(s.logger).Log(
			"msg", "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = level.Warn(s.logger).Log("msg", "response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
