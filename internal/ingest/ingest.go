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

// Package ingest is the intake stage behind POST /api/monitor/report: it
// authenticates the project, validates and normalizes the wire report,
// drops duplicates, feeds the sliding windows and routes the event to the
// error pipeline or the performance sink.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashstream/crashstream/internal/pipeline"
	"github.com/crashstream/crashstream/internal/sink"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/window"
	"github.com/crashstream/crashstream/pkg/monitor"
)

var (
	// ErrUnknownProject rejects reports for project IDs without a config.
	ErrUnknownProject = errors.New("unknown project")
	// ErrBadAPIKey rejects reports whose key does not match the project's.
	ErrBadAPIKey = errors.New("invalid api key")
	// ErrInvalidPayload rejects reports that fail validation or cannot be
	// normalized into an event.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ErrorEnqueuer hands error events to the processing pipeline. A full
// queue's error propagates to the caller as backpressure.
type ErrorEnqueuer interface {
	TryEnqueue(job pipeline.Job) error
}

type serviceMetrics struct {
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	deduped  prometheus.Counter
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	m := &serviceMetrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashstream_ingest_accepted_total",
			Help: "Reports accepted into the pipeline, by event kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashstream_ingest_rejected_total",
			Help: "Reports rejected at intake, by reason.",
		}, []string{"reason"}),
		deduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_ingest_deduped_total",
			Help: "Reports dropped as duplicates of a recent event ID.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.accepted, m.rejected, m.deduped)
	}
	return m
}

// Service is the intake stage. Safe for concurrent use.
type Service struct {
	cfgs     *store.ConfigCache
	dedup    Deduper
	windows  window.Windows
	sink     sink.Sink
	errs     ErrorEnqueuer
	validate *validator.Validate
	logger   log.Logger
	metrics  *serviceMetrics
}

// New wires the intake stage.
func New(cfgs *store.ConfigCache, dedup Deduper, w window.Windows, sk sink.Sink, errs ErrorEnqueuer, logger log.Logger, reg prometheus.Registerer) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Service{
		cfgs:     cfgs,
		dedup:    dedup,
		windows:  w,
		sink:     sk,
		errs:     errs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With(logger, "component", "ingest"),
		metrics:  newServiceMetrics(reg),
	}
}

// Ingest accepts one wire report. Sentinel errors classify rejections for
// the HTTP layer: ErrInvalidPayload, ErrUnknownProject, ErrBadAPIKey, and
// jobq.ErrFull for backpressure. A duplicate is not an error.
func (s *Service) Ingest(ctx context.Context, apiKey string, r *monitor.Report) error {
	if err := s.validate.Struct(r); err != nil {
		s.metrics.rejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	cfg, err := s.cfgs.Get(ctx, r.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.rejected.WithLabelValues("unknown_project").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownProject, r.ProjectID)
	}
	if err != nil {
		return fmt.Errorf("load project config: %w", err)
	}
	// The key header is optional; when sent it has to match.
	if apiKey != "" && apiKey != cfg.APIKey {
		s.metrics.rejected.WithLabelValues("bad_key").Inc()
		return ErrBadAPIKey
	}

	ev, err := r.Event()
	if err != nil {
		s.metrics.rejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	seen, err := s.dedup.Seen(ctx, ev.ID)
	if err != nil {
		// Fail open: a broken dedup backend must not stop intake.
		_ = level.Warn(s.logger).Log("msg", "dedup check failed", "err", err)
	} else if seen {
		s.metrics.deduped.Inc()
		return nil
	}

	s.record(ctx, ev)

	switch ev.Kind {
	case monitor.KindError:
		if err := s.errs.TryEnqueue(pipeline.Job{Event: ev}); err != nil {
			s.metrics.rejected.WithLabelValues("backpressure").Inc()
			return err
		}
	case monitor.KindPerformance:
		if err := s.sink.Append(ctx, ev); err != nil {
			return fmt.Errorf("sink append: %w", err)
		}
	}

	s.metrics.accepted.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// record feeds the sliding windows. Window failures cost telemetry, not
// intake.
func (s *Service) record(ctx context.Context, ev *monitor.Event) {
	warn := func(err error) {
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "window record failed", "project", ev.ProjectID, "err", err)
		}
	}
	warn(s.windows.Record(ctx, ev.ProjectID, window.SeriesTotal, 1))

	switch ev.Kind {
	case monitor.KindError:
		warn(s.windows.Record(ctx, ev.ProjectID, window.SeriesErrors, 1))
	case monitor.KindPerformance:
		for name, value := range ev.Performance.Metrics {
			warn(s.windows.Record(ctx, ev.ProjectID, "metric:"+name, value))
		}
	}
}
