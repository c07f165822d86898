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

// Package pipeline is the error-processing stage between intake and
// aggregation: it stamps the fingerprint, lands the raw event in the sink
// and fans out to the aggregation and source-map queues.
package pipeline

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashstream/crashstream/internal/aggregate"
	"github.com/crashstream/crashstream/internal/sink"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/pkg/fingerprint"
	"github.com/crashstream/crashstream/pkg/monitor"
)

// Job carries one error event through the processing stage.
type Job struct {
	Event *monitor.Event
}

// SourcemapJob asks the source-map stage to resolve one aggregation's
// representative position.
type SourcemapJob struct {
	ProjectID string
	ErrorHash string
	File      string
	Line      int
	Col       int
}

// AggregateEnqueuer feeds the aggregation stage. The sharded queue's
// Enqueue satisfies it.
type AggregateEnqueuer interface {
	Enqueue(ctx context.Context, job aggregate.Job) error
}

// SourcemapEnqueuer feeds the source-map stage. Resolution is best-effort,
// so the non-blocking TryEnqueue is enough.
type SourcemapEnqueuer interface {
	TryEnqueue(job SourcemapJob) error
}

type processorMetrics struct {
	processed     prometheus.Counter
	fingerprinted prometheus.Counter
	mapRequested  prometheus.Counter
	mapDropped    prometheus.Counter
}

func newProcessorMetrics(reg prometheus.Registerer) *processorMetrics {
	m := &processorMetrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_pipeline_events_total",
			Help: "Error events processed by the pipeline stage.",
		}),
		fingerprinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_pipeline_fingerprinted_total",
			Help: "Events that arrived without a valid fingerprint and got one computed.",
		}),
		mapRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_pipeline_sourcemap_jobs_total",
			Help: "Source-map resolution jobs handed off.",
		}),
		mapDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_pipeline_sourcemap_dropped_total",
			Help: "Source-map jobs dropped because the queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.fingerprinted, m.mapRequested, m.mapDropped)
	}
	return m
}

// Processor is the error-stage handler.
type Processor struct {
	fp      *fingerprint.Fingerprinter
	cfgs    *store.ConfigCache
	sink    sink.Sink
	agg     AggregateEnqueuer
	maps    SourcemapEnqueuer
	logger  log.Logger
	metrics *processorMetrics
}

// NewProcessor wires the stage. maps may be nil when source-map resolution
// is disabled globally.
func NewProcessor(fp *fingerprint.Fingerprinter, cfgs *store.ConfigCache, sk sink.Sink, agg AggregateEnqueuer, maps SourcemapEnqueuer, logger log.Logger, reg prometheus.Registerer) *Processor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Processor{
		fp:      fp,
		cfgs:    cfgs,
		sink:    sk,
		agg:     agg,
		maps:    maps,
		logger:  log.With(logger, "component", "pipeline"),
		metrics: newProcessorMetrics(reg),
	}
}

// Handle enriches and fans out one error event. Sink and enqueue failures
// are retryable; the event is idempotent to reprocess because aggregation
// dedups upstream by event ID.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	ev := job.Event
	if ev == nil || ev.Error == nil {
		return nil
	}

	if !p.fp.IsValidHash(ev.Fingerprint) {
		ev.Fingerprint = p.fp.Compute(fingerprint.Input{
			Type:     string(ev.Error.Type),
			Message:  ev.Error.Message,
			Stack:    ev.Error.Stack,
			Filename: ev.Error.Filename,
		})
		p.metrics.fingerprinted.Inc()
	}

	if err := p.sink.Append(ctx, ev); err != nil {
		return fmt.Errorf("sink append: %w", err)
	}

	if err := p.agg.Enqueue(ctx, aggregate.Job{Event: ev}); err != nil {
		return fmt.Errorf("enqueue aggregation: %w", err)
	}

	p.maybeResolveSource(ctx, ev)
	p.metrics.processed.Inc()
	return nil
}

// maybeResolveSource hands the position off to the source-map stage when
// the project wants resolution and the event carries usable coordinates.
func (p *Processor) maybeResolveSource(ctx context.Context, ev *monitor.Event) {
	if p.maps == nil || ev.Error.Filename == "" || ev.Error.Lineno <= 0 {
		return
	}
	cfg, err := p.cfgs.Get(ctx, ev.ProjectID)
	if err != nil {
		_ = level.Debug(p.logger).Log("msg", "skipping sourcemap, config unavailable", "project", ev.ProjectID, "err", err)
		return
	}
	if !cfg.EnableSourcemap {
		return
	}
	err = p.maps.TryEnqueue(SourcemapJob{
		ProjectID: ev.ProjectID,
		ErrorHash: ev.Fingerprint,
		File:      ev.Error.Filename,
		Line:      ev.Error.Lineno,
		Col:       ev.Error.Colno,
	})
	if err != nil {
		// Resolution is an enrichment, not a guarantee.
		p.metrics.mapDropped.Inc()
		_ = level.Debug(p.logger).Log("msg", "sourcemap job dropped", "project", ev.ProjectID, "err", err)
		return
	}
	p.metrics.mapRequested.Inc()
}
