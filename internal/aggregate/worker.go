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

// Package aggregate folds error events into per-(project, hash) groups.
// Exact hash matches update the existing group; near-miss signatures are
// found through an LSH band index and merged when similar enough. Jobs for
// one group must arrive serialized, which the sharded queue's key function
// guarantees.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashstream/crashstream/internal/diagnose"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/pkg/fingerprint"
	"github.com/crashstream/crashstream/pkg/monitor"
)

// maxTrackedUsers bounds the per-group distinct-user set. Beyond it the
// affected-user count stops growing, which is acceptable for a level
// signal.
const maxTrackedUsers = 2048

// userSetCapacity bounds how many groups keep a user set in memory.
const userSetCapacity = 8192

// Job carries one error event into the aggregation stage.
type Job struct {
	Event *monitor.Event
}

// ShardKey routes all events of one error identity to the same shard.
// Exact-hash traffic serializes here; similarity merges still cross shard
// boundaries, which the store absorbs with delta counter writes.
func ShardKey(j Job) string {
	return j.Event.ProjectID + "\x00" + j.Event.Fingerprint
}

// Evaluator is the alerting hook called after every group change.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg *store.ProjectConfig, agg *store.ErrorAggregation) error
}

// DiagnosisEnqueuer receives one job per freshly created group. Lossy: a
// full queue only costs the diagnosis.
type DiagnosisEnqueuer interface {
	TryEnqueue(job diagnose.Job) error
}

type workerMetrics struct {
	created prometheus.Counter
	updated prometheus.Counter
	merged  prometheus.Counter
	dropped prometheus.Counter
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	m := &workerMetrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_aggregations_created_total",
			Help: "New error groups created.",
		}),
		updated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_aggregations_updated_total",
			Help: "Events folded into an existing group by exact hash.",
		}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_aggregations_merged_total",
			Help: "Events folded into a group by similarity.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_aggregation_events_dropped_total",
			Help: "Events dropped because their project vanished.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.updated, m.merged, m.dropped)
	}
	return m
}

// Worker is the aggregation stage handler.
type Worker struct {
	store   store.Store
	cfgs    *store.ConfigCache
	fp      *fingerprint.Fingerprinter
	eval    Evaluator
	diag    DiagnosisEnqueuer
	index   *lshIndex
	logger  log.Logger
	metrics *workerMetrics

	// users tracks distinct users per group; alias maps a merged hash to
	// its canonical group hash so later identical events skip the
	// similarity scan. usersMtx covers the sets inside users: merged
	// hashes shard by their own key, so one group's set is touched from
	// several shards.
	usersMtx sync.Mutex
	users    *lru.Cache[string, map[string]struct{}]
	alias    *lru.Cache[string, string]
}

// NewWorker wires the aggregation stage. eval and diag may be nil to
// disable alerting or diagnosis.
func NewWorker(s store.Store, cfgs *store.ConfigCache, fp *fingerprint.Fingerprinter, eval Evaluator, diag DiagnosisEnqueuer, logger log.Logger, reg prometheus.Registerer) (*Worker, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	users, err := lru.New[string, map[string]struct{}](userSetCapacity)
	if err != nil {
		return nil, err
	}
	alias, err := lru.New[string, string](userSetCapacity)
	if err != nil {
		return nil, err
	}
	return &Worker{
		store:   s,
		cfgs:    cfgs,
		fp:      fp,
		eval:    eval,
		diag:    diag,
		index:   newLSHIndex(fp, s),
		logger:  log.With(logger, "component", "aggregate"),
		metrics: newWorkerMetrics(reg),
		users:   users,
		alias:   alias,
	}, nil
}

// Handle processes one error event. Returned errors are retryable store
// failures; everything event-shaped that cannot be aggregated is dropped
// with a log line instead.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	ev := job.Event
	if ev == nil || ev.Error == nil {
		return nil
	}
	hash := ev.Fingerprint
	if !w.fp.IsValidHash(hash) {
		hash = w.fp.Compute(fingerprint.Input{
			Type:     string(ev.Error.Type),
			Message:  ev.Error.Message,
			Stack:    ev.Error.Stack,
			Filename: ev.Error.Filename,
		})
	}

	cfg, err := w.cfgs.Get(ctx, ev.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		w.metrics.dropped.Inc()
		_ = level.Warn(w.logger).Log("msg", "event for unknown project dropped", "project", ev.ProjectID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load project config: %w", err)
	}

	canonical := hash
	merged := false
	if target, ok := w.alias.Get(w.groupKey(ev.ProjectID, hash)); ok {
		canonical = target
		merged = true
	}

	agg, err := w.store.GetAggregation(ctx, ev.ProjectID, canonical)
	switch {
	case err == nil:
		return w.update(ctx, cfg, agg, ev, merged)

	case errors.Is(err, store.ErrNotFound):
		if cfg.EnableAggregation {
			target, ok, err := w.similarGroup(ctx, ev.ProjectID, hash)
			if err != nil {
				return err
			}
			if ok {
				w.alias.Add(w.groupKey(ev.ProjectID, hash), target.ErrorHash)
				return w.update(ctx, cfg, target, ev, true)
			}
		}
		return w.create(ctx, cfg, hash, ev)

	default:
		return fmt.Errorf("load aggregation: %w", err)
	}
}

// similarGroup scans the LSH candidates for the closest existing group at
// or above the aggregation threshold.
func (w *Worker) similarGroup(ctx context.Context, projectID, hash string) (*store.ErrorAggregation, bool, error) {
	candidates, err := w.index.Candidates(ctx, projectID, hash)
	if err != nil {
		return nil, false, fmt.Errorf("band index: %w", err)
	}

	best := ""
	bestScore := 0.0
	for _, cand := range candidates {
		if cand == hash {
			continue
		}
		if score := w.fp.Similarity(hash, cand); score > bestScore {
			best, bestScore = cand, score
		}
	}
	if best == "" || !w.fp.ShouldAggregate(hash, best) {
		return nil, false, nil
	}

	agg, err := w.store.GetAggregation(ctx, projectID, best)
	if errors.Is(err, store.ErrNotFound) {
		// Index lag; treat as no match.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_ = level.Debug(w.logger).Log("msg", "merging similar error", "project", projectID, "hash", hash, "into", best, "similarity", fmt.Sprintf("%.3f", bestScore))
	return agg, true, nil
}

// update folds the event into an existing group. Merged traffic keeps the
// event's own hash as its shard key, so the canonical row sees writers from
// several shards at once; the counters move as one server-side delta
// instead of a read-modify-write cycle.
func (w *Worker) update(ctx context.Context, cfg *store.ProjectConfig, agg *store.ErrorAggregation, ev *monitor.Event, merged bool) error {
	delta := store.AggregationDelta{Occurrences: 1, SeenAt: eventTime(ev)}
	if merged {
		delta.MergedEvents = 1
	}
	if w.newUser(ev.ProjectID, agg.ErrorHash, ev.UserID) {
		delta.NewUsers = 1
	}

	fresh, err := w.store.BumpAggregation(ctx, agg.ProjectID, agg.ErrorHash, delta)
	if err != nil {
		return fmt.Errorf("update aggregation: %w", err)
	}
	if merged {
		w.metrics.merged.Inc()
	} else {
		w.metrics.updated.Inc()
	}
	w.evaluate(ctx, cfg, fresh)
	return nil
}

func (w *Worker) create(ctx context.Context, cfg *store.ProjectConfig, hash string, ev *monitor.Event) error {
	at := eventTime(ev)
	agg := &store.ErrorAggregation{
		ProjectID:       ev.ProjectID,
		ErrorHash:       hash,
		Type:            string(ev.Error.Type),
		Message:         ev.Error.Message,
		Stack:           ev.Error.Stack,
		Filename:        ev.Error.Filename,
		Lineno:          ev.Error.Lineno,
		Colno:           ev.Error.Colno,
		FirstSeen:       at,
		LastSeen:        at,
		OccurrenceCount: 1,
		Status:          store.StatusNew,
	}
	if w.newUser(ev.ProjectID, hash, ev.UserID) {
		agg.AffectedUsers = 1
	}
	agg.ErrorLevel = store.LevelFor(agg.OccurrenceCount, agg.AffectedUsers)

	err := w.store.CreateAggregation(ctx, agg)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with an earlier shard layout; fold into the row that
		// won.
		existing, gerr := w.store.GetAggregation(ctx, ev.ProjectID, hash)
		if gerr != nil {
			return fmt.Errorf("reload conflicting aggregation: %w", gerr)
		}
		return w.update(ctx, cfg, existing, ev, false)
	}
	if err != nil {
		return fmt.Errorf("create aggregation: %w", err)
	}

	w.index.Add(ev.ProjectID, hash)
	w.metrics.created.Inc()
	w.evaluate(ctx, cfg, agg)

	if w.diag != nil && cfg.EnableAIDiagnosis {
		if err := w.diag.TryEnqueue(diagnose.Job{Project: cfg, Aggregation: agg}); err != nil {
			_ = level.Debug(w.logger).Log("msg", "diagnosis job dropped", "project", agg.ProjectID, "err", err)
		}
	}
	return nil
}

// evaluate runs alerting without making its failures retry the whole event.
func (w *Worker) evaluate(ctx context.Context, cfg *store.ProjectConfig, agg *store.ErrorAggregation) {
	if w.eval == nil {
		return
	}
	if err := w.eval.Evaluate(ctx, cfg, agg); err != nil {
		_ = level.Warn(w.logger).Log("msg", "alert evaluation failed", "project", agg.ProjectID, "hash", agg.ErrorHash, "err", err)
	}
}

// newUser reports whether userID is new to the group, tracking up to
// maxTrackedUsers per group.
func (w *Worker) newUser(projectID, hash, userID string) bool {
	if userID == "" {
		return false
	}
	w.usersMtx.Lock()
	defer w.usersMtx.Unlock()
	key := w.groupKey(projectID, hash)
	set, ok := w.users.Get(key)
	if !ok {
		set = map[string]struct{}{}
		w.users.Add(key, set)
	}
	if _, seen := set[userID]; seen {
		return false
	}
	if len(set) >= maxTrackedUsers {
		return false
	}
	set[userID] = struct{}{}
	return true
}

func (w *Worker) groupKey(projectID, hash string) string {
	return projectID + "\x00" + hash
}

func eventTime(ev *monitor.Event) time.Time {
	if ev.Timestamp > 0 {
		return time.UnixMilli(ev.Timestamp)
	}
	return time.Now()
}
