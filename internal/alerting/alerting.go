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

// Package alerting evaluates a project's alert rules after every
// aggregation update. A firing inserts a pending alert-history row and
// hands a notification job to the delivery queue; gating keeps a noisy
// error group from alerting on every single occurrence.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashstream/crashstream/internal/jobq"
	"github.com/crashstream/crashstream/internal/notify"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/window"
)

// rulesTTL bounds how stale the per-project rule set may be. Admin edits
// take effect within this horizon without a reload.
const rulesTTL = 30 * time.Second

// Enqueuer accepts notification jobs. *jobq.Queue[notify.Job] satisfies it.
type Enqueuer interface {
	TryEnqueue(job notify.Job) error
}

type evalMetrics struct {
	fired    *prometheus.CounterVec
	failures prometheus.Counter
}

func newEvalMetrics(reg prometheus.Registerer) *evalMetrics {
	m := &evalMetrics{
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashstream_alerts_fired_total",
			Help: "Alert rule firings, by rule type.",
		}, []string{"type"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_alert_eval_failures_total",
			Help: "Rule evaluations skipped because a measurement failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fired, m.failures)
	}
	return m
}

// Evaluator checks every enabled rule of a project against the updated
// aggregation and the project's sliding windows. Safe for concurrent use;
// per-aggregation gating relies on the caller serializing updates per
// (project, hash) key.
type Evaluator struct {
	store   store.Store
	windows window.Windows
	queue   Enqueuer
	logger  log.Logger
	metrics *evalMetrics
	now     func() time.Time

	mtx   sync.Mutex
	rules map[string]rulesEntry
	// lastFired suppresses project-scope refires inside the rule window.
	lastFired map[int64]time.Time
}

type rulesEntry struct {
	rules   []*store.AlertRule
	fetched time.Time
}

// New wires an evaluator. queue receives one notify.Job per firing.
func New(s store.Store, w window.Windows, queue Enqueuer, logger log.Logger, reg prometheus.Registerer) *Evaluator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Evaluator{
		store:     s,
		windows:   w,
		queue:     queue,
		logger:    log.With(logger, "component", "alerting"),
		metrics:   newEvalMetrics(reg),
		now:       time.Now,
		rules:     map[string]rulesEntry{},
		lastFired: map[int64]time.Time{},
	}
}

// Evaluate runs every enabled rule of the aggregation's project. Rule
// measurement failures are logged and skipped so one broken window backend
// cannot block the others.
func (e *Evaluator) Evaluate(ctx context.Context, cfg *store.ProjectConfig, agg *store.ErrorAggregation) error {
	rules, err := e.projectRules(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	for _, rule := range rules {
		value, fired, scoped, err := e.measure(ctx, rule, agg)
		if err != nil {
			e.metrics.failures.Inc()
			_ = level.Warn(e.logger).Log("msg", "rule measurement failed", "rule", rule.Name, "err", err)
			continue
		}
		if !fired {
			continue
		}
		if scoped && agg.ErrorLevel < cfg.AlertLevel {
			continue
		}
		if !e.armed(ctx, rule, agg, scoped) {
			continue
		}
		e.fire(ctx, rule, cfg, agg, value, scoped)
	}
	return nil
}

// InvalidateRules drops the cached rule set for a project; the admin
// surface calls it on rule writes.
func (e *Evaluator) InvalidateRules(projectID string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	delete(e.rules, projectID)
}

func (e *Evaluator) projectRules(ctx context.Context, projectID string) ([]*store.AlertRule, error) {
	e.mtx.Lock()
	if entry, ok := e.rules[projectID]; ok && e.now().Sub(entry.fetched) < rulesTTL {
		e.mtx.Unlock()
		return entry.rules, nil
	}
	e.mtx.Unlock()

	rules, err := e.store.ListEnabledRules(ctx, projectID)
	if err != nil {
		return nil, err
	}
	e.mtx.Lock()
	e.rules[projectID] = rulesEntry{rules: rules, fetched: e.now()}
	e.mtx.Unlock()
	return rules, nil
}

// measure computes the rule's current value and whether it fired. scoped
// reports whether the value belongs to this aggregation (gated per
// aggregation) rather than the whole project (gated per rule window).
func (e *Evaluator) measure(ctx context.Context, rule *store.AlertRule, agg *store.ErrorAggregation) (value float64, fired, scoped bool, err error) {
	win := time.Duration(rule.TimeWindowSeconds) * time.Second
	switch rule.Type {
	case store.RuleErrorCount:
		if rule.Condition == "project" {
			n, err := e.windows.Count(ctx, agg.ProjectID, window.SeriesErrors, win)
			return float64(n), float64(n) >= rule.Threshold, false, err
		}
		v := float64(agg.OccurrenceCount)
		return v, v >= rule.Threshold, true, nil

	case store.RuleErrorRate:
		rate, err := e.errorRate(ctx, agg.ProjectID, win)
		return rate, rate >= rule.Threshold, false, err

	case store.RulePerformance:
		avg, err := e.windows.Average(ctx, agg.ProjectID, "metric:"+rule.Condition, win)
		return avg, avg >= rule.Threshold, false, err

	case store.RuleCustom:
		ex, err := parseExpr(rule.Condition)
		if err != nil {
			return 0, false, false, err
		}
		return e.exprValue(ctx, ex, agg, win)

	default:
		return 0, false, false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// errorRate is windowed errors over windowed intake, clamped so an empty
// window reads as zero rather than dividing by zero.
func (e *Evaluator) errorRate(ctx context.Context, projectID string, win time.Duration) (float64, error) {
	errs, err := e.windows.Count(ctx, projectID, window.SeriesErrors, win)
	if err != nil {
		return 0, err
	}
	total, err := e.windows.Count(ctx, projectID, window.SeriesTotal, win)
	if err != nil {
		return 0, err
	}
	if total < 1 {
		total = 1
	}
	return float64(errs) / float64(total), nil
}

// armed decides whether a crossing may actually notify. Aggregation-scoped
// rules fire on the first crossing and then re-arm only when the occurrence
// count lands on an escalation band; project-scoped rules fire at most once
// per rule window.
func (e *Evaluator) armed(ctx context.Context, rule *store.AlertRule, agg *store.ErrorAggregation, scoped bool) bool {
	if scoped {
		if !agg.AlertSent {
			return true
		}
		return rearmPoint(agg.OccurrenceCount)
	}

	win := time.Duration(rule.TimeWindowSeconds) * time.Second
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if last, ok := e.lastFired[rule.ID]; ok && e.now().Sub(last) < win {
		return false
	}
	e.lastFired[rule.ID] = e.now()
	return true
}

// rearmPoint reports whether n sits on an escalation band:
// 5, 10, 50, 100, 500, 1000 and so on by decades. Each count value passes
// through the aggregation worker exactly once, so band hits are exact.
func rearmPoint(n int64) bool {
	for base := int64(1); base <= n; base *= 10 {
		if n == 5*base || n == 10*base {
			return true
		}
	}
	return false
}

// fire records the firing and enqueues delivery. The history row is written
// first so a full delivery queue still leaves an auditable trace.
func (e *Evaluator) fire(ctx context.Context, rule *store.AlertRule, cfg *store.ProjectConfig, agg *store.ErrorAggregation, value float64, scoped bool) {
	msg := fmt.Sprintf("rule %q fired: measured %.2f against threshold %.2f over %s",
		rule.Name, value, rule.Threshold, time.Duration(rule.TimeWindowSeconds)*time.Second)

	history := &store.AlertHistory{
		RuleID:            rule.ID,
		ProjectID:         cfg.ProjectID,
		TriggeredValue:    value,
		Threshold:         rule.Threshold,
		TimeWindowSeconds: rule.TimeWindowSeconds,
		Message:           msg,
		Status:            store.HistoryPending,
	}
	var jobAgg *store.ErrorAggregation
	if scoped {
		history.AggregationID = agg.ID
		jobAgg = agg
	}
	if err := e.store.InsertAlertHistory(ctx, history); err != nil {
		_ = level.Error(e.logger).Log("msg", "failed to record alert firing", "rule", rule.Name, "err", err)
		return
	}

	if scoped {
		now := e.now()
		agg.AlertSent = true
		agg.AlertSentAt = &now
		if err := e.store.MarkAlertSent(ctx, agg.ProjectID, agg.ErrorHash, now); err != nil {
			_ = level.Warn(e.logger).Log("msg", "failed to persist alert gate", "project", agg.ProjectID, "hash", agg.ErrorHash, "err", err)
		}
	}

	e.metrics.fired.WithLabelValues(string(rule.Type)).Inc()
	_ = level.Info(e.logger).Log("msg", "alert fired", "project", cfg.ProjectID, "rule", rule.Name, "value", value, "threshold", rule.Threshold)

	err := e.queue.TryEnqueue(notify.Job{
		HistoryID:   history.ID,
		Rule:        rule,
		Project:     cfg,
		Aggregation: jobAgg,
		Value:       value,
		Message:     msg,
	})
	if err != nil {
		// Delivery is lossy under pressure; the history row records it.
		_ = level.Error(e.logger).Log("msg", "notification dropped", "rule", rule.Name, "err", err)
		if err := e.store.UpdateAlertHistoryStatus(ctx, history.ID, store.HistoryFailed); err != nil {
			_ = level.Warn(e.logger).Log("msg", "failed to mark alert history failed", "history", history.ID, "err", err)
		}
	}
}

var _ Enqueuer = (*jobq.Queue[notify.Job])(nil)
