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

package sdk

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/pkg/fingerprint"
	"github.com/crashstream/crashstream/pkg/monitor"
)

// selfMarkers identify errors raised by the SDK's own send path. Uploading
// those would feed the pipeline its own failures in a loop, so they are
// dropped before anything else. Recovery-middleware frames are deliberately
// not in this list: every captured stack passes through the middleware.
var selfMarkers = []string{
	"crashstream/pkg/sdk/queue.",
	"sdk.(*Manager).flush",
	"web.(*network).",
	"web.(*timingTransport).",
}

// emitCounts are the occurrence counts at which an aggregated error is
// (re-)reported; past the last entry every 50th occurrence reports.
var emitCounts = map[int]bool{1: true, 5: true, 10: true}

const emitEvery = 50

// localAgg is the client-side view of one error identity.
type localAgg struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	users     map[string]struct{}
	recent    []*monitor.Event
}

// errorManager filters, samples and aggregates error events in front of
// the queue. Owned by the manager loop; not safe for concurrent use.
type errorManager struct {
	fp        *fingerprint.Fingerprinter
	filters   []*regexp.Regexp
	rate      float64
	maxAggs   int
	maxRecent int
	rand      func() float64
	logger    log.Logger

	aggs map[string]*localAgg

	// counters for Stats
	dropped  int
	sampled  int
	filtered int
	emitted  int
}

func newErrorManager(cfg ErrorConfig, rand func() float64, logger log.Logger) *errorManager {
	filters := make([]*regexp.Regexp, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		// Patterns were validated with the config.
		filters = append(filters, regexp.MustCompile(f))
	}
	return &errorManager{
		fp:        fingerprint.New(fingerprint.Options{}),
		filters:   filters,
		rate:      cfg.SampleRate,
		maxAggs:   cfg.MaxErrors,
		maxRecent: cfg.MaxRecentErrors,
		rand:      rand,
		logger:    logger,
		aggs:      map[string]*localAgg{},
	}
}

// process decides an error event's fate: nil suppresses it, non-nil is the
// event to enqueue, tagged with its aggregation state.
func (em *errorManager) process(e *monitor.Event) *monitor.Event {
	ed := e.Error

	if isSelfError(ed) {
		em.dropped++
		_ = level.Debug(em.logger).Log("msg", "dropped sdk-internal error", "message", ed.Message)
		return nil
	}
	for _, f := range em.filters {
		if f.MatchString(ed.Message) {
			em.filtered++
			return nil
		}
	}
	if em.rate != 1 && (em.rate == SampleOff || em.rand() > em.rate) {
		em.sampled++
		return nil
	}

	fp := em.fp.Compute(fingerprint.Input{
		Type:     string(ed.Type),
		Message:  ed.Message,
		Stack:    ed.Stack,
		Filename: ed.Filename,
	})
	e.Fingerprint = fp

	agg := em.aggs[fp]
	if agg == nil {
		agg = &localAgg{firstSeen: time.Now(), users: map[string]struct{}{}}
		em.aggs[fp] = agg
	}
	agg.count++
	agg.lastSeen = time.Now()
	em.evictOverflow()
	if e.UserID != "" {
		agg.users[e.UserID] = struct{}{}
	}
	agg.recent = append(agg.recent, e)
	if len(agg.recent) > em.maxRecent {
		agg.recent = agg.recent[len(agg.recent)-em.maxRecent:]
	}

	if !shouldEmit(agg.count) {
		return nil
	}
	em.emitted++
	e.SetTag("aggregation_count", strconv.Itoa(agg.count))
	e.SetTag("aggregation_fingerprint", shortFingerprint(fp))
	e.SetTag("affected_users", strconv.Itoa(len(agg.users)))
	return e
}

func shouldEmit(count int) bool {
	return emitCounts[count] || count%emitEvery == 0
}

// evictOverflow removes the aggregation least recently seen once the table
// exceeds its cap.
func (em *errorManager) evictOverflow() {
	if len(em.aggs) <= em.maxAggs {
		return
	}
	var (
		oldestKey  string
		oldestSeen time.Time
	)
	for k, a := range em.aggs {
		if oldestKey == "" || a.lastSeen.Before(oldestSeen) {
			oldestKey, oldestSeen = k, a.lastSeen
		}
	}
	delete(em.aggs, oldestKey)
}

func isSelfError(ed *monitor.ErrorData) bool {
	for _, marker := range selfMarkers {
		if strings.Contains(ed.Message, marker) || strings.Contains(ed.Stack, marker) {
			return true
		}
	}
	return false
}

// shortFingerprint abbreviates a signature for tagging; the full value is
// recomputed server-side from the same inputs.
func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
