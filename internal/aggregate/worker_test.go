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

package aggregate

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashstream/crashstream/internal/diagnose"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/store/memory"
	"github.com/crashstream/crashstream/pkg/fingerprint"
	"github.com/crashstream/crashstream/pkg/monitor"
)

type captureEval struct {
	mtx   sync.Mutex
	calls []*store.ErrorAggregation
}

func (e *captureEval) Evaluate(_ context.Context, _ *store.ProjectConfig, agg *store.ErrorAggregation) error {
	snapshot := *agg
	e.mtx.Lock()
	e.calls = append(e.calls, &snapshot)
	e.mtx.Unlock()
	return nil
}

type workerFixture struct {
	store  *memory.Store
	fp     *fingerprint.Fingerprinter
	eval   *captureEval
	worker *Worker
}

func newWorkerFixture(t *testing.T, enableAggregation bool) *workerFixture {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.CreateProject(context.Background(), &store.ProjectConfig{
		ProjectID:         "web-app",
		Name:              "Web App",
		APIKey:            "key",
		EnableAggregation: enableAggregation,
	}))

	fp := fingerprint.New(fingerprint.Options{SimilarityThreshold: 0.5})
	eval := &captureEval{}
	w, err := NewWorker(s, store.NewConfigCache(s, time.Second), fp, eval, nil, nil, nil)
	require.NoError(t, err)
	return &workerFixture{store: s, fp: fp, eval: eval, worker: w}
}

// typeErrorEvent builds an error event whose fingerprint clusters with
// other property names at a 0.5 threshold.
func (f *workerFixture) typeErrorEvent(prop, userID string, line int) *monitor.Event {
	msg := "Cannot read property '" + prop + "' of undefined"
	stack := strings.Join([]string{
		"TypeError: " + msg,
		"    at getUserName (https://app.example.com/static/js/profile.js:" + strconv.Itoa(line) + ":17)",
		"    at renderProfile (https://app.example.com/static/js/profile.js:" + strconv.Itoa(line+3) + ":9)",
	}, "\n")
	ev := &monitor.Event{
		ID:        uuid.NewString(),
		Kind:      monitor.KindError,
		Timestamp: time.Now().UnixMilli(),
		ProjectID: "web-app",
		UserID:    userID,
		Error: &monitor.ErrorData{
			Type:     monitor.ErrorJS,
			Message:  msg,
			Stack:    stack,
			Filename: "/static/js/profile.js",
			Lineno:   line,
			Colno:    17,
		},
	}
	ev.Fingerprint = f.fp.Compute(fingerprint.Input{
		Type:     string(ev.Error.Type),
		Message:  ev.Error.Message,
		Stack:    ev.Error.Stack,
		Filename: ev.Error.Filename,
	})
	return ev
}

func TestCreateNewGroup(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	ev := f.typeErrorEvent("name", "u1", 42)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: ev}))

	agg, err := f.store.GetAggregation(ctx, "web-app", ev.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 1, agg.OccurrenceCount)
	assert.EqualValues(t, 1, agg.AffectedUsers)
	assert.Equal(t, store.StatusNew, agg.Status)
	assert.Equal(t, 1, agg.ErrorLevel)
	assert.Equal(t, "jsError", agg.Type)
	assert.Equal(t, ev.Error.Message, agg.Message)
	require.Len(t, f.eval.calls, 1)
}

func TestExactMatchUpdates(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.worker.Handle(ctx, Job{Event: f.typeErrorEvent("name", "u1", 42)}))
	}

	ev := f.typeErrorEvent("name", "u2", 42)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: ev}))

	agg, err := f.store.GetAggregation(ctx, "web-app", ev.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 4, agg.OccurrenceCount)
	// u1 counted once despite three events.
	assert.EqualValues(t, 2, agg.AffectedUsers)
	assert.Zero(t, agg.MergedCount)
	assert.Len(t, f.eval.calls, 4)
}

func TestSimilarEventsMerge(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	first := f.typeErrorEvent("name", "u1", 42)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: first}))

	// Different property and line shift the hash but not the identity.
	second := f.typeErrorEvent("email", "u2", 57)
	require.NotEqual(t, first.Fingerprint, second.Fingerprint)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: second}))

	agg, err := f.store.GetAggregation(ctx, "web-app", first.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 2, agg.OccurrenceCount)
	assert.EqualValues(t, 1, agg.MergedCount)
	assert.EqualValues(t, 2, agg.AffectedUsers)

	// The merged hash never got its own group.
	_, err = f.store.GetAggregation(ctx, "web-app", second.Fingerprint)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The alias skips the similarity scan on the next identical hash.
	require.NoError(t, f.worker.Handle(ctx, Job{Event: f.typeErrorEvent("email", "u2", 57)}))
	agg, err = f.store.GetAggregation(ctx, "web-app", first.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 3, agg.OccurrenceCount)
	assert.EqualValues(t, 2, agg.MergedCount)
}

// Merged hashes shard by their own key, so one canonical group takes
// writes from several goroutines at once. No occurrence, merge or user
// may get lost between them.
func TestConcurrentMergeKeepsEveryOccurrence(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	canonical := f.typeErrorEvent("name", "u-seed", 42)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: canonical}))
	similarHash := f.typeErrorEvent("email", "u-seed", 57).Fingerprint
	require.NotEqual(t, canonical.Fingerprint, similarHash)

	const perWriter = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			assert.NoError(t, f.worker.Handle(ctx, Job{Event: f.typeErrorEvent("name", "a"+strconv.Itoa(i), 42)}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			assert.NoError(t, f.worker.Handle(ctx, Job{Event: f.typeErrorEvent("email", "b"+strconv.Itoa(i), 57)}))
		}
	}()
	wg.Wait()

	agg, err := f.store.GetAggregation(ctx, "web-app", canonical.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 1+2*perWriter, agg.OccurrenceCount)
	assert.EqualValues(t, perWriter, agg.MergedCount)
	assert.EqualValues(t, 1+2*perWriter, agg.AffectedUsers)

	// The merged hash never opened a group of its own.
	_, err = f.store.GetAggregation(ctx, "web-app", similarHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAggregationDisabledKeepsGroupsApart(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, false)
	ctx := context.Background()

	first := f.typeErrorEvent("name", "u1", 42)
	second := f.typeErrorEvent("email", "u2", 57)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: first}))
	require.NoError(t, f.worker.Handle(ctx, Job{Event: second}))

	a, err := f.store.GetAggregation(ctx, "web-app", first.Fingerprint)
	require.NoError(t, err)
	b, err := f.store.GetAggregation(ctx, "web-app", second.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.OccurrenceCount)
	assert.EqualValues(t, 1, b.OccurrenceCount)
}

func TestUnrelatedErrorsStayApart(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	first := f.typeErrorEvent("name", "u1", 42)
	require.NoError(t, f.worker.Handle(ctx, Job{Event: first}))

	other := &monitor.Event{
		ID:        uuid.NewString(),
		Kind:      monitor.KindError,
		Timestamp: time.Now().UnixMilli(),
		ProjectID: "web-app",
		Error: &monitor.ErrorData{
			Type:     monitor.ErrorJS,
			Message:  "Unexpected token '}'",
			Stack:    "SyntaxError: Unexpected token '}'\n    at compileFunction (/app/src/config.js:3:11)",
			Filename: "/app/src/config.js",
		},
	}
	other.Fingerprint = f.fp.Compute(fingerprint.Input{
		Type: "SyntaxError", Message: other.Error.Message,
		Stack: other.Error.Stack, Filename: other.Error.Filename,
	})
	require.NoError(t, f.worker.Handle(ctx, Job{Event: other}))

	_, err := f.store.GetAggregation(ctx, "web-app", other.Fingerprint)
	assert.NoError(t, err)
}

func TestLevelEscalatesWithVolume(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	var ev *monitor.Event
	for i := 0; i < 10; i++ {
		ev = f.typeErrorEvent("name", "u"+strconv.Itoa(i), 42)
		require.NoError(t, f.worker.Handle(ctx, Job{Event: ev}))
	}

	agg, err := f.store.GetAggregation(ctx, "web-app", ev.Fingerprint)
	require.NoError(t, err)
	assert.EqualValues(t, 10, agg.OccurrenceCount)
	assert.EqualValues(t, 10, agg.AffectedUsers)
	// 10 occurrences and 10 users puts the group at level 2.
	assert.Equal(t, 2, agg.ErrorLevel)
}

func TestUnknownProjectDropped(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	ev := f.typeErrorEvent("name", "u1", 42)
	ev.ProjectID = "ghost"
	require.NoError(t, f.worker.Handle(ctx, Job{Event: ev}))

	_, err := f.store.GetAggregation(ctx, "ghost", ev.Fingerprint)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.eval.calls)
}

func TestMissingFingerprintRecomputed(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)
	ctx := context.Background()

	ev := f.typeErrorEvent("name", "u1", 42)
	want := ev.Fingerprint
	ev.Fingerprint = ""
	require.NoError(t, f.worker.Handle(ctx, Job{Event: ev}))

	_, err := f.store.GetAggregation(ctx, "web-app", want)
	assert.NoError(t, err)
}

type captureDiag struct {
	jobs []diagnose.Job
}

func (c *captureDiag) TryEnqueue(job diagnose.Job) error {
	c.jobs = append(c.jobs, job)
	return nil
}

func TestNewGroupsRequestDiagnosis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := memory.New()
	require.NoError(t, s.CreateProject(ctx, &store.ProjectConfig{
		ProjectID:         "web-app",
		Name:              "Web App",
		APIKey:            "key",
		EnableAIDiagnosis: true,
	}))
	fp := fingerprint.New(fingerprint.Options{})
	diag := &captureDiag{}
	w, err := NewWorker(s, store.NewConfigCache(s, time.Second), fp, nil, diag, nil, nil)
	require.NoError(t, err)

	f := &workerFixture{store: s, fp: fp, worker: w}
	ev := f.typeErrorEvent("name", "u1", 42)

	// Creation requests a diagnosis; repeat occurrences do not.
	require.NoError(t, w.Handle(ctx, Job{Event: ev}))
	require.NoError(t, w.Handle(ctx, Job{Event: f.typeErrorEvent("name", "u2", 42)}))
	require.Len(t, diag.jobs, 1)
	assert.Equal(t, ev.Fingerprint, diag.jobs[0].Aggregation.ErrorHash)
}

func TestShardKeySerializesByIdentity(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, true)

	a := f.typeErrorEvent("name", "u1", 42)
	b := f.typeErrorEvent("name", "u2", 42)
	c := f.typeErrorEvent("other", "u1", 99)
	assert.Equal(t, ShardKey(Job{Event: a}), ShardKey(Job{Event: b}))
	assert.NotEqual(t, ShardKey(Job{Event: a}), ShardKey(Job{Event: c}))
}
