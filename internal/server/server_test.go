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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashstream/crashstream/internal/ingest"
	"github.com/crashstream/crashstream/internal/jobq"
	"github.com/crashstream/crashstream/internal/pipeline"
	"github.com/crashstream/crashstream/internal/sink"
	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/internal/store/memory"
	"github.com/crashstream/crashstream/internal/window"
)

type captureQueue struct {
	jobs []pipeline.Job
	err  error
}

func (q *captureQueue) TryEnqueue(job pipeline.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type captureRules struct {
	invalidated []string
}

func (c *captureRules) InvalidateRules(projectID string) {
	c.invalidated = append(c.invalidated, projectID)
}

type serverFixture struct {
	store    *memory.Store
	cfgs     *store.ConfigCache
	windows  *window.Memory
	sink     *sink.Memory
	queue    *captureQueue
	rules    *captureRules
	srv      *Server
	ts       *httptest.Server
	reloaded int
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.CreateProject(context.Background(), &store.ProjectConfig{
		ProjectID:       "web-app",
		Name:            "Web App",
		APIKey:          "secret",
		EnableSourcemap: true,
	}))

	dedup, err := ingest.NewMemoryDeduper()
	require.NoError(t, err)

	f := &serverFixture{
		store:   s,
		cfgs:    store.NewConfigCache(s, time.Second),
		windows: window.NewMemory(),
		sink:    sink.NewMemory(),
		queue:   &captureQueue{},
		rules:   &captureRules{},
	}
	svc := ingest.New(f.cfgs, dedup, f.windows, f.sink, f.queue, nil, nil)

	f.srv = New(Config{ListenAddr: ":0"}, Options{
		Ingest:  svc,
		Store:   s,
		Configs: f.cfgs,
		Windows: f.windows,
		Rules:   f.rules,
		Reload: func(context.Context) error {
			f.reloaded++
			return nil
		},
		Registry: prometheus.NewRegistry(),
	})
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

// do sends a JSON request and returns status plus decoded body.
func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp.StatusCode, decoded
}

func reportBody() map[string]any {
	return map[string]any{
		"projectId":    "web-app",
		"type":         "jsError",
		"errorMessage": "Cannot read property 'name' of undefined",
		"errorStack":   "TypeError: Cannot read property 'name' of undefined\n    at getUserName (app.min.js:1:1234)",
		"filename":     "app.min.js",
		"lineno":       1,
		"colno":        1234,
	}
}

func TestReportAccepted(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/monitor/report", reportBody(),
		map[string]string{"X-API-Key": "secret"})

	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["accepted"])
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, "web-app", f.queue.jobs[0].Event.ProjectID)
}

func TestReportArrayAlias(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/monitor/reports",
		[]map[string]any{reportBody(), reportBody()}, nil)

	assert.Equal(t, http.StatusAccepted, status)
	assert.EqualValues(t, 2, body["accepted"])
	assert.Len(t, f.queue.jobs, 2)
}

func TestReportRejections(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/monitor/report", reportBody(),
		map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	unknown := reportBody()
	unknown["projectId"] = "ghost"
	status, _ = f.do(t, http.MethodPost, "/api/monitor/report", unknown, nil)
	assert.Equal(t, http.StatusNotFound, status)

	invalid := reportBody()
	invalid["type"] = "mystery"
	status, _ = f.do(t, http.MethodPost, "/api/monitor/report", invalid, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/monitor/report", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/monitor/report", "[]", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReportBackpressure(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)
	f.queue.err = jobq.ErrFull

	raw, err := json.Marshal(reportBody())
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/monitor/report", bytes.NewReader(raw))
	require.NoError(t, err)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 5, body["retryAfter"])
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = f.do(t, http.MethodGet, "/api/health/readiness", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthDetailed(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/monitor/report", reportBody(), nil)
	require.Equal(t, http.StatusAccepted, status)
	perf := map[string]any{
		"projectId":       "web-app",
		"type":            "performanceInfoReady",
		"performanceData": map[string]any{"type": "httpRequest", "metrics": map[string]any{"duration": 120}},
	}
	status, _ = f.do(t, http.MethodPost, "/api/monitor/report", perf, nil)
	require.Equal(t, http.StatusAccepted, status)

	status, body := f.do(t, http.MethodGet, "/api/health/detailed", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	services := body["services"].(map[string]any)
	db := services["database"].(map[string]any)
	assert.Equal(t, "healthy", db["status"])

	metrics := body["metrics"].(map[string]any)
	assert.EqualValues(t, 1, metrics["totalErrors"])
	assert.InDelta(t, 0.5, metrics["errorRate"].(float64), 0.001)
	assert.InDelta(t, 120, metrics["avgResponseTime"].(float64), 0.001)
}

func TestProjectCRUD(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/projects",
		map[string]any{"projectId": "mobile-app", "name": "Mobile App"}, nil)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["apiKey"])

	status, _ = f.do(t, http.MethodPost, "/api/projects",
		map[string]any{"projectId": "mobile-app", "name": "Mobile App"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "No ID"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/projects", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["count"])

	// An update must be visible through the config cache at once.
	_, err := f.cfgs.Get(context.Background(), "mobile-app")
	require.NoError(t, err)
	status, _ = f.do(t, http.MethodPut, "/api/projects/mobile-app",
		map[string]any{"name": "Mobile App v2", "apiKey": "mk"}, nil)
	assert.Equal(t, http.StatusOK, status)
	cfg, err := f.cfgs.Get(context.Background(), "mobile-app")
	require.NoError(t, err)
	assert.Equal(t, "Mobile App v2", cfg.Name)

	status, _ = f.do(t, http.MethodDelete, "/api/projects/mobile-app", nil, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodGet, "/api/projects/mobile-app", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRuleCRUD(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/projects/web-app/alert-rules", map[string]any{
		"name":              "error burst",
		"type":              "errorCount",
		"threshold":         10,
		"timeWindowSeconds": 300,
		"actions":           []string{"email", "webhook"},
		"enabled":           true,
	}, nil)
	assert.Equal(t, http.StatusCreated, status)
	assert.Contains(t, f.rules.invalidated, "web-app")
	ruleID := int64(body["id"].(float64))

	status, _ = f.do(t, http.MethodPost, "/api/projects/web-app/alert-rules", map[string]any{
		"name": "bad custom", "type": "custom", "condition": "bogus ~ x",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/projects/web-app/alert-rules", map[string]any{
		"name": "bad action", "type": "errorCount", "actions": []string{"pager"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/projects/web-app/alert-rules", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, _ = f.do(t, http.MethodPut, "/api/projects/web-app/alert-rules/"+itoa(ruleID), map[string]any{
		"name": "error burst", "type": "errorCount", "threshold": 20, "enabled": false,
	}, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodDelete, "/api/projects/web-app/alert-rules/"+itoa(ruleID), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestAggregationAdmin(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateAggregation(ctx, &store.ErrorAggregation{
		ProjectID: "web-app", ErrorHash: "hash-1",
		Type: "jsError", Message: "boom",
		FirstSeen: time.Now(), LastSeen: time.Now(),
		OccurrenceCount: 3, Status: store.StatusNew, ErrorLevel: 1,
	}))

	status, body := f.do(t, http.MethodGet, "/api/projects/web-app/aggregations?status=new", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, _ = f.do(t, http.MethodPut, "/api/projects/web-app/aggregations/hash-1/status",
		map[string]any{"status": "acknowledged"}, nil)
	assert.Equal(t, http.StatusOK, status)
	agg, err := f.store.GetAggregation(ctx, "web-app", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAcknowledged, agg.Status)

	status, _ = f.do(t, http.MethodPut, "/api/projects/web-app/aggregations/hash-1/status",
		map[string]any{"status": "gone"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPut, "/api/projects/web-app/aggregations/missing/status",
		map[string]any{"status": "fixed"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHistoryListing(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	require.NoError(t, f.store.InsertAlertHistory(context.Background(), &store.AlertHistory{
		RuleID: 1, ProjectID: "web-app", TriggeredValue: 12, Threshold: 10,
		Message: "error burst", Status: store.HistorySent,
	}))

	status, body := f.do(t, http.MethodGet, "/api/projects/web-app/alert-history", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
}

func TestOpsEndpoints(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	status, _ := f.do(t, http.MethodGet, "/-/healthy", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/-/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	f.srv.SetReady(true)
	status, _ = f.do(t, http.MethodGet, "/-/ready", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/-/reload", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, f.reloaded)
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t)

	// One instrumented request so the counters exist.
	status, _ := f.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, status)

	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "crashstream_http_requests_total")
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
