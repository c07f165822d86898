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

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSlowMillis = 2000

func TestFromEventErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		errType  ErrorType
		wantType ReportType
		wantOrig string
	}{
		{name: "js error", errType: ErrorJS, wantType: ReportJSError},
		{name: "promise rejection", errType: ErrorPromise, wantType: ReportUnhandledRejection},
		{name: "resource error folds into jsError", errType: ErrorResource, wantType: ReportJSError, wantOrig: "resourceError"},
		{name: "custom error folds into jsError", errType: ErrorCustom, wantType: ReportJSError, wantOrig: "customError"},
		{name: "framework error folds into jsError", errType: ErrorFramework, wantType: ReportJSError, wantOrig: "frameworkError"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := NewErrorEvent(ErrorData{Type: tc.errType, Message: "boom", Stack: "at f (a.js:1:2)"})
			e.ProjectID = "p1"

			r, err := FromEvent(e, testSlowMillis)
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, r.Type)
			assert.Equal(t, "boom", r.ErrorMessage)

			back, err := r.Event()
			require.NoError(t, err)
			require.NotNil(t, back.Error)
			assert.Equal(t, tc.errType, back.Error.Type, "subtype must survive the roundtrip")
			if tc.wantOrig != "" {
				assert.Contains(t, string(r.ExtraData), tc.wantOrig)
			}
		})
	}
}

func TestFromEventHTTPError(t *testing.T) {
	t.Parallel()

	e := NewErrorEvent(ErrorData{Type: ErrorHTTP, Message: "request failed"})
	e.ProjectID = "p1"
	e.Extra = Map{
		"requestUrl":     String("https://api.example.com/users"),
		"requestMethod":  String("GET"),
		"responseStatus": Number(502),
		"duration":       Number(1234),
	}

	r, err := FromEvent(e, testSlowMillis)
	require.NoError(t, err)
	assert.Equal(t, ReportRequestError, r.Type)
	assert.Equal(t, "https://api.example.com/users", r.RequestURL)
	assert.Equal(t, "GET", r.RequestMethod)
	assert.Equal(t, 502, r.ResponseStatus)
	assert.Equal(t, 1234.0, r.Duration)
}

func TestFromEventPerformance(t *testing.T) {
	t.Parallel()

	t.Run("page load", func(t *testing.T) {
		t.Parallel()
		e := NewPerformanceEvent(PerformanceData{
			Type:    PerfPageLoad,
			Metrics: map[string]float64{"loadTime": 1800, "fcp": 900},
		})
		e.ProjectID = "p1"

		r, err := FromEvent(e, testSlowMillis)
		require.NoError(t, err)
		assert.Equal(t, ReportPerformanceReady, r.Type)
		require.NotEmpty(t, r.PerformanceData)

		back, err := r.Event()
		require.NoError(t, err)
		require.NotNil(t, back.Performance)
		assert.Equal(t, PerfPageLoad, back.Performance.Type)
		assert.Equal(t, 1800.0, back.Performance.Metrics["loadTime"])
	})

	t.Run("slow http request", func(t *testing.T) {
		t.Parallel()
		e := NewPerformanceEvent(PerformanceData{
			Type:     PerfHTTPRequest,
			Metrics:  map[string]float64{"duration": 3500, "status": 200},
			Resource: &ResourceInfo{Name: "https://api.example.com/slow"},
		})
		e.ProjectID = "p1"

		r, err := FromEvent(e, testSlowMillis)
		require.NoError(t, err)
		assert.Equal(t, ReportSlowHTTPRequest, r.Type)
		assert.Equal(t, 3500.0, r.Duration)
		assert.Equal(t, "https://api.example.com/slow", r.RequestURL)
	})

	t.Run("fast http request stays local", func(t *testing.T) {
		t.Parallel()
		e := NewPerformanceEvent(PerformanceData{
			Type:    PerfHTTPRequest,
			Metrics: map[string]float64{"duration": 120, "status": 200},
		})
		e.ProjectID = "p1"

		_, err := FromEvent(e, testSlowMillis)
		assert.ErrorIs(t, err, ErrNotReportable)
	})
}

func TestFromEventBehaviorStaysLocal(t *testing.T) {
	t.Parallel()

	e := NewBehaviorEvent(BehaviorData{Type: BehaviorClick, Target: "#buy"})
	e.ProjectID = "p1"

	_, err := FromEvent(e, testSlowMillis)
	assert.ErrorIs(t, err, ErrNotReportable)
}

func TestReportEventTagsSurvive(t *testing.T) {
	t.Parallel()

	e := NewErrorEvent(ErrorData{Type: ErrorJS, Message: "boom"})
	e.ProjectID = "p1"
	e.SetTag("aggregation_count", "5")
	e.SetTag("affected_users", "2")

	r, err := FromEvent(e, testSlowMillis)
	require.NoError(t, err)

	back, err := r.Event()
	require.NoError(t, err)
	assert.Equal(t, "5", back.Tags["aggregation_count"])
	assert.Equal(t, "2", back.Tags["affected_users"])
}

func TestReportEventUnknownType(t *testing.T) {
	t.Parallel()

	r := &Report{ProjectID: "p1", Type: "mystery"}
	_, err := r.Event()
	assert.Error(t, err)
}

func TestReportEventFillsDefaults(t *testing.T) {
	t.Parallel()

	r := &Report{ProjectID: "p1", Type: ReportJSError, ErrorMessage: "boom"}
	e, err := r.Event()
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NotZero(t, e.Timestamp)
}
