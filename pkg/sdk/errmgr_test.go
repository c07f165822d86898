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
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashstream/crashstream/pkg/monitor"
)

func newTestErrorManager(cfg ErrorConfig) *errorManager {
	cfg = Config{Error: cfg}.withDefaults().Error
	return newErrorManager(cfg, func() float64 { return 0 }, log.NewNopLogger())
}

func errEvent(msg, user string) *monitor.Event {
	e := monitor.NewErrorEvent(monitor.ErrorData{
		Type:    monitor.ErrorJS,
		Message: msg,
		Stack:   "at handler (main.js:42:7)",
	})
	e.UserID = user
	return e
}

func TestErrorManagerEmissionThresholds(t *testing.T) {
	t.Parallel()

	em := newTestErrorManager(ErrorConfig{})
	var emitted []int
	for i := 1; i <= 120; i++ {
		if em.process(errEvent("same error", "")) != nil {
			emitted = append(emitted, i)
		}
	}
	assert.Equal(t, []int{1, 5, 10, 50, 100}, emitted)
}

func TestErrorManagerTagsEmission(t *testing.T) {
	t.Parallel()

	em := newTestErrorManager(ErrorConfig{})
	out := em.process(errEvent("tagged", "u1"))
	require.NotNil(t, out)
	assert.Equal(t, "1", out.Tags["aggregation_count"])
	assert.Equal(t, "1", out.Tags["affected_users"])
	assert.Len(t, out.Tags["aggregation_fingerprint"], 16)
	assert.True(t, em.fp.IsValidHash(out.Fingerprint))
}

func TestErrorManagerCountsUsersAcrossEmissions(t *testing.T) {
	t.Parallel()

	em := newTestErrorManager(ErrorConfig{})
	require.NotNil(t, em.process(errEvent("shared", "u1")))
	for i := 0; i < 3; i++ {
		require.Nil(t, em.process(errEvent("shared", "u2")))
	}
	out := em.process(errEvent("shared", "u3"))
	require.NotNil(t, out)
	assert.Equal(t, "5", out.Tags["aggregation_count"])
	assert.Equal(t, "3", out.Tags["affected_users"])
}

func TestErrorManagerFilters(t *testing.T) {
	t.Parallel()

	em := newTestErrorManager(ErrorConfig{Filters: []string{`^Script error`, `ResizeObserver`}})
	assert.Nil(t, em.process(errEvent("Script error.", "")))
	assert.Nil(t, em.process(errEvent("ResizeObserver loop limit exceeded", "")))
	assert.NotNil(t, em.process(errEvent("real failure", "")))
	assert.Equal(t, 2, em.filtered)
}

func TestErrorManagerDropsSelfErrors(t *testing.T) {
	t.Parallel()

	em := newTestErrorManager(ErrorConfig{})
	e := errEvent("post failed", "")
	e.Error.Stack = "at web.(*network).sendOne (network.go:49)"
	assert.Nil(t, em.process(e))
	assert.Equal(t, 1, em.dropped)
}

func TestErrorManagerSampling(t *testing.T) {
	t.Parallel()

	cfg := Config{Error: ErrorConfig{SampleRate: 0.5}}.withDefaults().Error
	em := newErrorManager(cfg, func() float64 { return 0.9 }, nil)
	assert.Nil(t, em.process(errEvent("sampled out", "")))
	assert.Equal(t, 1, em.sampled)

	em = newErrorManager(cfg, func() float64 { return 0.1 }, nil)
	assert.NotNil(t, em.process(errEvent("sampled in", "")))
}

func TestErrorManagerEviction(t *testing.T) {
	t.Parallel()

	em := newTestErrorManager(ErrorConfig{MaxErrors: 3})
	for i := 0; i < 5; i++ {
		em.process(errEvent(fmt.Sprintf("distinct failure number %d with its own words", i), ""))
	}
	assert.LessOrEqual(t, len(em.aggs), 3)
}
