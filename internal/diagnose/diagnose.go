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

// Package diagnose asks an LLM for a root-cause hypothesis on new error
// groups and stores the structured answer on the aggregation. The stage is
// deliberately lossy: a budget-priced enrichment, never a dependency of
// the pipeline.
package diagnose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/crashstream/crashstream/internal/store"
)

// maxStackChars bounds how much stack goes into the prompt.
const maxStackChars = 4000

const systemPrompt = `You are a senior front-end engineer triaging production errors.
Given one JavaScript error, answer with a single JSON object and nothing else:
{"rootCause": "<one or two sentences>", "suggestion": "<concrete fix advice>", "confidence": <0..1>}`

// Job asks for a diagnosis of one aggregation.
type Job struct {
	Project     *store.ProjectConfig
	Aggregation *store.ErrorAggregation
}

// Diagnosis is the structured answer stored on the aggregation row.
type Diagnosis struct {
	RootCause  string  `json:"rootCause"`
	Suggestion string  `json:"suggestion"`
	Confidence float64 `json:"confidence"`
}

// Config selects the model. An empty APIKey disables the stage.
type Config struct {
	APIKey string
	// Model defaults to claude-sonnet-4-5.
	Model string
	// MaxTokens defaults to 1024.
	MaxTokens int64
}

type diagnoseMetrics struct {
	completed prometheus.Counter
	failures  prometheus.Counter
}

func newDiagnoseMetrics(reg prometheus.Registerer) *diagnoseMetrics {
	m := &diagnoseMetrics{
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_diagnoses_total",
			Help: "Diagnoses stored.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashstream_diagnosis_failures_total",
			Help: "Diagnosis attempts that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.completed, m.failures)
	}
	return m
}

// Worker is the diagnosis stage handler.
type Worker struct {
	store   store.Store
	logger  log.Logger
	metrics *diagnoseMetrics
	breaker *gobreaker.CircuitBreaker[string]

	// complete produces the model's raw answer for a prompt. Swappable in
	// tests.
	complete func(ctx context.Context, prompt string) (string, error)
}

// NewWorker wires the diagnosis stage against the Anthropic API.
func NewWorker(cfg Config, s store.Store, logger log.Logger, reg prometheus.Registerer) *Worker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	w := &Worker{
		store:   s,
		logger:  log.With(logger, "component", "diagnose"),
		metrics: newDiagnoseMetrics(reg),
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:    "anthropic",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
	w.complete = func(ctx context.Context, prompt string) (string, error) {
		msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(cfg.Model),
			MaxTokens:   cfg.MaxTokens,
			Temperature: anthropic.Float(0),
			System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}
		var out strings.Builder
		for _, block := range msg.Content {
			out.WriteString(block.Text)
		}
		return out.String(), nil
	}
	return w
}

// Handle diagnoses one aggregation. Already-diagnosed groups and projects
// that turned the feature off are no-ops; an open breaker drops the job
// rather than retrying into a failing API.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	agg := job.Aggregation
	if agg == nil || len(agg.Diagnosis) > 0 {
		return nil
	}
	if job.Project == nil || !job.Project.EnableAIDiagnosis {
		return nil
	}

	answer, err := w.breaker.Execute(func() (string, error) {
		return w.complete(ctx, w.prompt(agg))
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		w.metrics.failures.Inc()
		_ = level.Warn(w.logger).Log("msg", "diagnosis skipped, circuit open", "project", agg.ProjectID, "hash", agg.ErrorHash)
		return nil
	}
	if err != nil {
		w.metrics.failures.Inc()
		return fmt.Errorf("model request: %w", err)
	}

	diag, err := parseAnswer(answer)
	if err != nil {
		// A malformed answer will stay malformed on retry.
		w.metrics.failures.Inc()
		_ = level.Warn(w.logger).Log("msg", "unparseable diagnosis dropped", "project", agg.ProjectID, "hash", agg.ErrorHash, "err", err)
		return nil
	}
	raw, err := json.Marshal(diag)
	if err != nil {
		return err
	}
	if err := w.store.SetDiagnosis(ctx, agg.ProjectID, agg.ErrorHash, raw); err != nil {
		return fmt.Errorf("store diagnosis: %w", err)
	}
	w.metrics.completed.Inc()
	return nil
}

func (w *Worker) prompt(agg *store.ErrorAggregation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error type: %s\nMessage: %s\n", agg.Type, agg.Message)
	if agg.SourceFile != "" {
		fmt.Fprintf(&b, "Original source: %s:%d:%d", agg.SourceFile, agg.SourceLine, agg.SourceColumn)
		if agg.SourceName != "" {
			fmt.Fprintf(&b, " in %s", agg.SourceName)
		}
		b.WriteString("\n")
	} else if agg.Filename != "" {
		fmt.Fprintf(&b, "Location: %s:%d:%d\n", agg.Filename, agg.Lineno, agg.Colno)
	}
	fmt.Fprintf(&b, "Occurrences: %d, affected users: %d\n", agg.OccurrenceCount, agg.AffectedUsers)
	if agg.Stack != "" {
		stack := agg.Stack
		if len(stack) > maxStackChars {
			stack = stack[:maxStackChars]
		}
		fmt.Fprintf(&b, "Stack trace:\n%s\n", stack)
	}
	return b.String()
}

// parseAnswer extracts the JSON object from the model's reply, tolerating
// code fences and prose around it.
func parseAnswer(answer string) (*Diagnosis, error) {
	start := strings.IndexByte(answer, '{')
	end := strings.LastIndexByte(answer, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in answer")
	}
	var diag Diagnosis
	if err := json.Unmarshal([]byte(answer[start:end+1]), &diag); err != nil {
		return nil, err
	}
	if diag.RootCause == "" {
		return nil, fmt.Errorf("answer missing rootCause")
	}
	if diag.Confidence < 0 || diag.Confidence > 1 {
		diag.Confidence = 0
	}
	return &diag, nil
}
