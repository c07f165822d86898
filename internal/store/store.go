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

// Package store defines the persistent entities of the pipeline — project
// configs, error aggregations, alert rules, alert history and uploaded
// source versions — and the repository interface the workers program
// against. Implementations live in store/postgres and store/memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint would break
	// (duplicate project ID, API key or aggregation key).
	ErrConflict = errors.New("already exists")
)

// ProjectConfig is the per-project configuration row. Created by the admin
// surface, read by every worker through the config cache.
type ProjectConfig struct {
	ID                int64     `db:"id" json:"id"`
	ProjectID         string    `db:"project_id" json:"projectId"`
	Name              string    `db:"name" json:"name"`
	APIKey            string    `db:"api_key" json:"apiKey"`
	AlertEmail        string    `db:"alert_email" json:"alertEmail,omitempty"`
	AlertLevel        int       `db:"alert_level" json:"alertLevel"`
	EnableAIDiagnosis bool      `db:"enable_ai_diagnosis" json:"enableAiDiagnosis"`
	EnableAggregation bool      `db:"enable_aggregation" json:"enableAggregation"`
	EnableSourcemap   bool      `db:"enable_sourcemap" json:"enableSourcemap"`
	SourcemapPath     string    `db:"sourcemap_path" json:"sourcemapPath,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// AggregationStatus is the triage state of an aggregation.
type AggregationStatus string

const (
	StatusNew          AggregationStatus = "new"
	StatusAcknowledged AggregationStatus = "acknowledged"
	StatusFixing       AggregationStatus = "fixing"
	StatusFixed        AggregationStatus = "fixed"
	StatusIgnored      AggregationStatus = "ignored"
)

// Valid reports whether s is a known status.
func (s AggregationStatus) Valid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusFixing, StatusFixed, StatusIgnored:
		return true
	}
	return false
}

// ErrorAggregation groups every occurrence of one error identity. Keyed by
// (ProjectID, ErrorHash); mutated only by the aggregation worker under
// per-key serialization. Invariant: OccurrenceCount >= 1 and
// FirstSeen <= LastSeen.
type ErrorAggregation struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID string `db:"project_id" json:"projectId"`
	ErrorHash string `db:"error_hash" json:"errorHash"`

	// Representative sample: the first occurrence's shape.
	Type         string `db:"type" json:"type"`
	Message      string `db:"message" json:"message"`
	Stack        string `db:"stack" json:"stack,omitempty"`
	Filename     string `db:"filename" json:"filename,omitempty"`
	Lineno       int    `db:"lineno" json:"lineno,omitempty"`
	Colno        int    `db:"colno" json:"colno,omitempty"`
	SourceFile   string `db:"source_file" json:"sourceFile,omitempty"`
	SourceLine   int    `db:"source_line" json:"sourceLine,omitempty"`
	SourceColumn int    `db:"source_column" json:"sourceColumn,omitempty"`
	SourceName   string `db:"source_name" json:"sourceName,omitempty"`

	FirstSeen       time.Time `db:"first_seen" json:"firstSeen"`
	LastSeen        time.Time `db:"last_seen" json:"lastSeen"`
	OccurrenceCount int64     `db:"occurrence_count" json:"occurrenceCount"`
	AffectedUsers   int64     `db:"affected_users" json:"affectedUsers"`
	// MergedCount counts events folded in by similarity rather than exact
	// hash match.
	MergedCount int64 `db:"merged_count" json:"mergedCount,omitempty"`

	ErrorLevel  int               `db:"error_level" json:"errorLevel"`
	Status      AggregationStatus `db:"status" json:"status"`
	AlertSent   bool              `db:"alert_sent" json:"alertSent"`
	AlertSentAt *time.Time        `db:"alert_sent_at" json:"alertSentAt,omitempty"`
	Diagnosis   json.RawMessage   `db:"diagnosis" json:"diagnosis,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// RuleType selects the evaluation strategy for an alert rule.
type RuleType string

const (
	RuleErrorCount  RuleType = "errorCount"
	RuleErrorRate   RuleType = "errorRate"
	RulePerformance RuleType = "performance"
	RuleCustom      RuleType = "custom"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleErrorCount, RuleErrorRate, RulePerformance, RuleCustom:
		return true
	}
	return false
}

// Action is a notification channel an alert rule fans out to.
type Action string

const (
	ActionEmail    Action = "email"
	ActionWebhook  Action = "webhook"
	ActionSlack    Action = "slack"
	ActionDingtalk Action = "dingtalk"
)

// Valid reports whether a is a known action channel.
func (a Action) Valid() bool {
	switch a {
	case ActionEmail, ActionWebhook, ActionSlack, ActionDingtalk:
		return true
	}
	return false
}

// Actions is the action set of a rule, stored as a JSON array.
type Actions []Action

// AlertRule is one per-project alerting rule.
type AlertRule struct {
	ID        int64    `db:"id" json:"id"`
	ProjectID string   `db:"project_id" json:"projectId"`
	Name      string   `db:"name" json:"name"`
	Type      RuleType `db:"type" json:"type"`
	// Condition refines the rule: for errorCount the counting scope
	// ("aggregation" or "project"), for performance the metric name, for
	// custom a "<field> <op> <value>" expression.
	Condition         string    `db:"condition" json:"condition,omitempty"`
	Threshold         float64   `db:"threshold" json:"threshold"`
	TimeWindowSeconds int       `db:"time_window_seconds" json:"timeWindowSeconds"`
	Actions           Actions   `db:"-" json:"actions"`
	Enabled           bool      `db:"enabled" json:"enabled"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// HistoryStatus tracks notification delivery for one firing.
type HistoryStatus string

const (
	HistoryPending HistoryStatus = "pending"
	HistorySent    HistoryStatus = "sent"
	HistoryFailed  HistoryStatus = "failed"
)

// AlertHistory is one rule firing. Append-only: rows are never rewritten
// except for the pending -> sent/failed status transition.
type AlertHistory struct {
	ID                int64         `db:"id" json:"id"`
	RuleID            int64         `db:"rule_id" json:"ruleId"`
	ProjectID         string        `db:"project_id" json:"projectId"`
	AggregationID     int64         `db:"aggregation_id" json:"aggregationId,omitempty"`
	TriggeredValue    float64       `db:"triggered_value" json:"triggeredValue"`
	Threshold         float64       `db:"threshold" json:"threshold"`
	TimeWindowSeconds int           `db:"time_window_seconds" json:"timeWindowSeconds"`
	Message           string        `db:"message" json:"message"`
	Status            HistoryStatus `db:"status" json:"status"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
}

// SourceCodeVersion is one uploaded source or source-map archive.
// (ProjectID, Version) is unique; at most one version per project is
// active.
type SourceCodeVersion struct {
	ID          int64     `db:"id" json:"id"`
	ProjectID   string    `db:"project_id" json:"projectId"`
	Version     string    `db:"version" json:"version"`
	ArchiveSize int64     `db:"archive_size" json:"archiveSize"`
	FileCount   int       `db:"file_count" json:"fileCount"`
	IsActive    bool      `db:"is_active" json:"isActive"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// SourceCodeFile is one extracted file, content-addressed by FileHash.
type SourceCodeFile struct {
	ID        int64  `db:"id" json:"id"`
	VersionID int64  `db:"version_id" json:"versionId"`
	Path      string `db:"path" json:"path"`
	FileHash  string `db:"file_hash" json:"fileHash"`
	Size      int64  `db:"size" json:"size"`
	// Kind is "source" or "sourcemap".
	Kind string `db:"kind" json:"kind"`
}

// AggregationFilter narrows ListAggregations.
type AggregationFilter struct {
	Status AggregationStatus // zero: any
	Limit  int               // zero: 100
	Offset int
}

// AggregationDelta is one event's contribution to a group's counters.
type AggregationDelta struct {
	Occurrences  int64
	MergedEvents int64
	NewUsers     int64
	SeenAt       time.Time
}

// Store is the repository contract over the relational backend.
type Store interface {
	// Projects.
	GetProject(ctx context.Context, projectID string) (*ProjectConfig, error)
	ListProjects(ctx context.Context) ([]*ProjectConfig, error)
	CreateProject(ctx context.Context, p *ProjectConfig) error
	UpdateProject(ctx context.Context, p *ProjectConfig) error
	DeleteProject(ctx context.Context, projectID string) error

	// Aggregations. Similarity merges route events from several queue
	// shards at the same group, so counter writes must be atomic deltas,
	// never read-modify-write round trips.
	GetAggregation(ctx context.Context, projectID, errorHash string) (*ErrorAggregation, error)
	ListAggregations(ctx context.Context, projectID string, f AggregationFilter) ([]*ErrorAggregation, error)
	CreateAggregation(ctx context.Context, a *ErrorAggregation) error
	// BumpAggregation applies delta to the group's counters server-side
	// and returns the updated row. Concurrent bumps all land.
	BumpAggregation(ctx context.Context, projectID, errorHash string, delta AggregationDelta) (*ErrorAggregation, error)
	// MarkAlertSent arms the per-group alert gate without touching the
	// counter columns.
	MarkAlertSent(ctx context.Context, projectID, errorHash string, at time.Time) error
	UpdateAggregationStatus(ctx context.Context, projectID, errorHash string, status AggregationStatus) error
	UpdateAggregationSource(ctx context.Context, projectID, errorHash string, file string, line, column int, name string) error
	SetDiagnosis(ctx context.Context, projectID, errorHash string, diagnosis json.RawMessage) error

	// Alert rules.
	ListEnabledRules(ctx context.Context, projectID string) ([]*AlertRule, error)
	ListRules(ctx context.Context, projectID string) ([]*AlertRule, error)
	CreateRule(ctx context.Context, r *AlertRule) error
	UpdateRule(ctx context.Context, r *AlertRule) error
	DeleteRule(ctx context.Context, id int64) error

	// Alert history.
	InsertAlertHistory(ctx context.Context, h *AlertHistory) error
	UpdateAlertHistoryStatus(ctx context.Context, id int64, status HistoryStatus) error
	ListAlertHistory(ctx context.Context, projectID string, limit int) ([]*AlertHistory, error)

	// Source versions. A version accumulates files across uploads: the
	// source archive and the map archive of one release arrive separately.
	CreateSourceVersion(ctx context.Context, v *SourceCodeVersion, files []*SourceCodeFile) error
	AppendSourceFiles(ctx context.Context, projectID, version string, files []*SourceCodeFile, addedSize int64) error
	GetSourceVersion(ctx context.Context, projectID, version string) (*SourceCodeVersion, error)
	ListSourceVersions(ctx context.Context, projectID string) ([]*SourceCodeVersion, error)
	ActivateSourceVersion(ctx context.Context, projectID, version string) error

	Ping(ctx context.Context) error
	Close() error
}

// LevelFor derives the 1..4 error level from volume.
func LevelFor(occurrences, users int64) int {
	switch {
	case occurrences >= 100 || users >= 50:
		return 4
	case occurrences >= 50 || users >= 20:
		return 3
	case occurrences >= 10 || users >= 5:
		return 2
	default:
		return 1
	}
}
