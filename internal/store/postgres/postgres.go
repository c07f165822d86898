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

// Package postgres implements store.Store on PostgreSQL via sqlx over the
// pgx stdlib driver. Schema migrations are embedded and applied with goose.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/crashstream/crashstream/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint breaks.
const uniqueViolation = "23505"

// Store implements store.Store on a PostgreSQL pool.
type Store struct {
	db *sqlx.DB
}

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// mapErr folds driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*store.ProjectConfig, error) {
	var p store.ProjectConfig
	err := s.db.GetContext(ctx, &p, `SELECT * FROM project_configs WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*store.ProjectConfig, error) {
	var out []*store.ProjectConfig
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM project_configs ORDER BY project_id`)
	return out, mapErr(err)
}

func (s *Store) CreateProject(ctx context.Context, p *store.ProjectConfig) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO project_configs (
			project_id, name, api_key, alert_email, alert_level,
			enable_ai_diagnosis, enable_aggregation, enable_sourcemap, sourcemap_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		p.ProjectID, p.Name, p.APIKey, p.AlertEmail, p.AlertLevel,
		p.EnableAIDiagnosis, p.EnableAggregation, p.EnableSourcemap, p.SourcemapPath,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateProject(ctx context.Context, p *store.ProjectConfig) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_configs SET
			name = $2, api_key = $3, alert_email = $4, alert_level = $5,
			enable_ai_diagnosis = $6, enable_aggregation = $7,
			enable_sourcemap = $8, sourcemap_path = $9, updated_at = now()
		WHERE project_id = $1`,
		p.ProjectID, p.Name, p.APIKey, p.AlertEmail, p.AlertLevel,
		p.EnableAIDiagnosis, p.EnableAggregation, p.EnableSourcemap, p.SourcemapPath,
	)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_configs WHERE project_id = $1`, projectID)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) GetAggregation(ctx context.Context, projectID, errorHash string) (*store.ErrorAggregation, error) {
	var a store.ErrorAggregation
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM error_aggregations WHERE project_id = $1 AND error_hash = $2`,
		projectID, errorHash)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (s *Store) ListAggregations(ctx context.Context, projectID string, f store.AggregationFilter) ([]*store.ErrorAggregation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM error_aggregations WHERE project_id = $1`
	args := []any{projectID}
	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, f.Status)
	}
	query += fmt.Sprintf(` ORDER BY last_seen DESC LIMIT %d OFFSET %d`, limit, f.Offset)

	var out []*store.ErrorAggregation
	err := s.db.SelectContext(ctx, &out, query, args...)
	return out, mapErr(err)
}

func (s *Store) CreateAggregation(ctx context.Context, a *store.ErrorAggregation) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO error_aggregations (
			project_id, error_hash, type, message, stack, filename, lineno, colno,
			source_file, source_line, source_column, source_name,
			first_seen, last_seen, occurrence_count, affected_users, merged_count,
			error_level, status, alert_sent, alert_sent_at, diagnosis
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22
		) RETURNING id, created_at, updated_at`,
		a.ProjectID, a.ErrorHash, a.Type, a.Message, a.Stack, a.Filename, a.Lineno, a.Colno,
		a.SourceFile, a.SourceLine, a.SourceColumn, a.SourceName,
		a.FirstSeen, a.LastSeen, a.OccurrenceCount, a.AffectedUsers, a.MergedCount,
		a.ErrorLevel, a.Status, a.AlertSent, a.AlertSentAt, nullableJSON(a.Diagnosis),
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	return mapErr(err)
}

// BumpAggregation increments inside the UPDATE itself. Similarity merges
// route events from several queue shards at one canonical row, so absolute
// writes would drop concurrent increments.
func (s *Store) BumpAggregation(ctx context.Context, projectID, errorHash string, d store.AggregationDelta) (*store.ErrorAggregation, error) {
	var a store.ErrorAggregation
	err := s.db.QueryRowxContext(ctx, `
		UPDATE error_aggregations SET
			occurrence_count = occurrence_count + $3,
			merged_count = merged_count + $4,
			affected_users = affected_users + $5,
			last_seen = GREATEST(last_seen, $6),
			updated_at = now()
		WHERE project_id = $1 AND error_hash = $2
		RETURNING *`,
		projectID, errorHash, d.Occurrences, d.MergedEvents, d.NewUsers, d.SeenAt,
	).StructScan(&a)
	if err != nil {
		return nil, mapErr(err)
	}
	// Levels only rise with volume; GREATEST keeps a writer holding an
	// older snapshot from undoing a newer one.
	if lvl := store.LevelFor(a.OccurrenceCount, a.AffectedUsers); lvl > a.ErrorLevel {
		_, err := s.db.ExecContext(ctx, `
			UPDATE error_aggregations SET error_level = GREATEST(error_level, $3), updated_at = now()
			WHERE project_id = $1 AND error_hash = $2`,
			projectID, errorHash, lvl)
		if err != nil {
			return nil, mapErr(err)
		}
		a.ErrorLevel = lvl
	}
	return &a, nil
}

func (s *Store) MarkAlertSent(ctx context.Context, projectID, errorHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE error_aggregations SET alert_sent = TRUE, alert_sent_at = $3, updated_at = now()
		WHERE project_id = $1 AND error_hash = $2`,
		projectID, errorHash, at)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) UpdateAggregationStatus(ctx context.Context, projectID, errorHash string, status store.AggregationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE error_aggregations SET status = $3, updated_at = now()
		WHERE project_id = $1 AND error_hash = $2`,
		projectID, errorHash, status)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) UpdateAggregationSource(ctx context.Context, projectID, errorHash, file string, line, column int, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE error_aggregations SET
			source_file = $3, source_line = $4, source_column = $5,
			source_name = $6, updated_at = now()
		WHERE project_id = $1 AND error_hash = $2`,
		projectID, errorHash, file, line, column, name)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) SetDiagnosis(ctx context.Context, projectID, errorHash string, diagnosis json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE error_aggregations SET diagnosis = $3, updated_at = now()
		WHERE project_id = $1 AND error_hash = $2`,
		projectID, errorHash, nullableJSON(diagnosis))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// ruleRow mirrors AlertRule with the actions column materialized.
type ruleRow struct {
	store.AlertRule
	ActionsRaw []byte `db:"actions"`
}

const ruleColumns = `id, project_id, name, type, condition, threshold, time_window_seconds, actions, enabled, created_at, updated_at`

func (s *Store) listRules(ctx context.Context, projectID string, enabledOnly bool) ([]*store.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE project_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY id`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*store.AlertRule, 0, len(rows))
	for _, row := range rows {
		r := row.AlertRule
		if len(row.ActionsRaw) > 0 {
			if err := json.Unmarshal(row.ActionsRaw, &r.Actions); err != nil {
				return nil, fmt.Errorf("decode rule %d actions: %w", r.ID, err)
			}
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) ListEnabledRules(ctx context.Context, projectID string) ([]*store.AlertRule, error) {
	return s.listRules(ctx, projectID, true)
}

func (s *Store) ListRules(ctx context.Context, projectID string) ([]*store.AlertRule, error) {
	return s.listRules(ctx, projectID, false)
}

func (s *Store) CreateRule(ctx context.Context, r *store.AlertRule) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO alert_rules (
			project_id, name, type, condition, threshold, time_window_seconds, actions, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		r.ProjectID, r.Name, r.Type, r.Condition, r.Threshold, r.TimeWindowSeconds, actions, r.Enabled,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateRule(ctx context.Context, r *store.AlertRule) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET
			name = $2, type = $3, condition = $4, threshold = $5,
			time_window_seconds = $6, actions = $7, enabled = $8, updated_at = now()
		WHERE id = $1`,
		r.ID, r.Name, r.Type, r.Condition, r.Threshold, r.TimeWindowSeconds, actions, r.Enabled,
	)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) InsertAlertHistory(ctx context.Context, h *store.AlertHistory) error {
	if h.Status == "" {
		h.Status = store.HistoryPending
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO alert_history (
			rule_id, project_id, aggregation_id, triggered_value, threshold,
			time_window_seconds, message, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		h.RuleID, h.ProjectID, h.AggregationID, h.TriggeredValue, h.Threshold,
		h.TimeWindowSeconds, h.Message, h.Status,
	).Scan(&h.ID, &h.CreatedAt)
	return mapErr(err)
}

func (s *Store) UpdateAlertHistoryStatus(ctx context.Context, id int64, status store.HistoryStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_history SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) ListAlertHistory(ctx context.Context, projectID string, limit int) ([]*store.AlertHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*store.AlertHistory
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM alert_history WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		projectID, limit)
	return out, mapErr(err)
}

func (s *Store) CreateSourceVersion(ctx context.Context, v *store.SourceCodeVersion, files []*store.SourceCodeFile) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	v.FileCount = len(files)
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO source_code_versions (project_id, version, archive_size, file_count, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		v.ProjectID, v.Version, v.ArchiveSize, v.FileCount, v.IsActive,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	for _, f := range files {
		f.VersionID = v.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO source_code_files (version_id, path, file_hash, size, kind)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			f.VersionID, f.Path, f.FileHash, f.Size, f.Kind,
		).Scan(&f.ID)
		if err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit())
}

func (s *Store) AppendSourceFiles(ctx context.Context, projectID, version string, files []*store.SourceCodeFile, addedSize int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var versionID int64
	err = tx.QueryRowxContext(ctx, `
		SELECT id FROM source_code_versions
		WHERE project_id = $1 AND version = $2 FOR UPDATE`,
		projectID, version).Scan(&versionID)
	if err != nil {
		return mapErr(err)
	}
	for _, f := range files {
		f.VersionID = versionID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO source_code_files (version_id, path, file_hash, size, kind)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			f.VersionID, f.Path, f.FileHash, f.Size, f.Kind,
		).Scan(&f.ID)
		if err != nil {
			return mapErr(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE source_code_versions
		SET archive_size = archive_size + $2, file_count = file_count + $3
		WHERE id = $1`,
		versionID, addedSize, len(files)); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) GetSourceVersion(ctx context.Context, projectID, version string) (*store.SourceCodeVersion, error) {
	var v store.SourceCodeVersion
	err := s.db.GetContext(ctx, &v, `
		SELECT * FROM source_code_versions WHERE project_id = $1 AND version = $2`,
		projectID, version)
	if err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

func (s *Store) ListSourceVersions(ctx context.Context, projectID string) ([]*store.SourceCodeVersion, error) {
	var out []*store.SourceCodeVersion
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM source_code_versions WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID)
	return out, mapErr(err)
}

func (s *Store) ActivateSourceVersion(ctx context.Context, projectID, version string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE source_code_versions SET is_active = FALSE WHERE project_id = $1`, projectID); err != nil {
		return mapErr(err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE source_code_versions SET is_active = TRUE
		WHERE project_id = $1 AND version = $2`,
		projectID, version)
	if err != nil {
		return mapErr(err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// nullableJSON maps an empty blob to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "" {
		return nil
	}
	return []byte(raw)
}
