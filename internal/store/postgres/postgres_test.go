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

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashstream/crashstream/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: sqlx.NewDb(db, "pgx")}, mock
}

func TestGetProjectNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM project_configs`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetProject(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProjectConflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO project_configs`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "project_configs_project_id_key"})

	err := s.CreateProject(context.Background(), &store.ProjectConfig{ProjectID: "p1", APIKey: "k"})
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpAggregationMissingRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE error_aggregations SET`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.BumpAggregation(context.Background(), "p1", "h", store.AggregationDelta{Occurrences: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAlertSentMissingRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE error_aggregations SET alert_sent`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkAlertSent(context.Background(), "p1", "h", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledRulesDecodesActions(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "project_id", "name", "type", "condition", "threshold",
		"time_window_seconds", "actions", "enabled", "created_at", "updated_at",
	}).AddRow(
		int64(1), "p1", "volume", "errorCount", "aggregation", 10.0,
		300, []byte(`["email","slack"]`), true, now, now,
	)
	mock.ExpectQuery(`SELECT .+ FROM alert_rules WHERE project_id = \$1 AND enabled`).
		WithArgs("p1").
		WillReturnRows(rows)

	got, err := s.ListEnabledRules(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.RuleErrorCount, got[0].Type)
	assert.Equal(t, store.Actions{store.ActionEmail, store.ActionSlack}, got[0].Actions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlertHistoryDefaultsStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO alert_history`).
		WithArgs(int64(3), "p1", int64(9), 11.0, 10.0, 300, "rule fired", string(store.HistoryPending)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), time.Now()))

	h := &store.AlertHistory{
		RuleID: 3, ProjectID: "p1", AggregationID: 9,
		TriggeredValue: 11, Threshold: 10, TimeWindowSeconds: 300,
		Message: "rule fired",
	}
	require.NoError(t, s.InsertAlertHistory(context.Background(), h))
	assert.EqualValues(t, 42, h.ID)
	assert.Equal(t, store.HistoryPending, h.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSourceFilesUnknownVersion(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM source_code_versions`).
		WithArgs("p1", "9.9.9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.AppendSourceFiles(context.Background(), "p1", "9.9.9", nil, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSourceFiles(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM source_code_versions`).
		WithArgs("p1", "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(`INSERT INTO source_code_files`).
		WithArgs(int64(7), "src/app.ts", "def", int64(20), "source").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(`UPDATE source_code_versions`).
		WithArgs(int64(7), int64(20), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	files := []*store.SourceCodeFile{{Path: "src/app.ts", FileHash: "def", Size: 20, Kind: "source"}}
	require.NoError(t, s.AppendSourceFiles(context.Background(), "p1", "1.0.0", files, 20))
	assert.EqualValues(t, 11, files[0].ID)
	assert.EqualValues(t, 7, files[0].VersionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateSourceVersionRollsBackOnMiss(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE source_code_versions SET is_active = FALSE`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE source_code_versions SET is_active = TRUE`).
		WithArgs("p1", "2.0.0").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ActivateSourceVersion(context.Background(), "p1", "2.0.0")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
