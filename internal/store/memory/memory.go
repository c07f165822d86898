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

// Package memory implements store.Store with mutex-guarded maps. It backs
// the tests and the single-binary dev mode; nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crashstream/crashstream/internal/store"
)

// Store is the in-memory repository. The zero value is not usable; call New.
type Store struct {
	mtx sync.RWMutex

	nextID   int64
	projects map[string]*store.ProjectConfig // by project ID
	aggs     map[string]*store.ErrorAggregation
	rules    map[int64]*store.AlertRule
	history  []*store.AlertHistory
	versions map[string]*store.SourceCodeVersion // by projectID/version
	files    map[int64][]*store.SourceCodeFile
}

// New returns an empty store.
func New() *Store {
	return &Store{
		projects: map[string]*store.ProjectConfig{},
		aggs:     map[string]*store.ErrorAggregation{},
		rules:    map[int64]*store.AlertRule{},
		versions: map[string]*store.SourceCodeVersion{},
		files:    map[int64][]*store.SourceCodeFile{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func aggKey(projectID, errorHash string) string { return projectID + "\x00" + errorHash }

func versionKey(projectID, version string) string { return projectID + "\x00" + version }

func (s *Store) GetProject(_ context.Context, projectID string) (*store.ProjectConfig, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProjects(context.Context) ([]*store.ProjectConfig, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*store.ProjectConfig, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (s *Store) CreateProject(_ context.Context, p *store.ProjectConfig) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.projects[p.ProjectID]; ok {
		return fmt.Errorf("project %q: %w", p.ProjectID, store.ErrConflict)
	}
	for _, other := range s.projects {
		if other.APIKey == p.APIKey {
			return fmt.Errorf("api key: %w", store.ErrConflict)
		}
	}
	p.ID = s.id()
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.projects[p.ProjectID] = &cp
	return nil
}

func (s *Store) UpdateProject(_ context.Context, p *store.ProjectConfig) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cur, ok := s.projects[p.ProjectID]
	if !ok {
		return store.ErrNotFound
	}
	p.ID = cur.ID
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now()
	cp := *p
	s.projects[p.ProjectID] = &cp
	return nil
}

func (s *Store) DeleteProject(_ context.Context, projectID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return store.ErrNotFound
	}
	delete(s.projects, projectID)
	return nil
}

func (s *Store) GetAggregation(_ context.Context, projectID, errorHash string) (*store.ErrorAggregation, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	a, ok := s.aggs[aggKey(projectID, errorHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAggregations(_ context.Context, projectID string, f store.AggregationFilter) ([]*store.ErrorAggregation, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []*store.ErrorAggregation
	for _, a := range s.aggs {
		if a.ProjectID != projectID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateAggregation(_ context.Context, a *store.ErrorAggregation) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := aggKey(a.ProjectID, a.ErrorHash)
	if _, ok := s.aggs[key]; ok {
		return fmt.Errorf("aggregation %s/%s: %w", a.ProjectID, a.ErrorHash[:8], store.ErrConflict)
	}
	a.ID = s.id()
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.aggs[key] = &cp
	return nil
}

func (s *Store) BumpAggregation(_ context.Context, projectID, errorHash string, d store.AggregationDelta) (*store.ErrorAggregation, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.aggs[aggKey(projectID, errorHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	a.OccurrenceCount += d.Occurrences
	a.MergedCount += d.MergedEvents
	a.AffectedUsers += d.NewUsers
	if d.SeenAt.After(a.LastSeen) {
		a.LastSeen = d.SeenAt
	}
	if lvl := store.LevelFor(a.OccurrenceCount, a.AffectedUsers); lvl > a.ErrorLevel {
		a.ErrorLevel = lvl
	}
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (s *Store) MarkAlertSent(_ context.Context, projectID, errorHash string, at time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.aggs[aggKey(projectID, errorHash)]
	if !ok {
		return store.ErrNotFound
	}
	sentAt := at
	a.AlertSent = true
	a.AlertSentAt = &sentAt
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateAggregationStatus(_ context.Context, projectID, errorHash string, status store.AggregationStatus) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.aggs[aggKey(projectID, errorHash)]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateAggregationSource(_ context.Context, projectID, errorHash, file string, line, column int, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.aggs[aggKey(projectID, errorHash)]
	if !ok {
		return store.ErrNotFound
	}
	a.SourceFile = file
	a.SourceLine = line
	a.SourceColumn = column
	a.SourceName = name
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetDiagnosis(_ context.Context, projectID, errorHash string, diagnosis json.RawMessage) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.aggs[aggKey(projectID, errorHash)]
	if !ok {
		return store.ErrNotFound
	}
	a.Diagnosis = append(json.RawMessage(nil), diagnosis...)
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListEnabledRules(ctx context.Context, projectID string) ([]*store.AlertRule, error) {
	rules, err := s.ListRules(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := rules[:0]
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListRules(_ context.Context, projectID string) ([]*store.AlertRule, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []*store.AlertRule
	for _, r := range s.rules {
		if r.ProjectID != projectID {
			continue
		}
		cp := *r
		cp.Actions = append(store.Actions(nil), r.Actions...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateRule(_ context.Context, r *store.AlertRule) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	r.ID = s.id()
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	cp.Actions = append(store.Actions(nil), r.Actions...)
	s.rules[r.ID] = &cp
	return nil
}

func (s *Store) UpdateRule(_ context.Context, r *store.AlertRule) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = time.Now()
	cp := *r
	cp.Actions = append(store.Actions(nil), r.Actions...)
	s.rules[r.ID] = &cp
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *Store) InsertAlertHistory(_ context.Context, h *store.AlertHistory) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	h.ID = s.id()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if h.Status == "" {
		h.Status = store.HistoryPending
	}
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *Store) UpdateAlertHistoryStatus(_ context.Context, id int64, status store.HistoryStatus) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, h := range s.history {
		if h.ID == id {
			h.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListAlertHistory(_ context.Context, projectID string, limit int) ([]*store.AlertHistory, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*store.AlertHistory
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].ProjectID == projectID {
			cp := *s.history[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateSourceVersion(_ context.Context, v *store.SourceCodeVersion, files []*store.SourceCodeFile) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := versionKey(v.ProjectID, v.Version)
	if _, ok := s.versions[key]; ok {
		return fmt.Errorf("version %s/%s: %w", v.ProjectID, v.Version, store.ErrConflict)
	}
	v.ID = s.id()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.FileCount = len(files)
	cp := *v
	s.versions[key] = &cp
	for _, f := range files {
		f.ID = s.id()
		f.VersionID = v.ID
		fcp := *f
		s.files[v.ID] = append(s.files[v.ID], &fcp)
	}
	return nil
}

func (s *Store) AppendSourceFiles(_ context.Context, projectID, version string, files []*store.SourceCodeFile, addedSize int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	v, ok := s.versions[versionKey(projectID, version)]
	if !ok {
		return store.ErrNotFound
	}
	for _, f := range files {
		f.ID = s.id()
		f.VersionID = v.ID
		fcp := *f
		s.files[v.ID] = append(s.files[v.ID], &fcp)
	}
	v.FileCount += len(files)
	v.ArchiveSize += addedSize
	return nil
}

func (s *Store) GetSourceVersion(_ context.Context, projectID, version string) (*store.SourceCodeVersion, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	v, ok := s.versions[versionKey(projectID, version)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) ListSourceVersions(_ context.Context, projectID string) ([]*store.SourceCodeVersion, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []*store.SourceCodeVersion
	for _, v := range s.versions {
		if v.ProjectID == projectID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActivateSourceVersion(_ context.Context, projectID, version string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	target, ok := s.versions[versionKey(projectID, version)]
	if !ok {
		return store.ErrNotFound
	}
	for _, v := range s.versions {
		if v.ProjectID == projectID {
			v.IsActive = false
		}
	}
	target.IsActive = true
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
