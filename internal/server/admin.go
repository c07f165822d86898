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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/crashstream/crashstream/internal/alerting"
	"github.com/crashstream/crashstream/internal/store"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.opts.Store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": projects, "count": len(projects)})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p store.ProjectConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode project: "+err.Error())
		return
	}
	if p.ProjectID == "" || p.Name == "" {
		s.writeError(w, http.StatusBadRequest, "projectId and name are required")
		return
	}
	if p.APIKey == "" {
		p.APIKey = uuid.NewString()
	}
	if err := s.opts.Store.CreateProject(r.Context(), &p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.invalidateProject(p.ProjectID)
	s.writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var p store.ProjectConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode project: "+err.Error())
		return
	}
	p.ProjectID = chi.URLParam(r, "projectID")
	if err := s.opts.Store.UpdateProject(r.Context(), &p); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidateProject(p.ProjectID)
	s.writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.opts.Store.DeleteProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidateProject(projectID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.opts.Store.ListRules(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	if err := s.opts.Store.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.invalidateRules(rule.ProjectID)
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ruleID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id
	if err := s.opts.Store.UpdateRule(r.Context(), rule); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidateRules(rule.ProjectID)
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ruleID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := s.opts.Store.DeleteRule(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidateRules(chi.URLParam(r, "projectID"))
	w.WriteHeader(http.StatusNoContent)
}

// decodeRule reads and validates an alert rule body. The project ID always
// comes from the URL.
func (s *Server) decodeRule(w http.ResponseWriter, r *http.Request) (*store.AlertRule, bool) {
	var rule store.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode rule: "+err.Error())
		return nil, false
	}
	rule.ProjectID = chi.URLParam(r, "projectID")
	if rule.Name == "" {
		s.writeError(w, http.StatusBadRequest, "rule name is required")
		return nil, false
	}
	if !rule.Type.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown rule type "+string(rule.Type))
		return nil, false
	}
	for _, a := range rule.Actions {
		if !a.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown action "+string(a))
			return nil, false
		}
	}
	if rule.Type == store.RuleCustom {
		if err := alerting.ValidateCondition(rule.Condition); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
	}
	if rule.TimeWindowSeconds <= 0 {
		rule.TimeWindowSeconds = 300
	}
	return &rule, true
}

func (s *Server) handleListAggregations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AggregationFilter{
		Status: store.AggregationStatus(q.Get("status")),
		Limit:  intQuery(q.Get("limit"), 0),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}
	aggs, err := s.opts.Store.ListAggregations(r.Context(), chi.URLParam(r, "projectID"), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"aggregations": aggs, "count": len(aggs)})
}

func (s *Server) handleAggregationStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status store.AggregationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode status: "+err.Error())
		return
	}
	if !body.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status "+string(body.Status))
		return
	}
	err := s.opts.Store.UpdateAggregationStatus(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "errorHash"), body.Status)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": body.Status})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r.URL.Query().Get("limit"), 100)
	history, err := s.opts.Store.ListAlertHistory(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

func (s *Server) invalidateProject(projectID string) {
	if s.opts.Configs != nil {
		s.opts.Configs.Invalidate(projectID)
	}
}

func (s *Server) invalidateRules(projectID string) {
	if s.opts.Rules != nil {
		s.opts.Rules.InvalidateRules(projectID)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
