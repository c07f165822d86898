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
	"net/http"
	"time"

	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/internal/window"
)

// healthWindow is the lookback for the detailed health metrics.
const healthWindow = time.Hour

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleHealthDetailed reports dependency health plus traffic figures over
// the last hour, summed across projects.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStatus := "healthy"
	pingStart := time.Now()
	pingErr := s.opts.Store.Ping(ctx)
	dbLatency := time.Since(pingStart)
	if pingErr != nil {
		dbStatus = "unhealthy"
	}

	var totalErrors, total int64
	var durationSum float64
	var durationN int64
	degraded := false
	if projects, err := s.opts.Store.ListProjects(ctx); err == nil {
		for _, p := range projects {
			errs, err1 := s.opts.Windows.Count(ctx, p.ProjectID, window.SeriesErrors, healthWindow)
			all, err2 := s.opts.Windows.Count(ctx, p.ProjectID, window.SeriesTotal, healthWindow)
			if err1 != nil || err2 != nil {
				degraded = true
				continue
			}
			totalErrors += errs
			total += all

			// Weighted mean so busy projects dominate the figure.
			n, err := s.opts.Windows.Count(ctx, p.ProjectID, "metric:duration", healthWindow)
			if err != nil || n == 0 {
				continue
			}
			avg, err := s.opts.Windows.Average(ctx, p.ProjectID, "metric:duration", healthWindow)
			if err != nil {
				continue
			}
			durationSum += avg * float64(n)
			durationN += n
		}
	} else {
		degraded = true
		_ = level.Warn(s.logger).Log("msg", "health project listing failed", "err", err)
	}

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(totalErrors) / float64(total)
	}
	avgResponseTime := 0.0
	if durationN > 0 {
		avgResponseTime = durationSum / float64(durationN)
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case pingErr != nil:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"services": map[string]any{
			"database": map[string]any{
				"status":       dbStatus,
				"responseTime": dbLatency.Milliseconds(),
			},
		},
		"metrics": map[string]any{
			"totalErrors":     totalErrors,
			"errorRate":       errorRate,
			"avgResponseTime": avgResponseTime,
		},
	})
}
