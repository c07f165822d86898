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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/internal/ingest"
	"github.com/crashstream/crashstream/internal/jobq"
	"github.com/crashstream/crashstream/pkg/monitor"
)

// maxReportBody bounds one intake request.
const maxReportBody = 4 << 20

// retryAfterSeconds is the backoff hint sent with 429 responses.
const retryAfterSeconds = 5

// handleReport accepts a single report object or an array of them. The SDK
// batches, so the array form is the common case.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxReportBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "report body too large")
		return
	}

	var reports []*monitor.Report
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reports)
	} else {
		var one monitor.Report
		if err = json.Unmarshal(trimmed, &one); err == nil {
			reports = []*monitor.Report{&one}
		}
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if len(reports) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty report batch")
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	accepted := 0
	for _, report := range reports {
		if err := s.opts.Ingest.Ingest(r.Context(), apiKey, report); err != nil {
			s.writeIngestError(w, err, accepted)
			return
		}
		accepted++
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "accepted": accepted})
}

// writeIngestError maps the intake sentinels onto HTTP statuses. accepted
// counts the batch prefix that made it in before the failure.
func (s *Server) writeIngestError(w http.ResponseWriter, err error, accepted int) {
	switch {
	case errors.Is(err, ingest.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrUnknownProject):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrBadAPIKey):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, jobq.ErrFull):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok":         false,
			"error":      "pipeline at capacity",
			"retryAfter": retryAfterSeconds,
			"accepted":   accepted,
		})
	default:
		_ = level.Error(s.logger).Log("msg", "intake failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
