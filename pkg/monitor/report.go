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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReportType is the backend-side event taxonomy. The SDK folds its richer
// event types into this set before upload.
type ReportType string

const (
	ReportJSError            ReportType = "jsError"
	ReportUnhandledRejection ReportType = "unHandleRejection"
	ReportRequestError       ReportType = "reqError"
	ReportPerformanceReady   ReportType = "performanceInfoReady"
	ReportSlowHTTPRequest    ReportType = "slowHttpRequest"
)

// Valid reports whether t is a known wire type.
func (t ReportType) Valid() bool {
	switch t {
	case ReportJSError, ReportUnhandledRejection, ReportRequestError,
		ReportPerformanceReady, ReportSlowHTTPRequest:
		return true
	}
	return false
}

// Report is the wire DTO accepted by POST /api/monitor/report.
type Report struct {
	EventID        string     `json:"eventId,omitempty"`
	ProjectID      string     `json:"projectId" validate:"required,max=128"`
	Type           ReportType `json:"type" validate:"required,oneof=jsError unHandleRejection reqError performanceInfoReady slowHttpRequest"`
	Timestamp      int64      `json:"timestamp,omitempty"`
	PageURL        string     `json:"pageUrl,omitempty" validate:"omitempty,max=2048"`
	UserAgent      string     `json:"userAgent,omitempty" validate:"omitempty,max=1024"`
	ProjectVersion string     `json:"projectVersion,omitempty" validate:"omitempty,max=128"`
	SessionID      string     `json:"sessionId,omitempty" validate:"omitempty,max=128"`
	UserID         string     `json:"userId,omitempty" validate:"omitempty,max=128"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`
	Filename     string `json:"filename,omitempty"`
	Lineno       int    `json:"lineno,omitempty"`
	Colno        int    `json:"colno,omitempty"`

	RequestURL     string  `json:"requestUrl,omitempty" validate:"omitempty,max=2048"`
	RequestMethod  string  `json:"requestMethod,omitempty" validate:"omitempty,max=16"`
	ResponseStatus int     `json:"responseStatus,omitempty"`
	Duration       float64 `json:"duration,omitempty"`

	PerformanceData json.RawMessage `json:"performanceData,omitempty"`
	ExtraData       json.RawMessage `json:"extraData,omitempty"`
}

// reportContext is the structured shape of Report.ExtraData.
type reportContext struct {
	OriginalType string            `json:"originalType,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Context      Map               `json:"context,omitempty"`
}

// ErrNotReportable marks events the SDK keeps local: behavior breadcrumbs
// (attached to errors instead of uploaded standalone) and HTTP timings below
// the slow-request threshold.
var ErrNotReportable = errors.New("event is not uploaded standalone")

// FromEvent folds an SDK event into the wire DTO. slowRequestMillis is the
// duration at and above which an httpRequest performance record is reported
// as slowHttpRequest; faster requests return ErrNotReportable.
func FromEvent(e *Event, slowRequestMillis float64) (*Report, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	r := &Report{
		EventID:        e.ID,
		ProjectID:      e.ProjectID,
		Timestamp:      e.Timestamp,
		PageURL:        e.PageURL,
		UserAgent:      e.UserAgent,
		ProjectVersion: e.ProjectVersion,
		SessionID:      e.SessionID,
		UserID:         e.UserID,
	}
	rctx := reportContext{Tags: e.Tags, Context: e.Extra}

	switch e.Kind {
	case KindError:
		ed := e.Error
		r.ErrorMessage = ed.Message
		r.ErrorStack = ed.Stack
		r.Filename = ed.Filename
		r.Lineno = ed.Lineno
		r.Colno = ed.Colno
		switch ed.Type {
		case ErrorJS:
			r.Type = ReportJSError
		case ErrorPromise:
			r.Type = ReportUnhandledRejection
		case ErrorHTTP:
			r.Type = ReportRequestError
			r.RequestURL = extraString(e.Extra, "requestUrl")
			r.RequestMethod = extraString(e.Extra, "requestMethod")
			r.ResponseStatus = int(extraNumber(e.Extra, "responseStatus"))
			r.Duration = extraNumber(e.Extra, "duration")
		default:
			// resourceError, customError and frameworkError travel as
			// jsError; the subtype is recoverable from the context.
			r.Type = ReportJSError
			rctx.OriginalType = string(ed.Type)
		}

	case KindPerformance:
		pd := e.Performance
		switch pd.Type {
		case PerfHTTPRequest:
			dur := pd.Metrics["duration"]
			if dur < slowRequestMillis {
				return nil, ErrNotReportable
			}
			r.Type = ReportSlowHTTPRequest
			r.Duration = dur
			r.ResponseStatus = int(pd.Metrics["status"])
			if pd.Resource != nil {
				r.RequestURL = pd.Resource.Name
			}
			r.RequestMethod = extraString(e.Extra, "requestMethod")
		default:
			r.Type = ReportPerformanceReady
			raw, err := json.Marshal(pd)
			if err != nil {
				return nil, fmt.Errorf("encode performance payload: %w", err)
			}
			r.PerformanceData = raw
		}

	case KindBehavior:
		return nil, ErrNotReportable
	}

	if rctx.OriginalType != "" || len(rctx.Tags) > 0 || len(rctx.Context) > 0 {
		raw, err := json.Marshal(rctx)
		if err != nil {
			return nil, fmt.Errorf("encode report context: %w", err)
		}
		r.ExtraData = raw
	}
	return r, nil
}

// Event reconstructs the internal event from an accepted wire report. The
// mapping is total over valid report types; malformed extraData degrades to
// an event without tags rather than failing intake.
func (r *Report) Event() (*Event, error) {
	if !r.Type.Valid() {
		return nil, fmt.Errorf("unknown report type %q", r.Type)
	}
	e := &Event{
		ID:             r.EventID,
		Timestamp:      r.Timestamp,
		ProjectID:      r.ProjectID,
		ProjectVersion: r.ProjectVersion,
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		PageURL:        r.PageURL,
		UserAgent:      r.UserAgent,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	var rctx reportContext
	if len(r.ExtraData) > 0 {
		// Tolerated: clients predating the structured context send
		// arbitrary JSON here.
		_ = json.Unmarshal(r.ExtraData, &rctx)
	}
	e.Tags = rctx.Tags
	e.Extra = rctx.Context

	switch r.Type {
	case ReportJSError, ReportUnhandledRejection, ReportRequestError:
		ed := &ErrorData{
			Message:  r.ErrorMessage,
			Stack:    r.ErrorStack,
			Filename: r.Filename,
			Lineno:   r.Lineno,
			Colno:    r.Colno,
		}
		switch r.Type {
		case ReportUnhandledRejection:
			ed.Type = ErrorPromise
		case ReportRequestError:
			ed.Type = ErrorHTTP
			if ed.Message == "" {
				ed.Message = fmt.Sprintf("%s %s failed with status %d", r.RequestMethod, r.RequestURL, r.ResponseStatus)
			}
			if e.Extra == nil {
				e.Extra = Map{}
			}
			e.Extra["requestUrl"] = String(r.RequestURL)
			e.Extra["requestMethod"] = String(r.RequestMethod)
			e.Extra["responseStatus"] = Number(float64(r.ResponseStatus))
			e.Extra["duration"] = Number(r.Duration)
		default:
			ed.Type = ErrorJS
			if t := ErrorType(rctx.OriginalType); t == ErrorResource || t == ErrorCustom || t == ErrorFramework {
				ed.Type = t
			}
		}
		e.Kind = KindError
		e.Error = ed

	case ReportPerformanceReady:
		pd := &PerformanceData{Type: PerfPageLoad}
		if len(r.PerformanceData) > 0 {
			if err := json.Unmarshal(r.PerformanceData, pd); err != nil {
				// Legacy flat shape: a bare metrics object.
				metrics := map[string]float64{}
				if err2 := json.Unmarshal(r.PerformanceData, &metrics); err2 != nil {
					return nil, fmt.Errorf("decode performance payload: %w", err)
				}
				pd = &PerformanceData{Type: PerfPageLoad, Metrics: metrics}
			}
		}
		if pd.Type == "" {
			pd.Type = PerfPageLoad
		}
		e.Kind = KindPerformance
		e.Performance = pd

	case ReportSlowHTTPRequest:
		pd := &PerformanceData{
			Type: PerfHTTPRequest,
			Metrics: map[string]float64{
				"duration": r.Duration,
				"status":   float64(r.ResponseStatus),
			},
		}
		if r.RequestURL != "" {
			pd.Resource = &ResourceInfo{Name: r.RequestURL, Duration: r.Duration}
		}
		e.Kind = KindPerformance
		e.Performance = pd
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func extraString(m Map, key string) string {
	if m == nil {
		return ""
	}
	return m[key].Str()
}

func extraNumber(m Map, key string) float64 {
	if m == nil {
		return 0
	}
	return m[key].Num()
}
