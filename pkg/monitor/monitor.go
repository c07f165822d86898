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

// Package monitor defines the telemetry event model shared by the client
// SDK and the server pipeline: a tagged union of error, performance and
// behavior payloads plus the wire-level report DTO.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the payload variant carried by an Event.
type Kind string

const (
	KindError       Kind = "error"
	KindPerformance Kind = "performance"
	KindBehavior    Kind = "behavior"
)

// ErrorType classifies captured errors on the SDK side.
type ErrorType string

const (
	ErrorJS        ErrorType = "jsError"
	ErrorPromise   ErrorType = "promiseError"
	ErrorResource  ErrorType = "resourceError"
	ErrorHTTP      ErrorType = "httpError"
	ErrorCustom    ErrorType = "customError"
	ErrorFramework ErrorType = "frameworkError"
)

// PerformanceType classifies performance records.
type PerformanceType string

const (
	PerfPageLoad        PerformanceType = "pageLoad"
	PerfHTTPRequest     PerformanceType = "httpRequest"
	PerfResourceLoad    PerformanceType = "resourceLoad"
	PerfUserInteraction PerformanceType = "userInteraction"
	PerfCustomMetric    PerformanceType = "customMetric"
)

// BehaviorType classifies behavior breadcrumbs.
type BehaviorType string

const (
	BehaviorPageView    BehaviorType = "pageView"
	BehaviorClick       BehaviorType = "click"
	BehaviorScroll      BehaviorType = "scroll"
	BehaviorFormSubmit  BehaviorType = "formSubmit"
	BehaviorRouteChange BehaviorType = "routeChange"
	BehaviorCustom      BehaviorType = "custom"
)

// SourceLocation is a position in original (pre-minification) source,
// produced by source-map resolution.
type SourceLocation struct {
	File          string `json:"file"`
	Line          int    `json:"line"`
	Column        int    `json:"column"`
	Name          string `json:"name,omitempty"`
	SourceContent string `json:"sourceContent,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Type           ErrorType       `json:"type"`
	Message        string          `json:"message"`
	Stack          string          `json:"stack,omitempty"`
	Filename       string          `json:"filename,omitempty"`
	Lineno         int             `json:"lineno,omitempty"`
	Colno          int             `json:"colno,omitempty"`
	Source         *SourceLocation `json:"source,omitempty"`
	ComponentStack string          `json:"componentStack,omitempty"`
}

// ResourceInfo describes the resource a performance record refers to.
type ResourceInfo struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Type     string  `json:"type,omitempty"`
}

// PerformanceData is the payload of a performance event. Metrics values
// are milliseconds unless the metric name says otherwise.
type PerformanceData struct {
	Type     PerformanceType    `json:"type"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Resource *ResourceInfo      `json:"resource,omitempty"`
}

// BehaviorData is the payload of a behavior breadcrumb.
type BehaviorData struct {
	Type   BehaviorType `json:"type"`
	Event  string       `json:"event,omitempty"`
	Target string       `json:"target,omitempty"`
	XPath  string       `json:"xpath,omitempty"`
	Data   Map          `json:"data,omitempty"`
}

// Event is one monitoring record. Exactly one of Error, Performance and
// Behavior is set; Kind reports which. Timestamp is Unix milliseconds.
type Event struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Timestamp      int64             `json:"timestamp"`
	ProjectID      string            `json:"projectId"`
	ProjectVersion string            `json:"projectVersion,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	PageURL        string            `json:"pageUrl,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Extra          Map               `json:"extraData,omitempty"`

	Error       *ErrorData       `json:"error,omitempty"`
	Performance *PerformanceData `json:"performance,omitempty"`
	Behavior    *BehaviorData    `json:"behavior,omitempty"`

	// Fingerprint is attached by the error-processing stage; empty until then.
	Fingerprint string `json:"fingerprint,omitempty"`
}

var errNoPayload = errors.New("event carries no payload")

// NewErrorEvent returns an error event with a fresh ID and the current time.
func NewErrorEvent(data ErrorData) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      KindError,
		Timestamp: time.Now().UnixMilli(),
		Error:     &data,
	}
}

// NewPerformanceEvent returns a performance event with a fresh ID and the
// current time.
func NewPerformanceEvent(data PerformanceData) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Kind:        KindPerformance,
		Timestamp:   time.Now().UnixMilli(),
		Performance: &data,
	}
}

// NewBehaviorEvent returns a behavior event with a fresh ID and the current
// time.
func NewBehaviorEvent(data BehaviorData) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      KindBehavior,
		Timestamp: time.Now().UnixMilli(),
		Behavior:  &data,
	}
}

// Validate checks the union invariant: exactly one payload, matching Kind.
func (e *Event) Validate() error {
	var (
		n    int
		kind Kind
	)
	if e.Error != nil {
		n++
		kind = KindError
	}
	if e.Performance != nil {
		n++
		kind = KindPerformance
	}
	if e.Behavior != nil {
		n++
		kind = KindBehavior
	}
	switch {
	case n == 0:
		return errNoPayload
	case n > 1:
		return fmt.Errorf("event %q carries %d payloads", e.ID, n)
	case e.Kind != kind:
		return fmt.Errorf("event %q kind %q does not match payload %q", e.ID, e.Kind, kind)
	}
	if e.Kind == KindError && e.Error.Message == "" && e.Error.Stack == "" {
		return fmt.Errorf("error event %q has neither message nor stack", e.ID)
	}
	return nil
}

// SetTag sets a tag, allocating the map on first use.
func (e *Event) SetTag(key, value string) {
	if e.Tags == nil {
		e.Tags = make(map[string]string, 4)
	}
	e.Tags[key] = value
}

// Clone returns a deep copy. Queues hand events to concurrent senders, so
// callers that keep mutating an event must clone first.
func (e *Event) Clone() *Event {
	c := *e
	if e.Tags != nil {
		c.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			c.Tags[k] = v
		}
	}
	if e.Extra != nil {
		c.Extra = cloneMap(e.Extra)
	}
	if e.Error != nil {
		ed := *e.Error
		if e.Error.Source != nil {
			src := *e.Error.Source
			ed.Source = &src
		}
		c.Error = &ed
	}
	if e.Performance != nil {
		pd := *e.Performance
		if e.Performance.Metrics != nil {
			pd.Metrics = make(map[string]float64, len(e.Performance.Metrics))
			for k, v := range e.Performance.Metrics {
				pd.Metrics[k] = v
			}
		}
		if e.Performance.Resource != nil {
			r := *e.Performance.Resource
			pd.Resource = &r
		}
		c.Performance = &pd
	}
	if e.Behavior != nil {
		bd := *e.Behavior
		if e.Behavior.Data != nil {
			bd.Data = cloneMap(e.Behavior.Data)
		}
		c.Behavior = &bd
	}
	return &c
}
