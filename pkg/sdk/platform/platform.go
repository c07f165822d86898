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

// Package platform defines the capability contract between the SDK core
// and the host environment. An Adapter bundles up to five capabilities;
// nil members mean the platform does not support that capability and the
// SDK degrades gracefully around them.
package platform

import (
	"context"

	"github.com/crashstream/crashstream/pkg/monitor"
)

// EmitFunc hands a captured event to the SDK core.
type EmitFunc func(*monitor.Event)

// ErrorCapture hooks the platform's unhandled-failure sources.
type ErrorCapture interface {
	// Init subscribes to the platform's error sources. Events flow through
	// emit until Destroy.
	Init(emit EmitFunc) error
	// Capture synthesizes an error event from an explicit error value.
	Capture(err error, extra monitor.Map)
	Destroy()
}

// Performance observes the platform's timing sources, HTTP clients
// included.
type Performance interface {
	Start(emit EmitFunc) error
	// PagePerformance returns navigation/startup timings where the
	// platform has them, else nil.
	PagePerformance() map[string]float64
	Destroy()
}

// Behavior records user-interaction breadcrumbs.
type Behavior interface {
	Start(emit EmitFunc) error
	Track(data monitor.BehaviorData)
	Destroy()
}

// Network is the sole capability allowed to upload telemetry. An
// implementation must hold a transport that is not observed by any
// performance instrumentation, so uploads can never generate events about
// themselves.
type Network interface {
	// Send uploads reports to the ingestion endpoint, one record per
	// request. The first failing record aborts and returns its error.
	Send(ctx context.Context, url string, reports []*monitor.Report) error
}

// Storage is an optional key-value store for offline caching.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Adapter is the capability bundle for one platform.
type Adapter struct {
	// Name tags outgoing events (e.g. "web", "memory").
	Name string

	ErrorCapture ErrorCapture
	Performance  Performance
	Behavior     Behavior
	Network      Network
	Storage      Storage
}

// Capabilities lists the non-nil capabilities, for startup logging.
func (a *Adapter) Capabilities() []string {
	var caps []string
	if a.ErrorCapture != nil {
		caps = append(caps, "errorCapture")
	}
	if a.Performance != nil {
		caps = append(caps, "performance")
	}
	if a.Behavior != nil {
		caps = append(caps, "behavior")
	}
	if a.Network != nil {
		caps = append(caps, "network")
	}
	if a.Storage != nil {
		caps = append(caps, "storage")
	}
	return caps
}
