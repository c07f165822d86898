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

package sdk

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrConfigInvalid wraps every configuration error New refuses to start
// with. It is the only error class the SDK propagates to its host.
var ErrConfigInvalid = errors.New("invalid sdk configuration")

// Environment tells the SDK where it runs; capture is off in development
// unless EnableInDev is set.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is the SDK configuration. ProjectID and ServerURL are required;
// everything else has working defaults (the Disable* flags follow the
// convention that the zero value enables the feature).
type Config struct {
	ProjectID      string
	ServerURL      string
	APIKey         string
	UserID         string
	Tags           map[string]string
	ProjectVersion string
	Environment    Environment
	EnableInDev    bool
	// SampleRate decides once per session whether this process reports at
	// all. 0 means the default of 1 (always). Use SampleOff to disable.
	SampleRate float64

	Error       ErrorConfig
	Performance PerformanceConfig
	Behavior    BehaviorConfig
	Report      ReportConfig
}

// SampleOff is a SampleRate that never samples in. An explicit 0 cannot
// mean "never" because 0 is the unset zero value.
const SampleOff = -1

// ErrorConfig tunes error capture.
type ErrorConfig struct {
	Disable bool
	// MaxErrors caps the client-side aggregation table. Default 100.
	MaxErrors int
	// Filters drop errors whose message matches any pattern (RE2).
	Filters []string
	// SampleRate drops errors per-event. 0 means the default of 1.
	SampleRate float64
	// MaxRecentErrors bounds the per-aggregation ring of retained events.
	// Default 5.
	MaxRecentErrors int
}

// PerformanceConfig tunes performance capture.
type PerformanceConfig struct {
	Disable               bool
	DisableResourceTiming bool
	DisableUserTiming     bool
	// SampleRate drops performance records per-event. 0 means 1.
	SampleRate float64
	// SlowRequestThreshold is the duration at which an HTTP timing is
	// reported as a slow request. Faster requests stay local. Default 2s.
	SlowRequestThreshold time.Duration
}

// BehaviorConfig tunes breadcrumb capture.
type BehaviorConfig struct {
	Disable bool
	// AutoTrackClick and AutoTrackPageView are honored by adapters that
	// can observe a UI; host-driven adapters ignore them.
	AutoTrackClick    bool
	AutoTrackPageView bool
	// MaxBehaviors bounds the breadcrumb ring. Default 100.
	MaxBehaviors int
}

// ReportConfig tunes the upload path.
type ReportConfig struct {
	// Interval between periodic flushes. Default 10s.
	Interval time.Duration
	// MaxQueueSize bounds the outgoing queue. Default 500.
	MaxQueueSize int
	// BatchSize is the most events one flush uploads. Default 50.
	BatchSize int
	// Timeout bounds one upload attempt. Default 5s.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a failed
	// upload before the batch goes back to the queue. Default 3.
	MaxRetries int
	// RetryDelay is the base backoff between attempts. Default 1s.
	RetryDelay time.Duration
	// DisableOfflineCache turns queue snapshot persistence off even when
	// the platform has storage.
	DisableOfflineCache bool
}

func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1
	}
	if c.Error.MaxErrors <= 0 {
		c.Error.MaxErrors = 100
	}
	if c.Error.SampleRate == 0 {
		c.Error.SampleRate = 1
	}
	if c.Error.MaxRecentErrors <= 0 {
		c.Error.MaxRecentErrors = 5
	}
	if c.Performance.SampleRate == 0 {
		c.Performance.SampleRate = 1
	}
	if c.Performance.SlowRequestThreshold <= 0 {
		c.Performance.SlowRequestThreshold = 2 * time.Second
	}
	if c.Behavior.MaxBehaviors <= 0 {
		c.Behavior.MaxBehaviors = 100
	}
	if c.Report.Interval <= 0 {
		c.Report.Interval = 10 * time.Second
	}
	if c.Report.MaxQueueSize <= 0 {
		c.Report.MaxQueueSize = 500
	}
	if c.Report.BatchSize <= 0 {
		c.Report.BatchSize = 50
	}
	if c.Report.Timeout <= 0 {
		c.Report.Timeout = 5 * time.Second
	}
	if c.Report.MaxRetries < 0 {
		c.Report.MaxRetries = 0
	} else if c.Report.MaxRetries == 0 {
		c.Report.MaxRetries = 3
	}
	if c.Report.RetryDelay <= 0 {
		c.Report.RetryDelay = time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrConfigInvalid)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("%w: serverUrl is required", ErrConfigInvalid)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: serverUrl %q is not an absolute URL", ErrConfigInvalid, c.ServerURL)
	}
	if err := validRate("sampleRate", c.SampleRate); err != nil {
		return err
	}
	if err := validRate("error.sampleRate", c.Error.SampleRate); err != nil {
		return err
	}
	if err := validRate("performance.sampleRate", c.Performance.SampleRate); err != nil {
		return err
	}
	for _, f := range c.Error.Filters {
		if _, err := regexp.Compile(f); err != nil {
			return fmt.Errorf("%w: error filter %q: %v", ErrConfigInvalid, f, err)
		}
	}
	return nil
}

func validRate(name string, r float64) error {
	if r == SampleOff {
		return nil
	}
	if r < 0 || r > 1 {
		return fmt.Errorf("%w: %s %v outside [0,1]", ErrConfigInvalid, name, r)
	}
	return nil
}

// reportURL joins the server base URL with the ingestion path.
func (c Config) reportURL() string {
	return strings.TrimSuffix(c.ServerURL, "/") + "/api/monitor/report"
}
