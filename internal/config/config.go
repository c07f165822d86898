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

// Package config loads the server's YAML configuration file. The file holds
// the parts of the deployment that change without a restart: alert delivery
// channels and the diagnosis model. Endpoints, storage and queue sizing stay
// on flags. Load expands ${VAR} references against the environment before
// decoding, so credentials never have to live in the file itself.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"

	"github.com/crashstream/crashstream/internal/diagnose"
	"github.com/crashstream/crashstream/internal/notify"
)

// Config is the top-level file layout.
type Config struct {
	Alerting  Alerting  `yaml:"alerting"`
	Diagnosis Diagnosis `yaml:"diagnosis"`
}

// Email configures the SMTP relay. An empty host disables the channel.
type Email struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Alerting selects the notification channels. Channels with an empty
// endpoint are disabled. Applied on reload.
type Alerting struct {
	Email       Email  `yaml:"email"`
	WebhookURL  string `yaml:"webhookUrl"`
	SlackURL    string `yaml:"slackUrl"`
	DingtalkURL string `yaml:"dingtalkUrl"`

	// MinSendInterval spaces out sends per channel. Default 1s.
	MinSendInterval model.Duration `yaml:"minSendInterval"`
}

// Diagnosis configures the LLM root-cause worker. An empty API key disables
// the stage. Takes effect on restart, not reload, because the worker pool is
// built once at startup.
type Diagnosis struct {
	APIKey    string `yaml:"apiKey"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"maxTokens"`
}

// NotifyConfig converts the alerting section into the notifier's config.
func (a Alerting) NotifyConfig() notify.Config {
	return notify.Config{
		Email: notify.EmailConfig{
			Host:     a.Email.Host,
			Port:     a.Email.Port,
			Username: a.Email.Username,
			Password: a.Email.Password,
			From:     a.Email.From,
		},
		WebhookURL:      a.WebhookURL,
		SlackURL:        a.SlackURL,
		DingtalkURL:     a.DingtalkURL,
		MinSendInterval: time.Duration(a.MinSendInterval),
	}
}

// DiagnoseConfig converts the diagnosis section into the worker's config.
func (d Diagnosis) DiagnoseConfig() diagnose.Config {
	return diagnose.Config{
		APIKey:    d.APIKey,
		Model:     d.Model,
		MaxTokens: d.MaxTokens,
	}
}

// Load reads, expands and validates the file at path. An empty path yields
// the zero config, which disables every optional subsystem.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.Expand(string(raw), func(v string) string {
		return os.Getenv(v)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if h := c.Alerting.Email.Host; h != "" {
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required when a host is set")
		}
		if c.Alerting.Email.Port == 0 {
			c.Alerting.Email.Port = 587
		}
		if c.Alerting.Email.Port < 0 || c.Alerting.Email.Port > 65535 {
			return fmt.Errorf("alerting.email.port %d out of range", c.Alerting.Email.Port)
		}
	}
	if c.Alerting.MinSendInterval < 0 {
		return fmt.Errorf("alerting.minSendInterval must not be negative")
	}
	if c.Diagnosis.MaxTokens < 0 {
		return fmt.Errorf("diagnosis.maxTokens must not be negative")
	}
	return nil
}
