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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crashstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
alerting:
  email:
    host: smtp.example.com
    username: alerts
    password: ${CRASHSTREAM_TEST_SMTP_PASSWORD}
    from: alerts@example.com
  slackUrl: https://hooks.slack.com/services/T0/B0/x
  minSendInterval: 2s
diagnosis:
  apiKey: sk-test
  model: claude-sonnet-4-5
`)
	t.Setenv("CRASHSTREAM_TEST_SMTP_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com", cfg.Alerting.Email.Host)
	// Port falls back to the submission port.
	assert.Equal(t, 587, cfg.Alerting.Email.Port)
	assert.Equal(t, "hunter2", cfg.Alerting.Email.Password)
	assert.Equal(t, "https://hooks.slack.com/services/T0/B0/x", cfg.Alerting.SlackURL)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Alerting.MinSendInterval))
	assert.Equal(t, "sk-test", cfg.Diagnosis.APIKey)

	nc := cfg.Alerting.NotifyConfig()
	assert.Equal(t, "alerts@example.com", nc.Email.From)
	assert.Equal(t, 2*time.Second, nc.MinSendInterval)
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Alerting.Email.Host)
	assert.Empty(t, cfg.Diagnosis.APIKey)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	t.Parallel()
	for name, content := range map[string]string{
		"email without from": `
alerting:
  email:
    host: smtp.example.com
`,
		"port out of range": `
alerting:
  email:
    host: smtp.example.com
    from: a@example.com
    port: 70000
`,
		"bad duration": `
alerting:
  minSendInterval: soon
`,
		"not yaml": `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
