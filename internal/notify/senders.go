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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/wneessen/go-mail"
)

const sendTimeout = 30 * time.Second

// emailSender delivers over SMTP to the project's alert address.
type emailSender struct {
	client *mail.Client
	from   string
}

func newEmailSender(cfg EmailConfig) (*emailSender, error) {
	opts := []mail.Option{
		mail.WithTimeout(sendTimeout),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, err
	}
	return &emailSender{client: client, from: cfg.From}, nil
}

func (s *emailSender) Send(ctx context.Context, job Job, msg *Message) error {
	to := recipients(job.Project.AlertEmail)
	if len(to) == 0 {
		return fmt.Errorf("project %s has no alert email", job.Project.ProjectID)
	}
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(to...); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	return s.client.DialAndSendWithContext(ctx, m)
}

// recipients splits a comma-separated address list.
func recipients(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// webhookPayload is the generic webhook body.
type webhookPayload struct {
	ProjectID   string          `json:"projectId"`
	ProjectName string          `json:"projectName"`
	RuleName    string          `json:"ruleName"`
	RuleType    string          `json:"ruleType"`
	Value       float64         `json:"value"`
	Threshold   float64         `json:"threshold"`
	Message     string          `json:"message"`
	Aggregation json.RawMessage `json:"aggregation,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// webhookSender posts the alert as JSON to a fixed URL. Any non-2xx status
// is a failure.
type webhookSender struct {
	url    string
	client *http.Client
}

func newWebhookSender(url string) *webhookSender {
	return &webhookSender{url: url, client: &http.Client{Timeout: sendTimeout}}
}

func (s *webhookSender) Send(ctx context.Context, job Job, msg *Message) error {
	p := webhookPayload{
		ProjectID:   job.Project.ProjectID,
		ProjectName: job.Project.Name,
		RuleName:    job.Rule.Name,
		RuleType:    string(job.Rule.Type),
		Value:       job.Value,
		Threshold:   job.Rule.Threshold,
		Message:     job.Message,
		Timestamp:   time.Now().UTC(),
	}
	if job.Aggregation != nil {
		raw, err := json.Marshal(job.Aggregation)
		if err != nil {
			return fmt.Errorf("marshal aggregation: %w", err)
		}
		p.Aggregation = raw
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// slackSender posts through a Slack incoming webhook.
type slackSender struct {
	url string
}

func newSlackSender(url string) *slackSender { return &slackSender{url: url} }

func (s *slackSender) Send(ctx context.Context, job Job, msg *Message) error {
	color := "warning"
	if job.Aggregation != nil && job.Aggregation.ErrorLevel >= 3 {
		color = "danger"
	}
	wm := &slack.WebhookMessage{
		Text: msg.Subject,
		Attachments: []slack.Attachment{{
			Color: color,
			Text:  msg.Text,
			Fields: []slack.AttachmentField{
				{Title: "Project", Value: job.Project.Name, Short: true},
				{Title: "Rule", Value: job.Rule.Name, Short: true},
				{Title: "Value", Value: fmt.Sprintf("%.2f", job.Value), Short: true},
				{Title: "Threshold", Value: fmt.Sprintf("%.2f", job.Rule.Threshold), Short: true},
			},
		}},
	}
	return slack.PostWebhookContext(ctx, s.url, wm)
}

// dingtalkSender posts a markdown card to a DingTalk robot webhook.
// DingTalk signals failure inside a 200 response, so the errcode field is
// checked too.
type dingtalkSender struct {
	url    string
	client *http.Client
}

func newDingtalkSender(url string) *dingtalkSender {
	return &dingtalkSender{url: url, client: &http.Client{Timeout: sendTimeout}}
}

func (s *dingtalkSender) Send(ctx context.Context, job Job, msg *Message) error {
	var text strings.Builder
	fmt.Fprintf(&text, "### %s\n\n", msg.Subject)
	fmt.Fprintf(&text, "- project: **%s**\n", job.Project.Name)
	fmt.Fprintf(&text, "- rule: %s (%s)\n", job.Rule.Name, job.Rule.Type)
	fmt.Fprintf(&text, "- value: %.2f (threshold %.2f)\n", job.Value, job.Rule.Threshold)
	fmt.Fprintf(&text, "\n%s\n", job.Message)

	body, err := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": msg.Subject,
			"text":  text.String(),
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dingtalk returned %d", resp.StatusCode)
	}
	var ack struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode dingtalk response: %w", err)
	}
	if ack.ErrCode != 0 {
		return fmt.Errorf("dingtalk error %d: %s", ack.ErrCode, ack.ErrMsg)
	}
	return nil
}
