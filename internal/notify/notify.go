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

// Package notify delivers alert notifications over email, generic webhooks,
// Slack and DingTalk. Each channel sits behind a circuit breaker and a
// minimum send interval so a broken or slow receiver cannot back the whole
// alert queue up. Delivery outcome is written back to the alert history row.
package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/crashstream/crashstream/internal/store"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Job is one notification to fan out. The evaluator inserts the pending
// history row first, so HistoryID is always set.
type Job struct {
	HistoryID int64
	Rule      *store.AlertRule
	Project   *store.ProjectConfig
	// Aggregation is the triggering error group; nil for project-scope
	// rules such as error rate.
	Aggregation *store.ErrorAggregation
	// Value is the measured value that crossed the rule threshold.
	Value float64
	// Message is the evaluator's one-line summary.
	Message string
}

// Message is a rendered notification.
type Message struct {
	Subject string
	HTML    string
	Text    string
}

// EmailConfig holds the SMTP relay settings. An empty Host disables the
// email channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config selects and configures the delivery channels. Channels with an
// empty endpoint are skipped, not failed.
type Config struct {
	Email       EmailConfig
	WebhookURL  string
	SlackURL    string
	DingtalkURL string

	// MinSendInterval spaces out sends per channel. Default 1s.
	MinSendInterval time.Duration
}

// Sender delivers one rendered message over a single channel.
type Sender interface {
	Send(ctx context.Context, job Job, msg *Message) error
}

// channel wraps a sender with its breaker and pacing state.
type channel struct {
	sender  Sender
	breaker *gobreaker.CircuitBreaker[struct{}]

	mtx      sync.Mutex
	lastSend time.Time
}

type notifierMetrics struct {
	sent     *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newNotifierMetrics(reg prometheus.Registerer) *notifierMetrics {
	m := &notifierMetrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashstream_notifications_sent_total",
			Help: "Notifications delivered, by channel.",
		}, []string{"channel"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashstream_notification_failures_total",
			Help: "Notification delivery failures, by channel.",
		}, []string{"channel"}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.failures)
	}
	return m
}

// Notifier fans one alert out to the channels its rule names and records the
// outcome on the history row. Safe for concurrent use.
type Notifier struct {
	store   store.Store
	logger  log.Logger
	metrics *notifierMetrics
	tmpl    *template.Template

	mtx      sync.RWMutex
	interval time.Duration
	channels map[store.Action]*channel
}

// New builds a notifier from cfg. Only channels with configured endpoints
// are wired; rules referencing an unconfigured channel log a warning at
// delivery time.
func New(cfg Config, s store.Store, logger log.Logger, reg prometheus.Registerer) (*Notifier, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse notification templates: %w", err)
	}

	n := &Notifier{
		store:   s,
		logger:  log.With(logger, "component", "notify"),
		metrics: newNotifierMetrics(reg),
		tmpl:    tmpl,
	}
	if err := n.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// ApplyConfig rebuilds the channel set from cfg, which is how config
// reloads reach the notifier. In-flight deliveries finish on the old
// channels; breaker and pacing state start over.
func (n *Notifier) ApplyConfig(cfg Config) error {
	if cfg.MinSendInterval <= 0 {
		cfg.MinSendInterval = time.Second
	}
	channels := map[store.Action]*channel{}
	register := func(action store.Action, s Sender) {
		channels[action] = &channel{
			sender: s,
			breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:    string(action),
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}),
		}
	}
	if cfg.Email.Host != "" {
		sender, err := newEmailSender(cfg.Email)
		if err != nil {
			return fmt.Errorf("email sender: %w", err)
		}
		register(store.ActionEmail, sender)
	}
	if cfg.WebhookURL != "" {
		register(store.ActionWebhook, newWebhookSender(cfg.WebhookURL))
	}
	if cfg.SlackURL != "" {
		register(store.ActionSlack, newSlackSender(cfg.SlackURL))
	}
	if cfg.DingtalkURL != "" {
		register(store.ActionDingtalk, newDingtalkSender(cfg.DingtalkURL))
	}

	n.mtx.Lock()
	n.interval = cfg.MinSendInterval
	n.channels = channels
	n.mtx.Unlock()
	return nil
}

// Handle is the queue handler: deliver, then flip the history row to sent.
// A returned error leaves the row pending for the retry; MarkFailed closes
// it out after the last attempt.
func (n *Notifier) Handle(ctx context.Context, job Job) error {
	if err := n.Notify(ctx, job); err != nil {
		return err
	}
	if err := n.store.UpdateAlertHistoryStatus(ctx, job.HistoryID, store.HistorySent); err != nil {
		_ = level.Warn(n.logger).Log("msg", "failed to mark alert history sent", "history", job.HistoryID, "err", err)
	}
	return nil
}

// MarkFailed records terminal delivery failure. Wire it as the queue's
// dead-letter hook.
func (n *Notifier) MarkFailed(job Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = level.Error(n.logger).Log("msg", "notification permanently failed", "history", job.HistoryID, "rule", job.Rule.Name, "err", cause)
	if err := n.store.UpdateAlertHistoryStatus(ctx, job.HistoryID, store.HistoryFailed); err != nil {
		_ = level.Warn(n.logger).Log("msg", "failed to mark alert history failed", "history", job.HistoryID, "err", err)
	}
}

// Notify renders the alert once and sends it over every channel the rule
// names. Channel failures are joined so one bad channel does not hide
// another; any failure makes the whole job retryable.
func (n *Notifier) Notify(ctx context.Context, job Job) error {
	msg, err := n.render(job)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	n.mtx.RLock()
	channels := n.channels
	n.mtx.RUnlock()

	var errs []error
	for _, action := range job.Rule.Actions {
		ch, ok := channels[action]
		if !ok {
			_ = level.Warn(n.logger).Log("msg", "notification channel not configured", "channel", action, "rule", job.Rule.Name)
			continue
		}
		if err := n.send(ctx, ch, action, job, msg); err != nil {
			n.metrics.failures.WithLabelValues(string(action)).Inc()
			_ = level.Warn(n.logger).Log("msg", "notification send failed", "channel", action, "rule", job.Rule.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", action, err))
			continue
		}
		n.metrics.sent.WithLabelValues(string(action)).Inc()
	}
	return errors.Join(errs...)
}

// send paces the channel and runs the delivery through its breaker.
func (n *Notifier) send(ctx context.Context, ch *channel, action store.Action, job Job, msg *Message) error {
	n.mtx.RLock()
	interval := n.interval
	n.mtx.RUnlock()

	ch.mtx.Lock()
	if wait := interval - time.Since(ch.lastSend); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			ch.mtx.Unlock()
			return ctx.Err()
		}
	}
	ch.lastSend = time.Now()
	ch.mtx.Unlock()

	_, err := ch.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, ch.sender.Send(ctx, job, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("circuit open for %s: %w", action, err)
	}
	return err
}

// templateData is what the email template renders from.
type templateData struct {
	ProjectName string
	ProjectID   string
	RuleName    string
	RuleType    string
	Message     string
	Value       string
	Threshold   string
	Window      string

	ErrorType   string
	ErrorMsg    string
	Occurrences string
	Users       string
	FirstSeen   string
	LastSeen    string
	Stack       string
}

func (n *Notifier) render(job Job) (*Message, error) {
	data := templateData{
		ProjectName: job.Project.Name,
		ProjectID:   job.Project.ProjectID,
		RuleName:    job.Rule.Name,
		RuleType:    string(job.Rule.Type),
		Message:     job.Message,
		Value:       humanize.CommafWithDigits(job.Value, 2),
		Threshold:   humanize.CommafWithDigits(job.Rule.Threshold, 2),
		Window:      (time.Duration(job.Rule.TimeWindowSeconds) * time.Second).String(),
	}
	if agg := job.Aggregation; agg != nil {
		data.ErrorType = agg.Type
		data.ErrorMsg = agg.Message
		data.Occurrences = humanize.Comma(agg.OccurrenceCount)
		data.Users = humanize.Comma(agg.AffectedUsers)
		data.FirstSeen = agg.FirstSeen.UTC().Format(time.RFC3339)
		data.LastSeen = agg.LastSeen.UTC().Format(time.RFC3339)
		data.Stack = truncate(agg.Stack, 2000)
	}

	var html bytes.Buffer
	if err := n.tmpl.ExecuteTemplate(&html, "alert_email.html.tmpl", data); err != nil {
		return nil, err
	}

	var text strings.Builder
	fmt.Fprintf(&text, "[%s] %s\n", job.Project.Name, job.Rule.Name)
	fmt.Fprintf(&text, "%s\n", job.Message)
	fmt.Fprintf(&text, "value %s, threshold %s over %s\n", data.Value, data.Threshold, data.Window)
	if data.ErrorType != "" {
		fmt.Fprintf(&text, "%s: %s (%s occurrences, %s users)\n", data.ErrorType, data.ErrorMsg, data.Occurrences, data.Users)
	}

	return &Message{
		Subject: fmt.Sprintf("[crashstream] %s: %s", job.Project.Name, job.Rule.Name),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
