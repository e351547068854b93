package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
)

const (
	DefaultTimeout    = 10 * time.Second
	MaxRecentFailures = 5

	embedTitle = "AI Test Regression Alert"
	embedColor = 0xff0000
)

// #region payload

// Failure is one failing case included for context.
type Failure struct {
	TestCaseID string   `json:"test_case_id"`
	Name       string   `json:"name"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Payload is the alert body. Embeds makes it render in Discord-style sinks.
type Payload struct {
	ScheduleID     string    `json:"schedule_id"`
	ScheduleName   string    `json:"schedule_name"`
	PassRate       int       `json:"pass_rate"`
	Threshold      float64   `json:"threshold"`
	Total          int       `json:"total"`
	Passed         int       `json:"passed"`
	Failed         int       `json:"failed"`
	EvalRunID      string    `json:"eval_run_id,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at"`
	RecentFailures []Failure `json:"recent_failures,omitempty"`
	Embeds         []Embed   `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields"`
	Timestamp   string       `json:"timestamp"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// WithEmbed fills Embeds from the flat fields and caps RecentFailures.
func (p Payload) WithEmbed() Payload {
	if len(p.RecentFailures) > MaxRecentFailures {
		p.RecentFailures = p.RecentFailures[:MaxRecentFailures]
	}
	runID := p.EvalRunID
	if runID == "" {
		runID = "N/A"
	}
	p.Embeds = []Embed{{
		Title:       embedTitle,
		Description: fmt.Sprintf("Schedule **%s** pass rate dropped below threshold.", p.ScheduleName),
		Color:       embedColor,
		Fields: []EmbedField{
			{Name: "Pass Rate", Value: fmt.Sprintf("%d%%", p.PassRate), Inline: true},
			{Name: "Threshold", Value: fmt.Sprintf("%g%%", p.Threshold), Inline: true},
			{Name: "Tests", Value: fmt.Sprintf("%d/%d passed", p.Passed, p.Total), Inline: true},
			{Name: "Eval Run ID", Value: runID},
		},
		Timestamp: p.TriggeredAt.UTC().Format(time.RFC3339),
	}}
	return p
}

// #endregion payload

// #region notifier

// Notifier delivers alerts to webhooks.
type Notifier struct {
	client *http.Client
	log    *zap.Logger
}

// New returns a notifier; timeout <= 0 uses DefaultTimeout.
func New(timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		log:    logging.OrNop(log).Named("alert"),
	}
}

// Send POSTs p as JSON to url. Non-2xx replies are Upstream errors.
func (n *Notifier) Send(ctx context.Context, url string, p Payload) error {
	const op = "send alert"
	url = strings.TrimSpace(url)
	if url == "" {
		return apperr.Validation(op, "webhook url is empty")
	}
	body, err := json.Marshal(p.WithEmbed())
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Validation(op, "bad webhook url: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return apperr.Upstream(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Upstream(op, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	n.log.Info("alert sent",
		zap.String("schedule", p.ScheduleName),
		zap.Int("pass_rate", p.PassRate),
		zap.Float64("threshold", p.Threshold),
	)
	return nil
}

// #endregion notifier
