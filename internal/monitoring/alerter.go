package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/analytics"
	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertIngestFailureRate AlertType = "ingest_failure_rate"
	AlertFunnel            AlertType = "funnel"
)

// minFinishedRuns is the sample size below which the failure rate is not
// judged.
const minFinishedRuns = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a Snapshot into alerts and pushes them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Only critical funnel alerts are forwarded.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= minFinishedRuns && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertIngestFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingest failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed_runs":  snap.FailedRuns,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	for _, fa := range analytics.CriticalAlerts(snap.FunnelAlerts) {
		details := map[string]any{"alert_type": string(fa.Type), "value": fa.Value}
		if fa.Source != "" {
			details["source"] = fa.Source
		}
		if fa.FunnelName != "" {
			details["funnel"] = fa.FunnelName
		}
		if fa.StageName != "" {
			details["stage"] = fa.StageName
		}
		alerts = append(alerts, Alert{
			Type:      AlertFunnel,
			Severity:  string(fa.Severity),
			Message:   fa.Message,
			Details:   details,
			Timestamp: now,
		})
	}

	return alerts
}

// batch is the webhook body: every alert from one check in a single POST.
type batch struct {
	Service string    `json:"service"`
	SentAt  time.Time `json:"sent_at"`
	Alerts  []Alert   `json:"alerts"`
}

// SendAlerts posts alerts to the configured webhook as one batch, retrying
// 5xx and 429 replies. It returns how many alerts were delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	body, err := json.Marshal(batch{Service: "lead-funnel", SentAt: time.Now().UTC(), Alerts: alerts})
	if err != nil {
		zap.L().Error("monitoring: marshal alerts", zap.Error(err))
		return 0
	}

	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return a.post(ctx, body)
	}); err != nil {
		zap.L().Error("monitoring: alerts not delivered", zap.Int("alerts", len(alerts)), zap.Error(err))
		return 0
	}

	zap.L().Info("monitoring: alerts delivered", zap.Int("alerts", len(alerts)))
	return len(alerts)
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return resilience.NewFatalError(eris.Wrap(err, "monitoring: build webhook request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 300 {
		return nil
	}
	err = eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}
