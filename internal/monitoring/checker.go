package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
	"github.com/sells-group/lead-funnel/internal/metrics"
)

const (
	defaultInterval = time.Hour
	defaultLookback = 24
)

// Checker evaluates ingest health on an interval. An alert that was already
// delivered by the previous check is not delivered again until it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	metrics   *metrics.Ingest
	log       *zap.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewChecker wires a checker. m may be nil.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, m *metrics.Ingest) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		metrics:   m,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		active:    make(map[string]bool),
	}
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	every := c.interval()
	c.log.Info("alert checker started", zap.Duration("interval", every), zap.Int("lookback_hours", c.lookback()))

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if ctx.Err() == nil {
			if _, err := c.Check(ctx); err != nil {
				c.log.Error("monitoring: check failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot, publishes the alert gauges and delivers alerts
// that are new since the last check. It returns every alert triggered now.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.lookback())
	if err != nil {
		return nil, err
	}
	c.metrics.Alerts(snap.SeverityCounts())

	alerts := c.alerter.Evaluate(snap)
	fresh := c.remember(alerts)
	if len(fresh) == 0 {
		c.log.Debug("monitoring: nothing new to report", zap.Int("active", len(alerts)))
		return alerts, nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	if sent == 0 {
		c.forget(fresh)
	}
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return alerts, nil
}

func alertKey(a Alert) string {
	return string(a.Type) + "|" + a.Message
}

// remember replaces the active set with alerts and returns those not active before.
func (c *Checker) remember(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		k := alertKey(a)
		if !c.active[k] && !next[k] {
			fresh = append(fresh, a)
		}
		next[k] = true
	}
	c.active = next
	return fresh
}

// forget drops undelivered alerts so the next check retries them.
func (c *Checker) forget(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range alerts {
		delete(c.active, alertKey(a))
	}
}

func (c *Checker) interval() time.Duration {
	if d := time.Duration(c.cfg.IntervalMinutes) * time.Minute; d > 0 {
		return d
	}
	return defaultInterval
}

func (c *Checker) lookback() int {
	if c.cfg.LookbackHours <= 0 {
		return defaultLookback
	}
	return c.cfg.LookbackHours
}
