// Package metrics exposes the core's observable state as Prometheus
// metrics. The collector pulls component stats on a schedule rather than
// instrumenting every hot path.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/havenwatch/sentinel/internal/alerting"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/notification"
	"github.com/havenwatch/sentinel/internal/response"
	"github.com/havenwatch/sentinel/internal/telemetry"
)

// Collector refreshes Prometheus gauges from component stats.
type Collector struct {
	logger *slog.Logger

	store     *telemetry.Store
	engine    *alerting.Engine
	registry  *incident.Registry
	responses *response.Engine
	notifier  *notification.Manager

	samplesRetained      prometheus.Gauge
	rulesTotal           prometheus.Gauge
	evaluationsTotal     prometheus.Gauge
	alertsFiredTotal     prometheus.Gauge
	alertsActive         prometheus.Gauge
	alertHistorySize     prometheus.Gauge
	suppressedTotal      *prometheus.GaugeVec
	callbackErrorsTotal  prometheus.Gauge
	incidentsTotal       prometheus.Gauge
	incidentsOpen        prometheus.Gauge
	incidentsEscalated   prometheus.Gauge
	incidentsBySeverity  *prometheus.GaugeVec
	incidentsByStatus    *prometheus.GaugeVec
	responseFailures     prometheus.Gauge
	notificationsSent    prometheus.Gauge
	notificationFailures prometheus.Gauge
	notificationsLimited prometheus.Gauge
}

// NewCollector registers the metric set on reg and returns the collector.
func NewCollector(
	reg prometheus.Registerer,
	logger *slog.Logger,
	store *telemetry.Store,
	engine *alerting.Engine,
	registry *incident.Registry,
	responses *response.Engine,
	notifier *notification.Manager,
) *Collector {
	c := &Collector{
		logger:    logger.With("component", "metrics"),
		store:     store,
		engine:    engine,
		registry:  registry,
		responses: responses,
		notifier:  notifier,

		samplesRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_samples_retained", Help: "Number of metric samples currently retained.",
		}),
		rulesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_alert_rules", Help: "Number of registered alert rules.",
		}),
		evaluationsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_rule_evaluations_total", Help: "Total rule evaluations performed.",
		}),
		alertsFiredTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_alerts_fired_total", Help: "Total alerts emitted.",
		}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_alerts_active", Help: "Alerts currently in active status.",
		}),
		alertHistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_alert_history_size", Help: "Alerts retained in history.",
		}),
		suppressedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_alerts_suppressed_total", Help: "Alerts suppressed per anti-spam gate.",
		}, []string{"gate"}),
		callbackErrorsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_alert_callback_errors_total", Help: "Alert callback failures.",
		}),
		incidentsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_incidents_total", Help: "Total tracked incidents.",
		}),
		incidentsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_incidents_open", Help: "Incidents not yet resolved or closed.",
		}),
		incidentsEscalated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_incidents_escalated", Help: "Incidents with the escalated marker set.",
		}),
		incidentsBySeverity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_incidents_by_severity", Help: "Incidents per severity.",
		}, []string{"severity"}),
		incidentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_incidents_by_status", Help: "Incidents per lifecycle status.",
		}, []string{"status"}),
		responseFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_response_action_failures_total", Help: "Failed response action executions.",
		}),
		notificationsSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_notifications_sent_total", Help: "Delivered notifications.",
		}),
		notificationFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_notification_failures_total", Help: "Notification delivery failures.",
		}),
		notificationsLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_notifications_rate_limited_total", Help: "Notifications dropped by rate limiting.",
		}),
	}

	reg.MustRegister(
		c.samplesRetained, c.rulesTotal, c.evaluationsTotal, c.alertsFiredTotal,
		c.alertsActive, c.alertHistorySize, c.suppressedTotal, c.callbackErrorsTotal,
		c.incidentsTotal, c.incidentsOpen, c.incidentsEscalated,
		c.incidentsBySeverity, c.incidentsByStatus, c.responseFailures,
		c.notificationsSent, c.notificationFailures, c.notificationsLimited,
	)
	return c
}

// Refresh pulls current stats from every component and updates the gauges.
func (c *Collector) Refresh() error {
	if count, err := c.store.SampleCount(); err == nil {
		c.samplesRetained.Set(float64(count))
	} else {
		return err
	}

	stats, err := c.engine.Stats()
	if err != nil {
		return err
	}
	c.rulesTotal.Set(float64(stats.TotalRules))
	c.evaluationsTotal.Set(float64(stats.Evaluations))
	c.alertsFiredTotal.Set(float64(stats.AlertsFired))
	c.alertsActive.Set(float64(stats.ActiveAlerts))
	c.alertHistorySize.Set(float64(stats.HistorySize))
	c.suppressedTotal.WithLabelValues("cooldown").Set(float64(stats.SuppressedByCooldown))
	c.suppressedTotal.WithLabelValues("rate_limit").Set(float64(stats.SuppressedByRateLimit))
	c.suppressedTotal.WithLabelValues("debounce").Set(float64(stats.SuppressedByDebounce))
	c.callbackErrorsTotal.Set(float64(stats.CallbackErrors))

	sum, err := c.registry.Summary("")
	if err != nil {
		return err
	}
	c.incidentsTotal.Set(float64(sum.Total))
	c.incidentsOpen.Set(float64(sum.Open))
	c.incidentsEscalated.Set(float64(sum.Escalated))
	for sev, n := range sum.BySeverity {
		c.incidentsBySeverity.WithLabelValues(sev).Set(float64(n))
	}
	for status, n := range sum.ByStatus {
		c.incidentsByStatus.WithLabelValues(status).Set(float64(n))
	}

	failures, err := c.responses.Failures()
	if err != nil {
		return err
	}
	c.responseFailures.Set(float64(failures))

	c.notificationsSent.Set(float64(c.notifier.Sent()))
	c.notificationFailures.Set(float64(c.notifier.Failures()))
	c.notificationsLimited.Set(float64(c.notifier.RateLimited()))
	return nil
}
