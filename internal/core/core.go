// Package core wires the alerting pipeline together and exposes the
// service's external interface: telemetry ingress, detection ingress, query
// egress, configuration reload and the snapshot boundary.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/havenwatch/sentinel/internal/alerting"
	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/notification"
	"github.com/havenwatch/sentinel/internal/response"
	"github.com/havenwatch/sentinel/internal/snapshot"
	"github.com/havenwatch/sentinel/internal/telemetry"
)

// incidentKindTag lets an alert rule choose the incident kind created for
// its alerts, e.g. "incident_kind:malware".
const incidentKindTag = "incident_kind:"

// defaultIncidentKind is used when a severe alert carries no kind tag.
const defaultIncidentKind = "telemetry-anomaly"

// Core owns the component graph. Cross-component calls always happen with
// the calling component's lock released; each component locks internally.
type Core struct {
	logger *slog.Logger

	Store     *telemetry.Store
	Alerts    *alerting.Engine
	Incidents *incident.Registry
	Responses *response.Engine
	Notifier  *notification.Manager

	incidentFloor domain.Severity
}

// New builds the component graph from configuration. The dispatcher is the
// external notification collaborator.
func New(cfg *config.Config, logger *slog.Logger, dispatcher notification.Dispatcher) (*Core, error) {
	notifier := notification.NewManager(cfg.Notifications, logger, dispatcher)
	store := telemetry.NewStore(cfg.Telemetry, logger)

	engine, err := alerting.NewEngine(cfg.Alerting, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build alert engine: %w", err)
	}

	registry := incident.NewRegistry(cfg.Incidents.LockWait, logger)

	responses, err := response.NewEngine(cfg.Response, logger, registry, notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to build response engine: %w", err)
	}

	floor, err := domain.ParseSeverity(cfg.Alerting.IncidentSeverityFloor)
	if err != nil {
		return nil, err
	}

	c := &Core{
		logger:        logger.With("component", "core"),
		Store:         store,
		Alerts:        engine,
		Incidents:     registry,
		Responses:     responses,
		Notifier:      notifier,
		incidentFloor: floor,
	}
	engine.RegisterCallback(c.onAlert)
	return c, nil
}

// RecordSample is the telemetry ingress: it appends the sample and runs it
// through the rule engine.
func (c *Core) RecordSample(metric string, value float64, ts time.Time) error {
	if err := c.Store.Append(metric, value, ts); err != nil {
		return err
	}
	_, err := c.Alerts.Evaluate(telemetry.Sample{Metric: metric, Value: value, Timestamp: ts})
	return err
}

// ReportIncident is the detection ingress: it registers the incident and
// synchronously executes the matching response rules.
func (c *Core) ReportIncident(ctx context.Context, p incident.CreateParams) (string, error) {
	inc, err := c.Incidents.Create(p)
	if err != nil {
		return "", err
	}
	if _, err := c.Responses.Execute(ctx, inc); err != nil {
		// The incident exists; the failed response pass is an operational
		// error, not a rejection of the report.
		c.logger.Error("automatic response failed", "incident_id", inc.ID, "error", err)
	}
	return inc.ID, nil
}

// onAlert is the bridge from alerts to incidents and notifications. High
// severity alerts open an incident whose kind comes from the rule's
// incident_kind tag.
func (c *Core) onAlert(a alerting.Alert) error {
	ctx := context.Background()
	_, notifyErr := c.Notifier.Notify(ctx, "operator", notification.PriorityFor(a.Severity),
		fmt.Sprintf("alert: %s %s %.4g (threshold %.4g)", a.Metric, a.Severity, a.Value, a.Threshold),
		map[string]string{"alert_id": a.ID, "rule_id": a.RuleID})

	if a.Severity.Rank() >= c.incidentFloor.Rank() {
		kind := defaultIncidentKind
		for _, tag := range a.Tags {
			if strings.HasPrefix(tag, incidentKindTag) {
				kind = strings.TrimPrefix(tag, incidentKindTag)
				break
			}
		}
		if _, err := c.ReportIncident(ctx, incident.CreateParams{
			Kind:     kind,
			Severity: a.Severity,
			Title:    fmt.Sprintf("%s threshold crossed", a.Metric),
			Description: fmt.Sprintf("rule %s observed %s=%.4g against threshold %.4g",
				a.RuleID, a.Metric, a.Value, a.Threshold),
			Source:   "alerting-engine",
			Evidence: []string{fmt.Sprintf("alert %s", a.ID)},
		}); err != nil {
			return err
		}
	}
	return notifyErr
}

// GetActiveAlerts is the query egress for alerts.
func (c *Core) GetActiveAlerts() ([]alerting.Alert, error) {
	return c.Alerts.ActiveAlerts()
}

// GetAlertStats exposes the engine counters.
func (c *Core) GetAlertStats() (alerting.Stats, error) {
	return c.Alerts.Stats()
}

// GetIncidentSummary aggregates incident state, with the response and
// notification failure counters attached so systemic delivery problems are
// visible without any individual call failing.
func (c *Core) GetIncidentSummary(subjectID string) (incident.Summary, error) {
	sum, err := c.Incidents.Summary(subjectID)
	if err != nil {
		return incident.Summary{}, err
	}
	failures, err := c.Responses.Failures()
	if err != nil {
		return incident.Summary{}, err
	}
	sum.ResponseFailures = failures
	sum.NotificationFailures = c.Notifier.Failures()
	return sum, nil
}

// SetConfig hot-reloads the alert and response rule sets. Both sets are
// validated before either engine is touched, and rules keeping their ID keep
// their accumulated cooldown and history state.
func (c *Core) SetConfig(alertRules []config.AlertRuleConfig, responseRules []config.ResponseRuleConfig) error {
	seen := make(map[string]bool, len(alertRules))
	for _, rc := range alertRules {
		if _, err := alerting.ParseRule(rc); err != nil {
			return err
		}
		if seen[rc.ID] {
			return fmt.Errorf("duplicate rule id %q", rc.ID)
		}
		seen[rc.ID] = true
	}
	seenResp := make(map[string]bool, len(responseRules))
	for _, rc := range responseRules {
		if _, err := response.ParseRule(rc); err != nil {
			return err
		}
		if seenResp[rc.ID] {
			return fmt.Errorf("duplicate response rule id %q", rc.ID)
		}
		seenResp[rc.ID] = true
	}

	if err := c.Alerts.SetRules(alertRules); err != nil {
		return err
	}
	if err := c.Responses.SetRules(responseRules); err != nil {
		return err
	}
	c.logger.Info("configuration reloaded",
		"alert_rules", len(alertRules),
		"response_rules", len(responseRules))
	return nil
}

// Export captures the full in-memory state.
func (c *Core) Export() (snapshot.Snapshot, error) {
	samples, err := c.Store.Export()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	alertState, err := c.Alerts.Export()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	incidents, err := c.Incidents.Export()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	respState, err := c.Responses.Export()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Snapshot{
		Version:   snapshot.Version,
		CreatedAt: time.Now().UTC(),
		Telemetry: samples,
		Alerting:  alertState,
		Incidents: incidents,
		Responses: respState,
	}, nil
}

// Import restores the full in-memory state from a snapshot.
func (c *Core) Import(s snapshot.Snapshot) error {
	if err := c.Alerts.Import(s.Alerting); err != nil {
		return err
	}
	if err := c.Responses.Import(s.Responses); err != nil {
		return err
	}
	if err := c.Incidents.Import(s.Incidents); err != nil {
		return err
	}
	if err := c.Store.Import(s.Telemetry); err != nil {
		return err
	}
	c.logger.Info("state imported",
		"incidents", len(s.Incidents),
		"alerts", len(s.Alerting.Alerts),
		"records", len(s.Responses.Records))
	return nil
}
