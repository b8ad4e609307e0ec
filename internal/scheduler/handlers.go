package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/havenwatch/sentinel/internal/alerting"
	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/notification"
	"github.com/havenwatch/sentinel/internal/response"
)

// EscalationHandler scans open incidents against the per-severity escalation
// policies. It runs independently of the synchronous creation path and is
// idempotent: an already-escalated incident is skipped on later scans.
type EscalationHandler struct {
	logger    *slog.Logger
	registry  *incident.Registry
	responses *response.Engine
	notifier  *notification.Manager
	policies  map[domain.Severity]config.EscalationPolicy
	now       func() time.Time
}

// NewEscalationHandler validates the policy severities and builds the
// handler.
func NewEscalationHandler(
	cfg config.EscalationConfig,
	logger *slog.Logger,
	registry *incident.Registry,
	responses *response.Engine,
	notifier *notification.Manager,
) (*EscalationHandler, error) {
	policies := make(map[domain.Severity]config.EscalationPolicy, len(cfg.Policies))
	for raw, policy := range cfg.Policies {
		sev, err := domain.ParseSeverity(raw)
		if err != nil {
			return nil, err
		}
		policies[sev] = policy
	}
	return &EscalationHandler{
		logger:    logger.With("component", "escalation"),
		registry:  registry,
		responses: responses,
		notifier:  notifier,
		policies:  policies,
		now:       time.Now,
	}, nil
}

// Name implements Handler.
func (h *EscalationHandler) Name() string { return "escalation-scan" }

// Execute runs one scan over all open incidents.
func (h *EscalationHandler) Execute(ctx context.Context) error {
	open, err := h.registry.Open()
	if err != nil {
		return fmt.Errorf("failed to list open incidents: %w", err)
	}

	escalated := 0
	for _, inc := range open {
		if inc.Escalated {
			continue
		}
		policy, ok := h.policies[inc.Severity]
		if !ok {
			continue
		}
		age := h.now().Sub(inc.DetectionTime)
		if !policy.EscalateImmediately && (policy.EscalationAge <= 0 || age < policy.EscalationAge) {
			continue
		}

		changed, err := h.registry.MarkEscalated(inc.ID)
		if err != nil {
			h.logger.Error("failed to mark incident escalated", "incident_id", inc.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		escalated++

		delivered := h.notifyEscalation(ctx, inc, policy, age)
		details := fmt.Sprintf("age %s, severity %s", age.Truncate(time.Second), inc.Severity)
		if recErr := h.responses.RecordEscalation(inc.ID, details, delivered); recErr != nil {
			h.logger.Error("failed to record escalation", "incident_id", inc.ID, "error", recErr)
		}
	}

	if escalated > 0 {
		h.logger.Info("escalation scan completed", "open", len(open), "escalated", escalated)
	}
	return nil
}

// notifyEscalation contacts every configured contact-class/channel pair.
// It reports whether every delivery succeeded.
func (h *EscalationHandler) notifyEscalation(ctx context.Context, inc incident.Incident, policy config.EscalationPolicy, age time.Duration) bool {
	channels := policy.NotifyChannels
	if len(channels) == 0 {
		channels = []string{"default"}
	}
	allDelivered := true
	msg := fmt.Sprintf("incident escalated: %s (%s, open for %s)", inc.Title, inc.Severity, age.Truncate(time.Second))
	for _, class := range policy.ContactClasses {
		for _, channel := range channels {
			delivered, err := h.notifier.Notify(ctx, class, notification.PriorityFor(inc.Severity), msg, map[string]string{
				"incident_id": inc.ID,
				"kind":        inc.Kind,
				"channel":     channel,
				"subject_id":  inc.SubjectID,
			})
			if err != nil || !delivered {
				allDelivered = false
			}
		}
	}
	return allDelivered
}

// CleanupHandler prunes resolved alert history past retention along with
// expired per-rule occurrence windows.
type CleanupHandler struct {
	logger    *slog.Logger
	engine    *alerting.Engine
	retention time.Duration
}

// NewCleanupHandler builds the cleanup handler.
func NewCleanupHandler(engine *alerting.Engine, retention time.Duration, logger *slog.Logger) *CleanupHandler {
	return &CleanupHandler{
		logger:    logger.With("component", "cleanup"),
		engine:    engine,
		retention: retention,
	}
}

// Name implements Handler.
func (h *CleanupHandler) Name() string { return "history-cleanup" }

// Execute prunes expired history.
func (h *CleanupHandler) Execute(_ context.Context) error {
	removed, err := h.engine.CleanupHistory(h.retention)
	if err != nil {
		return fmt.Errorf("history cleanup failed: %w", err)
	}
	if removed > 0 {
		h.logger.Info("alert history cleaned", "removed", removed, "retention", h.retention)
	}
	return nil
}

// Refresher is implemented by the metrics collector.
type Refresher interface {
	Refresh() error
}

// MetricsHandler periodically refreshes gauge-style metrics from component
// stats.
type MetricsHandler struct {
	refresher Refresher
}

// NewMetricsHandler builds the metrics refresh handler.
func NewMetricsHandler(refresher Refresher) *MetricsHandler {
	return &MetricsHandler{refresher: refresher}
}

// Name implements Handler.
func (h *MetricsHandler) Name() string { return "metrics-refresh" }

// Execute refreshes the metrics.
func (h *MetricsHandler) Execute(_ context.Context) error {
	if err := h.refresher.Refresh(); err != nil {
		return fmt.Errorf("metrics refresh failed: %w", err)
	}
	return nil
}
