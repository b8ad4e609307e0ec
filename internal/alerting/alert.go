package alerting

import (
	"time"

	"github.com/havenwatch/sentinel/internal/domain"
)

// Status is the lifecycle state of an alert. Alerts are created active and
// move to exactly one terminal state.
type Status string

const (
	StatusActive     Status = "active"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
	StatusIgnored    Status = "ignored"
)

// Valid reports whether s is a known alert status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusResolved, StatusSuppressed, StatusIgnored:
		return true
	}
	return false
}

// Alert is a de-duplicated notification that a metric crossed a rule's
// threshold after all anti-spam gates passed. Only Status changes after
// creation.
type Alert struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	Severity    domain.Severity `json:"severity"`
	Status      Status          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Metric      string          `json:"metric"`
	Value       float64         `json:"observed_value"`
	Threshold   float64         `json:"threshold_value"`
	Tags        []string        `json:"tags,omitempty"`
	Occurrences int             `json:"occurrences"`
}

// Stats is the engine's observable counter surface. Collaborator failures
// show up here rather than failing individual evaluations.
type Stats struct {
	TotalRules            int              `json:"total_rules"`
	Evaluations           int64            `json:"evaluations"`
	AlertsFired           int64            `json:"alerts_fired"`
	SuppressedByCooldown  int64            `json:"suppressed_by_cooldown"`
	SuppressedByRateLimit int64            `json:"suppressed_by_rate_limit"`
	SuppressedByDebounce  int64            `json:"suppressed_by_debounce"`
	ActiveAlerts          int              `json:"active_alerts"`
	HistorySize           int              `json:"history_size"`
	CallbackErrors        int64            `json:"callback_errors"`
	FiredByRule           map[string]int64 `json:"fired_by_rule,omitempty"`
}
