package alerting

import (
	"math"
	"time"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/errs"
)

// Comparator is the closed set of threshold comparisons a rule may use.
// Unknown comparators are rejected when the rule is registered, never at
// evaluation time.
type Comparator string

const (
	CompGreater      Comparator = ">"
	CompLess         Comparator = "<"
	CompGreaterEqual Comparator = ">="
	CompLessEqual    Comparator = "<="
	CompEqual        Comparator = "=="
	CompNotEqual     Comparator = "!="
)

// ParseComparator converts a configuration string into a Comparator.
func ParseComparator(s string) (Comparator, error) {
	switch c := Comparator(s); c {
	case CompGreater, CompLess, CompGreaterEqual, CompLessEqual, CompEqual, CompNotEqual:
		return c, nil
	default:
		return "", errs.Validation("comparator", "unknown comparator %q", s)
	}
}

// Matches evaluates value against threshold. Equality and inequality use
// epsilon to tolerate floating-point noise.
func (c Comparator) Matches(value, threshold, epsilon float64) bool {
	switch c {
	case CompGreater:
		return value > threshold
	case CompLess:
		return value < threshold
	case CompGreaterEqual:
		return value >= threshold
	case CompLessEqual:
		return value <= threshold
	case CompEqual:
		return math.Abs(value-threshold) <= epsilon
	case CompNotEqual:
		return math.Abs(value-threshold) > epsilon
	default:
		return false
	}
}

// upward reports whether the comparator fires on values above the threshold,
// which decides the direction of the adaptive baseline candidate.
func (c Comparator) upward() bool {
	return c == CompGreater || c == CompGreaterEqual
}

// downward is the mirror of upward.
func (c Comparator) downward() bool {
	return c == CompLess || c == CompLessEqual
}

// Rule is a validated alert rule. Threshold is the live value and may drift
// under adaptive adjustment; the configured origin stays in the rule config.
type Rule struct {
	ID             string
	Metric         string
	Comparator     Comparator
	Threshold      float64
	Severity       domain.Severity
	Cooldown       time.Duration
	MinOccurrences int
	MaxPerHour     int
	Adaptive       bool
	Tags           []string
}

// ParseRule validates a rule configuration. All constraints are enforced
// here so evaluation never sees a malformed rule.
func ParseRule(cfg config.AlertRuleConfig) (Rule, error) {
	if cfg.ID == "" {
		return Rule{}, errs.Validation("rule.id", "rule id must not be empty")
	}
	if cfg.Metric == "" {
		return Rule{}, errs.Validation("rule.metric", "rule %s: metric must not be empty", cfg.ID)
	}
	comp, err := ParseComparator(cfg.Comparator)
	if err != nil {
		return Rule{}, err
	}
	sev, err := domain.ParseSeverity(cfg.Severity)
	if err != nil {
		return Rule{}, err
	}
	if cfg.CooldownSeconds < 0 {
		return Rule{}, errs.Validation("rule.cooldown_seconds", "rule %s: cooldown must not be negative", cfg.ID)
	}
	if cfg.MaxAlertsPerHour < 1 {
		return Rule{}, errs.Validation("rule.max_alerts_per_hour", "rule %s: max alerts per hour must be at least 1", cfg.ID)
	}
	minOcc := cfg.MinOccurrences
	if minOcc < 1 {
		minOcc = 1
	}
	return Rule{
		ID:             cfg.ID,
		Metric:         cfg.Metric,
		Comparator:     comp,
		Threshold:      cfg.Threshold,
		Severity:       sev,
		Cooldown:       time.Duration(cfg.CooldownSeconds) * time.Second,
		MinOccurrences: minOcc,
		MaxPerHour:     cfg.MaxAlertsPerHour,
		Adaptive:       cfg.Adaptive,
		Tags:           cfg.Tags,
	}, nil
}
