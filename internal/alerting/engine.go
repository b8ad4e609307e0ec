// Package alerting evaluates metric samples against the configured alert
// rules and decides, per rule, whether an alert is actually emitted given
// cooldown, hourly rate and debounce policy.
package alerting

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/syncx"
	"github.com/havenwatch/sentinel/internal/telemetry"
)

// Callback receives every emitted alert. A failing callback is logged and
// counted; it never aborts delivery to the remaining callbacks.
type Callback func(Alert) error

// ruleState pairs a validated rule with the mutable anti-spam state the
// engine owns for it: cooldown timestamp, hourly counter, occurrence history
// for debouncing and the adaptive baseline.
type ruleState struct {
	rule        Rule
	source      config.AlertRuleConfig
	lastFired   time.Time
	hourStart   time.Time
	hourCount   int
	occurrences []time.Time
	baseline    []float64
	fireCount   int64
}

// Engine owns the alert rules, their mutable state and the bounded alert
// history. All collections are guarded by a single bounded-wait lock;
// callbacks run with the lock released.
type Engine struct {
	logger   *slog.Logger
	mu       *syncx.TimedMutex
	lockWait time.Duration

	epsilon        float64
	debounceWindow time.Duration
	baselineCap    int
	baselineTrimTo int
	baselineMin    int
	blendFactor    float64
	maxHistory     int

	rules map[string]*ruleState
	order []string

	alerts     []*Alert
	alertIndex map[string]*Alert

	callbacks      []Callback
	callbackErrors int64

	evaluations          int64
	alertsFired          int64
	suppressedByCooldown int64
	suppressedByRate     int64
	suppressedByDebounce int64

	now func() time.Time
}

// NewEngine creates an alert rule engine with the configured tunables and
// registers the configured rule set. Malformed rules fail construction.
func NewEngine(cfg config.AlertingConfig, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		logger:         logger.With("component", "alerting"),
		mu:             syncx.NewTimedMutex(),
		lockWait:       cfg.LockWait,
		epsilon:        cfg.Epsilon,
		debounceWindow: cfg.DebounceWindow,
		baselineCap:    cfg.BaselineCapacity,
		baselineTrimTo: cfg.BaselineTrimTo,
		baselineMin:    cfg.BaselineMinValues,
		blendFactor:    cfg.BlendFactor,
		maxHistory:     cfg.MaxAlertHistory,
		rules:          make(map[string]*ruleState),
		alertIndex:     make(map[string]*Alert),
		now:            time.Now,
	}
	if err := e.SetRules(cfg.Rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules replaces the rule set. Rules whose ID already exists keep their
// accumulated cooldown, counter, occurrence and baseline state, so a hot
// reload does not reset anti-spam gating. The replacement is all-or-nothing:
// one malformed rule rejects the whole set.
func (e *Engine) SetRules(cfgs []config.AlertRuleConfig) error {
	parsed := make([]Rule, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for _, rc := range cfgs {
		rule, err := ParseRule(rc)
		if err != nil {
			return err
		}
		if seen[rule.ID] {
			return errs.Validation("rule.id", "duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		parsed = append(parsed, rule)
	}

	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()

	next := make(map[string]*ruleState, len(parsed))
	order := make([]string, 0, len(parsed))
	for i, rule := range parsed {
		rs := &ruleState{rule: rule, source: cfgs[i]}
		if prev, ok := e.rules[rule.ID]; ok {
			rs.lastFired = prev.lastFired
			rs.hourStart = prev.hourStart
			rs.hourCount = prev.hourCount
			rs.occurrences = prev.occurrences
			rs.baseline = prev.baseline
			rs.fireCount = prev.fireCount
			if rule.Adaptive && prev.rule.Adaptive {
				// Keep the adapted threshold across reloads of an unchanged rule.
				rs.rule.Threshold = prev.rule.Threshold
			}
		}
		next[rule.ID] = rs
		order = append(order, rule.ID)
	}
	e.rules = next
	e.order = order
	e.logger.Info("alert rules loaded", "count", len(order))
	return nil
}

// RegisterCallback adds a callback invoked for every emitted alert.
func (e *Engine) RegisterCallback(cb Callback) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		// Registration happens during wiring; contention here means the
		// process is already wedged.
		e.logger.Error("failed to register alert callback", "error", err)
		return
	}
	e.callbacks = append(e.callbacks, cb)
	e.mu.Unlock()
}

// Evaluate runs one sample through every rule matching its metric name and
// returns the alerts that fired. Within a rule, alerts are strictly ordered
// by evaluation time; across rules no ordering is guaranteed.
func (e *Engine) Evaluate(sample telemetry.Sample) ([]Alert, error) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	if err := e.mu.Lock(e.lockWait); err != nil {
		return nil, err
	}

	fired := make([]Alert, 0, 1)
	for _, id := range e.order {
		rs := e.rules[id]
		if rs.rule.Metric != sample.Metric {
			continue
		}
		e.evaluations++

		if rs.rule.Comparator.Matches(sample.Value, rs.rule.Threshold, e.epsilon) {
			rs.occurrences = pruneTimes(rs.occurrences, ts.Add(-e.debounceWindow))
			rs.occurrences = append(rs.occurrences, ts)

			if alert, ok := e.gateAndFire(rs, sample, ts); ok {
				fired = append(fired, alert)
			}
		}

		if rs.rule.Adaptive {
			e.updateBaseline(rs, sample.Value)
		}
	}
	callbacks := e.callbacks
	e.mu.Unlock()

	// Fan out with the engine lock released; a slow or failing callback
	// must not stall evaluation of the next sample.
	for _, alert := range fired {
		for _, cb := range callbacks {
			if err := cb(alert); err != nil {
				e.recordCallbackError(alert, err)
			}
		}
	}
	return fired, nil
}

// gateAndFire applies cooldown, hourly cap and debounce, in that order, and
// emits the alert when every gate passes. Caller holds the engine lock.
func (e *Engine) gateAndFire(rs *ruleState, sample telemetry.Sample, ts time.Time) (Alert, bool) {
	if !rs.lastFired.IsZero() && ts.Sub(rs.lastFired) < rs.rule.Cooldown {
		e.suppressedByCooldown++
		return Alert{}, false
	}

	hour := ts.Truncate(time.Hour)
	if !rs.hourStart.Equal(hour) {
		rs.hourStart = hour
		rs.hourCount = 0
	}
	if rs.hourCount >= rs.rule.MaxPerHour {
		e.suppressedByRate++
		return Alert{}, false
	}

	if len(rs.occurrences) < rs.rule.MinOccurrences {
		e.suppressedByDebounce++
		return Alert{}, false
	}

	alert := Alert{
		ID:          uuid.NewString(),
		RuleID:      rs.rule.ID,
		Severity:    rs.rule.Severity,
		Status:      StatusActive,
		Timestamp:   ts,
		Metric:      sample.Metric,
		Value:       sample.Value,
		Threshold:   rs.rule.Threshold,
		Tags:        rs.rule.Tags,
		Occurrences: len(rs.occurrences),
	}
	rs.lastFired = ts
	rs.hourCount++
	rs.fireCount++
	e.alertsFired++
	e.storeAlert(&alert)

	e.logger.Debug("alert fired",
		"rule_id", rs.rule.ID,
		"metric", sample.Metric,
		"value", sample.Value,
		"threshold", rs.rule.Threshold,
		"severity", rs.rule.Severity)
	return alert, true
}

// storeAlert appends to the bounded history, dropping oldest entries first.
// Caller holds the engine lock.
func (e *Engine) storeAlert(alert *Alert) {
	e.alerts = append(e.alerts, alert)
	e.alertIndex[alert.ID] = alert
	for len(e.alerts) > e.maxHistory {
		oldest := e.alerts[0]
		delete(e.alertIndex, oldest.ID)
		e.alerts = e.alerts[1:]
	}
}

// updateBaseline feeds the observed value into the rule's adaptive baseline
// and blends the live threshold toward a statistical candidate. The blend
// keeps a single outlier burst from desensitizing the rule outright.
// Caller holds the engine lock.
func (e *Engine) updateBaseline(rs *ruleState, value float64) {
	rs.baseline = append(rs.baseline, value)
	if len(rs.baseline) > e.baselineCap {
		kept := make([]float64, e.baselineTrimTo)
		copy(kept, rs.baseline[len(rs.baseline)-e.baselineTrimTo:])
		rs.baseline = kept
	}
	if len(rs.baseline) < e.baselineMin {
		return
	}

	mean, stddev := meanStddev(rs.baseline)
	var candidate float64
	switch {
	case rs.rule.Comparator.upward():
		candidate = mean + 2*stddev
	case rs.rule.Comparator.downward():
		candidate = mean - 2*stddev
	default:
		// Equality rules have no meaningful directional baseline.
		return
	}
	rs.rule.Threshold = e.blendFactor*rs.rule.Threshold + (1-e.blendFactor)*candidate
}

func (e *Engine) recordCallbackError(alert Alert, err error) {
	e.logger.Error("alert callback failed", "alert_id", alert.ID, "rule_id", alert.RuleID, "error", err)
	if lockErr := e.mu.Lock(e.lockWait); lockErr != nil {
		return
	}
	e.callbackErrors++
	e.mu.Unlock()
}

// ActiveAlerts returns a copy of every alert still in active status, oldest
// first.
func (e *Engine) ActiveAlerts() ([]Alert, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if a.Status == StatusActive {
			out = append(out, *a)
		}
	}
	return out, nil
}

// UpdateStatus transitions an alert out of active. Terminal states never
// transition again.
func (e *Engine) UpdateStatus(alertID string, status Status) error {
	if !status.Valid() || status == StatusActive {
		return errs.Validation("status", "invalid target alert status %q", status)
	}
	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()

	alert, ok := e.alertIndex[alertID]
	if !ok {
		return errs.NotFound("alert", alertID)
	}
	if alert.Status != StatusActive {
		return errs.Validation("status", "alert %s is already %s", alertID, alert.Status)
	}
	alert.Status = status
	return nil
}

// RuleThreshold returns the live threshold for a rule, which may have
// drifted under adaptive adjustment.
func (e *Engine) RuleThreshold(ruleID string) (float64, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	rs, ok := e.rules[ruleID]
	if !ok {
		return 0, errs.NotFound("rule", ruleID)
	}
	return rs.rule.Threshold, nil
}

// CleanupHistory drops non-active alerts older than retention and expired
// occurrence history. It returns the number of alerts removed.
func (e *Engine) CleanupHistory(retention time.Duration) (int, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	cutoff := e.now().Add(-retention)
	kept := e.alerts[:0]
	removed := 0
	for _, a := range e.alerts {
		if a.Status != StatusActive && a.Timestamp.Before(cutoff) {
			delete(e.alertIndex, a.ID)
			removed++
			continue
		}
		kept = append(kept, a)
	}
	e.alerts = kept

	occCutoff := e.now().Add(-e.debounceWindow)
	for _, rs := range e.rules {
		rs.occurrences = pruneTimes(rs.occurrences, occCutoff)
	}
	return removed, nil
}

// Stats returns the engine's counters.
func (e *Engine) Stats() (Stats, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return Stats{}, err
	}
	defer e.mu.Unlock()

	active := 0
	for _, a := range e.alerts {
		if a.Status == StatusActive {
			active++
		}
	}
	byRule := make(map[string]int64, len(e.rules))
	for id, rs := range e.rules {
		byRule[id] = rs.fireCount
	}
	return Stats{
		TotalRules:            len(e.rules),
		Evaluations:           e.evaluations,
		AlertsFired:           e.alertsFired,
		SuppressedByCooldown:  e.suppressedByCooldown,
		SuppressedByRateLimit: e.suppressedByRate,
		SuppressedByDebounce:  e.suppressedByDebounce,
		ActiveAlerts:          active,
		HistorySize:           len(e.alerts),
		CallbackErrors:        e.callbackErrors,
		FiredByRule:           byRule,
	}, nil
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
