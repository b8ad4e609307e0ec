package alerting

import (
	"time"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/errs"
)

// RuleState is the serializable form of a rule plus its accumulated
// anti-spam state, used by the snapshot boundary.
type RuleState struct {
	Source        config.AlertRuleConfig `json:"source"`
	LiveThreshold float64                `json:"live_threshold"`
	LastFired     time.Time              `json:"last_fired"`
	HourStart     time.Time              `json:"hour_start"`
	HourCount     int                    `json:"hour_count"`
	Occurrences   []time.Time            `json:"occurrences,omitempty"`
	Baseline      []float64              `json:"baseline,omitempty"`
	FireCount     int64                  `json:"fire_count"`
}

// State is the engine's full exportable state.
type State struct {
	Rules                 []RuleState `json:"rules"`
	Alerts                []Alert     `json:"alerts"`
	Evaluations           int64       `json:"evaluations"`
	AlertsFired           int64       `json:"alerts_fired"`
	SuppressedByCooldown  int64       `json:"suppressed_by_cooldown"`
	SuppressedByRateLimit int64       `json:"suppressed_by_rate_limit"`
	SuppressedByDebounce  int64       `json:"suppressed_by_debounce"`
	CallbackErrors        int64       `json:"callback_errors"`
}

// Export copies the full engine state for a snapshot.
func (e *Engine) Export() (State, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return State{}, err
	}
	defer e.mu.Unlock()

	st := State{
		Rules:                 make([]RuleState, 0, len(e.order)),
		Alerts:                make([]Alert, 0, len(e.alerts)),
		Evaluations:           e.evaluations,
		AlertsFired:           e.alertsFired,
		SuppressedByCooldown:  e.suppressedByCooldown,
		SuppressedByRateLimit: e.suppressedByRate,
		SuppressedByDebounce:  e.suppressedByDebounce,
		CallbackErrors:        e.callbackErrors,
	}
	for _, id := range e.order {
		rs := e.rules[id]
		occ := make([]time.Time, len(rs.occurrences))
		copy(occ, rs.occurrences)
		base := make([]float64, len(rs.baseline))
		copy(base, rs.baseline)
		st.Rules = append(st.Rules, RuleState{
			Source:        rs.source,
			LiveThreshold: rs.rule.Threshold,
			LastFired:     rs.lastFired,
			HourStart:     rs.hourStart,
			HourCount:     rs.hourCount,
			Occurrences:   occ,
			Baseline:      base,
			FireCount:     rs.fireCount,
		})
	}
	for _, a := range e.alerts {
		st.Alerts = append(st.Alerts, *a)
	}
	return st, nil
}

// Import replaces the engine state from a snapshot. Rule configurations are
// re-validated; a snapshot carrying a malformed rule is rejected whole.
func (e *Engine) Import(st State) error {
	type restored struct {
		state *ruleState
	}
	rules := make([]restored, 0, len(st.Rules))
	seen := make(map[string]bool, len(st.Rules))
	for _, rst := range st.Rules {
		rule, err := ParseRule(rst.Source)
		if err != nil {
			return err
		}
		if seen[rule.ID] {
			return errs.Validation("rule.id", "duplicate rule id %q in snapshot", rule.ID)
		}
		seen[rule.ID] = true
		rule.Threshold = rst.LiveThreshold
		rules = append(rules, restored{state: &ruleState{
			rule:        rule,
			source:      rst.Source,
			lastFired:   rst.LastFired,
			hourStart:   rst.HourStart,
			hourCount:   rst.HourCount,
			occurrences: rst.Occurrences,
			baseline:    rst.Baseline,
			fireCount:   rst.FireCount,
		}})
	}

	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.rules = make(map[string]*ruleState, len(rules))
	e.order = e.order[:0]
	for _, r := range rules {
		e.rules[r.state.rule.ID] = r.state
		e.order = append(e.order, r.state.rule.ID)
	}
	e.alerts = make([]*Alert, 0, len(st.Alerts))
	e.alertIndex = make(map[string]*Alert, len(st.Alerts))
	for i := range st.Alerts {
		a := st.Alerts[i]
		e.alerts = append(e.alerts, &a)
		e.alertIndex[a.ID] = &a
	}
	e.evaluations = st.Evaluations
	e.alertsFired = st.AlertsFired
	e.suppressedByCooldown = st.SuppressedByCooldown
	e.suppressedByRate = st.SuppressedByRateLimit
	e.suppressedByDebounce = st.SuppressedByDebounce
	e.callbackErrors = st.CallbackErrors
	return nil
}
