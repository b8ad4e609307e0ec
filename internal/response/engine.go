// Package response matches newly created incidents against configured
// response rules and executes each matched rule's ordered action sequence,
// recording one ResponseRecord per executed action.
package response

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/notification"
	"github.com/havenwatch/sentinel/internal/syncx"
)

// Recipient classes for action-driven notifications.
const (
	classSubjectGroup = "subject-group"
	classOperator     = "operator"
	classAuthority    = "external-authority"
	classEnforcement  = "enforcement"
)

// Engine owns the response rules and the append-only record log. Rule
// matching happens under the engine lock; action execution runs with the
// lock released because it calls into the registry and the notifier.
type Engine struct {
	logger   *slog.Logger
	mu       *syncx.TimedMutex
	lockWait time.Duration

	registry    *incident.Registry
	notifier    *notification.Manager
	performedBy string

	rules   []*Rule
	byID    map[string]*Rule
	sources []config.ResponseRuleConfig

	records  []Record
	failures int64

	now func() time.Time
}

// NewEngine creates a response engine and loads the configured rule set.
func NewEngine(cfg config.ResponseConfig, logger *slog.Logger, registry *incident.Registry, notifier *notification.Manager) (*Engine, error) {
	e := &Engine{
		logger:      logger.With("component", "response"),
		mu:          syncx.NewTimedMutex(),
		lockWait:    cfg.LockWait,
		registry:    registry,
		notifier:    notifier,
		performedBy: cfg.PerformedBy,
		byID:        make(map[string]*Rule),
		now:         time.Now,
	}
	if err := e.SetRules(cfg.Rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules replaces the rule set, all-or-nothing. Registration order is
// preserved; it decides execution order when multiple rules match.
func (e *Engine) SetRules(cfgs []config.ResponseRuleConfig) error {
	rules := make([]*Rule, 0, len(cfgs))
	byID := make(map[string]*Rule, len(cfgs))
	for _, rc := range cfgs {
		rule, err := ParseRule(rc)
		if err != nil {
			return err
		}
		if _, dup := byID[rule.ID]; dup {
			return errs.Validation("rule.id", "duplicate response rule id %q", rule.ID)
		}
		rules = append(rules, rule)
		byID[rule.ID] = rule
	}

	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.rules = rules
	e.byID = byID
	e.sources = append([]config.ResponseRuleConfig(nil), cfgs...)
	e.logger.Info("response rules loaded", "count", len(rules))
	return nil
}

// SetRuleEnabled toggles a rule at runtime.
func (e *Engine) SetRuleEnabled(ruleID string, enabled bool) error {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()

	rule, ok := e.byID[ruleID]
	if !ok {
		return errs.NotFound("response rule", ruleID)
	}
	rule.Enabled = enabled
	for i := range e.sources {
		if e.sources[i].ID == ruleID {
			e.sources[i].Enabled = enabled
		}
	}
	e.logger.Info("response rule toggled", "rule_id", ruleID, "enabled", enabled)
	return nil
}

// Execute runs every matching enabled rule against the incident, in
// registration order, executing each rule's actions in their configured
// order. One action's failure never blocks the remaining actions; each
// execution yields exactly one record.
func (e *Engine) Execute(ctx context.Context, inc incident.Incident) ([]Record, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return nil, err
	}
	type matched struct {
		ruleID  string
		actions []Action
	}
	plan := make([]matched, 0, len(e.rules))
	for _, rule := range e.rules {
		ok, err := rule.Matches(inc)
		if err != nil {
			e.logger.Error("response rule condition failed", "rule_id", rule.ID, "incident_id", inc.ID, "error", err)
			continue
		}
		if ok {
			plan = append(plan, matched{ruleID: rule.ID, actions: rule.Actions})
		}
	}
	e.mu.Unlock()

	records := make([]Record, 0, len(plan))
	for _, m := range plan {
		for _, action := range m.actions {
			rec := e.executeAction(ctx, inc, m.ruleID, action)
			records = append(records, rec)
		}
	}

	if len(records) > 0 {
		if err := e.mu.Lock(e.lockWait); err != nil {
			return records, err
		}
		e.records = append(e.records, records...)
		for _, rec := range records {
			if !rec.Success {
				e.failures++
			}
		}
		e.mu.Unlock()
	}
	return records, nil
}

// executeAction performs one action and builds its record. Runs without the
// engine lock held.
func (e *Engine) executeAction(ctx context.Context, inc incident.Incident, ruleID string, action Action) Record {
	rec := Record{
		ID:          uuid.NewString(),
		IncidentID:  inc.ID,
		Action:      action,
		Timestamp:   e.now(),
		PerformedBy: e.performedBy,
		Description: fmt.Sprintf("rule %s: %s", ruleID, action),
		Success:     true,
	}

	var err error
	switch action {
	case ActionInvestigate:
		err = e.registry.Transition(inc.ID, incident.StatusInvestigating)
	case ActionContain:
		err = e.registry.Transition(inc.ID, incident.StatusContained)
	case ActionRemediate:
		err = e.registry.Resolve(inc.ID, "automatically remediated", e.performedBy)
	case ActionEscalate:
		var changed bool
		changed, err = e.registry.MarkEscalated(inc.ID)
		if err == nil && changed {
			_, err = e.notifier.Notify(ctx, classOperator, notification.PriorityUrgent,
				fmt.Sprintf("incident %s escalated by response rule %s", inc.ID, ruleID),
				map[string]string{"incident_id": inc.ID, "rule_id": ruleID})
		}
	case ActionNotifySubjects:
		err = e.notifyFor(ctx, inc, classSubjectGroup, ruleID)
	case ActionNotifyOperator:
		err = e.notifyFor(ctx, inc, classOperator, ruleID)
	case ActionNotifyAuthority:
		err = e.notifyFor(ctx, inc, classAuthority, ruleID)
	case ActionIsolate, ActionQuarantine, ActionBlock:
		// Enforcement is carried out by the external collaborator; the
		// record reflects whether the command was accepted.
		err = e.enforce(ctx, inc, action, ruleID)
	case ActionMonitor:
		e.logger.Info("monitoring incident", "incident_id", inc.ID, "rule_id", ruleID)
	case ActionLog:
		e.logger.Info("incident logged by response rule",
			"incident_id", inc.ID,
			"rule_id", ruleID,
			"kind", inc.Kind,
			"severity", inc.Severity)
	}

	if err != nil {
		rec.Success = false
		rec.Details = err.Error()
		e.logger.Error("response action failed",
			"incident_id", inc.ID,
			"rule_id", ruleID,
			"action", action,
			"error", err)
	} else {
		if appendErr := e.registry.AppendAction(inc.ID, string(action)); appendErr != nil {
			e.logger.Error("failed to record action on incident", "incident_id", inc.ID, "error", appendErr)
		}
	}
	return rec
}

func (e *Engine) notifyFor(ctx context.Context, inc incident.Incident, class, ruleID string) error {
	delivered, err := e.notifier.Notify(ctx, class, notification.PriorityFor(inc.Severity),
		fmt.Sprintf("%s incident: %s", inc.Severity, inc.Title),
		map[string]string{
			"incident_id": inc.ID,
			"kind":        inc.Kind,
			"rule_id":     ruleID,
			"subject_id":  inc.SubjectID,
		})
	if err != nil {
		return err
	}
	if !delivered {
		return errs.Collaborator("notification-dispatcher", fmt.Errorf("notification to %s not delivered", class))
	}
	return nil
}

func (e *Engine) enforce(ctx context.Context, inc incident.Incident, action Action, ruleID string) error {
	delivered, err := e.notifier.Notify(ctx, classEnforcement, notification.PriorityFor(inc.Severity),
		fmt.Sprintf("%s subject %s", action, inc.SubjectID),
		map[string]string{
			"incident_id": inc.ID,
			"action":      string(action),
			"subject_id":  inc.SubjectID,
			"rule_id":     ruleID,
		})
	if err != nil {
		return err
	}
	if !delivered {
		return errs.Collaborator("enforcement", fmt.Errorf("%s command not delivered", action))
	}
	return nil
}

// RecordEscalation appends an escalate record produced by the periodic
// escalation scan, keeping all response records in one log.
func (e *Engine) RecordEscalation(incidentID, details string, success bool) error {
	rec := Record{
		ID:          uuid.NewString(),
		IncidentID:  incidentID,
		Action:      ActionEscalate,
		Timestamp:   e.now(),
		PerformedBy: e.performedBy,
		Description: "escalated by policy scan",
		Success:     success,
		Details:     details,
	}
	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
	if !success {
		e.failures++
	}
	return nil
}

// Records returns copies of the records for one incident, or all records
// when incidentID is empty, in append order.
func (e *Engine) Records(incidentID string) ([]Record, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		if incidentID == "" || rec.IncidentID == incidentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Failures returns the count of failed action executions.
func (e *Engine) Failures() (int64, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	return e.failures, nil
}

// State is the engine's exportable state: rule sources plus the record log.
type State struct {
	Rules    []config.ResponseRuleConfig `json:"rules"`
	Records  []Record                    `json:"records"`
	Failures int64                       `json:"failures"`
}

// Export copies the rule sources and record log for a snapshot.
func (e *Engine) Export() (State, error) {
	if err := e.mu.Lock(e.lockWait); err != nil {
		return State{}, err
	}
	defer e.mu.Unlock()

	st := State{
		Rules:    append([]config.ResponseRuleConfig(nil), e.sources...),
		Records:  append([]Record(nil), e.records...),
		Failures: e.failures,
	}
	return st, nil
}

// Import replaces the engine state from a snapshot, re-compiling rule
// conditions.
func (e *Engine) Import(st State) error {
	if err := e.SetRules(st.Rules); err != nil {
		return err
	}
	if err := e.mu.Lock(e.lockWait); err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.records = append([]Record(nil), st.Records...)
	e.failures = st.Failures
	return nil
}
