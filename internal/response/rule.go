package response

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/incident"
)

// Rule is a validated response rule with its condition compiled once at load
// time.
type Rule struct {
	ID            string
	IncidentKind  string
	SeverityFloor domain.Severity
	ConditionSrc  string
	condition     *vm.Program
	Actions       []Action
	SubjectRole   string
	Enabled       bool
	Description   string
}

// ParseRule validates and compiles a response rule configuration.
func ParseRule(cfg config.ResponseRuleConfig) (*Rule, error) {
	if cfg.ID == "" {
		return nil, errs.Validation("rule.id", "response rule id must not be empty")
	}
	if cfg.IncidentKind == "" {
		return nil, errs.Validation("rule.incident_kind", "rule %s: incident kind must not be empty", cfg.ID)
	}
	floor, err := domain.ParseSeverity(cfg.SeverityFloor)
	if err != nil {
		return nil, err
	}
	if len(cfg.Actions) == 0 {
		return nil, errs.Validation("rule.actions", "rule %s: at least one action is required", cfg.ID)
	}

	actions := make([]Action, 0, len(cfg.Actions))
	for _, raw := range cfg.Actions {
		action, err := ParseAction(raw)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}

	rule := &Rule{
		ID:            cfg.ID,
		IncidentKind:  cfg.IncidentKind,
		SeverityFloor: floor,
		ConditionSrc:  cfg.Condition,
		Actions:       actions,
		SubjectRole:   cfg.SubjectRole,
		Enabled:       cfg.Enabled,
		Description:   cfg.Description,
	}
	if cfg.Condition != "" {
		program, err := expr.Compile(cfg.Condition, expr.AsBool())
		if err != nil {
			return nil, errs.Validation("rule.condition", "rule %s: %v", cfg.ID, err)
		}
		rule.condition = program
	}
	return rule, nil
}

// Matches reports whether the rule applies to the incident: kind equality,
// severity at or above the floor, the optional subject-role filter and the
// compiled condition. A condition evaluation error counts as no match.
func (r *Rule) Matches(inc incident.Incident) (bool, error) {
	if !r.Enabled {
		return false, nil
	}
	if r.IncidentKind != inc.Kind {
		return false, nil
	}
	if inc.Severity.Rank() < r.SeverityFloor.Rank() {
		return false, nil
	}
	if r.SubjectRole != "" && r.SubjectRole != inc.SubjectRole {
		return false, nil
	}
	if r.condition == nil {
		return true, nil
	}

	env := map[string]interface{}{
		"kind":              inc.Kind,
		"severity":          string(inc.Severity),
		"severity_rank":     inc.Severity.Rank(),
		"status":            string(inc.Status),
		"title":             inc.Title,
		"description":       inc.Description,
		"source":            inc.Source,
		"subject_id":        inc.SubjectID,
		"subject_role":      inc.SubjectRole,
		"affected_subjects": inc.AffectedSubjects,
		"escalated":         inc.Escalated,
	}
	out, err := expr.Run(r.condition, env)
	if err != nil {
		return false, fmt.Errorf("condition for rule %s failed: %w", r.ID, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition for rule %s did not return a boolean", r.ID)
	}
	return matched, nil
}
