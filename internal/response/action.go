package response

import (
	"time"

	"github.com/havenwatch/sentinel/internal/errs"
)

// Action is the closed set of automatic response actions. Unknown action
// names are rejected when the rule set is loaded, never silently skipped at
// execution time.
type Action string

const (
	ActionIsolate         Action = "isolate"
	ActionQuarantine      Action = "quarantine"
	ActionBlock           Action = "block"
	ActionNotifySubjects  Action = "notify-subject-group"
	ActionNotifyOperator  Action = "notify-operator"
	ActionNotifyAuthority Action = "notify-external-authority"
	ActionEscalate        Action = "escalate"
	ActionInvestigate     Action = "investigate"
	ActionContain         Action = "contain"
	ActionRemediate       Action = "remediate"
	ActionMonitor         Action = "monitor"
	ActionLog             Action = "log"
)

var knownActions = map[Action]bool{
	ActionIsolate:         true,
	ActionQuarantine:      true,
	ActionBlock:           true,
	ActionNotifySubjects:  true,
	ActionNotifyOperator:  true,
	ActionNotifyAuthority: true,
	ActionEscalate:        true,
	ActionInvestigate:     true,
	ActionContain:         true,
	ActionRemediate:       true,
	ActionMonitor:         true,
	ActionLog:             true,
}

// ParseAction converts a configuration string into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !knownActions[a] {
		return "", errs.Validation("action", "unknown response action %q", s)
	}
	return a, nil
}

// Record is the append-only trace of one executed response action. It is
// never mutated after creation; failed actions are visible here, not hidden.
type Record struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Action      Action    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
	PerformedBy string    `json:"performed_by"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	Details     string    `json:"details,omitempty"`
}
