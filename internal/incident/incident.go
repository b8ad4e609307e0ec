// Package incident owns security incidents, their lifecycle state machine
// and the per-subject incident history.
package incident

import (
	"time"

	"github.com/havenwatch/sentinel/internal/domain"
)

// Status is the incident lifecycle state. Transitions only move forward
// through detected, investigating, contained, resolved, closed.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

var statusOrder = map[Status]int{
	StatusDetected:      0,
	StatusInvestigating: 1,
	StatusContained:     2,
	StatusResolved:      3,
	StatusClosed:        4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Incident is a tracked security event with a lifecycle independent of any
// single alert. The escalated marker is a flag observed by the escalation
// scan, not a distinct lifecycle state.
type Incident struct {
	ID                   string          `json:"id"`
	Kind                 string          `json:"kind"`
	Severity             domain.Severity `json:"severity"`
	Status               Status          `json:"status"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	DetectionTime        time.Time       `json:"detection_time"`
	Source               string          `json:"source"`
	AffectedSubjects     []string        `json:"affected_subjects"`
	SubjectID            string          `json:"subject_id,omitempty"`
	SubjectRole          string          `json:"subject_role,omitempty"`
	Evidence             []string        `json:"evidence,omitempty"`
	ResponseActionsTaken []string        `json:"response_actions_taken,omitempty"`
	AssignedTo           string          `json:"assigned_to,omitempty"`
	ResolutionTime       *time.Time      `json:"resolution_time,omitempty"`
	ResolutionNotes      string          `json:"resolution_notes,omitempty"`
	ResolvedBy           string          `json:"resolved_by,omitempty"`
	Escalated            bool            `json:"escalated"`
	EscalatedAt          *time.Time      `json:"escalated_at,omitempty"`
}

// Summary is the read-only aggregation returned by the registry. The
// notification failure counter is filled in by the core facade so operators
// can spot systemic delivery problems from one place.
type Summary struct {
	Total                int            `json:"total"`
	Open                 int            `json:"open"`
	Escalated            int            `json:"escalated"`
	BySeverity           map[string]int `json:"by_severity"`
	ByKind               map[string]int `json:"by_kind"`
	ByStatus             map[string]int `json:"by_status"`
	Recent               []Incident     `json:"recent"`
	ResponseFailures     int64          `json:"response_failures"`
	NotificationFailures int64          `json:"notification_failures"`
	SubjectID            string         `json:"subject_id,omitempty"`
}
