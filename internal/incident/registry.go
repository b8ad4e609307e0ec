package incident

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/syncx"
)

// recentSummaryCount bounds the most-recent list in a summary.
const recentSummaryCount = 10

// Registry owns all incidents and their subject-indexed history. Methods
// hand out copies; mutation goes through the registry so the state machine
// cannot be bypassed.
type Registry struct {
	logger   *slog.Logger
	mu       *syncx.TimedMutex
	lockWait time.Duration

	incidents map[string]*Incident
	order     []string
	bySubject map[string][]string

	now func() time.Time
}

// NewRegistry creates an empty incident registry.
func NewRegistry(lockWait time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("component", "incidents"),
		mu:        syncx.NewTimedMutex(),
		lockWait:  lockWait,
		incidents: make(map[string]*Incident),
		bySubject: make(map[string][]string),
		now:       time.Now,
	}
}

// CreateParams carries the fields of a new incident report.
type CreateParams struct {
	Kind             string
	Severity         domain.Severity
	Title            string
	Description      string
	Source           string
	AffectedSubjects []string
	SubjectID        string
	SubjectRole      string
	Evidence         []string
}

// Create registers a new incident in detected status and returns a copy.
// Automatic response execution is the caller's responsibility and happens
// with the registry lock released.
func (r *Registry) Create(p CreateParams) (Incident, error) {
	if p.Kind == "" {
		return Incident{}, errs.Validation("kind", "incident kind must not be empty")
	}
	if !p.Severity.Valid() {
		return Incident{}, errs.Validation("severity", "unknown severity %q", p.Severity)
	}
	if p.Title == "" {
		return Incident{}, errs.Validation("title", "incident title must not be empty")
	}

	if err := r.mu.Lock(r.lockWait); err != nil {
		return Incident{}, err
	}
	defer r.mu.Unlock()

	inc := &Incident{
		ID:               uuid.NewString(),
		Kind:             p.Kind,
		Severity:         p.Severity,
		Status:           StatusDetected,
		Title:            p.Title,
		Description:      p.Description,
		DetectionTime:    r.now(),
		Source:           p.Source,
		AffectedSubjects: append([]string(nil), p.AffectedSubjects...),
		SubjectID:        p.SubjectID,
		SubjectRole:      p.SubjectRole,
		Evidence:         append([]string(nil), p.Evidence...),
	}
	r.incidents[inc.ID] = inc
	r.order = append(r.order, inc.ID)
	if inc.SubjectID != "" {
		r.bySubject[inc.SubjectID] = append(r.bySubject[inc.SubjectID], inc.ID)
	}

	r.logger.Info("incident created",
		"incident_id", inc.ID,
		"kind", inc.Kind,
		"severity", inc.Severity,
		"subject_id", inc.SubjectID)
	return *inc, nil
}

// Get returns a copy of the incident.
func (r *Registry) Get(id string) (Incident, error) {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return Incident{}, err
	}
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return Incident{}, errs.NotFound("incident", id)
	}
	return *inc, nil
}

// Transition moves an incident forward in its lifecycle. Backward moves and
// transitions out of a terminal state are rejected without state change.
func (r *Registry) Transition(id string, to Status) error {
	if !to.Valid() {
		return errs.Validation("status", "unknown incident status %q", to)
	}
	if err := r.mu.Lock(r.lockWait); err != nil {
		return err
	}
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return errs.NotFound("incident", id)
	}
	if inc.Status.Terminal() {
		return errs.Validation("status", "incident %s is %s and cannot transition", id, inc.Status)
	}
	if statusOrder[to] <= statusOrder[inc.Status] {
		return errs.Validation("status", "incident %s cannot move backward from %s to %s", id, inc.Status, to)
	}
	from := inc.Status
	inc.Status = to
	if to == StatusResolved {
		now := r.now()
		inc.ResolutionTime = &now
	}
	r.logger.Info("incident transitioned", "incident_id", id, "from", from, "to", to)
	return nil
}

// Resolve closes out an incident from any non-terminal state with notes and
// the resolver identity.
func (r *Registry) Resolve(id, notes, resolvedBy string) error {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return err
	}
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return errs.NotFound("incident", id)
	}
	if inc.Status.Terminal() {
		return errs.Validation("status", "incident %s is already %s", id, inc.Status)
	}
	now := r.now()
	inc.Status = StatusResolved
	inc.ResolutionTime = &now
	inc.ResolutionNotes = notes
	inc.ResolvedBy = resolvedBy
	r.logger.Info("incident resolved", "incident_id", id, "resolved_by", resolvedBy)
	return nil
}

// MarkEscalated flips the escalated marker. It returns false when the
// incident was already escalated, which makes the escalation scan
// idempotent.
func (r *Registry) MarkEscalated(id string) (bool, error) {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return false, err
	}
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return false, errs.NotFound("incident", id)
	}
	if inc.Escalated {
		return false, nil
	}
	if inc.Status.Terminal() {
		return false, errs.Validation("status", "incident %s is %s and cannot be escalated", id, inc.Status)
	}
	now := r.now()
	inc.Escalated = true
	inc.EscalatedAt = &now
	return true, nil
}

// AppendAction records an executed response action on the incident.
func (r *Registry) AppendAction(id, action string) error {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return err
	}
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return errs.NotFound("incident", id)
	}
	inc.ResponseActionsTaken = append(inc.ResponseActionsTaken, action)
	return nil
}

// Assign sets the assignee.
func (r *Registry) Assign(id, assignee string) error {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return err
	}
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return errs.NotFound("incident", id)
	}
	inc.AssignedTo = assignee
	return nil
}

// Open returns copies of every incident not yet resolved or closed, in
// creation order.
func (r *Registry) Open() ([]Incident, error) {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	out := make([]Incident, 0, len(r.order))
	for _, id := range r.order {
		inc := r.incidents[id]
		if !inc.Status.Terminal() {
			out = append(out, *inc)
		}
	}
	return out, nil
}

// Summary aggregates incident counts. With a subject ID it is scoped to that
// subject's history; otherwise it covers everything. It never mutates state.
func (r *Registry) Summary(subjectID string) (Summary, error) {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return Summary{}, err
	}
	defer r.mu.Unlock()

	ids := r.order
	if subjectID != "" {
		ids = r.bySubject[subjectID]
	}

	sum := Summary{
		SubjectID:  subjectID,
		BySeverity: make(map[string]int),
		ByKind:     make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	for _, id := range ids {
		inc := r.incidents[id]
		sum.Total++
		sum.BySeverity[string(inc.Severity)]++
		sum.ByKind[inc.Kind]++
		sum.ByStatus[string(inc.Status)]++
		if !inc.Status.Terminal() {
			sum.Open++
		}
		if inc.Escalated {
			sum.Escalated++
		}
	}
	start := len(ids) - recentSummaryCount
	if start < 0 {
		start = 0
	}
	for _, id := range ids[start:] {
		sum.Recent = append(sum.Recent, *r.incidents[id])
	}
	return sum, nil
}

// Export copies all incidents in creation order for a snapshot.
func (r *Registry) Export() ([]Incident, error) {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	out := make([]Incident, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.incidents[id])
	}
	return out, nil
}

// Import replaces the registry contents from a snapshot.
func (r *Registry) Import(incidents []Incident) error {
	if err := r.mu.Lock(r.lockWait); err != nil {
		return err
	}
	defer r.mu.Unlock()

	r.incidents = make(map[string]*Incident, len(incidents))
	r.order = make([]string, 0, len(incidents))
	r.bySubject = make(map[string][]string)
	for i := range incidents {
		inc := incidents[i]
		r.incidents[inc.ID] = &inc
		r.order = append(r.order, inc.ID)
		if inc.SubjectID != "" {
			r.bySubject[inc.SubjectID] = append(r.bySubject[inc.SubjectID], inc.ID)
		}
	}
	return nil
}
