package response

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/notification"
)

type fixture struct {
	engine     *Engine
	registry   *incident.Registry
	dispatcher *notification.MemoryDispatcher
}

func newFixture(t *testing.T, rules ...config.ResponseRuleConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := incident.NewRegistry(time.Second, logger)
	dispatcher := &notification.MemoryDispatcher{}
	notifier := notification.NewManager(config.NotificationsConfig{
		RatePerMinute:  600,
		Burst:          100,
		RequestTimeout: time.Second,
	}, logger, dispatcher)

	engine, err := NewEngine(config.ResponseConfig{
		PerformedBy: "auto-responder",
		LockWait:    time.Second,
		Rules:       rules,
	}, logger, registry, notifier)
	require.NoError(t, err)
	return &fixture{engine: engine, registry: registry, dispatcher: dispatcher}
}

func (f *fixture) createIncident(t *testing.T, p incident.CreateParams) incident.Incident {
	t.Helper()
	inc, err := f.registry.Create(p)
	require.NoError(t, err)
	return inc
}

func malwareParams() incident.CreateParams {
	return incident.CreateParams{
		Kind:        "malware",
		Severity:    domain.SeverityHigh,
		Title:       "malware beacon",
		SubjectID:   "host-4",
		SubjectRole: "workstation",
	}
}

func malwareRule() config.ResponseRuleConfig {
	return config.ResponseRuleConfig{
		ID:            "malware-containment",
		IncidentKind:  "malware",
		SeverityFloor: "medium",
		Actions:       []string{"isolate", "notify-subject-group"},
		Enabled:       true,
	}
}

func TestRuleParsing(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.ResponseRuleConfig)
	}{
		{"empty id", func(r *config.ResponseRuleConfig) { r.ID = "" }},
		{"empty kind", func(r *config.ResponseRuleConfig) { r.IncidentKind = "" }},
		{"unknown severity floor", func(r *config.ResponseRuleConfig) { r.SeverityFloor = "maximal" }},
		{"no actions", func(r *config.ResponseRuleConfig) { r.Actions = nil }},
		{"unknown action", func(r *config.ResponseRuleConfig) { r.Actions = []string{"reboot-universe"} }},
		{"malformed condition", func(r *config.ResponseRuleConfig) { r.Condition = "severity ===" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := malwareRule()
			tc.mutate(&rule)
			_, err := ParseRule(rule)
			require.Error(t, err)
		})
	}
}

func TestExecuteScenario(t *testing.T) {
	// A high malware incident against a medium-floor rule with
	// [isolate, notify-subject-group] yields exactly two successful records
	// and no lifecycle change.
	f := newFixture(t, malwareRule())
	inc := f.createIncident(t, malwareParams())

	records, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ActionIsolate, records[0].Action)
	assert.Equal(t, ActionNotifySubjects, records[1].Action)
	for _, rec := range records {
		assert.True(t, rec.Success)
		assert.Equal(t, inc.ID, rec.IncidentID)
		assert.Equal(t, "auto-responder", rec.PerformedBy)
	}

	got, err := f.registry.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusDetected, got.Status,
		"isolate and notify actions do not move the lifecycle")
	assert.Equal(t, []string{"isolate", "notify-subject-group"}, got.ResponseActionsTaken)

	reqs := f.dispatcher.Requests()
	require.Len(t, reqs, 2, "isolation goes to enforcement, the other to the subject group")
	assert.Equal(t, "enforcement", reqs[0].RecipientClass)
	assert.Equal(t, "subject-group", reqs[1].RecipientClass)
	assert.Equal(t, notification.PriorityHigh, reqs[1].Priority)
}

func TestMatchingFilters(t *testing.T) {
	t.Run("severity below floor", func(t *testing.T) {
		f := newFixture(t, malwareRule())
		p := malwareParams()
		p.Severity = domain.SeverityLow
		inc := f.createIncident(t, p)

		records, err := f.engine.Execute(context.Background(), inc)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		f := newFixture(t, malwareRule())
		p := malwareParams()
		p.Kind = "phishing"
		inc := f.createIncident(t, p)

		records, err := f.engine.Execute(context.Background(), inc)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("subject role filter", func(t *testing.T) {
		rule := malwareRule()
		rule.SubjectRole = "server"
		f := newFixture(t, rule)
		inc := f.createIncident(t, malwareParams())

		records, err := f.engine.Execute(context.Background(), inc)
		require.NoError(t, err)
		assert.Empty(t, records, "workstation incident does not match a server-scoped rule")
	})

	t.Run("disabled rule", func(t *testing.T) {
		rule := malwareRule()
		rule.Enabled = false
		f := newFixture(t, rule)
		inc := f.createIncident(t, malwareParams())

		records, err := f.engine.Execute(context.Background(), inc)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("condition expression", func(t *testing.T) {
		rule := malwareRule()
		rule.Condition = `severity_rank >= 2 && subject_id != ""`
		f := newFixture(t, rule)
		inc := f.createIncident(t, malwareParams())

		records, err := f.engine.Execute(context.Background(), inc)
		require.NoError(t, err)
		assert.Len(t, records, 2)

		p := malwareParams()
		p.SubjectID = ""
		other := f.createIncident(t, p)
		records, err = f.engine.Execute(context.Background(), other)
		require.NoError(t, err)
		assert.Empty(t, records, "the condition filters out incidents without a subject")
	})
}

func TestExecutionOrder(t *testing.T) {
	second := malwareRule()
	second.ID = "malware-notify"
	second.Actions = []string{"notify-operator"}

	f := newFixture(t, malwareRule(), second)
	inc := f.createIncident(t, malwareParams())

	records, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ActionIsolate, records[0].Action)
	assert.Equal(t, ActionNotifySubjects, records[1].Action)
	assert.Equal(t, ActionNotifyOperator, records[2].Action,
		"rules run in registration order, actions in configured order")
}

func TestLifecycleActions(t *testing.T) {
	rule := malwareRule()
	rule.Actions = []string{"investigate", "contain", "escalate"}
	f := newFixture(t, rule)
	inc := f.createIncident(t, malwareParams())

	records, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.True(t, rec.Success, "action %s", rec.Action)
	}

	got, err := f.registry.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusContained, got.Status)
	assert.True(t, got.Escalated)
}

func TestActionFailureDoesNotBlockRest(t *testing.T) {
	rule := malwareRule()
	rule.Actions = []string{"notify-operator", "log"}
	f := newFixture(t, rule)
	f.dispatcher.FailWith = errors.New("transport down")
	inc := f.createIncident(t, malwareParams())

	records, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err, "action failures are recorded, not returned")
	require.Len(t, records, 2)
	assert.False(t, records[0].Success)
	assert.NotEmpty(t, records[0].Details)
	assert.True(t, records[1].Success)

	failures, err := f.engine.Failures()
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures)

	got, err := f.registry.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, got.ResponseActionsTaken,
		"only the successful action lands on the incident")
}

func TestSetRuleEnabled(t *testing.T) {
	f := newFixture(t, malwareRule())

	require.NoError(t, f.engine.SetRuleEnabled("malware-containment", false))
	inc := f.createIncident(t, malwareParams())
	records, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, f.engine.SetRuleEnabled("malware-containment", true))
	records, err = f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	err = f.engine.SetRuleEnabled("missing", true)
	assert.True(t, errs.IsNotFound(err))
}

func TestRecordsAndEscalationLog(t *testing.T) {
	f := newFixture(t, malwareRule())
	inc := f.createIncident(t, malwareParams())

	_, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)
	require.NoError(t, f.engine.RecordEscalation(inc.ID, "aged past policy window", true))

	records, err := f.engine.Records(inc.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ActionEscalate, records[2].Action)
	assert.Equal(t, "escalated by policy scan", records[2].Description)

	all, err := f.engine.Records("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := f.engine.Records("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResponseExportImport(t *testing.T) {
	f := newFixture(t, malwareRule())
	inc := f.createIncident(t, malwareParams())
	_, err := f.engine.Execute(context.Background(), inc)
	require.NoError(t, err)

	exported, err := f.engine.Export()
	require.NoError(t, err)

	restored := newFixture(t)
	require.NoError(t, restored.engine.Import(exported))

	records, err := restored.engine.Records(inc.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// The imported rule set is live: a matching incident executes.
	other := restored.createIncident(t, malwareParams())
	recs, err := restored.engine.Execute(context.Background(), other)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
