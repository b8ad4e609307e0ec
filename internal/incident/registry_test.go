package incident

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/errs"
)

func testRegistry() *Registry {
	return NewRegistry(time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testParams() CreateParams {
	return CreateParams{
		Kind:        "malware",
		Severity:    domain.SeverityHigh,
		Title:       "malware beacon detected",
		Description: "periodic outbound beacon from workstation",
		Source:      "edr",
		SubjectID:   "host-17",
		SubjectRole: "workstation",
	}
}

func TestCreateValidation(t *testing.T) {
	reg := testRegistry()

	_, err := reg.Create(CreateParams{Severity: domain.SeverityLow, Title: "t"})
	assert.True(t, errs.IsValidation(err), "empty kind is rejected")

	_, err = reg.Create(CreateParams{Kind: "malware", Severity: "dire", Title: "t"})
	assert.True(t, errs.IsValidation(err), "unknown severity is rejected")

	_, err = reg.Create(CreateParams{Kind: "malware", Severity: domain.SeverityLow})
	assert.True(t, errs.IsValidation(err), "empty title is rejected")
}

func TestCreateAndGet(t *testing.T) {
	reg := testRegistry()

	inc, err := reg.Create(testParams())
	require.NoError(t, err)
	assert.NotEmpty(t, inc.ID)
	assert.Equal(t, StatusDetected, inc.Status)
	assert.False(t, inc.DetectionTime.IsZero())
	assert.False(t, inc.Escalated)

	got, err := reg.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc, got)

	_, err = reg.Get("missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestTransitionLifecycle(t *testing.T) {
	reg := testRegistry()
	inc, err := reg.Create(testParams())
	require.NoError(t, err)

	require.NoError(t, reg.Transition(inc.ID, StatusInvestigating))
	require.NoError(t, reg.Transition(inc.ID, StatusContained))
	require.NoError(t, reg.Transition(inc.ID, StatusResolved))

	got, err := reg.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResolutionTime, "resolution timestamps are set on entry to resolved")
}

func TestTransitionRejections(t *testing.T) {
	reg := testRegistry()
	inc, err := reg.Create(testParams())
	require.NoError(t, err)
	require.NoError(t, reg.Transition(inc.ID, StatusContained))

	t.Run("backward move", func(t *testing.T) {
		err := reg.Transition(inc.ID, StatusInvestigating)
		assert.True(t, errs.IsValidation(err))
		got, _ := reg.Get(inc.ID)
		assert.Equal(t, StatusContained, got.Status, "a rejected transition leaves the incident untouched")
	})

	t.Run("same status", func(t *testing.T) {
		err := reg.Transition(inc.ID, StatusContained)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("unknown status", func(t *testing.T) {
		err := reg.Transition(inc.ID, Status("exploded"))
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("unknown incident", func(t *testing.T) {
		err := reg.Transition("missing", StatusResolved)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("out of terminal state", func(t *testing.T) {
		require.NoError(t, reg.Transition(inc.ID, StatusClosed))
		err := reg.Transition(inc.ID, StatusResolved)
		assert.True(t, errs.IsValidation(err))
	})
}

func TestResolve(t *testing.T) {
	reg := testRegistry()
	inc, err := reg.Create(testParams())
	require.NoError(t, err)

	require.NoError(t, reg.Resolve(inc.ID, "reimaged the host", "analyst-3"))

	got, err := reg.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "reimaged the host", got.ResolutionNotes)
	assert.Equal(t, "analyst-3", got.ResolvedBy)
	require.NotNil(t, got.ResolutionTime)

	err = reg.Resolve(inc.ID, "again", "analyst-3")
	assert.True(t, errs.IsValidation(err), "resolving twice is rejected")
}

func TestMarkEscalated(t *testing.T) {
	reg := testRegistry()
	inc, err := reg.Create(testParams())
	require.NoError(t, err)

	changed, err := reg.MarkEscalated(inc.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = reg.MarkEscalated(inc.ID)
	require.NoError(t, err)
	assert.False(t, changed, "marking twice reports no change")

	got, err := reg.Get(inc.ID)
	require.NoError(t, err)
	assert.True(t, got.Escalated)
	require.NotNil(t, got.EscalatedAt)

	t.Run("terminal incident", func(t *testing.T) {
		other, err := reg.Create(testParams())
		require.NoError(t, err)
		require.NoError(t, reg.Resolve(other.ID, "", "auto"))
		_, err = reg.MarkEscalated(other.ID)
		assert.True(t, errs.IsValidation(err))
	})
}

func TestOpenAndSummary(t *testing.T) {
	reg := testRegistry()

	first, err := reg.Create(testParams())
	require.NoError(t, err)

	p := testParams()
	p.Kind = "phishing"
	p.Severity = domain.SeverityMedium
	p.SubjectID = "host-9"
	second, err := reg.Create(p)
	require.NoError(t, err)

	require.NoError(t, reg.Resolve(second.ID, "", "auto"))
	_, err = reg.MarkEscalated(first.ID)
	require.NoError(t, err)
	require.NoError(t, reg.AppendAction(first.ID, "isolate"))

	open, err := reg.Open()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, []string{"isolate"}, open[0].ResponseActionsTaken)

	sum, err := reg.Summary("")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Open)
	assert.Equal(t, 1, sum.Escalated)
	assert.Equal(t, 1, sum.ByKind["malware"])
	assert.Equal(t, 1, sum.ByKind["phishing"])
	assert.Equal(t, 1, sum.BySeverity["high"])
	assert.Equal(t, 1, sum.ByStatus["resolved"])
	assert.Len(t, sum.Recent, 2)

	t.Run("scoped to a subject", func(t *testing.T) {
		sum, err := reg.Summary("host-9")
		require.NoError(t, err)
		assert.Equal(t, "host-9", sum.SubjectID)
		assert.Equal(t, 1, sum.Total)
		assert.Zero(t, sum.Open)
	})

	t.Run("unknown subject is empty, not an error", func(t *testing.T) {
		sum, err := reg.Summary("host-404")
		require.NoError(t, err)
		assert.Zero(t, sum.Total)
	})
}

func TestSummaryRecentBound(t *testing.T) {
	reg := testRegistry()
	for i := 0; i < recentSummaryCount+5; i++ {
		_, err := reg.Create(testParams())
		require.NoError(t, err)
	}

	sum, err := reg.Summary("")
	require.NoError(t, err)
	assert.Equal(t, recentSummaryCount+5, sum.Total)
	assert.Len(t, sum.Recent, recentSummaryCount)
}

func TestRegistryExportImport(t *testing.T) {
	reg := testRegistry()
	inc, err := reg.Create(testParams())
	require.NoError(t, err)
	require.NoError(t, reg.Transition(inc.ID, StatusInvestigating))

	exported, err := reg.Export()
	require.NoError(t, err)
	require.Len(t, exported, 1)

	restored := testRegistry()
	require.NoError(t, restored.Import(exported))

	got, err := restored.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvestigating, got.Status)

	sum, err := restored.Summary(inc.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total, "the subject index is rebuilt on import")
}
