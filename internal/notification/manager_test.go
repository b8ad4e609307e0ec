package notification

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
)

func newTestManager(dispatcher Dispatcher, ratePerMin, burst int) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(config.NotificationsConfig{
		RatePerMinute:  ratePerMin,
		Burst:          burst,
		RequestTimeout: time.Second,
	}, logger, dispatcher)
}

func TestNotifyDelivers(t *testing.T) {
	dispatcher := &MemoryDispatcher{}
	m := newTestManager(dispatcher, 600, 100)

	delivered, err := m.Notify(context.Background(), "operator", PriorityHigh, "disk almost full",
		map[string]string{"metric": "disk"})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, int64(1), m.Sent())

	reqs := dispatcher.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "operator", reqs[0].RecipientClass)
	assert.Equal(t, PriorityHigh, reqs[0].Priority)
	assert.Equal(t, "disk almost full", reqs[0].Message)
	assert.Equal(t, "disk", reqs[0].Metadata["metric"])
}

func TestNotifyEmptyClass(t *testing.T) {
	m := newTestManager(&MemoryDispatcher{}, 600, 100)
	_, err := m.Notify(context.Background(), "", PriorityLow, "m", nil)
	assert.True(t, errs.IsValidation(err))
}

func TestNotifyTransportFailure(t *testing.T) {
	dispatcher := &MemoryDispatcher{FailWith: errors.New("gateway timeout")}
	m := newTestManager(dispatcher, 600, 100)

	delivered, err := m.Notify(context.Background(), "operator", PriorityUrgent, "m", nil)
	assert.False(t, delivered)
	require.Error(t, err)
	var collab *errs.CollaboratorError
	assert.True(t, errors.As(err, &collab))
	assert.Equal(t, int64(1), m.Failures())
	assert.Zero(t, m.Sent())
}

func TestNotifyRateLimit(t *testing.T) {
	dispatcher := &MemoryDispatcher{}
	// One token per minute, burst of two: the third call is dropped.
	m := newTestManager(dispatcher, 1, 2)

	for i := 0; i < 2; i++ {
		delivered, err := m.Notify(context.Background(), "operator", PriorityLow, "m", nil)
		require.NoError(t, err)
		assert.True(t, delivered)
	}
	delivered, err := m.Notify(context.Background(), "operator", PriorityLow, "m", nil)
	require.NoError(t, err, "a rate-limited drop is not an error")
	assert.False(t, delivered)
	assert.Equal(t, int64(1), m.RateLimited())
	assert.Len(t, dispatcher.Requests(), 2)

	t.Run("limits are per recipient class", func(t *testing.T) {
		delivered, err := m.Notify(context.Background(), "subject-group", PriorityLow, "m", nil)
		require.NoError(t, err)
		assert.True(t, delivered)
	})
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityUrgent, PriorityFor(domain.SeverityCritical))
	assert.Equal(t, PriorityHigh, PriorityFor(domain.SeverityHigh))
	assert.Equal(t, PriorityNormal, PriorityFor(domain.SeverityMedium))
	assert.Equal(t, PriorityLow, PriorityFor(domain.SeverityLow))
	assert.Equal(t, PriorityLow, PriorityFor(domain.Severity("unknown")))
}
