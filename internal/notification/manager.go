package notification

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/errs"
)

// Manager wraps a Dispatcher with per-recipient-class rate limiting and
// failure accounting. Delivery failures are absorbed here and surfaced
// through the failure counter, never propagated to the caller's operation.
type Manager struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	timeout    time.Duration

	ratePerMin int
	burst      int
	limiters   map[string]*rate.Limiter
	limiterMu  sync.Mutex

	sent        atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
}

// NewManager creates a notification manager in front of the dispatcher.
func NewManager(cfg config.NotificationsConfig, logger *slog.Logger, dispatcher Dispatcher) *Manager {
	return &Manager{
		logger:     logger.With("component", "notification"),
		dispatcher: dispatcher,
		timeout:    cfg.RequestTimeout,
		ratePerMin: cfg.RatePerMinute,
		burst:      cfg.Burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Notify constructs a request and hands it to the dispatcher. It reports
// whether the message was delivered; a transport failure is returned as a
// CollaboratorError so callers can record it without failing their own
// operation.
func (m *Manager) Notify(ctx context.Context, recipientClass string, priority Priority, message string, metadata map[string]string) (bool, error) {
	if recipientClass == "" {
		return false, errs.Validation("recipient_class", "recipient class must not be empty")
	}

	if !m.limiter(recipientClass).Allow() {
		m.rateLimited.Add(1)
		m.logger.Warn("notification rate limited", "recipient_class", recipientClass, "priority", priority)
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	delivered, err := m.dispatcher.Notify(ctx, Request{
		RecipientClass: recipientClass,
		Priority:       priority,
		Message:        message,
		Metadata:       metadata,
	})
	if err != nil {
		m.failures.Add(1)
		m.logger.Error("notification delivery failed",
			"recipient_class", recipientClass,
			"priority", priority,
			"error", err)
		return false, errs.Collaborator("notification-dispatcher", err)
	}
	if delivered {
		m.sent.Add(1)
	}
	return delivered, nil
}

// Failures returns the number of delivery failures observed so far.
func (m *Manager) Failures() int64 { return m.failures.Load() }

// Sent returns the number of delivered notifications.
func (m *Manager) Sent() int64 { return m.sent.Load() }

// RateLimited returns the number of requests dropped by rate limiting.
func (m *Manager) RateLimited() int64 { return m.rateLimited.Load() }

func (m *Manager) limiter(class string) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()

	lim, ok := m.limiters[class]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(m.ratePerMin)/60.0), m.burst)
		m.limiters[class] = lim
	}
	return lim
}
