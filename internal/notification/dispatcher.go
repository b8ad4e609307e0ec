// Package notification is the boundary to the external delivery
// collaborator. The core constructs structured notification requests;
// wire-level transport lives outside this module.
package notification

import (
	"context"
	"log/slog"
	"sync"

	"github.com/havenwatch/sentinel/internal/domain"
)

// Priority classifies a notification for the downstream transport.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityFor maps an incident or alert severity to a delivery priority.
func PriorityFor(sev domain.Severity) Priority {
	switch sev {
	case domain.SeverityCritical:
		return PriorityUrgent
	case domain.SeverityHigh:
		return PriorityHigh
	case domain.SeverityMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Request is a structured notification handed to the dispatcher.
type Request struct {
	RecipientClass string            `json:"recipient_class"`
	Priority       Priority          `json:"priority"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Dispatcher delivers a notification request. Implementations report whether
// the transport accepted the message.
type Dispatcher interface {
	Notify(ctx context.Context, req Request) (bool, error)
}

// LogDispatcher writes notifications to the structured log. It is the
// default when no real transport is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

// Notify logs the request and reports it delivered.
func (d *LogDispatcher) Notify(_ context.Context, req Request) (bool, error) {
	d.Logger.Info("notification",
		"recipient_class", req.RecipientClass,
		"priority", req.Priority,
		"message", req.Message)
	return true, nil
}

// MemoryDispatcher records requests in memory. Used by tests and the demo
// environment.
type MemoryDispatcher struct {
	mu       sync.Mutex
	requests []Request

	// FailWith, when set, is returned for every Notify call.
	FailWith error
}

// Notify records the request, or fails when FailWith is set.
func (d *MemoryDispatcher) Notify(_ context.Context, req Request) (bool, error) {
	if d.FailWith != nil {
		return false, d.FailWith
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return true, nil
}

// Requests returns a copy of everything recorded so far.
func (d *MemoryDispatcher) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}
