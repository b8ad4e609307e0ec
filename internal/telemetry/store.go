// Package telemetry holds the bounded per-metric sample store that feeds the
// alert rule engine.
package telemetry

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/syncx"
)

// Sample is a single immutable metric observation.
type Sample struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps a bounded ring of samples per metric name. Once a ring exceeds
// the configured capacity it is trimmed down to a smaller size in one step,
// so eviction does not churn on every append.
type Store struct {
	logger   *slog.Logger
	mu       *syncx.TimedMutex
	lockWait time.Duration

	capacity int
	trimTo   int
	samples  map[string][]Sample
}

// NewStore creates a sample store with the configured bounds.
func NewStore(cfg config.TelemetryConfig, logger *slog.Logger) *Store {
	return &Store{
		logger:   logger.With("component", "telemetry"),
		mu:       syncx.NewTimedMutex(),
		lockWait: cfg.LockWait,
		capacity: cfg.MaxSamplesPerMetric,
		trimTo:   cfg.TrimTo,
		samples:  make(map[string][]Sample),
	}
}

// Append records a sample. Empty metric names and non-finite values are
// rejected with a validation error; nothing is dropped silently.
func (s *Store) Append(metric string, value float64, ts time.Time) error {
	if metric == "" {
		return errs.Validation("metric", "metric name must not be empty")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errs.Validation("value", "value must be finite, got %v", value)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := s.mu.Lock(s.lockWait); err != nil {
		return err
	}
	defer s.mu.Unlock()

	ring := append(s.samples[metric], Sample{Metric: metric, Value: value, Timestamp: ts})
	if len(ring) > s.capacity {
		kept := make([]Sample, s.trimTo)
		copy(kept, ring[len(ring)-s.trimTo:])
		ring = kept
		s.logger.Debug("trimmed sample ring", "metric", metric, "kept", s.trimTo)
	}
	s.samples[metric] = ring
	return nil
}

// History returns the samples for metric inside the trailing window, oldest
// first. It never mutates store state.
func (s *Store) History(metric string, window time.Duration) ([]Sample, error) {
	if metric == "" {
		return nil, errs.Validation("metric", "metric name must not be empty")
	}
	if err := s.mu.Lock(s.lockWait); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	ring := s.samples[metric]
	cutoff := time.Now().Add(-window)
	out := make([]Sample, 0, len(ring))
	for _, sm := range ring {
		if !sm.Timestamp.Before(cutoff) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Latest returns the most recent sample for metric.
func (s *Store) Latest(metric string) (Sample, bool, error) {
	if err := s.mu.Lock(s.lockWait); err != nil {
		return Sample{}, false, err
	}
	defer s.mu.Unlock()

	ring := s.samples[metric]
	if len(ring) == 0 {
		return Sample{}, false, nil
	}
	return ring[len(ring)-1], true, nil
}

// MetricNames returns the set of metric names with at least one sample.
func (s *Store) MetricNames() ([]string, error) {
	if err := s.mu.Lock(s.lockWait); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.samples))
	for name := range s.samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SampleCount returns the total number of retained samples.
func (s *Store) SampleCount() (int, error) {
	if err := s.mu.Lock(s.lockWait); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	total := 0
	for _, ring := range s.samples {
		total += len(ring)
	}
	return total, nil
}

// Export copies all retained samples for a snapshot.
func (s *Store) Export() (map[string][]Sample, error) {
	if err := s.mu.Lock(s.lockWait); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make(map[string][]Sample, len(s.samples))
	for name, ring := range s.samples {
		cp := make([]Sample, len(ring))
		copy(cp, ring)
		out[name] = cp
	}
	return out, nil
}

// Import replaces the retained samples from a snapshot.
func (s *Store) Import(samples map[string][]Sample) error {
	if err := s.mu.Lock(s.lockWait); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.samples = make(map[string][]Sample, len(samples))
	for name, ring := range samples {
		cp := make([]Sample, len(ring))
		copy(cp, ring)
		s.samples[name] = cp
	}
	return nil
}
