// Package snapshot serializes the full in-memory state of the core — rules,
// alerts, incidents and response records — for backup and restore. The
// format is a versioned JSON envelope and round-trips losslessly.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/havenwatch/sentinel/internal/alerting"
	"github.com/havenwatch/sentinel/internal/errs"
	"github.com/havenwatch/sentinel/internal/incident"
	"github.com/havenwatch/sentinel/internal/response"
	"github.com/havenwatch/sentinel/internal/telemetry"
)

// Version identifies the current snapshot envelope layout.
const Version = 1

// Snapshot is the full exportable state of the core.
type Snapshot struct {
	Version   int                           `json:"version"`
	CreatedAt time.Time                     `json:"created_at"`
	Telemetry map[string][]telemetry.Sample `json:"telemetry"`
	Alerting  alerting.State                `json:"alerting"`
	Incidents []incident.Incident           `json:"incidents"`
	Responses response.State                `json:"responses"`
}

// Encode serializes a snapshot.
func Encode(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses and version-checks a snapshot.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, errs.Validation("snapshot", "malformed snapshot: %v", err)
	}
	if s.Version != Version {
		return Snapshot{}, errs.Validation("snapshot.version", "unsupported snapshot version %d", s.Version)
	}
	return s, nil
}

// FileStore persists snapshots under a directory.
type FileStore struct {
	Dir string
}

// Save writes the snapshot to a timestamped file and returns its path.
func (f *FileStore) Save(s Snapshot) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	data, err := Encode(s)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.Dir, fmt.Sprintf("sentinel-%s.json", s.CreatedAt.UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}

// Load reads a snapshot from disk.
func (f *FileStore) Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(data)
}
