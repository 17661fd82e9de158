package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"liuproxy_pool/internal/shared/logger"
)

const markerFileName = "daemon.lock"

// LivenessMarker records the daemon's run identity on disk so the next
// startup can tell a live daemon from the leftovers of a crashed one.
type LivenessMarker struct {
	path string

	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// NewLivenessMarker creates a marker handle under the data directory.
func NewLivenessMarker(dir string) *LivenessMarker {
	return &LivenessMarker{path: filepath.Join(dir, markerFileName)}
}

// Acquire claims the marker for this process. A marker whose recorded pid is
// still alive means another daemon owns the pool and Acquire fails. A marker
// whose pid is gone is a stale leftover: it is logged, discarded and
// replaced. Returns whether a stale marker was recovered.
func (m *LivenessMarker) Acquire() (stale bool, err error) {
	l := logger.WithComponent("Pool/Liveness")

	data, readErr := os.ReadFile(m.path)
	if readErr == nil {
		var prev LivenessMarker
		if jsonErr := json.Unmarshal(data, &prev); jsonErr != nil {
			l.Warn().Err(jsonErr).Str("path", m.path).Msg("Unreadable liveness marker, discarding.")
			stale = true
		} else if pidAlive(prev.PID) {
			return false, fmt.Errorf("another daemon (pid %d, run %s) holds the pool", prev.PID, prev.RunID)
		} else {
			l.Info().
				Int("stale_pid", prev.PID).
				Str("stale_run_id", prev.RunID).
				Time("stale_started_at", prev.StartedAt).
				Msg("Stale liveness marker from a previous run discarded.")
			stale = true
		}
	} else if !os.IsNotExist(readErr) {
		return false, readErr
	}

	hostname, _ := os.Hostname()
	m.RunID = uuid.NewString()
	m.PID = os.Getpid()
	m.Hostname = hostname
	m.StartedAt = time.Now().UTC()

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return stale, err
	}
	if err := writeFileAtomic(m.path, out); err != nil {
		return stale, fmt.Errorf("failed to write liveness marker: %w", err)
	}
	return stale, nil
}

// Release removes the marker. Safe to call on a marker that was never
// acquired.
func (m *LivenessMarker) Release() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
