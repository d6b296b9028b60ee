// Package logging - structured per-run audit trail.
// Each pipeline stage appends JSONL events to a run log under
// artifacts/<stage>_runs/<pine_version>/<run_id>.jsonl so that a run's
// outcome can be audited without opening the store.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunEvent is one audit entry in a stage run log.
type RunEvent struct {
	Timestamp   string                 `json:"ts"`
	Stage       string                 `json:"stage"`
	RunID       string                 `json:"run_id"`
	PineVersion string                 `json:"pine_version"`
	Status      string                 `json:"status"` // started, complete, failed, skipped
	Reason      string                 `json:"reason,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// RunLog appends structured events for one (stage, pine_version, run_id).
// Append-only: events are never rewritten, matching the append-only raw
// artifact policy.
type RunLog struct {
	stage       string
	runID       string
	pineVersion string
	path        string

	mu   sync.Mutex
	file *os.File
}

// OpenRunLog creates (or reopens for append) the run log for a stage run.
func OpenRunLog(artifactsRoot, stage, pineVersion, runID string) (*RunLog, error) {
	dir := filepath.Join(artifactsRoot, stage+"_runs", pineVersion)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}

	path := filepath.Join(dir, runID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log %s: %w", path, err)
	}

	return &RunLog{
		stage:       stage,
		runID:       runID,
		pineVersion: pineVersion,
		path:        path,
		file:        file,
	}, nil
}

// Event appends one audit event. Marshal failures are reported, write
// failures too - a run log that cannot record its stage outcome is an error
// the caller should see.
func (l *RunLog) Event(status, reason string, fields map[string]interface{}) error {
	event := RunEvent{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Stage:       l.stage,
		RunID:       l.runID,
		PineVersion: l.pineVersion,
		Status:      status,
		Reason:      reason,
		Fields:      fields,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("run log %s is closed", l.path)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (l *RunLog) Path() string { return l.path }

// Close flushes and closes the log file.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
