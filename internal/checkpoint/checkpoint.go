// Package checkpoint persists batch progress to a JSON snapshot so an
// interrupted run can be resumed. Persistence is best-effort: a missed
// write must never abort the batch.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the batch lifecycle state recorded in the checkpoint.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Data is the checkpoint document. Owned exclusively by the Manager;
// callers get copies.
type Data struct {
	BatchID        string    `json:"batchId"`
	TotalTasks     int       `json:"totalTasks"`
	CompletedTasks int       `json:"completedTasks"`
	FailedTasks    int       `json:"failedTasks"`
	LastTaskID     string    `json:"lastTaskId"`
	StartTime      time.Time `json:"startTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
	InputFile      string    `json:"inputFile"`
	OutputFile     string    `json:"outputFile"`
	FailedFile     string    `json:"failedFile"`
	CheckpointFile string    `json:"checkpointFile"`
	Status         Status    `json:"status"`
}

// Manager owns one batch's checkpoint, persisting it every interval
// completions and on terminal transitions.
type Manager struct {
	mu           sync.Mutex
	data         *Data
	interval     int
	sincePersist int
	logger       *zap.Logger
}

// NewManager creates a manager that auto-persists every interval task
// completions. Interval <= 0 persists on every completion.
func NewManager(interval int, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 1
	}
	return &Manager{interval: interval, logger: logger}
}

// Initialize creates the in-memory checkpoint for a batch run and
// persists it immediately.
func (m *Manager) Initialize(batchID string, totalTasks int, inputFile, outputFile, failedFile, checkpointFile string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.data = &Data{
		BatchID:        batchID,
		TotalTasks:     totalTasks,
		StartTime:      now,
		LastUpdateTime: now,
		InputFile:      inputFile,
		OutputFile:     outputFile,
		FailedFile:     failedFile,
		CheckpointFile: checkpointFile,
		Status:         StatusRunning,
	}
	m.sincePersist = 0
	m.persistLocked()
}

// UpdateTaskCompletion records one terminal task outcome and persists on
// the configured cadence.
func (m *Manager) UpdateTaskCompletion(taskID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return
	}
	if success {
		m.data.CompletedTasks++
	} else {
		m.data.FailedTasks++
	}
	m.data.LastTaskID = taskID
	m.data.LastUpdateTime = time.Now()

	m.sincePersist++
	if m.sincePersist >= m.interval {
		m.sincePersist = 0
		m.persistLocked()
	}
}

// MarkCompleted sets the terminal completed status and forces a persist.
func (m *Manager) MarkCompleted() { m.markLocked(StatusCompleted) }

// MarkFailed sets the terminal failed status and forces a persist.
func (m *Manager) MarkFailed() { m.markLocked(StatusFailed) }

// MarkInterrupted records an interrupted run so it can be resumed.
func (m *Manager) MarkInterrupted() { m.markLocked(StatusInterrupted) }

func (m *Manager) markLocked(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return
	}
	m.data.Status = s
	m.data.LastUpdateTime = time.Now()
	m.persistLocked()
}

// Data returns a copy of the current checkpoint.
func (m *Manager) Data() Data {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return Data{}
	}
	return *m.data
}

// persistLocked writes the checkpoint atomically (temp file + rename).
// Failures are logged and swallowed.
func (m *Manager) persistLocked() {
	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		m.logger.Error("failed to encode checkpoint", zap.Error(err))
		return
	}

	path := m.data.CheckpointFile
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Error("failed to write checkpoint", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Error("failed to replace checkpoint", zap.String("path", path), zap.Error(err))
	}
}

// Load reads a checkpoint document from disk.
func Load(path string) (*Data, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	return &data, nil
}

// IsResumable reports whether the checkpoint at path describes a run
// that can be resumed: only running and interrupted batches qualify.
func IsResumable(path string) bool {
	data, err := Load(path)
	if err != nil {
		return false
	}
	return data.Status == StatusRunning || data.Status == StatusInterrupted
}
