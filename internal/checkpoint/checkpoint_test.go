package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, interval int) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	m := NewManager(interval, zap.NewNop())
	m.Initialize("batch-1", 10, "in.ndjson", "out.ndjson", "failed.ndjson", path)
	return m, path
}

func TestCheckpointRoundtrip(t *testing.T) {
	m, path := newTestManager(t, 1)

	m.UpdateTaskCompletion("t1", true)
	m.UpdateTaskCompletion("t2", false)
	m.UpdateTaskCompletion("t3", true)

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "batch-1", loaded.BatchID)
	assert.Equal(t, 10, loaded.TotalTasks)
	assert.Equal(t, 2, loaded.CompletedTasks)
	assert.Equal(t, 1, loaded.FailedTasks)
	assert.Equal(t, "t3", loaded.LastTaskID)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, "in.ndjson", loaded.InputFile)
	assert.Equal(t, "out.ndjson", loaded.OutputFile)
	assert.Equal(t, "failed.ndjson", loaded.FailedFile)
}

func TestCheckpointPersistCadence(t *testing.T) {
	m, path := newTestManager(t, 5)

	// Initialize persisted immediately; completions below the interval
	// must not hit the disk yet.
	m.UpdateTaskCompletion("t1", true)
	m.UpdateTaskCompletion("t2", true)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.CompletedTasks, "interval not reached, file still has the initial state")

	for _, id := range []string{"t3", "t4", "t5"} {
		m.UpdateTaskCompletion(id, true)
	}

	loaded, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.CompletedTasks, "fifth completion triggers a persist")
}

func TestCheckpointTerminalStates(t *testing.T) {
	cases := []struct {
		name   string
		mark   func(*Manager)
		status Status
	}{
		{"completed", (*Manager).MarkCompleted, StatusCompleted},
		{"failed", (*Manager).MarkFailed, StatusFailed},
		{"interrupted", (*Manager).MarkInterrupted, StatusInterrupted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, path := newTestManager(t, 100)
			tc.mark(m)

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, tc.status, loaded.Status, "terminal marks persist regardless of the interval")
		})
	}
}

func TestIsResumable(t *testing.T) {
	m, path := newTestManager(t, 1)
	assert.True(t, IsResumable(path), "a running batch is resumable")

	m.MarkInterrupted()
	assert.True(t, IsResumable(path), "an interrupted batch is resumable")

	m.MarkCompleted()
	assert.False(t, IsResumable(path), "a completed batch is not resumable")

	assert.False(t, IsResumable(filepath.Join(t.TempDir(), "missing.json")))
}

func TestCheckpointPersistFailureIsSwallowed(t *testing.T) {
	m := NewManager(1, zap.NewNop())
	m.Initialize("batch-1", 1, "in", "out", "failed", "/nonexistent/dir/checkpoint.json")

	// Must not panic or error; persistence is best-effort.
	m.UpdateTaskCompletion("t1", true)
	m.MarkCompleted()

	data := m.Data()
	assert.Equal(t, 1, data.CompletedTasks, "in-memory state advances even when persist fails")
	assert.Equal(t, StatusCompleted, data.Status)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
