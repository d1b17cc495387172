package resume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promptbatch/internal/checkpoint"
	"promptbatch/internal/task"
	"promptbatch/internal/taxonomy"
)

// writeFixtures builds a checkpoint plus prior result files in a temp dir:
// t1 and t3 completed, t2 failed, last processed task t3.
func writeFixtures(t *testing.T) (cpPath string, original []*task.Request) {
	t.Helper()
	dir := t.TempDir()
	cpPath = filepath.Join(dir, "checkpoint.json")
	outPath := filepath.Join(dir, "output.ndjson")
	failedPath := filepath.Join(dir, "failed.ndjson")

	out, err := task.NewWriter(outPath)
	require.NoError(t, err)
	require.NoError(t, out.Write(&task.Response{ID: "t1", Success: true, Output: "one"}))
	require.NoError(t, out.Write(&task.Response{ID: "t3", Success: true, Output: "three"}))
	require.NoError(t, out.Close())

	failed, err := task.NewWriter(failedPath)
	require.NoError(t, err)
	require.NoError(t, failed.Write(&task.Response{ID: "t2", Success: false, Error: "boom"}))
	require.NoError(t, failed.Close())

	m := checkpoint.NewManager(1, zap.NewNop())
	m.Initialize("batch-1", 5, "in.ndjson", outPath, failedPath, cpPath)
	m.UpdateTaskCompletion("t1", true)
	m.UpdateTaskCompletion("t2", false)
	m.UpdateTaskCompletion("t3", true)
	m.MarkInterrupted()

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		original = append(original, &task.Request{ID: id, Prompt: "p-" + id})
	}
	return cpPath, original
}

func TestAnalyzeDefaultResumesPositionally(t *testing.T) {
	cpPath, original := writeFixtures(t)

	plan, err := Analyze(cpPath, original, Options{})
	require.NoError(t, err)

	require.Len(t, plan.Remaining, 2)
	assert.Equal(t, "t4", plan.Remaining[0].ID)
	assert.Equal(t, "t5", plan.Remaining[1].ID)
	assert.Equal(t, 3, plan.ResumeFromIndex)
	assert.Len(t, plan.Completed, 2)
	assert.Len(t, plan.Failed, 1)
}

func TestAnalyzeOnlyFailed(t *testing.T) {
	cpPath, original := writeFixtures(t)

	plan, err := Analyze(cpPath, original, Options{OnlyFailed: true})
	require.NoError(t, err)

	require.Len(t, plan.Remaining, 1)
	assert.Equal(t, "t2", plan.Remaining[0].ID)
}

func TestAnalyzeSkipCompleted(t *testing.T) {
	cpPath, original := writeFixtures(t)

	plan, err := Analyze(cpPath, original, Options{SkipCompleted: true})
	require.NoError(t, err)

	require.Len(t, plan.Remaining, 3)
	assert.Equal(t, "t2", plan.Remaining[0].ID, "failed tasks are reprocessed")
	assert.Equal(t, "t4", plan.Remaining[1].ID)
	assert.Equal(t, "t5", plan.Remaining[2].ID)
}

func TestAnalyzeUnknownLastTaskStartsOver(t *testing.T) {
	cpPath, _ := writeFixtures(t)

	// A last task id absent from the input resumes from the beginning.
	loaded, err := checkpoint.Load(cpPath)
	require.NoError(t, err)
	require.Equal(t, "t3", loaded.LastTaskID)

	reordered := []*task.Request{
		{ID: "x1", Prompt: "a"},
		{ID: "x2", Prompt: "b"},
	}
	plan, err := Analyze(cpPath, reordered, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, plan.ResumeFromIndex)
	assert.Len(t, plan.Remaining, 2)
}

func TestAnalyzeRejectsMissingCheckpoint(t *testing.T) {
	_, err := Analyze(filepath.Join(t.TempDir(), "missing.json"), nil, Options{})
	require.Error(t, err)

	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.CodeResume, te.Entry.Code)
}

func TestAnalyzeRejectsTerminalCheckpoint(t *testing.T) {
	cpPath, original := writeFixtures(t)

	m := checkpoint.NewManager(1, zap.NewNop())
	m.Initialize("batch-1", 5, "in", "out", "failed", cpPath)
	m.MarkCompleted()

	_, err := Analyze(cpPath, original, Options{})
	require.Error(t, err)

	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.CodeResume, te.Entry.Code)
}

func TestMergeResultsNewestWins(t *testing.T) {
	prevCompleted := []*task.Response{
		{ID: "t1", Success: true, Output: "old-one"},
		{ID: "t3", Success: true, Output: "three"},
	}
	prevFailed := []*task.Response{
		{ID: "t2", Success: false, Error: "boom"},
	}
	newCompleted := []*task.Response{
		{ID: "t2", Success: true, Output: "two-retried"},
		{ID: "t4", Success: true, Output: "four"},
	}
	newFailed := []*task.Response{
		{ID: "t5", Success: false, Error: "still broken"},
	}

	completed, failed := MergeResults(prevCompleted, prevFailed, newCompleted, newFailed)

	require.Len(t, completed, 4)
	assert.Equal(t, "t1", completed[0].ID)
	assert.Equal(t, "t2", completed[1].ID)
	assert.Equal(t, "two-retried", completed[1].Output, "a retried success moves out of failed")
	assert.Equal(t, "t3", completed[2].ID)
	assert.Equal(t, "t4", completed[3].ID)

	require.Len(t, failed, 1)
	assert.Equal(t, "t5", failed[0].ID)
}

func TestMergeResultsNewFailureOverridesOldSuccess(t *testing.T) {
	prevCompleted := []*task.Response{{ID: "t1", Success: true}}
	newFailed := []*task.Response{{ID: "t1", Success: false, Error: "regressed"}}

	completed, failed := MergeResults(prevCompleted, nil, nil, newFailed)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Equal(t, "t1", failed[0].ID)
}
