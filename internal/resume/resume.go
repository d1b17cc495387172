// Package resume computes which tasks still need processing after an
// interrupted run, from the checkpoint plus the previously written
// result files.
package resume

import (
	"fmt"
	"sort"

	"promptbatch/internal/checkpoint"
	"promptbatch/internal/task"
	"promptbatch/internal/taxonomy"
)

// Options selects the resume mode.
type Options struct {
	// OnlyFailed reprocesses only the tasks recorded as failed.
	OnlyFailed bool
	// SkipCompleted reprocesses every task whose id is not in the
	// completed set, regardless of position. This is the exact mode.
	SkipCompleted bool
}

// Plan is the result of resume analysis.
type Plan struct {
	Remaining       []*task.Request
	Completed       []*task.Response
	Failed          []*task.Response
	ResumeFromIndex int
}

// Analyze loads the checkpoint and prior result files and computes the
// remaining work.
//
// The default mode resumes positionally: everything after LastTaskID's
// index in the original list, without cross-checking the completed or
// failed id sets. If processing order diverged from input order this can
// reprocess or skip interleaved tasks; callers needing exact
// deduplication should set SkipCompleted.
func Analyze(checkpointFile string, original []*task.Request, opts Options) (*Plan, error) {
	cp, err := checkpoint.Load(checkpointFile)
	if err != nil {
		return nil, &taxonomy.Error{
			Entry:   taxonomy.Lookup(taxonomy.CodeResume),
			Message: "cannot resume: checkpoint is missing or corrupt",
			Detail:  err.Error(),
			Err:     err,
		}
	}
	if cp.Status != checkpoint.StatusRunning && cp.Status != checkpoint.StatusInterrupted {
		return nil, taxonomy.New(taxonomy.CodeResume,
			fmt.Sprintf("cannot resume: batch %s already %s", cp.BatchID, cp.Status))
	}

	completed, err := task.ReadResponses(cp.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed results: %w", err)
	}
	failed, err := task.ReadResponses(cp.FailedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load failed results: %w", err)
	}

	plan := &Plan{Completed: completed, Failed: failed}

	switch {
	case opts.OnlyFailed:
		failedIDs := idSet(failed)
		for _, req := range original {
			if failedIDs[req.ID] {
				plan.Remaining = append(plan.Remaining, req)
			}
		}

	case opts.SkipCompleted:
		completedIDs := idSet(completed)
		for _, req := range original {
			if !completedIDs[req.ID] {
				plan.Remaining = append(plan.Remaining, req)
			}
		}

	default:
		idx := -1
		if cp.LastTaskID != "" {
			for i, req := range original {
				if req.ID == cp.LastTaskID {
					idx = i
					break
				}
			}
		}
		plan.ResumeFromIndex = idx + 1
		plan.Remaining = append(plan.Remaining, original[plan.ResumeFromIndex:]...)
	}

	return plan, nil
}

// MergeResults reconciles new completed/failed lists against prior ones.
// A new outcome overrides a prior one for the same task id, so a task
// retried and now successful moves from failed to completed. Output is
// sorted by task id for determinism.
func MergeResults(prevCompleted, prevFailed, newCompleted, newFailed []*task.Response) (completed, failed []*task.Response) {
	completedByID := make(map[string]*task.Response)
	failedByID := make(map[string]*task.Response)

	for _, r := range prevCompleted {
		completedByID[r.ID] = r
	}
	for _, r := range prevFailed {
		failedByID[r.ID] = r
	}
	for _, r := range newCompleted {
		completedByID[r.ID] = r
		delete(failedByID, r.ID)
	}
	for _, r := range newFailed {
		failedByID[r.ID] = r
		delete(completedByID, r.ID)
	}

	return sortedByID(completedByID), sortedByID(failedByID)
}

func idSet(responses []*task.Response) map[string]bool {
	set := make(map[string]bool, len(responses))
	for _, r := range responses {
		set[r.ID] = true
	}
	return set
}

func sortedByID(byID map[string]*task.Response) []*task.Response {
	out := make([]*task.Response, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
