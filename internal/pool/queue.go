package pool

import (
	"time"

	"promptbatch/internal/task"
)

// reentryKind tags why a task came back to the queue front. Retries and
// rate-limit deferrals are distinct so scheduling and stats can treat
// them differently.
type reentryKind int

const (
	reentryNone reentryKind = iota
	reentryRetry
	reentryDeferred
)

type reentry struct {
	kind    reentryKind
	attempt int
	until   time.Time
}

type entry struct {
	task *task.Task
	re   reentry
}

// queue is the pool's single shared collection. All access is serialized
// by the pool mutex. Front of the queue is index 0.
//
// Re-entered tasks (retry backoff or rate-limit deferral) go to the
// front, after any re-entries already there, so they are serviced before
// fresh arrivals but keep stable order among themselves. Priority
// insertion never displaces them.
type queue struct {
	entries  []*entry
	priority bool
}

func (q *queue) len() int {
	return len(q.entries)
}

// push appends a fresh task. In priority mode it inserts before the
// first fresh entry with strictly lower priority; equal priorities keep
// arrival order.
func (q *queue) push(t *task.Task) {
	e := &entry{task: t}
	if !q.priority {
		q.entries = append(q.entries, e)
		return
	}

	idx := len(q.entries)
	for i, cur := range q.entries {
		if cur.re.kind != reentryNone {
			continue
		}
		if cur.task.Priority < t.Priority {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
}

// pushFront re-enters a task at the front, behind re-entries already
// queued there.
func (q *queue) pushFront(e *entry) {
	idx := 0
	for idx < len(q.entries) && q.entries[idx].re.kind != reentryNone {
		idx++
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
}

// pop removes and returns the front entry, or nil when empty.
func (q *queue) pop() *entry {
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	return e
}
