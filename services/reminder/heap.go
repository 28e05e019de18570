package reminder

import (
	"container/heap"
	"time"

	"github.com/taskpulse/taskpulse/internal/domain"
)

// item is one queued reminder plus its heap position.
type item struct {
	entry domain.ReminderScheduleEntry
	index int
}

// triggerHeap is a min-heap ordered by TriggerAt. It is mutated only by the
// scheduler's owner goroutine, so it carries no locking of its own.
type triggerHeap []*item

func (h triggerHeap) Len() int            { return len(h) }
func (h triggerHeap) Less(i, j int) bool  { return h[i].entry.TriggerAt.Before(h[j].entry.TriggerAt) }
func (h triggerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *triggerHeap) Push(x any)         { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue pairs the heap with a per-task index so an update can replace the
// prior pending entry for the same task.
type queue struct {
	heap   triggerHeap
	byTask map[string]*item
}

func newQueue() *queue {
	return &queue{byTask: make(map[string]*item)}
}

// upsert inserts the entry, replacing any existing pending entry for the
// same task id.
func (q *queue) upsert(entry domain.ReminderScheduleEntry) {
	if existing, ok := q.byTask[entry.TaskID]; ok {
		existing.entry = entry
		heap.Fix(&q.heap, existing.index)
		return
	}
	it := &item{entry: entry}
	heap.Push(&q.heap, it)
	q.byTask[entry.TaskID] = it
}

// remove drops the pending entry for the task id, returning it when present.
func (q *queue) remove(taskID string) (domain.ReminderScheduleEntry, bool) {
	it, ok := q.byTask[taskID]
	if !ok {
		return domain.ReminderScheduleEntry{}, false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byTask, taskID)
	return it.entry, true
}

// popDue removes and returns all entries with TriggerAt at or before now.
func (q *queue) popDue(now time.Time) []domain.ReminderScheduleEntry {
	var due []domain.ReminderScheduleEntry
	for q.heap.Len() > 0 && !q.heap[0].entry.TriggerAt.After(now) {
		it := heap.Pop(&q.heap).(*item)
		delete(q.byTask, it.entry.TaskID)
		due = append(due, it.entry)
	}
	return due
}

// pending returns a copy of every queued entry, in no particular order.
func (q *queue) pending() []domain.ReminderScheduleEntry {
	entries := make([]domain.ReminderScheduleEntry, 0, len(q.heap))
	for _, it := range q.heap {
		entries = append(entries, it.entry)
	}
	return entries
}

func (q *queue) len() int { return q.heap.Len() }
