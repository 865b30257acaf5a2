package automation

import "sync"

// pendingExecution is one prepared schedule awaiting its turn to execute.
type pendingExecution struct {
	data     *AutomationScheduleData
	prepared *PreparedSchedule
	seq      uint64
}

// pendingQueue is the single-flight execution queue: prepared schedules wait
// here and are released one at a time, lowest priority value first. Equal
// priorities release in insertion order.
type pendingQueue struct {
	mu      sync.Mutex
	entries []*pendingExecution
	nextSeq uint64

	// signal carries at most one pending wake-up for the consumer.
	signal chan struct{}
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{signal: make(chan struct{}, 1)}
}

// Push adds a prepared schedule and wakes the consumer.
func (q *pendingQueue) Push(data *AutomationScheduleData, prepared *PreparedSchedule) {
	q.mu.Lock()
	q.entries = append(q.entries, &pendingExecution{
		data:     data,
		prepared: prepared,
		seq:      q.nextSeq,
	})
	q.nextSeq++
	q.mu.Unlock()

	q.notify()
}

// Pop removes and returns the highest-priority entry, or nil when empty.
func (q *pendingQueue) Pop() *pendingExecution {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	best := 0
	for i, entry := range q.entries[1:] {
		if less(entry, q.entries[best]) {
			best = i + 1
		}
	}
	entry := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return entry
}

// Remove drops any queued entries for the given schedule identifiers.
func (q *pendingQueue) Remove(ids []string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	for _, entry := range q.entries {
		if _, ok := drop[entry.data.Schedule.ID]; !ok {
			kept = append(kept, entry)
		}
	}
	// Zero the tail so removed entries do not pin their schedules.
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
}

// Len returns the number of queued entries.
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Signal returns the consumer wake-up channel.
func (q *pendingQueue) Signal() <-chan struct{} {
	return q.signal
}

// notify nudges the consumer without blocking.
func (q *pendingQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// less orders entries by ascending priority, then insertion order.
func less(a, b *pendingExecution) bool {
	pa := a.prepared.Info.Priority
	pb := b.prepared.Info.Priority
	if pa != pb {
		return pa < pb
	}
	return a.seq < b.seq
}
