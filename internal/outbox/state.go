package outbox

import "flack/internal/models"

// Snapshot is a point-in-time view of the queue for observers: the entry
// list, derived stats, and the degraded-mode flags a UI turns into banners.
type Snapshot struct {
	Entries            []models.QueueEntry `json:"entries"`
	Stats              models.QueueStats   `json:"stats"`
	Online             bool                `json:"online"`
	Syncing            bool                `json:"syncing"`
	PersistenceEnabled bool                `json:"persistenceEnabled"`
	QuotaExceeded      bool                `json:"quotaExceeded"`
	QueueFull          bool                `json:"queueFull"`
}

func (q *Queue) snapshotLocked() Snapshot {
	entries := make([]models.QueueEntry, len(q.entries))
	copy(entries, q.entries)
	return Snapshot{
		Entries:            entries,
		Stats:              models.CountStats(q.entries),
		Online:             q.online,
		Syncing:            q.syncing,
		PersistenceEnabled: q.persistenceEnabled,
		QuotaExceeded:      q.quotaExceeded,
		QueueFull:          q.capacityUsedLocked() >= q.capacity,
	}
}

// notifyLocked pushes the current snapshot to every subscriber. Channels hold
// one slot and stale snapshots are displaced, so a slow consumer always wakes
// up to the latest state instead of a backlog.
func (q *Queue) notifyLocked() {
	if len(q.subscribers) == 0 {
		return
	}
	snap := q.snapshotLocked()
	for _, ch := range q.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe registers an observer. The returned channel is primed with the
// current snapshot and closed when the queue stops; the cancel func detaches
// the observer.
func (q *Queue) Subscribe() (<-chan Snapshot, func()) {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan Snapshot, 1)
	if q.closed {
		q.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	q.subscribers[id] = ch
	ch <- q.snapshotLocked()
	q.mu.Unlock()

	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if sub, ok := q.subscribers[id]; ok {
			delete(q.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Snapshot returns the current queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Entries returns a copy of the queued entries in queue order.
func (q *Queue) Entries() []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]models.QueueEntry, len(q.entries))
	copy(entries, q.entries)
	return entries
}

// Stats returns occupancy counts per lifecycle state.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.CountStats(q.entries)
}

func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) IsSyncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncing
}

func (q *Queue) IsPersistenceEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistenceEnabled
}

func (q *Queue) IsQuotaExceeded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quotaExceeded
}

func (q *Queue) IsQueueFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacityUsedLocked() >= q.capacity
}
