package outbox

import (
	"context"
	"time"

	"flack/internal/constants"
	"flack/internal/migration"
	"flack/internal/store"

	"github.com/sirupsen/logrus"
)

// All writes funnel through a single worker goroutine, so two snapshots of
// the queue can never interleave on disk. Mutators stage the freshest encoded
// state; the worker drains whatever is staged when it gets scheduled, which
// coalesces write storms for free.

func (q *Queue) restore(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultStorageProbeTimeoutMs)*time.Millisecond)
	err := q.storage.Probe(probeCtx)
	cancel()
	if err != nil {
		q.disablePersistence(err, "startup probe")
		q.logger.Warn("Local store unavailable, queue state will not survive restarts")
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, q.writeTimeout)
	raw, ok, err := q.storage.Get(readCtx, constants.QueueStorageKey)
	cancel()
	if err != nil {
		q.disablePersistence(err, "restore read")
		return
	}
	if !ok {
		q.logger.Debug("No persisted queue state found")
		return
	}

	entries, result := migration.Restore(raw, time.Now())

	q.mu.Lock()
	q.entries = entries
	if result.Dirty() && q.persistenceEnabled {
		// Rewrite upgraded or normalized state right away so a crash
		// before the first regular persist cannot resurrect it.
		q.stageLocked()
	}
	q.mu.Unlock()

	if result.Wiped {
		q.logger.WithField("from_version", result.FromVersion).Warn("Discarded persisted queue state from an unknown schema version")
		return
	}
	q.logger.WithFields(logrus.Fields{
		"entries":      len(entries),
		"from_version": result.FromVersion,
		"migrated":     result.Migrated,
		"normalized":   result.Normalized,
		"dropped":      result.Dropped,
	}).Info("Queue state restored")
}

// stageLocked encodes the current entries and hands them to the persist
// worker. Staging replaces any not-yet-written value: only the latest state
// matters, intermediate versions are safe to skip.
func (q *Queue) stageLocked() {
	value, err := migration.Encode(q.entries)
	if err != nil {
		q.logger.WithError(err).Error("Failed to encode queue state")
		return
	}
	q.staged = value
	q.stagedSet = true
	select {
	case q.persistCh <- struct{}{}:
	default:
	}
}

// persistNowLocked is the path for new data (enqueue, manual retry, removal).
// It cancels any pending debounce first so a stale deferred write can never
// overwrite this state.
func (q *Queue) persistNowLocked() {
	if q.debounce != nil {
		q.debounce.Stop()
		q.debounce = nil
	}
	if !q.persistenceEnabled {
		return
	}
	q.stageLocked()
}

// persistDebouncedLocked is the path for status churn during automatic
// processing. Re-arming the timer coalesces a burst of transitions into one
// write.
func (q *Queue) persistDebouncedLocked() {
	if !q.persistenceEnabled {
		return
	}
	if q.debounce != nil {
		q.debounce.Stop()
	}
	q.debounce = time.AfterFunc(q.debounceWait, q.flushDebounce)
}

func (q *Queue) flushDebounce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.debounce = nil
	if !q.persistenceEnabled {
		return
	}
	q.stageLocked()
}

func (q *Queue) persistWorker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-q.persistCh:
			q.writeStaged(q.runCtx)
		}
	}
}

func (q *Queue) writeStaged(ctx context.Context) {
	for {
		q.mu.Lock()
		if !q.stagedSet {
			q.mu.Unlock()
			return
		}
		value := q.staged
		q.staged, q.stagedSet = "", false
		q.mu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, q.writeTimeout)
		err := q.storage.Set(writeCtx, constants.QueueStorageKey, value)
		cancel()
		if err != nil {
			q.disablePersistence(err, "persist write")
			return
		}
	}
}

// disablePersistence reacts to a classified storage failure: flags flip so
// observers can surface a degraded-mode banner, and the queue keeps running
// memory-only for the rest of the session.
func (q *Queue) disablePersistence(err error, op string) {
	quota := store.IsQuotaExceeded(err)

	q.mu.Lock()
	changed := q.persistenceEnabled || (quota && !q.quotaExceeded)
	q.persistenceEnabled = false
	if quota {
		q.quotaExceeded = true
	}
	if q.debounce != nil {
		q.debounce.Stop()
		q.debounce = nil
	}
	if changed {
		q.notifyLocked()
	}
	q.mu.Unlock()

	logEntry := q.logger.WithError(err).WithField("op", op)
	if quota {
		logEntry.Warn("Local store quota exceeded, disabling queue persistence")
	} else {
		logEntry.Warn("Local store failed, disabling queue persistence")
	}
}
