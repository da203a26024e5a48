package migration

import (
	"encoding/json"
	"fmt"
	"time"

	"flack/internal/models"
)

// CurrentVersion is the schema version of the persisted queue envelope.
// Version 1 predates the createdAt and error fields.
const CurrentVersion = 2

// RestoreResult describes what Restore had to do to the persisted data.
type RestoreResult struct {
	FromVersion int
	Migrated    bool // envelope upgraded from an older version
	Normalized  bool // transient statuses reset to pending
	Dropped     int  // corrupt entries discarded
	Wiped       bool // whole envelope discarded
}

// Dirty reports whether the restored state differs from what was on disk and
// should be persisted again.
func (r RestoreResult) Dirty() bool {
	return r.Migrated || r.Normalized || r.Wiped || r.Dropped > 0
}

// Restore decodes a persisted envelope into queue entries. Unknown versions
// and undecodable payloads are wiped rather than propagated: losing queued
// messages is recoverable, feeding corrupt state into the queue is not.
func Restore(raw string, now time.Time) ([]models.QueueEntry, RestoreResult) {
	if raw == "" {
		return nil, RestoreResult{}
	}

	var envelope models.QueueStorage
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, RestoreResult{Wiped: true}
	}

	result := RestoreResult{FromVersion: envelope.Version}

	switch {
	case envelope.Version == CurrentVersion:
	case envelope.Version == 1:
		result.Migrated = true
	default:
		result.Wiped = true
		return nil, result
	}

	entries := make([]models.QueueEntry, 0, len(envelope.Entries))
	seen := make(map[string]struct{}, len(envelope.Entries))
	for _, e := range envelope.Entries {
		if envelope.Version == 1 {
			e = upgradeV1(e, now)
		}

		normalized, ok := normalize(e)
		if !ok {
			result.Dropped++
			continue
		}
		if _, dup := seen[normalized.ClientMutationID]; dup {
			result.Dropped++
			continue
		}
		seen[normalized.ClientMutationID] = struct{}{}

		if normalized.Status != e.Status {
			result.Normalized = true
		}
		entries = append(entries, normalized)
	}

	return entries, result
}

// Encode serializes entries into the current envelope format. In-flight
// sending statuses are written as pending, a send attempt does not survive a
// process restart.
func Encode(entries []models.QueueEntry) (string, error) {
	out := make([]models.QueueEntry, len(entries))
	for i, e := range entries {
		if e.Status == models.StatusSending {
			e.Status = models.StatusPending
		}
		out[i] = e
	}

	envelope := models.QueueStorage{Version: CurrentVersion, Entries: out}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to encode queue envelope: %w", err)
	}
	return string(data), nil
}

// upgradeV1 lifts a version 1 entry to the current shape.
func upgradeV1(e models.QueueEntry, now time.Time) models.QueueEntry {
	if e.CreatedAt == 0 {
		e.CreatedAt = now.UnixMilli()
	}
	if e.RetryCount < 0 {
		e.RetryCount = 0
	}
	return e
}

// normalize validates an entry and maps transient statuses back to pending.
// Entries that were mid-send or mid-confirmation when the process died are
// resent; the backend's mutation id dedupe keeps that invisible to readers.
func normalize(e models.QueueEntry) (models.QueueEntry, bool) {
	if e.ClientMutationID == "" || !e.Status.Valid() {
		return e, false
	}
	if e.Status == models.StatusSending || e.Status == models.StatusConfirming {
		e.Status = models.StatusPending
	}
	return e, true
}
