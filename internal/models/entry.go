package models

import "flack/internal/errors"

// Status is the delivery lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSending    Status = "sending"
	StatusFailed     Status = "failed"
	StatusConfirming Status = "confirming"
)

var statusSet = map[Status]struct{}{
	StatusPending:    {},
	StatusSending:    {},
	StatusFailed:     {},
	StatusConfirming: {},
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := statusSet[s]
	return ok
}

// QueueEntry is a single outgoing message held in the delivery queue.
// CreatedAt is a unix timestamp in milliseconds from the local clock.
type QueueEntry struct {
	ClientMutationID string `json:"clientMutationId"`
	ChannelID        string `json:"channelId"`
	Body             string `json:"body"`
	AuthorName       string `json:"authorName"`
	Status           Status `json:"status"`
	RetryCount       int    `json:"retryCount"`
	CreatedAt        int64  `json:"createdAt"`
	Error            string `json:"error,omitempty"`
}

// QueueStorage is the versioned envelope persisted to the local store.
type QueueStorage struct {
	Version int          `json:"version"`
	Entries []QueueEntry `json:"entries"`
}

// QueueStats summarizes queue occupancy by lifecycle state.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Sending    int `json:"sending"`
	Failed     int `json:"failed"`
	Confirming int `json:"confirming"`
}

// EnqueueResult is the synchronous outcome of an enqueue call. Rejections
// (capacity, validation) are reported as a value so callers never have to
// distinguish panics from backpressure.
type EnqueueResult struct {
	Success          bool
	ClientMutationID string
	Err              *errors.AppError
}

// CountStats tallies entries into a QueueStats.
func CountStats(entries []QueueEntry) QueueStats {
	stats := QueueStats{Total: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case StatusPending:
			stats.Pending++
		case StatusSending:
			stats.Sending++
		case StatusFailed:
			stats.Failed++
		case StatusConfirming:
			stats.Confirming++
		}
	}
	return stats
}
