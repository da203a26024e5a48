package outbox

import (
	"time"

	"flack/internal/metrics"
	"flack/internal/models"

	"github.com/sirupsen/logrus"
)

// staleLoop periodically flags entries that have sat undelivered past the
// stale threshold. Purely an operator signal: stuck deliveries mean the
// device has been offline a long time or the backend keeps failing.
func (q *Queue) staleLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.staleInterval)
	defer ticker.Stop()

	q.logger.WithFields(logrus.Fields{
		"check_interval":  q.staleInterval,
		"stale_threshold": q.staleAfter,
	}).Debug("Starting stale delivery monitor")

	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
			q.checkStale()
		}
	}
}

func (q *Queue) checkStale() {
	cutoff := time.Now().Add(-q.staleAfter).UnixMilli()

	q.mu.Lock()
	stale := 0
	for _, e := range q.entries {
		if (e.Status == models.StatusPending || e.Status == models.StatusFailed) && e.CreatedAt <= cutoff {
			stale++
		}
	}
	total := len(q.entries)
	q.mu.Unlock()

	metrics.SetGauge("queue_size", float64(total), nil, "Entries currently queued")
	metrics.SetGauge("queue_stale_entries", float64(stale), nil, "Entries waiting past the stale threshold")

	if stale > 0 {
		q.logger.WithFields(logrus.Fields{
			"stale_count": stale,
			"threshold":   q.staleAfter,
		}).Warn("Messages stuck in the delivery queue past the stale threshold")
	}
}
