package retry

import (
	"sync"
	"time"

	"flack/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Scheduler arms one retry timer per queue entry. Scheduling an id that
// already has a timer replaces it, so an entry can never accumulate more than
// one pending retry.
type Scheduler struct {
	backoff   *Backoff
	reprocess func(clientMutationID string)
	logger    *logrus.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates a retry scheduler. reprocess is invoked on a timer
// goroutine when a retry comes due; it must revalidate the entry's state
// since the queue may have moved on while the timer was armed.
func NewScheduler(backoff *Backoff, reprocess func(clientMutationID string), logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		backoff:   backoff,
		reprocess: reprocess,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
}

// Schedule arms a retry for the entry after the backoff delay for retryCount.
// It returns the chosen delay.
func (s *Scheduler) Schedule(clientMutationID string, retryCount int) time.Duration {
	delay := s.backoff.Delay(retryCount)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	if existing, ok := s.timers[clientMutationID]; ok {
		existing.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.fire(clientMutationID, timer)
	})
	s.timers[clientMutationID] = timer

	s.logger.WithFields(logrus.Fields{
		"client_mutation_id": privacy.MaskMutationID(clientMutationID),
		"retry_count":        retryCount,
		"delay_ms":           delay.Milliseconds(),
	}).Debug("Retry scheduled")

	return delay
}

func (s *Scheduler) fire(clientMutationID string, self *time.Timer) {
	s.mu.Lock()
	current, ok := s.timers[clientMutationID]
	if !ok || current != self || s.closed {
		// A newer timer replaced this one, or the retry was cancelled
		s.mu.Unlock()
		return
	}
	delete(s.timers, clientMutationID)
	s.mu.Unlock()

	s.reprocess(clientMutationID)
}

// Cancel disarms any pending retry for the entry.
func (s *Scheduler) Cancel(clientMutationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[clientMutationID]; ok {
		timer.Stop()
		delete(s.timers, clientMutationID)
		s.logger.WithField("client_mutation_id", privacy.MaskMutationID(clientMutationID)).
			Debug("Retry cancelled")
	}
}

// CancelAll disarms every pending retry.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

// Close disarms every pending retry and rejects future scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() {
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of armed retry timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
