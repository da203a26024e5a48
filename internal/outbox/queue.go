package outbox

import (
	"context"
	"sync"
	"time"

	"flack/internal/constants"
	"flack/internal/errors"
	"flack/internal/metrics"
	"flack/internal/migration"
	"flack/internal/models"
	"flack/internal/privacy"
	"flack/internal/retry"
	"flack/internal/validation"

	"github.com/sirupsen/logrus"
)

// Storage is the slice of the local store the queue needs.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Probe(ctx context.Context) error
}

// Sender delivers one entry to the backend and returns the remote message id.
// Implementations must be idempotent on ClientMutationID: resending the same
// entry returns the already-created message instead of a duplicate.
type Sender interface {
	Send(ctx context.Context, entry models.QueueEntry, authToken string) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, entry models.QueueEntry, authToken string) (string, error)

func (f SenderFunc) Send(ctx context.Context, entry models.QueueEntry, authToken string) (string, error) {
	return f(ctx, entry, authToken)
}

// TokenSource returns the current session token. It is read freshly at each
// send attempt so a rotated credential is picked up mid-queue. Empty means
// anonymous.
type TokenSource func() string

// Queue is the client-side delivery queue: it owns the in-memory outbox,
// drives send attempts with backoff retries, and mirrors its state into the
// local store so messages survive restarts.
type Queue struct {
	logger  *logrus.Logger
	storage Storage

	capacity      int
	sendTimeout   time.Duration
	debounceWait  time.Duration
	writeTimeout  time.Duration
	staleAfter    time.Duration
	staleInterval time.Duration

	maxAttempts int
	scheduler   *retry.Scheduler

	mu                 sync.Mutex
	entries            []models.QueueEntry
	sender             Sender
	token              TokenSource
	online             bool
	syncing            bool
	persistenceEnabled bool
	quotaExceeded      bool
	started            bool
	closed             bool

	staged    string
	stagedSet bool
	debounce  *time.Timer

	subscribers map[int]chan Snapshot
	nextSubID   int

	restored  chan struct{}
	persistCh chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	wg sync.WaitGroup
}

func New(storage Storage, queueCfg models.QueueConfig, retryCfg models.RetryConfig, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}

	capacity := queueCfg.Capacity
	if capacity <= 0 {
		capacity = constants.DefaultQueueCapacity
	}

	debounceMs := queueCfg.PersistDebounceMs
	if debounceMs <= 0 {
		debounceMs = constants.DefaultPersistDebounceMs
	}

	sendTimeoutSec := queueCfg.SendTimeoutSec
	if sendTimeoutSec <= 0 {
		sendTimeoutSec = constants.DefaultSendTimeoutSec
	}

	staleMin := queueCfg.StaleThresholdMin
	if staleMin <= 0 {
		staleMin = constants.DefaultStaleThresholdMin
	}

	backoffCfg := retry.DefaultBackoffConfig()
	if retryCfg.InitialBackoffMs > 0 {
		backoffCfg.InitialDelay = time.Duration(retryCfg.InitialBackoffMs) * time.Millisecond
	}
	if retryCfg.MaxBackoffMs > 0 {
		backoffCfg.MaxDelay = time.Duration(retryCfg.MaxBackoffMs) * time.Millisecond
	}
	if retryCfg.MaxAttempts > 0 {
		backoffCfg.MaxAttempts = retryCfg.MaxAttempts
	}

	q := &Queue{
		logger:             logger,
		storage:            storage,
		capacity:           capacity,
		sendTimeout:        time.Duration(sendTimeoutSec) * time.Second,
		debounceWait:       time.Duration(debounceMs) * time.Millisecond,
		writeTimeout:       time.Duration(constants.DefaultPersistWriteTimeoutSec) * time.Second,
		staleAfter:         time.Duration(staleMin) * time.Minute,
		staleInterval:      time.Duration(constants.DefaultStaleCheckIntervalSec) * time.Second,
		maxAttempts:        backoffCfg.MaxAttempts,
		persistenceEnabled: true,
		subscribers:        make(map[int]chan Snapshot),
		restored:           make(chan struct{}),
		persistCh:          make(chan struct{}, 1),
	}
	q.scheduler = retry.NewScheduler(retry.NewBackoff(backoffCfg), q.reprocess, logger)
	return q
}

// SetSender registers the delivery operation. Processing is a no-op until a
// sender is registered.
func (q *Queue) SetSender(sender Sender) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sender = sender
}

// SetTokenSource registers the session credential getter.
func (q *Queue) SetTokenSource(token TokenSource) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.token = token
}

// Start probes the local store, restores persisted entries, and launches the
// persistence worker and stale monitor. Enqueue blocks until Start has
// finished restoring so an early enqueue is never clobbered by the restore.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		q.logger.Warn("Delivery queue is already running")
		return
	}
	q.started = true
	q.runCtx, q.runCancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.restore(ctx)

	q.wg.Add(2)
	go q.persistWorker()
	go q.staleLoop()

	// Workers must be registered with the wait group before any caller can
	// observe the queue as ready.
	close(q.restored)

	q.logger.Info("Delivery queue started")
}

// Stop disarms retry timers, drains in-flight work, and writes the final
// queue state to the store.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.debounce != nil {
		q.debounce.Stop()
		q.debounce = nil
	}
	cancel := q.runCancel
	q.mu.Unlock()

	q.scheduler.Close()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	persistNeeded := q.started && q.persistenceEnabled
	var value string
	var encErr error
	if persistNeeded {
		value, encErr = migration.Encode(q.entries)
	}
	subs := q.subscribers
	q.subscribers = make(map[int]chan Snapshot)
	q.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	if persistNeeded {
		if encErr != nil {
			q.logger.WithError(encErr).Error("Failed to encode queue state during shutdown")
		} else {
			writeCtx, cancelWrite := context.WithTimeout(context.Background(), q.writeTimeout)
			if err := q.storage.Set(writeCtx, constants.QueueStorageKey, value); err != nil {
				q.logger.WithError(err).Warn("Failed to persist queue state during shutdown")
			}
			cancelWrite()
		}
	}

	q.logger.Info("Delivery queue stopped")
}

// Enqueue appends a message for delivery. Payload problems and a full queue
// come back as a result value, never a panic or error return. When online the
// send attempt starts asynchronously before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, entry models.QueueEntry) models.EnqueueResult {
	result := models.EnqueueResult{ClientMutationID: entry.ClientMutationID}

	select {
	case <-q.restored:
	case <-ctx.Done():
		result.Err = errors.New(errors.ErrCodeTimeout, "enqueue cancelled while waiting for queue restore")
		return result
	}

	if err := validateEntry(entry); err != nil {
		result.Err = err
		return result
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		result.Err = errors.New(errors.ErrCodeInternalError, "delivery queue is stopped")
		return result
	}

	if q.indexLocked(entry.ClientMutationID) >= 0 {
		// Same mutation id means the same logical message: the earlier
		// enqueue already covers it.
		q.mu.Unlock()
		result.Success = true
		return result
	}

	if q.capacityUsedLocked() >= q.capacity {
		q.mu.Unlock()
		q.logger.WithFields(logrus.Fields{
			"capacity":   q.capacity,
			"channel_id": privacy.MaskChannelID(entry.ChannelID),
		}).Warn("Delivery queue full, rejecting message")
		metrics.IncrementCounter("queue_rejected_total", nil, "Messages rejected because the queue was full")
		result.Err = errors.NewQueueFullError(q.capacity)
		return result
	}

	entry.Status = models.StatusPending
	entry.RetryCount = 0
	entry.Error = ""
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	q.entries = append(q.entries, entry)
	q.persistNowLocked()
	q.notifyLocked()
	online := q.online
	queued := len(q.entries)
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"client_mutation_id": privacy.MaskMutationID(entry.ClientMutationID),
		"channel_id":         privacy.MaskChannelID(entry.ChannelID),
		"queued":             queued,
	}).Info("Message enqueued")
	metrics.IncrementCounter("queue_enqueued_total", nil, "Messages accepted into the delivery queue")

	if online {
		q.goProcess(entry.ClientMutationID)
	}

	result.Success = true
	return result
}

// Retry resets a stuck entry and immediately attempts delivery again. The
// retry counter starts over, so the backoff curve does too.
func (q *Queue) Retry(clientMutationID string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	idx := q.indexLocked(clientMutationID)
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.scheduler.Cancel(clientMutationID)
	q.entries[idx].RetryCount = 0
	q.entries[idx].Status = models.StatusPending
	q.entries[idx].Error = ""
	q.persistNowLocked()
	q.notifyLocked()
	q.mu.Unlock()

	q.logger.WithField("client_mutation_id", privacy.MaskMutationID(clientMutationID)).Info("Manual retry requested")
	q.goProcess(clientMutationID)
	return true
}

// Remove drops an entry from the queue and cancels its scheduled retry.
func (q *Queue) Remove(clientMutationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	idx := q.indexLocked(clientMutationID)
	if idx < 0 {
		return false
	}
	q.removeAtLocked(idx)
	q.logger.WithField("client_mutation_id", privacy.MaskMutationID(clientMutationID)).Debug("Entry removed from queue")
	return true
}

// SetOnline records the connectivity state. Coming back online triggers an
// automatic flush; going offline leaves in-flight sends untouched.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if q.closed || q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	q.notifyLocked()
	q.mu.Unlock()

	if online {
		q.logger.Info("Connectivity restored, flushing delivery queue")
		q.goFlush()
	} else {
		q.logger.Info("Connectivity lost, suspending automatic delivery")
	}
}

// Flush reprocesses every pending and failed entry strictly in queue order.
// Overlapping calls are collapsed by the syncing flag.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.closed || q.syncing || !q.online || q.sender == nil {
		q.mu.Unlock()
		return
	}
	q.syncing = true
	ids := make([]string, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Status == models.StatusPending || e.Status == models.StatusFailed {
			ids = append(ids, e.ClientMutationID)
		}
	}
	q.notifyLocked()
	q.mu.Unlock()

	if len(ids) > 0 {
		q.logger.WithField("entries", len(ids)).Info("Flushing delivery queue")
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		q.mu.Lock()
		online, closed := q.online, q.closed
		q.mu.Unlock()
		if !online || closed {
			break
		}
		q.process(ctx, id)
	}

	q.mu.Lock()
	q.syncing = false
	q.notifyLocked()
	q.mu.Unlock()
}

// process runs one send attempt. It re-reads live state under the lock before
// acting, so a stale trigger (timer, flush pass, duplicate enqueue) against a
// removed or already in-flight entry is a no-op.
func (q *Queue) process(ctx context.Context, clientMutationID string) {
	q.mu.Lock()
	if q.closed || !q.online || q.sender == nil {
		q.mu.Unlock()
		return
	}
	idx := q.indexLocked(clientMutationID)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	if s := q.entries[idx].Status; s == models.StatusSending || s == models.StatusConfirming {
		q.mu.Unlock()
		return
	}
	q.entries[idx].Status = models.StatusSending
	entry := q.entries[idx]
	sender := q.sender
	tokenSource := q.token
	q.persistDebouncedLocked()
	q.notifyLocked()
	q.mu.Unlock()

	var token string
	if tokenSource != nil {
		token = tokenSource()
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	start := time.Now()
	messageID, err := sender.Send(sendCtx, entry, token)
	cancel()
	metrics.RecordTimer("queue_send_duration", time.Since(start), nil, "Backend send round-trip")

	if err != nil {
		q.handleSendFailure(clientMutationID, err)
		return
	}
	q.markConfirming(clientMutationID, messageID)
}

func (q *Queue) handleSendFailure(clientMutationID string, sendErr error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	idx := q.indexLocked(clientMutationID)
	if idx < 0 || q.entries[idx].Status != models.StatusSending {
		// Removed or manually retried while the send was in flight; that
		// path owns the entry now.
		q.mu.Unlock()
		return
	}
	q.entries[idx].RetryCount++
	q.entries[idx].Status = models.StatusFailed
	q.entries[idx].Error = sendErr.Error()
	retryCount := q.entries[idx].RetryCount
	q.persistDebouncedLocked()
	q.notifyLocked()
	q.mu.Unlock()

	metrics.IncrementCounter("queue_send_failures_total", nil, "Failed backend send attempts")
	logEntry := q.logger.WithError(sendErr).WithFields(logrus.Fields{
		"client_mutation_id": privacy.MaskMutationID(clientMutationID),
		"retry_count":        retryCount,
	})

	if retryCount < q.maxAttempts {
		delay := q.scheduler.Schedule(clientMutationID, retryCount)
		logEntry.WithField("retry_in_ms", delay.Milliseconds()).Warn("Message send failed, retry scheduled")
		return
	}
	logEntry.Warn("Message send failed, retry attempts exhausted")
}

// markConfirming publishes the delivered state synchronously, then hands the
// actual removal to a separate goroutine. A concurrent flush pass sees
// confirming and skips the entry; observers get one snapshot with the entry
// confirmed before it disappears.
func (q *Queue) markConfirming(clientMutationID, messageID string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	idx := q.indexLocked(clientMutationID)
	if idx < 0 || q.entries[idx].Status == models.StatusConfirming {
		q.mu.Unlock()
		return
	}
	q.entries[idx].Status = models.StatusConfirming
	q.entries[idx].Error = ""
	q.persistDebouncedLocked()
	q.notifyLocked()
	q.wg.Add(1)
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"client_mutation_id": privacy.MaskMutationID(clientMutationID),
		"message_id":         messageID,
	}).Info("Message delivered")
	metrics.IncrementCounter("queue_delivered_total", nil, "Messages acknowledged by the backend")

	go func() {
		defer q.wg.Done()
		q.confirmRemove(clientMutationID)
	}()
}

func (q *Queue) confirmRemove(clientMutationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	idx := q.indexLocked(clientMutationID)
	if idx < 0 || q.entries[idx].Status != models.StatusConfirming {
		return
	}
	q.removeAtLocked(idx)
}

// reprocess is the retry timer callback. It acts only when the entry still
// exists and is still failed: an entry that was removed, delivered, or
// manually retried while the timer was pending is left alone.
func (q *Queue) reprocess(clientMutationID string) {
	q.mu.Lock()
	idx := q.indexLocked(clientMutationID)
	if idx < 0 || q.entries[idx].Status != models.StatusFailed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.goProcess(clientMutationID)
}

func (q *Queue) goProcess(clientMutationID string) {
	q.mu.Lock()
	if q.closed || q.runCtx == nil {
		q.mu.Unlock()
		return
	}
	ctx := q.runCtx
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.process(ctx, clientMutationID)
	}()
}

func (q *Queue) goFlush() {
	q.mu.Lock()
	if q.closed || q.runCtx == nil {
		q.mu.Unlock()
		return
	}
	ctx := q.runCtx
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.Flush(ctx)
	}()
}

func (q *Queue) removeAtLocked(idx int) {
	id := q.entries[idx].ClientMutationID
	q.scheduler.Cancel(id)
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.persistNowLocked()
	q.notifyLocked()
}

func (q *Queue) indexLocked(clientMutationID string) int {
	for i, e := range q.entries {
		if e.ClientMutationID == clientMutationID {
			return i
		}
	}
	return -1
}

// capacityUsedLocked counts the entries that occupy queue capacity. Entries
// already in flight or confirmed do not block new messages.
func (q *Queue) capacityUsedLocked() int {
	used := 0
	for _, e := range q.entries {
		if e.Status == models.StatusPending || e.Status == models.StatusFailed {
			used++
		}
	}
	return used
}

func validateEntry(entry models.QueueEntry) *errors.AppError {
	checks := []error{
		validation.ValidateMutationID(entry.ClientMutationID),
		validation.ValidateChannelID(entry.ChannelID),
		validation.ValidateBody(entry.Body),
		validation.ValidateAuthorName(entry.AuthorName),
	}
	for _, err := range checks {
		if err == nil {
			continue
		}
		if appErr, ok := err.(*errors.AppError); ok {
			return appErr
		}
		return errors.New(errors.ErrCodeValidationFailed, err.Error())
	}
	return nil
}
