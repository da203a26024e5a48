package outbox

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"flack/internal/constants"
	"flack/internal/errors"
	"flack/internal/migration"
	"flack/internal/models"
	"flack/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventuallyTimeout = 3 * time.Second

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfigs(maxAttempts int) (models.QueueConfig, models.RetryConfig) {
	queueCfg := models.QueueConfig{
		Capacity:          10,
		PersistDebounceMs: 10,
		SendTimeoutSec:    5,
		StaleThresholdMin: 5,
	}
	retryCfg := models.RetryConfig{
		InitialBackoffMs: 20,
		MaxBackoffMs:     100,
		MaxAttempts:      maxAttempts,
	}
	return queueCfg, retryCfg
}

func newTestQueue(t *testing.T, storage *fakeStorage, sender *fakeSender, maxAttempts int) *Queue {
	t.Helper()
	queueCfg, retryCfg := testConfigs(maxAttempts)
	q := New(storage, queueCfg, retryCfg, testLogger())
	if sender != nil {
		q.SetSender(sender)
	}
	t.Cleanup(q.Stop)
	return q
}

func entryFor(id string) models.QueueEntry {
	return models.QueueEntry{
		ClientMutationID: id,
		ChannelID:        "ch-general",
		Body:             "hello from " + id,
		AuthorName:       "alice",
	}
}

func TestQueueDeliversWhenOnline(t *testing.T) {
	storage := newFakeStorage()
	sender := &fakeSender{}
	q := newTestQueue(t, storage, sender, 5)
	q.SetTokenSource(func() string { return "tok-1" })
	q.Start(context.Background())
	q.SetOnline(true)

	result := q.Enqueue(context.Background(), entryFor("m-1"))
	require.True(t, result.Success)
	assert.Equal(t, "m-1", result.ClientMutationID)

	assert.Eventually(t, func() bool {
		return q.Stats().Total == 0
	}, eventuallyTimeout, 5*time.Millisecond, "entry should be delivered and removed")

	require.Equal(t, 1, sender.count())
	sender.mu.Lock()
	call := sender.calls[0]
	sender.mu.Unlock()
	assert.Equal(t, "m-1", call.clientMutationID)
	assert.Equal(t, "tok-1", call.token)
}

func TestQueueBuffersWhileOffline(t *testing.T) {
	storage := newFakeStorage()
	sender := &fakeSender{}
	q := newTestQueue(t, storage, sender, 5)
	q.Start(context.Background())

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		require.True(t, q.Enqueue(context.Background(), entryFor(id)).Success)
	}

	time.Sleep(50 * time.Millisecond)
	stats := q.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 0, sender.count())
}

func TestQueueFlushesInOrderOnReconnect(t *testing.T) {
	storage := newFakeStorage()
	sender := &fakeSender{delay: 2 * time.Millisecond}
	q := newTestQueue(t, storage, sender, 5)
	q.Start(context.Background())

	ids := []string{"m-1", "m-2", "m-3"}
	for _, id := range ids {
		require.True(t, q.Enqueue(context.Background(), entryFor(id)).Success)
	}

	q.SetOnline(true)

	assert.Eventually(t, func() bool {
		return q.Stats().Total == 0
	}, eventuallyTimeout, 5*time.Millisecond, "reconnect should drain the queue")

	assert.Equal(t, ids, sender.ids(), "flush must process entries in enqueue order")
	assert.False(t, sender.sawOverlap(), "flush must be strictly sequential")
}

func TestQueueCapacityBackpressure(t *testing.T) {
	storage := newFakeStorage()
	queueCfg, retryCfg := testConfigs(5)
	queueCfg.Capacity = 2
	q := New(storage, queueCfg, retryCfg, testLogger())
	t.Cleanup(q.Stop)
	q.Start(context.Background())

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)
	require.True(t, q.Enqueue(context.Background(), entryFor("m-2")).Success)
	assert.True(t, q.IsQueueFull())

	rejected := q.Enqueue(context.Background(), entryFor("m-3"))
	assert.False(t, rejected.Success)
	require.NotNil(t, rejected.Err)
	assert.Equal(t, errors.ErrCodeQueueFull, rejected.Err.Code)
	assert.Equal(t, 2, q.Stats().Total, "rejected enqueue must not mutate the queue")

	require.True(t, q.Remove("m-1"))
	assert.False(t, q.IsQueueFull())

	assert.True(t, q.Enqueue(context.Background(), entryFor("m-3")).Success)
}

func TestQueueDuplicateMutationID(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)
	again := q.Enqueue(context.Background(), entryFor("m-1"))
	assert.True(t, again.Success)
	assert.Equal(t, 1, q.Stats().Total)
}

func TestQueueRejectsInvalidPayload(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	blank := entryFor("m-1")
	blank.Body = "   "
	result := q.Enqueue(context.Background(), blank)
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
	assert.Equal(t, errors.ErrCodeInvalidInput, result.Err.Code)

	noID := entryFor("")
	result = q.Enqueue(context.Background(), noID)
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)

	assert.Equal(t, 0, q.Stats().Total)
}

func TestQueueRetriesWithBackoffUntilExhausted(t *testing.T) {
	storage := newFakeStorage()
	sender := &fakeSender{script: func(call int, entry models.QueueEntry) (string, error) {
		return "", errors.NewSendError(500, assert.AnError)
	}}
	q := newTestQueue(t, storage, sender, 3)
	q.Start(context.Background())
	q.SetOnline(true)

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)

	assert.Eventually(t, func() bool {
		entries := q.Entries()
		return len(entries) == 1 &&
			entries[0].Status == models.StatusFailed &&
			entries[0].RetryCount == 3
	}, eventuallyTimeout, 5*time.Millisecond, "entry should exhaust retries and stay failed")

	assert.Equal(t, 3, sender.count())

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Error)

	// No further attempts once the cap is reached.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, sender.count())
}

func TestQueueFailureThenManualRetry(t *testing.T) {
	storage := newFakeStorage()
	sender := &fakeSender{script: func(call int, entry models.QueueEntry) (string, error) {
		if call == 0 {
			return "", errors.NewSendError(502, assert.AnError)
		}
		return "srv-" + entry.ClientMutationID, nil
	}}
	q := newTestQueue(t, storage, sender, 1)
	q.Start(context.Background())
	q.SetOnline(true)

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)

	assert.Eventually(t, func() bool {
		entries := q.Entries()
		return len(entries) == 1 && entries[0].Status == models.StatusFailed
	}, eventuallyTimeout, 5*time.Millisecond)

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.NotEmpty(t, entries[0].Error)

	require.True(t, q.Retry("m-1"))

	assert.Eventually(t, func() bool {
		return q.Stats().Total == 0
	}, eventuallyTimeout, 5*time.Millisecond, "manual retry should deliver and remove the entry")

	// Both attempts must reuse the same idempotency key.
	require.Equal(t, 2, sender.count())
	assert.Equal(t, []string{"m-1", "m-1"}, sender.ids())
}

func TestQueueRetryUnknownID(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	assert.False(t, q.Retry("ghost"))
	assert.False(t, q.Remove("ghost"))
}

func TestQueueRemoveCancelsScheduledRetry(t *testing.T) {
	storage := newFakeStorage()
	sender := &fakeSender{script: func(call int, entry models.QueueEntry) (string, error) {
		return "", errors.NewSendError(500, assert.AnError)
	}}
	q := newTestQueue(t, storage, sender, 5)
	q.Start(context.Background())
	q.SetOnline(true)

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)

	assert.Eventually(t, func() bool {
		entries := q.Entries()
		return len(entries) == 1 && entries[0].Status == models.StatusFailed
	}, eventuallyTimeout, 5*time.Millisecond)

	require.True(t, q.Remove("m-1"))
	assert.Equal(t, 0, q.Stats().Total)

	// Give any in-flight attempt time to settle, then confirm the retry
	// timer is dead.
	time.Sleep(60 * time.Millisecond)
	settled := sender.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, sender.count())
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)
	q.Stop()

	raw, ok := storage.value(constants.QueueStorageKey)
	require.True(t, ok, "queue state should be on disk after Stop")

	var envelope models.QueueStorage
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
	assert.Equal(t, migration.CurrentVersion, envelope.Version)
	require.Len(t, envelope.Entries, 1)
	assert.Equal(t, models.StatusPending, envelope.Entries[0].Status)

	q2 := newTestQueue(t, storage, nil, 5)
	q2.Start(context.Background())

	entries := q2.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m-1", entries[0].ClientMutationID)
	assert.Equal(t, models.StatusPending, entries[0].Status)
}

func TestQueueNormalizesSendingOnRestore(t *testing.T) {
	storage := newFakeStorage()
	envelope := models.QueueStorage{
		Version: migration.CurrentVersion,
		Entries: []models.QueueEntry{{
			ClientMutationID: "m-1",
			ChannelID:        "ch-general",
			Body:             "interrupted mid-send",
			Status:           models.StatusSending,
			RetryCount:       1,
			CreatedAt:        time.Now().UnixMilli(),
		}},
	}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, storage.Set(context.Background(), constants.QueueStorageKey, string(raw)))

	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusPending, entries[0].Status, "sending must never survive a restart")
}

func TestQueueQuotaDegradation(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)
	assert.True(t, q.IsPersistenceEnabled())

	storage.failSetsWith(store.ErrQuotaExceeded)
	require.True(t, q.Enqueue(context.Background(), entryFor("m-2")).Success)

	assert.Eventually(t, func() bool {
		return !q.IsPersistenceEnabled() && q.IsQuotaExceeded()
	}, eventuallyTimeout, 5*time.Millisecond, "quota failure should flip the degraded-mode flags")

	// Queue keeps working memory-only.
	require.True(t, q.Enqueue(context.Background(), entryFor("m-3")).Success)
	assert.Equal(t, 3, q.Stats().Total)
}

func TestQueueProbeFailureRunsMemoryOnly(t *testing.T) {
	storage := newFakeStorage()
	storage.probeErr = store.ErrUnavailable
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	assert.False(t, q.IsPersistenceEnabled())
	assert.False(t, q.IsQuotaExceeded())

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)
	assert.Equal(t, 1, q.Stats().Total)
}

func TestQueueEnqueueWaitsForRestore(t *testing.T) {
	storage := newFakeStorage()
	envelope := models.QueueStorage{
		Version: migration.CurrentVersion,
		Entries: []models.QueueEntry{{
			ClientMutationID: "restored-1",
			ChannelID:        "ch-general",
			Body:             "from last session",
			Status:           models.StatusPending,
			CreatedAt:        time.Now().UnixMilli(),
		}},
	}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, storage.Set(context.Background(), constants.QueueStorageKey, string(raw)))
	storage.getDelay = 50 * time.Millisecond

	q := newTestQueue(t, storage, nil, 5)

	done := make(chan models.EnqueueResult, 1)
	go func() {
		done <- q.Enqueue(context.Background(), entryFor("m-new"))
	}()

	go q.Start(context.Background())

	select {
	case result := <-done:
		require.True(t, result.Success)
	case <-time.After(eventuallyTimeout):
		t.Fatal("enqueue never returned")
	}

	entries := q.Entries()
	require.Len(t, entries, 2, "restored entry and new entry must both survive")
	assert.Equal(t, "restored-1", entries[0].ClientMutationID)
	assert.Equal(t, "m-new", entries[1].ClientMutationID)
}

func TestQueueSubscribeObservesChanges(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	snapshots, cancel := q.Subscribe()
	defer cancel()

	first := <-snapshots
	assert.Equal(t, 0, first.Stats.Total)
	assert.False(t, first.Online)

	require.True(t, q.Enqueue(context.Background(), entryFor("m-1")).Success)

	assert.Eventually(t, func() bool {
		select {
		case snap, ok := <-snapshots:
			return ok && snap.Stats.Pending == 1
		default:
			return false
		}
	}, eventuallyTimeout, 5*time.Millisecond, "subscriber should observe the enqueue")
}

func TestQueueSubscribeCoalescesToLatest(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	snapshots, cancel := q.Subscribe()
	defer cancel()

	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		require.True(t, q.Enqueue(context.Background(), entryFor(id)).Success)
	}

	assert.Eventually(t, func() bool {
		select {
		case snap, ok := <-snapshots:
			return ok && snap.Stats.Total == 4
		default:
			return false
		}
	}, eventuallyTimeout, 5*time.Millisecond, "slow subscriber should land on the latest snapshot")
}

func TestQueueStopClosesSubscribers(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())

	snapshots, cancel := q.Subscribe()
	defer cancel()
	<-snapshots

	q.Stop()

	select {
	case _, ok := <-snapshots:
		assert.False(t, ok, "subscriber channel should close on Stop")
	case <-time.After(eventuallyTimeout):
		t.Fatal("subscriber channel never closed")
	}
}

func TestQueueEnqueueAfterStop(t *testing.T) {
	storage := newFakeStorage()
	q := newTestQueue(t, storage, nil, 5)
	q.Start(context.Background())
	q.Stop()

	result := q.Enqueue(context.Background(), entryFor("m-1"))
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
}

func TestQueueOfflineMidFlushStopsProcessing(t *testing.T) {
	storage := newFakeStorage()
	release := make(chan struct{})
	var queueRef *Queue
	sender := &fakeSender{script: func(call int, entry models.QueueEntry) (string, error) {
		if call == 0 {
			queueRef.SetOnline(false)
			close(release)
		}
		return "srv-" + entry.ClientMutationID, nil
	}}
	q := newTestQueue(t, storage, sender, 5)
	queueRef = q
	q.Start(context.Background())

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		require.True(t, q.Enqueue(context.Background(), entryFor(id)).Success)
	}

	q.SetOnline(true)

	select {
	case <-release:
	case <-time.After(eventuallyTimeout):
		t.Fatal("first send never happened")
	}

	assert.Eventually(t, func() bool {
		return !q.IsSyncing()
	}, eventuallyTimeout, 5*time.Millisecond)

	// The first entry was in flight when connectivity dropped and still
	// completes; the rest stay queued.
	assert.Eventually(t, func() bool {
		return q.Stats().Total == 2
	}, eventuallyTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, sender.count())
}
