package integration_test

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flack/internal/constants"
	"flack/internal/models"
	"flack/internal/outbox"
	"flack/internal/store"
	"flack/pkg/backend"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// envOptions tunes a test environment. Zero values fall back to defaults
// scaled for test speed: millisecond persistence debounce and retry backoff
// so full delivery cycles finish in well under a second.
type envOptions struct {
	queue models.QueueConfig
	retry models.RetryConfig

	// seedEnvelope is written to the store before the queue starts, to
	// simulate state left behind by an earlier process.
	seedEnvelope string

	// token is the session credential handed to every send attempt.
	token string
}

// TestEnvironment wires a real SQLite store, a real delivery queue, and an
// in-process fake backend together the same way the daemon does.
type TestEnvironment struct {
	t      *testing.T
	dbPath string
	logger *logrus.Logger

	api    *fakeBackend
	client *backend.Client

	store *store.Store
	queue *outbox.Queue

	queueCfg models.QueueConfig
	retryCfg models.RetryConfig

	mu    sync.Mutex
	token string

	cancelRun context.CancelFunc
}

func newEnvironment(t *testing.T) *TestEnvironment {
	return newEnvironmentWith(t, nil)
}

func newEnvironmentWith(t *testing.T, opts *envOptions) *TestEnvironment {
	t.Helper()

	if opts == nil {
		opts = &envOptions{}
	}

	queueCfg := opts.queue
	if queueCfg.PersistDebounceMs == 0 {
		queueCfg.PersistDebounceMs = 20
	}
	if queueCfg.SendTimeoutSec == 0 {
		queueCfg.SendTimeoutSec = 2
	}

	retryCfg := opts.retry
	if retryCfg.InitialBackoffMs == 0 {
		retryCfg.InitialBackoffMs = 20
	}
	if retryCfg.MaxBackoffMs == 0 {
		retryCfg.MaxBackoffMs = 80
	}
	if retryCfg.MaxAttempts == 0 {
		retryCfg.MaxAttempts = 3
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &TestEnvironment{
		t:        t,
		dbPath:   filepath.Join(t.TempDir(), "flack.db"),
		logger:   logger,
		api:      newFakeBackend(),
		queueCfg: queueCfg,
		retryCfg: retryCfg,
		token:    opts.token,
	}
	env.client = backend.NewClient(env.api.URL(), &http.Client{Timeout: 5 * time.Second}, logger)

	st, err := store.Open(env.dbPath)
	require.NoError(t, err)
	env.store = st

	if opts.seedEnvelope != "" {
		require.NoError(t, st.Set(context.Background(), constants.QueueStorageKey, opts.seedEnvelope))
	}

	env.startQueue()
	t.Cleanup(env.teardown)
	return env
}

// startQueue builds and starts a queue against the current store, wired to
// the fake backend through the production client.
func (env *TestEnvironment) startQueue() {
	q := outbox.New(env.store, env.queueCfg, env.retryCfg, env.logger)
	q.SetTokenSource(env.sessionToken)
	q.SetSender(outbox.SenderFunc(func(ctx context.Context, entry models.QueueEntry, authToken string) (string, error) {
		resp, err := env.client.SendMessage(ctx, &backend.SendMessageRequest{
			ChannelID:        entry.ChannelID,
			Body:             entry.Body,
			AuthorName:       entry.AuthorName,
			ClientMutationID: entry.ClientMutationID,
		}, authToken)
		if err != nil {
			return "", err
		}
		return resp.MessageID, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	env.cancelRun = cancel
	q.Start(ctx)
	env.queue = q
}

// Restart shuts the queue down the way a daemon exit would, closes the store,
// and brings both back up on the same database file.
func (env *TestEnvironment) Restart() {
	env.t.Helper()

	env.queue.Stop()
	env.cancelRun()
	require.NoError(env.t, env.store.Close())

	st, err := store.Open(env.dbPath)
	require.NoError(env.t, err)
	env.store = st
	env.startQueue()
}

func (env *TestEnvironment) teardown() {
	env.queue.Stop()
	env.cancelRun()
	_ = env.store.Close()
	env.api.Close()
}

func (env *TestEnvironment) sessionToken() string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.token
}

// enqueue submits a message with fixture channel and author fields.
func (env *TestEnvironment) enqueue(id, body string) models.EnqueueResult {
	return env.queue.Enqueue(context.Background(), models.QueueEntry{
		ClientMutationID: id,
		ChannelID:        "channel-general",
		Body:             body,
		AuthorName:       "Avery",
	})
}

// WaitForCondition polls until the condition holds or the timeout elapses.
func (env *TestEnvironment) WaitForCondition(condition func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

func (env *TestEnvironment) waitForEmptyQueue() {
	env.t.Helper()
	require.True(env.t, env.WaitForCondition(func() bool {
		return env.queue.Stats().Total == 0
	}, 5*time.Second, 10*time.Millisecond), "queue should drain")
}
