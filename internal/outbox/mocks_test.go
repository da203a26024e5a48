package outbox

import (
	"context"
	"sync"
	"time"

	"flack/internal/models"
)

// In-memory Storage fake with injectable failures.
type fakeStorage struct {
	mu       sync.Mutex
	data     map[string]string
	sets     int
	probeErr error
	getErr   error
	setErr   error
	getDelay time.Duration
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{data: make(map[string]string)}
}

func (f *fakeStorage) Get(ctx context.Context, key string) (string, bool, error) {
	if f.delay() > 0 {
		select {
		case <-time.After(f.delay()):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	value, ok := f.data[key]
	return value, ok, nil
}

func (f *fakeStorage) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeStorage) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeStorage) delay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getDelay
}

func (f *fakeStorage) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	return value, ok
}

func (f *fakeStorage) failSetsWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErr = err
}

func (f *fakeStorage) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

type sentCall struct {
	clientMutationID string
	token            string
}

// Sender fake that records calls and runs an optional per-call script.
type fakeSender struct {
	mu       sync.Mutex
	calls    []sentCall
	inFlight int
	overlap  bool
	delay    time.Duration
	script   func(call int, entry models.QueueEntry) (string, error)
}

func (f *fakeSender) Send(ctx context.Context, entry models.QueueEntry, authToken string) (string, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, sentCall{entry.ClientMutationID, authToken})
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	script := f.script
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if script != nil {
		return script(call, entry)
	}
	return "srv-" + entry.ClientMutationID, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.clientMutationID
	}
	return ids
}

func (f *fakeSender) sawOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}
