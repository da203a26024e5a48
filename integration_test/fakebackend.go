package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"flack/pkg/backend"
)

// fakeBackend is an in-process stand-in for the chat backend. It stores
// messages keyed by clientMutationId, so replaying a mutation id returns the
// original message instead of creating a second one, and it exposes switches
// for injecting failures and lost acknowledgements.
type fakeBackend struct {
	server *httptest.Server

	mu         sync.Mutex
	healthy    bool
	failNext   int
	alwaysFail bool
	delayNext  time.Duration
	nextID     int
	messages   map[string]string
	order      []string
	attempts   map[string]int
	healthHits int
	tokens     []string
}

func newFakeBackend() *fakeBackend {
	fb := &fakeBackend{
		healthy:  true,
		messages: make(map[string]string),
		attempts: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", fb.handleSend)
	mux.HandleFunc("/api/health", fb.handleHealth)
	fb.server = httptest.NewServer(mux)
	return fb
}

func (fb *fakeBackend) URL() string {
	return fb.server.URL
}

func (fb *fakeBackend) Close() {
	fb.server.Close()
}

func (fb *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req backend.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fb.mu.Lock()
	fb.attempts[req.ClientMutationID]++
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		fb.tokens = append(fb.tokens, strings.TrimPrefix(auth, "Bearer "))
	}

	if fb.alwaysFail || fb.failNext > 0 {
		if fb.failNext > 0 {
			fb.failNext--
		}
		fb.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "backend unavailable"}`))
		return
	}

	delay := fb.delayNext
	fb.delayNext = 0

	messageID, known := fb.messages[req.ClientMutationID]
	if !known {
		fb.nextID++
		messageID = fmt.Sprintf("msg-%04d", fb.nextID)
		fb.messages[req.ClientMutationID] = messageID
		fb.order = append(fb.order, req.ClientMutationID)
	}
	fb.mu.Unlock()

	// Holding the response past the client's timeout simulates an
	// acknowledgement lost in transit: the message is stored but the sender
	// never learns it.
	if delay > 0 {
		time.Sleep(delay)
	}

	status := http.StatusCreated
	if known {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(backend.SendMessageResponse{
		MessageID: messageID,
		Duplicate: known,
	})
}

func (fb *fakeBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.healthHits++
	healthy := fb.healthy
	fb.mu.Unlock()

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": "maintenance"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "ok"}`))
}

// SetHealthy controls the health endpoint.
func (fb *fakeBackend) SetHealthy(healthy bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.healthy = healthy
}

// FailNext makes the next n send requests return 500.
func (fb *fakeBackend) FailNext(n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.failNext = n
}

// SetAlwaysFail makes every send request return 500 until cleared.
func (fb *fakeBackend) SetAlwaysFail(fail bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.alwaysFail = fail
}

// DelayNext holds the response of the next successful send for d. The
// message is stored before the delay.
func (fb *fakeBackend) DelayNext(d time.Duration) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.delayNext = d
}

// MessageCount reports how many distinct messages the backend holds.
func (fb *fakeBackend) MessageCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.messages)
}

// MessageID returns the stored message id for a mutation id.
func (fb *fakeBackend) MessageID(clientMutationID string) (string, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	id, ok := fb.messages[clientMutationID]
	return id, ok
}

// DeliveredOrder returns mutation ids in first-delivery order.
func (fb *fakeBackend) DeliveredOrder() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	order := make([]string, len(fb.order))
	copy(order, fb.order)
	return order
}

// Attempts reports how many send requests arrived for a mutation id,
// including failed and replayed ones.
func (fb *fakeBackend) Attempts(clientMutationID string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.attempts[clientMutationID]
}

// HealthProbes reports how many health checks arrived.
func (fb *fakeBackend) HealthProbes() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.healthHits
}

// BearerTokens returns the bearer tokens seen on send requests.
func (fb *fakeBackend) BearerTokens() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	tokens := make([]string, len(fb.tokens))
	copy(tokens, fb.tokens)
	return tokens
}
