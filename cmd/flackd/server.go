package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flack/internal/connectivity"
	"flack/internal/constants"
	"flack/internal/errors"
	"flack/internal/httputil"
	"flack/internal/middleware"
	"flack/internal/models"
	"flack/internal/outbox"
	"flack/internal/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the daemon's localhost API: REST endpoints for the delivery
// queue, a connectivity override, and a websocket that streams queue
// snapshots to the UI.
type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	queue   *outbox.Queue
	monitor *connectivity.Monitor
	limiter *RateLimiter
	cfg     models.ServerConfig
	server  *http.Server
}

func NewServer(cfg models.ServerConfig, queue *outbox.Queue, monitor *connectivity.Monitor, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		queue:   queue,
		monitor: monitor,
		limiter: NewRateLimiter(constants.DefaultAPIRateLimit, time.Duration(constants.DefaultAPIRateWindowSec)*time.Second),
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	s.router.Use(s.rateLimit)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleSocket()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/queue", s.handleEnqueue()).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleQueueState()).Methods(http.MethodGet)
	api.HandleFunc("/queue/stats", s.handleQueueStats()).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}/retry", s.handleRetry()).Methods(http.MethodPost)
	api.HandleFunc("/queue/{id}", s.handleRemove()).Methods(http.MethodDelete)
	api.HandleFunc("/connectivity", s.handleConnectivity()).Methods(http.MethodPost)
}

// Start binds the API to the loopback interface. The daemon serves UIs on
// the same machine only; nothing here is reachable from the network.
func (s *Server) Start() error {
	port := s.cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      s.router,
		ReadTimeout:  secondsOr(s.cfg.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: secondsOr(s.cfg.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  secondsOr(s.cfg.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.WithField("addr", s.server.Addr).Info("Starting local API server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := httputil.GetClientIP(r)
		if !s.limiter.Allow(clientIP) {
			s.logger.WithField("remote_ip", clientIP).Warn("Rate limit exceeded")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

type enqueueRequest struct {
	ChannelID        string `json:"channelId"`
	Body             string `json:"body"`
	AuthorName       string `json:"authorName"`
	ClientMutationID string `json:"clientMutationId"`
}

type enqueueResponse struct {
	ClientMutationID string `json:"clientMutationId"`
}

// handleEnqueue accepts a message into the queue. A missing clientMutationId
// gets a generated one; the UI must echo it back for retry and remove calls.
func (s *Server) handleEnqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxHTTPRequestBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "malformed enqueue payload"))
			return
		}

		if req.ClientMutationID == "" {
			req.ClientMutationID = uuid.NewString()
		}

		result := s.queue.Enqueue(r.Context(), models.QueueEntry{
			ClientMutationID: req.ClientMutationID,
			ChannelID:        req.ChannelID,
			Body:             req.Body,
			AuthorName:       req.AuthorName,
		})
		if !result.Success {
			s.writeError(w, r, result.Err)
			return
		}

		s.writeJSON(w, http.StatusAccepted, enqueueResponse{ClientMutationID: result.ClientMutationID})
	}
}

func (s *Server) handleQueueState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.queue.Snapshot())
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.queue.Stats())
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !s.queue.Retry(id) {
			s.writeError(w, r, errors.NewNotFoundError("queue entry", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRemove() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !s.queue.Remove(id) {
			s.writeError(w, r, errors.NewNotFoundError("queue entry", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type connectivityRequest struct {
	// Online overrides the probed state; null or absent resumes probing.
	Online *bool `json:"online"`
}

func (s *Server) handleConnectivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectivityRequest
		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxHTTPRequestBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "malformed connectivity payload"))
			return
		}

		if req.Online == nil {
			s.monitor.Resume()
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"mode":   "auto",
				"online": s.monitor.IsOnline(),
			})
			return
		}

		s.monitor.Override(*req.Online)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":   "override",
			"online": *req.Online,
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestInfo := tracing.GetRequestInfo(r.Context())
	status := errors.HTTPStatusCode(err)
	response := errors.ToHTTPResponse(err, requestInfo.RequestID)

	s.logger.WithFields(logrus.Fields{
		"request_id":  requestInfo.RequestID,
		"status_code": status,
		"error_code":  response.Error.Code,
	}).Debug("Request rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		s.logger.WithError(encodeErr).Error("Failed to encode error response")
	}
}
