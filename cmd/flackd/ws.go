package main

import (
	"context"
	"net/http"
	"time"

	"flack/internal/httputil"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const socketWriteTimeout = 10 * time.Second

// handleSocket streams queue snapshots to the UI. Every queue state change
// pushes a fresh snapshot; the subscription holds only the latest one, so a
// slow reader skips ahead instead of backing up the queue.
func (s *Server) handleSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			s.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		defer conn.CloseNow()

		snapshots, cancel := s.queue.Subscribe()
		defer cancel()

		// The UI never sends application messages; CloseRead turns the
		// client hanging up into a cancelled context.
		ctx := conn.CloseRead(r.Context())

		s.logger.WithField("remote_ip", httputil.GetClientIP(r)).Debug("Snapshot stream opened")

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case snap, ok := <-snapshots:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "queue stopped")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, socketWriteTimeout)
				err := wsjson.Write(writeCtx, conn, snap)
				cancelWrite()
				if err != nil {
					s.logger.WithError(err).Debug("Snapshot stream closed")
					return
				}
			}
		}
	}
}
