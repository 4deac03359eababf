package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/room"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	subscriberQueue = 32
)

// handleWebSocket handles GET /runs/{runId}/ws. The first frame is the
// run's current state; later frames follow every update in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) error {
	runID := r.PathValue("runId")
	rm, err := s.dispatcher.Room(r.Context(), runID)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		common.LoggerFromContext(r.Context(), s.logger).Warn("failed to upgrade to websocket", "run_id", runID, "error", err)
		return nil
	}
	defer conn.Close()

	logger := common.LoggerFromContext(r.Context(), s.logger).With("run_id", runID)
	sub := room.NewSubscriber(subscriberQueue)
	if _, err := rm.Subscribe(r.Context(), sub); err != nil {
		logger.Warn("failed to subscribe", "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "run unavailable"),
			time.Now().Add(writeWait))
		return nil
	}
	defer rm.Unsubscribe(sub)
	logger.Info("websocket subscribed", "subscriber_id", sub.ID)

	// Read pump: clients send nothing we act on, but reading handles pongs and close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-sub.Messages():
			if !ok {
				// Dropped by the room (too slow) or the room shut down.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
					time.Now().Add(writeWait))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-closed:
			logger.Info("websocket closed", "subscriber_id", sub.ID)
			return nil
		}
	}
}
