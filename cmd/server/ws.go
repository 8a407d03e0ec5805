package main

import (
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"indicatorfeed/internal/metrics"
	"indicatorfeed/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	// snapshots queued per connection; the oldest is dropped when full
	wsSendBuffer = 8
)

type wsMessage struct {
	Type     string          `json:"type"`
	Feed     string          `json:"feed"`
	Snapshot *store.Snapshot `json:"snapshot,omitempty"`
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// handleWS streams every snapshot of one feed. The current snapshot, or a
// loading message, is sent first.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.eng.Snapshot(id); err != nil {
		writeEngineError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Debug("websocket upgrade failed", zap.String("feed", id), zap.Error(err))
		return
	}
	defer conn.Close()
	metrics.WSConnected(1)
	defer metrics.WSConnected(-1)
	log := s.logger.With(zap.String("feed", id), zap.String("conn", uuid.NewString()), zap.String("client", clientIP(r)))
	log.Debug("websocket connected")

	send := make(chan store.Snapshot, wsSendBuffer)
	unsubscribe, err := s.eng.Subscribe(id, func(snap store.Snapshot) {
		// publishes of one feed are serialized, so this is the only producer
		for {
			select {
			case send <- snap:
				return
			default:
			}
			select {
			case <-send:
			default:
			}
		}
	})
	if err != nil {
		return
	}
	defer unsubscribe()

	var lastSeq uint64
	current, _ := s.eng.Snapshot(id)
	if current.IsSome() {
		snap := current.Unwrap()
		lastSeq = snap.Seq
		if err := writeWS(conn, wsMessage{Type: "snapshot", Feed: id, Snapshot: &snap}); err != nil {
			return
		}
	} else if err := writeWS(conn, wsMessage{Type: "loading", Feed: id}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case snap := <-send:
			if snap.Seq <= lastSeq {
				continue
			}
			lastSeq = snap.Seq
			if err := writeWS(conn, wsMessage{Type: "snapshot", Feed: id, Snapshot: &snap}); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			log.Debug("websocket closed by client")
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
