package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocket frames are a tagged union: connected, email, email_deleted.

type connectedFrame struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

type emailFrame struct {
	Type string `json:"type"`
	*storage.Message
}

type deletedFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Address string `json:"address"`
}

// handleWebSocket streams bus events filtered to one full address.
// One goroutine reads (answering pings and detecting close); the
// handler goroutine writes. Either side ending tears the socket down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	address := storage.NormalizeAddress(r.PathValue("address"), s.cfg.Domain)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	sub := s.bus.Subscribe()
	defer sub.Close()

	s.log.Debug("websocket connected", zap.String("address", address))
	if err := conn.WriteJSON(connectedFrame{Type: "connected", Address: address}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Address != address {
				continue
			}
			var frame interface{}
			switch ev.Type {
			case bus.Arrival:
				frame = emailFrame{Type: "email", Message: ev.Message}
			case bus.Deletion:
				frame = deletedFrame{Type: "email_deleted", ID: ev.MessageID, Address: ev.Address}
			default:
				continue
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
