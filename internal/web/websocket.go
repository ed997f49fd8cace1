package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomdev/loom/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth replaces origin checks; the API is not cookie-based.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleWebSocket upgrades the connection, authenticates the query-param
// token, and streams the tenant's state-change events. An invalid token
// is answered with close code 1008 after the upgrade so the client sees
// a websocket-level rejection rather than an HTTP error.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, err := h.verifier.VerifyToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		conn.Close()
		return
	}

	sub := h.hub.Subscribe(id.TenantID)
	h.metrics.WSClients.Inc()
	defer func() {
		sub.Unsubscribe()
		h.metrics.WSClients.Dec()
		conn.Close()
	}()

	if err := writeWS(conn, events.Message{Event: "connection:established", Data: id}); err != nil {
		return
	}

	// Reader: answers pings and detects disconnect. Pongs go through the
	// writer loop so only one goroutine writes to the connection.
	done := make(chan struct{})
	pongs := make(chan events.Message, 4)
	go func() {
		defer close(done)
		for {
			var incoming events.Message
			if err := conn.ReadJSON(&incoming); err != nil {
				return
			}
			if incoming.Event == "ping" {
				select {
				case pongs <- events.Message{Event: "pong", Data: incoming.Data}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-pongs:
			if err := writeWS(conn, msg); err != nil {
				return
			}
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeWS(conn, msg); err != nil {
				// A failing subscriber is dropped rather than retried.
				h.logger.Warn("websocket write failed, dropping subscriber",
					"tenant_id", id.TenantID, "error", err)
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, msg events.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
