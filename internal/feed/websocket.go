package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader handles the HTTP → WebSocket protocol upgrade.
// CheckOrigin allows all origins: the feed is served on the same loopback
// port as the proxy and carries no credentials.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns an http.Handler that upgrades the connection and
// streams hub messages to the client as JSON text frames of the form
// {"type":"request"|"response","data":...}.
//
// The connection is one-directional (server → client). A read pump drains
// incoming frames only to detect disconnection; when the socket closes,
// the subscriber is removed lazily and any pending messages are released.
func Handler(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}

		sub := hub.Subscribe()

		go writePump(conn, sub)
		go readPump(conn, hub, sub)
	})
}

// writePump sends subscribed messages to the WebSocket connection.
// Runs in a goroutine per client; exits when the subscriber channel
// closes or a write fails.
func writePump(conn *websocket.Conn, sub *Subscriber) {
	defer conn.Close()

	for msg := range sub.C() {
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("failed to marshal feed message", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump reads frames only to detect disconnection. When the client
// goes away, the subscriber is unsubscribed, which also stops writePump.
func readPump(conn *websocket.Conn, hub *Hub, sub *Subscriber) {
	defer func() {
		hub.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
