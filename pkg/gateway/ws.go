package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// wsConn is the thin seam session_loop.go depends on, so tests can swap in
// a fake without dialing a real socket.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

func acceptWebSocket(w http.ResponseWriter, r *http.Request) (wsConn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		// The client is a standalone desktop/mobile app per spec §6.1, not
		// another page on the same origin as the Gateway.
		InsecureSkipVerify: true,
	})
}
