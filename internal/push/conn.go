package push

import (
	"context"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=mock_conn.go -package=push

// Conn abstracts the WebSocket connection so Socket can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}
