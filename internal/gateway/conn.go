package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/conversation-engine/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 256 * 1024
	readBufferSize = 4096
)

// Conn is a framed, bidirectional client connection. ReadFrame must return
// an error once Close has been called.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// upgrader accepts the bearer subprotocol so browsers can pass a token in
// Sec-WebSocket-Protocol.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	Subprotocols:    []string{middleware.BearerProtocol},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsConn struct {
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxFrameSize)
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame is called from the session writer goroutine only.
func (c *wsConn) WriteFrame(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// isClosed reports whether err is an ordinary end of connection.
func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
