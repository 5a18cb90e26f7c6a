package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// CloseSuperseded код закрытия WebSocket для вытесненной операторской сессии
const CloseSuperseded = 4000

const wsWriteTimeout = 10 * time.Second

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSConn адаптирует WebSocket оператора к Conn
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

// ReadFrame разблокируется через Close (ws.Close рвет чтение)
func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		code, text := closeCode(reason)
		msg := websocket.FormatCloseMessage(code, text)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func closeCode(reason error) (int, string) {
	switch {
	case reason == nil, errors.Is(reason, domain.ErrSessionClosed):
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, domain.ErrSessionSuperseded):
		return CloseSuperseded, reason.Error()
	case errors.Is(reason, domain.ErrShutdown):
		return websocket.CloseGoingAway, reason.Error()
	default:
		return websocket.CloseInternalServerErr, reason.Error()
	}
}
