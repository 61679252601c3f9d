package ws

import (
	"context"
	"errors"
	"fmt"
	"hearth/internal/core/domain"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// Transport adapts a gorilla websocket connection to gateway.Transport.
// One goroutine may Read while another Writes; Close unblocks both.
type Transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func NewTransport(conn *websocket.Conn, maxFrameBytes int64, writeTimeout time.Duration) *Transport {
	// Configure Read Limits (Protects against memory exhaustion)
	if maxFrameBytes > 0 {
		conn.SetReadLimit(maxFrameBytes)
	}
	return &Transport{conn: conn, writeTimeout: writeTimeout}
}

// Read returns the next text or binary frame. A peer close yields io.EOF,
// an oversized frame a decode-error close.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, domain.NewCloseError(domain.CloseDecodeError, err)
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (t *Transport) Write(ctx context.Context, frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame with code and reason, then drops the socket.
func (t *Transport) Close(code domain.CloseCode, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(int(code), reason)
		werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			werr = fmt.Errorf("write close frame: %w", werr)
		} else {
			werr = nil
		}
		err = errors.Join(werr, t.conn.Close())
	})
	return err
}
