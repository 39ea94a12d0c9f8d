package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumen-dev/lumen/pkg/protocol"
)

// ErrWebSocketClosed is returned by Send after the connection terminated.
var ErrWebSocketClosed = errors.New("transport: websocket closed")

// WebSocketConfig holds timeouts for a WebSocket transport.
type WebSocketConfig struct {
	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadTimeout is the maximum time to wait for a client message.
	// Default: 60 seconds.
	ReadTimeout time.Duration
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// WebSocket adapts a gorilla connection to the Handle contract. Writes are
// serialized behind a mutex; reads belong to a single pump goroutine owned
// by the server.
type WebSocket struct {
	conn       *websocket.Conn
	serializer protocol.Serializer
	config     *WebSocketConfig
	logger     *slog.Logger

	mu     sync.Mutex // protects conn writes and reason
	reason string
	closed atomic.Bool
	done   chan struct{}

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn, serializer protocol.Serializer, config *WebSocketConfig, logger *slog.Logger) *WebSocket {
	if config == nil {
		config = DefaultWebSocketConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		conn:       conn,
		serializer: serializer,
		config:     config,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Send encodes and writes one message with a write deadline.
func (t *WebSocket) Send(msg *protocol.Message) error {
	data, err := t.serializer.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrWebSocketClosed
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Error("write error", "error", err)
		t.closeLocked(err.Error())
		return err
	}

	t.bytesSent.Add(uint64(len(data)))
	return nil
}

// SocketClose tells the client that one channel shut down. The connection
// itself stays open; other channels on it are unaffected.
func (t *WebSocket) SocketClose(channelID, reason string) {
	err := t.Send(&protocol.Message{
		Topic: channelID,
		Event: protocol.EventClose,
		Payload: map[string]any{
			"channel": channelID,
			"reason":  reason,
		},
	})
	if err != nil && !errors.Is(err, ErrWebSocketClosed) {
		t.logger.Warn("socket close notification failed", "channel", channelID, "error", err)
	}
}

// Read blocks for the next inbound message, honoring the read timeout.
// On error the connection is closed with the mapped reason and the error
// is returned; the caller's pump loop should exit.
func (t *WebSocket) Read() (*protocol.Message, error) {
	t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		reason := ReasonNormal
		if websocket.IsUnexpectedCloseError(err,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure) {
			reason = err.Error()
		}
		t.Close(reason)
		return nil, err
	}

	t.bytesRecv.Add(uint64(len(data)))
	return t.serializer.Decode(data)
}

// Done is closed when the connection terminates.
func (t *WebSocket) Done() <-chan struct{} { return t.done }

// CloseReason reports why the connection terminated.
func (t *WebSocket) CloseReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Close terminates the connection with a reason. Closing twice is a no-op.
func (t *WebSocket) Close(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked(reason)
}

func (t *WebSocket) closeLocked(reason string) {
	if t.closed.Swap(true) {
		return
	}
	t.reason = reason

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.conn.Close()
	close(t.done)

	t.logger.Debug("websocket closed",
		"reason", reason,
		"bytes_sent", t.bytesSent.Load(),
		"bytes_recv", t.bytesRecv.Load())
}
