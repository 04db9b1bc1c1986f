package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/realtime-chat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10

	DefaultBufferSize = 256
)

// WSConn is a websocket client connection with a bounded outbound buffer
// drained by its own write pump.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewWSConn wraps an upgraded websocket. Call Serve to start pumping.
func NewWSConn(ws *websocket.Conn, bufferSize int, logger *slog.Logger) *WSConn {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &WSConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal event", "type", env.Type, "error", err)
		return err
	}
	return c.enqueue(data, true)
}

func (c *WSConn) TrySend(env models.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal event", "type", env.Type, "error", err)
		return false
	}
	return c.enqueue(data, false) == nil
}

func (c *WSConn) enqueue(data []byte, closeOnFull bool) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
	}

	if closeOnFull {
		c.logger.Warn("outbound buffer full, dropping slow connection")
		c.Close()
	}
	return ErrBufferFull
}

func (c *WSConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Serve starts the write pump and runs the read pump on the calling
// goroutine, handing each text frame to onFrame in arrival order. It returns
// when the connection is gone.
func (c *WSConn) Serve(onFrame func([]byte)) {
	go c.writePump()
	c.readPump(onFrame)
}

func (c *WSConn) readPump(onFrame func([]byte)) {
	defer func() {
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onFrame(message)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Info("failed to write message", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
