package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tandem/api/internal/util"
)

type ConnConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	return c
}

// CommandHandler is invoked on the read goroutine for every client frame.
type CommandHandler func(ctx context.Context, conn *Conn, msg Message)

// Conn is one client socket. Frames queued with Send are written by a single
// writer goroutine in queue order.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	cfg    ConnConfig
	log    logrus.FieldLogger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, userID string, cfg ConnConfig, logger logrus.FieldLogger) *Conn {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := util.NewID("conn")
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		cfg:    cfg,
		log:    logger.WithFields(logrus.Fields{"connection_id": id, "user_id": userID}),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Send queues frame without blocking. It reports false when the buffer is
// full or the connection has closed.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Emit encodes and queues a frame addressed to this connection only.
func (c *Conn) Emit(event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.WithError(err).WithField("event", event).Warn("encode direct frame")
		return false
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return false
	}
	return c.Send(frame)
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Run serves the socket until the client disconnects or ctx ends.
func (c *Conn) Run(ctx context.Context, handle CommandHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	go c.writePump()
	c.readPump(ctx, handle)
}

func (c *Conn) readPump(ctx context.Context, handle CommandHandler) {
	pongWait := c.cfg.PingInterval * 2
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.log.WithError(err).Debug("socket read ended")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.log.Debug("ignoring malformed frame")
			continue
		}
		handle(ctx, c, msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.WithError(err).Debug("socket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
