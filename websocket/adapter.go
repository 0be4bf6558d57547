package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Arvindchoudhary21/editor/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Options tunes a relay-side connection.
type Options struct {
	Mode            domain.DeliveryMode
	DeliveryTimeout time.Duration
	SendBuffer      int
	MaxMessageSize  int64
}

// Conn adapts one gorilla websocket to domain.Connection. Reads are handled
// sequentially on one goroutine, so a participant's events reach the handler
// in the order they were sent.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	handler domain.MessageHandler
	opts    Options
	log     *slog.Logger
}

func NewConn(id string, ws *websocket.Conn, h domain.MessageHandler, opts Options, log *slog.Logger) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		handler: h,
		opts:    opts,
		log:     log.With("clientId", id),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues data for the write pump. In at-most-once mode a full queue
// drops the frame immediately; in ack mode Send waits up to the delivery
// timeout first.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}

	if c.opts.Mode != domain.RequireAck {
		select {
		case c.send <- data:
			return nil
		default:
			return domain.ErrDeliveryTimeout
		}
	}

	timer := time.NewTimer(c.opts.DeliveryTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrConnectionClosed
	case <-timer.C:
		return domain.ErrDeliveryTimeout
	}
}

// Close stops the connection. The write pump sends a close frame and then
// closes the socket; an unstarted connection is closed directly.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	if !c.started.Load() {
		return c.ws.Close()
	}
	return nil
}

func (c *Conn) Start() {
	c.started.Store(true)
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.handler.Disconnect(c)
		c.Close()
	}()

	if c.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error("read error", "error", err)
			}
			return
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.once.Do(func() { close(c.done) })
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
