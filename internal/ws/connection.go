package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"codepair/internal/config"
	"codepair/pkg/protocol"
)

// Connection wraps one WebSocket with a single writer goroutine so that
// concurrent handlers can send without racing on the socket.
type Connection struct {
	id      string
	conn    *websocket.Conn
	writeCh chan []byte
	timeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewConnection wraps an upgraded socket and assigns it a connection id.
func NewConnection(conn *websocket.Conn, cfg config.WebSocketConfig, logger zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.New().String(),
		conn:    conn,
		writeCh: make(chan []byte, cfg.SendBuffer),
		timeout: cfg.WriteTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.log = logger.With().Str("connection_id", c.id).Logger()

	go c.writeLoop()
	return c
}

// ID returns the server-assigned connection id. This is the identity clients
// use for self-echo filtering and targeted signaling.
func (c *Connection) ID() string { return c.id }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() zerolog.Logger { return c.log }

// Done is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals an event payload and queues it for delivery. Delivery is
// best-effort at-most-once, in the order Send is called.
func (c *Connection) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.timeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadEnvelope blocks for the next frame from the client.
func (c *Connection) ReadEnvelope() (*protocol.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// StartHeartbeat installs transport-level ping/pong dead-connection detection.
// It bounds nothing else; individual operations carry no timeouts.
func (c *Connection) StartHeartbeat(cfg config.WebSocketConfig) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(cfg.WriteTimeout)
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close shuts the connection down exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
