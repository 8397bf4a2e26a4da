package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for each inbound frame. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

const defaultSendBuffer = 256

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

// NewConnection counts the connection on wg straight away; Close releases it,
// whether or not Run was ever called.
func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	buf := config.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	if wg != nil {
		wg.Add(1)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, buf),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

// Run starts the pumps. It does nothing once the connection is closed.
func (c *Connection) Run() {
	if c.ctx.Err() != nil {
		c.logger.Debug("Run on a closed connection ignored")
		return
	}
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		typ, message, err := c.read()
		if err != nil {
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) read() (websocket.MessageType, []byte, error) {
	readCtx := c.ctx
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		defer cancel()
	}
	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return 0, nil, err
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Error("Failed to read frame", slog.Any("error", err))
		return 0, nil, err
	}
	return typ, message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	writeCtx := c.ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return c.conn.Write(writeCtx, websocket.MessageText, message)
}

// Send queues a message for the client. It never blocks: a full buffer or a
// closed connection drops the message and reports false.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Send buffer full, dropping message")
		return false
	}
}

// Close shuts the connection down. Safe to call more than once and from any goroutine.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			reason := ""
			if err != nil && !errors.Is(err, context.Canceled) {
				reason = err.Error()
			}
			if len(reason) > 120 {
				reason = reason[:120]
			}
			c.conn.Close(websocket.StatusNormalClosure, reason)
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}
