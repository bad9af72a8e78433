package wire

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/schwoere/utdataflow/errors"
)

// ReceiveHandler processes one received payload.
type ReceiveHandler func(payload []byte)

// Connection wraps a stream connection with the framed wire format.
// Send is safe for concurrent use. Protocol violations mark the
// connection bad; a bad connection only fails itself, the rest of the
// system continues.
type Connection struct {
	conn net.Conn
	name string

	writeMu sync.Mutex
	bad     atomic.Bool

	logger *slog.Logger
}

// NewConnection wraps an established connection.
func NewConnection(conn net.Conn, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		conn:   conn,
		name:   conn.RemoteAddr().String(),
		logger: logger,
	}
}

// Name identifies the remote side.
func (c *Connection) Name() string { return c.name }

// Bad reports whether the connection has been marked bad.
func (c *Connection) Bad() bool { return c.bad.Load() }

// Close closes the underlying connection.
func (c *Connection) Close() error { return c.conn.Close() }

// Send writes one framed payload. Oversized payloads and write errors
// mark the connection bad.
func (c *Connection) Send(payload []byte) error {
	if c.bad.Load() {
		return errors.WrapTransient(errors.ErrBadConnection, "Connection", "Send", c.name)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, payload); err != nil {
		c.bad.Store(true)
		return err
	}
	return nil
}

// SendKeepAlive writes a keep-alive frame.
func (c *Connection) SendKeepAlive() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(KeepAlive); err != nil {
		c.bad.Store(true)
		return errors.WrapTransient(err, "Connection", "SendKeepAlive", c.name)
	}
	return nil
}

// Receive reads the next payload, blocking. Errors mark the connection
// bad.
func (c *Connection) Receive() ([]byte, error) {
	payload, err := ReadFrame(c.conn)
	if err != nil {
		c.bad.Store(true)
		return nil, err
	}
	return payload, nil
}

// ReadLoop receives payloads until the connection goes bad, invoking
// the handler for each. Handler panics are caught and logged so a
// misbehaving handler cannot kill the reader.
func (c *Connection) ReadLoop(handler ReceiveHandler) {
	for {
		payload, err := c.Receive()
		if err != nil {
			c.logger.Info("connection closed", "remote", c.name, "error", err)
			return
		}
		c.handle(handler, payload)
	}
}

func (c *Connection) handle(handler ReceiveHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("receive handler panicked", "remote", c.name, "panic", r)
		}
	}()
	handler(payload)
}
