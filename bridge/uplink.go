package bridge

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/pkg/retry"
	"github.com/schwoere/utdataflow/wire"
)

func wireNoConnection() error {
	return errors.WrapTransient(errors.ErrNoConnection, "Uplink", "Send", "uplink")
}

// keepAliveInterval paces idle keep-alive frames on the uplink.
const keepAliveInterval = 10 * time.Second

// Uplink is the framed TCP transport to the dataflow server. It
// reconnects with exponential backoff when the connection goes bad and
// dispatches received envelopes to per-edge subscribers.
type Uplink struct {
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *wire.Connection
	handlers map[[2]string][]func(Envelope)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewUplink creates an uplink to the given server address. Call Run to
// connect.
func NewUplink(addr string, logger *slog.Logger) *Uplink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uplink{
		addr:     addr,
		logger:   logger,
		handlers: make(map[[2]string][]func(Envelope)),
		done:     make(chan struct{}),
	}
}

// Run connects and keeps the uplink alive until the context is
// cancelled. It returns after the read loop has ended.
func (u *Uplink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()
	defer close(u.done)

	for ctx.Err() == nil {
		conn, err := retry.DoWithResult(ctx, retry.Persistent(), func() (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", u.addr)
		})
		if err != nil {
			return err
		}

		wc := wire.NewConnection(conn, u.logger)
		u.mu.Lock()
		u.conn = wc
		u.mu.Unlock()
		u.logger.Info("uplink connected", "server", u.addr)

		stop := make(chan struct{})
		go u.keepAlive(ctx, wc, stop)

		wc.ReadLoop(u.dispatch)
		close(stop)
		_ = wc.Close()

		u.mu.Lock()
		u.conn = nil
		u.mu.Unlock()
	}
	return ctx.Err()
}

func (u *Uplink) keepAlive(ctx context.Context, wc *wire.Connection, stop chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := wc.SendKeepAlive(); err != nil {
				return
			}
		}
	}
}

func (u *Uplink) dispatch(payload []byte) {
	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		u.logger.Warn("dropping undecodable bridge payload", "error", err)
		return
	}

	u.mu.Lock()
	handlers := append([]func(Envelope){}, u.handlers[[2]string{env.PatternID, env.EdgeName}]...)
	u.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// Send implements Transport.
func (u *Uplink) Send(e Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return wireNoConnection()
	}
	return conn.Send(data)
}

// Subscribe implements Transport.
func (u *Uplink) Subscribe(patternID, edgeName string, handler func(Envelope)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := [2]string{patternID, edgeName}
	u.handlers[key] = append(u.handlers[key], handler)
	return nil
}

// Close implements Transport.
func (u *Uplink) Close() error {
	u.mu.Lock()
	cancel := u.cancel
	conn := u.conn
	u.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
		<-u.done
	}
	return nil
}
