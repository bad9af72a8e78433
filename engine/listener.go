package engine

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/utql"
	"github.com/schwoere/utdataflow/wire"
)

// responseSender ships one rendered UTQL response to a client.
type responseSender interface {
	sendResponse(doc string) error
	clientID() string
}

// Listener accepts client connections on the framed TCP wire format,
// feeds their announcements into the server, and pushes response
// documents back to every connected client after each round.
type Listener struct {
	server *Server

	mu      sync.Mutex
	clients map[string]responseSender
}

// NewListener creates a listener for the given announcement server.
func NewListener(server *Server) *Listener {
	return &Listener{
		server:  server,
		clients: make(map[string]responseSender),
	}
}

// Run accepts connections until the context is cancelled.
func (l *Listener) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "Listener", "Run", "listen")
	}
	l.server.logger.Info("accepting client connections", "address", addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.WrapTransient(err, "Listener", "Run", "accept")
			}
			client := newTCPClient(conn, l.server)
			g.Go(func() error {
				l.serveClient(client)
				return nil
			})
		}
	})
	return g.Wait()
}

// serveClient runs one client session: register, read announcements,
// broadcast responses after each document, deregister on close.
func (l *Listener) serveClient(client *tcpClient) {
	l.addClient(client)
	defer l.removeClient(client)

	client.conn.ReadLoop(func(payload []byte) {
		doc, err := utql.ReadString(string(payload))
		if err != nil {
			l.server.logger.Warn("rejecting undecodable request",
				"client", client.clientID(), "error", err)
			return
		}

		for _, g := range doc.Subgraphs {
			if err := l.server.ProcessAnnouncement(g, client.clientID()); err != nil {
				l.server.logger.Warn("announcement rejected",
					"client", client.clientID(), "subgraph", g.Name, "error", err)
			}
		}

		l.Broadcast()
	})
}

// Broadcast recomputes the dataflow distribution and sends each
// client's delta document. Failed sends only affect that client.
func (l *Listener) Broadcast() {
	responses := l.server.GenerateResponses()

	l.mu.Lock()
	clients := make([]responseSender, 0, len(l.clients))
	for _, c := range l.clients {
		clients = append(clients, c)
	}
	l.mu.Unlock()

	for _, client := range clients {
		doc, ok := responses[client.clientID()]
		if !ok {
			continue
		}
		if err := client.sendResponse(doc); err != nil {
			l.server.logger.Warn("failed to send response",
				"client", client.clientID(), "error", err)
		}
	}
}

func (l *Listener) addClient(c responseSender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[c.clientID()] = c
	if l.server.metrics != nil {
		l.server.metrics.Clients.Set(float64(len(l.clients)))
	}
}

func (l *Listener) removeClient(c responseSender) {
	l.mu.Lock()
	delete(l.clients, c.clientID())
	n := len(l.clients)
	l.mu.Unlock()

	if l.server.metrics != nil {
		l.server.metrics.Clients.Set(float64(n))
	}
	l.server.DeregisterClient(c.clientID())
}

// tcpClient is one framed TCP client session.
type tcpClient struct {
	id   string
	conn *wire.Connection
}

func newTCPClient(conn net.Conn, server *Server) *tcpClient {
	return &tcpClient{
		id:   uuid.NewString(),
		conn: wire.NewConnection(conn, server.logger),
	}
}

func (c *tcpClient) clientID() string { return c.id }

func (c *tcpClient) sendResponse(doc string) error {
	return c.conn.Send([]byte(doc))
}
