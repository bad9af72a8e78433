package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/utql"
)

// WebsocketIngress accepts announcement documents over websocket, for
// browser-based clients that cannot speak the framed TCP protocol.
// Responses are pushed back over the same socket as text messages.
type WebsocketIngress struct {
	listener *Listener
	upgrader websocket.Upgrader
}

// NewWebsocketIngress creates a websocket ingress sharing the TCP
// listener's client registry, so a response round reaches websocket and
// TCP clients alike.
func NewWebsocketIngress(listener *Listener) *WebsocketIngress {
	return &WebsocketIngress{
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Run serves the websocket endpoint until the context is cancelled.
func (w *WebsocketIngress) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/utql", w.handle)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	w.listener.server.logger.Info("accepting websocket clients", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "WebsocketIngress", "Run", "serve")
	}
	return nil
}

func (w *WebsocketIngress) handle(rw http.ResponseWriter, req *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		w.listener.server.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	w.listener.addClient(client)
	defer func() {
		w.listener.removeClient(client)
		_ = conn.Close()
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			w.listener.server.logger.Info("websocket client disconnected",
				"client", client.id, "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		doc, err := utql.ReadString(string(payload))
		if err != nil {
			w.listener.server.logger.Warn("rejecting undecodable websocket request",
				"client", client.id, "error", err)
			continue
		}

		for _, g := range doc.Subgraphs {
			if err := w.listener.server.ProcessAnnouncement(g, client.id); err != nil {
				w.listener.server.logger.Warn("announcement rejected",
					"client", client.id, "subgraph", g.Name, "error", err)
			}
		}

		w.listener.Broadcast()
	}
}

// wsClient is one websocket client session.
type wsClient struct {
	id   string
	conn *websocket.Conn
}

func (c *wsClient) clientID() string { return c.id }

func (c *wsClient) sendResponse(doc string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(doc))
}
