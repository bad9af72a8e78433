package bridge

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/schwoere/utdataflow/errors"
)

// NATSTransport moves envelopes over NATS subjects, one subject per
// producer edge. It is the brokered alternative to the TCP uplink for
// deployments that already run a NATS cluster.
type NATSTransport struct {
	nc      *nats.Conn
	prefix  string
	logger  *slog.Logger
	subs    []*nats.Subscription
	ownConn bool
}

// NewNATSTransport connects to a NATS server.
func NewNATSTransport(url, subjectPrefix string, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subjectPrefix == "" {
		subjectPrefix = "utdataflow.measurements"
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "server", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSTransport", "New", "connect")
	}

	return &NATSTransport{nc: nc, prefix: subjectPrefix, logger: logger, ownConn: true}, nil
}

// WrapNATSConn builds a transport over an existing connection.
func WrapNATSConn(nc *nats.Conn, subjectPrefix string, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if subjectPrefix == "" {
		subjectPrefix = "utdataflow.measurements"
	}
	return &NATSTransport{nc: nc, prefix: subjectPrefix, logger: logger}
}

func (t *NATSTransport) subject(patternID, edgeName string) string {
	return fmt.Sprintf("%s.%s.%s", t.prefix, patternID, edgeName)
}

// Send implements Transport.
func (t *NATSTransport) Send(e Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	if err := t.nc.Publish(t.subject(e.PatternID, e.EdgeName), data); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Send", "publish")
	}
	return nil
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(patternID, edgeName string, handler func(Envelope)) error {
	sub, err := t.nc.Subscribe(t.subject(patternID, edgeName), func(msg *nats.Msg) {
		env, err := UnmarshalEnvelope(msg.Data)
		if err != nil {
			t.logger.Warn("dropping undecodable bridge payload", "subject", msg.Subject, "error", err)
			return
		}
		handler(env)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Subscribe", "subscribe")
	}
	t.subs = append(t.subs, sub)
	return nil
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	if t.ownConn {
		t.nc.Close()
	}
	return nil
}
