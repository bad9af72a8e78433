// Package bridge implements the network bridge components that hand
// measurements between dataflow networks on different clients. A
// producing client runs a network sink attached to the producer edge; a
// consuming client runs a network source that re-injects the
// measurements under the producer's pattern id and edge name, as handed
// off by the remotePatternID / remoteEdgeName attributes.
//
// Two transports are provided: the framed TCP uplink to the dataflow
// server and a NATS subject mapping for brokered deployments.
package bridge

import (
	"encoding/json"

	"github.com/schwoere/utdataflow/errors"
)

// Envelope is the wire representation of one measurement crossing
// client boundaries.
type Envelope struct {
	// PatternID and EdgeName identify the producer edge.
	PatternID string `json:"patternID"`
	EdgeName  string `json:"edgeName"`

	// Time is the measurement timestamp in nanoseconds.
	Time uint64 `json:"time"`

	// Value is the JSON-encoded measurement payload; the bridge never
	// inspects it.
	Value json.RawMessage `json:"value"`
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Marshal", "JSON encoding")
	}
	return data, nil
}

// UnmarshalEnvelope decodes one wire payload.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "Unmarshal", "JSON decoding")
	}
	return e, nil
}

// Transport moves envelopes between clients.
type Transport interface {
	// Send ships one envelope.
	Send(e Envelope) error

	// Subscribe registers a handler for envelopes of one producer edge.
	Subscribe(patternID, edgeName string, handler func(Envelope)) error

	// Close releases the transport.
	Close() error
}
