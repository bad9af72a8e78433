package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/schwoere/utdataflow/dataflow"
	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/utql"
)

// remoteEdge extracts the producer identity a bridge component serves:
// the remotePatternID / remoteEdgeName attributes of the subgraph's
// first input edge, with the dataflow attributes as fallback.
func remoteEdge(g *utql.Subgraph) (string, string, error) {
	for _, e := range g.InputEdges() {
		if e.Attributes.Has("remotePatternID") {
			return e.Attributes.Get("remotePatternID").Text(),
				e.Attributes.Get("remoteEdgeName").Text(), nil
		}
	}
	if g.DataflowAttributes.Has("remotePatternID") {
		return g.DataflowAttributes.Get("remotePatternID").Text(),
			g.DataflowAttributes.Get("remoteEdgeName").Text(), nil
	}
	return "", "", errors.WrapInvalid(
		fmt.Errorf("subgraph %s carries no remote edge reference", g.ID),
		"bridge", "remoteEdge", "attribute lookup")
}

// NetworkSource re-injects measurements received from another client
// into the local dataflow. It subscribes to the producer edge named by
// the hand-off attributes and pushes decoded measurements.
type NetworkSource[T any] struct {
	*dataflow.BaseComponent

	out       *dataflow.PushSupplier[T]
	transport Transport
	patternID string
	edgeName  string
}

// NewNetworkSource creates a network source component.
func NewNetworkSource[T any](name string, g *utql.Subgraph, transport Transport, deps dataflow.Dependencies) (*NetworkSource[T], error) {
	patternID, edgeName, err := remoteEdge(g)
	if err != nil {
		return nil, err
	}

	c := &NetworkSource[T]{
		BaseComponent: dataflow.NewBaseComponent(name, deps.Logger),
		transport:     transport,
		patternID:     patternID,
		edgeName:      edgeName,
	}
	c.out, err = dataflow.NewPushSupplier[T](c.BaseComponent, "output", deps.Queue)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start subscribes to the remote producer edge.
func (c *NetworkSource[T]) Start() error {
	if err := c.BaseComponent.Start(); err != nil {
		return err
	}
	return c.transport.Subscribe(c.patternID, c.edgeName, func(env Envelope) {
		if !c.Running() {
			return
		}
		var value T
		if err := json.Unmarshal(env.Value, &value); err != nil {
			c.Logger().Warn("dropping undecodable measurement",
				"pattern", c.patternID, "edge", c.edgeName, "error", err)
			return
		}
		c.out.Send(dataflow.NewMeasurement(dataflow.Timestamp(env.Time), value))
	})
}

// NetworkSink ships locally produced measurements to other clients. It
// consumes the producer edge and forwards every measurement under the
// producer's identity.
type NetworkSink[T any] struct {
	*dataflow.BaseComponent

	transport Transport
	patternID string
	edgeName  string
}

// NewNetworkSink creates a network sink component.
func NewNetworkSink[T any](name string, g *utql.Subgraph, transport Transport, deps dataflow.Dependencies) (*NetworkSink[T], error) {
	patternID, edgeName, err := remoteEdge(g)
	if err != nil {
		return nil, err
	}

	c := &NetworkSink[T]{
		BaseComponent: dataflow.NewBaseComponent(name, deps.Logger),
		transport:     transport,
		patternID:     patternID,
		edgeName:      edgeName,
	}
	_, err = dataflow.NewPushConsumer[T](c.BaseComponent, "input", c.forward, 1)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *NetworkSink[T]) forward(m dataflow.Measurement[T]) {
	if !c.Running() {
		return
	}
	value, err := json.Marshal(m.Value)
	if err != nil {
		c.Logger().Warn("dropping unencodable measurement", "error", err)
		return
	}
	err = c.transport.Send(Envelope{
		PatternID: c.patternID,
		EdgeName:  c.edgeName,
		Time:      uint64(m.Time),
		Value:     value,
	})
	if err != nil {
		c.Logger().Warn("bridge send failed", "pattern", c.patternID, "edge", c.edgeName, "error", err)
	}
}

// Register adds the bridge component classes for the scalar and pose
// measurement types to a factory, all sharing one transport.
func Register(f *dataflow.Factory, transport Transport) error {
	registrations := []*dataflow.Registration{
		{
			Class:       "NetworkSourceScalar",
			Description: "receives scalar measurements from another client",
			New: func(name string, g *utql.Subgraph, deps dataflow.Dependencies) (dataflow.Component, error) {
				return NewNetworkSource[float64](name, g, transport, deps)
			},
		},
		{
			Class:       "NetworkSinkScalar",
			Description: "ships scalar measurements to other clients",
			New: func(name string, g *utql.Subgraph, deps dataflow.Dependencies) (dataflow.Component, error) {
				return NewNetworkSink[float64](name, g, transport, deps)
			},
		},
		{
			Class:       "NetworkSourcePose",
			Description: "receives pose measurements from another client",
			New: func(name string, g *utql.Subgraph, deps dataflow.Dependencies) (dataflow.Component, error) {
				return NewNetworkSource[[]float64](name, g, transport, deps)
			},
		},
		{
			Class:       "NetworkSinkPose",
			Description: "ships pose measurements to other clients",
			New: func(name string, g *utql.Subgraph, deps dataflow.Dependencies) (dataflow.Component, error) {
				return NewNetworkSink[[]float64](name, g, transport, deps)
			},
		},
	}

	for _, reg := range registrations {
		if err := f.Register(reg); err != nil {
			return err
		}
	}
	return nil
}
