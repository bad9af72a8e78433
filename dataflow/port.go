package dataflow

import (
	"reflect"

	"github.com/schwoere/utdataflow/dataflow/eventqueue"
)

// Port is one named, typed endpoint of a component. Type compatibility
// is checked at connect time; after that, events flow through
// type-erased callables and the queue never inspects payloads.
type Port interface {
	eventqueue.Receiver

	Name() string
	Component() Component

	// EventType identifies the event payload type for connect-time
	// checking and diagnostics.
	EventType() string

	// Connect and Disconnect are called in both directions on the two
	// endpoints; if the second call fails the first is rolled back.
	Connect(other Port) error
	Disconnect(other Port) error
}

type basePort struct {
	name string
	comp Component
}

func newBasePort(name string, comp Component) basePort {
	return basePort{name: name, comp: comp}
}

// Name returns the port name, unique within its component.
func (p *basePort) Name() string { return p.name }

// Component returns the owning component.
func (p *basePort) Component() Component { return p.comp }

// FullName returns "component:port" for logging.
func (p *basePort) FullName() string { return p.comp.Name() + ":" + p.name }

// eventTypeName returns the canonical type token of an event payload.
func eventTypeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// pushSink is the receiving side of a push connection: a consumer port
// that can accept type-erased deliveries via the event queue.
type pushSink[T any] interface {
	Port
	receiverInfo() *eventqueue.ReceiverInfo
	deliver(m Measurement[T])
}

// pullSource is the supplying side of a pull connection.
type pullSource[T any] interface {
	Port
	get(t Timestamp) (Measurement[T], error)
}

// asPushSink resolves a port to a push sink of event type T, going
// through a sink adapter when the port serves several event types.
func asPushSink[T any](p Port) (pushSink[T], bool) {
	if sink, ok := p.(pushSink[T]); ok {
		return sink, true
	}
	if a, ok := p.(sinkAdapter); ok {
		if adapted, ok := a.adaptSink(eventTypeName[T]()); ok {
			sink, ok := adapted.(pushSink[T])
			return sink, ok
		}
	}
	return nil, false
}
