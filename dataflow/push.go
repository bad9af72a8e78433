package dataflow

import (
	"fmt"
	"sync"

	"github.com/schwoere/utdataflow/dataflow/eventqueue"
	"github.com/schwoere/utdataflow/errors"
)

// PushSupplier is the sending side of a push connection. One supplier
// may fan out to many consumers; Send enqueues one event per connected
// consumer with the consumer component's priority offset applied.
type PushSupplier[T any] struct {
	basePort

	mu    sync.Mutex
	sinks []pushSink[T]
	queue *eventqueue.Queue
}

// NewPushSupplier creates and registers a push supplier port.
func NewPushSupplier[T any](comp Component, name string, queue *eventqueue.Queue) (*PushSupplier[T], error) {
	if queue == nil {
		queue = eventqueue.Default()
	}
	p := &PushSupplier[T]{basePort: newBasePort(name, comp), queue: queue}
	if err := comp.registerPort(p); err != nil {
		return nil, err
	}
	return p, nil
}

// EventType implements Port.
func (p *PushSupplier[T]) EventType() string { return eventTypeName[T]() }

// Connect implements Port: the other endpoint must be a push consumer
// of the same event type, or adapt one (expansion-in ports accept both
// their scalar and vector type).
func (p *PushSupplier[T]) Connect(other Port) error {
	sink, ok := asPushSink[T](other)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
				p.FullName(), p.EventType(), other.FullName(), other.EventType()),
			"PushSupplier", "Connect", "type check")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sinks {
		if s == sink {
			return errors.WrapInvalid(errors.ErrAlreadyConnected, "PushSupplier", "Connect", "duplicate check")
		}
	}
	p.sinks = append(p.sinks, sink)
	return nil
}

// Disconnect implements Port.
func (p *PushSupplier[T]) Disconnect(other Port) error {
	sink, ok := asPushSink[T](other)
	if !ok {
		return errors.WrapInvalid(errors.ErrNotConnected, "PushSupplier", "Disconnect", "type check")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sinks {
		if s == sink {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			return nil
		}
	}
	return errors.WrapInvalid(errors.ErrNotConnected, "PushSupplier", "Disconnect", "lookup")
}

// Send enqueues the measurement to every connected consumer. The event
// priority is the measurement timestamp plus the receiving component's
// priority offset.
func (p *PushSupplier[T]) Send(m Measurement[T]) {
	p.mu.Lock()
	sinks := append([]pushSink[T](nil), p.sinks...)
	p.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	events := make([]eventqueue.Event, 0, len(sinks))
	for _, sink := range sinks {
		sink := sink
		events = append(events, eventqueue.Event{
			Receiver: sink.receiverInfo(),
			Priority: uint64(m.Time) + uint64(sink.Component().EventPriority()),
			Call:     func() { sink.deliver(m) },
		})
	}
	p.queue.Enqueue(events)
}

// PushConsumer is the receiving side of a push connection. The handler
// runs on the event queue worker with the component mutex held.
type PushConsumer[T any] struct {
	basePort

	handler func(Measurement[T])
	info    *eventqueue.ReceiverInfo
}

// NewPushConsumer creates and registers a push consumer port.
// maxQueueLength caps the number of events queued for this port;
// values <= 0 mean unlimited (must-not-drop events such as button
// presses).
func NewPushConsumer[T any](comp Component, name string, handler func(Measurement[T]), maxQueueLength int) (*PushConsumer[T], error) {
	p := &PushConsumer[T]{
		basePort: newBasePort(name, comp),
		handler:  handler,
	}
	p.info = &eventqueue.ReceiverInfo{
		Port:           p,
		Mutex:          comp.Mutex(),
		MaxQueueLength: maxQueueLength,
	}
	if err := comp.registerPort(p); err != nil {
		return nil, err
	}
	return p, nil
}

// EventType implements Port.
func (p *PushConsumer[T]) EventType() string { return eventTypeName[T]() }

// Connect implements Port: the consumer side only validates; the
// supplier keeps the fan-out list.
func (p *PushConsumer[T]) Connect(other Port) error {
	if _, ok := other.(*PushSupplier[T]); ok {
		return nil
	}
	if _, ok := other.(*TriggerOutPort[T]); ok {
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
			other.FullName(), other.EventType(), p.FullName(), p.EventType()),
		"PushConsumer", "Connect", "type check")
}

// Disconnect implements Port.
func (p *PushConsumer[T]) Disconnect(Port) error { return nil }

func (p *PushConsumer[T]) receiverInfo() *eventqueue.ReceiverInfo { return p.info }

func (p *PushConsumer[T]) deliver(m Measurement[T]) { p.handler(m) }
