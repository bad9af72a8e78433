package dataflow

import (
	"fmt"
	"sync"

	"github.com/schwoere/utdataflow/errors"
)

// PullSupplier is the supplying side of a pull connection: the handler
// computes a measurement for the requested timestamp. The supplier's
// component mutex is held around the handler.
type PullSupplier[T any] struct {
	basePort

	handler func(Timestamp) (Measurement[T], error)
}

// NewPullSupplier creates and registers a pull supplier port.
func NewPullSupplier[T any](comp Component, name string, handler func(Timestamp) (Measurement[T], error)) (*PullSupplier[T], error) {
	p := &PullSupplier[T]{basePort: newBasePort(name, comp), handler: handler}
	if err := comp.registerPort(p); err != nil {
		return nil, err
	}
	return p, nil
}

// EventType implements Port.
func (p *PullSupplier[T]) EventType() string { return eventTypeName[T]() }

// Connect implements Port: the supplier side only validates; the
// consumer holds the reference.
func (p *PullSupplier[T]) Connect(other Port) error {
	if other.EventType() != p.EventType() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
				p.FullName(), p.EventType(), other.FullName(), other.EventType()),
			"PullSupplier", "Connect", "type check")
	}
	return nil
}

// Disconnect implements Port.
func (p *PullSupplier[T]) Disconnect(Port) error { return nil }

// get locks the supplier's component and runs the handler.
func (p *PullSupplier[T]) get(t Timestamp) (Measurement[T], error) {
	p.comp.Mutex().Lock()
	defer p.comp.Mutex().Unlock()
	return p.handler(t)
}

// PullConsumer is the requesting side of a pull connection. At most one
// supplier may be connected.
type PullConsumer[T any] struct {
	basePort

	mu       sync.Mutex
	supplier pullSource[T]
}

// NewPullConsumer creates and registers a pull consumer port.
func NewPullConsumer[T any](comp Component, name string) (*PullConsumer[T], error) {
	p := &PullConsumer[T]{basePort: newBasePort(name, comp)}
	if err := comp.registerPort(p); err != nil {
		return nil, err
	}
	return p, nil
}

// EventType implements Port.
func (p *PullConsumer[T]) EventType() string { return eventTypeName[T]() }

// Connect implements Port.
func (p *PullConsumer[T]) Connect(other Port) error {
	source, ok := other.(pullSource[T])
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
				other.FullName(), other.EventType(), p.FullName(), p.EventType()),
			"PullConsumer", "Connect", "type check")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supplier != nil {
		return errors.WrapInvalid(errors.ErrAlreadyConnected, "PullConsumer", "Connect", "single supplier check")
	}
	p.supplier = source
	return nil
}

// Disconnect implements Port.
func (p *PullConsumer[T]) Disconnect(other Port) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supplier == nil {
		return errors.WrapInvalid(errors.ErrNotConnected, "PullConsumer", "Disconnect", "lookup")
	}
	p.supplier = nil
	return nil
}

// Get pulls a measurement for the given timestamp from the connected
// supplier, synchronously on the calling goroutine.
func (p *PullConsumer[T]) Get(t Timestamp) (Measurement[T], error) {
	p.mu.Lock()
	supplier := p.supplier
	p.mu.Unlock()

	if supplier == nil {
		var zero Measurement[T]
		return zero, errors.WrapTransient(errors.ErrNoConnection, "PullConsumer", "Get", p.FullName())
	}
	return supplier.get(t)
}
