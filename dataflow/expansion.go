package dataflow

import (
	"fmt"
	"sync"

	"github.com/schwoere/utdataflow/dataflow/eventqueue"
	"github.com/schwoere/utdataflow/errors"
)

// ExpansionInPort is a triggered input port that can be time- or
// space-expanded. It connects to push/pull suppliers of either the
// scalar event type T or the vector type []T.
//
// A time-expanded port aggregates the same logical input over time:
// every incoming scalar is appended to a growing vector.
//
// A space-expanded port is one of several sibling ports of the same
// type cloned from a master at connect time. Slaves forward triggers to
// the master, which aggregates the siblings' scalars into a vector
// measurement for a common timestamp and fires the computation. A
// scalar with a new timestamp resets the accumulator.
type ExpansionInPort[T any] struct {
	basePort

	push bool
	ts   Timestamp

	single Measurement[T]
	vector Measurement[[]T]

	grp *TriggerGroup

	mu             sync.Mutex
	scalarSupplier pullSource[T]
	vectorSupplier pullSource[[]T]

	info *eventqueue.ReceiverInfo

	master *ExpansionInPort[T]
	slaves []*ExpansionInPort[T]

	// vectorAdapter is the cached vector-typed sink view; suppliers
	// keep it in their fan-out lists, so it must be stable.
	vectorAdapter *expansionVectorSink[T]

	owner *TriggerComponent
}

// NewExpansionInPort creates and registers an expansion input port.
// Pass a negative group to use the default: time-expanded ports reside
// in a separate trigger group so a pulled output does not drag them;
// only push events may trigger them.
func NewExpansionInPort[T any](tc *TriggerComponent, name string, group int) (*ExpansionInPort[T], error) {
	push, err := tc.IsPortPush(name)
	if err != nil {
		return nil, err
	}

	if group < 0 {
		timeExp, err := tc.IsTimeExpansion()
		if err != nil {
			return nil, err
		}
		if timeExp {
			group = ExpansionTriggerGroup
		} else {
			group = DefaultTriggerGroup
		}
	}

	p := &ExpansionInPort[T]{
		basePort: newBasePort(name, tc),
		push:     push,
		owner:    tc,
	}
	p.vector = Measurement[[]T]{}
	p.info = &eventqueue.ReceiverInfo{
		Port:           p,
		Mutex:          tc.Mutex(),
		MaxQueueLength: 1,
	}
	if err := tc.registerPort(p); err != nil {
		return nil, err
	}
	p.grp = tc.addTriggerInput(p, group)
	return p, nil
}

// EventType implements Port; expansion ports present their scalar type.
func (p *ExpansionInPort[T]) EventType() string { return eventTypeName[T]() }

// acceptsEventType reports connectability for both the scalar and the
// vector event type.
func (p *ExpansionInPort[T]) acceptsEventType(name string) bool {
	return name == eventTypeName[T]() || name == eventTypeName[[]T]()
}

// Get returns the aggregated vector measurement.
func (p *ExpansionInPort[T]) Get() Measurement[[]T] { return p.vector }

// Single returns the last received scalar measurement.
func (p *ExpansionInPort[T]) Single() Measurement[T] { return p.single }

func (p *ExpansionInPort[T]) isPush() bool         { return p.push }
func (p *ExpansionInPort[T]) timestamp() Timestamp { return p.ts }
func (p *ExpansionInPort[T]) group() *TriggerGroup { return p.grp }

func (p *ExpansionInPort[T]) eventsWaiting() bool {
	return p.info.Queued() > 0
}

// newSlave clones this port for space expansion.
func (p *ExpansionInPort[T]) newSlave(name string, group int) (triggerInPort, error) {
	slave, err := NewExpansionInPort[T](p.owner, name, group)
	if err != nil {
		return nil, err
	}
	slave.master = p
	p.slaves = append(p.slaves, slave)
	return slave, nil
}

// storeMeasurement adds the stored scalar to the expansion accumulator:
// the master's vector for space expansion, the own vector otherwise. A
// new timestamp resets a space accumulator; a time expansion keeps
// growing.
func (p *ExpansionInPort[T]) storeMeasurement() {
	// nothing to contribute unless the stored scalar belongs to the
	// current trigger round (vector deliveries bypass the accumulator)
	if p.single.Time != p.ts {
		return
	}

	target := p
	if p.master != nil {
		target = p.master
	}

	spaceExpanded := p.master != nil || len(p.slaves) > 0
	if spaceExpanded && target.vector.Time != p.single.Time {
		target.vector = Measurement[[]T]{Time: p.single.Time}
	}
	target.vector.Value = append(target.vector.Value, p.single.Value)
	target.vector.Time = p.single.Time
}

func (p *ExpansionInPort[T]) receiverInfo() *eventqueue.ReceiverInfo { return p.info }

// deliver receives a scalar push and triggers the expansion group.
func (p *ExpansionInPort[T]) deliver(m Measurement[T]) {
	p.owner.Logger().Debug("received single measurement", "port", p.FullName(), "time", m.Time)
	p.ts = m.Time
	p.single = m
	p.afterPush()
}

// deliverVector receives an already-aggregated vector push.
func (p *ExpansionInPort[T]) deliverVector(m Measurement[[]T]) {
	p.owner.Logger().Debug("received vector measurement", "port", p.FullName(), "time", m.Time)
	p.ts = m.Time
	p.vector = m
	if p.grp.Trigger(p.ts) {
		p.grp.StoreMeasurements()
		if p.master != nil {
			p.master.slaveTrigger(p.ts)
		} else {
			p.owner.TriggerIn(p)
		}
	}
}

func (p *ExpansionInPort[T]) afterPush() {
	if !p.grp.Trigger(p.ts) {
		return
	}
	p.grp.StoreMeasurements()

	switch {
	case p.master != nil:
		p.master.slaveTrigger(p.ts)
	case len(p.slaves) > 0:
		// master ports with slaves fire via slaveTrigger only
	default:
		// plain time expansion: trigger the component directly
		p.owner.TriggerIn(p)
	}
}

// slaveTrigger fires the component unless a push slave still has events
// waiting for this round.
func (p *ExpansionInPort[T]) slaveTrigger(Timestamp) {
	for _, s := range p.slaves {
		if s.eventsWaiting() {
			return
		}
	}
	p.owner.TriggerIn(p)
}

// pull fetches a measurement from the connected scalar or vector
// supplier. Space-expanded ports (masters and slaves) only verify that
// the aggregated timestamp matches.
func (p *ExpansionInPort[T]) pull(t Timestamp) error {
	if len(p.slaves) > 0 || p.master != nil {
		if p.ts != t {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s at %d", errors.ErrNoMeasurement, p.FullName(), t),
				"ExpansionInPort", "pull", "timestamp check")
		}
		return nil
	}

	p.mu.Lock()
	scalar, vector := p.scalarSupplier, p.vectorSupplier
	p.mu.Unlock()

	switch {
	case scalar != nil:
		m, err := scalar.get(t)
		if err != nil {
			return err
		}
		p.single = m
		p.ts = m.Time
		p.storeMeasurement()
		return nil
	case vector != nil:
		m, err := vector.get(t)
		if err != nil {
			return err
		}
		p.vector = m
		p.ts = m.Time
		return nil
	}
	return errors.WrapTransient(errors.ErrNoConnection, "ExpansionInPort", "pull", p.FullName())
}

// Connect implements Port: the other endpoint may supply the scalar or
// the vector event type, in the port's configured mode.
func (p *ExpansionInPort[T]) Connect(other Port) error {
	if p.push {
		switch other.(type) {
		case *PushSupplier[T], *TriggerOutPort[T], *PushSupplier[[]T], *TriggerOutPort[[]T]:
			return nil
		}
		return p.typeError(other)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if scalar, ok := other.(pullSource[T]); ok {
		if p.scalarSupplier != nil || p.vectorSupplier != nil {
			return errors.WrapInvalid(errors.ErrAlreadyConnected, "ExpansionInPort", "Connect", "single supplier check")
		}
		p.scalarSupplier = scalar
		return nil
	}
	if vector, ok := other.(pullSource[[]T]); ok {
		if p.scalarSupplier != nil || p.vectorSupplier != nil {
			return errors.WrapInvalid(errors.ErrAlreadyConnected, "ExpansionInPort", "Connect", "single supplier check")
		}
		p.vectorSupplier = vector
		return nil
	}
	return p.typeError(other)
}

// Disconnect implements Port.
func (p *ExpansionInPort[T]) Disconnect(Port) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scalarSupplier = nil
	p.vectorSupplier = nil
	return nil
}

func (p *ExpansionInPort[T]) typeError(other Port) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s (%s) -> %s (%s or %s)", errors.ErrTypeMismatch,
			other.FullName(), other.EventType(), p.FullName(),
			eventTypeName[T](), eventTypeName[[]T]()),
		"ExpansionInPort", "Connect", "type check")
}

// VectorSink adapts the expansion port for vector-typed push suppliers:
// a PushSupplier[[]T] connects to the adapter returned here.
func (p *ExpansionInPort[T]) VectorSink() Port {
	if p.vectorAdapter == nil {
		p.vectorAdapter = &expansionVectorSink[T]{p: p}
	}
	return p.vectorAdapter
}

// expansionVectorSink presents an ExpansionInPort as a pushSink[[]T].
type expansionVectorSink[T any] struct {
	p *ExpansionInPort[T]
}

func (v *expansionVectorSink[T]) Name() string { return v.p.Name() }
func (v *expansionVectorSink[T]) FullName() string { return v.p.FullName() }
func (v *expansionVectorSink[T]) Component() Component { return v.p.Component() }
func (v *expansionVectorSink[T]) EventType() string { return eventTypeName[[]T]() }
func (v *expansionVectorSink[T]) Connect(other Port) error { return v.p.Connect(other) }
func (v *expansionVectorSink[T]) Disconnect(other Port) error { return v.p.Disconnect(other) }
func (v *expansionVectorSink[T]) receiverInfo() *eventqueue.ReceiverInfo { return v.p.info }
func (v *expansionVectorSink[T]) deliver(m Measurement[[]T]) { v.p.deliverVector(m) }

// sinkAdapter lets suppliers of other event types locate a compatible
// sink view of a port.
type sinkAdapter interface {
	adaptSink(eventType string) (Port, bool)
}

func (p *ExpansionInPort[T]) adaptSink(eventType string) (Port, bool) {
	switch eventType {
	case eventTypeName[T]():
		return p, true
	case eventTypeName[[]T]():
		return p.VectorSink(), true
	}
	return nil, false
}
