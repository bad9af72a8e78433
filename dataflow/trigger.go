package dataflow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/schwoere/utdataflow/dataflow/eventqueue"
	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/utql"
)

// DefaultTriggerGroup is the trigger group of ordinary triggered input
// ports. Time-expansion ports default to ExpansionTriggerGroup so they
// do not drag the pull path.
const (
	DefaultTriggerGroup   = 0
	ExpansionTriggerGroup = 1
)

// TriggerComponent provides the synchronization logic shared by
// triggered dataflow components: input ports are partitioned into
// trigger groups; the compute function runs when every port of the
// active group has a value for a common timestamp.
//
// Concrete components embed TriggerComponent, create TriggerInPort /
// TriggerOutPort / ExpansionInPort instances, and set the compute
// function.
type TriggerComponent struct {
	*BaseComponent

	pushOutput bool
	hasNewPush bool

	groups map[int]*TriggerGroup

	// pushPull records the push/pull configuration per port, read from
	// the "mode" edge attribute. True means push.
	pushPull map[string]bool

	expansionConfigured bool
	timeExpansion       bool

	compute func(Timestamp) error

	spacePorts []triggerInPort
}

// NewTriggerComponent reads the push/pull and expansion configuration
// from the subgraph and creates the default trigger group.
func NewTriggerComponent(name string, g *utql.Subgraph, logger *slog.Logger) *TriggerComponent {
	tc := &TriggerComponent{
		BaseComponent: NewBaseComponent(name, logger),
		groups:        make(map[int]*TriggerGroup),
		pushPull:      make(map[string]bool),
	}
	tc.groups[DefaultTriggerGroup] = &TriggerGroup{component: tc, id: DefaultTriggerGroup}

	if g != nil {
		for _, edge := range g.Edges() {
			if edge.Attributes.Has("mode") {
				tc.pushPull[edge.Name] = edge.Attributes.Get("mode").Text() == "push"
			}
		}
		// time expansion can only be configured per component
		tc.expansionConfigured = g.DataflowAttributes.Has("expansion")
		if tc.expansionConfigured {
			tc.timeExpansion = g.DataflowAttributes.Get("expansion").Text() == "time"
		}
	}

	return tc
}

// SetCompute installs the computation. It runs with the component mutex
// held, fetches data from the input ports and sends results to the
// output ports. An error aborts the current fire without propagation.
func (tc *TriggerComponent) SetCompute(fn func(Timestamp) error) {
	tc.compute = fn
}

// HasNewPush reports whether a push input arrived since the last
// compute.
func (tc *TriggerComponent) HasNewPush() bool { return tc.hasNewPush }

// IsPortPush returns the push/pull configuration of a port.
func (tc *TriggerComponent) IsPortPush(name string) (bool, error) {
	push, ok := tc.pushPull[name]
	if !ok {
		return false, errors.WrapInvalid(
			fmt.Errorf("no \"mode\" attribute on port %s:%s", tc.Name(), name),
			"TriggerComponent", "IsPortPush", "mode lookup")
	}
	return push, nil
}

// IsTimeExpansion reports whether this component instance is a time
// expansion.
func (tc *TriggerComponent) IsTimeExpansion() (bool, error) {
	if !tc.expansionConfigured {
		return false, errors.WrapInvalid(
			fmt.Errorf("no \"expansion\" attribute on component %s", tc.Name()),
			"TriggerComponent", "IsTimeExpansion", "configuration lookup")
	}
	return tc.timeExpansion, nil
}

// TriggerIn is called when a push input was received. With a push
// output, the default group is triggered and compute runs; with a pull
// output nothing happens until a downstream pull arrives.
func (tc *TriggerComponent) TriggerIn(p triggerInPort) {
	tc.hasNewPush = true

	if tc.pushOutput && tc.groups[DefaultTriggerGroup].Trigger(p.timestamp()) {
		tc.Logger().Debug("starting computation on push", "component", tc.Name())
		tc.runCompute(p.timestamp())
	}
}

// TriggerOut is called when a pull output port wants data. The default
// trigger group is pulled; time-expanded input ports are not.
func (tc *TriggerComponent) TriggerOut(t Timestamp) error {
	if !tc.groups[DefaultTriggerGroup].Trigger(t) {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrNoMeasurement, tc.Name()),
			"TriggerComponent", "TriggerOut", "trigger")
	}
	tc.Logger().Debug("starting computation on pull", "component", tc.Name())
	return tc.runCompute(t)
}

func (tc *TriggerComponent) runCompute(t Timestamp) error {
	if tc.compute == nil {
		return nil
	}
	if err := tc.compute(t); err != nil {
		tc.Logger().Debug("compute failed", "component", tc.Name(), "error", err)
		return err
	}
	tc.hasNewPush = false
	return nil
}

// addTriggerInput registers a triggered input port with a group,
// creating the group if necessary.
func (tc *TriggerComponent) addTriggerInput(p triggerInPort, group int) *TriggerGroup {
	g, ok := tc.groups[group]
	if !ok {
		g = &TriggerGroup{component: tc, id: group}
		tc.groups[group] = g
	}
	g.ports = append(g.ports, p)
	return g
}

// addTriggerOutput registers a triggered output port's mode.
func (tc *TriggerComponent) addTriggerOutput(push bool) {
	tc.pushOutput = tc.pushOutput || push
	tc.Logger().Debug("trigger output registered", "component", tc.Name(), "push", tc.pushOutput)
}

// GenerateSpaceExpansionPorts clones expansion master ports for every
// input edge whose name extends an existing port name. It must run
// after the base ports are created. Sibling ports with the same suffix
// land in a common trigger group so they synchronize with each other.
func (tc *TriggerComponent) GenerateSpaceExpansionPorts(g *utql.Subgraph) error {
	type namedPort struct {
		name string
		port triggerInPort
	}
	var original []namedPort
	processed := make(map[string]triggerInPort)

	groupIDs := make([]int, 0, len(tc.groups))
	for id := range tc.groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Ints(groupIDs)
	for _, id := range groupIDs {
		for _, p := range tc.groups[id].ports {
			original = append(original, namedPort{name: p.Name(), port: p})
			processed[p.Name()] = p
		}
	}

	nextGroup := groupIDs[len(groupIDs)-1] + 1

	for _, edge := range g.InputEdges() {
		if _, done := processed[edge.Name]; done {
			continue
		}
		for _, orig := range original {
			if !strings.HasPrefix(edge.Name, orig.name) {
				continue
			}
			suffix := edge.Name[len(orig.name):]
			group := nextGroup

			// siblings with the same suffix share one trigger group
			for _, masterPort := range orig.port.group().ports {
				if sibling, ok := processed[masterPort.Name()+suffix]; ok {
					group = sibling.group().id
					break
				}
			}
			if group == nextGroup {
				nextGroup++
			}

			slave, err := orig.port.newSlave(edge.Name, group)
			if err != nil {
				return err
			}
			tc.spacePorts = append(tc.spacePorts, slave)
			processed[edge.Name] = slave
			break
		}
	}

	return nil
}

// triggerInPort is the common interface of triggered input ports.
type triggerInPort interface {
	Port

	isPush() bool
	timestamp() Timestamp
	group() *TriggerGroup

	// pull fetches a measurement for the timestamp from the connected
	// supplier and stores it. Errors abort the current fire.
	pull(t Timestamp) error

	// storeMeasurement adds the stored measurement to the expansion
	// accumulator; a no-op for plain trigger ports.
	storeMeasurement()

	// eventsWaiting reports whether push events are queued for this
	// port.
	eventsWaiting() bool

	// newSlave clones the port for space expansion.
	newSlave(name string, group int) (triggerInPort, error)
}

// TriggerGroup is a set of input ports that must be time-aligned before
// compute fires.
type TriggerGroup struct {
	component *TriggerComponent
	id        int
	ports     []triggerInPort
}

// Trigger checks that every port of the group has a value for the
// timestamp: push ports must have received exactly this timestamp, pull
// ports are pulled and must succeed. Any failure aborts the fire
// without error propagation.
func (g *TriggerGroup) Trigger(t Timestamp) bool {
	for _, p := range g.ports {
		if p.isPush() {
			if p.timestamp() != t {
				g.component.Logger().Debug("not computing: timestamp mismatch on push input",
					"port", p.FullName(), "have", p.timestamp(), "want", t)
				return false
			}
		} else {
			if err := p.pull(t); err != nil {
				g.component.Logger().Debug("not computing: error on pull input",
					"port", p.FullName(), "error", err)
				return false
			}
		}
	}
	return true
}

// StoreMeasurements makes every port of the group store its measurement
// for space/time expansion.
func (g *TriggerGroup) StoreMeasurements() {
	for _, p := range g.ports {
		p.storeMeasurement()
	}
}

// TriggerInPort is a triggered input port: push or pull, carrying
// events of type T.
type TriggerInPort[T any] struct {
	basePort

	push bool
	ts   Timestamp
	m    Measurement[T]
	grp  *TriggerGroup

	mu       sync.Mutex
	supplier pullSource[T]
	info     *eventqueue.ReceiverInfo

	owner *TriggerComponent
}

// NewTriggerInPort creates and registers a triggered input port in the
// given trigger group. The push/pull mode comes from the port's "mode"
// edge attribute.
func NewTriggerInPort[T any](tc *TriggerComponent, name string, group int) (*TriggerInPort[T], error) {
	push, err := tc.IsPortPush(name)
	if err != nil {
		return nil, err
	}

	p := &TriggerInPort[T]{
		basePort: newBasePort(name, tc),
		push:     push,
		owner:    tc,
	}
	p.info = &eventqueue.ReceiverInfo{
		Port:  p,
		Mutex: tc.Mutex(),
		// one queued measurement per trigger port: newer measurements
		// supersede unprocessed older ones
		MaxQueueLength: 1,
	}
	if err := tc.registerPort(p); err != nil {
		return nil, err
	}
	p.grp = tc.addTriggerInput(p, group)
	return p, nil
}

// EventType implements Port.
func (p *TriggerInPort[T]) EventType() string { return eventTypeName[T]() }

// Get returns the stored measurement.
func (p *TriggerInPort[T]) Get() Measurement[T] { return p.m }

func (p *TriggerInPort[T]) isPush() bool         { return p.push }
func (p *TriggerInPort[T]) timestamp() Timestamp { return p.ts }
func (p *TriggerInPort[T]) group() *TriggerGroup { return p.grp }
func (p *TriggerInPort[T]) storeMeasurement()    {}

func (p *TriggerInPort[T]) eventsWaiting() bool {
	return p.info.Queued() > 0
}

func (p *TriggerInPort[T]) newSlave(string, int) (triggerInPort, error) {
	return nil, errors.WrapInvalid(
		fmt.Errorf("%s: only expansion ports can be cloned", p.FullName()),
		"TriggerInPort", "newSlave", "clone")
}

func (p *TriggerInPort[T]) receiverInfo() *eventqueue.ReceiverInfo { return p.info }

// deliver receives a push event. The dispatcher holds the component
// mutex.
func (p *TriggerInPort[T]) deliver(m Measurement[T]) {
	p.owner.Logger().Debug("received measurement", "port", p.FullName(), "time", m.Time)
	p.m = m
	p.ts = m.Time
	p.owner.TriggerIn(p)
}

// pull fetches and stores a measurement from the connected supplier.
func (p *TriggerInPort[T]) pull(t Timestamp) error {
	p.mu.Lock()
	supplier := p.supplier
	p.mu.Unlock()

	if supplier == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "TriggerInPort", "pull", p.FullName())
	}
	m, err := supplier.get(t)
	if err != nil {
		return err
	}
	p.m = m
	p.ts = m.Time
	return nil
}

// Connect implements Port.
func (p *TriggerInPort[T]) Connect(other Port) error {
	if p.push {
		if _, ok := other.(*PushSupplier[T]); ok {
			return nil
		}
		if _, ok := other.(*TriggerOutPort[T]); ok {
			return nil
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
				other.FullName(), other.EventType(), p.FullName(), p.EventType()),
			"TriggerInPort", "Connect", "type check")
	}

	source, ok := other.(pullSource[T])
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
				other.FullName(), other.EventType(), p.FullName(), p.EventType()),
			"TriggerInPort", "Connect", "type check")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supplier != nil {
		return errors.WrapInvalid(errors.ErrAlreadyConnected, "TriggerInPort", "Connect", "single supplier check")
	}
	p.supplier = source
	return nil
}

// Disconnect implements Port.
func (p *TriggerInPort[T]) Disconnect(Port) error {
	if p.push {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supplier = nil
	return nil
}

// TriggerOutPort is a triggered output port. In push mode it fans out
// to connected consumers like a push supplier; in pull mode it serves
// downstream pulls by triggering the component's computation.
type TriggerOutPort[T any] struct {
	basePort

	push bool

	mu    sync.Mutex
	sinks []pushSink[T]
	queue *eventqueue.Queue

	m    Measurement[T]
	hasM bool

	owner *TriggerComponent
}

// NewTriggerOutPort creates and registers a triggered output port. The
// push/pull mode comes from the port's "mode" edge attribute.
func NewTriggerOutPort[T any](tc *TriggerComponent, name string, queue *eventqueue.Queue) (*TriggerOutPort[T], error) {
	push, err := tc.IsPortPush(name)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		queue = eventqueue.Default()
	}

	p := &TriggerOutPort[T]{
		basePort: newBasePort(name, tc),
		push:     push,
		queue:    queue,
		owner:    tc,
	}
	if err := tc.registerPort(p); err != nil {
		return nil, err
	}
	tc.addTriggerOutput(push)
	return p, nil
}

// EventType implements Port.
func (p *TriggerOutPort[T]) EventType() string { return eventTypeName[T]() }

// Send stores the computed measurement and, in push mode, fans it out
// to the connected consumers.
func (p *TriggerOutPort[T]) Send(m Measurement[T]) {
	p.m = m
	p.hasM = true

	if !p.push {
		return
	}

	p.mu.Lock()
	sinks := append([]pushSink[T](nil), p.sinks...)
	p.mu.Unlock()

	events := make([]eventqueue.Event, 0, len(sinks))
	for _, sink := range sinks {
		sink := sink
		events = append(events, eventqueue.Event{
			Receiver: sink.receiverInfo(),
			Priority: uint64(m.Time) + uint64(sink.Component().EventPriority()),
			Call:     func() { sink.deliver(m) },
		})
	}
	if len(events) > 0 {
		p.queue.Enqueue(events)
	}
}

// get serves a downstream pull by triggering the computation.
func (p *TriggerOutPort[T]) get(t Timestamp) (Measurement[T], error) {
	p.comp.Mutex().Lock()
	defer p.comp.Mutex().Unlock()

	p.hasM = false
	if err := p.owner.TriggerOut(t); err != nil {
		var zero Measurement[T]
		return zero, err
	}
	if !p.hasM {
		var zero Measurement[T]
		return zero, errors.WrapTransient(errors.ErrNoMeasurement, "TriggerOutPort", "get", p.FullName())
	}
	return p.m, nil
}

// Connect implements Port.
func (p *TriggerOutPort[T]) Connect(other Port) error {
	if p.push {
		sink, ok := asPushSink[T](other)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
					p.FullName(), p.EventType(), other.FullName(), other.EventType()),
				"TriggerOutPort", "Connect", "type check")
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.sinks = append(p.sinks, sink)
		return nil
	}

	// pull mode: the consumer side holds the reference
	if other.EventType() != p.EventType() {
		if a, ok := other.(interface{ acceptsEventType(string) bool }); !ok || !a.acceptsEventType(p.EventType()) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s (%s) -> %s (%s)", errors.ErrTypeMismatch,
					p.FullName(), p.EventType(), other.FullName(), other.EventType()),
				"TriggerOutPort", "Connect", "type check")
		}
	}
	return nil
}

// Disconnect implements Port.
func (p *TriggerOutPort[T]) Disconnect(other Port) error {
	if !p.push {
		return nil
	}
	sink, ok := asPushSink[T](other)
	if !ok {
		return errors.WrapInvalid(errors.ErrNotConnected, "TriggerOutPort", "Disconnect", "type check")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sinks {
		if s == sink {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			return nil
		}
	}
	return errors.WrapInvalid(errors.ErrNotConnected, "TriggerOutPort", "Disconnect", "lookup")
}
