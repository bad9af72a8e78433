package dataflow

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/schwoere/utdataflow/dataflow/eventqueue"
	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/utql"
)

// connection identifies one directed port connection.
type connection struct {
	srcComp, srcPort string
	dstComp, dstPort string
}

// addConn records conn under key, creating the inner set if needed.
func addConn(m map[string]map[connection]struct{}, key string, conn connection) {
	if m[key] == nil {
		m[key] = make(map[connection]struct{})
	}
	m[key][conn] = struct{}{}
}

// Network holds the instantiated components and their connections. It
// processes UTQL response documents: reconciling components, wiring
// connections, and recomputing event priorities.
type Network struct {
	factory *Factory
	queue   *eventqueue.Queue

	components map[string]Component
	inConns    map[string]map[connection]struct{}
	outConns   map[string]map[connection]struct{}
	all        map[connection]struct{}

	logger *slog.Logger
}

// NewNetwork creates an empty dataflow network.
func NewNetwork(factory *Factory, queue *eventqueue.Queue, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == nil {
		queue = eventqueue.Default()
	}
	return &Network{
		factory:    factory,
		queue:      queue,
		components: make(map[string]Component),
		inConns:    make(map[string]map[connection]struct{}),
		outConns:   make(map[string]map[connection]struct{}),
		all:        make(map[connection]struct{}),
		logger:     logger,
	}
}

// Component returns a component by id, or nil.
func (n *Network) Component(id string) Component {
	return n.components[id]
}

// ComponentIDs returns the ids of all instantiated components.
func (n *Network) ComponentIDs() []string {
	ids := make([]string, 0, len(n.components))
	for id := range n.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProcessResponse reconciles the network with a UTQL response document:
// known subgraphs replaced by empty ones are dropped, known non-empty
// subgraphs are reconnected, unknown subgraphs with a dataflow
// configuration are created. Afterwards the document's input edges are
// wired and event priorities recomputed.
func (n *Network) ProcessResponse(doc *utql.Document) error {
	for _, g := range doc.Subgraphs {
		n.logger.Debug("considering component", "subgraph", g.ID)

		if g.ID != "" && n.components[g.ID] != nil {
			// connections are stateless: disconnect and rewire below
			if err := n.DisconnectComponent(g.ID); err != nil {
				return err
			}

			if g.Empty() {
				n.logger.Info("subgraph replaced with empty subgraph, deleting", "subgraph", g.ID)
				if err := n.DropComponent(g.ID); err != nil {
					return err
				}
			} else if g.DataflowConfiguration != "" {
				n.logger.Warn("cannot reconfigure a running component, keeping old configuration",
					"subgraph", g.ID)
			}
			continue
		}

		if g.DataflowConfiguration != "" {
			if _, err := n.createComponent(g); err != nil {
				return err
			}
			n.logger.Debug("created component", "subgraph", g.ID, "pattern", g.Name)
		}
	}

	n.logger.Info("making connections")
	for _, g := range doc.Subgraphs {
		if g.DataflowConfiguration == "" {
			continue
		}
		for _, edge := range g.InputEdges() {
			// edges on other clients are handled by a network bridge
			if edge.Attributes.Has("remotePatternID") {
				continue
			}
			if edge.Ref.Empty() {
				n.logger.Warn("dangling edge: missing pattern-ref or edge-ref",
					"subgraph", g.Name, "edge", edge.Name)
				continue
			}

			// only wire if the supplier is a dataflow component too
			otherID := edge.Ref.SubgraphID
			otherIsDF := n.components[otherID] != nil
			if !otherIsDF {
				if other := doc.SubgraphByID(otherID); other != nil && other.DataflowConfiguration != "" {
					otherIsDF = true
				}
			}
			if !otherIsDF {
				continue
			}

			if err := n.Connect(otherID, edge.Ref.EdgeName, g.ID, edge.Name); err != nil {
				return err
			}
		}
	}

	n.AssignEventPriorities()
	return nil
}

// createComponent instantiates the component described by a subgraph.
func (n *Network) createComponent(g *utql.Subgraph) (Component, error) {
	if g.DataflowClass == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("dataflow configuration of %s does not specify a component class", g.ID),
			"Network", "createComponent", "class check")
	}

	if _, exists := n.components[g.ID]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateComponent, g.ID),
			"Network", "createComponent", "duplicate check")
	}

	n.logger.Info("creating component", "id", g.ID, "class", g.DataflowClass)
	comp, err := n.factory.CreateComponent(g.DataflowClass, g.ID, g)
	if err != nil {
		return nil, err
	}

	// the module mechanism may return an existing shared instance
	if comp.Name() != g.ID && n.components[comp.Name()] != nil {
		n.logger.Warn("component creation returned existing shared instance",
			"requested", g.ID, "existing", comp.Name())
	}

	// an explicit eventPriority attribute seeds the priority; values
	// outside 0..MaxPathLength are clamped
	if g.DataflowAttributes.Has("eventPriority") {
		if prio, err := g.DataflowAttributes.Get("eventPriority").Number(); err == nil {
			comp.SetEventPriority(int(prio))
		}
	}

	n.components[g.ID] = comp
	return comp, nil
}

// DropComponent disconnects and removes a component, flushing its
// pending events from the queue.
func (n *Network) DropComponent(id string) error {
	comp, ok := n.components[id]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("component %s not found", id), "Network", "DropComponent", "lookup")
	}
	n.logger.Debug("dropping component", "id", id)

	if err := n.DisconnectComponent(id); err != nil {
		return err
	}
	delete(n.components, id)

	ports := make(map[eventqueue.Receiver]bool)
	for _, p := range comp.Ports() {
		ports[p] = true
	}
	n.queue.RemoveMatching(func(info *eventqueue.ReceiverInfo) bool {
		return ports[info.Port]
	})
	return nil
}

// Connect wires one port pair. Both endpoints are called; if the second
// call fails the first is rolled back.
func (n *Network) Connect(srcName, srcPort, dstName, dstPort string) error {
	conn := connection{srcComp: srcName, srcPort: srcPort, dstComp: dstName, dstPort: dstPort}
	if _, exists := n.all[conn]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s:%s -> %s:%s", errors.ErrAlreadyConnected, srcName, srcPort, dstName, dstPort),
			"Network", "Connect", "duplicate check")
	}

	src, dst, err := n.portPair(conn)
	if err != nil {
		return err
	}

	if err := src.Connect(dst); err != nil {
		return errors.Wrap(err, "Network", "Connect", src.FullName()+" -> "+dst.FullName())
	}
	if err := dst.Connect(src); err != nil {
		if rbErr := src.Disconnect(dst); rbErr != nil {
			n.logger.Warn("rollback failed", "connection", src.FullName(), "error", rbErr)
		}
		return errors.Wrap(err, "Network", "Connect", src.FullName()+" -> "+dst.FullName())
	}

	n.logger.Debug("connected", "source", src.FullName(), "destination", dst.FullName())

	n.all[conn] = struct{}{}
	addConn(n.inConns, dstName, conn)
	addConn(n.outConns, srcName, conn)
	return nil
}

// Disconnect removes one port connection.
func (n *Network) Disconnect(srcName, srcPort, dstName, dstPort string) error {
	conn := connection{srcComp: srcName, srcPort: srcPort, dstComp: dstName, dstPort: dstPort}
	if _, exists := n.all[conn]; !exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s:%s -> %s:%s", errors.ErrNotConnected, srcName, srcPort, dstName, dstPort),
			"Network", "Disconnect", "lookup")
	}

	src, dst, err := n.portPair(conn)
	if err != nil {
		return err
	}

	if err := dst.Disconnect(src); err != nil {
		n.logger.Warn("disconnect failed", "port", dst.FullName(), "error", err)
	}
	if err := src.Disconnect(dst); err != nil {
		n.logger.Warn("disconnect failed", "port", src.FullName(), "error", err)
	}

	delete(n.all, conn)
	delete(n.inConns[dstName], conn)
	delete(n.outConns[srcName], conn)
	return nil
}

// DisconnectComponent removes every connection of a component.
func (n *Network) DisconnectComponent(id string) error {
	n.logger.Debug("isolating component", "id", id)

	for conn := range n.inConns[id] {
		if err := n.Disconnect(conn.srcComp, conn.srcPort, conn.dstComp, conn.dstPort); err != nil {
			return err
		}
	}
	for conn := range n.outConns[id] {
		if err := n.Disconnect(conn.srcComp, conn.srcPort, conn.dstComp, conn.dstPort); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) portPair(conn connection) (Port, Port, error) {
	src, ok := n.components[conn.srcComp]
	if !ok {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("component %s not found", conn.srcComp), "Network", "portPair", "source lookup")
	}
	dst, ok := n.components[conn.dstComp]
	if !ok {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("component %s not found", conn.dstComp), "Network", "portPair", "destination lookup")
	}

	srcPort, err := src.Port(conn.srcPort)
	if err != nil {
		return nil, nil, err
	}
	dstPort, err := dst.Port(conn.dstPort)
	if err != nil {
		return nil, nil, err
	}
	return srcPort, dstPort, nil
}

// StartNetwork signals every component to start.
func (n *Network) StartNetwork() error {
	n.logger.Info("signaling components to start")
	for _, id := range n.ComponentIDs() {
		if err := n.components[id].Start(); err != nil {
			return errors.Wrap(err, "Network", "StartNetwork", id)
		}
	}
	n.logger.Info("dataflow started")
	return nil
}

// StopNetwork signals every component to stop.
func (n *Network) StopNetwork() error {
	n.logger.Info("signaling components to stop")
	for _, id := range n.ComponentIDs() {
		if err := n.components[id].Stop(); err != nil {
			return errors.Wrap(err, "Network", "StopNetwork", id)
		}
	}
	n.logger.Info("dataflow terminated")
	return nil
}

// Drop destroys the network: every component is disconnected and
// removed.
func (n *Network) Drop() error {
	for len(n.components) > 0 {
		for id := range n.components {
			if err := n.DropComponent(id); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// AssignEventPriorities performs a depth-first search upstream from
// every sink to find, per component, the longest path from it down to a
// sink. The
// priority is MaxPathLength minus that path length, minimized over all
// traversals: deeper components get smaller priorities, sinks the
// largest, so events along any path dispatch in causal order. Cycles
// are broken by a per-traversal visiting set.
func (n *Network) AssignEventPriorities() {
	n.logger.Debug("assigning event priorities")

	for _, comp := range n.components {
		comp.SetEventPriority(MaxPathLength)
	}

	type searchEntry struct {
		priority int
		id       string
	}

	for _, sinkID := range n.ComponentIDs() {
		if len(n.outConns[sinkID]) > 0 {
			continue
		}
		// found a sink
		visiting := make(map[string]bool)
		search := []searchEntry{{priority: MaxPathLength, id: sinkID}}

		for len(search) > 0 {
			top := search[len(search)-1]

			// a negative priority marks a fully explored entry
			if top.priority < 0 {
				delete(visiting, top.id)
				search = search[:len(search)-1]
				continue
			}

			comp := n.components[top.id]
			prio := top.priority
			if comp.EventPriority() > prio {
				comp.SetEventPriority(prio)
			}
			prio--

			search[len(search)-1].priority = -1
			visiting[top.id] = true

			for conn := range n.inConns[top.id] {
				if n.components[conn.srcComp] != nil && !visiting[conn.srcComp] {
					search = append(search, searchEntry{priority: prio, id: conn.srcComp})
				}
			}
		}
	}

	for _, id := range n.ComponentIDs() {
		n.logger.Debug("event priority assigned", "component", id,
			"priority", n.components[id].EventPriority())
	}
}
