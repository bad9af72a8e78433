package manager

import (
	"github.com/schwoere/utdataflow/utql"
)

// DeltaState tracks which subgraphs run on which client, so successive
// query rounds only ship changes: new subgraphs are sent, unchanged ones
// suppressed, and disappeared ones replaced by empty-bodied subgraphs
// that act as deletion signals.
type DeltaState struct {
	running map[string]map[string]bool
}

// NewDeltaState creates an empty per-client dataflow state.
func NewDeltaState() *DeltaState {
	return &DeltaState{running: make(map[string]map[string]bool)}
}

// Running reports whether a subgraph currently runs on a client.
func (d *DeltaState) Running(clientID, subgraphID string) bool {
	return d.running[clientID][subgraphID]
}

// Apply computes the per-client response documents for a query round
// and advances the state. Input edges referring to subgraphs on other
// clients lose their edge reference in favor of the opaque attributes
// remotePatternID and remoteEdgeName, which hand the connection off to
// a network bridge.
func (d *DeltaState) Apply(responses map[string][]*QueryResponse) map[string]*utql.Document {
	distribution := make(map[string]*utql.Document)
	newState := make(map[string]map[string]bool)

	clientDoc := func(clientID string) *utql.Document {
		doc, ok := distribution[clientID]
		if !ok {
			doc = utql.NewDocument(true)
			distribution[clientID] = doc
		}
		return doc
	}
	clientState := func(state map[string]map[string]bool, clientID string) map[string]bool {
		s, ok := state[clientID]
		if !ok {
			s = make(map[string]bool)
			state[clientID] = s
		}
		return s
	}

	for clientID, queryResponses := range responses {
		doc := clientDoc(clientID)
		state := clientState(newState, clientID)

		for _, qr := range queryResponses {
			for _, inst := range qr.Graphs {
				id := inst.Graph.ID
				if state[id] {
					// already shipped this round
					continue
				}
				if d.running[clientID][id] {
					// already running on the client; keep it running
					state[id] = true
					continue
				}
				doc.AddSubgraph(inst.Graph)
				state[id] = true
			}
		}
	}

	// replace cross-client edge references with opaque remote attributes
	for clientID, doc := range distribution {
		state := newState[clientID]
		for _, g := range doc.Subgraphs {
			for _, edge := range g.InputEdges() {
				if edge.Ref.Empty() || state[edge.Ref.SubgraphID] {
					continue
				}
				edge.Attributes.SetText("remotePatternID", edge.Ref.SubgraphID)
				edge.Attributes.SetText("remoteEdgeName", edge.Ref.EdgeName)
			}
		}
	}

	// emit deletion signals for subgraphs that disappeared
	for clientID, oldState := range d.running {
		doc := clientDoc(clientID)
		for id := range oldState {
			if !newState[clientID][id] {
				doc.AddSubgraph(utql.NewSubgraph(id, id))
			}
		}
	}

	d.running = newState
	return distribution
}
