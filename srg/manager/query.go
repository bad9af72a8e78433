package manager

import (
	"fmt"
	"hash/fnv"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/srg/pattern"
)

// QueryResponse is the answer to one query for one client: the
// instantiated query subgraph plus the transitive closure of producing
// subgraphs it depends on.
type QueryResponse struct {
	QueryName string
	ClientID  string
	Graphs    []*Instance
}

// ProcessQueries matches every registered query against the expanded
// SRG and assembles the responses, grouped by client id. Queries with
// OnlyBestEdgeMatch are reduced to the best matching by the query's
// BestMatchExpression, or by the default least-sources objective.
func (m *Manager) ProcessQueries() map[string][]*QueryResponse {
	results := make(map[string][]*QueryResponse)

	for _, q := range m.queries {
		matches := pattern.Match(q, m.graph, m.logger)
		for _, match := range matches {
			for _, err := range match.Expand(q, m.graph) {
				m.logger.Debug("query expression failed", "query", q.Name, "error", err)
			}
		}

		if q.Graph.OnlyBestEdgeMatch {
			best := m.selectBestMatch(q, matches)
			if best == nil {
				continue
			}
			matches = []*pattern.Matching{best}
		}

		for _, match := range matches {
			graphs, err := m.generateResponse(q, match)
			if err != nil {
				m.logger.Error("failed to generate response", "query", q.Name, "error", err)
				continue
			}
			distributeResponse(results, q.Name, graphs)
		}
	}

	return results
}

// selectBestMatch evaluates the best-match objective on every matching
// and returns the one with minimal cost. Without an explicit
// BestMatchExpression the solution with the fewest involved sources
// wins, causing the least processing overhead.
func (m *Manager) selectBestMatch(q *pattern.Pattern, matches []*pattern.Matching) *pattern.Matching {
	var best *pattern.Matching
	bestCost := 0.0

	for _, match := range matches {
		cost := float64(len(match.InformationSources()))

		if q.Graph.BestMatchExpression != nil {
			v, err := q.Graph.BestMatchExpression.Evaluate(attribute.MatchingContext(match))
			if err != nil {
				m.logger.Info("best match expression failed", "query", q.Name, "error", err)
			} else if n, err := v.Number(); err == nil {
				cost = n
			}
		}

		m.logger.Debug("evaluated best match objective", "query", q.Name, "cost", cost)
		if best == nil || cost < bestCost {
			best = match
			bestCost = cost
		}
	}

	return best
}

// generateResponse instantiates a matched query and collects all
// subgraphs it transitively depends on via edge references. The query
// instance gets a deterministic id derived from its input references so
// repeated answers to the same query are recognized by the delta stage.
func (m *Manager) generateResponse(q *pattern.Pattern, match *pattern.Matching) ([]*Instance, error) {
	inst, err := m.instantiate(q, match)
	if err != nil {
		return nil, err
	}

	// a query has inputs only; hash the concatenated references into a
	// repeatable id
	h := fnv.New64a()
	var stack []pendingRef
	collected := make(map[string]bool)

	for _, edge := range inst.Edges() {
		ref := edge.Ref
		if !ref.Empty() && !collected[ref.SubgraphID] {
			stack = append(stack, pendingRef{ref.SubgraphID, ref.EdgeName})
			collected[ref.SubgraphID] = true
		}
		fmt.Fprintf(h, "%s:%s%%", ref.SubgraphID, ref.EdgeName)
	}
	inst.ID = fmt.Sprintf("%s%x", q.Name, h.Sum64())

	graphs := []*Instance{{Graph: inst, ClientID: q.ClientID}}

	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dep, ok := m.repository[ref.subgraphID]
		if !ok {
			return nil, srgMissingInstance(ref.subgraphID)
		}

		for _, edge := range dep.Graph.Edges() {
			r := edge.Ref
			if !r.Empty() && !collected[r.SubgraphID] {
				stack = append(stack, pendingRef{r.SubgraphID, r.EdgeName})
				collected[r.SubgraphID] = true
			}
		}

		graphs = append(graphs, dep)
	}

	return graphs, nil
}

type pendingRef struct {
	subgraphID string
	edgeName   string
}

func srgMissingInstance(id string) error {
	return fmt.Errorf("response references unknown subgraph %s", id)
}

// distributeResponse spreads the collected subgraphs over their owning
// clients, appending to the client's response for this query.
func distributeResponse(results map[string][]*QueryResponse, queryName string, graphs []*Instance) {
	for _, g := range graphs {
		clientResponses := results[g.ClientID]
		if len(clientResponses) == 0 || clientResponses[len(clientResponses)-1].QueryName != queryName {
			clientResponses = append(clientResponses, &QueryResponse{QueryName: queryName, ClientID: g.ClientID})
		}
		last := clientResponses[len(clientResponses)-1]
		last.Graphs = append(last.Graphs, g)
		results[g.ClientID] = clientResponses
	}
}

// LogSRG writes the current SRG state at debug level.
func (m *Manager) LogSRG() {
	for _, n := range m.graph.Nodes() {
		for _, e := range m.graph.OutEdges(n) {
			m.logger.Debug("srg edge",
				"from", n.ID, "to", m.graph.Target(e).ID,
				"edge", e.Name, "pattern", e.PatternName, "sources", e.Sources())
		}
	}
	m.logger.Debug("srg totals",
		"nodes", m.graph.Order(), "edges", m.graph.Size(), "instances", len(m.repository))
}
