// Package manager implements the SRG manager: it holds the world SRG,
// the registered pattern and query records, and the repository of
// instantiated subgraphs. It drives the matcher to expand the SRG,
// answers queries, and computes per-client dataflow deltas.
//
// The manager is not safe for concurrent use; it is driven from a
// single configuration goroutine.
package manager

import (
	"fmt"
	"log/slog"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/srg"
	"github.com/schwoere/utdataflow/srg/pattern"
	"github.com/schwoere/utdataflow/utql"
)

// Direction states whether bigger or smaller values of a known
// attribute are better.
type Direction int

// Known attribute directions.
const (
	SmallerIsBetter Direction = iota
	BiggerIsBetter
)

// SourceRequirement configures the stage-1 acceptance filter on the
// information sources of a matching's input edges.
type SourceRequirement int

const (
	// RequireNewSource counts the ordered pairs of input edges in which
	// one edge's sources include the other's, and rejects matchings of n
	// input edges where that count is at least n-1.
	RequireNewSource SourceRequirement = iota
	// RequireDisjointSources rejects matchings where two input edges
	// share any information source. This is the default; it prevents
	// trivial self-cancelling compositions.
	RequireDisjointSources
	// RequireNone disables the stage-1 filter.
	RequireNone
)

// improvementThreshold is the minimum relative change for a known
// attribute to count as better or worse; smaller changes are treated as
// equal to avoid oscillation.
const improvementThreshold = 0.1

// maxExpansionPasses bounds the fixed-point loop over pattern
// application.
const maxExpansionPasses = 10

// Instance is an instantiated subgraph together with the owning client.
type Instance struct {
	Graph    *utql.Subgraph
	ClientID string
}

// Manager holds the world SRG and all registrations.
type Manager struct {
	graph      *srg.Graph
	patterns   []*pattern.Pattern
	queries    []*pattern.Pattern
	repository map[string]*Instance

	knownAttributes   map[string]Direction
	sourceRequirement SourceRequirement

	// allowWorseEdges admits new edges with worse attributes when their
	// information sources differ; without it some fusion scenarios are
	// impossible.
	allowWorseEdges bool

	counter int64
	logger  *slog.Logger
}

// New creates a manager with the default known-attribute table.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		graph:      srg.New(),
		repository: make(map[string]*Instance),
		knownAttributes: map[string]Direction{
			"latency":      SmallerIsBetter,
			"gaussT":       SmallerIsBetter,
			"gaussR":       SmallerIsBetter,
			"staticT":      SmallerIsBetter,
			"staticR":      SmallerIsBetter,
			"updateTime":   SmallerIsBetter,
			"availability": BiggerIsBetter,
		},
		sourceRequirement: RequireDisjointSources,
		allowWorseEdges:   true,
		counter:           2000,
		logger:            logger,
	}
}

// Graph exposes the world SRG.
func (m *Manager) Graph() *srg.Graph { return m.graph }

// SetSourceRequirement overrides the stage-1 acceptance strictness.
func (m *Manager) SetSourceRequirement(r SourceRequirement) {
	m.sourceRequirement = r
}

// Instance returns the instantiated subgraph with the given id, or nil.
func (m *Manager) Instance(id string) *Instance {
	return m.repository[id]
}

// RegisterPattern stores a new pattern in the pattern repository.
func (m *Manager) RegisterPattern(g *utql.Subgraph, clientID string) {
	m.logger.Info("registering pattern", "client", clientID, "pattern", g.Name)
	m.patterns = append(m.patterns, pattern.New(g, clientID))
}

// RegisterQuery stores a new query in the active query repository.
func (m *Manager) RegisterQuery(g *utql.Subgraph, clientID string) {
	m.logger.Info("registering query", "client", clientID, "query", g.Name)
	m.queries = append(m.queries, pattern.New(g, clientID))
}

// RegisterSRG injects a base SRG registration into the world SRG. Nodes
// are identified with existing world nodes by their qualified names;
// common nodes are merged, new nodes created. Each created edge is its
// own atomic information source.
func (m *Manager) RegisterSRG(g *utql.Subgraph, clientID string) error {
	m.logger.Info("registering SRG", "client", clientID, "subgraph", g.Name, "id", g.ID)

	m.repository[g.ID] = &Instance{Graph: g, ClientID: clientID}

	bound := make(map[string]*srg.Node)
	for _, node := range g.OutputNodes() {
		if node.QualifiedName == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node %s of %s has no id", node.Name, g.Name),
				"Manager", "RegisterSRG", "node id check")
		}
		if m.graph.HasNode(node.QualifiedName) {
			n, err := m.graph.Node(node.QualifiedName)
			if err != nil {
				return err
			}
			m.graph.MergeNode(n, node.Attributes, g.ID, node.Attributes)
			bound[node.Name] = n
		} else {
			n, err := m.graph.AddNode(node.QualifiedName, node.Attributes, g.ID, node.Attributes)
			if err != nil {
				return err
			}
			bound[node.Name] = n
		}
	}

	for _, edge := range g.OutputEdges() {
		src, dst := bound[edge.Source.Name], bound[edge.Target.Name]
		if src == nil || dst == nil {
			return errors.WrapInvalid(
				fmt.Errorf("edge %s of %s connects non-output nodes", edge.Name, g.Name),
				"Manager", "RegisterSRG", "endpoint check")
		}

		name := srg.EdgeName(g.ID, edge.Name)
		e, err := m.graph.AddEdge(name, src, dst, edge.Attributes, g.ID, edge.Name)
		if err != nil {
			return err
		}
		e.PatternName = g.Name
		// a base registration is an information source atom
		e.InformationSources[name] = struct{}{}
	}

	return nil
}

// DeleteQuery removes a query from the active query repository. Queries
// have no output edges, so nothing else can depend on them.
func (m *Manager) DeleteQuery(queryName, clientID string) error {
	m.logger.Info("deleting query", "client", clientID, "query", queryName)

	for i, q := range m.queries {
		if q.ClientID == clientID && q.Name == queryName {
			m.queries = append(m.queries[:i], m.queries[i+1:]...)
			return nil
		}
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s for client %s", errors.ErrUnknownQuery, queryName, clientID),
		"Manager", "DeleteQuery", "lookup")
}

// DeletePattern removes a pattern from the pattern repository and every
// SRG edge whose producing subgraph belongs to this pattern, together
// with the transitive closure of dependents.
func (m *Manager) DeletePattern(patternName, clientID string) error {
	m.logger.Info("deleting pattern", "client", clientID, "pattern", patternName)

	// edge deletion invalidates iteration, so rescan until clean
	for {
		clean := true
		for _, e := range m.graph.Edges() {
			inst := m.repository[e.SubgraphID]
			if inst != nil && inst.Graph.Name == patternName && inst.ClientID == clientID {
				clean = false
				if err := m.DeleteSRG(e.SubgraphID); err != nil {
					return err
				}
				break
			}
		}
		if clean {
			break
		}
	}

	for i, p := range m.patterns {
		if p.ClientID == clientID && p.Name == patternName {
			m.patterns = append(m.patterns[:i], m.patterns[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteSRG removes a base registration or instantiated pattern from
// the world SRG, recursively deleting every subgraph that depends on
// one of its output edges. Nodes that lose their last spawning subgraph
// are removed.
func (m *Manager) DeleteSRG(primalSubgraphID string) error {
	m.logger.Debug("deleting SRG", "subgraph", primalSubgraphID)

	stack := []string{primalSubgraphID}
	deleted := map[string]bool{primalSubgraphID: true}
	removable := make(map[string]bool)

	for len(stack) > 0 {
		subgraphID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		inst, ok := m.repository[subgraphID]
		if !ok {
			// common dependencies at different stack levels may already
			// have been deleted
			m.logger.Debug("subgraph already removed", "subgraph", subgraphID)
			continue
		}

		for _, edge := range inst.Graph.Edges() {
			if edge.IsInput() {
				// drop the dependency back-link on the producer edge
				if edge.Ref.Empty() {
					continue
				}
				primalName := srg.EdgeName(edge.Ref.SubgraphID, edge.Ref.EdgeName)
				if m.graph.HasEdge(primalName) {
					primal, err := m.graph.Edge(primalName)
					if err != nil {
						return err
					}
					delete(primal.DependentSubgraphs, subgraphID)
				}
			}
			if edge.IsOutput() {
				name := srg.EdgeName(subgraphID, edge.Name)
				if !m.graph.HasEdge(name) {
					continue
				}
				srgEdge, err := m.graph.Edge(name)
				if err != nil {
					return err
				}
				for dep := range srgEdge.DependentSubgraphs {
					if !deleted[dep] {
						deleted[dep] = true
						stack = append(stack, dep)
					}
				}
				if err := m.graph.RemoveEdge(name); err != nil {
					return err
				}
			}
		}

		for _, node := range inst.Graph.OutputNodes() {
			if !m.graph.HasNode(node.QualifiedName) {
				return errors.WrapFatal(
					fmt.Errorf("%w: %s", errors.ErrNodeNotFound, node.QualifiedName),
					"Manager", "DeleteSRG", "node release")
			}
			n, err := m.graph.Node(node.QualifiedName)
			if err != nil {
				return err
			}
			if m.graph.ReleaseNode(n, subgraphID, node.Attributes) {
				removable[node.QualifiedName] = true
			}
		}

		delete(m.repository, subgraphID)
	}

	for id := range removable {
		if m.graph.HasNode(id) {
			m.logger.Debug("removing node", "node", id)
			if err := m.graph.RemoveNode(id); err != nil {
				return err
			}
		}
	}

	return nil
}

// subgraphDependsOn reports whether the subgraph identified by
// edgeSubgraphID transitively depends on subgraphID via edge references.
func (m *Manager) subgraphDependsOn(edgeSubgraphID, subgraphID string, visited map[string]bool) bool {
	if edgeSubgraphID == subgraphID {
		return true
	}
	if visited[edgeSubgraphID] {
		return false
	}
	visited[edgeSubgraphID] = true

	inst, ok := m.repository[edgeSubgraphID]
	if !ok {
		return false
	}
	for _, edge := range inst.Graph.InputEdges() {
		if edge.Ref.Empty() {
			continue
		}
		if m.subgraphDependsOn(edge.Ref.SubgraphID, subgraphID, visited) {
			return true
		}
	}
	return false
}

// knownBetter compares a known attribute of a candidate edge against the
// value on an existing SRG edge. Returns +1 when the candidate is
// better, -1 when worse, 0 when within the improvement threshold.
func (m *Manager) knownBetter(dir Direction, candidate, existing attribute.Value) (int, error) {
	mine, err := candidate.Number()
	if err != nil {
		return 0, err
	}
	other, err := existing.Number()
	if err != nil {
		return 0, err
	}

	margin := abs(other) * improvementThreshold
	if dir == BiggerIsBetter {
		switch {
		case mine > other+margin:
			return 1, nil
		case mine < other-margin:
			return -1, nil
		}
		return 0, nil
	}
	switch {
	case mine < other-margin:
		return 1, nil
	case mine > other+margin:
		return -1, nil
	}
	return 0, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
