package manager

import (
	"fmt"

	"github.com/schwoere/utdataflow/srg"
	"github.com/schwoere/utdataflow/srg/pattern"
	"github.com/schwoere/utdataflow/utql"
)

// Expand applies every registered pattern to a fixed point, bounded by
// maxExpansionPasses. Returns the total number of instantiations.
func (m *Manager) Expand() int {
	total := 0
	for i := 0; i < maxExpansionPasses; i++ {
		n := m.ApplyAllPatterns()
		total += n
		if n == 0 {
			break
		}
	}
	return total
}

// ApplyAllPatterns applies every registered pattern once and returns the
// number of instantiations.
func (m *Manager) ApplyAllPatterns() int {
	m.logger.Debug("applying all patterns",
		"registrations", len(m.repository), "patterns", len(m.patterns), "queries", len(m.queries))

	n := 0
	for _, p := range m.patterns {
		n += m.ApplyPattern(p)
	}
	return n
}

// ApplyPattern matches one pattern against the SRG and applies every
// useful instance. Returns the number of instantiations.
func (m *Manager) ApplyPattern(p *pattern.Pattern) int {
	matches := pattern.Match(p, m.graph, m.logger)

	instances := 0
	var superseded []string
	for _, match := range matches {
		// stage 1: decide on the un-expanded attributes
		if !m.decideStage1(match) {
			continue
		}

		// collect information sources and evaluate output expressions
		for _, err := range match.Expand(p, m.graph) {
			m.logger.Debug("attribute expression failed", "pattern", p.Name, "error", err)
		}

		// stage 2: decide on the expanded attributes
		supersedes, ok := m.decideStage2(p, match)
		if !ok {
			continue
		}

		if err := m.applyMatch(p, match); err != nil {
			m.logger.Error("failed to apply pattern instance", "pattern", p.Name, "error", err)
			continue
		}
		instances++
		superseded = append(superseded, supersedes...)
	}

	// remove superseded subgraphs, but only single-output ones: removing
	// a multi-output subgraph would take surviving edges with it
	for _, id := range superseded {
		inst, ok := m.repository[id]
		if !ok {
			continue
		}
		if len(inst.Graph.OutputEdges()) == 1 {
			if err := m.DeleteSRG(id); err != nil {
				m.logger.Error("failed to delete superseded subgraph", "subgraph", id, "error", err)
			}
		}
	}

	return instances
}

// decideStage1 rejects matchings whose input edges fail the configured
// information source requirement. This prevents the manager from
// instantiating self-cancelling compositions such as inv(A)*(A*B).
func (m *Manager) decideStage1(match *pattern.Matching) bool {
	edges := match.MatchedEdges()
	if len(edges) <= 1 {
		return true
	}

	srgEdges := make([]*srg.Edge, 0, len(edges))
	for _, e := range edges {
		f, err := match.SRGEdge(e)
		if err != nil {
			return false
		}
		srgEdges = append(srgEdges, f)
	}

	switch m.sourceRequirement {
	case RequireDisjointSources:
		for i, a := range srgEdges {
			for j, b := range srgEdges {
				if i == j {
					continue
				}
				for s := range a.InformationSources {
					if _, shared := b.InformationSources[s]; shared {
						return false
					}
				}
			}
		}

	case RequireNewSource:
		noNewInfo := 0
		for i, a := range srgEdges {
			for j, b := range srgEdges {
				if i != j && includes(a.InformationSources, b.InformationSources) {
					noNewInfo++
				}
			}
		}
		if noNewInfo >= len(srgEdges)-1 {
			return false
		}

	case RequireNone:
	}

	return true
}

// includes reports whether a is a superset of b.
func includes(a, b map[string]struct{}) bool {
	for s := range b {
		if _, ok := a[s]; !ok {
			return false
		}
	}
	return true
}

// decideStage2 compares every proposed output edge with the existing SRG
// edges of identical endpoints. The matching is accepted when at least
// one output edge is not redundant. SRG edges whose known attributes are
// all worse and that are not ancestors of the new edge are returned as
// superseded.
func (m *Manager) decideStage2(p *pattern.Pattern, match *pattern.Matching) (supersedes []string, ok bool) {
	createsNewEdge := false

	for _, patternEdge := range p.Graph.OutputEdges() {
		source, err := match.SRGNode(patternEdge.Source)
		if err != nil {
			return nil, false
		}
		target, err := match.SRGNode(patternEdge.Target)
		if err != nil {
			return nil, false
		}
		if source == target {
			continue
		}

		expanded := match.ExpandedEdgeAttributes[patternEdge.Name]
		redundant := false

		for _, srgEdge := range m.graph.OutEdges(source) {
			if redundant || m.graph.Target(srgEdge) != target {
				continue
			}

			// an edge adds new information if a fixed (non-expression)
			// attribute differs, or at least one known attribute is
			// better. Unknown expression attributes are ignored: not
			// knowing which value is better can cause endless rederivation.
			fixedEqual := true
			betterKnown := false
			allKnownBetter := true

			for _, name := range expanded.Names() {
				mine := expanded.Get(name)
				otherHas := srgEdge.Attributes.Has(name)
				other := srgEdge.Attributes.Get(name)

				if patternEdge.Attributes.Has(name) {
					// fixed attribute: compare values
					if !otherHas || !other.Equal(mine) {
						fixedEqual = false
						break
					}
				}

				dir, known := m.knownAttributes[name]
				if !known {
					continue
				}
				if !otherHas {
					betterKnown = true
					continue
				}
				cmp, err := m.knownBetter(dir, mine, other)
				if err != nil {
					m.logger.Debug("known attribute comparison failed",
						"attribute", name, "error", err)
					continue
				}
				switch cmp {
				case 1:
					betterKnown = true
				default:
					allKnownBetter = false
				}
			}

			if fixedEqual && !betterKnown {
				if m.allowWorseEdges {
					redundant = sameSources(match.SourceSet(), srgEdge.InformationSources)
				} else {
					redundant = true
				}
			}

			// does this edge supersede an existing one that can go away?
			if fixedEqual && betterKnown && allKnownBetter &&
				!m.matchDependsOn(p, match, srgEdge.SubgraphID) {
				supersedes = append(supersedes, srgEdge.SubgraphID)
			}
		}

		if !redundant {
			createsNewEdge = true
		}
	}

	return supersedes, createsNewEdge
}

// matchDependsOn reports whether any matched input edge's producing
// subgraph transitively depends on subgraphID.
func (m *Manager) matchDependsOn(p *pattern.Pattern, match *pattern.Matching, subgraphID string) bool {
	for _, e := range p.Graph.InputEdges() {
		f, err := match.SRGEdge(e)
		if err != nil {
			continue
		}
		if m.subgraphDependsOn(f.SubgraphID, subgraphID, make(map[string]bool)) {
			return true
		}
	}
	return false
}

func sameSources(a, b map[string]struct{}) bool {
	return len(a) == len(b) && includes(a, b)
}

// instantiate clones a matched pattern into a fully qualified subgraph:
// nodes carry the merged SRG attributes and qualified names, input
// edges carry edge references to their producers, output edges carry
// the expanded attribute maps and the union of information sources.
func (m *Manager) instantiate(p *pattern.Pattern, match *pattern.Matching) (*utql.Subgraph, error) {
	inst := utql.NewSubgraph(p.Name, "")
	inst.DataflowConfiguration = p.Graph.DataflowConfiguration
	inst.DataflowClass = p.Graph.DataflowClass
	inst.DataflowAttributes = p.Graph.DataflowAttributes.Clone()

	newNodes := make(map[string]*utql.Node)
	for _, node := range p.Graph.Nodes() {
		srgNode, err := match.SRGNode(node)
		if err != nil {
			return nil, err
		}

		copied, err := inst.AddNode(node.Name, node.Section)
		if err != nil {
			return nil, err
		}
		if node.IsOutput() {
			if expanded, ok := match.ExpandedNodeAttributes[node.Name]; ok {
				copied.Attributes = expanded.Clone()
			}
		} else {
			copied.Attributes = node.Attributes.Clone()
		}
		// merge the world view; the node is fully qualified now, its
		// predicates no longer apply
		copied.Attributes.Merge(srgNode.Attributes)
		copied.QualifiedName = srgNode.ID
		newNodes[node.Name] = copied
	}

	for _, edge := range p.Graph.Edges() {
		source := newNodes[edge.Source.Name]
		target := newNodes[edge.Target.Name]

		if edge.IsInput() {
			srgEdge, err := match.SRGEdge(edge)
			if err != nil {
				return nil, err
			}
			copied, err := inst.AddEdge(edge.Name, source, target, utql.SectionInput)
			if err != nil {
				return nil, err
			}
			copied.Attributes = edge.Attributes.Clone()
			copied.Attributes.Merge(srgEdge.Attributes)
			copied.Ref = utql.EdgeRef{SubgraphID: srgEdge.SubgraphID, EdgeName: srgEdge.LocalName}
		}

		if edge.IsOutput() {
			copied, err := inst.AddEdge(edge.Name, source, target, utql.SectionOutput)
			if err != nil {
				return nil, err
			}
			if expanded, ok := match.ExpandedEdgeAttributes[edge.Name]; ok {
				copied.Attributes = expanded.Clone()
			} else {
				copied.Attributes = edge.Attributes.Clone()
			}
			for _, s := range match.InformationSources() {
				copied.InformationSources[s] = struct{}{}
			}
		}
	}

	return inst, nil
}

// applyMatch instantiates an accepted matching, inserts its output edges
// into the SRG and wires the dependency back-links.
func (m *Manager) applyMatch(p *pattern.Pattern, match *pattern.Matching) error {
	inst, err := m.instantiate(p, match)
	if err != nil {
		return err
	}
	inst.ID = fmt.Sprintf("%s%d", p.Name, m.counter)
	m.counter++

	for _, edge := range p.Graph.Edges() {
		if edge.IsInput() {
			srgEdge, err := match.SRGEdge(edge)
			if err != nil {
				return err
			}
			srgEdge.DependentSubgraphs[inst.ID] = struct{}{}
		}

		if edge.IsOutput() {
			source, err := match.SRGNode(edge.Source)
			if err != nil {
				return err
			}
			target, err := match.SRGNode(edge.Target)
			if err != nil {
				return err
			}

			name := srg.EdgeName(inst.ID, edge.Name)
			instEdge := inst.Edge(edge.Name)
			e, err := m.graph.AddEdge(name, source, target, instEdge.Attributes, inst.ID, edge.Name)
			if err != nil {
				return err
			}
			e.PatternName = p.Name
			for s := range match.SourceSet() {
				e.InformationSources[s] = struct{}{}
			}
		}
	}

	m.repository[inst.ID] = &Instance{Graph: inst, ClientID: p.ClientID}
	m.logger.Debug("applied pattern", "pattern", p.Name, "instance", inst.ID)
	return nil
}
