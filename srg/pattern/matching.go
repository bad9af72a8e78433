package pattern

import (
	"fmt"
	"sort"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/srg"
	"github.com/schwoere/utdataflow/utql"
)

type nodeCorrespondence[T any] struct {
	node  T
	count int
}

// Matching is a bidirectional correspondence between a pattern and the
// SRG: injective partial maps for edges and nodes, with association
// counts tracking how many matched edges force each node binding.
type Matching struct {
	edgeForward  map[*utql.Edge]*srg.Edge
	edgeBackward map[*srg.Edge]*utql.Edge

	nodeForward  map[*utql.Node]*nodeCorrespondence[*srg.Node]
	nodeBackward map[*srg.Node]*nodeCorrespondence[*utql.Node]

	// ExpandedEdgeAttributes and ExpandedNodeAttributes hold the output
	// attribute maps after attribute expression evaluation.
	ExpandedEdgeAttributes map[string]*attribute.Attributes
	ExpandedNodeAttributes map[string]*attribute.Attributes

	// sources is the union of information sources over matched inputs.
	sources map[string]struct{}

	// allInput maps pattern-local names to the matched attribute maps
	// for global predicate and expression evaluation.
	allInput map[string]*attribute.Attributes

	// step is the current search plan index during stack-based search.
	step int
}

// NewMatching creates an empty matching.
func NewMatching() *Matching {
	return &Matching{
		edgeForward:            make(map[*utql.Edge]*srg.Edge),
		edgeBackward:           make(map[*srg.Edge]*utql.Edge),
		nodeForward:            make(map[*utql.Node]*nodeCorrespondence[*srg.Node]),
		nodeBackward:           make(map[*srg.Node]*nodeCorrespondence[*utql.Node]),
		ExpandedEdgeAttributes: make(map[string]*attribute.Attributes),
		ExpandedNodeAttributes: make(map[string]*attribute.Attributes),
		sources:                make(map[string]struct{}),
		allInput:               make(map[string]*attribute.Attributes),
	}
}

// Clone returns an independent copy of the matching's edge and node
// correspondences and search step. The expanded attribute maps and the
// collected sources start empty in the copy; Expand fills them after the
// search completes.
func (m *Matching) Clone() *Matching {
	c := NewMatching()
	for k, v := range m.edgeForward {
		c.edgeForward[k] = v
	}
	for k, v := range m.edgeBackward {
		c.edgeBackward[k] = v
	}
	for k, v := range m.nodeForward {
		c.nodeForward[k] = &nodeCorrespondence[*srg.Node]{node: v.node, count: v.count}
	}
	for k, v := range m.nodeBackward {
		c.nodeBackward[k] = &nodeCorrespondence[*utql.Node]{node: v.node, count: v.count}
	}
	c.step = m.step
	return c
}

// AddMatchedEdge records the correspondence of a pattern edge to an SRG
// edge, binding both endpoint nodes.
func (m *Matching) AddMatchedEdge(g *srg.Graph, e *utql.Edge, f *srg.Edge) {
	m.edgeForward[e] = f
	m.edgeBackward[f] = e

	m.bindNode(e.Source, g.Source(f))
	m.bindNode(e.Target, g.Target(f))
}

// AddMatchedNode records a node correspondence.
func (m *Matching) AddMatchedNode(u *utql.Node, v *srg.Node) {
	m.bindNode(u, v)
}

func (m *Matching) bindNode(u *utql.Node, v *srg.Node) {
	if c, ok := m.nodeForward[u]; ok {
		c.count++
	} else {
		m.nodeForward[u] = &nodeCorrespondence[*srg.Node]{node: v, count: 1}
	}
	if c, ok := m.nodeBackward[v]; ok {
		c.count++
	} else {
		m.nodeBackward[v] = &nodeCorrespondence[*utql.Node]{node: u, count: 1}
	}
}

// EdgeBindingCompatible reports whether binding pattern edge e to SRG
// edge f keeps both node maps injective: bound endpoints must agree, and
// free endpoints may only bind to free SRG nodes.
func (m *Matching) EdgeBindingCompatible(g *srg.Graph, e *utql.Edge, f *srg.Edge) bool {
	fs, ft := g.Source(f), g.Target(f)
	if !m.endpointCompatible(e.Source, fs) || !m.endpointCompatible(e.Target, ft) {
		return false
	}
	// distinct pattern endpoints may not collapse onto one SRG node
	if e.Source != e.Target && fs == ft {
		return false
	}
	if e.Source == e.Target && fs != ft {
		return false
	}
	return true
}

func (m *Matching) endpointCompatible(u *utql.Node, v *srg.Node) bool {
	if c, ok := m.nodeForward[u]; ok {
		return c.node == v
	}
	// u is free: v must be free too
	_, taken := m.nodeBackward[v]
	return !taken
}

// IsPatternEdgeMatched reports whether the pattern edge is bound.
func (m *Matching) IsPatternEdgeMatched(e *utql.Edge) bool {
	_, ok := m.edgeForward[e]
	return ok
}

// IsSRGEdgeMatched reports whether the SRG edge is bound.
func (m *Matching) IsSRGEdgeMatched(f *srg.Edge) bool {
	_, ok := m.edgeBackward[f]
	return ok
}

// IsPatternNodeMatched reports whether the pattern node is bound.
func (m *Matching) IsPatternNodeMatched(u *utql.Node) bool {
	_, ok := m.nodeForward[u]
	return ok
}

// IsSRGNodeMatched reports whether the SRG node is bound.
func (m *Matching) IsSRGNodeMatched(v *srg.Node) bool {
	_, ok := m.nodeBackward[v]
	return ok
}

// SRGEdge returns the SRG edge bound to a pattern edge.
func (m *Matching) SRGEdge(e *utql.Edge) (*srg.Edge, error) {
	f, ok := m.edgeForward[e]
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: edge %s", errors.ErrNotMatched, e.Name), "Matching", "SRGEdge", "lookup")
	}
	return f, nil
}

// SRGNode returns the SRG node bound to a pattern node.
func (m *Matching) SRGNode(u *utql.Node) (*srg.Node, error) {
	c, ok := m.nodeForward[u]
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: node %s", errors.ErrNotMatched, u.Name), "Matching", "SRGNode", "lookup")
	}
	return c.node, nil
}

// MatchedEdges returns the pattern edges bound so far, in name order.
func (m *Matching) MatchedEdges() []*utql.Edge {
	out := make([]*utql.Edge, 0, len(m.edgeForward))
	for e := range m.edgeForward {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InputAttributes implements attribute.Matching.
func (m *Matching) InputAttributes(name string) (*attribute.Attributes, bool) {
	a, ok := m.allInput[name]
	return a, ok
}

// InformationSources implements attribute.Matching.
func (m *Matching) InformationSources() []string {
	out := make([]string, 0, len(m.sources))
	for s := range m.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SourceSet returns the information source set of the matching.
func (m *Matching) SourceSet() map[string]struct{} {
	return m.sources
}

// Expand collects information sources and input attribute maps from the
// matched SRG counterparts, then evaluates the output attribute
// expressions against the matching as a global context. Expression
// failures are logged by the caller and leave the attribute unset.
func (m *Matching) Expand(p *Pattern, g *srg.Graph) []error {
	m.sources = make(map[string]struct{})
	m.allInput = make(map[string]*attribute.Attributes)
	m.ExpandedEdgeAttributes = make(map[string]*attribute.Attributes)
	m.ExpandedNodeAttributes = make(map[string]*attribute.Attributes)

	for _, e := range p.Graph.InputEdges() {
		f, err := m.SRGEdge(e)
		if err != nil {
			return []error{err}
		}
		for s := range f.InformationSources {
			m.sources[s] = struct{}{}
		}
		m.allInput[e.Name] = f.Attributes
	}
	for _, n := range p.Graph.InputNodes() {
		v, err := m.SRGNode(n)
		if err != nil {
			return []error{err}
		}
		m.allInput[n.Name] = v.Attributes
	}

	ctx := attribute.MatchingContext(m)
	var evalErrs []error

	for _, e := range p.Graph.OutputEdges() {
		expanded := e.Attributes.Clone()
		for _, x := range e.Expressions {
			v, err := x.Expression.Evaluate(ctx)
			if err != nil {
				evalErrs = append(evalErrs, errors.Wrap(err, "Matching", "Expand", e.Name+"."+x.Name))
				continue
			}
			expanded.Set(x.Name, v)
		}
		m.ExpandedEdgeAttributes[e.Name] = expanded
	}
	for _, n := range p.Graph.OutputNodes() {
		expanded := n.Attributes.Clone()
		for _, x := range n.Expressions {
			v, err := x.Expression.Evaluate(ctx)
			if err != nil {
				evalErrs = append(evalErrs, errors.Wrap(err, "Matching", "Expand", n.Name+"."+x.Name))
				continue
			}
			expanded.Set(x.Name, v)
		}
		m.ExpandedNodeAttributes[n.Name] = expanded
	}

	return evalErrs
}
