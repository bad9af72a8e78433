// Package utql implements the UTQL document model and its XML encoding.
// A document is a list of subgraphs (patterns); each subgraph has
// disjoint Input and Output sections of typed nodes and directed edges
// carrying attributes, predicates and attribute expressions. The
// DataflowConfiguration payload is opaque to the core and preserved
// bit-for-bit across read/match/write.
package utql

import (
	"fmt"
	"sort"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/errors"
)

// Section tags a node or edge as belonging to the Input or Output
// section of its subgraph.
type Section int

const (
	// SectionInput marks elements matched against the SRG.
	SectionInput Section = iota
	// SectionOutput marks elements added to the SRG on application.
	SectionOutput
)

// String returns "input" or "output".
func (s Section) String() string {
	if s == SectionInput {
		return "input"
	}
	return "output"
}

// NamedExpression is one attribute expression together with the
// attribute it assigns and its original source text (kept for writing).
type NamedExpression struct {
	Name       string
	Expression attribute.Expression
	Source     string
}

// NamedPredicate is one predicate together with its source text.
type NamedPredicate struct {
	Predicate attribute.Predicate
	Source    string
}

// EdgeRef references the producer of an edge: the producing subgraph id
// and the edge's local name there.
type EdgeRef struct {
	SubgraphID string
	EdgeName   string
}

// Empty reports whether the reference is unset.
func (r EdgeRef) Empty() bool {
	return r.SubgraphID == ""
}

// Node is one vertex of a subgraph.
type Node struct {
	Name    string
	Section Section

	// QualifiedName is the id of the SRG node this node is bound to in
	// fully qualified (instantiated) subgraphs.
	QualifiedName string

	Attributes  *attribute.Attributes
	Predicates  []NamedPredicate
	Expressions []NamedExpression

	// Out and In list the incident subgraph edges.
	Out, In []*Edge
}

// IsInput reports whether the node belongs to the input section.
func (n *Node) IsInput() bool { return n.Section == SectionInput }

// IsOutput reports whether the node belongs to the output section.
func (n *Node) IsOutput() bool { return n.Section == SectionOutput }

// Edge is one directed edge of a subgraph. Both endpoints must belong to
// the same subgraph.
type Edge struct {
	Name    string
	Section Section

	Source, Target *Node

	Attributes  *attribute.Attributes
	Predicates  []NamedPredicate
	Expressions []NamedExpression

	// Ref wires instantiated input edges to their producer.
	Ref EdgeRef

	// InformationSources carries provenance on instantiated output
	// edges (sorted on access, stored as a set).
	InformationSources map[string]struct{}
}

// IsInput reports whether the edge belongs to the input section.
func (e *Edge) IsInput() bool { return e.Section == SectionInput }

// IsOutput reports whether the edge belongs to the output section.
func (e *Edge) IsOutput() bool { return e.Section == SectionOutput }

// Subgraph is one UTQL pattern: a named graph with input and output
// sections plus dataflow configuration for the runtime.
type Subgraph struct {
	Name string
	ID   string

	nodes map[string]*Node
	edges map[string]*Edge

	// DataflowConfiguration is the raw inner XML of the
	// DataflowConfiguration element, preserved bit-for-bit.
	DataflowConfiguration string

	// DataflowClass is the component class extracted from the
	// UbitrackLib element of the configuration.
	DataflowClass string

	// DataflowAttributes are the attribute children of the
	// configuration, read by component factories.
	DataflowAttributes *attribute.Attributes

	// OnlyBestEdgeMatch restricts query answering to the best matching.
	OnlyBestEdgeMatch bool

	// BestMatchExpression overrides the default best-match objective.
	BestMatchExpression attribute.Expression

	// BestMatchSource is the original expression text, kept for writing.
	BestMatchSource string
}

// NewSubgraph creates an empty subgraph.
func NewSubgraph(name, id string) *Subgraph {
	return &Subgraph{
		Name:               name,
		ID:                 id,
		nodes:              make(map[string]*Node),
		edges:              make(map[string]*Edge),
		DataflowAttributes: attribute.NewAttributes(),
	}
}

// Empty reports whether the subgraph carries neither structure nor
// dataflow configuration. Empty subgraphs act as deletion signals.
func (g *Subgraph) Empty() bool {
	return len(g.nodes) == 0 && len(g.edges) == 0 && g.DataflowConfiguration == ""
}

// AddNode creates a node in the given section.
func (g *Subgraph) AddNode(name string, section Section) (*Node, error) {
	if _, ok := g.nodes[name]; ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateNode, name), "Subgraph", "AddNode", "uniqueness check")
	}
	n := &Node{Name: name, Section: section, Attributes: attribute.NewAttributes()}
	g.nodes[name] = n
	return n, nil
}

// AddEdge creates an edge between two nodes of this subgraph.
func (g *Subgraph) AddEdge(name string, source, target *Node, section Section) (*Edge, error) {
	if _, ok := g.edges[name]; ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateEdge, name), "Subgraph", "AddEdge", "uniqueness check")
	}
	if g.nodes[source.Name] != source || g.nodes[target.Name] != target {
		return nil, errors.WrapInvalid(
			fmt.Errorf("edge %s refers to foreign nodes", name), "Subgraph", "AddEdge", "endpoint check")
	}
	e := &Edge{
		Name:               name,
		Section:            section,
		Source:             source,
		Target:             target,
		Attributes:         attribute.NewAttributes(),
		InformationSources: make(map[string]struct{}),
	}
	g.edges[name] = e
	source.Out = append(source.Out, e)
	target.In = append(target.In, e)
	return e, nil
}

// Node returns the node with the given name, or nil.
func (g *Subgraph) Node(name string) *Node {
	return g.nodes[name]
}

// Edge returns the edge with the given name, or nil.
func (g *Subgraph) Edge(name string) *Edge {
	return g.edges[name]
}

// Nodes returns all nodes in name order.
func (g *Subgraph) Nodes() []*Node {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Node, len(names))
	for i, n := range names {
		out[i] = g.nodes[n]
	}
	return out
}

// Edges returns all edges in name order.
func (g *Subgraph) Edges() []*Edge {
	names := make([]string, 0, len(g.edges))
	for n := range g.edges {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Edge, len(names))
	for i, n := range names {
		out[i] = g.edges[n]
	}
	return out
}

// InputEdges returns the input-section edges in name order.
func (g *Subgraph) InputEdges() []*Edge {
	var out []*Edge
	for _, e := range g.Edges() {
		if e.IsInput() {
			out = append(out, e)
		}
	}
	return out
}

// OutputEdges returns the output-section edges in name order.
func (g *Subgraph) OutputEdges() []*Edge {
	var out []*Edge
	for _, e := range g.Edges() {
		if e.IsOutput() {
			out = append(out, e)
		}
	}
	return out
}

// InputNodes returns the input-section nodes in name order.
func (g *Subgraph) InputNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.IsInput() {
			out = append(out, n)
		}
	}
	return out
}

// OutputNodes returns the output-section nodes in name order.
func (g *Subgraph) OutputNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.IsOutput() {
			out = append(out, n)
		}
	}
	return out
}

// Document is an ordered list of subgraphs, read from or written to a
// UTQLRequest or UTQLResponse element.
type Document struct {
	// Response distinguishes UTQLResponse from UTQLRequest documents.
	Response bool

	Subgraphs []*Subgraph

	byID map[string]*Subgraph
}

// NewDocument creates an empty document.
func NewDocument(response bool) *Document {
	return &Document{Response: response, byID: make(map[string]*Subgraph)}
}

// AddSubgraph appends a subgraph to the document.
func (d *Document) AddSubgraph(g *Subgraph) {
	d.Subgraphs = append(d.Subgraphs, g)
	if g.ID != "" {
		if d.byID == nil {
			d.byID = make(map[string]*Subgraph)
		}
		d.byID[g.ID] = g
	}
}

// SubgraphByID returns the subgraph with the given id, or nil.
func (d *Document) SubgraphByID(id string) *Subgraph {
	if d.byID == nil {
		return nil
	}
	return d.byID[id]
}
