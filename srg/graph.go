// Package srg implements the spatial relationship graph: a directed
// multigraph whose nodes carry unique ids and whose edges are keyed by a
// generated name "subgraphID:localName". Nodes and edges live in arenas
// and are referenced by index; incidence lists hold edge indices.
// Removal tombstones the arena entry and drops it from the endpoints'
// incidence lists at once. Edges carry provenance
// (information sources) and dependency back-links used for transitive
// deletion.
package srg

import (
	"fmt"
	"sort"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/errors"
)

// NodeRef identifies a pattern-instance attribute map that contributed
// to an SRG node. Attribute merges are propagated back through these
// references so later matchers see a coherent world view.
type NodeRef = *attribute.Attributes

// Node is one vertex of the SRG.
type Node struct {
	// ID is the unique qualified name of the node.
	ID string

	// Attributes is the merged attribute map of all spawning subgraphs.
	Attributes *attribute.Attributes

	// SubgraphIDs is the set of subgraph ids that currently spawn this
	// node. The node survives while at least one subgraph claims it.
	SubgraphIDs map[string]struct{}

	// refs are the pattern-node attribute maps merged into this node.
	refs map[NodeRef]struct{}

	out, in []int
	index   int
	alive   bool
}

// Edge is one directed edge of the SRG.
type Edge struct {
	// Name is the generated unique edge name "subgraphID:localName".
	Name string

	// Attributes holds the (expanded) edge attributes.
	Attributes *attribute.Attributes

	// SubgraphID is the id of the producing subgraph.
	SubgraphID string

	// PatternName is the name of the producing pattern, if any.
	PatternName string

	// LocalName is the edge name local to the producing subgraph.
	LocalName string

	// InformationSources is the set of atomic data origins this edge
	// depends on.
	InformationSources map[string]struct{}

	// DependentSubgraphs is the set of subgraph ids that consume this
	// edge as an input.
	DependentSubgraphs map[string]struct{}

	source, target int
	index          int
	alive          bool
}

// Sources returns the information sources in sorted order.
func (e *Edge) Sources() []string {
	return sortedKeys(e.InformationSources)
}

// Graph is the mutable SRG store. It is not safe for concurrent use;
// the manager drives it from a single configuration goroutine.
type Graph struct {
	nodes []*Node
	edges []*Edge

	nodeByID   map[string]int
	edgeByName map[string]int

	liveNodes int
	liveEdges int
}

// New creates an empty SRG.
func New() *Graph {
	return &Graph{
		nodeByID:   make(map[string]int),
		edgeByName: make(map[string]int),
	}
}

// Order returns the number of live nodes.
func (g *Graph) Order() int { return g.liveNodes }

// Size returns the number of live edges.
func (g *Graph) Size() int { return g.liveEdges }

// HasNode reports whether a node with the given id exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodeByID[id]
	return ok
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, error) {
	i, ok := g.nodeByID[id]
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrNodeNotFound, id), "Graph", "Node", "lookup")
	}
	return g.nodes[i], nil
}

// AddNode creates a node with the given id, initial attributes and
// spawning subgraph. The attribute map is copied.
func (g *Graph) AddNode(id string, attrs *attribute.Attributes, subgraphID string, ref NodeRef) (*Node, error) {
	if _, ok := g.nodeByID[id]; ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrDuplicateNode, id), "Graph", "AddNode", "uniqueness check")
	}

	n := &Node{
		ID:          id,
		Attributes:  attrs.Clone(),
		SubgraphIDs: map[string]struct{}{subgraphID: {}},
		refs:        make(map[NodeRef]struct{}),
		index:       len(g.nodes),
		alive:       true,
	}
	if ref != nil {
		n.refs[ref] = struct{}{}
	}
	g.nodes = append(g.nodes, n)
	g.nodeByID[id] = n.index
	g.liveNodes++
	return n, nil
}

// MergeNode merges attributes into an existing node when another
// subgraph re-registers the same id. The merge is last-write-wins per
// key and is propagated to every pattern-node reference that contributed
// to this node.
func (g *Graph) MergeNode(n *Node, attrs *attribute.Attributes, subgraphID string, ref NodeRef) {
	n.Attributes.Merge(attrs)
	n.SubgraphIDs[subgraphID] = struct{}{}
	if ref != nil {
		n.refs[ref] = struct{}{}
	}

	// write the merged view back into every contributing instance
	for r := range n.refs {
		r.Merge(n.Attributes)
	}
}

// ReleaseNode removes a subgraph from the node's spawn set and drops the
// given pattern-node reference. It reports whether the spawn set became
// empty, i.e. whether the caller should remove the node.
func (g *Graph) ReleaseNode(n *Node, subgraphID string, ref NodeRef) bool {
	delete(n.SubgraphIDs, subgraphID)
	if ref != nil {
		delete(n.refs, ref)
	}
	return len(n.SubgraphIDs) == 0
}

// RemoveNode deletes a node and every incident edge.
func (g *Graph) RemoveNode(id string) error {
	i, ok := g.nodeByID[id]
	if !ok {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrNodeNotFound, id), "Graph", "RemoveNode", "lookup")
	}
	n := g.nodes[i]

	for _, ei := range append(append([]int(nil), n.out...), n.in...) {
		if g.edges[ei].alive {
			g.removeEdgeAt(ei)
		}
	}

	n.alive = false
	delete(g.nodeByID, id)
	g.liveNodes--
	return nil
}

// HasEdge reports whether an edge with the given generated name exists.
func (g *Graph) HasEdge(name string) bool {
	_, ok := g.edgeByName[name]
	return ok
}

// Edge returns the edge with the given generated name.
func (g *Graph) Edge(name string) (*Edge, error) {
	i, ok := g.edgeByName[name]
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrEdgeNotFound, name), "Graph", "Edge", "lookup")
	}
	return g.edges[i], nil
}

// AddEdge creates an edge between two existing nodes. The attribute map
// is copied.
func (g *Graph) AddEdge(name string, source, target *Node, attrs *attribute.Attributes, subgraphID, localName string) (*Edge, error) {
	if _, ok := g.edgeByName[name]; ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrDuplicateEdge, name), "Graph", "AddEdge", "uniqueness check")
	}
	if !source.alive || !target.alive {
		return nil, errors.WrapFatal(errors.ErrNodeNotFound, "Graph", "AddEdge", "endpoint check")
	}

	e := &Edge{
		Name:               name,
		Attributes:         attrs.Clone(),
		SubgraphID:         subgraphID,
		LocalName:          localName,
		InformationSources: make(map[string]struct{}),
		DependentSubgraphs: make(map[string]struct{}),
		source:             source.index,
		target:             target.index,
		index:              len(g.edges),
		alive:              true,
	}
	g.edges = append(g.edges, e)
	g.edgeByName[name] = e.index
	source.out = append(source.out, e.index)
	target.in = append(target.in, e.index)
	g.liveEdges++
	return e, nil
}

// RemoveEdge deletes the edge with the given generated name.
func (g *Graph) RemoveEdge(name string) error {
	i, ok := g.edgeByName[name]
	if !ok {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrEdgeNotFound, name), "Graph", "RemoveEdge", "lookup")
	}
	g.removeEdgeAt(i)
	return nil
}

func (g *Graph) removeEdgeAt(i int) {
	e := g.edges[i]
	e.alive = false
	delete(g.edgeByName, e.Name)
	g.liveEdges--

	// drop the dead entry from both endpoints' incidence lists
	g.nodes[e.source].out = compact(g.nodes[e.source].out, g.edges)
	g.nodes[e.target].in = compact(g.nodes[e.target].in, g.edges)
}

func compact(list []int, edges []*Edge) []int {
	out := list[:0]
	for _, i := range list {
		if edges[i].alive {
			out = append(out, i)
		}
	}
	return out
}

// Source returns the source node of an edge.
func (g *Graph) Source(e *Edge) *Node { return g.nodes[e.source] }

// Target returns the target node of an edge.
func (g *Graph) Target(e *Edge) *Node { return g.nodes[e.target] }

// OutEdges returns the live outgoing edges of a node.
func (g *Graph) OutEdges(n *Node) []*Edge {
	return g.liveEdgeList(n.out)
}

// InEdges returns the live incoming edges of a node.
func (g *Graph) InEdges(n *Node) []*Edge {
	return g.liveEdgeList(n.in)
}

func (g *Graph) liveEdgeList(idx []int) []*Edge {
	out := make([]*Edge, 0, len(idx))
	for _, i := range idx {
		if g.edges[i].alive {
			out = append(out, g.edges[i])
		}
	}
	return out
}

// Nodes returns all live nodes in id order.
func (g *Graph) Nodes() []*Node {
	ids := make([]string, 0, len(g.nodeByID))
	for id := range g.nodeByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Node, len(ids))
	for i, id := range ids {
		out[i] = g.nodes[g.nodeByID[id]]
	}
	return out
}

// Edges returns all live edges in name order.
func (g *Graph) Edges() []*Edge {
	names := make([]string, 0, len(g.edgeByName))
	for name := range g.edgeByName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Edge, len(names))
	for i, name := range names {
		out[i] = g.edges[g.edgeByName[name]]
	}
	return out
}

// EdgeName builds the generated unique name of an SRG edge.
func EdgeName(subgraphID, localName string) string {
	return subgraphID + ":" + localName
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
