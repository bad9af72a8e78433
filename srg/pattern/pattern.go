// Package pattern implements pattern records, search plans and the
// subgraph matcher. A pattern is a UTQL subgraph whose input section is
// matched against the SRG; the matcher enumerates all injective
// embeddings that satisfy the node and edge predicates, driven by a
// precomputed search plan.
package pattern

import (
	"github.com/schwoere/utdataflow/utql"
)

// PlanStep is one step of a search plan: match an edge, or match a node
// (optionally pinned to a required SRG node id).
type PlanStep struct {
	Node *utql.Node
	Edge *utql.Edge

	// RequiredID pins a node step to the SRG node with this id.
	RequiredID string
}

// Pattern is a registered pattern: the parsed subgraph, the owning
// client, and the search plan derived once at registration.
type Pattern struct {
	Name     string
	ClientID string
	Graph    *utql.Subgraph
	Plan     []PlanStep
}

// New creates a pattern record and derives its search plan.
//
// The plan is built by a depth-first walk starting from, in preference order: an
// input node with an id equality predicate, any input node with
// predicates, or any input edge. It then walks connected input edges so
// every edge step extends an already-matched endpoint where possible.
func New(g *utql.Subgraph, clientID string) *Pattern {
	p := &Pattern{Name: g.Name, ClientID: clientID, Graph: g}
	p.buildPlan()
	return p
}

func (p *Pattern) buildPlan() {
	if len(p.Graph.Nodes()) == 0 {
		return
	}

	var stack []*utql.Node
	matchedEdges := make(map[string]bool)
	matchedNodes := make(map[string]bool)

	push := func(n *utql.Node) {
		matchedNodes[n.Name] = true
		stack = append(stack, n)
	}

	// prefer an input node pinned by an id equality predicate
	var firstPredicateNode *utql.Node
	for _, n := range p.Graph.InputNodes() {
		if len(n.Predicates) == 0 {
			continue
		}
		if firstPredicateNode == nil {
			firstPredicateNode = n
		}
		for _, eq := range n.Predicates[0].Predicate.ConjunctiveEqualities() {
			if eq.Attribute == "id" {
				p.Plan = append(p.Plan, PlanStep{Node: n, RequiredID: eq.Value})
				push(n)
				break
			}
		}
		if len(stack) > 0 {
			break
		}
	}

	if len(stack) == 0 {
		if firstPredicateNode != nil {
			// no id-pinned node: prefer any node with predicates
			p.Plan = append(p.Plan, PlanStep{Node: firstPredicateNode})
			push(firstPredicateNode)
		} else {
			// no predicated nodes at all: start with the first input edge
			for _, e := range p.Graph.InputEdges() {
				p.Plan = append(p.Plan, PlanStep{Edge: e})
				matchedEdges[e.Name] = true
				push(e.Source)
				push(e.Target)
				break
			}
		}
	}

	// walk connected input edges until every input node is covered
	for {
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			for _, e := range n.Out {
				if e.IsInput() && !matchedEdges[e.Name] {
					p.Plan = append(p.Plan, PlanStep{Edge: e})
					matchedEdges[e.Name] = true
					p.visitPlanNode(e.Target, matchedNodes, push)
				}
			}
			for _, e := range n.In {
				if e.IsInput() && !matchedEdges[e.Name] {
					p.Plan = append(p.Plan, PlanStep{Edge: e})
					matchedEdges[e.Name] = true
					p.visitPlanNode(e.Source, matchedNodes, push)
				}
			}
		}

		// pick up disconnected input nodes
		grown := false
		for _, n := range p.Graph.InputNodes() {
			if !matchedNodes[n.Name] {
				p.Plan = append(p.Plan, PlanStep{Node: n})
				push(n)
				grown = true
				break
			}
		}
		if !grown {
			return
		}
	}
}

// visitPlanNode adds the far endpoint of a freshly planned edge. Nodes
// carrying predicates get their own plan step so they are attribute
// checked.
func (p *Pattern) visitPlanNode(n *utql.Node, matchedNodes map[string]bool, push func(*utql.Node)) {
	if matchedNodes[n.Name] {
		return
	}
	if len(n.Predicates) > 0 {
		p.Plan = append(p.Plan, PlanStep{Node: n})
	}
	push(n)
}
