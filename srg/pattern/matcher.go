package pattern

import (
	"log/slog"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/srg"
	"github.com/schwoere/utdataflow/utql"
)

// nodeCompatible checks every predicate of a pattern node against an
// SRG node. Evaluation failures count as "does not match".
func nodeCompatible(u *utql.Node, v *srg.Node) bool {
	ctx := attribute.NodeEdgeContext(v.Attributes, nil)
	for _, p := range u.Predicates {
		ok, err := p.Predicate.Evaluate(ctx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// edgeCompatible checks every predicate of a pattern edge against an
// SRG edge. The edge's information sources are visible to
// inSourceSet(...) predicates.
func edgeCompatible(e *utql.Edge, f *srg.Edge) bool {
	ctx := attribute.NodeEdgeContext(f.Attributes, f.Sources())
	for _, p := range e.Predicates {
		ok, err := p.Predicate.Evaluate(ctx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Match enumerates all matchings of a pattern into the SRG.
//
// The search is an iterative DFS over partial matchings with an explicit
// stack; each popped state consults its search plan step and pushes one
// extended state per compatible candidate. Matchings are injective on
// both edges and nodes, so no duplicates can arise.
func Match(p *Pattern, g *srg.Graph, logger *slog.Logger) []*Matching {
	var found []*Matching

	stack := []*Matching{NewMatching()}

	for len(stack) > 0 {
		state := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		step := state.step
		state.step++

		if step == len(p.Plan) {
			found = append(found, state)
			continue
		}

		if e := p.Plan[step].Edge; e != nil {
			stack = matchEdgeStep(state, e, g, stack)
			continue
		}

		stack = matchNodeStep(state, p.Plan[step], g, stack)
	}

	if logger != nil {
		logger.Debug("pattern matched", "pattern", p.Name, "matchings", len(found))
	}
	return found
}

func matchEdgeStep(state *Matching, e *utql.Edge, g *srg.Graph, stack []*Matching) []*Matching {
	sourceMatched := state.IsPatternNodeMatched(e.Source)
	targetMatched := state.IsPatternNodeMatched(e.Target)

	push := func(f *srg.Edge) []*Matching {
		next := state.Clone()
		next.AddMatchedEdge(g, e, f)
		return append(stack, next)
	}

	// candidate edges: out-edges of a bound source, in-edges of a bound
	// target, or all SRG edges when neither endpoint is bound yet
	var candidates []*srg.Edge
	switch {
	case sourceMatched:
		start, err := state.SRGNode(e.Source)
		if err != nil {
			return stack
		}
		candidates = g.OutEdges(start)
	case targetMatched:
		start, err := state.SRGNode(e.Target)
		if err != nil {
			return stack
		}
		candidates = g.InEdges(start)
	default:
		candidates = g.Edges()
	}

	for _, f := range candidates {
		if state.IsSRGEdgeMatched(f) {
			continue
		}
		if !state.EdgeBindingCompatible(g, e, f) {
			continue
		}
		if !edgeCompatible(e, f) {
			continue
		}
		stack = push(f)
	}

	return stack
}

func matchNodeStep(state *Matching, step PlanStep, g *srg.Graph, stack []*Matching) []*Matching {
	u := step.Node

	if state.IsPatternNodeMatched(u) {
		// already bound via edges: only re-check predicates
		bound, err := state.SRGNode(u)
		if err != nil || !nodeCompatible(u, bound) {
			return stack
		}
		return append(stack, state)
	}

	if step.RequiredID != "" {
		if !g.HasNode(step.RequiredID) {
			return stack
		}
		v, err := g.Node(step.RequiredID)
		if err != nil || state.IsSRGNodeMatched(v) || !nodeCompatible(u, v) {
			return stack
		}
		next := state.Clone()
		next.AddMatchedNode(u, v)
		return append(stack, next)
	}

	for _, v := range g.Nodes() {
		if state.IsSRGNodeMatched(v) {
			continue
		}
		if !nodeCompatible(u, v) {
			continue
		}
		next := state.Clone()
		next.AddMatchedNode(u, v)
		stack = append(stack, next)
	}
	return stack
}
