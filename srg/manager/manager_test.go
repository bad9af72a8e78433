package manager

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/utql"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

// baseSRG builds a base registration with one output edge between two
// id-qualified nodes.
func baseSRG(t *testing.T, id, name, from, to, edgeName string, attrPairs ...string) *utql.Subgraph {
	t.Helper()
	g := utql.NewSubgraph(name, id)
	a, err := g.AddNode("From", utql.SectionOutput)
	require.NoError(t, err)
	a.QualifiedName = from
	a.Attributes.SetText("id", from)
	b, err := g.AddNode("To", utql.SectionOutput)
	require.NoError(t, err)
	b.QualifiedName = to
	b.Attributes.SetText("id", to)

	e, err := g.AddEdge(edgeName, a, b, utql.SectionOutput)
	require.NoError(t, err)
	for i := 0; i+1 < len(attrPairs); i += 2 {
		e.Attributes.SetText(attrPairs[i], attrPairs[i+1])
	}
	return g
}

func addPredicate(t *testing.T, preds *[]utql.NamedPredicate, src string) {
	t.Helper()
	p, err := attribute.ParsePredicate(src)
	require.NoError(t, err)
	*preds = append(*preds, utql.NamedPredicate{Predicate: p, Source: src})
}

func addExpression(t *testing.T, exprs *[]utql.NamedExpression, name, src string) {
	t.Helper()
	x, err := attribute.ParseExpression(src)
	require.NoError(t, err)
	*exprs = append(*exprs, utql.NamedExpression{Name: name, Expression: x, Source: src})
}

// concatPattern matches X -[6D]-> Y -[6D]-> Z and derives X -> Z with
// summed latency.
func concatPattern(t *testing.T) *utql.Subgraph {
	t.Helper()
	g := utql.NewSubgraph("PoseConcat", "")
	x, _ := g.AddNode("X", utql.SectionInput)
	y, _ := g.AddNode("Y", utql.SectionInput)
	z, _ := g.AddNode("Z", utql.SectionInput)

	first, err := g.AddEdge("first", x, y, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &first.Predicates, `type=="6D"`)
	second, err := g.AddEdge("second", y, z, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &second.Predicates, `type=="6D"`)

	out, err := g.AddEdge("result", x, z, utql.SectionOutput)
	require.NoError(t, err)
	out.Attributes.SetText("type", "6D")
	addExpression(t, &out.Expressions, "latency", `first.latency+second.latency`)
	return g
}

// inversionPattern matches X -> Y and derives Y -> X.
func inversionPattern(t *testing.T) *utql.Subgraph {
	t.Helper()
	g := utql.NewSubgraph("PoseInversion", "")
	x, _ := g.AddNode("X", utql.SectionInput)
	y, _ := g.AddNode("Y", utql.SectionInput)

	in, err := g.AddEdge("input", x, y, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &in.Predicates, `type=="6D"`)

	out, err := g.AddEdge("output", y, x, utql.SectionOutput)
	require.NoError(t, err)
	out.Attributes.SetText("type", "6D")
	return g
}

func TestS1SingletonBaseSRG(t *testing.T) {
	m := New(testLogger())

	base := baseSRG(t, "art1", "Art6D", "A", "B", "out",
		"type", "6D", "latency", "10", "updateTime", "33")
	require.NoError(t, m.RegisterSRG(base, "client1"))

	require.True(t, m.Graph().HasEdge("art1:out"))
	e, err := m.Graph().Edge("art1:out")
	require.NoError(t, err)
	assert.Equal(t, []string{"art1:out"}, e.Sources())
	assert.Equal(t, "Art6D", e.PatternName)

	// query A -> B with type == "6D"
	q := utql.NewSubgraph("PoseQuery", "")
	qa, _ := q.AddNode("A", utql.SectionInput)
	addPredicate(t, &qa.Predicates, `id=="A"`)
	qb, _ := q.AddNode("B", utql.SectionInput)
	addPredicate(t, &qb.Predicates, `id=="B"`)
	wanted, err := q.AddEdge("wanted", qa, qb, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &wanted.Predicates, `type=="6D"`)

	m.RegisterQuery(q, "client1")
	m.Expand()
	responses := m.ProcessQueries()

	require.Len(t, responses["client1"], 1)
	resp := responses["client1"][0]
	assert.Equal(t, "PoseQuery", resp.QueryName)
	require.Len(t, resp.Graphs, 2)

	// the instantiated query references exactly one producer subgraph
	queryInst := resp.Graphs[0].Graph
	require.Len(t, queryInst.InputEdges(), 1)
	assert.Equal(t, utql.EdgeRef{SubgraphID: "art1", EdgeName: "out"}, queryInst.InputEdges()[0].Ref)
	assert.Equal(t, "art1", resp.Graphs[1].Graph.ID)
}

func TestS2PatternFixedPoint(t *testing.T) {
	m := New(testLogger())

	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "TrackerAB", "A", "B", "ab", "type", "6D", "latency", "10"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg2", "TrackerBC", "B", "C", "bc", "type", "6D", "latency", "20"), "c"))
	m.RegisterPattern(concatPattern(t), "c")

	n := m.ApplyAllPatterns()
	assert.Equal(t, 1, n)

	// exactly one new edge A -> C with union provenance
	require.Equal(t, 3, m.Graph().Size())
	derivedName := "PoseConcat2000:result"
	require.True(t, m.Graph().HasEdge(derivedName))
	e, err := m.Graph().Edge(derivedName)
	require.NoError(t, err)
	assert.Equal(t, []string{"sg1:ab", "sg2:bc"}, e.Sources())

	a, err := m.Graph().Node("A")
	require.NoError(t, err)
	assert.Equal(t, "A", m.Graph().Source(e).ID)
	_ = a

	lat, err := e.Attributes.Get("latency").Number()
	require.NoError(t, err)
	assert.Equal(t, 30.0, lat)

	// fixed point: a second pass derives nothing new
	assert.Zero(t, m.ApplyAllPatterns())
	assert.Equal(t, 3, m.Graph().Size())
}

// cyclePattern matches X -> Y and Y -> X and derives a check edge X -> Y.
func cyclePattern(t *testing.T) *utql.Subgraph {
	t.Helper()
	g := utql.NewSubgraph("CycleCheck", "")
	x, _ := g.AddNode("X", utql.SectionInput)
	y, _ := g.AddNode("Y", utql.SectionInput)

	fwd, err := g.AddEdge("forward", x, y, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &fwd.Predicates, `type=="6D"`)
	back, err := g.AddEdge("backward", y, x, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &back.Predicates, `type=="6D"`)

	out, err := g.AddEdge("check", x, y, utql.SectionOutput)
	require.NoError(t, err)
	out.Attributes.SetText("type", "identity-check")
	return g
}

func TestS3Stage1Rejection(t *testing.T) {
	m := New(testLogger())

	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "TrackerAB", "A", "B", "ab", "type", "6D"), "c"))
	m.RegisterPattern(inversionPattern(t), "c")

	// inversion derives B -> A carrying the same source as A -> B
	require.Equal(t, 1, m.ApplyAllPatterns())
	inverted, err := m.Graph().Edge("PoseInversion2000:output")
	require.NoError(t, err)
	assert.Equal(t, []string{"sg1:ab"}, inverted.Sources())

	// the cycle pattern must be rejected: its two inputs share a source
	m.RegisterPattern(cyclePattern(t), "c")
	sizeBefore := m.Graph().Size()
	m.Expand()
	assert.Equal(t, sizeBefore, m.Graph().Size())

	// with the stage-1 filter disabled the same instance is accepted
	m.SetSourceRequirement(RequireNone)
	assert.Greater(t, m.ApplyAllPatterns(), 0)
}

func TestS4Supersession(t *testing.T) {
	m := New(testLogger())

	// slow direct path A -> B
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "SlowTracker", "A", "B", "e",
			"type", "6D", "latency", "20", "updateTime", "33"), "c"))

	// fast two-hop path A -> X -> B, independent of sg1
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg2", "FastTrackerAX", "A", "X", "ax", "type", "6D", "latency", "2"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg3", "FastTrackerXB", "X", "B", "xb", "type", "6D", "latency", "3"), "c"))

	m.RegisterPattern(concatPattern(t), "c")
	require.Greater(t, m.ApplyAllPatterns(), 0)

	// the derived edge exists with the better latency
	derived, err := m.Graph().Edge("PoseConcat2000:result")
	require.NoError(t, err)
	lat, err := derived.Attributes.Get("latency").Number()
	require.NoError(t, err)
	assert.Equal(t, 5.0, lat)

	// the superseded single-output subgraph was removed
	assert.False(t, m.Graph().HasEdge("sg1:e"))
	assert.Nil(t, m.Instance("sg1"))
}

func TestTransitiveDelete(t *testing.T) {
	m := New(testLogger())

	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "TrackerAB", "A", "B", "ab", "type", "6D", "latency", "10"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg2", "TrackerBC", "B", "C", "bc", "type", "6D", "latency", "20"), "c"))
	m.RegisterPattern(concatPattern(t), "c")
	require.Equal(t, 1, m.ApplyAllPatterns())
	require.Equal(t, 3, m.Graph().Size())

	// deleting sg1 must also remove the derived edge that consumed it
	require.NoError(t, m.DeleteSRG("sg1"))

	assert.False(t, m.Graph().HasEdge("sg1:ab"))
	assert.False(t, m.Graph().HasEdge("PoseConcat2000:result"))
	assert.True(t, m.Graph().HasEdge("sg2:bc"))
	assert.Nil(t, m.Instance("PoseConcat2000"))

	// node A lost its only spawning subgraph; B and C survive via sg2
	assert.False(t, m.Graph().HasNode("A"))
	assert.True(t, m.Graph().HasNode("B"))
	assert.True(t, m.Graph().HasNode("C"))

	// no orphan: every remaining edge's producer is still registered
	for _, e := range m.Graph().Edges() {
		assert.NotNil(t, m.Instance(e.SubgraphID))
	}
}

func TestDeletePatternRemovesDerivedEdges(t *testing.T) {
	m := New(testLogger())

	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "TrackerAB", "A", "B", "ab", "type", "6D", "latency", "10"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg2", "TrackerBC", "B", "C", "bc", "type", "6D", "latency", "20"), "c"))
	m.RegisterPattern(concatPattern(t), "c")
	require.Equal(t, 1, m.ApplyAllPatterns())

	require.NoError(t, m.DeletePattern("PoseConcat", "c"))
	assert.Equal(t, 2, m.Graph().Size())

	// the pattern record is gone too: re-applying derives nothing
	assert.Zero(t, m.ApplyAllPatterns())
}

func TestDeleteQueryUnknownIsError(t *testing.T) {
	m := New(testLogger())
	assert.Error(t, m.DeleteQuery("nope", "c"))

	q := utql.NewSubgraph("q", "")
	a, _ := q.AddNode("A", utql.SectionInput)
	addPredicate(t, &a.Predicates, `id=="A"`)
	m.RegisterQuery(q, "c")
	assert.NoError(t, m.DeleteQuery("q", "c"))
}

func TestBestMatchSelection(t *testing.T) {
	m := New(testLogger())

	// two parallel paths A -> B: direct (one source) and fused (two)
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "Direct", "A", "B", "e", "type", "6D", "latency", "10"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg2", "HopAX", "A", "X", "ax", "type", "6D", "latency", "100"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg3", "HopXB", "X", "B", "xb", "type", "6D", "latency", "100"), "c"))
	m.RegisterPattern(concatPattern(t), "c")
	m.Expand()

	q := utql.NewSubgraph("BestQuery", "")
	qa, _ := q.AddNode("A", utql.SectionInput)
	addPredicate(t, &qa.Predicates, `id=="A"`)
	qb, _ := q.AddNode("B", utql.SectionInput)
	addPredicate(t, &qb.Predicates, `id=="B"`)
	wanted, err := q.AddEdge("wanted", qa, qb, utql.SectionInput)
	require.NoError(t, err)
	addPredicate(t, &wanted.Predicates, `type=="6D"`)
	q.OnlyBestEdgeMatch = true

	m.RegisterQuery(q, "c")
	responses := m.ProcessQueries()

	// default objective: least sources, so the direct path wins
	require.Len(t, responses["c"], 1)
	queryInst := responses["c"][0].Graphs[0].Graph
	assert.Equal(t, "sg1", queryInst.InputEdges()[0].Ref.SubgraphID)
}

func TestDeltaIncremental(t *testing.T) {
	m := New(testLogger())

	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "art1", "Art6D", "A", "B", "out", "type", "6D", "latency", "10"), "c"))

	q := utql.NewSubgraph("PoseQuery", "")
	qa, _ := q.AddNode("A", utql.SectionInput)
	addPredicate(t, &qa.Predicates, `id=="A"`)
	qb, _ := q.AddNode("B", utql.SectionInput)
	addPredicate(t, &qb.Predicates, `id=="B"`)
	_, err := q.AddEdge("wanted", qa, qb, utql.SectionInput)
	require.NoError(t, err)
	m.RegisterQuery(q, "c")

	delta := NewDeltaState()

	// first round ships the full response
	docs := delta.Apply(m.ProcessQueries())
	require.NotNil(t, docs["c"])
	firstCount := len(docs["c"].Subgraphs)
	assert.Equal(t, 2, firstCount)

	// unchanged second round ships nothing
	docs = delta.Apply(m.ProcessQueries())
	assert.Empty(t, docs["c"].Subgraphs)

	// removing the query produces deletion signals: empty subgraphs
	// with the previously shipped ids
	require.NoError(t, m.DeleteQuery("PoseQuery", "c"))
	docs = delta.Apply(m.ProcessQueries())
	require.Len(t, docs["c"].Subgraphs, firstCount)
	for _, g := range docs["c"].Subgraphs {
		assert.True(t, g.Empty())
		assert.NotEmpty(t, g.ID)
	}
}

func TestDeltaCrossClientRemoteAttributes(t *testing.T) {
	m := New(testLogger())

	// the tracker belongs to clientA, the query to clientB
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "art1", "Art6D", "A", "B", "out", "type", "6D"), "clientA"))

	q := utql.NewSubgraph("PoseQuery", "")
	qa, _ := q.AddNode("A", utql.SectionInput)
	addPredicate(t, &qa.Predicates, `id=="A"`)
	qb, _ := q.AddNode("B", utql.SectionInput)
	addPredicate(t, &qb.Predicates, `id=="B"`)
	_, err := q.AddEdge("wanted", qa, qb, utql.SectionInput)
	require.NoError(t, err)
	m.RegisterQuery(q, "clientB")

	delta := NewDeltaState()
	docs := delta.Apply(m.ProcessQueries())

	// clientB's query edge refers to a subgraph on clientA, so the
	// reference is handed off to the network bridge
	require.NotNil(t, docs["clientB"])
	require.Len(t, docs["clientB"].Subgraphs, 1)
	edge := docs["clientB"].Subgraphs[0].InputEdges()[0]
	assert.Equal(t, "art1", edge.Attributes.Get("remotePatternID").Text())
	assert.Equal(t, "out", edge.Attributes.Get("remoteEdgeName").Text())
}

func TestProvenanceClosure(t *testing.T) {
	m := New(testLogger())

	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg1", "T1", "A", "B", "ab", "type", "6D", "latency", "1"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg2", "T2", "B", "C", "bc", "type", "6D", "latency", "1"), "c"))
	require.NoError(t, m.RegisterSRG(
		baseSRG(t, "sg3", "T3", "C", "D", "cd", "type", "6D", "latency", "1"), "c"))
	m.RegisterPattern(concatPattern(t), "c")
	m.Expand()

	// every derived edge's source set is the union of its inputs' sets
	for _, e := range m.Graph().Edges() {
		inst := m.Instance(e.SubgraphID)
		require.NotNil(t, inst)
		inputs := inst.Graph.InputEdges()
		if len(inputs) == 0 {
			continue
		}
		union := make(map[string]struct{})
		for _, in := range inputs {
			ref, err := m.Graph().Edge(in.Ref.SubgraphID + ":" + in.Ref.EdgeName)
			if err != nil {
				// input may have been produced by a since-deleted edge
				continue
			}
			for s := range ref.InformationSources {
				union[s] = struct{}{}
			}
		}
		assert.Equal(t, len(union), len(e.InformationSources),
			"edge %s provenance mismatch", e.Name)
		for s := range union {
			assert.Contains(t, e.InformationSources, s)
		}
	}
}
