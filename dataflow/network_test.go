package dataflow

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schwoere/utdataflow/utql"
)

// testFactory registers the source/adder/sink classes used by the
// network tests.
func testFactory(t *testing.T, q *Dependencies) *Factory {
	t.Helper()
	f := NewFactory(*q)

	require.NoError(t, f.Register(&Registration{
		Class:       "TestSource",
		Description: "push source",
		New: func(name string, _ *utql.Subgraph, deps Dependencies) (Component, error) {
			c := NewBaseComponent(name, deps.Logger)
			if _, err := NewPushSupplier[float64](c, "output", deps.Queue); err != nil {
				return nil, err
			}
			return c, nil
		},
	}))

	require.NoError(t, f.Register(&Registration{
		Class:       "TestAdder",
		Description: "triggered two-input adder",
		New: func(name string, g *utql.Subgraph, deps Dependencies) (Component, error) {
			tc := NewTriggerComponent(name, g, deps.Logger)
			inA, err := NewTriggerInPort[float64](tc, "inA", DefaultTriggerGroup)
			if err != nil {
				return nil, err
			}
			inB, err := NewTriggerInPort[float64](tc, "inB", DefaultTriggerGroup)
			if err != nil {
				return nil, err
			}
			out, err := NewTriggerOutPort[float64](tc, "output", deps.Queue)
			if err != nil {
				return nil, err
			}
			tc.SetCompute(func(ts Timestamp) error {
				out.Send(NewMeasurement(ts, inA.Get().Value+inB.Get().Value))
				return nil
			})
			return tc, nil
		},
	}))

	require.NoError(t, f.Register(&Registration{
		Class:       "TestSink",
		Description: "recording sink",
		New: func(name string, _ *utql.Subgraph, deps Dependencies) (Component, error) {
			c := NewBaseComponent(name, deps.Logger)
			if _, err := NewPushConsumer[float64](c, "input", func(Measurement[float64]) {}, -1); err != nil {
				return nil, err
			}
			return c, nil
		},
	}))

	return f
}

// dfSubgraph builds a response subgraph with a dataflow configuration,
// input edges wired by edge references and one output edge.
func dfSubgraph(t *testing.T, id, class string, inputs map[string]utql.EdgeRef, inputModes map[string]string, outputMode string) *utql.Subgraph {
	t.Helper()
	g := utql.NewSubgraph(class, id)
	g.DataflowConfiguration = `<UbitrackLib class="` + class + `"/>`
	g.DataflowClass = class

	a, err := g.AddNode("A", utql.SectionInput)
	require.NoError(t, err)
	b, err := g.AddNode("B", utql.SectionInput)
	require.NoError(t, err)

	for name, ref := range inputs {
		e, err := g.AddEdge(name, a, b, utql.SectionInput)
		require.NoError(t, err)
		e.Ref = ref
		if mode, ok := inputModes[name]; ok {
			e.Attributes.SetText("mode", mode)
		}
	}
	if outputMode != "" {
		e, err := g.AddEdge("output", a, b, utql.SectionOutput)
		require.NoError(t, err)
		e.Attributes.SetText("mode", outputMode)
	}
	return g
}

func buildTestNetwork(t *testing.T) (*Network, *utql.Document) {
	t.Helper()
	q := newQueue(t)
	deps := Dependencies{Queue: q, Logger: slog.Default()}
	f := testFactory(t, &deps)
	n := NewNetwork(f, q, slog.Default())

	doc := utql.NewDocument(true)
	doc.AddSubgraph(dfSubgraph(t, "src1", "TestSource", nil, nil, "push"))
	doc.AddSubgraph(dfSubgraph(t, "src2", "TestSource", nil, nil, "push"))
	doc.AddSubgraph(dfSubgraph(t, "adder1", "TestAdder",
		map[string]utql.EdgeRef{
			"inA": {SubgraphID: "src1", EdgeName: "output"},
			"inB": {SubgraphID: "src2", EdgeName: "output"},
		},
		map[string]string{"inA": "push", "inB": "push"}, "push"))
	doc.AddSubgraph(dfSubgraph(t, "sink1", "TestSink",
		map[string]utql.EdgeRef{"input": {SubgraphID: "adder1", EdgeName: "output"}},
		nil, ""))

	require.NoError(t, n.ProcessResponse(doc))
	return n, doc
}

func TestProcessResponseBuildsNetwork(t *testing.T) {
	n, _ := buildTestNetwork(t)

	assert.Equal(t, []string{"adder1", "sink1", "src1", "src2"}, n.ComponentIDs())
	require.NoError(t, n.StartNetwork())
	assert.True(t, n.Component("adder1").Running())
	require.NoError(t, n.StopNetwork())
	assert.False(t, n.Component("adder1").Running())
}

func TestPriorityDAG(t *testing.T) {
	n, _ := buildTestNetwork(t)

	src1 := n.Component("src1").EventPriority()
	src2 := n.Component("src2").EventPriority()
	adder := n.Component("adder1").EventPriority()
	sink := n.Component("sink1").EventPriority()

	// along every edge, upstream components dispatch first
	assert.Less(t, src1, adder)
	assert.Less(t, src2, adder)
	assert.Less(t, adder, sink)
	assert.Equal(t, MaxPathLength, sink)
	assert.Equal(t, MaxPathLength-2, src1)
}

func TestReconcileEmptySubgraphDropsComponent(t *testing.T) {
	n, _ := buildTestNetwork(t)

	update := utql.NewDocument(true)
	update.AddSubgraph(utql.NewSubgraph("adder1", "adder1"))
	require.NoError(t, n.ProcessResponse(update))

	assert.Nil(t, n.Component("adder1"))
	assert.Equal(t, []string{"sink1", "src1", "src2"}, n.ComponentIDs())
}

func TestRemoteEdgesAreSkipped(t *testing.T) {
	q := newQueue(t)
	deps := Dependencies{Queue: q, Logger: slog.Default()}
	f := testFactory(t, &deps)
	n := NewNetwork(f, q, slog.Default())

	doc := utql.NewDocument(true)
	sink := dfSubgraph(t, "sink1", "TestSink",
		map[string]utql.EdgeRef{"input": {SubgraphID: "remote1", EdgeName: "output"}}, nil, "")
	sink.InputEdges()[0].Attributes.SetText("remotePatternID", "remote1")
	sink.InputEdges()[0].Attributes.SetText("remoteEdgeName", "output")
	doc.AddSubgraph(sink)

	// the remote producer is not part of this client's document; the
	// edge is left to the network bridge
	require.NoError(t, n.ProcessResponse(doc))
	assert.NotNil(t, n.Component("sink1"))
}

func TestConnectUnknownPortFails(t *testing.T) {
	n, _ := buildTestNetwork(t)
	err := n.Connect("src1", "nonexistent", "sink1", "input")
	assert.Error(t, err)
}

func TestConnectDuplicateRejected(t *testing.T) {
	q := newQueue(t)
	deps := Dependencies{Queue: q, Logger: slog.Default()}
	f := testFactory(t, &deps)
	n := NewNetwork(f, q, slog.Default())

	doc := utql.NewDocument(true)
	doc.AddSubgraph(dfSubgraph(t, "src1", "TestSource", nil, nil, "push"))
	doc.AddSubgraph(dfSubgraph(t, "sink1", "TestSink", nil, nil, ""))
	require.NoError(t, n.ProcessResponse(doc))

	// first connect succeeds in both directions
	require.NoError(t, n.Connect("src1", "output", "sink1", "input"))
	// a duplicate is rejected before touching the ports
	assert.Error(t, n.Connect("src1", "output", "sink1", "input"))
}

func TestDuplicateComponentIDRejected(t *testing.T) {
	q := newQueue(t)
	deps := Dependencies{Queue: q, Logger: slog.Default()}
	f := testFactory(t, &deps)
	n := NewNetwork(f, q, slog.Default())

	doc := utql.NewDocument(true)
	doc.AddSubgraph(dfSubgraph(t, "src1", "TestSource", nil, nil, "push"))
	require.NoError(t, n.ProcessResponse(doc))

	_, err := n.createComponent(dfSubgraph(t, "src1", "TestSource", nil, nil, "push"))
	assert.Error(t, err)
}

func TestUnknownClassRejected(t *testing.T) {
	q := newQueue(t)
	deps := Dependencies{Queue: q, Logger: slog.Default()}
	f := testFactory(t, &deps)
	n := NewNetwork(f, q, slog.Default())

	doc := utql.NewDocument(true)
	doc.AddSubgraph(dfSubgraph(t, "x1", "NoSuchClass", nil, nil, "push"))
	assert.Error(t, n.ProcessResponse(doc))
}

func TestModuleSharing(t *testing.T) {
	q := newQueue(t)
	deps := Dependencies{Queue: q, Logger: slog.Default()}
	f := NewFactory(deps)

	created := 0
	require.NoError(t, f.Register(&Registration{
		Class: "SharedCamera",
		New: func(name string, _ *utql.Subgraph, deps Dependencies) (Component, error) {
			created++
			return NewBaseComponent(name, deps.Logger), nil
		},
		ModuleKey: func(g *utql.Subgraph) string {
			return g.DataflowAttributes.Get("device").Text()
		},
	}))

	g1 := utql.NewSubgraph("Cam", "cam1")
	g1.DataflowAttributes.SetText("device", "usb0")
	g2 := utql.NewSubgraph("Cam", "cam2")
	g2.DataflowAttributes.SetText("device", "usb0")
	g3 := utql.NewSubgraph("Cam", "cam3")
	g3.DataflowAttributes.SetText("device", "usb1")

	c1, err := f.CreateComponent("SharedCamera", "cam1", g1)
	require.NoError(t, err)
	c2, err := f.CreateComponent("SharedCamera", "cam2", g2)
	require.NoError(t, err)
	c3, err := f.CreateComponent("SharedCamera", "cam3", g3)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, created)
}

func TestRegistryLoader(t *testing.T) {
	loader := NewRegistryLoader()
	loader.Add("trackers", func(f *Factory) error {
		return f.Register(&Registration{
			Class: "LoadedClass",
			New: func(name string, _ *utql.Subgraph, deps Dependencies) (Component, error) {
				return NewBaseComponent(name, deps.Logger), nil
			},
		})
	})

	h, err := loader.Open("trackers")
	require.NoError(t, err)
	register, err := loader.Resolve(h, "registerComponent")
	require.NoError(t, err)

	f := NewFactory(Dependencies{Logger: slog.Default()})
	require.NoError(t, register(f))
	assert.Contains(t, f.Classes(), "LoadedClass")
	require.NoError(t, loader.Close(h))

	_, err = loader.Open("missing")
	assert.Error(t, err)
	_, err = loader.Resolve(h, "otherSymbol")
	assert.Error(t, err)
}

func TestEventPriorityClamped(t *testing.T) {
	c := NewBaseComponent("c", slog.Default())
	c.SetEventPriority(1000)
	assert.Equal(t, MaxPathLength, c.EventPriority())
	c.SetEventPriority(-5)
	assert.Equal(t, 0, c.EventPriority())
}
