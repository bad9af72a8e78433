package utql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRequest = `<?xml version="1.0" encoding="UTF-8"?>
<UTQLRequest xmlns="http://ar.in.tum.de/ubitrack/utql">
  <Pattern name="Art6D" id="art1">
    <Output>
      <Node name="Art" id="artHost">
        <Attribute name="room" value="lab"/>
      </Node>
      <Node name="Body" id="body1"/>
      <Edge name="ArtToTarget" source="Art" destination="Body">
        <Attribute name="type" value="6D"/>
        <Attribute name="latency" value="10"/>
        <Attribute name="updateTime" value="33"/>
      </Edge>
    </Output>
    <DataflowConfiguration><UbitrackLib class="ArtTracker"/><Attribute name="port" value="5000"/></DataflowConfiguration>
  </Pattern>
  <Pattern name="Query6D">
    <Input>
      <Node name="A">
        <Predicate>id=="artHost"</Predicate>
      </Node>
      <Node name="B"/>
      <Edge name="wanted" source="A" destination="B">
        <Predicate>type=="6D"&amp;&amp;latency&lt;20</Predicate>
      </Edge>
    </Input>
    <Constraints>
      <OnlyBestEdgeMatch/>
      <BestMatchExpression>sourceCount()</BestMatchExpression>
    </Constraints>
  </Pattern>
</UTQLRequest>
`

func TestReadRequest(t *testing.T) {
	doc, err := ReadString(sampleRequest)
	require.NoError(t, err)
	assert.False(t, doc.Response)
	require.Len(t, doc.Subgraphs, 2)

	art := doc.Subgraphs[0]
	assert.Equal(t, "Art6D", art.Name)
	assert.Equal(t, "art1", art.ID)
	assert.Equal(t, "ArtTracker", art.DataflowClass)
	assert.Equal(t, "5000", art.DataflowAttributes.Get("port").Text())
	assert.Contains(t, art.DataflowConfiguration, `<UbitrackLib class="ArtTracker"/>`)

	require.Len(t, art.OutputNodes(), 2)
	require.Len(t, art.OutputEdges(), 1)
	edge := art.Edge("ArtToTarget")
	require.NotNil(t, edge)
	assert.Equal(t, "Art", edge.Source.Name)
	assert.Equal(t, "Body", edge.Target.Name)
	assert.Equal(t, "6D", edge.Attributes.Get("type").Text())

	node := art.Node("Art")
	require.NotNil(t, node)
	assert.Equal(t, "artHost", node.QualifiedName)
	assert.Equal(t, "lab", node.Attributes.Get("room").Text())

	query := doc.Subgraphs[1]
	assert.True(t, query.OnlyBestEdgeMatch)
	require.NotNil(t, query.BestMatchExpression)
	require.Len(t, query.InputEdges(), 1)
	require.Len(t, query.InputEdges()[0].Predicates, 1)
	require.Len(t, query.Node("A").Predicates, 1)
}

func TestSubgraphByID(t *testing.T) {
	doc, err := ReadString(sampleRequest)
	require.NoError(t, err)
	assert.NotNil(t, doc.SubgraphByID("art1"))
	assert.Nil(t, doc.SubgraphByID("nope"))
}

func TestRoundTripPreservesStructure(t *testing.T) {
	doc, err := ReadString(sampleRequest)
	require.NoError(t, err)

	out := Write(doc)
	doc2, err := ReadString(out)
	require.NoError(t, err)

	require.Len(t, doc2.Subgraphs, 2)
	art := doc2.Subgraphs[0]
	assert.Equal(t, "Art6D", art.Name)
	assert.Equal(t, "ArtTracker", art.DataflowClass)
	assert.Equal(t, "6D", art.Edge("ArtToTarget").Attributes.Get("type").Text())
	assert.Equal(t, "artHost", art.Node("Art").QualifiedName)

	query := doc2.Subgraphs[1]
	assert.True(t, query.OnlyBestEdgeMatch)
	require.Len(t, query.InputEdges()[0].Predicates, 1)
	assert.Equal(t, `type=="6D"&&latency<20`, query.InputEdges()[0].Predicates[0].Source)
}

func TestDataflowConfigurationBitExact(t *testing.T) {
	// the configuration payload must survive read/write untouched,
	// including formatting the core would not itself produce
	payload := `<UbitrackLib class="X"/><Custom  attr='1'><Deep>text &amp; more</Deep></Custom>`
	in := `<UTQLResponse xmlns="http://ar.in.tum.de/ubitrack/utql">` +
		`<Pattern name="p" id="p1"><DataflowConfiguration>` + payload +
		`</DataflowConfiguration></Pattern></UTQLResponse>`

	doc, err := ReadString(in)
	require.NoError(t, err)
	require.Len(t, doc.Subgraphs, 1)
	assert.Equal(t, payload, doc.Subgraphs[0].DataflowConfiguration)

	out := Write(doc)
	assert.Contains(t, out, payload)

	doc2, err := ReadString(out)
	require.NoError(t, err)
	assert.Equal(t, payload, doc2.Subgraphs[0].DataflowConfiguration)
}

func TestEdgeReferencesRoundTrip(t *testing.T) {
	g := NewSubgraph("resp", "resp1")
	a, err := g.AddNode("A", SectionInput)
	require.NoError(t, err)
	b, err := g.AddNode("B", SectionInput)
	require.NoError(t, err)
	e, err := g.AddEdge("in", a, b, SectionInput)
	require.NoError(t, err)
	e.Ref = EdgeRef{SubgraphID: "art1", EdgeName: "ArtToTarget"}

	doc := NewDocument(true)
	doc.AddSubgraph(g)
	out := Write(doc)

	doc2, err := ReadString(out)
	require.NoError(t, err)
	got := doc2.Subgraphs[0].Edge("in")
	require.NotNil(t, got)
	assert.Equal(t, "art1", got.Ref.SubgraphID)
	assert.Equal(t, "ArtToTarget", got.Ref.EdgeName)
	assert.True(t, doc2.Response)
}

func TestEmptySubgraphIsDeletionSignal(t *testing.T) {
	g := NewSubgraph("gone", "old-id")
	assert.True(t, g.Empty())

	doc := NewDocument(true)
	doc.AddSubgraph(g)
	doc2, err := ReadString(Write(doc))
	require.NoError(t, err)
	require.Len(t, doc2.Subgraphs, 1)
	assert.True(t, doc2.Subgraphs[0].Empty())
	assert.Equal(t, "old-id", doc2.Subgraphs[0].ID)
}

func TestRejectBadRoot(t *testing.T) {
	_, err := ReadString(`<NotUTQL/>`)
	assert.Error(t, err)
}

func TestForeignNodeRejected(t *testing.T) {
	in := `<UTQLRequest xmlns="http://ar.in.tum.de/ubitrack/utql">
  <Pattern name="p">
    <Input>
      <Node name="A"/>
      <Edge name="e" source="A" destination="Missing"/>
    </Input>
  </Pattern>
</UTQLRequest>`
	_, err := ReadString(in)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Missing"))
}
