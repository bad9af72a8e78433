package engine

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schwoere/utdataflow/utql"
)

const trackerAnnouncement = `<?xml version="1.0" encoding="UTF-8"?>
<UTQLRequest xmlns="http://ar.in.tum.de/ubitrack/utql">
  <Pattern name="Art6D" id="art1">
    <Output>
      <Node name="Art" id="artHost"/>
      <Node name="Body" id="body1"/>
      <Edge name="out" source="Art" destination="Body">
        <Attribute name="type" value="6D"/>
        <Attribute name="latency" value="10"/>
      </Edge>
    </Output>
    <DataflowConfiguration><UbitrackLib class="ArtTracker"/></DataflowConfiguration>
  </Pattern>
</UTQLRequest>
`

const queryAnnouncement = `<?xml version="1.0" encoding="UTF-8"?>
<UTQLRequest xmlns="http://ar.in.tum.de/ubitrack/utql">
  <Pattern name="PoseQuery">
    <Input>
      <Node name="A">
        <Predicate>id=="artHost"</Predicate>
      </Node>
      <Node name="B">
        <Predicate>id=="body1"</Predicate>
      </Node>
      <Edge name="wanted" source="A" destination="B">
        <Predicate>type=="6D"</Predicate>
      </Edge>
    </Input>
  </Pattern>
</UTQLRequest>
`

func announce(t *testing.T, s *Server, xml, clientID string) {
	t.Helper()
	doc, err := utql.ReadString(xml)
	require.NoError(t, err)
	for _, g := range doc.Subgraphs {
		require.NoError(t, s.ProcessAnnouncement(g, clientID))
	}
}

func TestClassify(t *testing.T) {
	doc, err := utql.ReadString(trackerAnnouncement)
	require.NoError(t, err)
	assert.Equal(t, SRGRegistration, Classify(doc.Subgraphs[0]))

	doc, err = utql.ReadString(queryAnnouncement)
	require.NoError(t, err)
	assert.Equal(t, QueryAnnouncement, Classify(doc.Subgraphs[0]))

	assert.Equal(t, Deletion, Classify(utql.NewSubgraph("gone", "id1")))

	// inputs and outputs together form a pattern
	g := utql.NewSubgraph("Concat", "")
	a, _ := g.AddNode("A", utql.SectionInput)
	b, _ := g.AddNode("B", utql.SectionInput)
	_, err = g.AddEdge("in", a, b, utql.SectionInput)
	require.NoError(t, err)
	_, err = g.AddEdge("out", b, a, utql.SectionOutput)
	require.NoError(t, err)
	assert.Equal(t, PatternAnnouncement, Classify(g))
}

func TestAnnouncementRoundProducesResponse(t *testing.T) {
	s := NewServer(slog.Default(), nil)

	announce(t, s, trackerAnnouncement, "clientA")
	announce(t, s, queryAnnouncement, "clientA")

	responses := s.GenerateResponses()
	require.Contains(t, responses, "clientA")
	assert.True(t, strings.Contains(responses["clientA"], "UTQLResponse"))
	assert.True(t, strings.Contains(responses["clientA"], `pattern-ref="art1"`))
	assert.True(t, strings.Contains(responses["clientA"], "ArtTracker"))

	// an unchanged second round ships an empty delta
	responses = s.GenerateResponses()
	assert.False(t, strings.Contains(responses["clientA"], "<Edge"))
}

func TestDeletionAnnouncement(t *testing.T) {
	s := NewServer(slog.Default(), nil)

	announce(t, s, trackerAnnouncement, "clientA")
	require.True(t, s.Manager().Graph().HasEdge("art1:out"))

	// an empty subgraph with the registration id revokes it
	require.NoError(t, s.ProcessAnnouncement(utql.NewSubgraph("Art6D", "art1"), "clientA"))
	assert.False(t, s.Manager().Graph().HasEdge("art1:out"))
}

func TestDeregisterClientRemovesAnnouncements(t *testing.T) {
	s := NewServer(slog.Default(), nil)

	announce(t, s, trackerAnnouncement, "clientA")
	announce(t, s, queryAnnouncement, "clientB")

	s.DeregisterClient("clientA")
	assert.False(t, s.Manager().Graph().HasEdge("art1:out"))
	assert.Zero(t, s.Manager().Graph().Order())

	// clientB's query survives and simply has no answer left
	responses := s.GenerateDocuments()
	if doc, ok := responses["clientB"]; ok {
		for _, g := range doc.Subgraphs {
			assert.True(t, g.Empty())
		}
	}
}

func TestUnknownDeletionFallsBackToPatternName(t *testing.T) {
	s := NewServer(slog.Default(), nil)
	// deleting a never-announced pattern by name is harmless
	assert.NoError(t, s.DeleteAnnouncement("no-such-id", "clientA", "NoSuchPattern"))
}
