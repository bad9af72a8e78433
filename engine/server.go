// Package engine implements the UTQL announcement server: it
// classifies client announcements, drives the SRG manager to a fixed
// point, answers queries, and ships per-client dataflow deltas back to
// the connected clients.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/metric"
	"github.com/schwoere/utdataflow/srg/manager"
	"github.com/schwoere/utdataflow/utql"
)

// AnnouncementType classifies one client announcement.
type AnnouncementType int

// Announcement types.
const (
	// SRGRegistration injects a concrete base SRG fragment.
	SRGRegistration AnnouncementType = iota
	// PatternAnnouncement registers a client ability.
	PatternAnnouncement
	// QueryAnnouncement registers a client demand.
	QueryAnnouncement
	// Deletion revokes a previous announcement.
	Deletion
)

// String returns a readable announcement type.
func (t AnnouncementType) String() string {
	switch t {
	case SRGRegistration:
		return "srg"
	case PatternAnnouncement:
		return "pattern"
	case QueryAnnouncement:
		return "query"
	case Deletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// Classify determines the announcement type of a subgraph: empty
// subgraphs are deletions, subgraphs with inputs and no outputs are
// queries, fully qualified output-only subgraphs are base SRG
// registrations, everything else is a pattern.
func Classify(g *utql.Subgraph) AnnouncementType {
	if g.Empty() {
		return Deletion
	}

	inputs := len(g.InputEdges()) + len(g.InputNodes())
	outputs := len(g.OutputEdges())

	if inputs > 0 && outputs == 0 {
		return QueryAnnouncement
	}
	if inputs == 0 && g.ID != "" && allNodesQualified(g) {
		return SRGRegistration
	}
	return PatternAnnouncement
}

func allNodesQualified(g *utql.Subgraph) bool {
	for _, n := range g.OutputNodes() {
		if n.QualifiedName == "" {
			return false
		}
	}
	return true
}

// Announcement is one stored client announcement.
type Announcement struct {
	ID       string
	Type     AnnouncementType
	Subgraph *utql.Subgraph
	ClientID string
}

// Server is the announcement server. Announcements are
// challenge-response: every announcement may produce new responses, and
// responses are only produced for announcements, though a client may
// see responses triggered by another client's announcement.
type Server struct {
	mu sync.Mutex

	manager *manager.Manager
	delta   *manager.DeltaState

	announcements map[string]*Announcement
	byClient      map[string]map[string]bool

	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewServer creates an announcement server around a fresh SRG manager.
func NewServer(logger *slog.Logger, metrics *metric.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:       manager.New(logger),
		delta:         manager.NewDeltaState(),
		announcements: make(map[string]*Announcement),
		byClient:      make(map[string]map[string]bool),
		logger:        logger,
		metrics:       metrics,
	}
}

// Manager exposes the SRG manager, e.g. for tests and diagnostics.
func (s *Server) Manager() *manager.Manager { return s.manager }

// ProcessAnnouncement registers one subgraph announcement for a client.
func (s *Server) ProcessAnnouncement(g *utql.Subgraph, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processLocked(g, clientID)
}

func (s *Server) processLocked(g *utql.Subgraph, clientID string) error {
	a := &Announcement{
		ID:       g.ID,
		Type:     Classify(g),
		Subgraph: g,
		ClientID: clientID,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	s.logger.Debug("processing announcement",
		"client", clientID, "type", a.Type.String(), "name", g.Name, "id", a.ID)

	switch a.Type {
	case SRGRegistration:
		if err := s.manager.RegisterSRG(g, clientID); err != nil {
			return err
		}
	case PatternAnnouncement:
		s.manager.RegisterPattern(g, clientID)
	case QueryAnnouncement:
		s.manager.RegisterQuery(g, clientID)
	case Deletion:
		return s.deleteLocked(a.ID, clientID, g.Name)
	}

	s.announcements[a.ID] = a
	if s.byClient[clientID] == nil {
		s.byClient[clientID] = make(map[string]bool)
	}
	s.byClient[clientID][a.ID] = true
	return nil
}

// DeleteAnnouncement revokes a previous announcement by id. Unknown ids
// fall back to pattern deletion by subgraph name, matching clients that
// never assigned ids to their patterns.
func (s *Server) DeleteAnnouncement(announcementID, clientID, subgraphName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(announcementID, clientID, subgraphName)
}

func (s *Server) deleteLocked(announcementID, clientID, subgraphName string) error {
	a, ok := s.announcements[announcementID]
	if !ok {
		s.logger.Debug("deleting pattern by name", "client", clientID, "pattern", subgraphName)
		return s.manager.DeletePattern(subgraphName, clientID)
	}

	switch a.Type {
	case SRGRegistration:
		if err := s.manager.DeleteSRG(a.Subgraph.ID); err != nil {
			return err
		}
	case PatternAnnouncement:
		if err := s.manager.DeletePattern(a.Subgraph.Name, clientID); err != nil {
			return err
		}
	case QueryAnnouncement:
		if err := s.manager.DeleteQuery(a.Subgraph.Name, clientID); err != nil {
			return err
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("cannot deregister announcement of type %s", a.Type),
			"Server", "deleteLocked", "type check")
	}

	delete(s.announcements, announcementID)
	delete(s.byClient[clientID], announcementID)
	return nil
}

// DeregisterClient removes a client and all its announcements, e.g.
// when its connection closes.
func (s *Server) DeregisterClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.byClient[clientID] {
		a := s.announcements[id]
		name := ""
		if a != nil {
			name = a.Subgraph.Name
		}
		if err := s.deleteLocked(id, clientID, name); err != nil {
			s.logger.Warn("failed to delete announcement during client deregistration",
				"client", clientID, "announcement", id, "error", err)
		}
	}
	delete(s.byClient, clientID)
}

// GenerateDocuments recomputes all queries and returns the per-client
// response documents: patterns are applied to a fixed point, queries
// answered, and the incremental delta computed against the clients'
// running dataflows.
func (s *Server) GenerateDocuments() map[string]*utql.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := s.manager.Expand()
	s.manager.LogSRG()

	responses := s.manager.ProcessQueries()

	if s.metrics != nil {
		s.metrics.PatternApplications.Add(float64(applied))
		s.metrics.SRGNodes.Set(float64(s.manager.Graph().Order()))
		s.metrics.SRGEdges.Set(float64(s.manager.Graph().Size()))
		for _, queryResponses := range responses {
			for _, qr := range queryResponses {
				s.metrics.QueryMatches.WithLabelValues(qr.QueryName).Inc()
			}
		}
	}

	return s.delta.Apply(responses)
}

// GenerateResponses renders the per-client response documents as UTQL
// XML, ready to be framed onto the wire.
func (s *Server) GenerateResponses() map[string]string {
	docs := s.GenerateDocuments()
	out := make(map[string]string, len(docs))
	for clientID, doc := range docs {
		out[clientID] = utql.Write(doc)
	}
	return out
}
