package attribute

// Matching exposes a pattern matching to the attribute algebra. It is
// implemented by the matcher's EdgeMatching type; the indirection keeps
// this package free of graph dependencies.
type Matching interface {
	// InputAttributes returns the attribute map of the matched input
	// node or edge with the given pattern-local name.
	InputAttributes(name string) (*Attributes, bool)

	// InformationSources returns the union of information sources over
	// all matched input edges, in sorted order.
	InformationSources() []string
}

// Context carries everything needed to evaluate predicates and attribute
// expressions. It is either local to a single node/edge (attribute map
// plus provenance) or global to a whole matching, in which case
// qualified "node.attr" lookups and set-based functions are permitted.
type Context struct {
	attrs    *Attributes
	sources  []string
	matching Matching
}

// NodeEdgeContext creates a local evaluation context for one node or
// edge. The sources slice may be nil for nodes, which carry no
// provenance.
func NodeEdgeContext(attrs *Attributes, sources []string) Context {
	return Context{attrs: attrs, sources: sources}
}

// MatchingContext creates a global evaluation context for a matching.
func MatchingContext(m Matching) Context {
	return Context{matching: m}
}

// IsGlobal reports whether this is a matching-level context.
func (c Context) IsGlobal() bool {
	return c.attrs == nil
}

// Attributes returns the local attribute map, or nil for global contexts.
func (c Context) Attributes() *Attributes {
	return c.attrs
}

// Lookup resolves the attribute map for the named input node/edge.
// Only valid on global contexts.
func (c Context) Lookup(name string) (*Attributes, bool) {
	if c.matching == nil {
		return nil, false
	}
	return c.matching.InputAttributes(name)
}

// Sources returns the information sources visible in this context: the
// matching union for global contexts, the local provenance otherwise.
func (c Context) Sources() []string {
	if c.IsGlobal() {
		if c.matching == nil {
			return nil
		}
		return c.matching.InformationSources()
	}
	return c.sources
}
