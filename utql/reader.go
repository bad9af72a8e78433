package utql

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/schwoere/utdataflow/attribute"
	"github.com/schwoere/utdataflow/errors"
)

// Namespace is the UTQL XML namespace.
const Namespace = "http://ar.in.tum.de/ubitrack/utql"

type xmlDocument struct {
	XMLName  xml.Name
	Patterns []xmlPattern `xml:"Pattern"`
}

type xmlPattern struct {
	Name          string             `xml:"name,attr"`
	ID            string             `xml:"id,attr"`
	Input         *xmlSection        `xml:"Input"`
	Output        *xmlSection        `xml:"Output"`
	Constraints   *xmlConstraints    `xml:"Constraints"`
	Configuration *xmlDataflowConfig `xml:"DataflowConfiguration"`
}

type xmlSection struct {
	Nodes []xmlNode `xml:"Node"`
	Edges []xmlEdge `xml:"Edge"`
}

type xmlNode struct {
	Name        string          `xml:"name,attr"`
	ID          string          `xml:"id,attr"`
	Attributes  []xmlAttribute  `xml:"Attribute"`
	Expressions []xmlExpression `xml:"AttributeExpression"`
	Predicates  []string        `xml:"Predicate"`
}

type xmlEdge struct {
	Name        string          `xml:"name,attr"`
	Source      string          `xml:"source,attr"`
	Destination string          `xml:"destination,attr"`
	PatternRef  string          `xml:"pattern-ref,attr"`
	EdgeRef     string          `xml:"edge-ref,attr"`
	Attributes  []xmlAttribute  `xml:"Attribute"`
	Expressions []xmlExpression `xml:"AttributeExpression"`
	Predicates  []string        `xml:"Predicate"`
}

type xmlAttribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Inner string `xml:",innerxml"`
}

type xmlExpression struct {
	Name string `xml:"name,attr"`
	Body string `xml:",chardata"`
}

type xmlConstraints struct {
	OnlyBestEdgeMatch   *struct{} `xml:"OnlyBestEdgeMatch"`
	BestMatchExpression string    `xml:"BestMatchExpression"`
}

type xmlDataflowConfig struct {
	UbitrackLib *struct {
		Class string `xml:"class,attr"`
	} `xml:"UbitrackLib"`
	Attributes []xmlAttribute `xml:"Attribute"`
	Inner      string         `xml:",innerxml"`
}

// Read parses a UTQL document from r.
func Read(r io.Reader) (*Document, error) {
	var raw xmlDocument
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.WrapInvalid(err, "Reader", "Read", "XML decoding")
	}

	switch raw.XMLName.Local {
	case "UTQLRequest", "UTQLResponse":
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unexpected root element %q", raw.XMLName.Local), "Reader", "Read", "root element check")
	}

	doc := NewDocument(raw.XMLName.Local == "UTQLResponse")
	for i := range raw.Patterns {
		g, err := readPattern(&raw.Patterns[i])
		if err != nil {
			return nil, err
		}
		doc.AddSubgraph(g)
	}
	return doc, nil
}

// ReadString parses a UTQL document from a string.
func ReadString(s string) (*Document, error) {
	return Read(strings.NewReader(s))
}

func readPattern(p *xmlPattern) (*Subgraph, error) {
	g := NewSubgraph(p.Name, p.ID)

	if p.Input != nil {
		if err := readSection(g, p.Input, SectionInput); err != nil {
			return nil, err
		}
	}
	if p.Output != nil {
		if err := readSection(g, p.Output, SectionOutput); err != nil {
			return nil, err
		}
	}

	if p.Constraints != nil {
		g.OnlyBestEdgeMatch = p.Constraints.OnlyBestEdgeMatch != nil
		if src := strings.TrimSpace(p.Constraints.BestMatchExpression); src != "" {
			expr, err := attribute.ParseExpression(src)
			if err != nil {
				return nil, errors.Wrap(err, "Reader", "readPattern", "BestMatchExpression parse")
			}
			g.BestMatchExpression = expr
			g.BestMatchSource = src
		}
	}

	if p.Configuration != nil {
		g.DataflowConfiguration = p.Configuration.Inner
		if p.Configuration.UbitrackLib != nil {
			g.DataflowClass = p.Configuration.UbitrackLib.Class
		}
		for _, a := range p.Configuration.Attributes {
			g.DataflowAttributes.Set(a.Name, attributeValue(a))
		}
	}

	return g, nil
}

func readSection(g *Subgraph, s *xmlSection, section Section) error {
	for i := range s.Nodes {
		xn := &s.Nodes[i]
		n, err := g.AddNode(xn.Name, section)
		if err != nil {
			return err
		}
		if xn.ID != "" {
			n.QualifiedName = xn.ID
			n.Attributes.SetText("id", xn.ID)
		}
		if err := readElementBody(xn.Attributes, xn.Expressions, xn.Predicates,
			n.Attributes, &n.Expressions, &n.Predicates); err != nil {
			return err
		}
	}

	for i := range s.Edges {
		xe := &s.Edges[i]
		src := g.Node(xe.Source)
		dst := g.Node(xe.Destination)
		if src == nil || dst == nil {
			return errors.WrapInvalid(
				fmt.Errorf("edge %q references unknown node %q or %q", xe.Name, xe.Source, xe.Destination),
				"Reader", "readSection", "endpoint resolution")
		}
		e, err := g.AddEdge(xe.Name, src, dst, section)
		if err != nil {
			return err
		}
		e.Ref = EdgeRef{SubgraphID: xe.PatternRef, EdgeName: xe.EdgeRef}
		if err := readElementBody(xe.Attributes, xe.Expressions, xe.Predicates,
			e.Attributes, &e.Expressions, &e.Predicates); err != nil {
			return err
		}
	}

	return nil
}

func readElementBody(attrs []xmlAttribute, exprs []xmlExpression, preds []string,
	into *attribute.Attributes, intoExprs *[]NamedExpression, intoPreds *[]NamedPredicate) error {
	for _, a := range attrs {
		into.Set(a.Name, attributeValue(a))
	}
	for _, x := range exprs {
		src := strings.TrimSpace(x.Body)
		expr, err := attribute.ParseExpression(src)
		if err != nil {
			return errors.Wrap(err, "Reader", "readElementBody", "AttributeExpression parse")
		}
		*intoExprs = append(*intoExprs, NamedExpression{Name: x.Name, Expression: expr, Source: src})
	}
	for _, p := range preds {
		src := strings.TrimSpace(p)
		pred, err := attribute.ParsePredicate(src)
		if err != nil {
			return errors.Wrap(err, "Reader", "readElementBody", "Predicate parse")
		}
		*intoPreds = append(*intoPreds, NamedPredicate{Predicate: pred, Source: src})
	}
	return nil
}

// attributeValue builds the attribute value: the value attribute if
// present, otherwise the embedded XML subtree carried opaquely.
func attributeValue(a xmlAttribute) attribute.Value {
	if a.Value != "" || strings.TrimSpace(a.Inner) == "" {
		return attribute.FromText(a.Value)
	}
	return attribute.FromXML(a.Inner)
}
