package utql

import (
	"encoding/xml"
	"strings"

	"github.com/schwoere/utdataflow/attribute"
)

// Write serializes a document to UTQL XML. The writer builds the markup
// directly so that opaque payloads (DataflowConfiguration, XML-valued
// attributes) are reproduced bit-for-bit.
func Write(d *Document) string {
	var b strings.Builder

	root := "UTQLRequest"
	if d.Response {
		root = "UTQLResponse"
	}
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString("<" + root + ` xmlns="` + Namespace + `">` + "\n")

	for _, g := range d.Subgraphs {
		writePattern(&b, g)
	}

	b.WriteString("</" + root + ">\n")
	return b.String()
}

func writePattern(b *strings.Builder, g *Subgraph) {
	b.WriteString(`  <Pattern`)
	if g.Name != "" {
		b.WriteString(` name="` + esc(g.Name) + `"`)
	}
	if g.ID != "" {
		b.WriteString(` id="` + esc(g.ID) + `"`)
	}
	b.WriteString(">\n")

	writeSection(b, g, SectionInput, "Input")
	writeSection(b, g, SectionOutput, "Output")

	if g.OnlyBestEdgeMatch || g.BestMatchSource != "" {
		b.WriteString("    <Constraints>\n")
		if g.OnlyBestEdgeMatch {
			b.WriteString("      <OnlyBestEdgeMatch/>\n")
		}
		if g.BestMatchSource != "" {
			b.WriteString("      <BestMatchExpression>" + esc(g.BestMatchSource) + "</BestMatchExpression>\n")
		}
		b.WriteString("    </Constraints>\n")
	}

	if g.DataflowConfiguration != "" {
		b.WriteString("    <DataflowConfiguration>")
		b.WriteString(g.DataflowConfiguration)
		b.WriteString("</DataflowConfiguration>\n")
	}

	b.WriteString("  </Pattern>\n")
}

func writeSection(b *strings.Builder, g *Subgraph, section Section, tag string) {
	var nodes []*Node
	for _, n := range g.Nodes() {
		if n.Section == section {
			nodes = append(nodes, n)
		}
	}
	var edges []*Edge
	for _, e := range g.Edges() {
		if e.Section == section {
			edges = append(edges, e)
		}
	}
	if len(nodes) == 0 && len(edges) == 0 {
		return
	}

	b.WriteString("    <" + tag + ">\n")
	for _, n := range nodes {
		writeNode(b, n)
	}
	for _, e := range edges {
		writeEdge(b, e)
	}
	b.WriteString("    </" + tag + ">\n")
}

func writeNode(b *strings.Builder, n *Node) {
	b.WriteString(`      <Node name="` + esc(n.Name) + `"`)
	if n.QualifiedName != "" {
		b.WriteString(` id="` + esc(n.QualifiedName) + `"`)
	}
	if bodyEmpty(n.Attributes, n.Expressions, n.Predicates, n.QualifiedName) {
		b.WriteString("/>\n")
		return
	}
	b.WriteString(">\n")
	writeElementBody(b, n.Attributes, n.Expressions, n.Predicates, n.QualifiedName)
	b.WriteString("      </Node>\n")
}

func writeEdge(b *strings.Builder, e *Edge) {
	b.WriteString(`      <Edge name="` + esc(e.Name) + `" source="` + esc(e.Source.Name) +
		`" destination="` + esc(e.Target.Name) + `"`)
	if !e.Ref.Empty() {
		b.WriteString(` pattern-ref="` + esc(e.Ref.SubgraphID) + `" edge-ref="` + esc(e.Ref.EdgeName) + `"`)
	}
	if bodyEmpty(e.Attributes, e.Expressions, e.Predicates, "") {
		b.WriteString("/>\n")
		return
	}
	b.WriteString(">\n")
	writeElementBody(b, e.Attributes, e.Expressions, e.Predicates, "")
	b.WriteString("      </Edge>\n")
}

func bodyEmpty(attrs *attribute.Attributes, exprs []NamedExpression, preds []NamedPredicate, qualifiedName string) bool {
	if len(exprs) > 0 || len(preds) > 0 {
		return false
	}
	empty := true
	attrs.Range(func(name string, v attribute.Value) bool {
		if name == "id" && qualifiedName != "" && v.Text() == qualifiedName {
			return true
		}
		empty = false
		return false
	})
	return empty
}

func writeElementBody(b *strings.Builder, attrs *attribute.Attributes, exprs []NamedExpression, preds []NamedPredicate, qualifiedName string) {
	attrs.Range(func(name string, v attribute.Value) bool {
		// the node id is already written as an element attribute
		if name == "id" && qualifiedName != "" && v.Text() == qualifiedName {
			return true
		}
		if v.IsXML() {
			b.WriteString(`        <Attribute name="` + esc(name) + `">` + v.Text() + "</Attribute>\n")
		} else {
			b.WriteString(`        <Attribute name="` + esc(name) + `" value="` + esc(v.Text()) + `"/>` + "\n")
		}
		return true
	})
	for _, x := range exprs {
		b.WriteString(`        <AttributeExpression name="` + esc(x.Name) + `">` + esc(x.Source) + "</AttributeExpression>\n")
	}
	for _, p := range preds {
		b.WriteString("        <Predicate>" + esc(p.Source) + "</Predicate>\n")
	}
}

func esc(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
