// Package attribute implements the attribute and predicate algebra used
// by the spatial relationship graph. Attribute values are tagged text,
// number or embedded-XML payloads with numeric parsing on demand.
// Predicates and attribute expressions are evaluated against a
// Context, which is either local to a single node/edge or
// global to a whole pattern matching.
package attribute

import (
	"sort"
	"strconv"
	"strings"

	"github.com/schwoere/utdataflow/errors"
)

type contentState int

const (
	stateEmpty contentState = iota
	stateText
	stateNumber
	stateXML
)

// Value is a tagged attribute value: empty, text, number or an embedded
// XML element carried opaquely. Text values are probed for a numeric
// interpretation once, so comparisons can be numeric-if-both-numeric.
type Value struct {
	state  contentState
	text   string
	number float64
	isNum  bool
}

// Empty returns the empty attribute value.
func Empty() Value {
	return Value{}
}

// FromText creates a value from its textual form.
func FromText(s string) Value {
	v := Value{state: stateText, text: s}
	if s == "" {
		v.state = stateEmpty
		return v
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		v.number = n
		v.isNum = true
	}
	return v
}

// FromNumber creates a numeric value.
func FromNumber(n float64) Value {
	return Value{state: stateNumber, number: n, isNum: true}
}

// FromXML creates a value holding an opaque XML payload. The payload is
// preserved bit-for-bit; Text returns the raw markup.
func FromXML(raw string) Value {
	return Value{state: stateXML, text: raw}
}

// IsEmpty reports whether the value is the empty value.
func (v Value) IsEmpty() bool {
	return v.state == stateEmpty
}

// IsXML reports whether the value carries an embedded XML payload.
func (v Value) IsXML() bool {
	return v.state == stateXML
}

// IsNumber reports whether the value has a numeric interpretation.
func (v Value) IsNumber() bool {
	return v.isNum
}

// Text returns the textual form of the value.
func (v Value) Text() string {
	if v.state == stateNumber && v.text == "" {
		return strconv.FormatFloat(v.number, 'g', -1, 64)
	}
	return v.text
}

// Number returns the numeric interpretation, or ErrNoNumber if the value
// does not parse as a number.
func (v Value) Number() (float64, error) {
	if !v.isNum {
		return 0, errors.WrapEvaluation(errors.ErrNoNumber, "Value", "Number", "parse "+strconv.Quote(v.Text()))
	}
	return v.number, nil
}

// Equal compares two values: numerically if both are numbers, by raw
// payload for XML values, textually otherwise.
func (v Value) Equal(o Value) bool {
	if v.state == stateXML || o.state == stateXML {
		return v.state == o.state && v.text == o.text
	}
	if v.isNum && o.isNum {
		return v.number == o.number
	}
	return v.Text() == o.Text()
}

// Attributes is a mapping from attribute name to Value. Keys are unique,
// insertion order is irrelevant. The zero value is ready to use.
type Attributes struct {
	m map[string]Value
}

// NewAttributes creates an empty attribute map.
func NewAttributes() *Attributes {
	return &Attributes{m: make(map[string]Value)}
}

// Get returns the value stored under name, or the empty value.
func (a *Attributes) Get(name string) Value {
	if a == nil || a.m == nil {
		return Empty()
	}
	return a.m[name]
}

// Has reports whether an attribute of the given name is set.
func (a *Attributes) Has(name string) bool {
	if a == nil || a.m == nil {
		return false
	}
	_, ok := a.m[name]
	return ok
}

// Set stores a value under name, replacing any previous value.
func (a *Attributes) Set(name string, v Value) {
	if a.m == nil {
		a.m = make(map[string]Value)
	}
	a.m[name] = v
}

// SetText stores a textual value under name.
func (a *Attributes) SetText(name, text string) {
	a.Set(name, FromText(text))
}

// Merge copies all attributes of other into a, last write wins per key.
func (a *Attributes) Merge(other *Attributes) {
	if other == nil {
		return
	}
	for k, v := range other.m {
		a.Set(k, v)
	}
}

// Swap exchanges the contents of a and other.
func (a *Attributes) Swap(other *Attributes) {
	a.m, other.m = other.m, a.m
}

// Equal reports whether both maps hold the same keys with equal values.
func (a *Attributes) Equal(other *Attributes) bool {
	if a.Len() != other.Len() {
		return false
	}
	for k, v := range a.m {
		if !other.Has(k) || !v.Equal(other.Get(k)) {
			return false
		}
	}
	return true
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.m)
}

// Names returns the attribute names in sorted order.
func (a *Attributes) Names() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.m))
	for k := range a.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Range calls f for every attribute until f returns false.
func (a *Attributes) Range(f func(name string, v Value) bool) {
	if a == nil {
		return
	}
	for _, k := range a.Names() {
		if !f(k, a.m[k]) {
			return
		}
	}
}

// Clone returns a deep copy of the attribute map.
func (a *Attributes) Clone() *Attributes {
	c := NewAttributes()
	c.Merge(a)
	return c
}
