package attribute

import (
	"fmt"
	"math"
	"strings"

	"github.com/schwoere/utdataflow/errors"
)

// Predicate is a boolean expression tree evaluated against a Context.
// Evaluation errors make the enclosing predicate "not apply"; the
// matcher treats failing candidates as non-matches rather than faults.
type Predicate interface {
	Evaluate(c Context) (bool, error)

	// ConjunctiveEqualities returns the (attribute, literal) pairs
	// implied by top-level equality conjuncts. The search-plan builder
	// uses this to find id-pinned input nodes.
	ConjunctiveEqualities() []Equality
}

// Equality is one attribute==literal conjunct of a predicate.
type Equality struct {
	Attribute string
	Value     string
}

// Not negates its child predicate.
type Not struct {
	Child Predicate
}

// Evaluate implements Predicate.
func (p *Not) Evaluate(c Context) (bool, error) {
	v, err := p.Child.Evaluate(c)
	if err != nil {
		return false, err
	}
	return !v, nil
}

// ConjunctiveEqualities implements Predicate.
func (p *Not) ConjunctiveEqualities() []Equality { return nil }

// And is the conjunction of two predicates.
type And struct {
	Left, Right Predicate
}

// Evaluate implements Predicate.
func (p *And) Evaluate(c Context) (bool, error) {
	l, err := p.Left.Evaluate(c)
	if err != nil || !l {
		return false, err
	}
	return p.Right.Evaluate(c)
}

// ConjunctiveEqualities gathers equalities from both children.
func (p *And) ConjunctiveEqualities() []Equality {
	return append(p.Left.ConjunctiveEqualities(), p.Right.ConjunctiveEqualities()...)
}

// Or is the disjunction of two predicates.
type Or struct {
	Left, Right Predicate
}

// Evaluate implements Predicate.
func (p *Or) Evaluate(c Context) (bool, error) {
	l, err := p.Left.Evaluate(c)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return p.Right.Evaluate(c)
}

// ConjunctiveEqualities implements Predicate. A disjunction implies no
// equality.
func (p *Or) ConjunctiveEqualities() []Equality { return nil }

// CompareOp enumerates the comparison operators.
type CompareOp int

// Comparison operators of the predicate grammar.
const (
	OpEqual CompareOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
)

// ParseCompareOp maps the textual operator to its CompareOp.
func ParseCompareOp(op string) (CompareOp, error) {
	switch op {
	case "==":
		return OpEqual, nil
	case "!=":
		return OpNotEqual, nil
	case "<":
		return OpLess, nil
	case "<=":
		return OpLessEqual, nil
	case ">":
		return OpGreater, nil
	case ">=":
		return OpGreaterEqual, nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("%w: bad comparison operator %q", errors.ErrSyntax, op), "Predicate", "ParseCompareOp", "operator")
	}
}

// Compare evaluates both operands and compares them. Equality is
// numeric if both operands are numbers, textual otherwise. The ordering
// operators require numeric operands; NaN compares false.
type Compare struct {
	Op          CompareOp
	Left, Right Expression
}

// Evaluate implements Predicate.
func (p *Compare) Evaluate(c Context) (bool, error) {
	a, err := p.Left.Evaluate(c)
	if err != nil {
		return false, err
	}
	b, err := p.Right.Evaluate(c)
	if err != nil {
		return false, err
	}

	switch p.Op {
	case OpEqual:
		if a.IsNumber() != b.IsNumber() {
			return false, nil
		}
		return a.Equal(b), nil
	case OpNotEqual:
		if a.IsNumber() != b.IsNumber() {
			return true, nil
		}
		if a.IsNumber() && (math.IsNaN(a.number) || math.IsNaN(b.number)) {
			return false, nil
		}
		return !a.Equal(b), nil
	}

	an, err := a.Number()
	if err != nil {
		return false, err
	}
	bn, err := b.Number()
	if err != nil {
		return false, err
	}
	switch p.Op {
	case OpLess:
		return an < bn, nil
	case OpLessEqual:
		return an <= bn, nil
	case OpGreater:
		return an > bn, nil
	case OpGreaterEqual:
		return an >= bn, nil
	}
	return false, nil
}

// ConjunctiveEqualities surfaces "<attribute>==<constant>" comparisons.
func (p *Compare) ConjunctiveEqualities() []Equality {
	if p.Op != OpEqual {
		return nil
	}
	ref, ok := p.Left.(*AttributeRef)
	if !ok || ref.Qualifier != "" {
		return nil
	}
	lit, ok := p.Right.(*Constant)
	if !ok {
		return nil
	}
	return []Equality{{Attribute: ref.Name, Value: lit.Value.Text()}}
}

// InSourceSet is the predicate function inSourceSet(prefix): true if any
// information source visible in the context starts with the evaluated
// prefix.
type InSourceSet struct {
	Prefix Expression
}

// NewPredicateFunction constructs a named predicate function.
func NewPredicateFunction(name string, args []Expression) (Predicate, error) {
	if name != "inSourceSet" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownFunction, name), "Predicate", "NewPredicateFunction", "lookup")
	}
	if len(args) != 1 {
		return nil, errors.WrapInvalid(errors.ErrBadArgumentCount, "Predicate", "NewPredicateFunction", name)
	}
	return &InSourceSet{Prefix: args[0]}, nil
}

// Evaluate implements Predicate.
func (p *InSourceSet) Evaluate(c Context) (bool, error) {
	v, err := p.Prefix.Evaluate(c)
	if err != nil {
		return false, err
	}
	prefix := v.Text()
	for _, s := range c.Sources() {
		if strings.HasPrefix(s, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// ConjunctiveEqualities implements Predicate.
func (p *InSourceSet) ConjunctiveEqualities() []Equality { return nil }
