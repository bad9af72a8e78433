package attribute

import (
	"fmt"
	"math"
	"strings"

	"github.com/schwoere/utdataflow/errors"
)

// Expression is an attribute expression tree evaluated against a
// Context. Evaluation errors are recoverable: callers treat them as
// "does not apply".
type Expression interface {
	Evaluate(c Context) (Value, error)
}

// Constant is a literal value.
type Constant struct {
	Value Value
}

// NewConstant creates a constant expression from its textual form.
func NewConstant(text string) *Constant {
	return &Constant{Value: FromText(text)}
}

// Evaluate returns the constant value.
func (e *Constant) Evaluate(Context) (Value, error) {
	return e.Value, nil
}

// AttributeRef references an attribute by name, optionally qualified
// with the name of an input node or edge ("edge.latency").
type AttributeRef struct {
	Qualifier string
	Name      string
}

// NewAttributeRef splits a possibly qualified reference at the first dot.
func NewAttributeRef(name string) *AttributeRef {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return &AttributeRef{Qualifier: name[:i], Name: name[i+1:]}
	}
	return &AttributeRef{Name: name}
}

// Evaluate looks the attribute up in the local map, or in the named
// input's map for global contexts. Missing attributes yield the empty
// value, matching the lenient semantics of the pattern language.
func (e *AttributeRef) Evaluate(c Context) (Value, error) {
	var attrs *Attributes
	if c.IsGlobal() {
		a, ok := c.Lookup(e.Qualifier)
		if !ok {
			return Empty(), nil
		}
		attrs = a
	} else {
		attrs = c.Attributes()
	}
	if attrs == nil || !attrs.Has(e.Name) {
		return Empty(), nil
	}
	return attrs.Get(e.Name), nil
}

// Unary applies a numeric function to one operand.
type Unary struct {
	Op    func(float64) float64
	Child Expression
}

// Evaluate applies the operation to the numeric child value.
func (e *Unary) Evaluate(c Context) (Value, error) {
	v, err := e.Child.Evaluate(c)
	if err != nil {
		return Empty(), err
	}
	n, err := v.Number()
	if err != nil {
		return Empty(), err
	}
	return FromNumber(e.Op(n)), nil
}

// Binary applies a numeric operation to two operands. Division by zero
// yields the native IEEE result; NaN propagates to downstream
// predicates, which evaluate to false.
type Binary struct {
	Op          func(float64, float64) float64
	Left, Right Expression
}

// Evaluate applies the operation to both numeric child values.
func (e *Binary) Evaluate(c Context) (Value, error) {
	lv, err := e.Left.Evaluate(c)
	if err != nil {
		return Empty(), err
	}
	rv, err := e.Right.Evaluate(c)
	if err != nil {
		return Empty(), err
	}
	l, err := lv.Number()
	if err != nil {
		return Empty(), err
	}
	r, err := rv.Number()
	if err != nil {
		return Empty(), err
	}
	return FromNumber(e.Op(l, r)), nil
}

// Arithmetic operations used by the parser.
var (
	opAdd = func(a, b float64) float64 { return a + b }
	opSub = func(a, b float64) float64 { return a - b }
	opMul = func(a, b float64) float64 { return a * b }
	opDiv = func(a, b float64) float64 { return a / b }
	opPow = math.Pow
	opNeg = func(a float64) float64 { return -a }
	opMin = math.Min
	opMax = math.Max
)

// FunctionKind selects one of the built-in matching-level functions.
type FunctionKind int

const (
	// FuncSyncError computes the variance of pulling one edge at
	// another edge's latency under a constant-velocity motion model.
	FuncSyncError FunctionKind = iota
	// FuncSteadyState computes the steady-state variance of a
	// two-state Kalman filter over a set of measurement models.
	FuncSteadyState
	// FuncSourceCount counts information sources, optionally filtered
	// by prefix.
	FuncSourceCount
)

// Function is a call to one of the built-in matching-level functions.
type Function struct {
	Kind FunctionKind
	Args []Expression
}

// NewFunction validates the argument count for the named function.
// Arithmetic helpers (sqrt, min, max) are resolved by the parser and
// never reach this constructor.
func NewFunction(name string, args []Expression) (*Function, error) {
	switch name {
	case "syncError":
		if len(args) != 3 {
			return nil, errors.WrapInvalid(errors.ErrBadArgumentCount, "Function", "New", name)
		}
		return &Function{Kind: FuncSyncError, Args: args}, nil
	case "steadyState":
		if len(args) < 4 || (len(args)-1)%3 != 0 {
			return nil, errors.WrapInvalid(errors.ErrBadArgumentCount, "Function", "New", name)
		}
		return &Function{Kind: FuncSteadyState, Args: args}, nil
	case "sourceCount":
		if len(args) > 1 {
			return nil, errors.WrapInvalid(errors.ErrBadArgumentCount, "Function", "New", name)
		}
		return &Function{Kind: FuncSourceCount, Args: args}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownFunction, name), "Function", "New", "lookup")
	}
}
