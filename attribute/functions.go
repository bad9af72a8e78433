package attribute

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/schwoere/utdataflow/errors"
)

var sqrt = math.Sqrt

// Evaluate dispatches to the built-in matching-level functions.
// syncError and steadyState require a global context; sourceCount also
// works on node/edge contexts using the local provenance set.
func (e *Function) Evaluate(c Context) (Value, error) {
	if e.Kind != FuncSourceCount && !c.IsGlobal() {
		return Empty(), errors.WrapEvaluation(
			fmt.Errorf("function requires a matching context"),
			"Function", "Evaluate", "context check")
	}

	switch e.Kind {
	case FuncSyncError:
		return e.evaluateSyncError(c)
	case FuncSteadyState:
		return e.evaluateSteadyState(c)
	case FuncSourceCount:
		return e.evaluateSourceCount(c)
	}
	return Empty(), nil
}

// evaluateSyncError computes the closed-form variance of pulling the
// sync edge at the reference edge's latency under a constant-velocity
// model with spectral density q, using the edges' "latency" and
// "updateTime" attributes.
func (e *Function) evaluateSyncError(c Context) (Value, error) {
	q, err := e.argNumber(c, 0)
	if err != nil {
		return Empty(), err
	}
	syncName, err := e.argText(c, 1)
	if err != nil {
		return Empty(), err
	}
	refName, err := e.argText(c, 2)
	if err != nil {
		return Empty(), err
	}

	syncAttrs, ok1 := c.Lookup(syncName)
	refAttrs, ok2 := c.Lookup(refName)
	if !ok1 || !ok2 {
		return Empty(), errors.WrapEvaluation(errors.ErrEdgeNotFound, "Function", "syncError", "edge lookup")
	}

	syncUpdateTime, err := syncAttrs.Get("updateTime").Number()
	if err != nil {
		return Empty(), err
	}
	syncLatency, err := syncAttrs.Get("latency").Number()
	if err != nil {
		return Empty(), err
	}
	refLatency, err := refAttrs.Get("latency").Number()
	if err != nil {
		return Empty(), err
	}

	if syncUpdateTime < 1e-10 {
		return FromNumber(0), nil
	}

	t1 := math.Max(0, syncLatency-refLatency+syncUpdateTime)
	t2 := math.Max(0, syncLatency-refLatency)
	result := q / (12.0 * syncUpdateTime) * (t1*t1*t1*t1 - t2*t2*t2*t2)
	return FromNumber(result), nil
}

// evaluateSteadyState computes the steady-state variance of a two-state
// Kalman filter whose measurements are absolute ("A") or relative ("R").
//
// State update: S_n+1 = S_n * [1, dt; 0, 1] with process noise
// Q = q * [dt^3/3, dt^2/2; dt^2/2, dt]. The function has 1 + 3n
// arguments: q, then (type, dt, r) per measurement model. The 4x4
// Hamiltonian system matrix is summed over all models; the result is the
// magnitude of (B * C^-1)(0,0) over the eigenvector submatrices.
//
// See D. Allen and G. Welch, "A General Method for Comparing the
// Expected Performance of Tracking and Motion Capture Systems",
// VRST 2005.
func (e *Function) evaluateSteadyState(c Context) (Value, error) {
	q, err := e.argNumber(c, 0)
	if err != nil {
		return Empty(), err
	}

	psiSum := mat.NewDense(4, 4, nil)
	for start := 1; start < len(e.Args); start += 3 {
		mType, err := e.argText(c, start)
		if err != nil {
			return Empty(), err
		}
		dt, err := e.argNumber(c, start+1)
		if err != nil {
			return Empty(), err
		}
		r, err := e.argNumber(c, start+2)
		if err != nil {
			return Empty(), err
		}

		var psi *mat.Dense
		switch mType {
		case "A":
			// measurement of the absolute value, H = [1, 0]
			psi = mat.NewDense(4, 4, []float64{
				1.0 - (q*dt*dt*dt)/(6.0*r), dt, -(q * dt * dt * dt) / 6.0, (q * dt * dt) / 2.0,
				-(q * dt * dt) / (2.0 * r), 1.0, -(q * dt * dt) / 2.0, q * dt,
				1.0 / r, 0.0, 1.0, 0.0,
				-dt / r, 0.0, -dt, 1.0,
			})
		case "R":
			// measurement of the velocity, H = [0, 1]
			psi = mat.NewDense(4, 4, []float64{
				1.0, dt + (q*dt*dt)/(2.0*r), -(q * dt * dt * dt) / 6.0, (q * dt * dt) / 2.0,
				0.0, 1.0 + (q*dt)/r, -(q * dt * dt) / 2.0, q * dt,
				0.0, 0.0, 1.0, 0.0,
				0.0, 1.0 / r, -dt, 1.0,
			})
		default:
			return Empty(), errors.WrapEvaluation(
				fmt.Errorf("unknown measurement type %q", mType),
				"Function", "steadyState", "measurement model")
		}
		psiSum.Add(psiSum, psi)
	}

	var eig mat.Eigen
	if !eig.Factorize(psiSum, mat.EigenRight) {
		return Empty(), errors.WrapEvaluation(errors.ErrSingularMatrix, "Function", "steadyState", "eigen decomposition")
	}
	vectors := &mat.CDense{}
	eig.VectorsTo(vectors)

	// B and C are the upper and lower 2x2 submatrices of the first two
	// eigenvector columns; the result is (B * C^-1)(0,0).
	b00, b01 := vectors.At(0, 0), vectors.At(0, 1)
	c00, c01 := vectors.At(2, 0), vectors.At(2, 1)
	c10, c11 := vectors.At(3, 0), vectors.At(3, 1)

	det := c00*c11 - c01*c10
	if det == 0 {
		return Empty(), errors.WrapEvaluation(errors.ErrSingularMatrix, "Function", "steadyState", "submatrix inversion")
	}

	// first row of B times first column of C^-1
	inv00 := c11 / det
	inv10 := -c10 / det
	result := b00*inv00 + b01*inv10

	return FromNumber(cmplx.Abs(result)), nil
}

// evaluateSourceCount counts the information sources visible in the
// context, optionally restricted to those starting with a prefix.
func (e *Function) evaluateSourceCount(c Context) (Value, error) {
	sources := c.Sources()
	if len(e.Args) == 0 {
		return FromNumber(float64(len(sources))), nil
	}

	prefix, err := e.argText(c, 0)
	if err != nil {
		return Empty(), err
	}
	n := 0
	for _, s := range sources {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return FromNumber(float64(n)), nil
}

func (e *Function) argNumber(c Context, i int) (float64, error) {
	v, err := e.Args[i].Evaluate(c)
	if err != nil {
		return 0, err
	}
	return v.Number()
}

func (e *Function) argText(c Context, i int) (string, error) {
	v, err := e.Args[i].Evaluate(c)
	if err != nil {
		return "", err
	}
	return v.Text(), nil
}
