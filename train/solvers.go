package train

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// regularizationC sets the L2 strength on the weight; the bias stays
// free. Large enough that the fit is close to unregularized.
const regularizationC = 1000.0

// Solver fits weight and bias over normalized features x and binary
// labels y.
type Solver interface {
	Name() string
	Solve(x, y []float64) (w, b float64, err error)
}

// DefaultSolvers returns the production chain: quasi-Newton primary,
// gradient-descent fallback.
func DefaultSolvers() []Solver {
	return []Solver{&LBFGSSolver{}, &GradientDescentSolver{}}
}

// LBFGSSolver minimizes the regularized logistic loss with gonum's
// L-BFGS implementation.
type LBFGSSolver struct {
	// MaxIterations bounds the major iterations; 0 selects the default
	// of 1000.
	MaxIterations int
}

func (s *LBFGSSolver) Name() string { return "lbfgs" }

func (s *LBFGSSolver) Solve(x, y []float64) (float64, float64, error) {
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = 1000
	}
	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			return logisticLoss(theta, x, y)
		},
		Grad: func(grad, theta []float64) {
			logisticGrad(grad, theta, x, y)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   maxIter,
		GradientThreshold: 1e-6,
	}
	result, err := optimize.Minimize(problem, []float64{0, 0}, settings, &optimize.LBFGS{})
	if err != nil {
		return 0, 0, err
	}
	if err := result.Status.Err(); err != nil {
		return 0, 0, err
	}
	return result.X[0], result.X[1], nil
}

// GradientDescentSolver is the dependency-free fallback: fixed-step
// gradient descent with a multiplicative learning-rate decay. Slower and
// unregularized, but it needs nothing beyond arithmetic and lands close
// enough to the primary on well-separated data.
type GradientDescentSolver struct {
	// Zero values select the tuned defaults: 4000 iterations, learning
	// rate 0.5, decay 0.9995 per step.
	Iterations int
	LearnRate  float64
	Decay      float64
}

func (s *GradientDescentSolver) Name() string { return "gd" }

func (s *GradientDescentSolver) Solve(x, y []float64) (float64, float64, error) {
	iters := s.Iterations
	if iters <= 0 {
		iters = 4000
	}
	lr := s.LearnRate
	if lr <= 0 {
		lr = 0.5
	}
	decay := s.Decay
	if decay <= 0 {
		decay = 0.9995
	}

	var w, b float64
	n := float64(len(x))
	for i := 0; i < iters; i++ {
		var dw, db float64
		for j := range x {
			diff := sigmoid(b+w*x[j]) - y[j]
			db += diff
			dw += diff * x[j]
		}
		w -= lr * dw / n
		b -= lr * db / n
		lr *= decay
	}
	return w, b, nil
}

// logisticLoss is sum log(1+exp(-s*z)) + 0.5/C*w^2 with s in {-1,+1} and
// z = w*x + b. The bias is unregularized.
func logisticLoss(theta []float64, x, y []float64) float64 {
	w, b := theta[0], theta[1]
	loss := 0.0
	for i := range x {
		s := 2*y[i] - 1
		loss += logOnePlusExpNeg(s * (w*x[i] + b))
	}
	return loss + 0.5/regularizationC*w*w
}

func logisticGrad(grad, theta []float64, x, y []float64) {
	w, b := theta[0], theta[1]
	var gw, gb float64
	for i := range x {
		s := 2*y[i] - 1
		p := sigmoid(-s * (w*x[i] + b))
		gw -= s * x[i] * p
		gb -= s * p
	}
	grad[0] = gw + w/regularizationC
	grad[1] = gb
}

// logOnePlusExpNeg computes log(1+exp(-t)) without overflowing for large
// negative t.
func logOnePlusExpNeg(t float64) float64 {
	if t > 0 {
		return math.Log1p(math.Exp(-t))
	}
	return -t + math.Log1p(math.Exp(t))
}

func sigmoid(t float64) float64 {
	if t >= 0 {
		return 1 / (1 + math.Exp(-t))
	}
	e := math.Exp(t)
	return e / (1 + e)
}
