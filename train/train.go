// Package train fits the 1D logistic freshness classifier over labeled
// echo samples.
//
// Training anchors are the medians of the per-sample anchors, so the
// model and any later inference share one anchor statistic. The fitted
// weight and bias go to the device through the weight line in package
// protocol.
package train

import (
	"errors"
	"fmt"

	"github.com/CK6170/fruitell-go/echo"
	"github.com/CK6170/fruitell-go/models"
)

// ErrNeedBothClasses is returned when the sample set does not contain at
// least one fresh and one spoiled label.
var ErrNeedBothClasses = errors.New("need both label classes")

// FittedModel is the trained classifier plus the anchor pair its inputs
// were normalized with. Inference must reuse the same anchors or the
// probabilities are meaningless.
type FittedModel struct {
	W           float64
	B           float64
	FreshAnchor float64
	SpoilAnchor float64
}

// Predict returns the probability that a raw echo reading is fresh.
func (m FittedModel) Predict(echoUS float64) float64 {
	return sigmoid(m.B + m.W*echo.Normalize(echoUS, m.FreshAnchor, m.SpoilAnchor))
}

// Fit trains with the production solver chain: the quasi-Newton solver
// first, falling back to plain gradient descent if it fails.
func Fit(samples []models.Sample) (FittedModel, error) {
	return FitWith(DefaultSolvers(), samples)
}

// FitWith trains with an explicit solver chain, trying each in order
// until one succeeds.
func FitWith(solvers []Solver, samples []models.Sample) (FittedModel, error) {
	if len(solvers) == 0 {
		return FittedModel{}, errors.New("no solvers given")
	}
	if !hasBothClasses(samples) {
		return FittedModel{}, ErrNeedBothClasses
	}

	fa, sa := echo.MedianAnchors(samples)
	x := make([]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = echo.Normalize(s.EchoUS, fa, sa)
		y[i] = float64(s.Label)
	}

	var lastErr error
	for _, solver := range solvers {
		w, b, err := solver.Solve(x, y)
		if err == nil {
			return FittedModel{W: w, B: b, FreshAnchor: fa, SpoilAnchor: sa}, nil
		}
		lastErr = err
	}
	return FittedModel{}, fmt.Errorf("all solvers failed: %w", lastErr)
}

// Accuracy is the fraction of samples the model classifies correctly at
// the 0.5 probability threshold.
func Accuracy(m FittedModel, samples []models.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	correct := 0
	for _, s := range samples {
		pred := models.SPOILED
		if m.Predict(s.EchoUS) >= 0.5 {
			pred = models.FRESH
		}
		if pred == s.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}

func hasBothClasses(samples []models.Sample) bool {
	seen := map[models.Label]bool{}
	for _, s := range samples {
		seen[s.Label] = true
		if len(seen) >= 2 {
			return true
		}
	}
	return false
}
