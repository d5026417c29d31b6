// Package echo maps raw echo measurements onto the unit interval using
// the device's calibration anchors.
package echo

import (
	"sort"

	"github.com/CK6170/fruitell-go/models"
)

// Normalize maps a raw echo duration onto [0,1] between the two anchors.
//
// Equal anchors are perturbed by +1 us so the span is never zero. When
// freshAnchor < spoilAnchor a smaller echo means fresher and the result
// is flipped; either way 1 is the fresh end. The flip must match the
// firmware's own convention exactly or every label is silently inverted.
func Normalize(echoUS, freshAnchor, spoilAnchor float64) float64 {
	if freshAnchor == spoilAnchor {
		spoilAnchor = freshAnchor + 1
	}
	lo, hi := freshAnchor, spoilAnchor
	if lo > hi {
		lo, hi = hi, lo
	}
	x := (echoUS - lo) / (hi - lo)
	if x < 0 {
		x = 0
	} else if x > 1 {
		x = 1
	}
	if freshAnchor < spoilAnchor {
		x = 1 - x
	}
	return x
}

// MedianAnchors returns the median fresh and spoil anchors across a set
// of samples, falling back to the firmware defaults when the set is
// empty. Fitting against medians keeps a recalibrating device from
// skewing the model with a few drifted anchor readings.
func MedianAnchors(samples []models.Sample) (freshAnchor, spoilAnchor float64) {
	if len(samples) == 0 {
		return models.DefaultFreshAnchor, models.DefaultSpoilAnchor
	}
	fresh := make([]float64, len(samples))
	spoil := make([]float64, len(samples))
	for i, s := range samples {
		fresh[i] = s.FreshAnchor
		spoil[i] = s.SpoilAnchor
	}
	return median(fresh), median(spoil)
}

// median averages the two central order statistics on even counts, the
// same convention the firmware applies to its anchor history.
func median(v []float64) float64 {
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}
