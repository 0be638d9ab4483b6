// Package dsp implements the per-window signal processing for the sensing
// pipeline: subcarrier averaging, detrending, normalization, outlier
// interpolation, zero-phase bandpass filtering and spectral estimation.
package dsp

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.report/internal/csi"
)

// ProcessedSignal is the single real-valued series distilled from one sealed
// window. Consumed by the filter bank and then discarded.
type ProcessedSignal struct {
	Samples    []float64
	Timestamps []time.Time

	// OutliersInterpolated counts samples replaced by linear interpolation.
	OutliersInterpolated int
}

// ErrTooFewFrames indicates a window below the minimum viable sample count
// for a meaningful detrend.
var ErrTooFewFrames = errors.New("dsp: too few frames to preprocess")

// Preprocess turns a run of frames into a normalized scalar series:
// per-frame subcarrier average, linear detrend, outlier interpolation, then
// zero-mean unit-variance normalization. Outlier z-scores are measured on
// the window's own detrended statistics and the final normalization happens
// after interpolation, so a single spike cannot pollute the normalized
// moments. Pure function of its input.
func Preprocess(frames []csi.Frame, outlierSigma float64) (*ProcessedSignal, error) {
	if len(frames) < 4 {
		return nil, ErrTooFewFrames
	}

	n := len(frames)
	samples := make([]float64, n)
	timestamps := make([]time.Time, n)
	xs := make([]float64, n)
	start := frames[0].Timestamp
	for i, f := range frames {
		samples[i] = f.MeanAmplitude()
		timestamps[i] = f.Timestamp
		xs[i] = f.Timestamp.Sub(start).Seconds()
	}

	// Strip slow drift unrelated to breathing or motion.
	alpha, beta := stat.LinearRegression(xs, samples, nil, false)
	for i := range samples {
		samples[i] -= alpha + beta*xs[i]
	}

	interpolated := interpolateOutliers(samples, outlierSigma)

	// Normalize with the window's own (post-interpolation) statistics so
	// absolute level differences between windows cancel out.
	mean, std := stat.MeanStdDev(samples, nil)
	// Degenerate windows (constant, or exact-trend residue at float noise
	// level) are centered but not scaled.
	if std > 1e-9 {
		for i := range samples {
			samples[i] = (samples[i] - mean) / std
		}
	} else {
		for i := range samples {
			samples[i] -= mean
		}
	}

	return &ProcessedSignal{
		Samples:              samples,
		Timestamps:           timestamps,
		OutliersInterpolated: interpolated,
	}, nil
}

// interpolateOutliers replaces samples whose z-score exceeds sigma with the
// linear interpolation of their nearest valid neighbors, keeping the series
// regularly sampled for filtering. Returns the number of replacements.
func interpolateOutliers(samples []float64, sigma float64) int {
	mean, std := stat.MeanStdDev(samples, nil)
	if std <= 0 || sigma <= 0 {
		return 0
	}

	n := len(samples)
	bad := make([]bool, n)
	count := 0
	for i, v := range samples {
		if math.Abs(v-mean) > sigma*std {
			bad[i] = true
			count++
		}
	}
	if count == 0 || count == n {
		return 0
	}

	for i := 0; i < n; i++ {
		if !bad[i] {
			continue
		}
		// Nearest valid neighbors on either side.
		lo := i - 1
		for lo >= 0 && bad[lo] {
			lo--
		}
		hi := i + 1
		for hi < n && bad[hi] {
			hi++
		}
		switch {
		case lo < 0 && hi >= n:
			// Unreachable: count < n guarantees a valid sample exists.
		case lo < 0:
			samples[i] = samples[hi]
		case hi >= n:
			samples[i] = samples[lo]
		default:
			t := float64(i-lo) / float64(hi-lo)
			samples[i] = samples[lo] + t*(samples[hi]-samples[lo])
		}
	}
	return count
}
