package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// SpectralPeak is a dominant-frequency estimate for a series.
type SpectralPeak struct {
	FreqHz float64
	// Power is the squared magnitude at the peak bin, relative to the
	// total power inside the searched band (0..1).
	Power float64
}

// DominantFrequency finds the strongest spectral component of samples inside
// (lowHz, highHz). Quadratic interpolation around the peak bin refines the
// estimate below the raw bin spacing, which matters for short windows where
// bins are coarse relative to breathing rates. Returns ok=false when the
// band holds no usable bins or no power.
func DominantFrequency(samples []float64, sampleRate, lowHz, highHz float64) (SpectralPeak, bool) {
	n := len(samples)
	if n < 4 || sampleRate <= 0 || lowHz >= highHz {
		return SpectralPeak{}, false
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, samples)

	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mags[i] = cmplx.Abs(c)
	}

	best := -1
	var bestMag, bandPower float64
	for i := 1; i < len(coeffs); i++ { // skip DC
		freq := fft.Freq(i) * sampleRate
		if freq < lowHz || freq > highHz {
			continue
		}
		bandPower += mags[i] * mags[i]
		if mags[i] > bestMag {
			bestMag = mags[i]
			best = i
		}
	}
	if best < 0 || bandPower == 0 || bestMag == 0 {
		return SpectralPeak{}, false
	}

	binHz := sampleRate / float64(n)
	freq := fft.Freq(best) * sampleRate

	// Quadratic interpolation over the peak and its neighbors.
	if best > 0 && best < len(mags)-1 {
		m0, m1, m2 := mags[best-1], mags[best], mags[best+1]
		denom := m0 - 2*m1 + m2
		if denom != 0 {
			delta := 0.5 * (m0 - m2) / denom
			if math.Abs(delta) <= 1 {
				freq += delta * binHz
			}
		}
	}

	return SpectralPeak{
		FreqHz: freq,
		Power:  bestMag * bestMag / bandPower,
	}, true
}

// FindPeaks locates local maxima of x separated by at least minSeparation
// samples. When two candidates fall closer than the separation, the taller
// one wins. Mirrors the peak-distance policy of the usual scientific
// find-peaks routines so noise-induced local maxima near a true peak are
// rejected.
func FindPeaks(x []float64, minSeparation int) []int {
	if len(x) < 3 {
		return nil
	}
	if minSeparation < 1 {
		minSeparation = 1
	}

	var candidates []int
	for i := 1; i < len(x)-1; i++ {
		if x[i] > x[i-1] && x[i] >= x[i+1] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Tallest-first greedy selection under the separation constraint.
	order := make([]int, len(candidates))
	copy(order, candidates)
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && x[order[j]] > x[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	kept := make([]bool, len(x))
	var peaks []int
	for _, idx := range order {
		ok := true
		for d := 1; d < minSeparation; d++ {
			if idx-d >= 0 && kept[idx-d] {
				ok = false
				break
			}
			if idx+d < len(x) && kept[idx+d] {
				ok = false
				break
			}
		}
		if ok {
			kept[idx] = true
			peaks = append(peaks, idx)
		}
	}

	// Restore time order.
	for i := 1; i < len(peaks); i++ {
		for j := i; j > 0 && peaks[j] < peaks[j-1]; j-- {
			peaks[j], peaks[j-1] = peaks[j-1], peaks[j]
		}
	}
	return peaks
}
