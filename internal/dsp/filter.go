package dsp

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/presence.report/internal/units"
)

// Band is a bandpass frequency range in Hz.
type Band struct {
	LowHz  float64
	HighHz float64
}

// Contains reports whether f falls inside the band.
func (b Band) Contains(f float64) bool {
	return f >= b.LowHz && f <= b.HighHz
}

// FilterBank applies two zero-phase bandpass filters to a processed series:
// a wide band for gross-motion presence detection and the narrow breathing
// band for rate estimation. Filtering happens in the frequency domain over
// the full sealed window — the FFT spectrum is shaped by a Butterworth
// magnitude response and inverted — which is zero-phase by construction.
type FilterBank struct {
	sampleRate float64
	order      int
	motion     Band
	breathing  Band

	mu   sync.Mutex
	ffts map[int]*fourier.FFT // keyed by series length; window sizes vary
}

// NewFilterBank validates the bands against the sample rate and returns a
// bank. Invalid band edges fail here, at startup, before any frame flows.
func NewFilterBank(sampleRate float64, order int, motion, breathing Band) (*FilterBank, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %v", sampleRate)
	}
	if order < 1 {
		return nil, fmt.Errorf("filter order must be at least 1, got %d", order)
	}
	if !units.ValidBand(motion.LowHz, motion.HighHz, sampleRate) {
		return nil, fmt.Errorf("motion band (%v, %v) Hz invalid for sample rate %v Hz",
			motion.LowHz, motion.HighHz, sampleRate)
	}
	if !units.ValidBand(breathing.LowHz, breathing.HighHz, sampleRate) {
		return nil, fmt.Errorf("breathing band (%v, %v) Hz invalid for sample rate %v Hz",
			breathing.LowHz, breathing.HighHz, sampleRate)
	}
	return &FilterBank{
		sampleRate: sampleRate,
		order:      order,
		motion:     motion,
		breathing:  breathing,
		ffts:       make(map[int]*fourier.FFT),
	}, nil
}

// Motion returns the wide-band filtered series.
func (fb *FilterBank) Motion(samples []float64) []float64 {
	return fb.apply(samples, fb.motion)
}

// Breathing returns the breathing-band filtered series.
func (fb *FilterBank) Breathing(samples []float64) []float64 {
	return fb.apply(samples, fb.breathing)
}

// MotionBand returns the configured wide band.
func (fb *FilterBank) MotionBand() Band { return fb.motion }

// BreathingBand returns the configured narrow band.
func (fb *FilterBank) BreathingBand() Band { return fb.breathing }

func (fb *FilterBank) fftFor(n int) *fourier.FFT {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fft, ok := fb.ffts[n]
	if !ok {
		fft = fourier.NewFFT(n)
		fb.ffts[n] = fft
	}
	return fft
}

// apply shapes the spectrum of samples with the band's Butterworth gain and
// inverts back to the time domain.
func (fb *FilterBank) apply(samples []float64, band Band) []float64 {
	n := len(samples)
	if n < 2 {
		out := make([]float64, n)
		copy(out, samples)
		return out
	}

	fft := fb.fftFor(n)
	coeffs := fft.Coefficients(nil, samples)
	for i := range coeffs {
		freq := fft.Freq(i) * fb.sampleRate
		coeffs[i] *= complex(butterworthBandGain(freq, band, fb.order), 0)
	}

	out := fft.Sequence(nil, coeffs)
	// gonum's inverse transform is unnormalized.
	inv := 1 / float64(n)
	for i := range out {
		out[i] *= inv
	}
	return out
}

// butterworthBandGain is the magnitude response of an analog Butterworth
// bandpass of the given order: flat in-band, monotonic 2n-pole roll-off
// outside. DC is fully rejected.
func butterworthBandGain(freqHz float64, band Band, order int) float64 {
	if freqHz == 0 {
		return 0
	}
	w := 2 * math.Pi * freqHz
	wl := 2 * math.Pi * band.LowHz
	wh := 2 * math.Pi * band.HighHz
	// (w² − wl·wh) / (w · (wh − wl)) is zero at the geometric band center
	// and grows without bound toward DC and Nyquist.
	x := (w*w - wl*wh) / (w * (wh - wl))
	return 1 / math.Sqrt(1+math.Pow(x*x, float64(order)))
}
