package sense

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.report/internal/dsp"
	"github.com/banshee-data/presence.report/internal/units"
)

// Estimation methods reported on BreathingEstimate.
const (
	MethodPeaks    = "peaks"
	MethodSpectral = "spectral"
)

// BreathingEstimate is a per-window respiration rate. One is emitted only
// when the window is occupied and the breathing band carries enough energy
// to support an estimate.
type BreathingEstimate struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	RateBPM    float64   `json:"rate_bpm"`
	Confidence float64   `json:"confidence"`
	// Method records which estimator produced the rate: inter-peak timing
	// or the spectral fallback.
	Method string `json:"method"`
}

// Estimator derives a breathing rate from the breathing-band filtered
// series of an occupied window. The primary estimate comes from inter-peak
// intervals; an independent spectral estimate cross-validates it.
type Estimator struct {
	// SampleRateHz is the nominal frame rate of the window series.
	SampleRateHz float64
	// Band is the breathing band. The upper edge also sets the minimum
	// peak separation (no two breaths can be closer than one period at
	// the fastest plausible rate).
	Band dsp.Band
	// AgreementToleranceBPM is how far the two estimates may disagree
	// before the rate is reported from the spectrum alone at reduced
	// confidence.
	AgreementToleranceBPM float64
}

// Confidence levels for the two estimation paths. Cross-validated
// inter-peak timing is trusted; a spectral-only rate is not corroborated
// and says so.
const (
	peaksConfidence    = 0.9
	spectralConfidence = 0.5
)

// Estimate computes a breathing rate for one window. ok is false when the
// breathing band is too quiet, too few breaths fit in the window, or no
// plausible rate emerges.
func (e *Estimator) Estimate(breathing []float64, cal Calibration, meta WindowMeta) (BreathingEstimate, bool) {
	est := BreathingEstimate{Seq: meta.Seq, Timestamp: meta.Timestamp}
	if len(breathing) < 4 || e.SampleRateHz <= 0 || e.Band.HighHz <= 0 {
		return est, false
	}

	// Gate on breathing-band energy so an empty band (person moving, not
	// resting) does not produce a noise-driven rate.
	if stat.Variance(breathing, nil) <= cal.BreathingThreshold {
		return est, false
	}

	spectral, haveSpectral := dsp.DominantFrequency(breathing, e.SampleRateHz, e.Band.LowHz, e.Band.HighHz)
	spectralBPM := units.HzToBPM(spectral.FreqHz)

	// Peaks closer than ~80% of the fastest breathing period are noise
	// ripple, not separate breaths.
	minSep := int(0.8 * e.SampleRateHz / e.Band.HighHz)
	peaks := dsp.FindPeaks(breathing, minSep)

	if len(peaks) >= 2 {
		meanInterval := float64(peaks[len(peaks)-1]-peaks[0]) / float64(len(peaks)-1) / e.SampleRateHz
		peakBPM := 60 / meanInterval
		if units.PlausibleBPM(peakBPM) {
			agrees := haveSpectral && units.PlausibleBPM(spectralBPM) &&
				math.Abs(peakBPM-spectralBPM) <= e.AgreementToleranceBPM
			if agrees {
				est.RateBPM = peakBPM
				est.Method = MethodPeaks
				est.Confidence = e.scale(peaksConfidence, cal, meta)
				return est, true
			}
		}
	}

	// Fall back to the spectrum when the time-domain estimate is missing,
	// implausible, or uncorroborated.
	if haveSpectral && units.PlausibleBPM(spectralBPM) {
		est.RateBPM = spectralBPM
		est.Method = MethodSpectral
		est.Confidence = e.scale(spectralConfidence, cal, meta)
		return est, true
	}
	return est, false
}

func (e *Estimator) scale(conf float64, cal Calibration, meta WindowMeta) float64 {
	if cal.Degraded {
		conf *= degradedConfidencePenalty
	}
	if meta.ForceSealed {
		conf *= forceSealedConfidencePenalty
	}
	return conf
}
