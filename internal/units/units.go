// Package units provides shared conversions between breathing rates and
// signal frequencies, plus validation helpers for frequency bands.
package units

// Plausible breathing-rate limits. Estimates outside this range are treated
// as "no stable estimate" rather than reported.
const (
	MinPlausibleBPM = 4.0
	MaxPlausibleBPM = 40.0
)

// HzToBPM converts a frequency in Hz to breaths per minute.
func HzToBPM(hz float64) float64 {
	return hz * 60.0
}

// BPMToHz converts breaths per minute to a frequency in Hz.
func BPMToHz(bpm float64) float64 {
	return bpm / 60.0
}

// PlausibleBPM reports whether a breathing-rate estimate falls inside the
// physiologically plausible range.
func PlausibleBPM(bpm float64) bool {
	return bpm >= MinPlausibleBPM && bpm <= MaxPlausibleBPM
}

// ValidBand reports whether (low, high) is a usable passband for the given
// sample rate: positive edges, low strictly below high, and high below the
// Nyquist frequency.
func ValidBand(lowHz, highHz, sampleRateHz float64) bool {
	if lowHz <= 0 || highHz <= 0 || sampleRateHz <= 0 {
		return false
	}
	if lowHz >= highHz {
		return false
	}
	return highHz < sampleRateHz/2
}
