package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/stat"
)

func mustBank(t *testing.T) *FilterBank {
	t.Helper()
	fb, err := NewFilterBank(20, 4, Band{LowHz: 0.1, HighHz: 5}, Band{LowHz: 0.1, HighHz: 0.5})
	require.NoError(t, err)
	return fb
}

func TestNewFilterBankValidation(t *testing.T) {
	cases := []struct {
		name              string
		rate              float64
		order             int
		motion, breathing Band
	}{
		{"zero sample rate", 0, 4, Band{0.1, 5}, Band{0.1, 0.5}},
		{"zero order", 20, 0, Band{0.1, 5}, Band{0.1, 0.5}},
		{"inverted motion band", 20, 4, Band{5, 0.1}, Band{0.1, 0.5}},
		{"motion band above nyquist", 20, 4, Band{0.1, 12}, Band{0.1, 0.5}},
		{"inverted breathing band", 20, 4, Band{0.1, 5}, Band{0.5, 0.1}},
		{"zero breathing low edge", 20, 4, Band{0.1, 5}, Band{0, 0.5}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewFilterBank(c.rate, c.order, c.motion, c.breathing)
			assert.Error(t, err)
		})
	}
}

func TestBreathingFilterPassesBreathingTone(t *testing.T) {
	fb := mustBank(t)

	// 0.25 Hz over 12 s at 20 Hz: an integer 3 cycles, so the tone sits
	// exactly on a bin and the passband should return it nearly unchanged.
	in := sinusoid(240, 0.25, 1.0, 20)
	out := fb.Breathing(in)

	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 0.02, "sample %d", i)
	}
}

func TestBreathingFilterRejectsMotionTone(t *testing.T) {
	fb := mustBank(t)

	in := sinusoid(240, 2.0, 1.0, 20) // 2 Hz: motion band, not breathing
	out := fb.Breathing(in)

	inVar := stat.Variance(in, nil)
	outVar := stat.Variance(out, nil)
	assert.Less(t, outVar, inVar*0.01, "2 Hz tone should be attenuated by at least 20 dB")
}

func TestMotionFilterPassesBothTones(t *testing.T) {
	fb := mustBank(t)

	breathing := sinusoid(240, 0.25, 1.0, 20)
	motion := sinusoid(240, 2.0, 1.0, 20)

	bOut := fb.Motion(breathing)
	mOut := fb.Motion(motion)

	assert.InDelta(t, stat.Variance(breathing, nil), stat.Variance(bOut, nil), 0.05)
	assert.InDelta(t, stat.Variance(motion, nil), stat.Variance(mOut, nil), 0.05)
}

func TestFilterRejectsDC(t *testing.T) {
	fb := mustBank(t)

	in := make([]float64, 200)
	for i := range in {
		in[i] = 3.5
	}
	out := fb.Motion(in)
	for i, v := range out {
		assert.InDelta(t, 0.0, v, 1e-9, "sample %d", i)
	}
}

func TestFilterZeroPhase(t *testing.T) {
	fb := mustBank(t)

	in := sinusoid(240, 0.25, 1.0, 20)
	out := fb.Breathing(in)

	// Zero-phase filtering must not displace the tone's maxima.
	argmax := func(x []float64) int {
		best := 0
		for i, v := range x {
			if v > x[best] {
				best = i
			}
		}
		return best
	}
	assert.Equal(t, argmax(in), argmax(out))
}

func TestFilterShortSeries(t *testing.T) {
	fb := mustBank(t)

	out := fb.Motion([]float64{1.0})
	assert.Equal(t, []float64{1.0}, out)
}

func TestDominantFrequencyFindsTone(t *testing.T) {
	in := sinusoid(240, 0.25, 1.0, 20)
	peak, ok := DominantFrequency(in, 20, 0.1, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 0.25, peak.FreqHz, 0.01)
	assert.Greater(t, peak.Power, 0.9)
}

func TestDominantFrequencyOffBinTone(t *testing.T) {
	// 0.23 Hz does not land on a bin for a 10 s window; interpolation must
	// still land close.
	in := sinusoid(200, 0.23, 1.0, 20)
	peak, ok := DominantFrequency(in, 20, 0.1, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 0.23, peak.FreqHz, 0.03)
}

func TestDominantFrequencyNoBandBins(t *testing.T) {
	in := sinusoid(8, 0.25, 1.0, 20) // 0.4 s: bins are 2.5 Hz apart
	_, ok := DominantFrequency(in, 20, 0.1, 0.5)
	assert.False(t, ok)
}

func TestDominantFrequencySilence(t *testing.T) {
	in := make([]float64, 200)
	_, ok := DominantFrequency(in, 20, 0.1, 0.5)
	assert.False(t, ok)
}

func TestFindPeaksSeparation(t *testing.T) {
	x := make([]float64, 100)
	x[20] = 1.0
	x[22] = 0.6 // noise bump beside the true peak
	x[60] = 0.9

	peaks := FindPeaks(x, 10)
	assert.Equal(t, []int{20, 60}, peaks)
}

func TestFindPeaksTallerWinsWithinSeparation(t *testing.T) {
	x := make([]float64, 50)
	x[10] = 0.5
	x[14] = 1.0 // taller, within separation of the first

	peaks := FindPeaks(x, 8)
	assert.Equal(t, []int{14}, peaks)
}

func TestFindPeaksOnSinusoid(t *testing.T) {
	in := sinusoid(240, 0.25, 1.0, 20) // peaks 4 s (80 samples) apart
	peaks := FindPeaks(in, 40)

	require.Len(t, peaks, 3)
	for i := 1; i < len(peaks); i++ {
		gap := peaks[i] - peaks[i-1]
		assert.InDelta(t, 80, gap, 2, "inter-peak gap %d", i)
	}
}

func TestFindPeaksTooShort(t *testing.T) {
	assert.Nil(t, FindPeaks([]float64{1, 2}, 5))
	assert.Nil(t, FindPeaks(nil, 5))
}

func TestButterworthGainShape(t *testing.T) {
	band := Band{LowHz: 0.1, HighHz: 0.5}

	center := math.Sqrt(band.LowHz * band.HighHz)
	assert.InDelta(t, 1.0, butterworthBandGain(center, band, 4), 1e-12)
	assert.Equal(t, 0.0, butterworthBandGain(0, band, 4))

	// Gain at the edges is the half-power point.
	assert.InDelta(t, 1/math.Sqrt2, butterworthBandGain(band.LowHz, band, 4), 1e-9)
	assert.InDelta(t, 1/math.Sqrt2, butterworthBandGain(band.HighHz, band, 4), 1e-9)

	// Monotonic roll-off outside.
	assert.Less(t, butterworthBandGain(2.0, band, 4), 0.01)
}
