package sense

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/dsp"
)

func f64(v float64) *float64 { return &v }

func baseCalibration() Calibration {
	return Calibration{
		PresenceThreshold:  0.5,
		BreathingThreshold: 0.1,
		State:              Tracking,
	}
}

func sine(freqHz, amplitude, sampleRate float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/sampleRate)
	}
	return out
}

func TestDetectorBelowViableSamples(t *testing.T) {
	d := Detector{MinViableSamples: 16}
	motion := sine(1.0, 1.0, 20, 10)

	ev := d.Detect(motion, baseCalibration(), WindowMeta{Seq: 3, SampleCount: 10})

	assert.False(t, ev.Present)
	assert.Zero(t, ev.Confidence)
	assert.Zero(t, ev.Energy)
	assert.Equal(t, int64(3), ev.Seq)
}

func TestDetectorEnergyAboveThreshold(t *testing.T) {
	d := Detector{MinViableSamples: 16}
	// Unit-amplitude sine has variance 0.5, equal to the threshold; double
	// amplitude has variance 2.0, well past it.
	meta := WindowMeta{SampleCount: 200}

	quiet := d.Detect(sine(1.0, 0.5, 20, 200), baseCalibration(), meta)
	assert.False(t, quiet.Present, "quarter-threshold energy should read absent")

	loud := d.Detect(sine(1.0, 2.0, 20, 200), baseCalibration(), meta)
	assert.True(t, loud.Present)
	assert.InDelta(t, 2.0, loud.Energy, 0.05)
	assert.Equal(t, 1.0, loud.Confidence, "energy at 4x threshold saturates confidence")
}

func TestDetectorConfirmationStreak(t *testing.T) {
	d := Detector{MinViableSamples: 16, ConfirmWindows: 2}
	meta := WindowMeta{SampleCount: 200}
	loud := sine(1.0, 2.0, 20, 200)
	quiet := sine(1.0, 0.5, 20, 200)

	// A single over-threshold window is not enough.
	first := d.Detect(loud, baseCalibration(), meta)
	assert.False(t, first.Present, "one excursion should not assert presence")
	assert.InDelta(t, 0.5, first.Confidence, 1e-9)

	second := d.Detect(loud, baseCalibration(), meta)
	assert.True(t, second.Present)

	// A quiet window resets the streak.
	d.Detect(quiet, baseCalibration(), meta)
	again := d.Detect(loud, baseCalibration(), meta)
	assert.False(t, again.Present)
}

func TestDetectorConfidencePenalties(t *testing.T) {
	d := Detector{MinViableSamples: 16}
	meta := WindowMeta{SampleCount: 200}
	motion := sine(1.0, 2.0, 20, 200)

	cal := baseCalibration()
	cal.Degraded = true
	degraded := d.Detect(motion, cal, meta)
	assert.True(t, degraded.Present)
	assert.True(t, degraded.Degraded)
	assert.InDelta(t, 0.5, degraded.Confidence, 1e-9)

	forced := d.Detect(motion, baseCalibration(), WindowMeta{SampleCount: 200, ForceSealed: true})
	assert.InDelta(t, 0.5, forced.Confidence, 1e-9)

	both := d.Detect(motion, cal, WindowMeta{SampleCount: 200, ForceSealed: true})
	assert.InDelta(t, 0.25, both.Confidence, 1e-9)
}

func TestEstimatorPeaksAgreeWithSpectrum(t *testing.T) {
	e := Estimator{
		SampleRateHz:          20,
		Band:                  dsp.Band{LowHz: 0.1, HighHz: 0.5},
		AgreementToleranceBPM: 5,
	}
	// 0.25 Hz over 12 s: three full breaths, 15 BPM.
	breathing := sine(0.25, 1.0, 20, 240)

	est, ok := e.Estimate(breathing, baseCalibration(), WindowMeta{Seq: 9})
	require.True(t, ok)
	assert.Equal(t, MethodPeaks, est.Method)
	assert.InDelta(t, 15.0, est.RateBPM, 0.5)
	assert.InDelta(t, 0.9, est.Confidence, 1e-9)
	assert.Equal(t, int64(9), est.Seq)
}

func TestEstimatorQuietBandYieldsNoEstimate(t *testing.T) {
	e := Estimator{
		SampleRateHz:          20,
		Band:                  dsp.Band{LowHz: 0.1, HighHz: 0.5},
		AgreementToleranceBPM: 5,
	}
	breathing := sine(0.25, 0.1, 20, 240) // variance 0.005, below threshold

	_, ok := e.Estimate(breathing, baseCalibration(), WindowMeta{})
	assert.False(t, ok)
}

func TestEstimatorDegradedPenalty(t *testing.T) {
	e := Estimator{
		SampleRateHz:          20,
		Band:                  dsp.Band{LowHz: 0.1, HighHz: 0.5},
		AgreementToleranceBPM: 5,
	}
	cal := baseCalibration()
	cal.Degraded = true

	est, ok := e.Estimate(sine(0.25, 1.0, 20, 240), cal, WindowMeta{})
	require.True(t, ok)
	assert.InDelta(t, 0.45, est.Confidence, 1e-9)
}

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		PresenceK:                 3,
		BreathingK:                2,
		MinStableWindows:          4,
		RecalibrateQuietWindows:   6,
		DefaultPresenceThreshold:  config.DefaultPresenceThreshold,
		DefaultBreathingThreshold: config.DefaultBreathingThreshold,
	}
}

func TestControllerBaselineCompletes(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	energies := []float64{0.45, 0.50, 0.48, 0.47}
	for i, e := range energies {
		c.Observe(e, 0.05, false, now.Add(time.Duration(i)*time.Second))
	}

	cal := c.Snapshot()
	require.Equal(t, Tracking, cal.State)
	assert.False(t, cal.Degraded)
	assert.Equal(t, 4, cal.StableWindows)
	assert.InDelta(t, 0.475, cal.BaselineMean, 1e-9)
	assert.Greater(t, cal.PresenceThreshold, cal.BaselineMean)
	assert.Less(t, cal.PresenceThreshold, config.DefaultPresenceThreshold)
}

func TestControllerFloorsThinBaselineMargin(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	// Near-identical energies: k*stddev alone would leave the threshold a
	// few thousandths above the mean, inside ordinary window fluctuation.
	for _, e := range []float64{0.48, 0.481, 0.479, 0.482} {
		c.Observe(e, 0.05, false, now)
	}

	cal := c.Snapshot()
	require.Equal(t, Tracking, cal.State)
	assert.InDelta(t, cal.BaselineMean+minPresenceMargin, cal.PresenceThreshold, 1e-9)
	assert.InDelta(t, 0.05+minBreathingMargin, cal.BreathingThreshold, 1e-9)
}

func TestControllerDisturbanceRestartsBaseline(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	c.Observe(0.45, 0.05, false, now)
	c.Observe(0.48, 0.05, false, now)
	c.Observe(0.95, 0.60, true, now) // someone walked through mid-baseline
	c.Observe(0.46, 0.05, false, now)
	c.Observe(0.49, 0.05, false, now)
	c.Observe(0.47, 0.05, false, now)

	cal := c.Snapshot()
	assert.Equal(t, Baselining, cal.State, "restarted baseline needs a fresh run of stable windows")
	assert.Equal(t, 3, cal.StableWindows)

	c.Observe(0.48, 0.05, false, now)
	assert.Equal(t, Tracking, c.Snapshot().State)
}

func TestControllerVarianceCollapseFallsBackToDefaults(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	// Identical energies: a stalled sensor repeating the same frame.
	for i := 0; i < 4; i++ {
		c.Observe(0.3, 0.05, false, now)
	}

	cal := c.Snapshot()
	assert.Equal(t, Baselining, cal.State)
	assert.True(t, cal.Degraded)
	assert.Equal(t, config.DefaultPresenceThreshold, cal.PresenceThreshold)
	assert.Equal(t, config.DefaultBreathingThreshold, cal.BreathingThreshold)
}

func TestControllerExplodedBaselineFallsBackToDefaults(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	// Persistent interference: huge spread drives the derived threshold
	// past the reachable energy range.
	for _, e := range []float64{0.1, 0.9, 0.15, 0.85} {
		c.Observe(e, 0.05, false, now)
	}

	cal := c.Snapshot()
	assert.Equal(t, Baselining, cal.State)
	assert.True(t, cal.Degraded)
	assert.Equal(t, config.DefaultPresenceThreshold, cal.PresenceThreshold)
}

func TestControllerRecalibratesAfterQuietStretch(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	for _, e := range []float64{0.45, 0.50, 0.48, 0.47} {
		c.Observe(e, 0.05, false, now)
	}
	require.Equal(t, Tracking, c.Snapshot().State)

	// Six more quiet windows hit the recalibration trigger.
	for i := 0; i < 6; i++ {
		c.Observe(0.47, 0.05, false, now)
	}
	cal := c.Snapshot()
	assert.Equal(t, Baselining, cal.State)
	assert.False(t, cal.Degraded, "scheduled recalibration is not a degradation")
}

func TestControllerPresenceResetsQuietCounter(t *testing.T) {
	c := NewController(testControllerConfig())
	now := time.Now()

	for _, e := range []float64{0.45, 0.50, 0.48, 0.47} {
		c.Observe(e, 0.05, false, now)
	}
	require.Equal(t, Tracking, c.Snapshot().State)

	// Alternate quiet and occupied: the quiet streak never reaches the
	// recalibration trigger.
	for i := 0; i < 20; i++ {
		c.Observe(0.47+0.001*float64(i%3), 0.05, false, now)
		if i%4 == 3 {
			c.Observe(0.95, 0.6, true, now)
		}
	}
	assert.Equal(t, Tracking, c.Snapshot().State)
}
