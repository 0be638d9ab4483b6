// Package sense implements presence detection, breathing-rate estimation
// and the adaptive calibration loop that keeps detection thresholds valid
// as ambient RF conditions drift.
package sense

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// State is the calibration controller's operating state.
type State int

const (
	// Baselining assumes no disturbance and accumulates rolling statistics
	// of window energy to derive thresholds from.
	Baselining State = iota
	// Tracking is normal operation with thresholds derived from the
	// baseline.
	Tracking
)

func (s State) String() string {
	switch s {
	case Baselining:
		return "baselining"
	case Tracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Degenerate-baseline guards. A stddev below the floor means the sensor has
// stalled (identical frames); a presence threshold driven near or past the
// energy ceiling of a normalized series means persistent interference has
// inflated the baseline until detection is unreachable.
const (
	varianceCollapseStdDev = 1e-6
	thresholdCeiling       = 0.98
)

// Margin floors. A baseline over few windows underestimates the
// window-to-window spread of the band-energy fraction, and short flushed
// windows spread wider than full ones, so the k*stddev margin never drops
// below an absolute gap above the baseline mean.
const (
	minPresenceMargin  = 0.15
	minBreathingMargin = 0.05
)

// Calibration is a point-in-time snapshot of the controller's state. The
// detector and estimator read one snapshot per window and never see a
// partial update.
type Calibration struct {
	BaselineMean       float64
	BaselineVariance   float64
	PresenceThreshold  float64
	BreathingThreshold float64
	LastUpdate         time.Time
	State              State
	// Degraded flags that thresholds fell back to static defaults after a
	// divergent baseline. Cleared by the next clean baseline.
	Degraded bool
	// StableWindows counts the absent windows accumulated into the current
	// baseline.
	StableWindows int
}

// ControllerConfig tunes the calibration state machine.
type ControllerConfig struct {
	// PresenceK and BreathingK are the sensitivity multipliers in
	// threshold = mean + k*stddev.
	PresenceK  float64
	BreathingK float64
	// MinStableWindows is how many consecutive absent windows complete a
	// baseline.
	MinStableWindows int
	// RecalibrateQuietWindows is how many consecutive absent windows in
	// Tracking trigger a fresh baseline.
	RecalibrateQuietWindows int
	// Static fallback thresholds, also the pre-calibration values.
	DefaultPresenceThreshold  float64
	DefaultBreathingThreshold float64
}

// Controller owns the only long-lived mutable state in the pipeline. All
// mutation happens in Observe, called once per window from the pipeline
// goroutine; readers take value snapshots under the lock.
type Controller struct {
	cfg ControllerConfig

	mu  sync.Mutex
	cal Calibration

	// Welford accumulators over absent-window energies.
	count         int
	motionMean    float64
	motionM2      float64
	breathingMean float64
	breathingM2   float64
	quietWindows  int
}

// NewController creates a controller in Baselining with default thresholds.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{cfg: cfg}
	c.cal = Calibration{
		PresenceThreshold:  cfg.DefaultPresenceThreshold,
		BreathingThreshold: cfg.DefaultBreathingThreshold,
		State:              Baselining,
	}
	return c
}

// Snapshot returns the current calibration by value.
func (c *Controller) Snapshot() Calibration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cal
}

// Observe feeds one window's statistics back into the calibration loop.
// motionEnergy and breathingEnergy are the band-energy fractions of the
// window; disturbed reports whether the window crossed the presence
// threshold, confirmed or not. Disturbed windows never feed the baseline.
func (c *Controller) Observe(motionEnergy, breathingEnergy float64, disturbed bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cal.LastUpdate = now

	if disturbed {
		c.quietWindows = 0
		if c.cal.State == Baselining && c.count > 0 {
			// A disturbance mid-baseline invalidates the accumulation:
			// the room is not empty.
			monitoring.Logf("sense: disturbance during baselining after %d windows, restarting baseline", c.count)
			c.resetAccumulators()
		}
		return
	}

	switch c.cal.State {
	case Baselining:
		c.accumulate(motionEnergy, breathingEnergy)
		c.cal.StableWindows = c.count
		if c.count >= c.cfg.MinStableWindows {
			c.completeBaseline(now)
		}
	case Tracking:
		// Keep refreshing the baseline with quiet windows so slow drift
		// (temperature, gain) does not stale the thresholds.
		c.accumulate(motionEnergy, breathingEnergy)
		c.recomputeThresholds(now)
		c.quietWindows++
		if c.quietWindows >= c.cfg.RecalibrateQuietWindows {
			monitoring.Logf("sense: %d quiet windows, recalibrating in empty-room conditions", c.quietWindows)
			c.resetAccumulators()
			c.cal.State = Baselining
			c.cal.StableWindows = 0
		}
	}
}

func (c *Controller) accumulate(motionEnergy, breathingEnergy float64) {
	c.count++
	n := float64(c.count)

	d := motionEnergy - c.motionMean
	c.motionMean += d / n
	c.motionM2 += d * (motionEnergy - c.motionMean)

	d = breathingEnergy - c.breathingMean
	c.breathingMean += d / n
	c.breathingM2 += d * (breathingEnergy - c.breathingMean)
}

func (c *Controller) motionStdDev() float64 {
	if c.count < 2 {
		return 0
	}
	return math.Sqrt(c.motionM2 / float64(c.count-1))
}

func (c *Controller) breathingStdDev() float64 {
	if c.count < 2 {
		return 0
	}
	return math.Sqrt(c.breathingM2 / float64(c.count-1))
}

// flooredThresholds derives thresholds from the live accumulators with the
// margin floors applied.
func (c *Controller) flooredThresholds() (presence, breathing float64) {
	pm := c.cfg.PresenceK * c.motionStdDev()
	if pm < minPresenceMargin {
		pm = minPresenceMargin
	}
	bm := c.cfg.BreathingK * c.breathingStdDev()
	if bm < minBreathingMargin {
		bm = minBreathingMargin
	}
	return c.motionMean + pm, c.breathingMean + bm
}

// completeBaseline derives thresholds from the accumulated statistics and
// enters Tracking, unless the baseline is degenerate.
func (c *Controller) completeBaseline(now time.Time) {
	std := c.motionStdDev()
	presence, breathing := c.flooredThresholds()

	if std < varianceCollapseStdDev {
		monitoring.Logf("sense: baseline variance collapsed (stddev %g), resetting to default thresholds", std)
		c.resetToDefaults(now)
		return
	}
	if presence >= thresholdCeiling {
		monitoring.Logf("sense: baseline exploded (threshold %g), resetting to default thresholds", presence)
		c.resetToDefaults(now)
		return
	}

	c.cal.BaselineMean = c.motionMean
	c.cal.BaselineVariance = std * std
	c.cal.PresenceThreshold = presence
	c.cal.BreathingThreshold = breathing
	c.cal.State = Tracking
	c.cal.Degraded = false
	c.cal.LastUpdate = now
	c.quietWindows = 0
	monitoring.Logf("sense: baseline complete over %d windows: presence threshold %.4f, breathing threshold %.4f",
		c.count, c.cal.PresenceThreshold, c.cal.BreathingThreshold)
}

// recomputeThresholds updates thresholds from the live accumulators while
// Tracking, falling back to defaults if the statistics diverge.
func (c *Controller) recomputeThresholds(now time.Time) {
	if c.count < 2 {
		return
	}
	std := c.motionStdDev()
	presence, breathing := c.flooredThresholds()

	if std < varianceCollapseStdDev || presence >= thresholdCeiling {
		monitoring.Logf("sense: calibration diverged while tracking (stddev %g, threshold %g), resetting", std, presence)
		c.resetToDefaults(now)
		return
	}

	c.cal.BaselineMean = c.motionMean
	c.cal.BaselineVariance = std * std
	c.cal.PresenceThreshold = presence
	c.cal.BreathingThreshold = breathing
}

// resetToDefaults reinstates the static thresholds and flags the
// calibration as degraded until a clean baseline completes.
func (c *Controller) resetToDefaults(now time.Time) {
	c.resetAccumulators()
	c.cal = Calibration{
		PresenceThreshold:  c.cfg.DefaultPresenceThreshold,
		BreathingThreshold: c.cfg.DefaultBreathingThreshold,
		State:              Baselining,
		Degraded:           true,
		LastUpdate:         now,
	}
}

func (c *Controller) resetAccumulators() {
	c.count = 0
	c.motionMean = 0
	c.motionM2 = 0
	c.breathingMean = 0
	c.breathingM2 = 0
	c.cal.StableWindows = 0
}
