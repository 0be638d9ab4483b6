package sense

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// WindowMeta carries the window identity the detector and estimator stamp
// onto their events.
type WindowMeta struct {
	Seq         int64
	Timestamp   time.Time
	SampleCount int
	ForceSealed bool
}

// PresenceEvent is the per-window detection verdict.
type PresenceEvent struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Present    bool      `json:"present"`
	Confidence float64   `json:"confidence"`
	// Energy is the motion-band energy fraction the decision was made on.
	Energy    float64 `json:"energy"`
	Threshold float64 `json:"threshold"`
	Degraded  bool    `json:"degraded,omitempty"`
}

// Confidence penalties. A force-sealed window has a gap-distorted spectrum
// and a degraded calibration runs on static thresholds, so both halve the
// confidence of whatever decision comes out.
const (
	degradedConfidencePenalty    = 0.5
	forceSealedConfidencePenalty = 0.5
)

// Detector decides presence for one window from its motion-band energy.
// Threshold adaptation lives in the Controller; the detector keeps only a
// confirmation streak, so a single-window excursion of the energy fraction
// cannot assert presence on its own. The pipeline calls it from its one
// processing goroutine; it is not safe for concurrent use.
type Detector struct {
	// MinViableSamples is the floor below which a window cannot support a
	// decision and is reported as absent with zero confidence.
	MinViableSamples int
	// ConfirmWindows is how many consecutive over-threshold windows are
	// required before presence is asserted. Values below 2 assert on the
	// first.
	ConfirmWindows int

	streak int
}

// Detect scores the motion-band filtered series of a normalized window
// against the calibration snapshot.
func (d *Detector) Detect(motion []float64, cal Calibration, meta WindowMeta) PresenceEvent {
	ev := PresenceEvent{
		Seq:       meta.Seq,
		Timestamp: meta.Timestamp,
		Threshold: cal.PresenceThreshold,
		Degraded:  cal.Degraded,
	}
	if meta.SampleCount < d.MinViableSamples || len(motion) < d.MinViableSamples {
		return ev
	}

	// The window series is unit-variance, so the variance of the
	// band-filtered series is the fraction of energy inside the band.
	ev.Energy = stat.Variance(motion, nil)
	over := ev.Energy > cal.PresenceThreshold
	if over {
		d.streak++
	} else {
		d.streak = 0
	}
	need := d.ConfirmWindows
	if need < 1 {
		need = 1
	}
	ev.Present = d.streak >= need

	// Half the observed-to-threshold ratio, saturating at twice the
	// threshold: a window right at threshold scores 0.5. An over-threshold
	// window still awaiting confirmation stays pinned at 0.5.
	if cal.PresenceThreshold > 0 {
		r := ev.Energy / cal.PresenceThreshold / 2
		if r > 1 {
			r = 1
		}
		if over && !ev.Present {
			r = 0.5
		}
		ev.Confidence = r
	}
	if cal.Degraded {
		ev.Confidence *= degradedConfidencePenalty
	}
	if meta.ForceSealed {
		ev.Confidence *= forceSealedConfidencePenalty
	}
	return ev
}
