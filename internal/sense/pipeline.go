package sense

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/csi"
	"github.com/banshee-data/presence.report/internal/dsp"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/window"
)

// Event is one window's worth of pipeline output: always a presence
// verdict, plus a breathing estimate when the window supported one. Events
// are delivered in window order, exactly once.
type Event struct {
	Presence  PresenceEvent
	Breathing *BreathingEstimate
}

// Stats are the pipeline's lifetime counters.
type Stats struct {
	FramesRead         int64 `json:"frames_read"`
	FramesDropped      int64 `json:"frames_dropped"`
	WindowsProcessed   int64 `json:"windows_processed"`
	WindowsForceSealed int64 `json:"windows_force_sealed"`
	WindowsBelowViable int64 `json:"windows_below_viable"`
	BreathingEstimates int64 `json:"breathing_estimates"`
}

// PipelineConfig wires a Pipeline together. Source and Tuning are required.
type PipelineConfig struct {
	Source csi.Source
	Tuning *config.Tuning
	// EventBuffer is the event channel capacity. A slow consumer
	// backpressures the pipeline rather than losing events.
	EventBuffer int
	// Clock drives stall detection and retry backoff. Nil uses the real
	// clock.
	Clock timeutil.Clock
}

// Pipeline runs the full sensing chain on a single goroutine: acquire
// frames, build windows, preprocess, filter, detect, estimate, and feed
// the calibration loop. Windows never interleave, so event order follows
// window order by construction.
type Pipeline struct {
	cfg        PipelineConfig
	tuning     *config.Tuning
	clock      timeutil.Clock
	source     csi.Source
	bank       *dsp.FilterBank
	detector   Detector
	estimator  Estimator
	controller *Controller
	events     chan Event

	mu    sync.Mutex
	stats Stats
}

// NewPipeline validates the tuning and assembles the stages. The source is
// wrapped with retry-and-backoff acquisition.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("sense: pipeline requires a source")
	}
	if cfg.Tuning == nil {
		cfg.Tuning = &config.Tuning{}
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("sense: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}

	t := cfg.Tuning
	mlow, mhigh := t.GetMotionBand()
	blow, bhigh := t.GetBreathingBand()
	bank, err := dsp.NewFilterBank(t.GetSampleRate(), t.GetFilterOrder(),
		dsp.Band{LowHz: mlow, HighHz: mhigh},
		dsp.Band{LowHz: blow, HighHz: bhigh})
	if err != nil {
		return nil, fmt.Errorf("sense: %w", err)
	}

	return &Pipeline{
		cfg:    cfg,
		tuning: t,
		clock:  cfg.Clock,
		source: csi.NewRetryingSource(cfg.Source, t.GetAcquireMaxRetries(), t.GetAcquireBackoff(), cfg.Clock),
		bank:   bank,
		detector: Detector{
			MinViableSamples: t.GetMinViableSamples(),
			ConfirmWindows:   t.GetPresenceConfirmWindows(),
		},
		estimator: Estimator{
			SampleRateHz:          t.GetSampleRate(),
			Band:                  dsp.Band{LowHz: blow, HighHz: bhigh},
			AgreementToleranceBPM: t.GetRateAgreementToleranceBPM(),
		},
		controller: NewController(ControllerConfig{
			PresenceK:                 t.GetPresenceSensitivityK(),
			BreathingK:                t.GetBreathingSensitivityK(),
			MinStableWindows:          t.GetBaselineMinStableWindows(),
			RecalibrateQuietWindows:   t.GetRecalibrateAfterQuietWindows(),
			DefaultPresenceThreshold:  t.GetDefaultPresenceThreshold(),
			DefaultBreathingThreshold: t.GetDefaultBreathingThreshold(),
		}),
		events: make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events is the ordered output stream. It is closed when Run returns.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Calibration returns the current calibration snapshot.
func (p *Pipeline) Calibration() Calibration { return p.controller.Snapshot() }

// Snapshot returns the lifetime counters.
func (p *Pipeline) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run drives the pipeline until the source is exhausted, the context is
// cancelled, or acquisition fails past its retry budget. A finite source
// flushes its trailing partial window; cancellation lets the in-flight
// window finish and discards the partial one. The event channel is closed
// on return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.events)
	defer p.source.Close()

	builder := window.NewBuilder(window.Config{
		Duration:        p.tuning.GetWindowDuration(),
		OverlapFraction: p.tuning.GetWindowOverlapFraction(),
		MaxFrames:       p.tuning.GetWindowMaxFrames(),
		StallTimeout:    p.tuning.GetStallSealTimeout(),
		TargetRate:      p.tuning.GetSampleRate(),
		Clock:           p.clock,
		OnSeal: func(w *window.Window) {
			p.process(ctx, w)
		},
	})
	defer builder.Close()

	for {
		frame, err := p.source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, csi.ErrExhausted):
			builder.Flush()
			monitoring.Logf("sense: source exhausted, pipeline stopping")
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("sense: %w", err)
		}

		p.mu.Lock()
		p.stats.FramesRead++
		p.mu.Unlock()

		if err := builder.Add(frame); err != nil {
			p.mu.Lock()
			p.stats.FramesDropped++
			p.mu.Unlock()
		}
	}
}

// process runs the per-window analysis chain and emits the result. Called
// once per sealed window, in order, from under the builder's lock.
func (p *Pipeline) process(ctx context.Context, w *window.Window) {
	meta := WindowMeta{
		Seq:         w.Seq,
		Timestamp:   w.End,
		SampleCount: len(w.Frames),
		ForceSealed: w.ForceSealed,
	}
	cal := p.controller.Snapshot()

	p.mu.Lock()
	p.stats.WindowsProcessed++
	if w.ForceSealed {
		p.stats.WindowsForceSealed++
	}
	p.mu.Unlock()

	sig, err := dsp.Preprocess(w.Frames, p.tuning.GetOutlierSigma())
	if err != nil || meta.SampleCount < p.detector.MinViableSamples {
		// Too short to support a decision: report absent with zero
		// confidence and leave the calibration untouched.
		p.mu.Lock()
		p.stats.WindowsBelowViable++
		p.mu.Unlock()
		p.emit(ctx, Event{Presence: PresenceEvent{
			Seq:       meta.Seq,
			Timestamp: meta.Timestamp,
			Threshold: cal.PresenceThreshold,
			Degraded:  cal.Degraded,
		}})
		return
	}

	motion := p.bank.Motion(sig.Samples)
	breathing := p.bank.Breathing(sig.Samples)

	presence := p.detector.Detect(motion, cal, meta)

	var estimate *BreathingEstimate
	if presence.Present {
		if est, ok := p.estimator.Estimate(breathing, cal, meta); ok {
			estimate = &est
			p.mu.Lock()
			p.stats.BreathingEstimates++
			p.mu.Unlock()
		}
	}

	// Force-sealed windows have gap-distorted statistics; keep them out
	// of the baseline. An over-threshold window counts as disturbed even
	// before the detector confirms it, or its energy would poison the
	// baseline accumulators.
	if !meta.ForceSealed {
		disturbed := presence.Energy > presence.Threshold
		p.controller.Observe(presence.Energy, stat.Variance(breathing, nil), disturbed, w.End)
	}

	p.emit(ctx, Event{Presence: presence, Breathing: estimate})
}

func (p *Pipeline) emit(ctx context.Context, e Event) {
	select {
	case p.events <- e:
	case <-ctx.Done():
	}
}
