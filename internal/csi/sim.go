package csi

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/timeutil"
)

// SimComponent is a sinusoidal disturbance injected into every subcarrier of
// a simulated stream, e.g. a 0.25 Hz breathing motion.
type SimComponent struct {
	FreqHz    float64
	Amplitude float64
	// StartAfter delays the onset of the component from the start of the
	// stream. Zero means present from the first frame.
	StartAfter time.Duration
}

// SimConfig configures a synthetic CSI generator.
type SimConfig struct {
	SampleRateHz float64        // frames per second; required
	Subcarriers  int            // subcarriers per frame (default 30)
	BaseLevel    float64        // mean amplitude of the flat channel (default 1.0)
	NoiseSigma   float64        // gaussian noise stddev per subcarrier
	Components   []SimComponent // injected sinusoids
	MaxFrames    int            // frames before ErrExhausted; 0 means unbounded
	Seed         int64          // rand seed; the generator is deterministic per seed
	Start        time.Time      // timestamp of the first frame; zero means clock.Now()
	Paced        bool           // when true, Next sleeps 1/SampleRateHz between frames
}

// SimSource generates a deterministic synthetic CSI stream. It drives the
// simulated run mode and every synthetic pipeline test.
type SimSource struct {
	cfg   SimConfig
	clock timeutil.Clock

	mu      sync.Mutex
	rng     *rand.Rand
	emitted int
	next    time.Time
}

// NewSimSource creates a synthetic generator. A nil clock uses the real
// clock; tests pass a MockClock so pacing costs nothing.
func NewSimSource(cfg SimConfig, clock timeutil.Clock) *SimSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Subcarriers == 0 {
		cfg.Subcarriers = 30
	}
	if cfg.BaseLevel == 0 {
		cfg.BaseLevel = 1.0
	}
	start := cfg.Start
	if start.IsZero() {
		start = clock.Now()
	}
	return &SimSource{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		next:  start,
	}
}

// Next produces the next synthetic frame.
func (s *SimSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxFrames > 0 && s.emitted >= s.cfg.MaxFrames {
		return Frame{}, ErrExhausted
	}

	elapsed := float64(s.emitted) / s.cfg.SampleRateHz

	// Common-mode disturbance applied across all subcarriers, the way a
	// body-scale motion perturbs the whole channel.
	var disturbance float64
	for _, c := range s.cfg.Components {
		if elapsed < c.StartAfter.Seconds() {
			continue
		}
		disturbance += c.Amplitude * math.Sin(2*math.Pi*c.FreqHz*elapsed)
	}

	amp := make([]float64, s.cfg.Subcarriers)
	phase := make([]float64, s.cfg.Subcarriers)
	for i := range amp {
		amp[i] = s.cfg.BaseLevel + disturbance + s.rng.NormFloat64()*s.cfg.NoiseSigma
		phase[i] = s.rng.Float64() * 2 * math.Pi
	}

	f := Frame{
		Timestamp: s.next,
		Amplitude: amp,
		Phase:     phase,
		Stream:    0,
		RSSI:      -40,
	}

	interval := time.Duration(float64(time.Second) / s.cfg.SampleRateHz)
	s.next = s.next.Add(interval)
	s.emitted++

	if s.cfg.Paced {
		s.clock.Sleep(interval)
	}
	return f, nil
}

// Close is a no-op for the simulator.
func (s *SimSource) Close() error { return nil }
