package csi

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainSim(t *testing.T, s *SimSource, n int) []Frame {
	t.Helper()
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := s.Next(context.Background())
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func TestSimSourceDeterministicPerSeed(t *testing.T) {
	cfg := SimConfig{
		SampleRateHz: 20,
		Subcarriers:  8,
		NoiseSigma:   0.02,
		Seed:         7,
		Start:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		MaxFrames:    50,
	}

	a := drainSim(t, NewSimSource(cfg, nil), 50)
	b := drainSim(t, NewSimSource(cfg, nil), 50)
	assert.Equal(t, a, b)
}

func TestSimSourceTimestampsMonotonic(t *testing.T) {
	cfg := SimConfig{
		SampleRateHz: 20,
		Seed:         1,
		Start:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	frames := drainSim(t, NewSimSource(cfg, nil), 10)

	for i := 1; i < len(frames); i++ {
		assert.True(t, frames[i].Timestamp.After(frames[i-1].Timestamp),
			"frame %d timestamp not increasing", i)
	}
	// 20 Hz means 50ms spacing.
	assert.Equal(t, 50*time.Millisecond, frames[1].Timestamp.Sub(frames[0].Timestamp))
}

func TestSimSourceExhaustion(t *testing.T) {
	cfg := SimConfig{SampleRateHz: 20, Seed: 1, MaxFrames: 3, Start: time.Now()}
	s := NewSimSource(cfg, nil)

	drainSim(t, s, 3)
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSimSourceComponentInjection(t *testing.T) {
	// A strong 0.25 Hz sinusoid with no noise: the per-frame mean amplitude
	// must trace the sinusoid around the base level.
	cfg := SimConfig{
		SampleRateHz: 20,
		Subcarriers:  4,
		BaseLevel:    1.0,
		Seed:         1,
		Start:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Components:   []SimComponent{{FreqHz: 0.25, Amplitude: 0.5}},
	}
	s := NewSimSource(cfg, nil)
	frames := drainSim(t, s, 80) // 4 seconds = one full period

	// At t=1s (frame 20) the 0.25 Hz sine is at its peak.
	peak := frames[20].MeanAmplitude()
	assert.InDelta(t, 1.5, peak, 1e-9)
	// At t=0 the sine is zero.
	assert.InDelta(t, 1.0, frames[0].MeanAmplitude(), 1e-9)
}

func TestSimSourceContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSimSource(SimConfig{SampleRateHz: 20, Start: time.Now()}, nil)
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type flakySource struct {
	failures int
	calls    int
	frame    Frame
}

func (f *flakySource) Next(ctx context.Context) (Frame, error) {
	f.calls++
	if f.calls <= f.failures {
		return Frame{}, errors.New("transient read failure")
	}
	return f.frame, nil
}

func (f *flakySource) Close() error { return nil }

func TestRetryingSourceRecovers(t *testing.T) {
	want := Frame{Timestamp: time.Now(), Amplitude: []float64{1}}
	src := &flakySource{failures: 2, frame: want}
	rs := NewRetryingSource(src, 3, time.Millisecond, nil)

	got, err := rs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, src.calls)
}

func TestRetryingSourceExhaustsRetries(t *testing.T) {
	src := &flakySource{failures: math.MaxInt}
	rs := NewRetryingSource(src, 2, time.Millisecond, nil)

	_, err := rs.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, src.calls) // initial attempt + 2 retries
}

func TestRetryingSourcePassesThroughExhaustion(t *testing.T) {
	sim := NewSimSource(SimConfig{SampleRateHz: 20, MaxFrames: 1, Seed: 1, Start: time.Now()}, nil)
	rs := NewRetryingSource(sim, 5, time.Millisecond, nil)

	_, err := rs.Next(context.Background())
	require.NoError(t, err)
	_, err = rs.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}
