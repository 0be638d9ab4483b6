package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultsWhenEmpty(t *testing.T) {
	cfg := &Tuning{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.GetWindowDuration())
	assert.Equal(t, 0.25, cfg.GetWindowOverlapFraction())
	assert.Equal(t, 20.0, cfg.GetSampleRate())
	assert.Equal(t, 4, cfg.GetFilterOrder())

	low, high := cfg.GetBreathingBand()
	assert.Equal(t, 0.1, low)
	assert.Equal(t, 0.5, high)

	mlow, mhigh := cfg.GetMotionBand()
	assert.Equal(t, 0.1, mlow)
	assert.InDelta(t, 5.0, mhigh, 1e-12)

	assert.Equal(t, 2, cfg.GetPresenceConfirmWindows())
	assert.Equal(t, 15*time.Second, cfg.GetStallSealTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.GetAcquireBackoff())
}

func TestMotionBandCappedAtLowSampleRate(t *testing.T) {
	fs := 10.0
	cfg := &Tuning{SampleRateHz: &fs}
	require.NoError(t, cfg.Validate())

	_, high := cfg.GetMotionBand()
	assert.InDelta(t, 4.5, high, 1e-12)
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{"window_duration_seconds": 10, "presence_sensitivity_k": 2.5}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.GetWindowDuration())
	assert.Equal(t, 2.5, cfg.GetPresenceSensitivityK())
	// Untouched fields keep defaults.
	assert.Equal(t, 0.25, cfg.GetWindowOverlapFraction())
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	_, err := Load("tuning.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json")
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"window_duration_seconds": `)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	n := func(v int) *int { return &v }
	s := func(v string) *string { return &v }

	cases := []struct {
		name string
		cfg  Tuning
		want string
	}{
		{"negative duration", Tuning{WindowDurationSeconds: f(-1)}, "window_duration_seconds"},
		{"zero duration", Tuning{WindowDurationSeconds: f(0)}, "window_duration_seconds"},
		{"overlap at one", Tuning{WindowOverlapFraction: f(1.0)}, "window_overlap_fraction"},
		{"negative overlap", Tuning{WindowOverlapFraction: f(-0.1)}, "window_overlap_fraction"},
		{"inverted breathing band", Tuning{BreathingBandLowHz: f(0.5), BreathingBandHighHz: f(0.1)}, "breathing_band"},
		{"breathing band above nyquist", Tuning{SampleRateHz: f(0.6)}, "breathing_band"},
		{"motion band above nyquist", Tuning{MotionBandHighHz: f(50)}, "motion_band"},
		{"zero sensitivity", Tuning{PresenceSensitivityK: f(0)}, "presence_sensitivity_k"},
		{"zero confirm windows", Tuning{PresenceConfirmWindows: n(0)}, "presence_confirm_windows"},
		{"zero sample rate", Tuning{SampleRateHz: f(0)}, "sample_rate_hz"},
		{"excessive filter order", Tuning{FilterOrder: n(12)}, "filter_order"},
		{"zero baseline windows", Tuning{BaselineMinStableWindows: n(0)}, "baseline_min_stable_windows"},
		{"stall multiple too small", Tuning{StallSealMultiple: f(1.0)}, "stall_seal_multiple"},
		{"bad backoff string", Tuning{AcquireBackoff: s("fast")}, "acquire_backoff"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}
