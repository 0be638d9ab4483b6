// Package config loads and validates the pipeline tuning configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default tuning values. The static presence/breathing thresholds seed the
// calibration controller before a baseline has been established and are the
// values it falls back to on divergence. Thresholds are band-energy
// fractions of the normalized (unit-variance) window series: broadband
// noise spreads its energy across the whole spectrum while a body-scale
// disturbance concentrates it inside the detection bands, so in-band energy
// near 1.0 means disturbance and the noise floor sits well below.
const (
	DefaultWindowDurationSeconds = 5.0
	DefaultWindowOverlapFraction = 0.25
	DefaultWindowMaxFrames       = 4096
	DefaultPresenceSensitivityK  = 3.0
	DefaultBreathingSensitivityK = 2.0
	DefaultPresenceConfirm       = 2
	DefaultBreathingBandLowHz    = 0.1
	DefaultBreathingBandHighHz   = 0.5
	DefaultMotionBandLowHz       = 0.1
	DefaultMotionBandHighHz      = 5.0
	DefaultFilterOrder           = 4
	DefaultOutlierSigma          = 3.0
	DefaultBaselineMinWindows    = 6
	DefaultRecalibrateQuiet      = 24
	DefaultSampleRateHz          = 20.0
	DefaultMinViableSamples      = 16
	DefaultStallSealMultiple     = 3.0
	DefaultAcquireMaxRetries     = 5
	DefaultAcquireBackoff        = 200 * time.Millisecond
	DefaultPresenceThreshold     = 0.8
	DefaultBreathingThreshold    = 0.2
	DefaultRateAgreementBPM      = 5.0
)

// Tuning is the root configuration for the sensing pipeline. Fields are
// pointers so a partial JSON file only overrides what it names; the Get*
// accessors supply defaults for everything else.
type Tuning struct {
	// Window params
	WindowDurationSeconds *float64 `json:"window_duration_seconds,omitempty"`
	WindowOverlapFraction *float64 `json:"window_overlap_fraction,omitempty"`
	WindowMaxFrames       *int     `json:"window_max_frames,omitempty"`
	StallSealMultiple     *float64 `json:"stall_seal_multiple,omitempty"`
	MinViableSamples      *int     `json:"min_viable_samples,omitempty"`

	// Preprocessing params
	OutlierSigmaThreshold *float64 `json:"outlier_sigma_threshold,omitempty"`

	// Filter bank params
	SampleRateHz        *float64 `json:"sample_rate_hz,omitempty"`
	FilterOrder         *int     `json:"filter_order,omitempty"`
	BreathingBandLowHz  *float64 `json:"breathing_band_low_hz,omitempty"`
	BreathingBandHighHz *float64 `json:"breathing_band_high_hz,omitempty"`
	MotionBandLowHz     *float64 `json:"motion_band_low_hz,omitempty"`
	MotionBandHighHz    *float64 `json:"motion_band_high_hz,omitempty"`

	// Calibration params
	PresenceSensitivityK         *float64 `json:"presence_sensitivity_k,omitempty"`
	BreathingSensitivityK        *float64 `json:"breathing_sensitivity_k,omitempty"`
	PresenceConfirmWindows       *int     `json:"presence_confirm_windows,omitempty"`
	BaselineMinStableWindows     *int     `json:"baseline_min_stable_windows,omitempty"`
	RecalibrateAfterQuietWindows *int     `json:"recalibrate_after_quiet_windows,omitempty"`
	DefaultPresenceThreshold     *float64 `json:"default_presence_threshold,omitempty"`
	DefaultBreathingThreshold    *float64 `json:"default_breathing_threshold,omitempty"`

	// Estimation params
	RateAgreementToleranceBPM *float64 `json:"rate_agreement_tolerance_bpm,omitempty"`

	// Acquisition params
	AcquireMaxRetries *int    `json:"acquire_max_retries,omitempty"`
	AcquireBackoff    *string `json:"acquire_backoff,omitempty"` // duration string like "200ms"
}

// Load reads a Tuning from a JSON file. Fields omitted from the file retain
// their defaults, so partial configs are safe. The result is validated; an
// invalid configuration fails here, before any frame is processed.
func Load(path string) (*Tuning, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Tuning{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getFloat(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func getInt(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

// GetWindowDuration returns the analysis window duration.
func (t *Tuning) GetWindowDuration() time.Duration {
	secs := getFloat(t.WindowDurationSeconds, DefaultWindowDurationSeconds)
	return time.Duration(secs * float64(time.Second))
}

// GetWindowOverlapFraction returns the trailing fraction of frames carried
// into the next window.
func (t *Tuning) GetWindowOverlapFraction() float64 {
	return getFloat(t.WindowOverlapFraction, DefaultWindowOverlapFraction)
}

// GetWindowMaxFrames returns the frame-count cap that seals a window early.
func (t *Tuning) GetWindowMaxFrames() int {
	return getInt(t.WindowMaxFrames, DefaultWindowMaxFrames)
}

// GetStallSealTimeout returns how long past the target duration a window may
// remain open before being force-sealed.
func (t *Tuning) GetStallSealTimeout() time.Duration {
	mult := getFloat(t.StallSealMultiple, DefaultStallSealMultiple)
	return time.Duration(mult * float64(t.GetWindowDuration()))
}

// GetMinViableSamples returns the minimum frame count for a window to be
// meaningfully detrended and filtered.
func (t *Tuning) GetMinViableSamples() int {
	return getInt(t.MinViableSamples, DefaultMinViableSamples)
}

// GetOutlierSigma returns the z-score beyond which a sample is interpolated.
func (t *Tuning) GetOutlierSigma() float64 {
	return getFloat(t.OutlierSigmaThreshold, DefaultOutlierSigma)
}

// GetSampleRate returns the target sample rate in Hz.
func (t *Tuning) GetSampleRate() float64 {
	return getFloat(t.SampleRateHz, DefaultSampleRateHz)
}

// GetFilterOrder returns the Butterworth filter order.
func (t *Tuning) GetFilterOrder() int {
	return getInt(t.FilterOrder, DefaultFilterOrder)
}

// GetBreathingBand returns the breathing passband edges in Hz.
func (t *Tuning) GetBreathingBand() (low, high float64) {
	return getFloat(t.BreathingBandLowHz, DefaultBreathingBandLowHz),
		getFloat(t.BreathingBandHighHz, DefaultBreathingBandHighHz)
}

// GetMotionBand returns the gross-motion passband edges in Hz. The high edge
// is capped below Nyquist so the default works at low sample rates.
func (t *Tuning) GetMotionBand() (low, high float64) {
	low = getFloat(t.MotionBandLowHz, DefaultMotionBandLowHz)
	high = getFloat(t.MotionBandHighHz, DefaultMotionBandHighHz)
	if ceil := 0.45 * t.GetSampleRate(); t.MotionBandHighHz == nil && high > ceil {
		high = ceil
	}
	return low, high
}

// GetPresenceSensitivityK returns the presence threshold margin multiplier.
func (t *Tuning) GetPresenceSensitivityK() float64 {
	return getFloat(t.PresenceSensitivityK, DefaultPresenceSensitivityK)
}

// GetBreathingSensitivityK returns the breathing threshold margin multiplier.
func (t *Tuning) GetBreathingSensitivityK() float64 {
	return getFloat(t.BreathingSensitivityK, DefaultBreathingSensitivityK)
}

// GetPresenceConfirmWindows returns how many consecutive over-threshold
// windows are required before presence is asserted.
func (t *Tuning) GetPresenceConfirmWindows() int {
	return getInt(t.PresenceConfirmWindows, DefaultPresenceConfirm)
}

// GetBaselineMinStableWindows returns how many stable low-energy windows are
// required before leaving the Baselining state.
func (t *Tuning) GetBaselineMinStableWindows() int {
	return getInt(t.BaselineMinStableWindows, DefaultBaselineMinWindows)
}

// GetRecalibrateAfterQuietWindows returns how many consecutive absent
// windows trigger a return to Baselining.
func (t *Tuning) GetRecalibrateAfterQuietWindows() int {
	return getInt(t.RecalibrateAfterQuietWindows, DefaultRecalibrateQuiet)
}

// GetDefaultPresenceThreshold returns the static presence threshold used
// before and after calibration resets.
func (t *Tuning) GetDefaultPresenceThreshold() float64 {
	return getFloat(t.DefaultPresenceThreshold, DefaultPresenceThreshold)
}

// GetDefaultBreathingThreshold returns the static breathing-validity
// threshold used before and after calibration resets.
func (t *Tuning) GetDefaultBreathingThreshold() float64 {
	return getFloat(t.DefaultBreathingThreshold, DefaultBreathingThreshold)
}

// GetRateAgreementToleranceBPM returns how far the time-domain and spectral
// breathing estimates may disagree before the rate falls back to the
// spectrum alone.
func (t *Tuning) GetRateAgreementToleranceBPM() float64 {
	return getFloat(t.RateAgreementToleranceBPM, DefaultRateAgreementBPM)
}

// GetAcquireMaxRetries returns the acquisition retry limit.
func (t *Tuning) GetAcquireMaxRetries() int {
	return getInt(t.AcquireMaxRetries, DefaultAcquireMaxRetries)
}

// GetAcquireBackoff returns the base acquisition retry backoff.
func (t *Tuning) GetAcquireBackoff() time.Duration {
	if t.AcquireBackoff == nil {
		return DefaultAcquireBackoff
	}
	d, err := time.ParseDuration(*t.AcquireBackoff)
	if err != nil {
		return DefaultAcquireBackoff
	}
	return d
}

// Validate checks the configuration for values that would make the pipeline
// unsound. It reports the first offending field by name.
func (t *Tuning) Validate() error {
	if d := t.GetWindowDuration(); d <= 0 {
		return fmt.Errorf("window_duration_seconds must be positive, got %v", d)
	}
	if f := t.GetWindowOverlapFraction(); f < 0 || f >= 1 {
		return fmt.Errorf("window_overlap_fraction must be in [0, 1), got %v", f)
	}
	if n := t.GetWindowMaxFrames(); n <= 0 {
		return fmt.Errorf("window_max_frames must be positive, got %d", n)
	}
	if m := getFloat(t.StallSealMultiple, DefaultStallSealMultiple); m <= 1 {
		return fmt.Errorf("stall_seal_multiple must be greater than 1, got %v", m)
	}
	if n := t.GetMinViableSamples(); n < 4 {
		return fmt.Errorf("min_viable_samples must be at least 4, got %d", n)
	}
	if s := t.GetOutlierSigma(); s <= 0 {
		return fmt.Errorf("outlier_sigma_threshold must be positive, got %v", s)
	}
	fs := t.GetSampleRate()
	if fs <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive, got %v", fs)
	}
	if o := t.GetFilterOrder(); o < 1 || o > 8 {
		return fmt.Errorf("filter_order must be in [1, 8], got %d", o)
	}
	if low, high := t.GetBreathingBand(); low >= high || low <= 0 || high >= fs/2 {
		return fmt.Errorf("breathing_band (%v, %v) invalid for sample rate %v Hz", low, high, fs)
	}
	if low, high := t.GetMotionBand(); low >= high || low <= 0 || high >= fs/2 {
		return fmt.Errorf("motion_band (%v, %v) invalid for sample rate %v Hz", low, high, fs)
	}
	if k := t.GetPresenceSensitivityK(); k <= 0 {
		return fmt.Errorf("presence_sensitivity_k must be positive, got %v", k)
	}
	if k := t.GetBreathingSensitivityK(); k <= 0 {
		return fmt.Errorf("breathing_sensitivity_k must be positive, got %v", k)
	}
	if n := t.GetPresenceConfirmWindows(); n < 1 {
		return fmt.Errorf("presence_confirm_windows must be at least 1, got %d", n)
	}
	if n := t.GetBaselineMinStableWindows(); n < 1 {
		return fmt.Errorf("baseline_min_stable_windows must be at least 1, got %d", n)
	}
	if n := t.GetRecalibrateAfterQuietWindows(); n < 1 {
		return fmt.Errorf("recalibrate_after_quiet_windows must be at least 1, got %d", n)
	}
	if v := t.GetDefaultPresenceThreshold(); v <= 0 {
		return fmt.Errorf("default_presence_threshold must be positive, got %v", v)
	}
	if v := t.GetDefaultBreathingThreshold(); v <= 0 {
		return fmt.Errorf("default_breathing_threshold must be positive, got %v", v)
	}
	if v := t.GetRateAgreementToleranceBPM(); v <= 0 {
		return fmt.Errorf("rate_agreement_tolerance_bpm must be positive, got %v", v)
	}
	if n := t.GetAcquireMaxRetries(); n < 0 {
		return fmt.Errorf("acquire_max_retries must be non-negative, got %d", n)
	}
	if t.AcquireBackoff != nil {
		if _, err := time.ParseDuration(*t.AcquireBackoff); err != nil {
			return fmt.Errorf("acquire_backoff: %w", err)
		}
	}
	return nil
}
