package units

import "testing"

func TestHzToBPM(t *testing.T) {
	if got := HzToBPM(0.25); got != 15.0 {
		t.Errorf("HzToBPM(0.25) = %v, want 15", got)
	}
	if got := BPMToHz(12); got != 0.2 {
		t.Errorf("BPMToHz(12) = %v, want 0.2", got)
	}
}

func TestPlausibleBPM(t *testing.T) {
	cases := []struct {
		bpm  float64
		want bool
	}{
		{3.9, false},
		{4.0, true},
		{15.0, true},
		{40.0, true},
		{40.1, false},
		{0, false},
	}
	for _, c := range cases {
		if got := PlausibleBPM(c.bpm); got != c.want {
			t.Errorf("PlausibleBPM(%v) = %v, want %v", c.bpm, got, c.want)
		}
	}
}

func TestValidBand(t *testing.T) {
	cases := []struct {
		name            string
		low, high, rate float64
		want            bool
	}{
		{"breathing band at 20Hz", 0.1, 0.5, 20, true},
		{"inverted edges", 0.5, 0.1, 20, false},
		{"equal edges", 0.3, 0.3, 20, false},
		{"zero low edge", 0, 0.5, 20, false},
		{"above nyquist", 0.5, 11, 20, false},
		{"at nyquist", 0.5, 10, 20, false},
		{"zero sample rate", 0.1, 0.5, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ValidBand(c.low, c.high, c.rate); got != c.want {
				t.Errorf("ValidBand(%v, %v, %v) = %v, want %v", c.low, c.high, c.rate, got, c.want)
			}
		})
	}
}
