// Package csi defines the channel state information frame shape and the
// source adapters that supply frames to the sensing pipeline.
//
// A frame carries the per-subcarrier amplitude (and optionally phase) of one
// CSI measurement. The pipeline never depends on a vendor binary layout;
// sources parse whatever transport they sit on into this shape.
package csi

import (
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by finite sources (capture replay, pcap files)
// when every frame has been delivered. It marks normal termination, not a
// failure.
var ErrExhausted = errors.New("csi: source exhausted")

// Frame is a single CSI measurement. Immutable once created: sources hand
// ownership to the window builder and never retain or mutate a frame.
type Frame struct {
	// Timestamp is the capture time of the measurement. Must be strictly
	// increasing within a stream.
	Timestamp time.Time

	// Amplitude holds per-subcarrier amplitude values.
	Amplitude []float64

	// Phase holds per-subcarrier phase values in radians. May be nil when
	// the source reports amplitude only.
	Phase []float64

	// Stream identifies the antenna/spatial stream the measurement came from.
	Stream int

	// RSSI is the received signal strength indicator reported alongside the
	// CSI, in dBm. Zero when the source does not report one.
	RSSI int
}

// Validate reports whether the frame is usable by the pipeline.
func (f Frame) Validate() error {
	if f.Timestamp.IsZero() {
		return errors.New("frame has zero timestamp")
	}
	if len(f.Amplitude) == 0 {
		return errors.New("frame has no subcarrier amplitudes")
	}
	if f.Phase != nil && len(f.Phase) != len(f.Amplitude) {
		return fmt.Errorf("phase length %d does not match amplitude length %d",
			len(f.Phase), len(f.Amplitude))
	}
	return nil
}

// MeanAmplitude returns the average amplitude across subcarriers. This is
// the common-mode value the preprocessor builds its scalar series from.
func (f Frame) MeanAmplitude() float64 {
	if len(f.Amplitude) == 0 {
		return 0
	}
	var sum float64
	for _, a := range f.Amplitude {
		sum += a
	}
	return sum / float64(len(f.Amplitude))
}
