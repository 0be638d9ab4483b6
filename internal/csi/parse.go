package csi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseLine parses one CSV-encoded CSI frame line of the form
//
//	ts_micros,stream,rssi,a0,a1,...,aN
//
// This is the transport-neutral encoding emitted by the serial firmware and
// carried in UDP datagrams for pcap replay. It deliberately carries no
// vendor binary structure.
func ParseLine(line string) (Frame, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 4 {
		return Frame{}, fmt.Errorf("frame line has %d fields, need at least 4", len(fields))
	}

	tsMicros, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to parse timestamp %q: %w", fields[0], err)
	}
	stream, err := strconv.Atoi(fields[1])
	if err != nil {
		return Frame{}, fmt.Errorf("failed to parse stream %q: %w", fields[1], err)
	}
	rssi, err := strconv.Atoi(fields[2])
	if err != nil {
		return Frame{}, fmt.Errorf("failed to parse rssi %q: %w", fields[2], err)
	}

	amp := make([]float64, 0, len(fields)-3)
	for _, field := range fields[3:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to parse amplitude %q: %w", field, err)
		}
		amp = append(amp, v)
	}

	f := Frame{
		Timestamp: time.UnixMicro(tsMicros).UTC(),
		Amplitude: amp,
		Stream:    stream,
		RSSI:      rssi,
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// FormatLine renders a frame in the CSV line encoding ParseLine accepts.
// Used by the capture tools and tests.
func FormatLine(f Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d,%d,%d", f.Timestamp.UnixMicro(), f.Stream, f.RSSI)
	for _, a := range f.Amplitude {
		fmt.Fprintf(&b, ",%g", a)
	}
	return b.String()
}
