package csi

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// SerialSource reads CSV-encoded CSI frame lines from a serial port, the
// shape an ESP32-class capture firmware streams them in. Lines that fail to
// parse are counted and skipped; a serial read error surfaces to the caller
// (and is retried by the RetryingSource wrapper).
type SerialSource struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner

	// ParseErrors counts malformed lines skipped so far.
	ParseErrors int
}

// OpenSerialSource opens the named serial port at the given baud rate.
func OpenSerialSource(portName string, baud int) (*SerialSource, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return NewSerialSource(port), nil
}

// NewSerialSource wraps an already-open line stream. Split out from
// OpenSerialSource so tests can supply an in-memory reader.
func NewSerialSource(rc io.ReadCloser) *SerialSource {
	s := &SerialSource{rc: rc}
	s.scanner = bufio.NewScanner(rc)
	// CSI lines for wide channels can exceed the default scanner buffer.
	s.scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	return s
}

// Next reads lines until one parses as a frame.
func (s *SerialSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, fmt.Errorf("serial read failed: %w", err)
			}
			return Frame{}, fmt.Errorf("serial stream ended: %w", ErrExhausted)
		}

		line := s.scanner.Text()
		if line == "" {
			continue
		}
		f, err := ParseLine(line)
		if err != nil {
			// Malformed line: a data-quality condition, never fatal.
			s.ParseErrors++
			monitoring.Logf("csi: skipping malformed serial line: %v", err)
			continue
		}
		return f, nil
	}
}

// Close closes the underlying stream.
func (s *SerialSource) Close() error {
	if s.rc == nil {
		return nil
	}
	return s.rc.Close()
}
