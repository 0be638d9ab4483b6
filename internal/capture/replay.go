package capture

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/presence.report/internal/csi"
)

// ReplaySource streams a recorded session's frames back through the
// pipeline in timestamp order. It satisfies csi.Source, so a replay run is
// indistinguishable from a live one downstream.
type ReplaySource struct {
	rows *sql.Rows
}

// NewReplaySource opens a frame cursor over the given session. The session
// must exist; an empty session yields immediate exhaustion.
func (s *Store) NewReplaySource(sessionID string) (*ReplaySource, error) {
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.Query(
		`SELECT ts_micros, stream, rssi, amplitudes FROM frames WHERE session_id = ? ORDER BY ts_micros, frame_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("capture: replay: %w", err)
	}
	return &ReplaySource{rows: rows}, nil
}

// Next returns the next recorded frame, or csi.ErrExhausted at the end of
// the session.
func (r *ReplaySource) Next(ctx context.Context) (csi.Frame, error) {
	if err := ctx.Err(); err != nil {
		return csi.Frame{}, err
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return csi.Frame{}, fmt.Errorf("capture: replay: %w", err)
		}
		return csi.Frame{}, csi.ErrExhausted
	}

	var ts int64
	var stream, rssi int
	var blob []byte
	if err := r.rows.Scan(&ts, &stream, &rssi, &blob); err != nil {
		return csi.Frame{}, fmt.Errorf("capture: replay: %w", err)
	}
	return csi.Frame{
		Timestamp: time.UnixMicro(ts).UTC(),
		Amplitude: decodeFloats(blob),
		Stream:    stream,
		RSSI:      rssi,
	}, nil
}

// Close releases the cursor.
func (r *ReplaySource) Close() error {
	return r.rows.Close()
}
