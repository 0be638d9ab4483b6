// Package capture persists CSI sessions to sqlite: raw frames for later
// replay, and the presence/breathing events the pipeline derived from
// them.
package capture

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/presence.report/internal/csi"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sense"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("capture: session not found")

// Session is one recorded capture run.
type Session struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	Source       string     `json:"source"`
	SampleRateHz float64    `json:"sample_rate_hz"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Store wraps the sqlite handle. The schema is managed by embedded
// migrations, applied on open.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the capture database at path and brings
// its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	// WAL lets the replay cursor read while recording writes; the busy
	// timeout rides out short write contention instead of failing.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("capture: pragmas: %w", err)
	}

	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("capture: load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("capture: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("capture: migrate instance: %w", err)
	}
	// Closing m would close the underlying DB connection, so we don't.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("capture: migration failed: %w", err)
	}
	return nil
}

// CreateSession registers a new capture session and returns it with a
// fresh id.
func (s *Store) CreateSession(label, source string, sampleRateHz float64, startedAt time.Time) (Session, error) {
	sess := Session{
		ID:           uuid.NewString(),
		Label:        label,
		Source:       source,
		SampleRateHz: sampleRateHz,
		StartedAt:    startedAt.UTC(),
	}
	_, err := s.Exec(
		`INSERT INTO sessions (session_id, label, source, sample_rate_hz, started_micros) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Label, sess.Source, sess.SampleRateHz, sess.StartedAt.UnixMicro(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("capture: create session: %w", err)
	}
	monitoring.Logf("capture: session %s started (%s)", sess.ID, sess.Source)
	return sess, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(id string, endedAt time.Time) error {
	res, err := s.Exec(`UPDATE sessions SET ended_micros = ? WHERE session_id = ?`, endedAt.UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("capture: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.QueryRow(
		`SELECT session_id, label, source, sample_rate_hz, started_micros, ended_micros FROM sessions WHERE session_id = ?`, id)
	var sess Session
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.Label, &sess.Source, &sess.SampleRateHz, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("capture: get session: %w", err)
	}
	sess.StartedAt = time.UnixMicro(started).UTC()
	if ended.Valid {
		t := time.UnixMicro(ended.Int64).UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.Query(
		`SELECT session_id, label, source, sample_rate_hz, started_micros, ended_micros FROM sessions ORDER BY started_micros DESC`)
	if err != nil {
		return nil, fmt.Errorf("capture: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Label, &sess.Source, &sess.SampleRateHz, &started, &ended); err != nil {
			return nil, fmt.Errorf("capture: list sessions: %w", err)
		}
		sess.StartedAt = time.UnixMicro(started).UTC()
		if ended.Valid {
			t := time.UnixMicro(ended.Int64).UTC()
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendFrames stores a batch of frames for a session in one transaction.
// Subcarrier amplitudes round-trip bit-exact through the blob encoding.
func (s *Store) AppendFrames(sessionID string, frames []csi.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("capture: append frames: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO frames (session_id, ts_micros, stream, rssi, amplitudes) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("capture: append frames: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		if _, err := stmt.Exec(sessionID, f.Timestamp.UnixMicro(), f.Stream, f.RSSI, encodeFloats(f.Amplitude)); err != nil {
			tx.Rollback()
			return fmt.Errorf("capture: append frames: %w", err)
		}
	}
	return tx.Commit()
}

// FrameCount returns the number of frames stored for a session.
func (s *Store) FrameCount(sessionID string) (int64, error) {
	var n int64
	err := s.QueryRow(`SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// RecordEvent persists one pipeline event for a session.
func (s *Store) RecordEvent(sessionID string, e sense.Event) error {
	var rateBPM, rateConf sql.NullFloat64
	var rateMethod sql.NullString
	if e.Breathing != nil {
		rateBPM = sql.NullFloat64{Float64: e.Breathing.RateBPM, Valid: true}
		rateConf = sql.NullFloat64{Float64: e.Breathing.Confidence, Valid: true}
		rateMethod = sql.NullString{String: e.Breathing.Method, Valid: true}
	}
	p := e.Presence
	_, err := s.Exec(
		`INSERT INTO events (session_id, seq, timestamp_micros, present, confidence, energy, threshold, degraded,
			rate_bpm, rate_confidence, rate_method)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.Seq, p.Timestamp.UnixMicro(), p.Present, p.Confidence, p.Energy, p.Threshold, p.Degraded,
		rateBPM, rateConf, rateMethod,
	)
	if err != nil {
		return fmt.Errorf("capture: record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events for a session, newest first.
func (s *Store) RecentEvents(sessionID string, limit int) ([]sense.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Query(
		`SELECT seq, timestamp_micros, present, confidence, energy, threshold, degraded,
			rate_bpm, rate_confidence, rate_method
		 FROM events WHERE session_id = ? ORDER BY timestamp_micros DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("capture: recent events: %w", err)
	}
	defer rows.Close()

	var out []sense.Event
	for rows.Next() {
		var e sense.Event
		var ts int64
		var rateBPM, rateConf sql.NullFloat64
		var rateMethod sql.NullString
		if err := rows.Scan(&e.Presence.Seq, &ts, &e.Presence.Present, &e.Presence.Confidence,
			&e.Presence.Energy, &e.Presence.Threshold, &e.Presence.Degraded,
			&rateBPM, &rateConf, &rateMethod); err != nil {
			return nil, fmt.Errorf("capture: recent events: %w", err)
		}
		e.Presence.Timestamp = time.UnixMicro(ts).UTC()
		if rateBPM.Valid {
			e.Breathing = &sense.BreathingEstimate{
				Seq:        e.Presence.Seq,
				Timestamp:  e.Presence.Timestamp,
				RateBPM:    rateBPM.Float64,
				Confidence: rateConf.Float64,
				Method:     rateMethod.String,
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// encodeFloats packs a float64 slice as little-endian bytes.
func encodeFloats(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// decodeFloats unpacks a little-endian float64 blob.
func decodeFloats(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}
