// Package api exposes the sensing pipeline's state over HTTP: health,
// live status, recent events, and recorded sessions.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/capture"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sense"
	"github.com/banshee-data/presence.report/internal/version"
)

// defaultRingSize bounds the in-memory event history served by /api/events.
const defaultRingSize = 256

// StatusSource is the slice of the pipeline the server reads from.
type StatusSource interface {
	Snapshot() sense.Stats
	Calibration() sense.Calibration
}

// Server serves the HTTP API. Events are retained in a bounded in-memory
// ring; the capture store, when present, additionally exposes recorded
// sessions.
type Server struct {
	pipeline StatusSource
	store    *capture.Store
	session  string

	mu   sync.Mutex
	ring []sense.Event
}

// NewServer creates a Server. store may be nil when the run is not being
// recorded; session is the active capture session id, empty when none.
func NewServer(pipeline StatusSource, store *capture.Store, session string) *Server {
	return &Server{pipeline: pipeline, store: store, session: session}
}

// Observe retains one pipeline event for the events endpoint. Called from
// the event sink for every emitted window.
func (s *Server) Observe(e sense.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, e)
	if len(s.ring) > defaultRingSize {
		s.ring = s.ring[len(s.ring)-defaultRingSize:]
	}
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/events", s.eventsHandler)
	mux.HandleFunc("/api/sessions", s.sessionsHandler)
	return mux
}

// Handler returns the full API handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.ServeMux())
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		monitoring.Logf("api: %s %s (%v)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

type statusResponse struct {
	Session     string            `json:"session,omitempty"`
	Calibration calibrationStatus `json:"calibration"`
	Stats       sense.Stats       `json:"stats"`
}

type calibrationStatus struct {
	State              string    `json:"state"`
	Degraded           bool      `json:"degraded"`
	PresenceThreshold  float64   `json:"presence_threshold"`
	BreathingThreshold float64   `json:"breathing_threshold"`
	BaselineMean       float64   `json:"baseline_mean"`
	StableWindows      int       `json:"stable_windows"`
	LastUpdate         time.Time `json:"last_update"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cal := s.pipeline.Calibration()
	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		Session: s.session,
		Calibration: calibrationStatus{
			State:              cal.State.String(),
			Degraded:           cal.Degraded,
			PresenceThreshold:  cal.PresenceThreshold,
			BreathingThreshold: cal.BreathingThreshold,
			BaselineMean:       cal.BaselineMean,
			StableWindows:      cal.StableWindows,
			LastUpdate:         cal.LastUpdate,
		},
		Stats: s.pipeline.Snapshot(),
	})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := defaultRingSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	s.mu.Lock()
	ring := s.ring
	if len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	// Newest first, matching the store's ordering.
	out := make([]sense.Event, len(ring))
	for i, e := range ring {
		out[len(ring)-1-i] = e
	}
	s.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "no capture store configured")
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		if errors.Is(err, capture.ErrSessionNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []capture.Session{}
	}
	httputil.WriteJSON(w, http.StatusOK, sessions)
}
