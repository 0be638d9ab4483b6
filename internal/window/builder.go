// Package window accumulates CSI frames into fixed-duration analysis
// windows with overlap carry, guarding against out-of-order input, runaway
// buffering and stalled sources.
package window

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/csi"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Data-quality sentinels. Frames rejected with these are dropped and
// counted, never fatal.
var (
	ErrOutOfOrder         = errors.New("window: frame timestamp out of order")
	ErrDuplicateTimestamp = errors.New("window: duplicate frame timestamp")
)

// Window is a sealed, read-only run of frames covering one analysis period.
type Window struct {
	Seq         int64       // sequential window number, strictly increasing
	Frames      []csi.Frame // monotonically increasing timestamps, no duplicates
	TargetRate  float64     // expected sample rate in Hz
	Start       time.Time   // timestamp of the first frame
	End         time.Time   // timestamp of the last frame
	ForceSealed bool        // sealed by stall timeout rather than duration/cap
	Dropped     int         // frames rejected while this window accumulated
}

// Duration returns the timestamp span covered by the window.
func (w *Window) Duration() time.Duration {
	if len(w.Frames) == 0 {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Config configures a Builder.
type Config struct {
	// Duration is the target window length, measured on frame timestamps.
	Duration time.Duration
	// OverlapFraction is the trailing fraction of a sealed window's frames
	// carried into the successor for boundary continuity.
	OverlapFraction float64
	// MaxFrames seals a window early if the source over-produces.
	MaxFrames int
	// StallTimeout force-seals a window that has not filled within this
	// wall-clock interval. Zero disables stall detection.
	StallTimeout time.Duration
	// TargetRate is recorded on each sealed window for the filter stages.
	TargetRate float64
	// OnSeal receives each sealed window, in order, exactly once. It is
	// invoked synchronously and must not call back into the Builder.
	OnSeal func(*Window)
	// Clock drives stall detection. Nil uses the real clock.
	Clock timeutil.Clock
}

// Builder accumulates frames into windows. One goroutine feeds Add; the
// stall timer may seal concurrently, serialized by the internal lock so no
// window is ever handed off twice or out of order.
type Builder struct {
	cfg   Config
	clock timeutil.Clock

	mu      sync.Mutex
	frames  []csi.Frame
	lastTS  time.Time
	seq     int64
	dropped int

	stallTimer timeutil.Timer
	stallQuit  chan struct{}
	stallGen   int // invalidates stale stall goroutines
	closed     bool

	// TotalDropped counts rejections over the builder's lifetime.
	TotalDropped int64
}

// NewBuilder creates a Builder. Config.Duration, OnSeal and TargetRate are
// required; the remaining fields default sanely.
func NewBuilder(cfg Config) *Builder {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.MaxFrames == 0 {
		cfg.MaxFrames = 4096
	}
	return &Builder{cfg: cfg, clock: cfg.Clock}
}

// Add offers a frame to the current window. Out-of-order and duplicate
// timestamps are dropped with a data-quality sentinel; the caller may ignore
// the error (it is already counted and logged).
func (b *Builder) Add(f csi.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	if !b.lastTS.IsZero() {
		if f.Timestamp.Equal(b.lastTS) {
			b.dropped++
			b.TotalDropped++
			monitoring.Logf("window: dropping duplicate-timestamp frame at %v", f.Timestamp)
			return ErrDuplicateTimestamp
		}
		if f.Timestamp.Before(b.lastTS) {
			b.dropped++
			b.TotalDropped++
			monitoring.Logf("window: dropping out-of-order frame %v < %v", f.Timestamp, b.lastTS)
			return ErrOutOfOrder
		}
	}

	// Frame-timestamp duration reached: seal what we have, then start the
	// successor with the overlap carry plus this frame.
	if len(b.frames) > 0 && f.Timestamp.Sub(b.frames[0].Timestamp) >= b.cfg.Duration {
		b.sealLocked(false)
	}

	if len(b.frames) == 0 {
		b.startStallTimerLocked()
	}
	b.frames = append(b.frames, f)
	b.lastTS = f.Timestamp

	// Count cap guards against over-producing sources.
	if len(b.frames) >= b.cfg.MaxFrames {
		b.sealLocked(false)
	}
	return nil
}

// Flush seals any partial window immediately. Used on shutdown so a finite
// replay emits its trailing frames.
func (b *Builder) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) > 0 {
		b.sealLocked(false)
	}
}

// Close stops the stall timer and discards any partial window.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.stopStallTimerLocked()
	b.frames = nil
}

// sealLocked hands the current frames off as a sealed window and begins the
// successor with the trailing overlap.
func (b *Builder) sealLocked(forced bool) {
	b.stopStallTimerLocked()
	if len(b.frames) == 0 {
		return
	}

	frames := b.frames
	w := &Window{
		Seq:         b.seq,
		Frames:      frames,
		TargetRate:  b.cfg.TargetRate,
		Start:       frames[0].Timestamp,
		End:         frames[len(frames)-1].Timestamp,
		ForceSealed: forced,
		Dropped:     b.dropped,
	}
	b.seq++
	b.dropped = 0

	// Carry the trailing overlap into the next window. The sealed window
	// keeps its own copy so it stays immutable. A forced seal carries
	// nothing: the stall already broke continuity, and re-arming a timer
	// over carried frames would re-emit them indefinitely.
	carry := int(b.cfg.OverlapFraction * float64(len(frames)))
	if carry > 0 && !forced {
		b.frames = make([]csi.Frame, carry)
		copy(b.frames, frames[len(frames)-carry:])
		b.startStallTimerLocked()
	} else {
		b.frames = nil
	}

	if forced {
		monitoring.Logf("window: force-sealed window %d with %d frames after stall", w.Seq, len(w.Frames))
	}
	if b.cfg.OnSeal != nil {
		b.cfg.OnSeal(w)
	}
}

func (b *Builder) startStallTimerLocked() {
	if b.cfg.StallTimeout <= 0 {
		return
	}
	b.stopStallTimerLocked()
	b.stallGen++
	gen := b.stallGen
	timer := b.clock.NewTimer(b.cfg.StallTimeout)
	quit := make(chan struct{})
	b.stallTimer = timer
	b.stallQuit = quit
	go func() {
		select {
		case <-timer.C():
		case <-quit:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || gen != b.stallGen || len(b.frames) == 0 {
			return
		}
		b.sealLocked(true)
	}()
}

func (b *Builder) stopStallTimerLocked() {
	if b.stallTimer != nil {
		b.stallTimer.Stop()
		close(b.stallQuit)
		b.stallTimer = nil
		b.stallQuit = nil
	}
}
