package fiducial

import (
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-roomba/internal/log"
)

// State is the worker's lifecycle state.
type State string

const (
	StateDisabled     State = "disabled"
	StateWaitingFrame State = "waiting_frame"
	StateDetecting    State = "detecting"
	StatePublished    State = "published"
	StateFailed       State = "failed"
)

// Detector runs fiducial detection over a JPEG frame, returning detections
// plus the decoded frame dimensions.
type Detector interface {
	Detect(jpeg []byte) (markers []Marker, frameWidth, frameHeight int, err error)
	Close() error
}

// FrameSource yields the most recent camera frame.
type FrameSource interface {
	Latest() (jpeg []byte, ts time.Time, ok bool)
}

// Stats counts worker activity for the debug endpoint.
type Stats struct {
	DetectRuns           int     `json:"detect_runs"`
	DetectErrors         int     `json:"detect_errors"`
	LastDetectDurationMS float64 `json:"last_detect_duration_ms"`
	LastFrameBytes       int     `json:"last_frame_bytes"`
}

// WorkerConfig tunes the detection loop.
type WorkerConfig struct {
	Enabled  bool
	Interval time.Duration
	// DetectorErr carries a construction failure (for example an
	// unsupported dictionary); the worker publishes it as its reason.
	DetectorErr error
}

// Worker runs the fiducial detector at a fixed cadence over the latest
// camera frame and publishes the most recent result (latest wins).
type Worker struct {
	cfg      WorkerConfig
	detector Detector
	frames   FrameSource

	mu    sync.RWMutex
	state State
	last  Result
	stats Stats
}

// NewWorker wires a detection worker. detector may be nil when cfg carries
// a DetectorErr.
func NewWorker(cfg WorkerConfig, detector Detector, frames FrameSource) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	state := StateDisabled
	reason := "disabled"
	if cfg.Enabled {
		state = StateWaitingFrame
		reason = "idle"
	}
	return &Worker{
		cfg:      cfg,
		detector: detector,
		frames:   frames,
		state:    state,
		last: Result{
			Enabled: cfg.Enabled,
			Reason:  reason,
		},
	}
}

// Last returns the most recent result.
func (w *Worker) Last() Result {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Snapshot returns stats alongside the last result.
func (w *Worker) Snapshot() (Result, Stats, State) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last, w.stats, w.state
}

// Interval returns the configured detection period.
func (w *Worker) Interval() time.Duration { return w.cfg.Interval }

// Run executes the periodic detect loop until done closes. Disabled
// workers return immediately.
func (w *Worker) Run(done <-chan struct{}) {
	if !w.cfg.Enabled {
		return
	}
	log.Info("fiducial worker started", "interval", w.cfg.Interval)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.Tick(time.Now())
		}
	}
}

// Tick performs one detection pass. Exposed for tests and for the run loop.
func (w *Worker) Tick(now time.Time) {
	// Terminal states return to waiting_frame at the next period.
	w.mu.Lock()
	w.state = StateWaitingFrame
	w.mu.Unlock()

	if w.cfg.DetectorErr != nil {
		w.fail(w.cfg.DetectorErr.Error())
		return
	}

	jpeg, ts, ok := w.frames.Latest()
	if !ok || now.Sub(ts) > 3*w.cfg.Interval {
		w.fail("no_frame")
		return
	}

	w.mu.Lock()
	w.state = StateDetecting
	w.stats.DetectRuns++
	w.stats.LastFrameBytes = len(jpeg)
	w.mu.Unlock()

	started := time.Now()
	markers, fw, fh, err := w.detector.Detect(jpeg)
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.LastDetectDurationMS = elapsed
	if err != nil {
		w.stats.DetectErrors++
		w.state = StateFailed
		w.last = Result{
			Enabled: true,
			Reason:  err.Error(),
		}
		return
	}
	w.state = StatePublished
	w.last = Result{
		OK:          true,
		Enabled:     true,
		Reason:      "detected",
		Markers:     markers,
		Count:       len(markers),
		Timestamp:   now,
		FrameWidth:  fw,
		FrameHeight: fh,
	}
}

// fail publishes a not-ok result and parks the worker until the next tick.
func (w *Worker) fail(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateFailed
	w.last = Result{
		Enabled: w.cfg.Enabled,
		Reason:  reason,
	}
}

// ErrUnsupportedDictionary builds the construction error for an unknown
// dictionary name.
func ErrUnsupportedDictionary(name string) error {
	return fmt.Errorf("unsupported_dictionary:%s", name)
}
