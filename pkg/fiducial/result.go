// Package fiducial detects ArUco markers in camera frames and turns
// observations of plan-referenced markers into pose corrections for the
// odometry estimator.
package fiducial

import (
	"math"
	"time"
)

// Marker is one detected fiducial in image-plane coordinates (pixels).
// Corners are ordered clockwise from the top-left, as the detector emits
// them.
type Marker struct {
	ID      int           `json:"id"`
	Corners [4][2]float64 `json:"corners"`
	Center  [2]float64    `json:"center"`
	AreaPx  float64       `json:"area_px"`
}

// Result is the latest detection outcome published by the worker.
type Result struct {
	OK          bool      `json:"ok"`
	Enabled     bool      `json:"enabled"`
	Reason      string    `json:"reason"`
	Markers     []Marker  `json:"markers"`
	Count       int       `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
}

// Stale reports whether the result is older than the given threshold.
func (r Result) Stale(threshold time.Duration, now time.Time) bool {
	if r.Timestamp.IsZero() {
		return true
	}
	return now.Sub(r.Timestamp) > threshold
}

func edgeLength(a, b [2]float64) float64 {
	return math.Hypot(b[0]-a[0], b[1]-a[1])
}

// oppositeEdgeLengths returns the averaged widths and heights of the
// detected quadrilateral, plus the raw left and right edge lengths.
func (m Marker) oppositeEdgeLengths() (w, h, left, right float64) {
	top := edgeLength(m.Corners[0], m.Corners[1])
	bottom := edgeLength(m.Corners[3], m.Corners[2])
	right = edgeLength(m.Corners[1], m.Corners[2])
	left = edgeLength(m.Corners[0], m.Corners[3])
	return (top + bottom) / 2, (left + right) / 2, left, right
}

// shapeCos estimates the foreshortening of the observed quad: 1 for a
// frontal square, smaller for oblique views. Clamped to [0.08, 1].
func (m Marker) shapeCos() float64 {
	w, h, _, _ := m.oppositeEdgeLengths()
	if w == 0 || h == 0 {
		return 0.08
	}
	c := math.Min(w, h) / math.Max(w, h)
	return math.Max(0.08, math.Min(1, c))
}

// shapeYawDeg estimates the viewing yaw from left/right edge asymmetry: a
// longer right edge means the right side is nearer, giving positive yaw.
func (m Marker) shapeYawDeg() float64 {
	_, _, left, right := m.oppositeEdgeLengths()
	avg := (left + right) / 2
	if avg == 0 {
		return 0
	}
	ratio := (right - left) / avg
	ratio = math.Max(-1, math.Min(1, ratio))
	return ratio * 45
}

// longestEdgePx returns the longest observed edge, the stand-in for marker
// size when the area is unreliable.
func (m Marker) longestEdgePx() float64 {
	var longest float64
	for i := 0; i < 4; i++ {
		if l := edgeLength(m.Corners[i], m.Corners[(i+1)%4]); l > longest {
			longest = l
		}
	}
	return longest
}
