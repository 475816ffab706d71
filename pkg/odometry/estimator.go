// Package odometry integrates wheel motion into a room-frame pose. The
// estimator owns the pose: it applies encoder or distance/angle deltas,
// keeps the robot disc clear of the room walls and obstacles, blends in
// fiducial snap corrections, and persists every accepted update to an
// append-only history file.
package odometry

import (
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-roomba/internal/log"
	"github.com/teslashibe/go-roomba/pkg/geometry"
	"github.com/teslashibe/go-roomba/pkg/oi"
	"github.com/teslashibe/go-roomba/pkg/plan"
)

// Pose is the estimated robot pose: millimetres and degrees, theta in
// (-180, 180].
type Pose struct {
	XMM      float64 `json:"x_mm"`
	YMM      float64 `json:"y_mm"`
	ThetaDeg float64 `json:"theta_deg"`
}

// StepDelta is the motion applied by the most recent update.
type StepDelta struct {
	DistanceMM float64 `json:"last_delta_distance_mm"`
	AngleDeg   float64 `json:"last_delta_angle_deg"`
}

// Source selects how wheel motion is derived from the sensor stream.
type Source string

const (
	// SourceEncoders integrates the raw wheel encoder counts.
	SourceEncoders Source = "encoders"
	// SourceDistance integrates the OI one-frame distance/angle fields.
	SourceDistance Source = "distance"
)

// PlanProvider yields the active plan, or nil when none is loaded.
type PlanProvider interface {
	Get() *plan.Plan
}

// Config holds the estimator tunables.
type Config struct {
	Source               Source
	MMPerTick            float64
	WheelBaseMM          float64
	LinearScale          float64
	AngularScale         float64
	RobotRadiusMM        float64
	CollisionMarginScale float64
}

// Estimator integrates sensor frames into a pose. One goroutine writes;
// any number may read via Current.
type Estimator struct {
	cfg     Config
	plans   PlanProvider
	history *HistoryStore

	mu       sync.RWMutex
	xMM      float64
	yMM      float64
	thetaRad float64
	delta    StepDelta

	lastLeft, lastRight uint16
	haveEncoderBase     bool
	lastTotalDist       float64
	lastTotalAngle      float64
	haveDistanceBase    bool
}

// NewEstimator creates an estimator at the origin. plans may be nil when no
// collision constraints apply; history may be nil to disable persistence.
func NewEstimator(cfg Config, plans PlanProvider, history *HistoryStore) *Estimator {
	if cfg.MMPerTick <= 0 {
		cfg.MMPerTick = 0.445
	}
	if cfg.WheelBaseMM <= 0 {
		cfg.WheelBaseMM = 235.0
	}
	if cfg.LinearScale == 0 {
		cfg.LinearScale = 1.0
	}
	if cfg.AngularScale == 0 {
		cfg.AngularScale = 1.0
	}
	if cfg.Source == "" {
		cfg.Source = SourceEncoders
	}
	return &Estimator{cfg: cfg, plans: plans, history: history}
}

// NormalizeDeg maps an angle into (-180, 180].
func NormalizeDeg(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}

func normalizeRad(rad float64) float64 {
	r := math.Mod(rad+math.Pi, 2*math.Pi)
	if r < 0 {
		r += 2 * math.Pi
	}
	return r - math.Pi
}

// Current returns a consistent snapshot of the pose and last step delta.
func (e *Estimator) Current() (Pose, StepDelta) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.poseLocked(), e.delta
}

func (e *Estimator) poseLocked() Pose {
	return Pose{
		XMM:      e.xMM,
		YMM:      e.yMM,
		ThetaDeg: NormalizeDeg(e.thetaRad * 180 / math.Pi),
	}
}

// ResetTo moves the estimator to the given pose and clears the motion
// baselines. The reset is recorded in history.
func (e *Estimator) ResetTo(p Pose) {
	e.mu.Lock()
	e.xMM = p.XMM
	e.yMM = p.YMM
	e.thetaRad = NormalizeDeg(p.ThetaDeg) * math.Pi / 180
	e.haveEncoderBase = false
	e.haveDistanceBase = false
	e.delta = StepDelta{}
	rec := e.recordLocked("reset", "")
	e.mu.Unlock()
	e.appendHistory(rec)
}

// ResetHistory truncates the history file and writes a single record at the
// new pose.
func (e *Estimator) ResetHistory(p Pose) error {
	if e.history != nil {
		if err := e.history.Clear(); err != nil {
			return err
		}
	}
	e.ResetTo(p)
	return nil
}

// RestoreFromHistory adopts the final persisted pose if one exists,
// otherwise falls back to the given start pose. Returns the adopted pose.
func (e *Estimator) RestoreFromHistory(fallback Pose) Pose {
	if e.history != nil {
		if p, ok := e.history.LastPose(); ok {
			e.ResetTo(p)
			return p
		}
	}
	e.ResetTo(fallback)
	return fallback
}

// UpdateFromSensor integrates one sensor frame and returns the new pose and
// the step applied.
func (e *Estimator) UpdateFromSensor(snap oi.SensorSnapshot) (Pose, StepDelta) {
	e.mu.Lock()

	var rec *HistoryRecord
	if e.cfg.Source == SourceEncoders && snap.HasEncoderCounts {
		rec = e.updateFromEncodersLocked(snap)
	} else {
		rec = e.updateFromDistanceLocked(snap)
	}
	pose, delta := e.poseLocked(), e.delta
	e.mu.Unlock()

	if rec != nil {
		e.appendHistory(*rec)
	}
	return pose, delta
}

func (e *Estimator) updateFromEncodersLocked(snap oi.SensorSnapshot) *HistoryRecord {
	left, right := snap.LeftEncoderCounts, snap.RightEncoderCounts
	if !e.haveEncoderBase {
		e.lastLeft, e.lastRight = left, right
		e.haveEncoderBase = true
		e.delta = StepDelta{}
		return nil
	}
	dl := float64(encoderDelta(e.lastLeft, left)) * e.cfg.MMPerTick
	dr := float64(encoderDelta(e.lastRight, right)) * e.cfg.MMPerTick
	e.lastLeft, e.lastRight = left, right

	// Bumper contact means the wheels may be slipping; the travelled arc is
	// untrustworthy, so translation is dropped for this step.
	blocked := snap.BumpLeft || snap.BumpRight

	d := (dl + dr) * 0.5 * e.cfg.LinearScale
	a := (dr - dl) / e.cfg.WheelBaseMM * e.cfg.AngularScale
	if blocked {
		d = 0
	}
	return e.integrateLocked(d, a, string(SourceEncoders))
}

func (e *Estimator) updateFromDistanceLocked(snap oi.SensorSnapshot) *HistoryRecord {
	if !e.haveDistanceBase {
		e.lastTotalDist = snap.TotalDistanceMM
		e.lastTotalAngle = snap.TotalAngleDeg
		e.haveDistanceBase = true
		e.delta = StepDelta{}
		return nil
	}
	d := (snap.TotalDistanceMM - e.lastTotalDist) * e.cfg.LinearScale
	aDeg := (snap.TotalAngleDeg - e.lastTotalAngle) * e.cfg.AngularScale
	e.lastTotalDist = snap.TotalDistanceMM
	e.lastTotalAngle = snap.TotalAngleDeg

	return e.integrateLocked(d, aDeg*math.Pi/180, string(SourceDistance))
}

// integrateLocked advances heading then translation, subjecting the
// translation to the collision clamp. Heading always updates; rotation in
// place needs no clearance.
func (e *Estimator) integrateLocked(d, aRad float64, source string) *HistoryRecord {
	if d == 0 && aRad == 0 {
		e.delta = StepDelta{}
		return nil
	}

	e.thetaRad = normalizeRad(e.thetaRad + aRad)

	step := geometry.Point{
		X: d * math.Cos(e.thetaRad),
		Y: d * math.Sin(e.thetaRad),
	}
	from := geometry.Point{X: e.xMM, Y: e.yMM}
	to := e.clampStep(from, step)
	applied := to.Sub(from).Norm()
	if d < 0 {
		applied = -applied
	}
	e.xMM, e.yMM = to.X, to.Y
	e.delta = StepDelta{DistanceMM: applied, AngleDeg: aRad * 180 / math.Pi}

	rec := e.recordLocked("update", source)
	rec.DistanceMM = applied
	rec.AngleDeg = e.delta.AngleDeg
	return &rec
}

// clampStep applies the map-aware collision constraint: the candidate
// position must keep the required clearance from the room boundary and
// every obstacle. A violating step is projected onto the violated edge's
// tangent; if the slide still violates (concave corner), translation is
// zeroed for this step.
func (e *Estimator) clampStep(from, step geometry.Point) geometry.Point {
	if e.plans == nil {
		return from.Add(step)
	}
	p := e.plans.Get()
	if p == nil {
		return from.Add(step)
	}
	clearance := e.cfg.RobotRadiusMM * e.cfg.CollisionMarginScale

	cand := from.Add(step)
	if positionClear(p, cand, clearance) {
		return cand
	}

	edge, ok := nearestViolatedEdge(p, cand, clearance)
	if ok {
		t := edge.Tangent()
		slide := t.Scale(step.Dot(t))
		cand = from.Add(slide)
		if positionClear(p, cand, clearance) {
			return cand
		}
	}
	return from
}

func positionClear(p *plan.Plan, c geometry.Point, clearance float64) bool {
	if !p.RoomContour().DiscInside(c, clearance) {
		return false
	}
	for _, obs := range p.Obstacles() {
		if !obs.Contour.DiscClear(c, clearance) {
			return false
		}
	}
	return true
}

// nearestViolatedEdge finds the closest edge among the violated constraints.
func nearestViolatedEdge(p *plan.Plan, c geometry.Point, clearance float64) (geometry.Edge, bool) {
	best := math.Inf(1)
	var bestEdge geometry.Edge
	found := false

	if !p.RoomContour().DiscInside(c, clearance) {
		if e, d := p.RoomContour().NearestEdge(c); d < best {
			best, bestEdge, found = d, e, true
		}
	}
	for _, obs := range p.Obstacles() {
		if !obs.Contour.DiscClear(c, clearance) {
			if e, d := obs.Contour.NearestEdge(c); d < best {
				best, bestEdge, found = d, e, true
			}
		}
	}
	return bestEdge, found
}

// ApplySnap blends the pose toward a fiducial-derived target: linear
// interpolation on position, shortest-arc interpolation on heading. The
// blended position still passes through the collision clamp.
func (e *Estimator) ApplySnap(target Pose, posBlend, thetaBlend float64) Pose {
	posBlend = clampUnit(posBlend)
	thetaBlend = clampUnit(thetaBlend)

	e.mu.Lock()

	from := geometry.Point{X: e.xMM, Y: e.yMM}
	step := geometry.Point{
		X: (target.XMM - e.xMM) * posBlend,
		Y: (target.YMM - e.yMM) * posBlend,
	}
	to := e.clampStep(from, step)
	e.xMM, e.yMM = to.X, to.Y

	cur := e.thetaRad * 180 / math.Pi
	diff := NormalizeDeg(target.ThetaDeg - cur)
	e.thetaRad = NormalizeDeg(cur+diff*thetaBlend) * math.Pi / 180

	e.delta = StepDelta{DistanceMM: to.Sub(from).Norm(), AngleDeg: diff * thetaBlend}
	rec := e.recordLocked("update", "snap")
	rec.DistanceMM = e.delta.DistanceMM
	rec.AngleDeg = e.delta.AngleDeg
	pose := e.poseLocked()
	e.mu.Unlock()

	e.appendHistory(rec)
	return pose
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (e *Estimator) recordLocked(event, source string) HistoryRecord {
	p := e.poseLocked()
	return HistoryRecord{
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Event:    event,
		XMM:      p.XMM,
		YMM:      p.YMM,
		ThetaDeg: p.ThetaDeg,
		Source:   source,
	}
}

// appendHistory persists a record. History failures must never break live
// control; they are logged and dropped.
func (e *Estimator) appendHistory(rec HistoryRecord) {
	if e.history == nil {
		return
	}
	if err := e.history.Append(rec); err != nil {
		log.Warn("odometry history append failed", "err", err)
	}
}

// encoderDelta returns the signed tick delta across the 16-bit rollover.
func encoderDelta(prev, cur uint16) int {
	return int(int16(cur - prev))
}

// Consume drains the driver's frame channel into the estimator until the
// channel closes. It is the single writer task.
func Consume(e *Estimator, frames <-chan oi.SensorSnapshot, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case snap, ok := <-frames:
			if !ok {
				return
			}
			e.UpdateFromSensor(snap)
		}
	}
}
