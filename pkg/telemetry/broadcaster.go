// Package telemetry periodically assembles a combined robot snapshot and
// fans it out to websocket subscribers.
package telemetry

import (
	"time"

	"github.com/teslashibe/go-roomba/pkg/fiducial"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/oi"
)

// OdometryState is the odometry slice of a telemetry snapshot.
type OdometryState struct {
	odometry.Pose
	odometry.StepDelta
}

// FiducialState is the fiducial slice of a telemetry snapshot.
type FiducialState struct {
	fiducial.Result
	Stale bool `json:"stale"`
}

// Snapshot is one telemetry message. Fields are additive across versions.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Sensors   oi.SensorSnapshot `json:"sensors"`
	Stream    oi.Health         `json:"stream"`
	Odometry  OdometryState     `json:"odometry"`
	Fiducial  FiducialState     `json:"aruco"`
}

// SensorSource provides the latest sensor snapshot and link health.
type SensorSource interface {
	Latest() oi.SensorSnapshot
	Healthy() oi.Health
}

// OdometrySource provides the current pose estimate.
type OdometrySource interface {
	Current() (odometry.Pose, odometry.StepDelta)
}

// FiducialSource provides the latest detection result and its cadence.
type FiducialSource interface {
	Last() fiducial.Result
	Interval() time.Duration
}

// Publisher fans a snapshot out to subscribers.
type Publisher interface {
	BroadcastJSON(v any) error
}

// Broadcaster assembles and publishes snapshots at a fixed interval. It is
// the only component reading odometry, sensor and fiducial state in one
// tick; reads happen in that fixed order.
type Broadcaster struct {
	interval time.Duration
	sensors  SensorSource
	odom     OdometrySource
	fid      FiducialSource
	pub      Publisher
}

// NewBroadcaster wires a broadcaster. fid may be nil when the fiducial
// worker is disabled.
func NewBroadcaster(interval time.Duration, sensors SensorSource, odom OdometrySource, fid FiducialSource, pub Publisher) *Broadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Broadcaster{
		interval: interval,
		sensors:  sensors,
		odom:     odom,
		fid:      fid,
		pub:      pub,
	}
}

// Interval returns the broadcast period.
func (b *Broadcaster) Interval() time.Duration { return b.interval }

// Assemble builds one snapshot. Read order: odometry, sensors, fiducial.
func (b *Broadcaster) Assemble(now time.Time) Snapshot {
	snap := Snapshot{Timestamp: now}

	pose, delta := b.odom.Current()
	snap.Odometry = OdometryState{Pose: pose, StepDelta: delta}

	snap.Sensors = b.sensors.Latest()
	snap.Stream = b.sensors.Healthy()

	if b.fid != nil {
		res := b.fid.Last()
		snap.Fiducial = FiducialState{
			Result: res,
			Stale:  res.Stale(2*b.fid.Interval(), now),
		}
	}
	return snap
}

// Run broadcasts until done closes.
func (b *Broadcaster) Run(done <-chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			b.pub.BroadcastJSON(b.Assemble(now))
		}
	}
}
