package fiducial

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/plan"
)

const snapPlanJSON = `{
  "contour": [[0, 0], [3000, 0], [3000, 3000], [0, 3000]],
  "start_pose": {"x_mm": 1500, "y_mm": 2000, "theta_deg": 0},
  "aruco_markers": [
    {"id": 7, "x_mm": 2000, "y_mm": 2000, "theta_deg": 180, "size_mm": 150,
     "snap_pose": {"x_mm": 1700, "y_mm": 2000}}
  ]
}`

type staticResults struct{ res Result }

func (s staticResults) Last() Result { return s.res }

func snapTestRig(t *testing.T) (*plan.Manager, *odometry.Estimator) {
	t.Helper()
	m := plan.NewManager(150)
	_, err := m.LoadJSON([]byte(snapPlanJSON))
	require.NoError(t, err)

	est := odometry.NewEstimator(odometry.Config{
		Source:               odometry.SourceEncoders,
		RobotRadiusMM:        180,
		CollisionMarginScale: 0.55,
	}, m, nil)
	est.ResetTo(odometry.Pose{XMM: 1500, YMM: 2000, ThetaDeg: 0})
	return m, est
}

func frontalResult(ts time.Time) Result {
	det := squareDetection(7, 320, 240, math.Sqrt(3253))
	det.AreaPx = 3253
	return Result{
		OK:         true,
		Enabled:    true,
		Reason:     "detected",
		Markers:    []Marker{det},
		Count:      1,
		Timestamp:  ts,
		FrameWidth: 640,
	}
}

func TestSnapperBlendsTowardTarget(t *testing.T) {
	plans, est := snapTestRig(t)
	now := time.Now()
	sn := NewSnapper(SnapperConfig{
		Params:         testParams(),
		PoseBlend:      0.35,
		ThetaBlend:     0.2,
		StaleThreshold: time.Second,
	}, plans, est, staticResults{frontalResult(now)})

	pose, applied := sn.Apply(frontalResult(now), now)
	require.True(t, applied)

	// Target (1700, 2000, 0) blended 35% from (1500, 2000, 0).
	assert.InDelta(t, 1570, pose.XMM, 1e-6)
	assert.InDelta(t, 2000, pose.YMM, 1e-6)
	assert.InDelta(t, 0, pose.ThetaDeg, 1e-6)
}

func TestSnapperRejectsStaleResult(t *testing.T) {
	plans, est := snapTestRig(t)
	now := time.Now()
	sn := NewSnapper(SnapperConfig{
		Params:         testParams(),
		PoseBlend:      0.35,
		ThetaBlend:     0.2,
		StaleThreshold: time.Second,
	}, plans, est, nil)

	_, applied := sn.Apply(frontalResult(now.Add(-5*time.Second)), now)
	assert.False(t, applied)

	pose, _ := est.Current()
	assert.Equal(t, 1500.0, pose.XMM)
}

func TestSnapperIgnoresUnknownMarkers(t *testing.T) {
	plans, est := snapTestRig(t)
	now := time.Now()
	sn := NewSnapper(SnapperConfig{
		Params:         testParams(),
		PoseBlend:      0.35,
		ThetaBlend:     0.2,
		StaleThreshold: time.Second,
	}, plans, est, nil)

	res := frontalResult(now)
	res.Markers[0].ID = 42 // not in the plan
	_, applied := sn.Apply(res, now)
	assert.False(t, applied)
}

func TestSnapperRejectsNotOKResult(t *testing.T) {
	plans, est := snapTestRig(t)
	sn := NewSnapper(SnapperConfig{Params: testParams()}, plans, est, nil)

	_, applied := sn.Apply(Result{OK: false, Reason: "no_frame"}, time.Now())
	assert.False(t, applied)
}

func TestSnapperRejectsUnusableDetection(t *testing.T) {
	plans, est := snapTestRig(t)
	now := time.Now()
	sn := NewSnapper(SnapperConfig{
		Params:         testParams(),
		StaleThreshold: time.Second,
	}, plans, est, nil)

	res := frontalResult(now)
	res.Markers[0].AreaPx = 0
	res.Markers[0].Corners = [4][2]float64{}
	_, applied := sn.Apply(res, now)
	assert.False(t, applied)
}
