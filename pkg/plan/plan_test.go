package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-roomba/pkg/geometry"
)

const validPlanJSON = `{
  "unit": "mm",
  "contour": [[0, 0], [3000, 0], [3000, 3000], [0, 3000]],
  "start_pose": {"x_mm": 500, "y_mm": 500, "theta_deg": 0},
  "object_shapes": {
    "crate": [[0, 0], [400, 0], [400, 400], [0, 400]]
  },
  "objects": [
    {"shape_id": "crate", "x_mm": 1500, "y_mm": 1500, "theta_deg": 0}
  ],
  "aruco_markers": [
    {"id": 7, "x_mm": 2000, "y_mm": 2000, "theta_deg": 180, "snap_pose": {"x_mm": 1700, "y_mm": 2000}}
  ]
}`

func TestLoadJSON(t *testing.T) {
	m := NewManager(150)
	p, err := m.LoadJSON([]byte(validPlanJSON))
	require.NoError(t, err)

	assert.Equal(t, Pose{XMM: 500, YMM: 500, ThetaDeg: 0}, p.StartPose())
	assert.Len(t, p.Obstacles(), 1)
	assert.Len(t, p.Markers(), 1)
	// Room contour is normalised to CCW.
	assert.Greater(t, p.RoomContour().SignedArea(), 0.0)

	marker, ok := p.MarkerByID(7)
	require.True(t, ok)
	assert.Equal(t, 150.0, marker.SizeMM)
	require.NotNil(t, marker.SnapPose)
	assert.Equal(t, 1700.0, marker.SnapPose.XMM)

	_, ok = p.MarkerByID(99)
	assert.False(t, ok)
}

func TestObstacleWorldTransform(t *testing.T) {
	m := NewManager(150)
	p, err := m.LoadJSON([]byte(validPlanJSON))
	require.NoError(t, err)

	obs := p.Obstacles()[0]
	min, max := obs.Contour.Bounds()
	assert.Equal(t, geometry.Point{X: 1500, Y: 1500}, min)
	assert.Equal(t, geometry.Point{X: 1900, Y: 1900}, max)
}

func TestLoadYAMLFile(t *testing.T) {
	body := `
unit: mm
contour:
  - [0, 0]
  - [2000, 0]
  - [2000, 2000]
  - [0, 2000]
start_pose:
  x_mm: 300
  y_mm: 300
  theta_deg: 90
`
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m := NewManager(150)
	p, err := m.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 90.0, p.StartPose().ThetaDeg)
}

func TestInvalidPlans(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"too few points", `{"contour": [[0,0],[1,1]]}`},
		{"bad point shape", `{"contour": [[0,0],[1,1],[2]]}`},
		{"unknown shape", `{"contour": [[0,0],[10,0],[10,10]], "objects": [{"shape_id": "ghost", "x_mm": 1, "y_mm": 1}]}`},
		{"duplicate marker id", `{"contour": [[0,0],[10,0],[10,10]], "aruco_markers": [{"id": 1, "x_mm": 1, "y_mm": 1}, {"id": 1, "x_mm": 2, "y_mm": 2}]}`},
		{"object outside room", `{"contour": [[0,0],[100,0],[100,100],[0,100]], "object_shapes": {"s": [[0,0],[10,0],[10,10]]}, "objects": [{"shape_id": "s", "x_mm": 5000, "y_mm": 5000}]}`},
		{"unsupported unit", `{"unit": "cm", "contour": [[0,0],[10,0],[10,10]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(150)
			_, err := m.LoadJSON([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestFailedLoadKeepsPreviousPlan(t *testing.T) {
	m := NewManager(150)
	first, err := m.LoadJSON([]byte(validPlanJSON))
	require.NoError(t, err)

	_, err = m.LoadJSON([]byte(`{"contour": []}`))
	require.Error(t, err)
	assert.Same(t, first, m.Get())
}

func TestGetBeforeLoad(t *testing.T) {
	assert.Nil(t, NewManager(150).Get())
}
