// Package plan loads and stores the static room description: the room
// contour, placed obstacles, fiducial marker references and the start pose.
// All geometry is millimetres; +theta is counter-clockwise with 0 along +x.
package plan

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-roomba/pkg/geometry"
)

// Pose is a position plus heading in the room frame.
type Pose struct {
	XMM      float64 `yaml:"x_mm" json:"x_mm"`
	YMM      float64 `yaml:"y_mm" json:"y_mm"`
	ThetaDeg float64 `yaml:"theta_deg" json:"theta_deg"`
}

// Marker is a fiducial reference declared in the plan.
type Marker struct {
	ID            int      `yaml:"id" json:"id"`
	XMM           float64  `yaml:"x_mm" json:"x_mm"`
	YMM           float64  `yaml:"y_mm" json:"y_mm"`
	ThetaDeg      float64  `yaml:"theta_deg" json:"theta_deg"`
	SizeMM        float64  `yaml:"size_mm,omitempty" json:"size_mm,omitempty"`
	SnapPose      *Pose    `yaml:"snap_pose,omitempty" json:"snap_pose,omitempty"`
	FrontOffsetMM *float64 `yaml:"front_offset_mm,omitempty" json:"front_offset_mm,omitempty"`
}

// Obstacle is an object placed in the room, already transformed to world
// coordinates at load time.
type Obstacle struct {
	ShapeID string
	Pose    Pose
	Contour geometry.Polygon
}

// document is the on-disk shape of a plan file.
type document struct {
	Unit         string                 `yaml:"unit" json:"unit"`
	Contour      [][]float64            `yaml:"contour" json:"contour"`
	StartPose    *Pose                  `yaml:"start_pose" json:"start_pose"`
	ObjectShapes map[string][][]float64 `yaml:"object_shapes" json:"object_shapes"`
	Objects      []documentObject       `yaml:"objects" json:"objects"`
	ArucoMarkers []Marker               `yaml:"aruco_markers" json:"aruco_markers"`
}

type documentObject struct {
	ShapeID string  `yaml:"shape_id" json:"shape_id"`
	XMM     float64 `yaml:"x_mm" json:"x_mm"`
	YMM     float64 `yaml:"y_mm" json:"y_mm"`
	Theta   float64 `yaml:"theta_deg" json:"theta_deg"`
}

// Plan is an immutable loaded plan.
type Plan struct {
	contour   geometry.Polygon
	obstacles []Obstacle
	startPose Pose
	markers   []Marker
}

// RoomContour returns the room polygon, CCW winding.
func (p *Plan) RoomContour() geometry.Polygon { return p.contour }

// Obstacles returns the placed obstacles in world coordinates.
func (p *Plan) Obstacles() []Obstacle { return p.obstacles }

// StartPose returns the configured start pose.
func (p *Plan) StartPose() Pose { return p.startPose }

// Markers returns the declared fiducial references.
func (p *Plan) Markers() []Marker { return p.markers }

// MarkerByID looks up a marker reference by id.
func (p *Plan) MarkerByID(id int) (Marker, bool) {
	for _, m := range p.markers {
		if m.ID == id {
			return m, true
		}
	}
	return Marker{}, false
}

func toPoints(raw [][]float64) ([]geometry.Point, error) {
	pts := make([]geometry.Point, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("contour point must be [x, y], got %v", pair)
		}
		pts = append(pts, geometry.Point{X: pair[0], Y: pair[1]})
	}
	return pts, nil
}

// newPlan validates and assembles a plan from its on-disk document.
func newPlan(doc *document, defaultMarkerSizeMM float64) (*Plan, error) {
	if doc.Unit != "" && doc.Unit != "mm" {
		return nil, fmt.Errorf("unsupported unit %q (only mm)", doc.Unit)
	}
	if len(doc.Contour) < 3 {
		return nil, fmt.Errorf("plan contour needs at least 3 points, got %d", len(doc.Contour))
	}
	pts, err := toPoints(doc.Contour)
	if err != nil {
		return nil, err
	}
	room := geometry.NewPolygon(pts)
	if room.SignedArea() < 0 {
		room = room.Reversed()
	}

	p := &Plan{contour: room}
	if doc.StartPose != nil {
		p.startPose = *doc.StartPose
	}

	roomMin, roomMax := room.Bounds()
	for i, obj := range doc.Objects {
		shape, ok := doc.ObjectShapes[obj.ShapeID]
		if !ok {
			return nil, fmt.Errorf("object %d references unknown shape %q", i, obj.ShapeID)
		}
		local, err := toPoints(shape)
		if err != nil {
			return nil, fmt.Errorf("shape %q: %w", obj.ShapeID, err)
		}
		if len(local) < 3 {
			return nil, fmt.Errorf("shape %q needs at least 3 points", obj.ShapeID)
		}
		world := geometry.NewPolygon(local).Transform(obj.XMM, obj.YMM, obj.Theta)
		oMin, oMax := world.Bounds()
		if oMax.X < roomMin.X || oMin.X > roomMax.X || oMax.Y < roomMin.Y || oMin.Y > roomMax.Y {
			return nil, fmt.Errorf("object %d (%s) lies entirely outside the room bounds", i, obj.ShapeID)
		}
		p.obstacles = append(p.obstacles, Obstacle{
			ShapeID: obj.ShapeID,
			Pose:    Pose{XMM: obj.XMM, YMM: obj.YMM, ThetaDeg: obj.Theta},
			Contour: world,
		})
	}

	seen := make(map[int]bool, len(doc.ArucoMarkers))
	for _, m := range doc.ArucoMarkers {
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate marker id %d", m.ID)
		}
		seen[m.ID] = true
		if m.SizeMM <= 0 {
			m.SizeMM = defaultMarkerSizeMM
		}
		p.markers = append(p.markers, m)
	}

	return p, nil
}

func parseDocument(data []byte, ext string) (*document, error) {
	var doc document
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan yaml: %w", err)
		}
	default:
		// Unknown extension: try JSON first, then YAML.
		if err := json.Unmarshal(data, &doc); err != nil {
			if yerr := yaml.Unmarshal(data, &doc); yerr != nil {
				return nil, fmt.Errorf("parse plan: %w", err)
			}
		}
	}
	return &doc, nil
}
