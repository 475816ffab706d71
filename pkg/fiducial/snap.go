package fiducial

import (
	"errors"
	"math"

	"github.com/teslashibe/go-roomba/pkg/geometry"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/plan"
)

// ErrSnapRejected marks an observation that cannot produce a target pose.
var ErrSnapRejected = errors.New("fiducial: snap rejected")

// Distance estimates are clamped to the usable sensing range.
const (
	minSnapDistanceMM = 70
	maxSnapDistanceMM = 2500

	// Calibration: a frontal 150 mm marker observed at 150 mm covers
	// this many square pixels.
	areaAnchorBase   = 3253.0
	anchorSizeMM     = 150.0
	anchorDistanceMM = 150.0

	// Empirical scale for the pinhole fallback estimate. Preserved
	// verbatim from field calibration.
	fallbackDistanceScale = 0.18

	// Pair scoring weight for pixel separation between centers.
	pairPixelDistanceWeight = 120.0

	// Pair distance blend: pinhole baseline vs area estimate.
	pairBaselineWeight = 0.85
)

// SnapParams tunes the target pose computation.
type SnapParams struct {
	FocalPx        float64
	HeadingGainDeg float64
}

// markerAxis returns the unit vector pointing from the marker into the
// room: toward the snap pose when one is declared, else along the marker's
// declared heading.
func markerAxis(ref plan.Marker) geometry.Point {
	if ref.SnapPose != nil {
		d := geometry.Point{X: ref.SnapPose.XMM - ref.XMM, Y: ref.SnapPose.YMM - ref.YMM}
		if n := d.Norm(); n > 0 {
			return d.Scale(1 / n)
		}
	}
	rad := ref.ThetaDeg * math.Pi / 180
	return geometry.Point{X: math.Cos(rad), Y: math.Sin(rad)}
}

// areaAnchor returns the expected frontal pixel area for the marker size at
// the anchor distance.
func areaAnchor(sizeMM float64) float64 {
	s := sizeMM / anchorSizeMM
	return areaAnchorBase * s * s
}

// estimateDistance derives the range to a marker from its observed pixel
// area, falling back to a pinhole estimate over the longest edge when the
// area is unreliable.
func estimateDistance(ref plan.Marker, det Marker, p SnapParams) (float64, error) {
	anchor := areaAnchor(ref.SizeMM)
	d0 := anchorDistanceMM * (ref.SizeMM / anchorSizeMM)

	var d float64
	switch {
	case det.AreaPx > 0:
		d = d0 * math.Sqrt(anchor/det.AreaPx)
	case det.longestEdgePx() > 0 && p.FocalPx > 0:
		d = p.FocalPx * ref.SizeMM / det.longestEdgePx() * fallbackDistanceScale
	default:
		return 0, ErrSnapRejected
	}

	d = math.Max(minSnapDistanceMM, math.Min(maxSnapDistanceMM, d))
	// Oblique views under-report area; correct by the foreshortening cosine.
	d *= math.Sqrt(det.shapeCos())
	return d, nil
}

// SingleMarkerTarget computes the robot pose implied by one observation of a
// plan-referenced marker.
func SingleMarkerTarget(ref plan.Marker, det Marker, frameWidth int, p SnapParams) (odometry.Pose, error) {
	d, err := estimateDistance(ref, det, p)
	if err != nil {
		return odometry.Pose{}, err
	}
	if ref.FrontOffsetMM != nil {
		d += *ref.FrontOffsetMM
	}

	axis := markerAxis(ref)
	target := geometry.Point{X: ref.XMM + axis.X*d, Y: ref.YMM + axis.Y*d}

	anchor := areaAnchor(ref.SizeMM)
	proximity := math.Max(0, math.Min(1, det.AreaPx/anchor))

	// A declared snap pose is the surveyed stand-in for "directly in front
	// of the marker"; trust it in proportion to how close and frontal the
	// observation is. Oblique views keep the geometric estimate.
	if ref.SnapPose != nil {
		frontal := math.Max(0, math.Min(1, (det.shapeCos()-0.9)/0.1))
		pull := proximity * frontal
		target.X += (ref.SnapPose.XMM - target.X) * pull
		target.Y += (ref.SnapPose.YMM - target.Y) * pull
	}

	heading := math.Atan2(-axis.Y, -axis.X) * 180 / math.Pi

	if frameWidth > 0 {
		offset := det.Center[0]/float64(frameWidth) - 0.5
		heading += offset * p.HeadingGainDeg * 0.2 * (1 - proximity)
	}
	heading += det.shapeYawDeg() * 0.33 * (1 - 0.5*proximity)

	return odometry.Pose{
		XMM:      target.X,
		YMM:      target.Y,
		ThetaDeg: odometry.NormalizeDeg(heading),
	}, nil
}

// PairTarget computes the robot pose implied by observing two
// plan-referenced markers in the same frame. The world baseline between the
// markers fixes the heading; the pixel separation fixes the range via the
// pinhole relation.
func PairTarget(refA plan.Marker, detA Marker, refB plan.Marker, detB Marker, p SnapParams) (odometry.Pose, error) {
	worldSep := math.Hypot(refB.XMM-refA.XMM, refB.YMM-refA.YMM)
	pixelSep := edgeLength(detA.Center, detB.Center)
	if worldSep == 0 || pixelSep == 0 || p.FocalPx <= 0 {
		return odometry.Pose{}, ErrSnapRejected
	}

	tangent := geometry.Point{X: refB.XMM - refA.XMM, Y: refB.YMM - refA.YMM}.Scale(1 / worldSep)
	normal := geometry.Point{X: -tangent.Y, Y: tangent.X}
	avgAxis := markerAxis(refA).Add(markerAxis(refB))
	if normal.Dot(avgAxis) < 0 {
		normal = normal.Scale(-1)
	}

	dPair := p.FocalPx * worldSep / pixelSep

	// Blend in the per-marker area estimates when both are usable.
	dA, errA := estimateDistance(refA, detA, p)
	dB, errB := estimateDistance(refB, detB, p)
	if errA == nil && errB == nil {
		dPair = pairBaselineWeight*dPair + (1-pairBaselineWeight)*(dA+dB)/2
	}
	dPair = math.Max(minSnapDistanceMM, math.Min(maxSnapDistanceMM, dPair))

	mid := geometry.Point{
		X: (refA.XMM + refB.XMM) / 2,
		Y: (refA.YMM + refB.YMM) / 2,
	}
	target := mid.Add(normal.Scale(dPair))
	heading := math.Atan2(-normal.Y, -normal.X) * 180 / math.Pi

	return odometry.Pose{
		XMM:      target.X,
		YMM:      target.Y,
		ThetaDeg: odometry.NormalizeDeg(heading),
	}, nil
}

// pairScore ranks candidate marker pairs: bigger, better-separated pairs
// give more reliable geometry.
func pairScore(a, b Marker) float64 {
	return a.AreaPx + b.AreaPx + pairPixelDistanceWeight*edgeLength(a.Center, b.Center)
}

// BestPair picks the highest-scoring pair among detections that reference
// known plan markers. Returns the indices into dets, or ok=false when fewer
// than two detections qualify.
func BestPair(dets []Marker, known func(id int) bool) (i, j int, ok bool) {
	best := -1.0
	for x := 0; x < len(dets); x++ {
		if !known(dets[x].ID) {
			continue
		}
		for y := x + 1; y < len(dets); y++ {
			if !known(dets[y].ID) {
				continue
			}
			if s := pairScore(dets[x], dets[y]); s > best {
				best, i, j, ok = s, x, y, true
			}
		}
	}
	return i, j, ok
}
