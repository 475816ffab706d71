package fiducial

import (
	"sync"
	"time"

	"github.com/teslashibe/go-roomba/internal/log"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/plan"
)

// SnapperConfig tunes how detections are blended into odometry.
type SnapperConfig struct {
	Params     SnapParams
	PoseBlend  float64
	ThetaBlend float64
	// StaleThreshold rejects detections older than this; defaults to
	// twice the detection interval.
	StaleThreshold time.Duration
}

// ResultSource yields the latest detection result.
type ResultSource interface {
	Last() Result
}

// Snapper is the snap applier task: it watches the latest fiducial result
// and blends map-referenced observations into the odometry estimate.
// Unusable results are logged once per signature and never touch odometry.
type Snapper struct {
	cfg     SnapperConfig
	plans   odometry.PlanProvider
	est     *odometry.Estimator
	results ResultSource

	mu          sync.Mutex
	lastApplied time.Time
	logged      map[string]bool
}

// NewSnapper wires a snap applier to its collaborators.
func NewSnapper(cfg SnapperConfig, plans odometry.PlanProvider, est *odometry.Estimator, results ResultSource) *Snapper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = time.Second
	}
	return &Snapper{
		cfg:     cfg,
		plans:   plans,
		est:     est,
		results: results,
		logged:  make(map[string]bool),
	}
}

// Run polls for fresh results until the context is cancelled.
func (s *Snapper) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			res := s.results.Last()
			s.mu.Lock()
			fresh := res.OK && res.Timestamp.After(s.lastApplied)
			s.mu.Unlock()
			if fresh {
				s.Apply(res, time.Now())
			}
		}
	}
}

// Apply attempts one snap from the given result. It returns the new pose
// and true when a snap was blended in.
func (s *Snapper) Apply(res Result, now time.Time) (odometry.Pose, bool) {
	if !res.OK || len(res.Markers) == 0 {
		return odometry.Pose{}, false
	}
	if res.Stale(s.cfg.StaleThreshold, now) {
		s.rejectOnce("stale_result")
		return odometry.Pose{}, false
	}
	p := s.plans.Get()
	if p == nil {
		s.rejectOnce("no_plan")
		return odometry.Pose{}, false
	}

	known := func(id int) bool {
		_, ok := p.MarkerByID(id)
		return ok
	}

	target, err := s.computeTarget(res, known, p)
	if err != nil {
		return odometry.Pose{}, false
	}

	pose := s.est.ApplySnap(target, s.cfg.PoseBlend, s.cfg.ThetaBlend)
	s.mu.Lock()
	s.lastApplied = res.Timestamp
	s.mu.Unlock()
	log.Debug("fiducial snap applied",
		"x_mm", pose.XMM, "y_mm", pose.YMM, "theta_deg", pose.ThetaDeg)
	return pose, true
}

func (s *Snapper) computeTarget(res Result, known func(int) bool, p *plan.Plan) (odometry.Pose, error) {
	// Pair mode when two referenced markers are visible; single otherwise.
	if i, j, ok := BestPair(res.Markers, known); ok {
		refA, _ := p.MarkerByID(res.Markers[i].ID)
		refB, _ := p.MarkerByID(res.Markers[j].ID)
		target, err := PairTarget(refA, res.Markers[i], refB, res.Markers[j], s.cfg.Params)
		if err == nil {
			return target, nil
		}
		s.rejectOnce("pair_unusable")
	}

	best := -1
	for idx, det := range res.Markers {
		if !known(det.ID) {
			continue
		}
		if best < 0 || det.AreaPx > res.Markers[best].AreaPx {
			best = idx
		}
	}
	if best < 0 {
		s.rejectOnce("no_known_marker")
		return odometry.Pose{}, ErrSnapRejected
	}

	ref, _ := p.MarkerByID(res.Markers[best].ID)
	target, err := SingleMarkerTarget(ref, res.Markers[best], res.FrameWidth, s.cfg.Params)
	if err != nil {
		s.rejectOnce("single_unusable")
		return odometry.Pose{}, err
	}
	return target, nil
}

// rejectOnce logs each rejection signature a single time.
func (s *Snapper) rejectOnce(signature string) {
	s.mu.Lock()
	seen := s.logged[signature]
	s.logged[signature] = true
	s.mu.Unlock()
	if !seen {
		log.Warn("fiducial snap rejected", "reason", signature)
	}
}
