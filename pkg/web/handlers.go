package web

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-roomba/internal/log"
	"github.com/teslashibe/go-roomba/pkg/control"
	"github.com/teslashibe/go-roomba/pkg/hub"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/plan"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "service": s.deps.ServiceName})
}

func (s *Server) handleTelemetry(c *fiber.Ctx) error {
	return c.JSON(s.deps.Broadcaster.Assemble(time.Now()))
}

// --- plan ---

func (s *Server) handleGetPlan(c *fiber.Ctx) error {
	p := s.deps.Plans.Get()
	if p == nil {
		return c.JSON(fiber.Map{"plan": nil})
	}
	return c.JSON(fiber.Map{"plan": fiber.Map{
		"contour":       p.RoomContour().Vertices(),
		"start_pose":    p.StartPose(),
		"aruco_markers": p.Markers(),
		"obstacles":     len(p.Obstacles()),
	}})
}

func (s *Server) handleLoadPlanFile(c *fiber.Ctx) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := c.BodyParser(&body); err != nil || body.Path == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "missing_path"})
	}
	p, err := s.deps.Plans.LoadFile(body.Path)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"ok": false, "error": err.Error()})
	}
	s.resetToStartPose(p.StartPose())
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleLoadPlanJSON(c *fiber.Ctx) error {
	p, err := s.deps.Plans.LoadJSON(c.Body())
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"ok": false, "error": err.Error()})
	}
	s.resetToStartPose(p.StartPose())
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) resetToStartPose(sp plan.Pose) {
	s.deps.Estimator.ResetTo(odometry.Pose{XMM: sp.XMM, YMM: sp.YMM, ThetaDeg: sp.ThetaDeg})
}

// --- odometry ---

func (s *Server) handleGetOdometry(c *fiber.Ctx) error {
	pose, delta := s.deps.Estimator.Current()
	return c.JSON(fiber.Map{
		"x_mm":                   pose.XMM,
		"y_mm":                   pose.YMM,
		"theta_deg":              pose.ThetaDeg,
		"last_delta_distance_mm": delta.DistanceMM,
		"last_delta_angle_deg":   delta.AngleDeg,
	})
}

func (s *Server) handleResetOdometry(c *fiber.Ctx) error {
	var body struct {
		XMM      float64 `json:"x_mm"`
		YMM      float64 `json:"y_mm"`
		ThetaDeg float64 `json:"theta_deg"`
	}
	c.BodyParser(&body) // an empty body resets to the origin
	s.deps.Estimator.ResetTo(odometry.Pose{XMM: body.XMM, YMM: body.YMM, ThetaDeg: body.ThetaDeg})
	pose, _ := s.deps.Estimator.Current()
	return c.JSON(fiber.Map{"ok": true, "x_mm": pose.XMM, "y_mm": pose.YMM, "theta_deg": pose.ThetaDeg})
}

func (s *Server) handleResetHistory(c *fiber.Ctx) error {
	start := odometry.Pose{}
	if p := s.deps.Plans.Get(); p != nil {
		sp := p.StartPose()
		start = odometry.Pose{XMM: sp.XMM, YMM: sp.YMM, ThetaDeg: sp.ThetaDeg}
	}
	if err := s.deps.Estimator.ResetHistory(start); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": err.Error()})
	}
	pose, _ := s.deps.Estimator.Current()
	return c.JSON(fiber.Map{"ok": true, "history_cleared": true, "x_mm": pose.XMM, "y_mm": pose.YMM, "theta_deg": pose.ThetaDeg})
}

// --- fiducial ---

func (s *Server) handleArucoStatus(c *fiber.Ctx) error {
	if s.deps.Worker == nil {
		return c.JSON(fiber.Map{"enabled": false})
	}
	res, _, state := s.deps.Worker.Snapshot()
	return c.JSON(fiber.Map{
		"enabled":      res.Enabled,
		"state":        state,
		"interval_sec": s.deps.Worker.Interval().Seconds(),
		"last_result":  res,
	})
}

func (s *Server) handleArucoDebug(c *fiber.Ctx) error {
	if s.deps.Worker == nil {
		return c.JSON(fiber.Map{"enabled": false})
	}
	res, stats, state := s.deps.Worker.Snapshot()
	return c.JSON(fiber.Map{
		"enabled":     res.Enabled,
		"state":       state,
		"stats":       stats,
		"last_result": res,
	})
}

// --- camera ---

func (s *Server) handlePublishFrame(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "empty_frame"})
	}
	// The request body is reused by fiber; the store needs its own copy.
	frame := make([]byte, len(body))
	copy(frame, body)
	s.deps.Frames.Publish(frame, time.Now())
	return c.JSON(fiber.Map{"ok": true, "bytes": len(frame)})
}

func (s *Server) handleLatestFrame(c *fiber.Ctx) error {
	frame, _, ok := s.deps.Frames.Latest()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"ok": false, "error": "no_frame"})
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(frame)
}

// --- websockets ---

func (s *Server) handleTelemetryWS(conn *websocket.Conn) {
	client := hub.NewClient(s.deps.Telemetry, conn)
	client.Run()
}

func (s *Server) handleControlWS(conn *websocket.Conn) {
	id := uuid.NewString()[:8]
	logger := log.With("conn", id)
	logger.Info("control connection opened")
	defer logger.Info("control connection closed")

	session := control.NewSession(s.deps.Session, s.deps.Driver, s.deps.Estimator, s.deps.Plans)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, fatal := session.HandleRaw(data)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
		if fatal != nil {
			logger.Error("control session fatal", "err", fatal)
			conn.WriteMessage(websocket.CloseMessage, []byte(fatal.Error()))
			return
		}
	}
}
