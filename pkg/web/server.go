// Package web exposes the teleoperation server over HTTP: the control and
// telemetry websockets plus a small REST API for plan, odometry, camera and
// fiducial state.
package web

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-roomba/pkg/camera"
	"github.com/teslashibe/go-roomba/pkg/control"
	"github.com/teslashibe/go-roomba/pkg/fiducial"
	"github.com/teslashibe/go-roomba/pkg/hub"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/plan"
	"github.com/teslashibe/go-roomba/pkg/telemetry"
)

// Deps are the shared services the server exposes.
type Deps struct {
	ServiceName string
	Driver      control.RobotDriver
	Estimator   *odometry.Estimator
	Plans       *plan.Manager
	Frames      *camera.Store
	Worker      *fiducial.Worker
	Broadcaster *telemetry.Broadcaster
	Telemetry   *hub.Hub
	Session     control.SessionConfig
}

// Server is the fiber application hosting all HTTP surfaces.
type Server struct {
	app  *fiber.App
	addr string
	deps Deps
}

// NewServer builds the fiber app and its routes.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps}

	app := fiber.New(fiber.Config{
		AppName:               deps.ServiceName,
		DisableStartupMessage: true,
		BodyLimit:             4 * 1024 * 1024, // camera frames arrive whole
	})
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)
	app.Get("/telemetry", s.handleTelemetry)

	api := app.Group("/api")
	api.Get("/plan", s.handleGetPlan)
	api.Post("/plan/load-file", s.handleLoadPlanFile)
	api.Post("/plan/load-json", s.handleLoadPlanJSON)
	api.Get("/odometry", s.handleGetOdometry)
	api.Post("/odometry/reset", s.handleResetOdometry)
	api.Post("/odometry/reset-history", s.handleResetHistory)
	api.Get("/aruco/status", s.handleArucoStatus)
	api.Get("/aruco/debug", s.handleArucoDebug)

	app.Post("/camera/frame", s.handlePublishFrame)
	app.Get("/camera/frame", s.handleLatestFrame)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", websocket.New(s.handleTelemetryWS))
	app.Get("/ws/control", websocket.New(s.handleControlWS))

	s.app = app
	return s
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown stops the server with a bounded grace period.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(2 * time.Second)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }
