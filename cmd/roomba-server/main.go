// Command roomba-server is the teleoperation and live-monitoring server: it
// owns the robot's serial Open Interface, estimates pose from wheel
// encoders under map constraints, optionally corrects pose from ArUco
// detections, and exposes control/telemetry websockets to the browser.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-roomba/internal/config"
	"github.com/teslashibe/go-roomba/internal/log"
	"github.com/teslashibe/go-roomba/pkg/camera"
	"github.com/teslashibe/go-roomba/pkg/control"
	"github.com/teslashibe/go-roomba/pkg/fiducial"
	"github.com/teslashibe/go-roomba/pkg/hub"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/oi"
	"github.com/teslashibe/go-roomba/pkg/plan"
	"github.com/teslashibe/go-roomba/pkg/telemetry"
	"github.com/teslashibe/go-roomba/pkg/web"
)

// Exit codes for the service host.
const (
	exitOK = iota
	exitFatalInit
	exitPlanInvalid
	exitPortUnavailable
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	planPath := flag.String("plan", "", "plan file override")
	connectOnStart := flag.Bool("connect-on-start", false, "open the serial port at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatalInit
	}
	log.Init(cfg.LogLevel)

	plans := plan.NewManager(cfg.MarkerSizeMM())
	if *planPath != "" {
		cfg.PlanDefaultPath = *planPath
	}
	if cfg.PlanDefaultPath != "" {
		if _, err := plans.LoadFile(cfg.PlanDefaultPath); err != nil {
			log.Error("plan load failed", "path", cfg.PlanDefaultPath, "err", err)
			return exitPlanInvalid
		}
		log.Info("plan loaded", "path", cfg.PlanDefaultPath)
	}

	history, err := odometry.OpenHistory(cfg.OdometryHistoryPath)
	if err != nil {
		log.Error("history open failed", "path", cfg.OdometryHistoryPath, "err", err)
		return exitFatalInit
	}
	defer history.Close()

	driver := oi.NewDriver(oi.Config{
		Port:         cfg.RoombaSerialPort,
		Baud:         cfg.RoombaBaudrate,
		WriteTimeout: time.Duration(cfg.RoombaTimeoutSec * float64(time.Second)),
	})
	if *connectOnStart {
		if err := driver.Connect(); err != nil {
			log.Error("serial port unavailable", "port", cfg.RoombaSerialPort, "err", err)
			return exitPortUnavailable
		}
	}

	est := odometry.NewEstimator(odometry.Config{
		Source:               odometry.Source(cfg.OdometrySource),
		MMPerTick:            cfg.OdometryMMPerTick,
		LinearScale:          cfg.OdometryLinearScale,
		AngularScale:         cfg.OdometryAngularScale,
		RobotRadiusMM:        cfg.OdometryRobotRadiusMM,
		CollisionMarginScale: cfg.OdometryCollisionMarginScale,
	}, plans, history)

	start := odometry.Pose{}
	if p := plans.Get(); p != nil {
		sp := p.StartPose()
		start = odometry.Pose{XMM: sp.XMM, YMM: sp.YMM, ThetaDeg: sp.ThetaDeg}
	}
	adopted := est.RestoreFromHistory(start)
	log.Info("odometry restored", "x_mm", adopted.XMM, "y_mm", adopted.YMM, "theta_deg", adopted.ThetaDeg)

	done := make(chan struct{})

	// Odometry is the one consumer that must see every sensor frame.
	go odometry.Consume(est, driver.Frames(), done)

	frames := camera.NewStore()

	var worker *fiducial.Worker
	if cfg.ArucoEnabled {
		interval := time.Duration(cfg.ArucoIntervalSec * float64(time.Second))
		detector, derr := fiducial.NewArucoDetector(cfg.ArucoDictionary)
		worker = fiducial.NewWorker(fiducial.WorkerConfig{
			Enabled:     true,
			Interval:    interval,
			DetectorErr: derr,
		}, detector, frames)
		go worker.Run(done)

		if cfg.ArucoSnapEnabled && derr == nil {
			snapper := fiducial.NewSnapper(fiducial.SnapperConfig{
				Params: fiducial.SnapParams{
					FocalPx:        cfg.ArucoFocalPx,
					HeadingGainDeg: cfg.ArucoHeadingGainDeg,
				},
				PoseBlend:      cfg.ArucoPoseBlend,
				ThetaBlend:     cfg.ArucoThetaBlend,
				StaleThreshold: 2 * interval,
			}, plans, est, worker)
			go snapper.Run(done, interval)
		}
	}

	telemetryHub := hub.New("telemetry")
	go telemetryHub.Run(done)

	var fidSource telemetry.FiducialSource
	if worker != nil {
		fidSource = worker
	}
	broadcaster := telemetry.NewBroadcaster(
		time.Duration(cfg.TelemetryIntervalSec*float64(time.Second)),
		driver, est, fidSource, telemetryHub,
	)
	go broadcaster.Run(done)

	server := web.NewServer(cfg.ListenAddr, web.Deps{
		ServiceName: cfg.ServiceName,
		Driver:      driver,
		Estimator:   est,
		Plans:       plans,
		Frames:      frames,
		Worker:      worker,
		Broadcaster: broadcaster,
		Telemetry:   telemetryHub,
		Session:     control.SessionConfig{StreamGroup: 100, StreamHz: 20},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen() }()
	log.Info("server listening", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "err", err)
			code = exitFatalInit
		}
	}

	close(done)
	server.Shutdown()
	if err := driver.Close(); err != nil && !errors.Is(err, oi.ErrClosed) {
		log.Warn("driver close failed", "err", err)
	}
	return code
}
