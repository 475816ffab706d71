package control

import (
	"errors"

	"github.com/teslashibe/go-roomba/internal/log"
	"github.com/teslashibe/go-roomba/pkg/odometry"
	"github.com/teslashibe/go-roomba/pkg/oi"
	"github.com/teslashibe/go-roomba/pkg/plan"
)

// RobotDriver is the slice of the OI driver the control session needs.
type RobotDriver interface {
	Connect() error
	Start() error
	SetMode(oi.Mode) error
	Drive(velocity, radius int) error
	Stop() error
	Clean() error
	Dock() error
	EnsureSensorStream(group byte, hz float64) error
	Latest() oi.SensorSnapshot
}

// SessionConfig fixes the sensor stream the init command subscribes to.
type SessionConfig struct {
	StreamGroup byte
	StreamHz    float64
}

// Session executes operator commands for one control connection. Commands
// from a single connection apply in FIFO order.
type Session struct {
	cfg   SessionConfig
	drv   RobotDriver
	est   *odometry.Estimator
	plans *plan.Manager
}

// NewSession creates a session bound to the shared driver and estimator.
func NewSession(cfg SessionConfig, drv RobotDriver, est *odometry.Estimator, plans *plan.Manager) *Session {
	if cfg.StreamGroup == 0 {
		cfg.StreamGroup = 100
	}
	if cfg.StreamHz <= 0 {
		cfg.StreamHz = 20
	}
	return &Session{cfg: cfg, drv: drv, est: est, plans: plans}
}

// HandleRaw decodes and executes one wire message. Decode failures produce
// an error reply and a nil error; a non-nil error is session-fatal.
func (s *Session) HandleRaw(data []byte) (Reply, error) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return Reply{OK: false, Action: cmd.Action, Error: err.Error()}, nil
	}
	return s.Handle(cmd)
}

// Handle executes a decoded command. The returned error is non-nil only
// for session-fatal conditions (a closed driver); per-command failures are
// reported in the reply with the channel left open.
func (s *Session) Handle(cmd Command) (Reply, error) {
	reply := Reply{OK: true, Action: cmd.Action}

	var err error
	switch cmd.Action {
	case ActionPing:
		return reply, nil

	case ActionInit:
		err = s.initRobot()
		reply.Connected = err == nil

	case ActionMode:
		mode := oi.ModeSafe
		if cmd.Value == "full" {
			mode = oi.ModeFull
		}
		err = s.drv.SetMode(mode)

	case ActionDrive:
		v, r, rewritten := ArbitrateDrive(cmd.Velocity, cmd.Radius, s.drv.Latest())
		if rewritten {
			log.Info("drive rewritten to stop by safety guard",
				"velocity", cmd.Velocity, "radius", cmd.Radius)
			err = s.drv.Stop()
		} else {
			err = s.drv.Drive(v, r)
		}
		reply.Velocity = &v
		reply.Radius = &r
		reply.Rewritten = rewritten

	case ActionStop:
		err = s.drv.Stop()

	case ActionClean:
		err = s.drv.Clean()

	case ActionDock:
		err = s.drv.Dock()

	case ActionReset:
		pose := odometry.Pose{XMM: cmd.XMM, YMM: cmd.YMM, ThetaDeg: cmd.ThetaDeg}
		s.est.ResetTo(pose)
		reply.XMM, reply.YMM, reply.ThetaDeg = pose.XMM, pose.YMM, pose.ThetaDeg

	case ActionResetHistory:
		pose := s.startPose()
		if err = s.est.ResetHistory(pose); err == nil {
			reply.XMM, reply.YMM, reply.ThetaDeg = pose.XMM, pose.YMM, pose.ThetaDeg
		}

	default:
		reply.OK = false
		reply.Error = ErrOperatorInvalid.Error()
		return reply, nil
	}

	if err != nil {
		if errors.Is(err, oi.ErrClosed) {
			// Terminal: surface to the caller so the channel closes.
			return Reply{OK: false, Action: cmd.Action, Error: err.Error()}, err
		}
		reply.OK = false
		reply.Error = err.Error()
	}
	return reply, nil
}

// initRobot is connect + start + safe + sensor stream, each idempotent.
func (s *Session) initRobot() error {
	if err := s.drv.Connect(); err != nil {
		return err
	}
	if err := s.drv.Start(); err != nil {
		return err
	}
	if err := s.drv.SetMode(oi.ModeSafe); err != nil {
		return err
	}
	return s.drv.EnsureSensorStream(s.cfg.StreamGroup, s.cfg.StreamHz)
}

func (s *Session) startPose() odometry.Pose {
	if s.plans != nil {
		if p := s.plans.Get(); p != nil {
			sp := p.StartPose()
			return odometry.Pose{XMM: sp.XMM, YMM: sp.YMM, ThetaDeg: sp.ThetaDeg}
		}
	}
	return odometry.Pose{}
}
