// Package oi drives an iRobot Open Interface robot over a serial link. The
// driver owns the port exclusively: every command encoder goes through it,
// and a background reader task keeps a continuous sensor stream decoded,
// published and self-healing.
package oi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-roomba/internal/log"
)

// Driver failure modes. The first four are recovered internally where
// possible; ErrClosed is terminal.
var (
	ErrPortUnavailable = errors.New("oi: serial port unavailable")
	ErrWriteTimeout    = errors.New("oi: serial write timed out")
	ErrClosed          = errors.New("oi: driver closed")
)

// Mode selects the OI control mode.
type Mode byte

const (
	ModeSafe Mode = Mode(opSafe)
	ModeFull Mode = Mode(opFull)
)

// RadiusStraight is the special drive radius for straight-line motion.
// RadiusSpinCCW / RadiusSpinCW select in-place rotation.
const (
	RadiusStraight = 32768
	RadiusSpinCCW  = 1
	RadiusSpinCW   = -1
)

const (
	maxDriveVelocity = 500
	maxDriveRadius   = 2000

	// stream restart thresholds
	staleFramePeriods = 5
	alivePeriods      = 3

	backoffMin = 100 * time.Millisecond
	backoffMax = 1 * time.Second

	// consumer lag beyond this triggers a stream restart rather than a drop
	consumerLagLimit = 200 * time.Millisecond
)

// Health describes the sensor stream link state.
type Health struct {
	Alive         bool          `json:"sensor_stream_alive"`
	LastUpdateAge time.Duration `json:"sensor_stream_last_update_age"`
	RestartCount  int           `json:"sensor_stream_restart_count"`
	LastError     string        `json:"sensor_stream_last_error"`
}

// Config holds the driver tunables.
type Config struct {
	Port         string
	Baud         int
	WriteTimeout time.Duration
	// Opener defaults to OpenSerial; tests inject fakes here.
	Opener Opener
}

// Driver owns the serial link to the robot.
type Driver struct {
	cfg Config

	// writeMu serialises command writes and port open/close.
	writeMu sync.Mutex
	port    Port
	closed  bool

	lastDriveVel  int
	lastDriveRad  int
	haveLastDrive bool

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
	streamGroup  byte
	streamPeriod time.Duration

	healthMu     sync.RWMutex
	lastFrameAt  time.Time
	restartCount int
	lastErr      string

	snapMu sync.RWMutex
	latest SensorSnapshot

	frames chan SensorSnapshot
}

// NewDriver creates a driver for the configured port. No I/O happens until
// Connect or the first command.
func NewDriver(cfg Config) *Driver {
	if cfg.Opener == nil {
		cfg.Opener = OpenSerial
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	return &Driver{
		cfg:    cfg,
		frames: make(chan SensorSnapshot, 256),
	}
}

// Connect opens the serial port. Idempotent.
func (d *Driver) Connect() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.connectLocked()
}

func (d *Driver) connectLocked() error {
	if d.closed {
		return ErrClosed
	}
	if d.port != nil {
		return nil
	}
	port, err := d.cfg.Opener(d.cfg.Port, d.cfg.Baud)
	if err != nil {
		return err
	}
	d.port = port
	log.Info("serial port open", "port", d.cfg.Port, "baud", d.cfg.Baud)
	return nil
}

// Connected reports whether the port is open.
func (d *Driver) Connected() bool {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.port != nil && !d.closed
}

// write sends raw bytes, opening the port on demand. Writes are bounded by
// the configured timeout; a timed-out write marks the link degraded.
func (d *Driver) write(payload []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.writeLocked(payload)
}

func (d *Driver) writeLocked(payload []byte) error {
	if d.closed {
		return ErrClosed
	}
	if err := d.connectLocked(); err != nil {
		return err
	}

	port := d.port
	done := make(chan error, 1)
	go func() {
		_, err := port.Write(payload)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPortUnavailable, err)
		}
		return nil
	case <-time.After(d.cfg.WriteTimeout):
		d.setLastError(ErrWriteTimeout.Error())
		return ErrWriteTimeout
	}
}

// Start sends the OI start opcode, putting the robot into passive mode.
func (d *Driver) Start() error { return d.write([]byte{opStart}) }

// SetMode switches between safe and full control modes.
func (d *Driver) SetMode(m Mode) error { return d.write([]byte{byte(m)}) }

// Clean starts the default cleaning behaviour.
func (d *Driver) Clean() error { return d.write([]byte{opClean}) }

// Dock sends the robot to its charging dock.
func (d *Driver) Dock() error { return d.write([]byte{opDock}) }

// PowerOff powers the robot down.
func (d *Driver) PowerOff() error { return d.write([]byte{opPower}) }

// Drive commands a velocity (mm/s, clamped to ±500) and turn radius (mm).
// Radius special values: 32768 straight, 1 spin CCW, -1 spin CW; other radii
// are clamped to ±2000. Identical consecutive drive frames are coalesced and
// produce no wire traffic.
func (d *Driver) Drive(velocity, radius int) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	velocity = clampInt(velocity, -maxDriveVelocity, maxDriveVelocity)
	radius = normaliseRadius(radius)

	if d.haveLastDrive && d.lastDriveVel == velocity && d.lastDriveRad == radius {
		return nil
	}
	cmd := encodeDrive(velocity, radius)
	if err := d.writeLocked(cmd); err != nil {
		return err
	}
	d.lastDriveVel, d.lastDriveRad = velocity, radius
	d.haveLastDrive = true
	return nil
}

// Stop halts the wheels. Equivalent to Drive(0, RadiusStraight).
func (d *Driver) Stop() error { return d.Drive(0, RadiusStraight) }

func normaliseRadius(radius int) int {
	switch radius {
	case RadiusStraight, -RadiusStraight, RadiusSpinCCW, RadiusSpinCW:
		return radius
	}
	return clampInt(radius, -maxDriveRadius, maxDriveRadius)
}

// encodeDrive produces the drive opcode plus two signed big-endian words.
func encodeDrive(velocity, radius int) []byte {
	rWord := uint16(0x8000)
	if radius != RadiusStraight && radius != -RadiusStraight {
		rWord = uint16(int16(radius))
	}
	vWord := uint16(int16(velocity))
	return []byte{
		opDrive,
		byte(vWord >> 8), byte(vWord),
		byte(rWord >> 8), byte(rWord),
	}
}

// decodeDrive is the inverse of encodeDrive.
func decodeDrive(cmd []byte) (velocity, radius int, ok bool) {
	if len(cmd) != 5 || cmd[0] != opDrive {
		return 0, 0, false
	}
	velocity = int(int16(uint16(cmd[1])<<8 | uint16(cmd[2])))
	rWord := uint16(cmd[3])<<8 | uint16(cmd[4])
	if rWord == 0x8000 {
		return velocity, RadiusStraight, true
	}
	return velocity, int(int16(rWord)), true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RequestSensorGroup performs a one-shot Sensors query and decodes the
// response. It must not be called while a stream is active; the framed
// stream bytes would interleave with the raw group payload.
func (d *Driver) RequestSensorGroup(group byte) (SensorSnapshot, error) {
	d.streamMu.Lock()
	streaming := d.streamCancel != nil
	d.streamMu.Unlock()
	if streaming {
		return SensorSnapshot{}, fmt.Errorf("%w: sensor stream active", ErrDecoderInconsistent)
	}

	size, ok := groupSize(group)
	if !ok {
		return SensorSnapshot{}, fmt.Errorf("%w: unknown sensor group %d", ErrDecoderInconsistent, group)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writeLocked([]byte{opSensors, group}); err != nil {
		return SensorSnapshot{}, err
	}
	port := d.port
	port.SetReadTimeout(d.cfg.WriteTimeout)
	payload := make([]byte, size)
	off := 0
	for off < size {
		n, err := port.Read(payload[off:])
		if err != nil {
			return SensorSnapshot{}, fmt.Errorf("%w: %v", ErrPortUnavailable, err)
		}
		if n == 0 {
			return SensorSnapshot{}, fmt.Errorf("%w: short sensor response", ErrDecoderInconsistent)
		}
		off += n
	}
	dec := NewDecoder()
	return dec.DecodeGroup(group, payload, time.Now())
}

// EnsureSensorStream starts (or restarts) the continuous sensor stream for
// the given group at the given rate. Idempotent for an unchanged group.
func (d *Driver) EnsureSensorStream(group byte, hz float64) error {
	if hz <= 0 {
		hz = 20
	}
	period := time.Duration(float64(time.Second) / hz)

	d.streamMu.Lock()
	defer d.streamMu.Unlock()

	if d.streamCancel != nil && d.streamGroup == group {
		return nil
	}
	d.stopStreamLocked()

	if err := d.write([]byte{opStream, 1, group}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.streamCancel = cancel
	d.streamDone = make(chan struct{})
	d.streamGroup = group
	d.streamPeriod = period
	go d.readLoop(ctx, group, period, d.streamDone)
	log.Info("sensor stream started", "group", group, "hz", hz)
	return nil
}

// StopSensorStream pauses the stream and stops the reader task.
func (d *Driver) StopSensorStream() {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	d.stopStreamLocked()
}

func (d *Driver) stopStreamLocked() {
	if d.streamCancel == nil {
		return
	}
	d.streamCancel()
	<-d.streamDone
	d.streamCancel = nil
	// Best effort: ask the robot to pause its emission.
	d.write([]byte{opPauseResumeStream, 0})
}

// Frames returns the channel carrying every decoded snapshot, in arrival
// order, for consumers that must not miss frames (the odometry estimator).
func (d *Driver) Frames() <-chan SensorSnapshot { return d.frames }

// Latest returns the most recent snapshot with the stream-alive flag set.
func (d *Driver) Latest() SensorSnapshot {
	d.snapMu.RLock()
	snap := d.latest
	d.snapMu.RUnlock()
	snap.StreamAlive = d.Healthy().Alive
	return snap
}

// Healthy returns the current stream health.
func (d *Driver) Healthy() Health {
	d.healthMu.RLock()
	defer d.healthMu.RUnlock()
	h := Health{
		RestartCount: d.restartCount,
		LastError:    d.lastErr,
	}
	if !d.lastFrameAt.IsZero() {
		h.LastUpdateAge = time.Since(d.lastFrameAt)
		h.Alive = h.LastUpdateAge <= time.Duration(alivePeriods)*d.streamPeriodSafe()
	}
	return h
}

func (d *Driver) streamPeriodSafe() time.Duration {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	if d.streamPeriod <= 0 {
		return 50 * time.Millisecond
	}
	return d.streamPeriod
}

func (d *Driver) setLastError(msg string) {
	d.healthMu.Lock()
	d.lastErr = msg
	d.healthMu.Unlock()
}

// readLoop is the reader task: it pulls bytes off the port, reframes and
// decodes them, publishes snapshots, and performs the self-healing restart
// sequence when the stream goes quiet or framing breaks down.
func (d *Driver) readLoop(ctx context.Context, group byte, period time.Duration, done chan struct{}) {
	defer close(done)

	dec := NewDecoder()
	buf := make([]byte, 512)
	lastFrame := time.Now()
	backoff := backoffMin
	var lagSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.writeMu.Lock()
		port := d.port
		d.writeMu.Unlock()
		if port == nil {
			if !d.recoverStream(ctx, group, &backoff) {
				return
			}
			dec = NewDecoder()
			lastFrame = time.Now()
			continue
		}

		port.SetReadTimeout(period)
		n, err := port.Read(buf)
		now := time.Now()

		if err == nil && n > 0 {
			snaps, derr := dec.Feed(buf[:n], now)
			for _, snap := range snaps {
				lastFrame = now
				backoff = backoffMin
				d.publish(snap, &lagSince)
			}
			if len(snaps) > 0 {
				d.healthMu.Lock()
				d.lastFrameAt = lastFrame
				d.healthMu.Unlock()
			}
			if derr != nil {
				d.setLastError(derr.Error())
				log.Warn("sensor stream framing broken", "err", derr)
				if !d.recoverStream(ctx, group, &backoff) {
					return
				}
				dec = NewDecoder()
				lastFrame = time.Now()
				continue
			}
			if !lagSince.IsZero() && now.Sub(lagSince) > consumerLagLimit {
				d.setLastError("sensor frame consumer lagging")
				log.Warn("sensor frame consumer lagging, restarting stream")
				if !d.recoverStream(ctx, group, &backoff) {
					return
				}
				dec = NewDecoder()
				lagSince = time.Time{}
				lastFrame = time.Now()
				continue
			}
		}

		if time.Since(lastFrame) > time.Duration(staleFramePeriods)*period {
			d.setLastError("no valid sensor frame within deadline")
			log.Warn("sensor stream stale", "since", time.Since(lastFrame))
			if !d.recoverStream(ctx, group, &backoff) {
				return
			}
			dec = NewDecoder()
			lastFrame = time.Now()
		}
	}
}

// publish updates the latest-value slot and forwards the frame to the
// ordered consumer channel. The channel must not drop frames; when it is
// full the lag clock starts and the caller restarts the stream if the
// consumer stays behind too long.
func (d *Driver) publish(snap SensorSnapshot, lagSince *time.Time) {
	d.snapMu.Lock()
	d.latest = snap
	d.snapMu.Unlock()

	select {
	case d.frames <- snap:
		*lagSince = time.Time{}
	default:
		if lagSince.IsZero() {
			*lagSince = time.Now()
		}
	}
}

// recoverStream executes the self-healing sequence: pause, reopen, start,
// safe, restream, with doubling back-off. Returns false when the driver is
// shutting down.
func (d *Driver) recoverStream(ctx context.Context, group byte, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > backoffMax {
		*backoff = backoffMax
	}

	d.writeMu.Lock()
	if d.closed {
		d.writeMu.Unlock()
		return false
	}
	// Pause emission and drop the old port; stale buffered bytes die with it.
	if d.port != nil {
		d.writeLocked([]byte{opPauseResumeStream, 0})
		d.port.Close()
		d.port = nil
	}
	err := d.connectLocked()
	if err == nil {
		err = d.writeLocked([]byte{opStart})
	}
	if err == nil {
		err = d.writeLocked([]byte{byte(ModeSafe)})
	}
	if err == nil {
		err = d.writeLocked([]byte{opStream, 1, group})
	}
	d.writeMu.Unlock()

	d.healthMu.Lock()
	d.restartCount++
	if err != nil {
		d.lastErr = err.Error()
	}
	d.healthMu.Unlock()

	if err != nil {
		log.Warn("sensor stream restart failed", "err", err, "backoff", *backoff)
		return !d.isClosed()
	}
	log.Info("sensor stream restarted", "group", group)
	return true
}

func (d *Driver) isClosed() bool {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.closed
}

// Close stops the wheels, stops the stream and releases the port. The
// driver cannot be reused afterwards.
func (d *Driver) Close() error {
	// Best effort: halt motion before tearing the link down.
	d.Stop()
	d.StopSensorStream()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	if d.port != nil {
		err := d.port.Close()
		d.port = nil
		return err
	}
	return nil
}
