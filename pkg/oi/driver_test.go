package oi

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory serial port. Reads drain a script buffer and
// behave like a timed-out serial read (n=0, nil error) when it is empty.
type fakePort struct {
	mu      sync.Mutex
	reads   bytes.Buffer
	writes  bytes.Buffer
	closed  bool
	timeout time.Duration
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	n, _ := f.reads.Read(p)
	f.mu.Unlock()
	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = d
	return nil
}

func (f *fakePort) feed(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads.Write(data)
}

func (f *fakePort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.writes.Bytes()...)
}

// newTestDriver wires a driver to a sequence of fake ports, one per open.
func newTestDriver(t *testing.T, ports ...*fakePort) (*Driver, func() int) {
	t.Helper()
	var mu sync.Mutex
	opens := 0
	d := NewDriver(Config{
		Port:         "/dev/fake",
		Baud:         115200,
		WriteTimeout: 200 * time.Millisecond,
		Opener: func(path string, baud int) (Port, error) {
			mu.Lock()
			defer mu.Unlock()
			p := ports[opens%len(ports)]
			opens++
			return p, nil
		},
	})
	t.Cleanup(func() { d.Close() })
	return d, func() int { mu.Lock(); defer mu.Unlock(); return opens }
}

func TestDriveEncoding(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.Drive(200, RadiusStraight))
	assert.Equal(t, []byte{opDrive, 0x00, 0xC8, 0x80, 0x00}, port.written())
}

func TestDriveClampsVelocity(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.Drive(900, 100))
	v, r, ok := decodeDrive(port.written())
	require.True(t, ok)
	assert.Equal(t, 500, v)
	assert.Equal(t, 100, r)
}

func TestDriveEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		v, r         int
		wantV, wantR int
	}{
		{200, RadiusStraight, 200, RadiusStraight},
		{-300, RadiusSpinCCW, -300, RadiusSpinCCW},
		{100, RadiusSpinCW, 100, RadiusSpinCW},
		{700, -150, 500, -150},
		{-900, 3000, -500, 2000},
		{0, RadiusStraight, 0, RadiusStraight},
	}
	for _, tt := range tests {
		vel := clampInt(tt.v, -maxDriveVelocity, maxDriveVelocity)
		cmd := encodeDrive(vel, normaliseRadius(tt.r))
		v, r, ok := decodeDrive(cmd)
		require.True(t, ok)
		assert.Equal(t, tt.wantV, v)
		assert.Equal(t, tt.wantR, r)
	}
}

func TestDriveCoalescesDuplicates(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.Drive(200, 500))
	require.NoError(t, d.Drive(200, 500))
	require.NoError(t, d.Drive(200, 500))
	assert.Len(t, port.written(), 5)

	require.NoError(t, d.Drive(250, 500))
	assert.Len(t, port.written(), 10)
}

func TestStopAfterStopSendsOneMessage(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.Drive(200, 500))
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	// drive + one stop only.
	assert.Len(t, port.written(), 10)
}

func TestModeAndSimpleCommands(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.Start())
	require.NoError(t, d.SetMode(ModeSafe))
	require.NoError(t, d.SetMode(ModeFull))
	require.NoError(t, d.Clean())
	require.NoError(t, d.Dock())
	assert.Equal(t, []byte{opStart, opSafe, opFull, opClean, opDock}, port.written())
}

func TestConnectIdempotent(t *testing.T) {
	port := &fakePort{}
	d, opens := newTestDriver(t, port)

	require.NoError(t, d.Connect())
	require.NoError(t, d.Connect())
	assert.Equal(t, 1, opens())
	assert.True(t, d.Connected())
}

func TestRequestSensorGroup(t *testing.T) {
	port := &fakePort{}
	port.feed([]byte{
		0,          // not charging
		0x3E, 0x80, // 16000 mV
		0x00, 0x64, // 100 mA
		22,
		0x07, 0xD0,
		0x0A, 0x28,
	})
	d, _ := newTestDriver(t, port)

	snap, err := d.RequestSensorGroup(3)
	require.NoError(t, err)
	assert.Equal(t, 16000, snap.VoltageMV)
	assert.Equal(t, []byte{opSensors, 3}, port.written())
}

func TestEnsureSensorStreamPublishes(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.EnsureSensorStream(100, 20))

	frame := buildFrame(
		pktBumpsWheelDrops, 0x01,
		pktLeftEncoderCounts, 0x00, 0x10,
		pktRightEncoderCount, 0x00, 0x20,
	)
	port.feed(frame)

	select {
	case snap := <-d.Frames():
		assert.True(t, snap.BumpRight)
		assert.Equal(t, uint16(0x10), snap.LeftEncoderCounts)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame published")
	}

	require.Eventually(t, func() bool {
		return d.Latest().BumpRight
	}, time.Second, 5*time.Millisecond)
	assert.True(t, d.Healthy().Alive)

	// Stream command went to the wire exactly once.
	assert.Equal(t, 1, bytes.Count(port.written(), []byte{opStream, 1, 100}))

	// Idempotent for an unchanged group.
	require.NoError(t, d.EnsureSensorStream(100, 20))
	assert.Equal(t, 1, bytes.Count(port.written(), []byte{opStream, 1, 100}))
}

func TestSensorStreamRecovery(t *testing.T) {
	// First port never produces bytes; the driver must restart onto the
	// second port, re-issue start/safe/stream, and resume publishing.
	quiet := &fakePort{}
	healthy := &fakePort{}
	d, opens := newTestDriver(t, quiet, healthy)

	require.NoError(t, d.EnsureSensorStream(100, 100))

	require.Eventually(t, func() bool {
		return d.Healthy().RestartCount >= 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, d.Healthy().LastError)
	assert.GreaterOrEqual(t, opens(), 2)

	require.Eventually(t, func() bool {
		w := healthy.written()
		return bytes.Contains(w, []byte{opStart}) &&
			bytes.Contains(w, []byte{opSafe}) &&
			bytes.Contains(w, []byte{opStream, 1, 100})
	}, 5*time.Second, 10*time.Millisecond)

	healthy.feed(buildFrame(pktWall, 1))
	require.Eventually(t, func() bool {
		return d.Latest().WallSeen
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseIsTerminal(t *testing.T) {
	port := &fakePort{}
	d, _ := newTestDriver(t, port)

	require.NoError(t, d.Connect())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Drive(100, 100), ErrClosed)
	assert.ErrorIs(t, d.Connect(), ErrClosed)
	assert.ErrorIs(t, d.Close(), ErrClosed)
	assert.True(t, port.closed)
}
