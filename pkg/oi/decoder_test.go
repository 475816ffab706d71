package oi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame wraps id-prefixed packet bytes in the stream envelope with a
// valid checksum.
func buildFrame(payload ...byte) []byte {
	frame := append([]byte{streamHeader, byte(len(payload))}, payload...)
	var sum byte
	for _, b := range frame {
		sum += b
	}
	return append(frame, -sum)
}

func TestFeedDecodesFrame(t *testing.T) {
	dec := NewDecoder()
	now := time.Now()

	frame := buildFrame(
		pktBumpsWheelDrops, 0x03, // both bumpers
		pktLeftEncoderCounts, 0x12, 0x34,
		pktRightEncoderCount, 0x43, 0x21,
		pktChargingState, 2,
	)
	snaps, err := dec.Feed(frame, now)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	snap := snaps[0]
	assert.True(t, snap.BumpLeft)
	assert.True(t, snap.BumpRight)
	assert.Equal(t, uint16(0x1234), snap.LeftEncoderCounts)
	assert.Equal(t, uint16(0x4321), snap.RightEncoderCounts)
	assert.True(t, snap.HasEncoderCounts)
	assert.Equal(t, byte(2), snap.ChargingState)
	assert.Equal(t, "full_charging", snap.ChargingStateLabel)
	assert.Equal(t, now, snap.Timestamp)
}

func TestFeedPartialFrames(t *testing.T) {
	dec := NewDecoder()
	frame := buildFrame(pktWall, 1)

	snaps, err := dec.Feed(frame[:2], time.Now())
	require.NoError(t, err)
	assert.Empty(t, snaps)

	snaps, err = dec.Feed(frame[2:], time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].WallSeen)
}

func TestFeedAccumulatesTotals(t *testing.T) {
	dec := NewDecoder()
	frame := buildFrame(
		pktDistance, 0, 10,
		pktAngle, 0, 5,
	)
	_, err := dec.Feed(append(append([]byte{}, frame...), frame...), time.Now())
	require.NoError(t, err)

	snap := dec.Snapshot()
	assert.Equal(t, 10, snap.DistanceMM)
	assert.Equal(t, 20.0, snap.TotalDistanceMM)
	assert.Equal(t, 10.0, snap.TotalAngleDeg)
}

func TestFeedNegativeDistance(t *testing.T) {
	dec := NewDecoder()
	// -25 mm as signed big-endian.
	frame := buildFrame(pktDistance, 0xFF, 0xE7)
	snaps, err := dec.Feed(frame, time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, -25, snaps[0].DistanceMM)
}

func TestFeedResyncsOnBadChecksum(t *testing.T) {
	dec := NewDecoder()
	good := buildFrame(pktWall, 1)
	bad := append([]byte{}, good...)
	bad[len(bad)-1]++ // corrupt checksum

	snaps, err := dec.Feed(append(bad, good...), time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Greater(t, dec.Resyncs(), 0)
}

func TestFeedSkipsGarbageBetweenFrames(t *testing.T) {
	dec := NewDecoder()
	good := buildFrame(pktWall, 1)
	stream := append([]byte{0xAA, 0xBB}, good...)
	stream = append(stream, 0xCC)
	stream = append(stream, good...)

	snaps, err := dec.Feed(stream, time.Now())
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestFeedUnknownPacketID(t *testing.T) {
	dec := NewDecoder()
	// Packet id 200 does not exist; the frame checksum is valid, so the
	// decoder must reject it on payload consistency and resync.
	bad := buildFrame(200, 1)
	good := buildFrame(pktWall, 1)

	snaps, err := dec.Feed(append(bad, good...), time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Greater(t, dec.Resyncs(), 0)
}

func TestFeedFramingExceeded(t *testing.T) {
	dec := NewDecoder()
	// A long run of header-like bytes that never checksum.
	junk := make([]byte, 0, 64)
	for i := 0; i < 16; i++ {
		junk = append(junk, streamHeader, 2, 0xFF, 0xFF)
	}
	_, err := dec.Feed(junk, time.Now())
	assert.ErrorIs(t, err, ErrFramingExceeded)
}

func TestFieldsRetainLastValue(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed(buildFrame(pktVoltage, 0x3E, 0x80), time.Now())
	require.NoError(t, err)

	snaps, err := dec.Feed(buildFrame(pktWall, 1), time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 16000, snaps[0].VoltageMV)
	assert.True(t, snaps[0].WallSeen)
}

func TestDecodeGroup(t *testing.T) {
	dec := NewDecoder()
	// Group 3: charging state, voltage, current, temperature, charge, capacity.
	payload := []byte{
		3,          // charging state: trickle
		0x3E, 0x80, // 16000 mV
		0xFF, 0x38, // -200 mA
		25,         // temperature (skipped)
		0x07, 0xD0, // 2000 mAh charge
		0x0A, 0x28, // 2600 mAh capacity
	}
	snap, err := dec.DecodeGroup(3, payload, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "trickle_charging", snap.ChargingStateLabel)
	assert.Equal(t, 16000, snap.VoltageMV)
	assert.Equal(t, -200, snap.CurrentMA)
	assert.Equal(t, 2000, snap.BatteryChargeMAh)
	assert.Equal(t, 2600, snap.BatteryCapacityMAh)
	assert.InDelta(t, 76.9, snap.BatteryPct, 0.1)
}

func TestDecodeGroupSizeMismatch(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.DecodeGroup(3, []byte{1, 2, 3}, time.Now())
	assert.ErrorIs(t, err, ErrDecoderInconsistent)

	_, err = dec.DecodeGroup(200, nil, time.Now())
	assert.ErrorIs(t, err, ErrDecoderInconsistent)
}

func TestChargingSourcesDockVisible(t *testing.T) {
	dec := NewDecoder()
	snaps, err := dec.Feed(buildFrame(pktChargingSources, 0x02), time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].DockVisible)

	snaps, err = dec.Feed(buildFrame(pktChargingSources, 0x01), time.Now())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].DockVisible)
}
