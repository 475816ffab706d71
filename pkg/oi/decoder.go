package oi

import (
	"encoding/binary"
	"errors"
	"time"
)

// maxConsecutiveResyncs is how many resync attempts in a row the decoder
// tolerates before the link is declared broken.
const maxConsecutiveResyncs = 10

// ErrFramingExceeded is returned when the decoder cannot find a valid frame
// after maxConsecutiveResyncs attempts.
var ErrFramingExceeded = errors.New("oi: framing error threshold exceeded")

// ErrDecoderInconsistent is returned when a frame or group payload does not
// match the packet size table.
var ErrDecoderInconsistent = errors.New("oi: decoder inconsistent")

// Decoder reframes and decodes the byte stream the robot emits after a
// Stream command. It is a plain state machine: framing decisions rest purely
// on the checksum and length consistency, never on timing.
//
// The decoder is stateful. Fields absent from the selected sensor group keep
// their previous value, and one-frame distance/angle values are accumulated
// into running totals.
type Decoder struct {
	buf  []byte
	snap SensorSnapshot

	consecutiveResyncs int
	totalResyncs       int
}

// NewDecoder returns a decoder with an empty snapshot.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Resyncs returns the total number of resync events since creation.
func (d *Decoder) Resyncs() int { return d.totalResyncs }

// Snapshot returns the current accumulated sensor state.
func (d *Decoder) Snapshot() SensorSnapshot { return d.snap }

// Feed appends raw bytes and extracts every complete, checksum-valid frame.
// It returns one snapshot per decoded frame. ErrFramingExceeded is returned
// once the consecutive resync budget is exhausted; the caller is expected to
// restart the link.
func (d *Decoder) Feed(data []byte, now time.Time) ([]SensorSnapshot, error) {
	d.buf = append(d.buf, data...)

	var out []SensorSnapshot
	for {
		// Drop leading garbage up to the next header byte.
		if dropped := d.skipToHeader(); dropped {
			d.totalResyncs++
			d.consecutiveResyncs++
			if d.consecutiveResyncs >= maxConsecutiveResyncs {
				return out, ErrFramingExceeded
			}
		}
		if len(d.buf) < 2 {
			return out, nil
		}

		length := int(d.buf[1])
		total := 2 + length + 1
		if length == 0 {
			if err := d.resync(); err != nil {
				return out, err
			}
			continue
		}
		if len(d.buf) < total {
			return out, nil
		}

		frame := d.buf[:total]
		if !checksumValid(frame) {
			if err := d.resync(); err != nil {
				return out, err
			}
			continue
		}
		if err := d.applyPayload(frame[2 : 2+length]); err != nil {
			if rerr := d.resync(); rerr != nil {
				return out, rerr
			}
			continue
		}

		d.buf = d.buf[total:]
		d.consecutiveResyncs = 0
		d.snap.Timestamp = now
		out = append(out, d.snap)
	}
}

// DecodeGroup decodes a one-shot Sensors query response: the packed data
// bytes of every packet in the group, in order, with no framing envelope.
func (d *Decoder) DecodeGroup(group byte, payload []byte, now time.Time) (SensorSnapshot, error) {
	layout, ok := groupLayouts[group]
	if !ok {
		return SensorSnapshot{}, ErrDecoderInconsistent
	}
	want, _ := groupSize(group)
	if len(payload) != want {
		return SensorSnapshot{}, ErrDecoderInconsistent
	}
	off := 0
	for _, id := range layout {
		size := packetSizes[id]
		d.applyPacket(id, payload[off:off+size])
		off += size
	}
	d.snap.Timestamp = now
	return d.snap, nil
}

// skipToHeader drops bytes preceding the next stream header. It reports
// whether anything was dropped.
func (d *Decoder) skipToHeader() bool {
	dropped := false
	for len(d.buf) > 0 && d.buf[0] != streamHeader {
		d.buf = d.buf[1:]
		dropped = true
	}
	return dropped
}

// resync discards a single byte and counts the event.
func (d *Decoder) resync() error {
	if len(d.buf) > 0 {
		d.buf = d.buf[1:]
	}
	d.totalResyncs++
	d.consecutiveResyncs++
	if d.consecutiveResyncs >= maxConsecutiveResyncs {
		return ErrFramingExceeded
	}
	return nil
}

// checksumValid verifies that header + length + payload + checksum sums to
// zero modulo 256.
func checksumValid(frame []byte) bool {
	var sum byte
	for _, b := range frame {
		sum += b
	}
	return sum == 0
}

// applyPayload walks the id-prefixed packet sequence inside one stream frame.
func (d *Decoder) applyPayload(payload []byte) error {
	off := 0
	for off < len(payload) {
		id := payload[off]
		size, ok := packetSizes[id]
		if !ok {
			return ErrDecoderInconsistent
		}
		off++
		if off+size > len(payload) {
			return ErrDecoderInconsistent
		}
		d.applyPacket(id, payload[off:off+size])
		off += size
	}
	return nil
}

func (d *Decoder) applyPacket(id byte, data []byte) {
	switch id {
	case pktBumpsWheelDrops:
		bits := data[0]
		d.snap.BumpRight = bits&0x01 != 0
		d.snap.BumpLeft = bits&0x02 != 0
		d.snap.WheelDropRight = bits&0x04 != 0
		d.snap.WheelDropLeft = bits&0x08 != 0
		d.snap.WheelDropCaster = bits&0x10 != 0
	case pktWall:
		d.snap.WallSeen = data[0] != 0
	case pktCliffLeft:
		d.snap.CliffLeft = data[0] != 0
	case pktCliffFrontLeft:
		d.snap.CliffFrontLeft = data[0] != 0
	case pktCliffFrontRight:
		d.snap.CliffFrontRight = data[0] != 0
	case pktCliffRight:
		d.snap.CliffRight = data[0] != 0
	case pktDistance:
		v := int(int16(binary.BigEndian.Uint16(data)))
		d.snap.DistanceMM = v
		d.snap.TotalDistanceMM += float64(v)
	case pktAngle:
		v := int(int16(binary.BigEndian.Uint16(data)))
		d.snap.AngleDeg = v
		d.snap.TotalAngleDeg += float64(v)
	case pktChargingState:
		d.snap.ChargingState = data[0]
		d.snap.ChargingStateLabel = ChargingStateLabel(data[0])
	case pktVoltage:
		d.snap.VoltageMV = int(binary.BigEndian.Uint16(data))
	case pktCurrent:
		d.snap.CurrentMA = int(int16(binary.BigEndian.Uint16(data)))
	case pktBatteryCharge:
		d.snap.BatteryChargeMAh = int(binary.BigEndian.Uint16(data))
		d.recomputeBatteryPct()
	case pktBatteryCapacity:
		d.snap.BatteryCapacityMAh = int(binary.BigEndian.Uint16(data))
		d.recomputeBatteryPct()
	case pktChargingSources:
		d.snap.ChargingSources = data[0]
		d.snap.DockVisible = data[0]&0x02 != 0
	case pktOIMode:
		d.snap.OIMode = data[0]
	case pktRequestedVelocity:
		d.snap.RequestedVelocity = int16(binary.BigEndian.Uint16(data))
	case pktRequestedRadius:
		d.snap.RequestedRadius = int16(binary.BigEndian.Uint16(data))
	case pktLeftEncoderCounts:
		d.snap.LeftEncoderCounts = binary.BigEndian.Uint16(data)
		d.snap.HasEncoderCounts = true
	case pktRightEncoderCount:
		d.snap.RightEncoderCounts = binary.BigEndian.Uint16(data)
		d.snap.HasEncoderCounts = true
	case pktLightBumper:
		d.snap.LightBumper = data[0]
	}
}

func (d *Decoder) recomputeBatteryPct() {
	if d.snap.BatteryCapacityMAh > 0 {
		d.snap.BatteryPct = 100.0 * float64(d.snap.BatteryChargeMAh) / float64(d.snap.BatteryCapacityMAh)
	}
}
