package control

import (
	"github.com/teslashibe/go-roomba/pkg/oi"
)

// ArbitrateDrive applies the backend safety rules to an operator drive
// command against the latest sensor state. It returns the velocity and
// radius actually forwarded to the driver and whether the command was
// rewritten to a stop.
//
// Rules:
//   - any wheel drop or cliff active: every drive becomes a stop
//   - both bumpers: only reverse is allowed
//   - left bumper: reverse or a right turn is allowed
//   - right bumper: reverse or a left turn is allowed
func ArbitrateDrive(velocity, radius int, snap oi.SensorSnapshot) (v, r int, rewritten bool) {
	if snap.AnyWheelDrop() || snap.AnyCliff() {
		return 0, oi.RadiusStraight, true
	}

	reverse := velocity < 0
	rightTurn := radius < 0 && radius != -oi.RadiusStraight
	leftTurn := radius > 0 && radius != oi.RadiusStraight

	switch {
	case snap.BumpLeft && snap.BumpRight:
		if reverse {
			return velocity, radius, false
		}
	case snap.BumpLeft:
		if reverse || rightTurn {
			return velocity, radius, false
		}
	case snap.BumpRight:
		if reverse || leftTurn {
			return velocity, radius, false
		}
	default:
		return velocity, radius, false
	}
	return 0, oi.RadiusStraight, true
}
