package oi

// Open Interface command opcodes.
const (
	opStart             byte = 128
	opBaud              byte = 129
	opSafe              byte = 131
	opFull              byte = 132
	opPower             byte = 133
	opClean             byte = 135
	opDrive             byte = 137
	opSensors           byte = 142
	opDock              byte = 143
	opStream            byte = 148
	opQueryList         byte = 149
	opPauseResumeStream byte = 150
)

// streamHeader starts every framed sensor stream packet.
const streamHeader byte = 19

// Sensor packet ids used by the driver.
const (
	pktBumpsWheelDrops   byte = 7
	pktWall              byte = 8
	pktCliffLeft         byte = 9
	pktCliffFrontLeft    byte = 10
	pktCliffFrontRight   byte = 11
	pktCliffRight        byte = 12
	pktDistance          byte = 19
	pktAngle             byte = 20
	pktChargingState     byte = 21
	pktVoltage           byte = 22
	pktCurrent           byte = 23
	pktBatteryCharge     byte = 25
	pktBatteryCapacity   byte = 26
	pktChargingSources   byte = 34
	pktOIMode            byte = 35
	pktRequestedVelocity byte = 39
	pktRequestedRadius   byte = 40
	pktLeftEncoderCounts byte = 43
	pktRightEncoderCount byte = 44
	pktLightBumper       byte = 45
)

// packetSizes maps every OI sensor packet id to its payload byte count.
// The decoder needs the full table to skip packets it does not interpret.
var packetSizes = map[byte]int{
	7: 1, 8: 1, 9: 1, 10: 1, 11: 1, 12: 1, 13: 1, 14: 1, 15: 1, 16: 1,
	17: 1, 18: 1, 19: 2, 20: 2, 21: 1, 22: 2, 23: 2, 24: 1, 25: 2, 26: 2,
	27: 2, 28: 2, 29: 2, 30: 2, 31: 2, 32: 1, 33: 2, 34: 1, 35: 1, 36: 1,
	37: 1, 38: 1, 39: 2, 40: 2, 41: 2, 42: 2, 43: 2, 44: 2, 45: 1, 46: 2,
	47: 2, 48: 2, 49: 2, 50: 2, 51: 2, 52: 1, 53: 1, 54: 2, 55: 2, 56: 2,
	57: 2, 58: 1,
}

// groupLayouts lists the packet ids returned, in order, for each sensor
// group id usable with the Sensors and Stream commands.
var groupLayouts = map[byte][]byte{
	0:   packetRange(7, 26),
	1:   packetRange(7, 16),
	2:   packetRange(17, 20),
	3:   packetRange(21, 26),
	4:   packetRange(27, 34),
	5:   packetRange(35, 42),
	6:   packetRange(7, 42),
	100: packetRange(7, 58),
	101: packetRange(43, 58),
}

func packetRange(from, to byte) []byte {
	ids := make([]byte, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

// groupSize returns the total payload byte count for a sensor group.
func groupSize(group byte) (int, bool) {
	layout, ok := groupLayouts[group]
	if !ok {
		return 0, false
	}
	total := 0
	for _, id := range layout {
		total += packetSizes[id]
	}
	return total, true
}

// Charging state codes reported by packet 21.
var chargingStateLabels = map[byte]string{
	0: "not_charging",
	1: "reconditioning",
	2: "full_charging",
	3: "trickle_charging",
	4: "waiting",
	5: "charging_fault",
}

// ChargingStateLabel returns the human-readable label for a charging state
// code, or "unknown" for out-of-range codes.
func ChargingStateLabel(code byte) string {
	if label, ok := chargingStateLabels[code]; ok {
		return label
	}
	return "unknown"
}
