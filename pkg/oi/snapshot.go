package oi

import "time"

// SensorSnapshot is a typed view of the most recent sensor state. Fields not
// present in the selected sensor group retain their previous value, so a
// snapshot is always a complete picture.
type SensorSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	BatteryPct         float64 `json:"battery_pct"`
	BatteryChargeMAh   int     `json:"battery_charge_mah"`
	BatteryCapacityMAh int     `json:"battery_capacity_mah"`
	VoltageMV          int     `json:"voltage_mv"`
	CurrentMA          int     `json:"current_ma"`

	ChargingState      byte   `json:"charging_state"`
	ChargingStateLabel string `json:"charging_state_label"`
	ChargingSources    byte   `json:"charging_sources"`
	DockVisible        bool   `json:"dock_visible"`

	BumpLeft        bool `json:"bump_left"`
	BumpRight       bool `json:"bump_right"`
	WheelDropLeft   bool `json:"wheel_drop_left"`
	WheelDropRight  bool `json:"wheel_drop_right"`
	WheelDropCaster bool `json:"wheel_drop_caster"`

	CliffLeft       bool `json:"cliff_left"`
	CliffFrontLeft  bool `json:"cliff_front_left"`
	CliffFrontRight bool `json:"cliff_front_right"`
	CliffRight      bool `json:"cliff_right"`

	WallSeen    bool `json:"wall_seen"`
	LightBumper byte `json:"light_bumper"`

	DistanceMM      int     `json:"distance_mm"`
	AngleDeg        int     `json:"angle_deg"`
	TotalDistanceMM float64 `json:"total_distance_mm"`
	TotalAngleDeg   float64 `json:"total_angle_deg"`

	LeftEncoderCounts  uint16 `json:"left_encoder_counts"`
	RightEncoderCounts uint16 `json:"right_encoder_counts"`
	HasEncoderCounts   bool   `json:"has_encoder_counts"`

	OIMode            byte  `json:"oi_mode"`
	RequestedVelocity int16 `json:"requested_velocity"`
	RequestedRadius   int16 `json:"requested_radius"`

	StreamAlive bool `json:"stream_alive"`
}

// AnyWheelDrop reports whether any wheel drop sensor is active.
func (s SensorSnapshot) AnyWheelDrop() bool {
	return s.WheelDropLeft || s.WheelDropRight || s.WheelDropCaster
}

// AnyCliff reports whether any cliff sensor is active.
func (s SensorSnapshot) AnyCliff() bool {
	return s.CliffLeft || s.CliffFrontLeft || s.CliffFrontRight || s.CliffRight
}
