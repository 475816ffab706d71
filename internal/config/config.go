// Package config holds the flat runtime configuration for go-roomba.
// All tunables are named options that can come from a YAML or JSON file,
// with environment variable overrides for the common knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of recognised options.
type Config struct {
	ServiceName string `yaml:"service_name" json:"service_name"`
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	LogLevel    string `yaml:"log_level" json:"log_level"`

	TelemetryIntervalSec float64 `yaml:"telemetry_interval_sec" json:"telemetry_interval_sec"`

	RoombaSerialPort string  `yaml:"roomba_serial_port" json:"roomba_serial_port"`
	RoombaBaudrate   int     `yaml:"roomba_baudrate" json:"roomba_baudrate"`
	RoombaTimeoutSec float64 `yaml:"roomba_timeout_sec" json:"roomba_timeout_sec"`

	OdometrySource               string  `yaml:"odometry_source" json:"odometry_source"`
	OdometryMMPerTick            float64 `yaml:"odometry_mm_per_tick" json:"odometry_mm_per_tick"`
	OdometryLinearScale          float64 `yaml:"odometry_linear_scale" json:"odometry_linear_scale"`
	OdometryAngularScale         float64 `yaml:"odometry_angular_scale" json:"odometry_angular_scale"`
	OdometryRobotRadiusMM        float64 `yaml:"odometry_robot_radius_mm" json:"odometry_robot_radius_mm"`
	OdometryCollisionMarginScale float64 `yaml:"odometry_collision_margin_scale" json:"odometry_collision_margin_scale"`
	OdometryHistoryPath          string  `yaml:"odometry_history_path" json:"odometry_history_path"`

	PlanDefaultPath string `yaml:"plan_default_path" json:"plan_default_path"`

	ArucoEnabled        bool    `yaml:"aruco_enabled" json:"aruco_enabled"`
	ArucoIntervalSec    float64 `yaml:"aruco_interval_sec" json:"aruco_interval_sec"`
	ArucoDictionary     string  `yaml:"aruco_dictionary" json:"aruco_dictionary"`
	ArucoSnapEnabled    bool    `yaml:"aruco_snap_enabled" json:"aruco_snap_enabled"`
	ArucoFocalPx        float64 `yaml:"aruco_focal_px" json:"aruco_focal_px"`
	ArucoMarkerSizeCM   float64 `yaml:"aruco_marker_size_cm" json:"aruco_marker_size_cm"`
	ArucoPoseBlend      float64 `yaml:"aruco_pose_blend" json:"aruco_pose_blend"`
	ArucoThetaBlend     float64 `yaml:"aruco_theta_blend" json:"aruco_theta_blend"`
	ArucoHeadingGainDeg float64 `yaml:"aruco_heading_gain_deg" json:"aruco_heading_gain_deg"`
}

// Default returns the configuration used when no file or override is present.
func Default() *Config {
	return &Config{
		ServiceName: "go-roomba",
		ListenAddr:  ":8040",
		LogLevel:    "info",

		TelemetryIntervalSec: 0.1,

		RoombaSerialPort: "/dev/ttyUSB0",
		RoombaBaudrate:   115200,
		RoombaTimeoutSec: 1.0,

		OdometrySource:               "encoders",
		OdometryMMPerTick:            0.445,
		OdometryLinearScale:          1.0,
		OdometryAngularScale:         1.0,
		OdometryRobotRadiusMM:        180.0,
		OdometryCollisionMarginScale: 0.55,
		OdometryHistoryPath:          "data/odometry_history.jsonl",

		ArucoEnabled:        false,
		ArucoIntervalSec:    0.5,
		ArucoDictionary:     "DICT_4X4_50",
		ArucoSnapEnabled:    false,
		ArucoFocalPx:        615.0,
		ArucoMarkerSizeCM:   15.0,
		ArucoPoseBlend:      0.35,
		ArucoThetaBlend:     0.2,
		ArucoHeadingGainDeg: 40.0,
	}
}

// Load reads a configuration file and applies environment overrides on top of
// the defaults. An empty path yields defaults + environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ROOMBA_SERIAL_PORT"); v != "" {
		c.RoombaSerialPort = v
	}
	if v := os.Getenv("ROOMBA_BAUDRATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RoombaBaudrate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ODOMETRY_HISTORY_PATH"); v != "" {
		c.OdometryHistoryPath = v
	}
	if v := os.Getenv("PLAN_DEFAULT_PATH"); v != "" {
		c.PlanDefaultPath = v
	}
}

func (c *Config) validate() error {
	if c.RoombaBaudrate <= 0 {
		return fmt.Errorf("roomba_baudrate must be positive, got %d", c.RoombaBaudrate)
	}
	if c.TelemetryIntervalSec <= 0 {
		return fmt.Errorf("telemetry_interval_sec must be positive, got %v", c.TelemetryIntervalSec)
	}
	if c.OdometryRobotRadiusMM <= 0 {
		return fmt.Errorf("odometry_robot_radius_mm must be positive, got %v", c.OdometryRobotRadiusMM)
	}
	switch c.OdometrySource {
	case "encoders", "distance":
	default:
		return fmt.Errorf("odometry_source must be \"encoders\" or \"distance\", got %q", c.OdometrySource)
	}
	return nil
}

// MarkerSizeMM converts the configured marker size to millimetres.
func (c *Config) MarkerSizeMM() float64 {
	return c.ArucoMarkerSizeCM * 10.0
}
