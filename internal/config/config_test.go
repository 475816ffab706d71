package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "encoders", cfg.OdometrySource)
	assert.Equal(t, 115200, cfg.RoombaBaudrate)
	assert.Equal(t, 0.445, cfg.OdometryMMPerTick)
	assert.Equal(t, 150.0, cfg.MarkerSizeMM())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
roomba_serial_port: /dev/ttyACM1
roomba_baudrate: 57600
odometry_source: distance
aruco_enabled: true
aruco_dictionary: DICT_5X5_50
telemetry_interval_sec: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", cfg.RoombaSerialPort)
	assert.Equal(t, 57600, cfg.RoombaBaudrate)
	assert.Equal(t, "distance", cfg.OdometrySource)
	assert.True(t, cfg.ArucoEnabled)
	assert.Equal(t, "DICT_5X5_50", cfg.ArucoDictionary)
	assert.Equal(t, 0.25, cfg.TelemetryIntervalSec)
	// Untouched options keep their defaults.
	assert.Equal(t, 0.445, cfg.OdometryMMPerTick)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"roomba_serial_port": "/dev/ttyUSB3", "odometry_robot_radius_mm": 175}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.RoombaSerialPort)
	assert.Equal(t, 175.0, cfg.OdometryRobotRadiusMM)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ROOMBA_SERIAL_PORT", "/dev/ttyS9")
	t.Setenv("ROOMBA_BAUDRATE", "19200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS9", cfg.RoombaSerialPort)
	assert.Equal(t, 19200, cfg.RoombaBaudrate)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad source", func(c *Config) { c.OdometrySource = "gps" }},
		{"zero baud", func(c *Config) { c.RoombaBaudrate = 0 }},
		{"zero radius", func(c *Config) { c.OdometryRobotRadiusMM = 0 }},
		{"zero interval", func(c *Config) { c.TelemetryIntervalSec = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
