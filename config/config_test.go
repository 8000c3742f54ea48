package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/relay"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dome.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	n, err := cfg.Pulses()
	require.NoError(t, err)
	assert.Equal(t, 47124, n)
	assert.Equal(t, "0.0.0.0:5000", cfg.ListenAddr())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
tolerance_deg: 1.5
deceleration_deg: 8
home_azimuth_deg: 180
home_timeout_seconds: 90
pulses_per_revolution: 36000
listen_address: 127.0.0.1
listen_port: 6000
sensor_timeout: 0s
control_period: 50ms
relay:
  backend: modbus
  port: /dev/ttyUSB0
  slave_id: 3
  channels: [8, 9, 10, 11]
shutter:
  open_time: 45s
  close_on_home: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := dome.Config{
		Tolerance:          1.5,
		Deceleration:       8,
		HomeAzimuth:        180,
		HomeTimeout:        90 * time.Second,
		Period:             50 * time.Millisecond,
		SensorTimeout:      0,
		OpenTime:           45 * time.Second,
		CloseTime:          30 * time.Second,
		CloseShutterOnHome: false,
	}
	if diff := cmp.Diff(cfg.Controller(), want); diff != "" {
		t.Errorf("unexpected controller config: got(-)/want(+):\n%s", diff)
	}
	assert.Equal(t, "127.0.0.1:6000", cfg.ListenAddr())
	assert.Equal(t, 180.0, cfg.InitialAzimuth())

	n, err := cfg.Pulses()
	require.NoError(t, err)
	assert.Equal(t, 36000, n)

	wantModbus := relay.ModbusConfig{
		Port:     "/dev/ttyUSB0",
		BaudRate: 9600,
		SlaveId:  3,
		Coils:    [4]int{8, 9, 10, 11},
	}
	if diff := cmp.Diff(cfg.Modbus(), wantModbus); diff != "" {
		t.Errorf("unexpected modbus config: got(-)/want(+):\n%s", diff)
	}
	// Untouched nested keys keep their defaults.
	assert.Equal(t, Default().Encoder, cfg.Encoder)
}

func TestInitialAzimuth(t *testing.T) {
	cfg, err := Load(writeConfig(t, "home_azimuth_deg: 90\ninitial_azimuth_deg: 370\n"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.InitialAzimuth())
}

func TestPulsesFromGeometry(t *testing.T) {
	cfg := Default()
	cfg.Dome = Geometry{DiameterMM: 2000, WheelCircumferenceMM: 100, EncoderResolution: 20}
	n, err := cfg.Pulses()
	require.NoError(t, err)
	// 20 * pi * 2000 / 100
	assert.Equal(t, 1257, n)

	cfg.Dome.WheelCircumferenceMM = 0
	_, err = cfg.Pulses()
	assert.Error(t, err)
}

func TestChannels(t *testing.T) {
	cfg := Default()
	assert.Equal(t, relay.DefaultChannels, cfg.Channels(relay.DefaultChannels))
	cfg.Relay.Channels = []int{4, 3, 2, 1}
	assert.Equal(t, [4]int{4, 3, 2, 1}, cfg.Channels(relay.DefaultChannels))
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"tolerance", "tolerance_deg: 0", "tolerance_deg must be positive"},
		{"deceleration", "tolerance_deg: 5\ndeceleration_deg: 2", "deceleration_deg"},
		{"port", "listen_port: 70000", "listen_port 70000 out of range"},
		{"backend", "relay: {backend: can}", `unknown relay backend "can"`},
		{"channels", "relay: {channels: [1, 2]}", "relay.channels needs 4 entries"},
		{"pulses", "pulses_per_revolution: -1", "pulses_per_revolution must be positive"},
		{"timeout", "home_timeout_seconds: -1", "home_timeout_seconds"},
		{"period", "control_period: 0s", "control_period must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "tolerance_deg: [1"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "sensor_timeout: soon"))
	assert.Error(t, err)
}

func TestZeroHomeTimeoutDisables(t *testing.T) {
	cfg, err := Load(writeConfig(t, "home_timeout_seconds: 0"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Controller().HomeTimeout)
}
