// Package config loads the dome daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/dome_interface/azimuth"
	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/relay"
)

// Relay board backends.
const (
	BackendGPIO      = "gpio"
	BackendModbus    = "modbus"
	BackendSerial    = "serial"
	BackendSimulator = "simulator"
)

type Config struct {
	ToleranceDeg       float64 `yaml:"tolerance_deg"`
	DecelerationDeg    float64 `yaml:"deceleration_deg"`
	HomeAzimuthDeg     float64 `yaml:"home_azimuth_deg"`
	HomeTimeoutSeconds float64 `yaml:"home_timeout_seconds"`
	// PulsesPerRevolution is derived from Dome when zero.
	PulsesPerRevolution int    `yaml:"pulses_per_revolution"`
	ListenAddress       string `yaml:"listen_address"`
	ListenPort          int    `yaml:"listen_port"`

	ControlPeriod time.Duration `yaml:"control_period"`
	SensorTimeout time.Duration `yaml:"sensor_timeout"`
	// InitialAzimuthDeg is where the dome is assumed to be at startup.
	// Defaults to the home azimuth.
	InitialAzimuthDeg *float64 `yaml:"initial_azimuth_deg"`
	HTTPAddress       string   `yaml:"http_address"`
	LogFile           string   `yaml:"log_file"`

	Dome    Geometry `yaml:"dome"`
	Encoder Encoder  `yaml:"encoder"`
	Relay   Relay    `yaml:"relay"`
	Shutter Shutter  `yaml:"shutter"`
}

// Geometry of the friction drive carrying the encoder.
type Geometry struct {
	DiameterMM           float64 `yaml:"diameter_mm"`
	WheelCircumferenceMM float64 `yaml:"wheel_circumference_mm"`
	// EncoderResolution is pulses per turn of the encoder wheel.
	EncoderResolution int `yaml:"encoder_resolution"`
}

type Encoder struct {
	Chip     string        `yaml:"chip"`
	ClkPin   int           `yaml:"clk_pin"`
	DtPin    int           `yaml:"dt_pin"`
	Debounce time.Duration `yaml:"debounce"`
}

type Relay struct {
	Backend   string `yaml:"backend"`
	Chip      string `yaml:"chip"`
	ActiveLow bool   `yaml:"active_low"`
	CWPin     int    `yaml:"cw_pin"`
	CCWPin    int    `yaml:"ccw_pin"`
	OpenPin   int    `yaml:"open_pin"`
	ClosePin  int    `yaml:"close_pin"`
	Port      string `yaml:"port"`
	Baud      int    `yaml:"baud"`
	SlaveID   byte   `yaml:"slave_id"`
	// URL of a modbus bridge, used instead of Port.
	URL      string        `yaml:"url"`
	Deadtime time.Duration `yaml:"deadtime"`
	// Channels are the relay numbers (serial) or coil addresses (modbus)
	// in cw, ccw, open, close order.
	Channels []int `yaml:"channels"`
}

type Shutter struct {
	OpenTime    time.Duration `yaml:"open_time"`
	CloseTime   time.Duration `yaml:"close_time"`
	CloseOnHome bool          `yaml:"close_on_home"`
}

func Default() Config {
	return Config{
		ToleranceDeg:       2,
		DecelerationDeg:    10,
		HomeAzimuthDeg:     0,
		HomeTimeoutSeconds: 600,
		ListenAddress:      "0.0.0.0",
		ListenPort:         5000,
		ControlPeriod:      100 * time.Millisecond,
		SensorTimeout:      5 * time.Second,
		HTTPAddress:        ":8502",
		Dome: Geometry{
			DiameterMM:           3000,
			WheelCircumferenceMM: 200,
			EncoderResolution:    1000,
		},
		Encoder: Encoder{
			Chip:     "gpiochip0",
			ClkPin:   17,
			DtPin:    18,
			Debounce: 200 * time.Microsecond,
		},
		Relay: Relay{
			Backend:  BackendGPIO,
			Chip:     "gpiochip0",
			CWPin:    5,
			CCWPin:   6,
			OpenPin:  13,
			ClosePin: 19,
			Baud:     9600,
			SlaveID:  1,
			Deadtime: 50 * time.Millisecond,
		},
		Shutter: Shutter{
			OpenTime:    30 * time.Second,
			CloseTime:   30 * time.Second,
			CloseOnHome: true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once. home_timeout_seconds: 0 is
// valid and disables homing on a stale target; sensor_timeout: 0 likewise
// disables the sensor fault check.
func (c Config) Validate() error {
	var errs []error
	if c.ToleranceDeg <= 0 {
		errs = append(errs, fmt.Errorf("tolerance_deg must be positive"))
	}
	if c.DecelerationDeg < c.ToleranceDeg {
		errs = append(errs, fmt.Errorf("deceleration_deg must not be less than tolerance_deg"))
	}
	if !azimuth.Valid(c.HomeAzimuthDeg) {
		errs = append(errs, fmt.Errorf("home_azimuth_deg must be finite"))
	}
	if c.HomeTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("home_timeout_seconds must not be negative"))
	}
	if _, err := c.Pulses(); err != nil {
		errs = append(errs, err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.ControlPeriod <= 0 {
		errs = append(errs, fmt.Errorf("control_period must be positive"))
	}
	if c.SensorTimeout < 0 {
		errs = append(errs, fmt.Errorf("sensor_timeout must not be negative"))
	}
	if c.InitialAzimuthDeg != nil && !azimuth.Valid(*c.InitialAzimuthDeg) {
		errs = append(errs, fmt.Errorf("initial_azimuth_deg must be finite"))
	}
	switch c.Relay.Backend {
	case BackendGPIO, BackendModbus, BackendSerial, BackendSimulator:
	default:
		errs = append(errs, fmt.Errorf("unknown relay backend %q", c.Relay.Backend))
	}
	if n := len(c.Relay.Channels); n != 0 && n != 4 {
		errs = append(errs, fmt.Errorf("relay.channels needs 4 entries, got %d", n))
	}
	if c.Relay.Deadtime < 0 {
		errs = append(errs, fmt.Errorf("relay.deadtime must not be negative"))
	}
	if c.Shutter.OpenTime < 0 || c.Shutter.CloseTime < 0 {
		errs = append(errs, fmt.Errorf("shutter times must not be negative"))
	}
	return errors.Join(errs...)
}

// Pulses returns the encoder pulses per dome revolution, either as
// configured or from the dome and wheel geometry.
func (c Config) Pulses() (int, error) {
	if c.PulsesPerRevolution < 0 {
		return 0, fmt.Errorf("pulses_per_revolution must be positive")
	}
	if c.PulsesPerRevolution > 0 {
		return c.PulsesPerRevolution, nil
	}
	g := c.Dome
	if g.DiameterMM <= 0 || g.WheelCircumferenceMM <= 0 || g.EncoderResolution <= 0 {
		return 0, fmt.Errorf("pulses_per_revolution or the dome geometry must be set")
	}
	n := int(math.Round(float64(g.EncoderResolution) * math.Pi * g.DiameterMM / g.WheelCircumferenceMM))
	if n < 1 {
		return 0, fmt.Errorf("dome geometry gives %d pulses per revolution", n)
	}
	return n, nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

func (c Config) InitialAzimuth() float64 {
	if c.InitialAzimuthDeg != nil {
		return azimuth.Normalize(*c.InitialAzimuthDeg)
	}
	return azimuth.Normalize(c.HomeAzimuthDeg)
}

func (c Config) Controller() dome.Config {
	return dome.Config{
		Tolerance:          c.ToleranceDeg,
		Deceleration:       c.DecelerationDeg,
		HomeAzimuth:        azimuth.Normalize(c.HomeAzimuthDeg),
		HomeTimeout:        time.Duration(c.HomeTimeoutSeconds * float64(time.Second)),
		Period:             c.ControlPeriod,
		SensorTimeout:      c.SensorTimeout,
		OpenTime:           c.Shutter.OpenTime,
		CloseTime:          c.Shutter.CloseTime,
		CloseShutterOnHome: c.Shutter.CloseOnHome,
	}
}

func (c Config) GPIOPins() relay.GPIOPins {
	return relay.GPIOPins{
		CW:    c.Relay.CWPin,
		CCW:   c.Relay.CCWPin,
		Open:  c.Relay.OpenPin,
		Close: c.Relay.ClosePin,
	}
}

// Channels returns relay.channels, or def when unset.
func (c Config) Channels(def [4]int) [4]int {
	if len(c.Relay.Channels) != 4 {
		return def
	}
	var ch [4]int
	copy(ch[:], c.Relay.Channels)
	return ch
}

func (c Config) Modbus() relay.ModbusConfig {
	return relay.ModbusConfig{
		Port:     c.Relay.Port,
		BaudRate: c.Relay.Baud,
		SlaveId:  c.Relay.SlaveID,
		URL:      c.Relay.URL,
		Coils:    c.Channels(relay.DefaultCoils),
	}
}
