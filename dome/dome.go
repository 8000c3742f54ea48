// Package dome keeps the dome slit pointed at the telescope's target.
//
// A Controller runs a fixed-period closed loop: each iteration reads the
// encoder angle and the latest target, picks the effective target (the home
// azimuth when tracking input is stale, absent, or a return home was
// requested) and drives the rotation relay toward it along the shortest
// arc. Operator shutter and home commands are queued to the loop so that it
// stays the only writer to the relays.
package dome

import (
	"fmt"
	"time"

	"github.com/w1xm/dome_interface/relay"
	"github.com/w1xm/dome_interface/target"
)

// State of the rotation axis.
type State int

const (
	Idle State = iota
	Seeking
	Decelerating
	Aligned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Seeking:
		return "SEEKING"
	case Decelerating:
		return "DECELERATING"
	case Aligned:
		return "ALIGNED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ShutterState int

const (
	Closed ShutterState = iota
	Opening
	Open
	Closing
)

func (s ShutterState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	}
	return fmt.Sprintf("ShutterState(%d)", int(s))
}

func (s ShutterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons for seeking the home azimuth.
const (
	HomeNoTarget = "no_target"
	HomeTimeout  = "timeout"
	HomeForced   = "forced"
)

type Config struct {
	// Tolerance is the error in degrees within which rotation stops.
	Tolerance float64
	// Deceleration is the error in degrees below which the dome is
	// considered to be on final approach.
	Deceleration float64
	HomeAzimuth  float64
	// HomeTimeout is how long a target stays valid. Zero never expires.
	HomeTimeout time.Duration
	// Period of the control loop.
	Period time.Duration
	// SensorTimeout is the longest the dome may be driven without an
	// encoder pulse. Zero disables the check.
	SensorTimeout time.Duration
	// The shutter has no limit switches; it is driven for a fixed time.
	OpenTime, CloseTime time.Duration
	// CloseShutterOnHome closes the shutter whenever home-seek begins.
	CloseShutterOnHome bool
}

func (c Config) validate() error {
	switch {
	case c.Tolerance <= 0:
		return fmt.Errorf("tolerance must be positive, got %v", c.Tolerance)
	case c.Deceleration < c.Tolerance:
		return fmt.Errorf("deceleration angle %v is inside tolerance %v", c.Deceleration, c.Tolerance)
	case c.Period <= 0:
		return fmt.Errorf("control period must be positive, got %v", c.Period)
	case c.HomeTimeout < 0 || c.SensorTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Sensor reports the dome's azimuth.
type Sensor interface {
	Angle() float64
	// LastPulse is the time of the most recent encoder edge.
	LastPulse() time.Time
}

// Actuator drives the relays. Only the control loop calls it.
type Actuator interface {
	SetRotation(relay.Rotation) error
	SetShutter(relay.Shutter) error
	StopAll() error
}

// Targets supplies the latest tracking target.
type Targets interface {
	Read() (target.Value, bool)
}

type Status struct {
	State   State   `json:"state"`
	Azimuth float64 `json:"current_azimuth"`
	// Target is the effective target, which is the home azimuth while
	// Homing.
	Target float64 `json:"target_azimuth"`
	// Error is the signed shortest arc from Azimuth to Target.
	Error      float64      `json:"error"`
	Homing     bool         `json:"homing"`
	HomeReason string       `json:"home_reason,omitempty"`
	Shutter    ShutterState `json:"shutter_state"`
	// HasTarget is set once any tracking target has been received.
	HasTarget      bool      `json:"has_target"`
	TrackingTarget float64   `json:"tracking_azimuth"`
	TargetReceived time.Time `json:"target_received"`
	Updated        time.Time `json:"updated"`
}

type StatusCallback func(status Status)
