// Package relay drives the dome's rotation and shutter motors through a
// four channel relay board.
//
// Each motor has two drive lines. Asserting both lines of a motor at once
// shorts the supply, so Relay always releases the opposite line, waits for
// the contacts to drop out, and only then asserts the requested line.
package relay

import (
	"fmt"
	"log/slog"
	"time"
)

// Line is a logical relay channel.
type Line int

const (
	LineCW Line = iota
	LineCCW
	LineOpen
	LineClose
	numLines
)

func (l Line) String() string {
	switch l {
	case LineCW:
		return "cw"
	case LineCCW:
		return "ccw"
	case LineOpen:
		return "open"
	case LineClose:
		return "close"
	}
	return fmt.Sprintf("line(%d)", int(l))
}

// Board switches individual relay channels. Set must not return until the
// channel has been driven.
type Board interface {
	Set(line Line, on bool) error
	Close() error
}

type Rotation int

const (
	RotationStop Rotation = iota
	RotationCW
	RotationCCW
	rotationUnknown
)

func (r Rotation) String() string {
	switch r {
	case RotationStop:
		return "STOP"
	case RotationCW:
		return "CW"
	case RotationCCW:
		return "CCW"
	}
	return "UNKNOWN"
}

type Shutter int

const (
	ShutterStop Shutter = iota
	ShutterOpen
	ShutterClose
	shutterUnknown
)

func (s Shutter) String() string {
	switch s {
	case ShutterStop:
		return "STOP"
	case ShutterOpen:
		return "OPEN"
	case ShutterClose:
		return "CLOSE"
	}
	return "UNKNOWN"
}

// Relay is not safe for concurrent use; the control loop is its only caller.
type Relay struct {
	board Board
	// Deadtime is the pause between releasing one line and asserting its
	// opposite.
	Deadtime time.Duration
	log      *slog.Logger

	rotation Rotation
	shutter  Shutter
}

// New releases every line on board and returns a stopped Relay.
func New(board Board, deadtime time.Duration, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		board:    board,
		Deadtime: deadtime,
		log:      logger,
		rotation: rotationUnknown,
		shutter:  shutterUnknown,
	}
	if err := r.StopAll(); err != nil {
		return nil, err
	}
	return r, nil
}

// drive asserts on after releasing off.
func (r *Relay) drive(off, on Line) error {
	if err := r.board.Set(off, false); err != nil {
		return fmt.Errorf("releasing %v: %w", off, err)
	}
	if r.Deadtime > 0 {
		time.Sleep(r.Deadtime)
	}
	if err := r.board.Set(on, true); err != nil {
		return fmt.Errorf("asserting %v: %w", on, err)
	}
	return nil
}

func (r *Relay) release(lines ...Line) error {
	for _, l := range lines {
		if err := r.board.Set(l, false); err != nil {
			return fmt.Errorf("releasing %v: %w", l, err)
		}
	}
	return nil
}

// SetRotation drives the rotation motor. Repeating the current direction is
// a no-op.
func (r *Relay) SetRotation(dir Rotation) error {
	if dir == r.rotation {
		return nil
	}
	var err error
	switch dir {
	case RotationStop:
		err = r.release(LineCW, LineCCW)
	case RotationCW:
		err = r.drive(LineCCW, LineCW)
	case RotationCCW:
		err = r.drive(LineCW, LineCCW)
	default:
		return fmt.Errorf("invalid rotation %d", dir)
	}
	if err != nil {
		r.rotation = rotationUnknown
		return err
	}
	r.log.Debug("rotation relay", "from", r.rotation, "to", dir)
	r.rotation = dir
	return nil
}

// SetShutter drives the shutter motor. Repeating the current direction is a
// no-op.
func (r *Relay) SetShutter(dir Shutter) error {
	if dir == r.shutter {
		return nil
	}
	var err error
	switch dir {
	case ShutterStop:
		err = r.release(LineOpen, LineClose)
	case ShutterOpen:
		err = r.drive(LineClose, LineOpen)
	case ShutterClose:
		err = r.drive(LineOpen, LineClose)
	default:
		return fmt.Errorf("invalid shutter direction %d", dir)
	}
	if err != nil {
		r.shutter = shutterUnknown
		return err
	}
	r.log.Debug("shutter relay", "from", r.shutter, "to", dir)
	r.shutter = dir
	return nil
}

// StopAll releases every line, even ones believed to be released already.
// It attempts all lines and returns the first error.
func (r *Relay) StopAll() error {
	var first error
	for l := Line(0); l < numLines; l++ {
		if err := r.board.Set(l, false); err != nil && first == nil {
			first = fmt.Errorf("releasing %v: %w", l, err)
		}
	}
	if first != nil {
		r.rotation, r.shutter = rotationUnknown, shutterUnknown
		return first
	}
	r.rotation, r.shutter = RotationStop, ShutterStop
	return nil
}

// Rotation returns the last successfully commanded rotation.
func (r *Relay) Rotation() Rotation {
	return r.rotation
}

// Shutter returns the last successfully commanded shutter direction.
func (r *Relay) Shutter() Shutter {
	return r.shutter
}
