// Package simulator stands in for the dome hardware: it is a relay board
// whose rotation lines turn a virtual dome that emits encoder pulses.
package simulator

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/w1xm/dome_interface/encoder"
	"github.com/w1xm/dome_interface/relay"
)

// PulseSink receives encoder edges.
type PulseSink interface {
	PulseAt(dir encoder.Direction, t time.Time) bool
}

const (
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

type Dome struct {
	sink PulseSink
	// PulsesPerSecond is the encoder rate while a rotation relay is held.
	PulsesPerSecond float64
	// ShutterTime is how long the shutter takes to travel fully.
	ShutterTime time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	mu         sync.Mutex
	lines      [4]bool
	carry      float64
	pulses     int64
	shutter    float64
	violations int
	stalled    bool
	failure    error
}

var ErrInjected = errors.New("simulated relay failure")

func New(sink PulseSink, pulsesPerSecond float64) *Dome {
	return &Dome{
		sink:            sink,
		PulsesPerSecond: pulsesPerSecond,
		ShutterTime:     20 * time.Second,
		Now:             time.Now,
	}
}

func (d *Dome) Set(line relay.Line, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return d.failure
	}
	if line < 0 || int(line) >= len(d.lines) {
		return errors.New("invalid line")
	}
	d.lines[line] = on
	if d.lines[relay.LineCW] && d.lines[relay.LineCCW] || d.lines[relay.LineOpen] && d.lines[relay.LineClose] {
		d.violations++
	}
	return nil
}

func (d *Dome) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = [4]bool{}
	return nil
}

// Run advances the simulation in real time until ctx is done.
func (d *Dome) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		d.Step(stepSize)
	}
}

// Step advances the simulation by dt ending at d.Now(), emitting the pulses
// the dome would have produced, spread evenly across the interval.
func (d *Dome) Step(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := d.Now()

	var dir encoder.Direction
	switch {
	case d.lines[relay.LineCW] && !d.lines[relay.LineCCW]:
		dir = encoder.CW
	case d.lines[relay.LineCCW] && !d.lines[relay.LineCW]:
		dir = encoder.CCW
	}
	if dir == 0 || d.stalled {
		d.carry = 0
	} else {
		d.carry += d.PulsesPerSecond * dt.Seconds()
		n := int(math.Floor(d.carry))
		d.carry -= float64(n)
		for i := 1; i <= n; i++ {
			at := end.Add(-dt + time.Duration(i)*dt/time.Duration(n))
			if d.sink.PulseAt(dir, at) {
				d.pulses += int64(dir)
			}
		}
	}

	if d.ShutterTime > 0 {
		travel := dt.Seconds() / d.ShutterTime.Seconds()
		switch {
		case d.lines[relay.LineOpen] && !d.lines[relay.LineClose]:
			d.shutter = math.Min(1, d.shutter+travel)
		case d.lines[relay.LineClose] && !d.lines[relay.LineOpen]:
			d.shutter = math.Max(0, d.shutter-travel)
		}
	}
}

// Lines returns the state of the cw, ccw, open and close relays.
func (d *Dome) Lines() [4]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines
}

// Violations counts the times opposing relays were energized together.
func (d *Dome) Violations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violations
}

// Pulses is the net number of pulses emitted, clockwise positive.
func (d *Dome) Pulses() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulses
}

// ShutterPosition is 0 when closed and 1 when fully open.
func (d *Dome) ShutterPosition() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutter
}

// Stall stops the dome from moving while the relays stay energized, as a
// slipping drive wheel would.
func (d *Dome) Stall(stalled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled = stalled
}

// Fail makes every subsequent Set return err. Passing nil clears it.
func (d *Dome) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}
