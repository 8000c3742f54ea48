// Package encoder tracks dome rotation from an incremental encoder.
//
// Edges are fed in from an asynchronous context (a GPIO event handler or the
// simulator) through Pulse. The count is kept in an atomic so the control
// loop can read the angle at any time without taking a lock shared with the
// edge handler.
package encoder

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/w1xm/dome_interface/azimuth"
)

// Direction of a single encoder step.
type Direction int

const (
	CW  Direction = 1
	CCW Direction = -1
)

func (d Direction) String() string {
	switch d {
	case CW:
		return "CW"
	case CCW:
		return "CCW"
	}
	return "NONE"
}

// Quadrature decodes the level of the data line at a clock edge.
// clk is the clock level after the edge.
func Quadrature(clk, dt int) Direction {
	if dt == clk {
		return CW
	}
	return CCW
}

type Encoder struct {
	pulsesPerRev int64
	// debounce is the minimum interval between accepted edges.
	debounce time.Duration

	count    atomic.Int64
	lastEdge atomic.Int64 // unix nanos
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New returns an encoder at azimuth zero. pulsesPerRev must be positive.
func New(pulsesPerRev int, debounce time.Duration) *Encoder {
	if pulsesPerRev < 1 {
		pulsesPerRev = 1
	}
	return &Encoder{pulsesPerRev: int64(pulsesPerRev), debounce: debounce}
}

// Pulse records one step observed now.
func (e *Encoder) Pulse(dir Direction) bool {
	return e.PulseAt(dir, time.Now())
}

// PulseAt records one step observed at t. It returns false if the edge was
// discarded by the debounce filter. Only one goroutine may feed pulses.
func (e *Encoder) PulseAt(dir Direction, t time.Time) bool {
	now := t.UnixNano()
	if last := e.lastEdge.Load(); last != 0 && now-last < int64(e.debounce) {
		e.rejected.Add(1)
		return false
	}
	e.lastEdge.Store(now)
	step := int64(1)
	if dir == CCW {
		step = -1
	}
	for {
		old := e.count.Load()
		next := (old + step) % e.pulsesPerRev
		if next < 0 {
			next += e.pulsesPerRev
		}
		if e.count.CompareAndSwap(old, next) {
			break
		}
	}
	e.accepted.Add(1)
	return true
}

// Count returns the pulse count in [0, pulsesPerRev).
func (e *Encoder) Count() int {
	return int(e.count.Load())
}

// Angle returns the azimuth in [0, 360).
func (e *Encoder) Angle() float64 {
	return azimuth.Normalize(float64(e.count.Load()) / float64(e.pulsesPerRev) * 360)
}

// Set moves the count to the pulse nearest angle, used to seed the
// position at startup.
func (e *Encoder) Set(angle float64) {
	c := int64(math.Round(azimuth.Normalize(angle)/360*float64(e.pulsesPerRev))) % e.pulsesPerRev
	e.count.Store(c)
}

// LastPulse returns the time of the last accepted edge, or the zero time.
func (e *Encoder) LastPulse() time.Time {
	n := e.lastEdge.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// PulsesPerRevolution returns the configured resolution.
func (e *Encoder) PulsesPerRevolution() int {
	return int(e.pulsesPerRev)
}

// Stats returns the number of accepted and debounced edges.
func (e *Encoder) Stats() (accepted, rejected uint64) {
	return e.accepted.Load(), e.rejected.Load()
}
