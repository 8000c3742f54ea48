package dome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/w1xm/dome_interface/azimuth"
	"github.com/w1xm/dome_interface/relay"
)

var (
	// ErrSensorFault means the dome was driven but the encoder stopped
	// reporting motion.
	ErrSensorFault = errors.New("no encoder pulses while rotating")
	// ErrStopped is returned by commands sent after the loop has exited.
	ErrStopped = errors.New("controller stopped")
)

type command int

const (
	cmdOpenShutter command = iota
	cmdCloseShutter
	cmdHome
)

// request is a command stamped with the time it was issued.
type request struct {
	cmd command
	at  time.Time
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(c *Controller) { c.statusCallback = cb }
}

// WithClock replaces time.Now for the loop's notion of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type Controller struct {
	cfg            Config
	sensor         Sensor
	act            Actuator
	targets        Targets
	log            *slog.Logger
	statusCallback StatusCallback
	now            func() time.Time

	commands chan request
	done     chan struct{}

	// The fields below belong to the loop goroutine.
	state        State
	shutter      ShutterState
	shutterUntil time.Time
	homeReason   string
	countdown    time.Duration
	forced       bool
	forcedAt     time.Time
	driving      relay.Rotation
	driveSince   time.Time

	mu     sync.Mutex
	status Status
}

// New returns a Controller that assumes the shutter starts closed.
func New(cfg Config, sensor Sensor, act Actuator, targets Targets, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		sensor:   sensor,
		act:      act,
		targets:  targets,
		log:      slog.Default(),
		now:      time.Now,
		commands: make(chan request, 16),
		done:     make(chan struct{}),
		state:    Idle,
		shutter:  Closed,
	}
	for _, o := range opts {
		o(c)
	}
	c.status = Status{State: Idle, Shutter: Closed, Azimuth: sensor.Angle()}
	return c, nil
}

// Run drives the loop until ctx is canceled or a fault occurs. All motion
// is stopped before Run returns. Cancellation is not an error.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	c.log.Info("dome controller started",
		"tolerance", c.cfg.Tolerance,
		"deceleration", c.cfg.Deceleration,
		"home", c.cfg.HomeAzimuth,
		"home_timeout", c.cfg.HomeTimeout,
		"period", c.cfg.Period)
	t := time.NewTicker(c.cfg.Period)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return c.shutdown()
		}
		if err := c.step(c.now()); err != nil {
			return c.fail(err)
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (c *Controller) shutdown() error {
	c.log.Info("dome controller stopping")
	err := c.act.StopAll()
	c.halt()
	if err != nil {
		return fmt.Errorf("stopping relays: %w", err)
	}
	return nil
}

func (c *Controller) fail(cause error) error {
	c.log.Error("dome controller fault; stopping all motion", "error", cause)
	err := c.act.StopAll()
	c.halt()
	if err != nil {
		c.log.Error("stopping relays after fault", "error", err)
		return errors.Join(cause, fmt.Errorf("stopping relays: %w", err))
	}
	return cause
}

// halt records that the relays are released.
func (c *Controller) halt() {
	last := c.Status()
	c.setState(Idle, last.Azimuth, last.Target)
	c.driving = relay.RotationStop
	if c.shutter == Opening || c.shutter == Closing {
		// A shutter stopped part way is open to the weather.
		c.log.Warn("shutter stopped part way", "was", c.shutter)
		c.shutter = Open
	}
	c.publish(func(s *Status) {
		s.State = Idle
		s.Shutter = c.shutter
		s.Updated = c.now()
	})
}

func (c *Controller) step(now time.Time) error {
	if err := c.drainCommands(now); err != nil {
		return err
	}
	if err := c.stepShutter(now); err != nil {
		return err
	}

	current := c.sensor.Angle()
	tgt, hasTarget := c.targets.Read()
	effective, reason := c.effectiveTarget(now, tgt.Azimuth, tgt.ReceivedAt, hasTarget)
	if err := c.setHomeReason(now, reason); err != nil {
		return err
	}
	if reason == "" && c.cfg.HomeTimeout > 0 {
		c.announceHome(c.cfg.HomeTimeout - now.Sub(tgt.ReceivedAt))
	}

	delta := azimuth.ShortestArc(current, effective)
	next, dir := Aligned, relay.RotationStop
	if mag := math.Abs(delta); mag > c.cfg.Tolerance {
		next = Seeking
		if mag <= c.cfg.Deceleration {
			// A single speed relay: final approach is only a label.
			next = Decelerating
		}
		dir = relay.RotationCW
		if delta < 0 {
			dir = relay.RotationCCW
		}
	}

	if err := c.checkSensor(now, dir); err != nil {
		return err
	}
	if err := c.act.SetRotation(dir); err != nil {
		return fmt.Errorf("rotation actuator: %w", err)
	}
	c.setState(next, current, effective)

	c.publish(func(s *Status) {
		*s = Status{
			State:          next,
			Azimuth:        current,
			Target:         effective,
			Error:          delta,
			Homing:         reason != "",
			HomeReason:     reason,
			Shutter:        c.shutter,
			HasTarget:      hasTarget,
			TrackingTarget: tgt.Azimuth,
			TargetReceived: tgt.ReceivedAt,
			Updated:        now,
		}
	})
	return nil
}

// effectiveTarget substitutes the home azimuth for the tracking target.
// Every route home, manual or timed, goes through here.
func (c *Controller) effectiveTarget(now time.Time, az float64, received time.Time, ok bool) (float64, string) {
	switch {
	case c.forced && (!ok || !received.After(c.forcedAt)):
		return c.cfg.HomeAzimuth, HomeForced
	case !ok:
		return c.cfg.HomeAzimuth, HomeNoTarget
	case c.cfg.HomeTimeout > 0 && now.Sub(received) > c.cfg.HomeTimeout:
		return c.cfg.HomeAzimuth, HomeTimeout
	}
	c.forced = false
	return az, ""
}

func (c *Controller) setHomeReason(now time.Time, reason string) error {
	if reason == c.homeReason {
		return nil
	}
	entering := c.homeReason == ""
	switch {
	case reason == "":
		c.log.Info("tracking target", "previous", c.homeReason)
	case entering:
		c.log.Warn("returning home", "reason", reason, "home", c.cfg.HomeAzimuth)
	default:
		c.log.Info("home reason changed", "from", c.homeReason, "to", reason)
	}
	c.homeReason = reason
	if entering && reason != "" && c.cfg.CloseShutterOnHome {
		return c.commandShutter(now, false)
	}
	return nil
}

// announceHome warns of an approaching home timeout every five minutes,
// then every 30 seconds, then every second.
func (c *Controller) announceHome(remaining time.Duration) {
	step := time.Second
	switch {
	case remaining >= 5*time.Minute:
		step = 5 * time.Minute
	case remaining >= 30*time.Second:
		step = 30 * time.Second
	}
	mark := remaining.Truncate(step)
	if mark < c.countdown {
		c.log.Info("home timeout approaching", "in", mark)
	}
	c.countdown = mark
}

func (c *Controller) checkSensor(now time.Time, dir relay.Rotation) error {
	if dir == relay.RotationStop {
		c.driving = relay.RotationStop
		return nil
	}
	if dir != c.driving {
		c.driving = dir
		c.driveSince = now
		return nil
	}
	if c.cfg.SensorTimeout == 0 {
		return nil
	}
	ref := c.driveSince
	if last := c.sensor.LastPulse(); last.After(ref) {
		ref = last
	}
	if idle := now.Sub(ref); idle > c.cfg.SensorTimeout {
		return fmt.Errorf("%w: driving %v for %v without a pulse", ErrSensorFault, dir, idle.Round(time.Millisecond))
	}
	return nil
}

func (c *Controller) setState(next State, current, effective float64) {
	if next == c.state {
		return
	}
	c.log.Info("rotation state",
		"from", c.state,
		"to", next,
		"azimuth", current,
		"target", effective)
	c.state = next
}

func (c *Controller) drainCommands(now time.Time) error {
	for {
		select {
		case req := <-c.commands:
			var err error
			switch req.cmd {
			case cmdOpenShutter:
				err = c.commandShutter(now, true)
			case cmdCloseShutter:
				err = c.commandShutter(now, false)
			case cmdHome:
				c.log.Info("return home requested")
				c.forced = true
				c.forcedAt = req.at
			}
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Controller) commandShutter(now time.Time, open bool) error {
	dir, next, run := relay.ShutterClose, Closing, c.cfg.CloseTime
	if open {
		dir, next, run = relay.ShutterOpen, Opening, c.cfg.OpenTime
	}
	switch {
	case open && (c.shutter == Open || c.shutter == Opening):
		return nil
	case !open && (c.shutter == Closed || c.shutter == Closing):
		return nil
	}
	if err := c.act.SetShutter(dir); err != nil {
		return fmt.Errorf("shutter actuator: %w", err)
	}
	c.log.Info("shutter", "from", c.shutter, "to", next, "run_time", run)
	c.shutter = next
	c.shutterUntil = now.Add(run)
	return nil
}

func (c *Controller) stepShutter(now time.Time) error {
	if c.shutter != Opening && c.shutter != Closing {
		return nil
	}
	if now.Before(c.shutterUntil) {
		return nil
	}
	if err := c.act.SetShutter(relay.ShutterStop); err != nil {
		return fmt.Errorf("shutter actuator: %w", err)
	}
	next := Open
	if c.shutter == Closing {
		next = Closed
	}
	c.log.Info("shutter", "from", c.shutter, "to", next)
	c.shutter = next
	return nil
}

func (c *Controller) publish(update func(s *Status)) {
	c.mu.Lock()
	update(&c.status)
	status := c.status
	c.mu.Unlock()
	if c.statusCallback != nil {
		c.statusCallback(status)
	}
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.commands <- request{cmd: cmd, at: c.now()}:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommandShutter queues an open or close of the shutter. It takes effect on
// the next loop iteration.
func (c *Controller) CommandShutter(ctx context.Context, open bool) error {
	if open {
		return c.send(ctx, cmdOpenShutter)
	}
	return c.send(ctx, cmdCloseShutter)
}

// ForceHome sends the dome home until a new target is received.
func (c *Controller) ForceHome(ctx context.Context) error {
	return c.send(ctx, cmdHome)
}

// Status returns the state as of the last loop iteration.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
