package dome

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/dome_interface/encoder"
	"github.com/w1xm/dome_interface/relay"
	"github.com/w1xm/dome_interface/simulator"
	"github.com/w1xm/dome_interface/target"
)

const tick = 25 * time.Millisecond

func testConfig() Config {
	return Config{
		Tolerance:          1,
		Deceleration:       5,
		HomeAzimuth:        0,
		HomeTimeout:        60 * time.Second,
		Period:             tick,
		OpenTime:           2 * time.Second,
		CloseTime:          3 * time.Second,
		CloseShutterOnHome: true,
	}
}

type harness struct {
	t       *testing.T
	now     time.Time
	enc     *encoder.Encoder
	sim     *simulator.Dome
	relay   *relay.Relay
	targets *target.Channel
	c       *Controller
	logs    *bytes.Buffer
}

// newHarness builds a controller over a simulated dome turning 80 pulses per
// second, so 0.72 degrees per tick at 1000 pulses per revolution.
func newHarness(t *testing.T, cfg Config, startAngle float64) *harness {
	h := &harness{
		t:    t,
		now:  time.Unix(1700000000, 0),
		enc:  encoder.New(1000, 0),
		logs: &bytes.Buffer{},
	}
	h.enc.Set(startAngle)
	h.sim = simulator.New(h.enc, 80)
	h.sim.Now = h.clock
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r, err := relay.New(h.sim, 0, logger)
	require.NoError(t, err)
	h.relay = r
	h.targets = target.New()
	h.targets.Now = h.clock
	h.c, err = New(cfg, h.enc, r, h.targets, WithLogger(logger), WithClock(h.clock))
	require.NoError(t, err)
	return h
}

func (h *harness) clock() time.Time { return h.now }

// tick lets the dome move for one period, then runs one loop iteration.
func (h *harness) tick() error {
	h.now = h.now.Add(tick)
	h.sim.Step(tick)
	return h.c.step(h.now)
}

// runUntil ticks until done reports true, failing after limit ticks.
func (h *harness) runUntil(limit int, done func(Status) bool) {
	h.t.Helper()
	for i := 0; i < limit; i++ {
		require.NoError(h.t, h.tick())
		require.Zero(h.t, h.sim.Violations(), "opposing relays energized")
		if done(h.c.Status()) {
			return
		}
	}
	h.t.Fatalf("condition not reached after %d ticks; status %+v", limit, h.c.Status())
}

func aligned(s Status) bool { return s.State == Aligned }

func TestQuarterTurn(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.targets.Publish(90)

	require.NoError(t, h.tick())
	assert.Equal(t, relay.RotationCW, h.relay.Rotation())
	assert.Equal(t, Seeking, h.c.Status().State)

	sawDecel := false
	h.runUntil(1000, func(s Status) bool {
		assert.NotEqual(t, relay.RotationCCW, h.relay.Rotation())
		if s.State == Decelerating {
			sawDecel = true
		}
		return aligned(s)
	})
	assert.True(t, sawDecel)
	assert.Equal(t, relay.RotationStop, h.relay.Rotation())
	assert.InDelta(t, 250, h.enc.Count(), 3)
	assert.InDelta(t, 90, h.enc.Angle(), 1)
}

func TestWrapsThroughNorth(t *testing.T) {
	h := newHarness(t, testConfig(), 350)
	h.targets.Publish(10)
	require.NoError(t, h.tick())
	s := h.c.Status()
	assert.Equal(t, relay.RotationCW, h.relay.Rotation())
	assert.InDelta(t, 20, s.Error, 0.5)

	h.runUntil(1000, func(s Status) bool {
		assert.NotEqual(t, relay.RotationCCW, h.relay.Rotation())
		return aligned(s)
	})
	assert.InDelta(t, 0, azimuthError(h.enc.Angle(), 10), 1)
	assert.Less(t, h.sim.Pulses(), int64(60))
}

func azimuthError(a, b float64) float64 {
	d := math.Mod(a-b+540, 360) - 180
	return d
}

func TestStaysAligned(t *testing.T) {
	h := newHarness(t, testConfig(), 45)
	h.targets.Publish(45.5)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.tick())
		assert.Equal(t, Aligned, h.c.Status().State)
		assert.Equal(t, relay.RotationStop, h.relay.Rotation())
	}
	// Drift 1.8 degrees counterclockwise.
	for i := 0; i < 5; i++ {
		h.enc.PulseAt(encoder.CCW, h.now)
	}
	require.NoError(t, h.tick())
	assert.Equal(t, Decelerating, h.c.Status().State)
	assert.Equal(t, relay.RotationCW, h.relay.Rotation())
}

func TestHomeOnTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CloseShutterOnHome = false
	h := newHarness(t, cfg, 10)
	t0 := h.now
	h.targets.PublishAt(10, t0)

	h.now = t0.Add(59 * time.Second)
	require.NoError(t, h.c.step(h.now))
	s := h.c.Status()
	assert.False(t, s.Homing)
	assert.Equal(t, Aligned, s.State)

	h.now = t0.Add(61 * time.Second)
	require.NoError(t, h.c.step(h.now))
	s = h.c.Status()
	want := Status{
		State:          Seeking,
		Azimuth:        h.enc.Angle(),
		Target:         0,
		Error:          -h.enc.Angle(),
		Homing:         true,
		HomeReason:     HomeTimeout,
		Shutter:        Closed,
		HasTarget:      true,
		TrackingTarget: 10,
		TargetReceived: t0,
		Updated:        h.now,
	}
	if diff := cmp.Diff(s, want); diff != "" {
		t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
	}
	assert.Equal(t, relay.RotationCCW, h.relay.Rotation())

	h.runUntil(1000, aligned)
	assert.InDelta(t, 0, azimuthError(h.enc.Angle(), 0), 1)
	assert.Equal(t, 1, strings.Count(h.logs.String(), "returning home"))

	// A fresh target ends home-seek.
	h.targets.Publish(30)
	require.NoError(t, h.tick())
	s = h.c.Status()
	assert.False(t, s.Homing)
	assert.Equal(t, 30.0, s.Target)
}

func TestHomeWithoutTarget(t *testing.T) {
	h := newHarness(t, testConfig(), 20)
	require.NoError(t, h.tick())
	s := h.c.Status()
	assert.True(t, s.Homing)
	assert.Equal(t, HomeNoTarget, s.HomeReason)
	assert.False(t, s.HasTarget)
	assert.Equal(t, relay.RotationCCW, h.relay.Rotation())
}

func TestHomeLoggedOnce(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	for i := 0; i < 20; i++ {
		require.NoError(t, h.tick())
	}
	assert.Equal(t, 1, strings.Count(h.logs.String(), "returning home"))
}

func TestHomeCountdown(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.targets.Publish(0)
	// 60s of ticks: the target expires on the last one.
	for i := 0; i < 2401; i++ {
		require.NoError(t, h.tick())
	}
	logs := h.logs.String()
	assert.Equal(t, 30, strings.Count(logs, "home timeout approaching"))
	assert.Contains(t, logs, "in=29s")
	assert.Contains(t, logs, "in=0s")
	assert.NotContains(t, logs, "in=30s")
	assert.Equal(t, 1, strings.Count(logs, "returning home"))
}

func TestShutterTiming(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.targets.Publish(0)
	ctx := context.Background()

	require.NoError(t, h.c.CommandShutter(ctx, true))
	require.NoError(t, h.tick())
	assert.Equal(t, Opening, h.c.Status().Shutter)
	assert.True(t, h.sim.Lines()[relay.LineOpen])

	// Repeating the command does not restart the run.
	require.NoError(t, h.c.CommandShutter(ctx, true))
	h.runUntil(200, func(s Status) bool { return s.Shutter == Open })
	assert.Equal(t, [4]bool{}, h.sim.Lines())

	require.NoError(t, h.c.CommandShutter(ctx, false))
	require.NoError(t, h.tick())
	assert.Equal(t, Closing, h.c.Status().Shutter)
	assert.True(t, h.sim.Lines()[relay.LineClose])
	h.runUntil(200, func(s Status) bool { return s.Shutter == Closed })
	assert.Equal(t, relay.ShutterStop, h.relay.Shutter())
}

func TestShutterIndependentOfRotation(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.targets.Publish(180)
	require.NoError(t, h.tick())
	require.NoError(t, h.c.CommandShutter(context.Background(), true))
	require.NoError(t, h.tick())
	s := h.c.Status()
	assert.Equal(t, Seeking, s.State)
	assert.Equal(t, Opening, s.Shutter)
	lines := h.sim.Lines()
	assert.True(t, lines[relay.LineCW] && lines[relay.LineOpen])
}

func TestTimeoutClosesShutter(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.targets.Publish(0)
	require.NoError(t, h.c.CommandShutter(context.Background(), true))
	h.runUntil(200, func(s Status) bool { return s.Shutter == Open })

	h.now = h.now.Add(61 * time.Second)
	require.NoError(t, h.c.step(h.now))
	s := h.c.Status()
	assert.Equal(t, HomeTimeout, s.HomeReason)
	assert.Equal(t, Closing, s.Shutter)
}

func TestForceHome(t *testing.T) {
	h := newHarness(t, testConfig(), 90)
	h.targets.Publish(90)
	require.NoError(t, h.tick())
	assert.Equal(t, Aligned, h.c.Status().State)

	require.NoError(t, h.c.ForceHome(context.Background()))
	require.NoError(t, h.tick())
	s := h.c.Status()
	assert.True(t, s.Homing)
	assert.Equal(t, HomeForced, s.HomeReason)
	assert.Equal(t, 0.0, s.Target)
	assert.Equal(t, relay.RotationCCW, h.relay.Rotation())

	// The old target does not cancel it; a new one does.
	for i := 0; i < 5; i++ {
		require.NoError(t, h.tick())
		assert.Equal(t, HomeForced, h.c.Status().HomeReason)
	}
	h.targets.Publish(120)
	require.NoError(t, h.tick())
	s = h.c.Status()
	assert.False(t, s.Homing)
	assert.Equal(t, 120.0, s.Target)
	assert.Equal(t, relay.RotationCW, h.relay.Rotation())
}

func TestZeroHomeTimeoutKeepsTarget(t *testing.T) {
	cfg := testConfig()
	cfg.HomeTimeout = 0
	h := newHarness(t, cfg, 90)
	h.targets.Publish(90)
	require.NoError(t, h.tick())

	h.now = h.now.Add(24 * time.Hour)
	require.NoError(t, h.c.step(h.now))
	s := h.c.Status()
	assert.False(t, s.Homing)
	assert.Empty(t, s.HomeReason)
	assert.Equal(t, 90.0, s.Target)
	assert.Equal(t, Aligned, s.State)
}

func TestForceHomeYieldsToLaterTarget(t *testing.T) {
	h := newHarness(t, testConfig(), 90)
	h.targets.Publish(90)
	require.NoError(t, h.tick())

	// A target that arrives after the request but before the loop picks it
	// up still wins.
	require.NoError(t, h.c.ForceHome(context.Background()))
	h.now = h.now.Add(10 * time.Millisecond)
	h.targets.Publish(120)
	require.NoError(t, h.tick())
	s := h.c.Status()
	assert.False(t, s.Homing)
	assert.Empty(t, s.HomeReason)
	assert.Equal(t, 120.0, s.Target)
	assert.Equal(t, relay.RotationCW, h.relay.Rotation())
}

func TestSensorFault(t *testing.T) {
	cfg := testConfig()
	cfg.SensorTimeout = time.Second
	h := newHarness(t, cfg, 0)
	h.targets.Publish(90)
	h.sim.Stall(true)

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = h.tick()
	}
	require.ErrorIs(t, err, ErrSensorFault)

	require.ErrorIs(t, h.c.fail(err), ErrSensorFault)
	assert.Equal(t, [4]bool{}, h.sim.Lines())
	assert.Equal(t, Idle, h.c.Status().State)
}

func TestSensorHealthyWhileMoving(t *testing.T) {
	cfg := testConfig()
	cfg.SensorTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, 0)
	h.targets.Publish(180)
	h.runUntil(2000, aligned)
}

func TestInvalidConfig(t *testing.T) {
	for _, mod := range []func(*Config){
		func(c *Config) { c.Tolerance = 0 },
		func(c *Config) { c.Deceleration = 0.5 },
		func(c *Config) { c.Period = 0 },
		func(c *Config) { c.HomeTimeout = -time.Second },
	} {
		cfg := testConfig()
		mod(&cfg)
		_, err := New(cfg, encoder.New(10, 0), nil, target.New())
		assert.Error(t, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := encoder.New(1000, 0)
	sim := simulator.New(e, 80)
	r, err := relay.New(sim, 0, nil)
	require.NoError(t, err)
	targets := target.New()
	targets.Publish(180)

	var mu sync.Mutex
	var statuses []Status
	cfg := testConfig()
	cfg.Period = 5 * time.Millisecond
	c, err := New(cfg, e, r, targets, WithStatusCallback(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return sim.Lines()[relay.LineCW] }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, [4]bool{}, sim.Lines())
	assert.Equal(t, Idle, c.Status().State)

	mu.Lock()
	assert.NotEmpty(t, statuses)
	assert.Equal(t, Idle, statuses[len(statuses)-1].State)
	mu.Unlock()

	assert.ErrorIs(t, c.ForceHome(context.Background()), ErrStopped)
}

func TestRunActuatorFault(t *testing.T) {
	e := encoder.New(1000, 0)
	sim := simulator.New(e, 80)
	r, err := relay.New(sim, 0, nil)
	require.NoError(t, err)
	targets := target.New()
	targets.Publish(90)
	sim.Fail(simulator.ErrInjected)

	cfg := testConfig()
	cfg.Period = 5 * time.Millisecond
	c, err := New(cfg, e, r, targets)
	require.NoError(t, err)
	err = c.Run(context.Background())
	assert.ErrorIs(t, err, simulator.ErrInjected)
	assert.Contains(t, err.Error(), "rotation actuator")
}

func TestRunSensorFault(t *testing.T) {
	e := encoder.New(1000, 0)
	sim := simulator.New(e, 80)
	r, err := relay.New(sim, 0, nil)
	require.NoError(t, err)
	targets := target.New()
	targets.Publish(90)

	cfg := testConfig()
	cfg.Period = 5 * time.Millisecond
	cfg.SensorTimeout = 50 * time.Millisecond
	c, err := New(cfg, e, r, targets)
	require.NoError(t, err)
	// The simulator is never stepped, so no pulses arrive.
	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrSensorFault)
	assert.Equal(t, [4]bool{}, sim.Lines())
}
