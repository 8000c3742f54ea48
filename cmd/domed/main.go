// Command domed keeps an observatory dome's slit on the telescope's target.
//
// It listens for azimuths from the imaging controller, drives the dome's
// rotation and shutter relays from an encoder feedback loop, and serves
// status, operator commands and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dome_interface/config"
	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/encoder"
	"github.com/w1xm/dome_interface/internal/metrics"
	"github.com/w1xm/dome_interface/listener"
	"github.com/w1xm/dome_interface/relay"
	"github.com/w1xm/dome_interface/simulator"
	"github.com/w1xm/dome_interface/target"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	simulate   = flag.Bool("simulate", false, "drive a simulated dome instead of hardware")
	httpAddr   = flag.String("http", "", "HTTP listen address, overrides http_address")
	debug      = flag.Bool("debug", false, "log at debug level")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		slog.Error("domed exiting", "error", err)
		os.Exit(1)
	}
}

// newLogger logs to stderr and, if path is set, appends to path as well.
func newLogger(path string, level slog.Level) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *simulate {
		cfg.Relay.Backend = config.BackendSimulator
	}
	if *httpAddr != "" {
		cfg.HTTPAddress = *httpAddr
	}
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger, logFile, err := newLogger(cfg.LogFile, level)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pulses, err := cfg.Pulses()
	if err != nil {
		return err
	}
	enc := encoder.New(pulses, cfg.Encoder.Debounce)
	enc.Set(cfg.InitialAzimuth())
	logger.Info("encoder ready",
		"pulses_per_revolution", pulses,
		"initial_azimuth", enc.Angle())

	g, ctx := errgroup.WithContext(ctx)

	board, err := openBoard(ctx, g, cfg, enc, logger)
	if err != nil {
		return err
	}
	defer board.Close()

	rl, err := relay.New(board, cfg.Relay.Deadtime, logger)
	if err != nil {
		return fmt.Errorf("releasing relays: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.RegisterEncoder(reg, enc)

	targets := target.New()
	var server *Server
	c, err := dome.New(cfg.Controller(), enc, rl, targets,
		dome.WithLogger(logger),
		dome.WithStatusCallback(func(s dome.Status) { server.statusCallback(s) }))
	if err != nil {
		return err
	}
	server = NewServer(c, logger)
	server.statusCallback(c.Status())

	g.Go(func() error {
		return c.Run(ctx)
	})

	l := listener.New(targets, logger)
	g.Go(func() error {
		return l.ListenAndServe(ctx, cfg.ListenAddr())
	})

	srv := &http.Server{
		Handler:      server.Router(reg),
		Addr:         cfg.HTTPAddress,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		logger.Info("serving http", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("domed stopped", "azimuth", enc.Angle())
	return err
}

// openBoard opens the configured relay board and, for hardware, starts
// watching the encoder.
func openBoard(ctx context.Context, g *errgroup.Group, cfg config.Config, enc *encoder.Encoder, logger *slog.Logger) (relay.Board, error) {
	if cfg.Relay.Backend == config.BackendSimulator {
		// One revolution every two minutes.
		sim := simulator.New(enc, float64(enc.PulsesPerRevolution())/120)
		g.Go(func() error {
			return sim.Run(ctx)
		})
		logger.Warn("driving a simulated dome")
		return sim, nil
	}

	var (
		board relay.Board
		err   error
	)
	switch cfg.Relay.Backend {
	case config.BackendGPIO:
		board, err = relay.OpenGPIO(cfg.Relay.Chip, cfg.GPIOPins(), cfg.Relay.ActiveLow)
	case config.BackendModbus:
		board, err = relay.OpenModbus(ctx, cfg.Modbus(), logger)
	case config.BackendSerial:
		board, err = relay.OpenSerial(cfg.Relay.Port, cfg.Relay.Baud, cfg.Channels(relay.DefaultChannels))
	default:
		err = fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("relay board: %w", err)
	}

	watcher, err := encoder.WatchGPIO(cfg.Encoder.Chip, cfg.Encoder.ClkPin, cfg.Encoder.DtPin, enc, logger)
	if err != nil {
		board.Close()
		return nil, fmt.Errorf("encoder: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return watcher.Close()
	})
	logger.Info("relay board open", "backend", cfg.Relay.Backend)
	return board, nil
}
