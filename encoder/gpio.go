package encoder

import (
	"fmt"
	"log/slog"

	"github.com/warthog618/go-gpiocdev"
)

// GPIO feeds an Encoder from the clk/dt lines of a quadrature encoder.
type GPIO struct {
	clk, dt *gpiocdev.Line
	log     *slog.Logger
}

// WatchGPIO requests the clk and dt lines on chip (e.g. "gpiochip0") and
// calls e.Pulse on every clk edge until Close.
func WatchGPIO(chip string, clkPin, dtPin int, e *Encoder, logger *slog.Logger) (*GPIO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GPIO{log: logger}
	dt, err := gpiocdev.RequestLine(chip, dtPin, gpiocdev.AsInput, gpiocdev.WithConsumer("domed-dt"))
	if err != nil {
		return nil, fmt.Errorf("requesting dt line %d on %s: %w", dtPin, chip, err)
	}
	g.dt = dt
	clk, err := gpiocdev.RequestLine(chip, clkPin,
		gpiocdev.AsInput,
		gpiocdev.WithConsumer("domed-clk"),
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			g.edge(e, evt)
		}))
	if err != nil {
		dt.Close()
		return nil, fmt.Errorf("requesting clk line %d on %s: %w", clkPin, chip, err)
	}
	g.clk = clk
	logger.Info("encoder lines requested", "chip", chip, "clk", clkPin, "dt", dtPin)
	return g, nil
}

func (g *GPIO) edge(e *Encoder, evt gpiocdev.LineEvent) {
	clk := 0
	if evt.Type == gpiocdev.LineEventRisingEdge {
		clk = 1
	}
	dt, err := g.dt.Value()
	if err != nil {
		g.log.Error("reading dt line", "error", err)
		return
	}
	e.Pulse(Quadrature(clk, dt))
}

func (g *GPIO) Close() error {
	err := g.clk.Close()
	if derr := g.dt.Close(); err == nil {
		err = derr
	}
	return err
}
