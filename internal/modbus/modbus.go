// Package modbus wraps a goburrow Modbus RTU client with reconnection and a
// background poll loop.
package modbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goburrow/modbus"
	"github.com/w1xm/dome_interface/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 9600
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection through a modbus bridge
	URL string

	// Poll function to be called in a loop while the connection is active
	Poll func() error
	// Interval between polls
	Interval time.Duration

	Log *slog.Logger

	handler modbusHandler
	modbus.Client
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

// Connect opens the connection and starts polling. The first connection
// attempt is synchronous; later failures are retried in the background
// until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.URL != "" {
		h := modbushttp.NewClient(c.URL)
		h.SlaveId = c.SlaveId
		c.handler = h
	} else {
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = c.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 9600
		}
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	c.Client = modbus.NewClient(c.handler)
	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("opening %q: %w", c.name(), err)
	}
	c.Log.Info("modbus connected", "port", c.name())
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		if err := c.watch(ctx); err != nil && ctx.Err() == nil {
			c.Log.Warn("modbus poll failed", "port", c.name(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		if err := c.handler.Connect(); err != nil {
			c.Log.Warn("modbus reconnect failed", "port", c.name(), "error", err)
			continue
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}
		if c.Poll == nil {
			continue
		}
		if err := c.Poll(); err != nil {
			return err
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func (c *Client) Close() error {
	return c.handler.Close()
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
