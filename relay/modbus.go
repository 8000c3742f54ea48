package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/w1xm/dome_interface/internal/modbus"
)

// ModbusConfig describes a Modbus RTU relay module.
type ModbusConfig struct {
	Port     string
	BaudRate int
	SlaveId  byte
	// URL reaches the module through a modbus bridge instead of Port.
	URL string
	// Coils gives the coil address for each Line in cw, ccw, open, close
	// order.
	Coils [4]int
}

// DefaultCoils assumes the relays are wired to the first four coils.
var DefaultCoils = [4]int{0, 1, 2, 3}

// ModbusBoard drives a Modbus RTU relay module and polls its coils so the
// actual relay state can be reported.
type ModbusBoard struct {
	client *modbus.Client
	coils  [numLines]int
	log    *slog.Logger

	mu    sync.Mutex
	state [numLines]bool
}

func OpenModbus(ctx context.Context, cfg ModbusConfig, logger *slog.Logger) (*ModbusBoard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := &modbus.Client{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		SlaveId:  cfg.SlaveId,
		URL:      cfg.URL,
		Interval: 500 * time.Millisecond,
		Log:      logger,
	}
	b, err := newModbusBoard(client, cfg.Coils, logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// newModbusBoard wires b to client without connecting it.
func newModbusBoard(client *modbus.Client, coils [4]int, logger *slog.Logger) (*ModbusBoard, error) {
	b := &ModbusBoard{client: client, log: logger}
	for i, c := range coils {
		if c < 0 || c > 0xFFFF {
			return nil, fmt.Errorf("invalid coil %d for %v", c, Line(i))
		}
		b.coils[i] = c
	}
	client.Poll = b.pollOnce
	return b, nil
}

func (b *ModbusBoard) span() (first, count int) {
	first, last := b.coils[0], b.coils[0]
	for _, c := range b.coils[1:] {
		if c < first {
			first = c
		}
		if c > last {
			last = c
		}
	}
	return first, last - first + 1
}

func (b *ModbusBoard) pollOnce() error {
	first, count := b.span()
	results, err := b.client.ReadCoils(uint16(first), uint16(count))
	if err != nil {
		return err
	}
	bits := modbus.BytesToBits(results)
	b.mu.Lock()
	defer b.mu.Unlock()
	for l, c := range b.coils {
		if c-first < len(bits) {
			b.state[l] = bits[c-first]
		}
	}
	if b.state[LineCW] && b.state[LineCCW] || b.state[LineOpen] && b.state[LineClose] {
		b.log.Error("relay module reports opposing lines energized", "state", b.state)
	}
	return nil
}

func (b *ModbusBoard) Set(line Line, on bool) error {
	if line < 0 || line >= numLines {
		return fmt.Errorf("invalid line %v", line)
	}
	if err := b.client.WriteCoil(b.coils[line], on); err != nil {
		return err
	}
	b.mu.Lock()
	b.state[line] = on
	b.mu.Unlock()
	return nil
}

// State returns the last known coil state of each line.
func (b *ModbusBoard) State() [4]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ModbusBoard) Close() error {
	for l := Line(0); l < numLines; l++ {
		b.client.WriteCoil(b.coils[l], false)
	}
	return b.client.Close()
}
