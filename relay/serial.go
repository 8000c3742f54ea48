package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// SerialBoard drives an LCUS style USB serial relay module. Every command is
// a four byte frame: 0xA0, channel (1-based), state, checksum.
type SerialBoard struct {
	mu       sync.Mutex
	port     *serial.Port
	channels [numLines]byte
}

// DefaultChannels is the module channel for each line when the relays are
// wired in the order cw, ccw, open, close.
var DefaultChannels = [4]int{1, 2, 3, 4}

// OpenSerial opens the relay module on port. channels gives the module
// channel for each Line in cw, ccw, open, close order.
func OpenSerial(port string, baud int, channels [4]int) (*SerialBoard, error) {
	if baud == 0 {
		baud = 9600
	}
	b := &SerialBoard{}
	for i, ch := range channels {
		if ch < 1 || ch > 255 {
			return nil, fmt.Errorf("invalid relay channel %d for %v", ch, Line(i))
		}
		b.channels[i] = byte(ch)
	}
	s, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud, ReadTimeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", port, err)
	}
	b.port = s
	return b, nil
}

func frame(channel byte, on bool) []byte {
	var state byte
	if on {
		state = 1
	}
	return []byte{0xA0, channel, state, 0xA0 + channel + state}
}

func (b *SerialBoard) Set(line Line, on bool) error {
	if line < 0 || line >= numLines {
		return fmt.Errorf("invalid line %v", line)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.port.Write(frame(b.channels[line], on))
	return err
}

func (b *SerialBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.channels {
		b.port.Write(frame(ch, false))
	}
	return b.port.Close()
}
