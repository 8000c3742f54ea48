package relay

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOPins maps logical lines to GPIO offsets on one chip.
type GPIOPins struct {
	CW, CCW, Open, Close int
}

// GPIOBoard drives relays wired directly to GPIO outputs.
type GPIOBoard struct {
	lines [numLines]*gpiocdev.Line
}

// OpenGPIO requests the four relay outputs on chip, all released. Most relay
// modules sold for single board computers energize on a low output; set
// activeLow for those.
func OpenGPIO(chip string, pins GPIOPins, activeLow bool) (*GPIOBoard, error) {
	b := &GPIOBoard{}
	offsets := [numLines]int{
		LineCW:    pins.CW,
		LineCCW:   pins.CCW,
		LineOpen:  pins.Open,
		LineClose: pins.Close,
	}
	for l, offset := range offsets {
		opts := []gpiocdev.LineReqOption{
			gpiocdev.WithConsumer("domed-" + Line(l).String()),
			gpiocdev.AsOutput(0),
		}
		if activeLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := gpiocdev.RequestLine(chip, offset, opts...)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("requesting %v relay on %s:%d: %w", Line(l), chip, offset, err)
		}
		b.lines[l] = line
	}
	return b, nil
}

func (b *GPIOBoard) Set(line Line, on bool) error {
	if line < 0 || line >= numLines {
		return fmt.Errorf("invalid line %v", line)
	}
	v := 0
	if on {
		v = 1
	}
	return b.lines[line].SetValue(v)
}

func (b *GPIOBoard) Close() error {
	var errs []error
	for i, l := range b.lines {
		if l == nil {
			continue
		}
		// Leave nothing energized behind us.
		if err := l.SetValue(0); err != nil {
			errs = append(errs, err)
		}
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		b.lines[i] = nil
	}
	return errors.Join(errs...)
}
