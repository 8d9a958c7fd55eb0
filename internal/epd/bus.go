package epd

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Bus frames writes to the panel controller. Chip-select is driven manually
// through a GPIO so that a single logical transfer can span many SPI
// transactions, which is required for multi-kilobyte frame bursts.
type Bus struct {
	c  conn.Conn
	cs gpio.PinOut
	dc gpio.PinOut

	// maxTx caps the size of one Tx call; 0 means no limit.
	maxTx int
}

// NewBus wraps an SPI connection with its chip-select and data/command pins.
// If c reports conn.Limits, writes are split to honor MaxTxSize.
func NewBus(c conn.Conn, cs, dc gpio.PinOut) *Bus {
	b := &Bus{c: c, cs: cs, dc: dc}
	if l, ok := c.(conn.Limits); ok {
		b.maxTx = l.MaxTxSize()
	}
	return b
}

// Begin asserts chip-select (active low).
func (b *Bus) Begin() error {
	if err := b.cs.Out(gpio.Low); err != nil {
		return fmt.Errorf("epd: assert cs: %w", err)
	}
	return nil
}

// End deasserts chip-select.
func (b *Bus) End() error {
	if err := b.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("epd: release cs: %w", err)
	}
	return nil
}

// Command sends a command byte in its own chip-select frame, followed by an
// optional payload in a second frame.
func (b *Bus) Command(code byte, data ...byte) error {
	if err := b.framed(gpio.Low, []byte{code}); err != nil {
		return fmt.Errorf("epd: command 0x%02X: %w", code, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := b.framed(gpio.High, data); err != nil {
		return fmt.Errorf("epd: command 0x%02X data: %w", code, err)
	}
	return nil
}

// Stream runs fn inside one chip-select frame. Chip-select is released
// exactly once when fn returns, fails or panics.
func (b *Bus) Stream(fn func(s *Stream) error) (err error) {
	defer func() {
		if endErr := b.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()
	if err := b.Begin(); err != nil {
		return err
	}
	return fn(&Stream{b: b})
}

// framed writes p with dc set to level inside its own chip-select frame.
func (b *Bus) framed(level gpio.Level, p []byte) error {
	if err := b.setDC(level); err != nil {
		return err
	}
	return b.Stream(func(_ *Stream) error {
		return b.write(p)
	})
}

func (b *Bus) setDC(level gpio.Level) error {
	if err := b.dc.Out(level); err != nil {
		return fmt.Errorf("epd: set dc: %w", err)
	}
	return nil
}

func (b *Bus) write(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if b.maxTx > 0 && n > b.maxTx {
			n = b.maxTx
		}
		if err := b.c.Tx(p[:n], nil); err != nil {
			return fmt.Errorf("epd: spi tx: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Stream is an open chip-select frame. Calls only toggle data/command.
type Stream struct {
	b *Bus
}

// WriteCommand writes a command byte inside the current frame.
func (s *Stream) WriteCommand(code byte) error {
	if err := s.b.setDC(gpio.Low); err != nil {
		return err
	}
	return s.b.write([]byte{code})
}

// WriteData writes payload bytes inside the current frame.
func (s *Stream) WriteData(p []byte) error {
	if err := s.b.setDC(gpio.High); err != nil {
		return err
	}
	return s.b.write(p)
}
