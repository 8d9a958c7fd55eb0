package epd

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	appLog "epframe/internal/log"
)

// HostConfig names the host resources wired to the panel.
type HostConfig struct {
	// SPIPort is a spireg name; "" selects the first port (/dev/spidev0.0).
	SPIPort string
	// SPIFreq is the bus clock.
	SPIFreq physic.Frequency

	// GPIO names as understood by gpioreg, e.g. "GPIO8".
	CSPin   string
	DCPin   string
	RSTPin  string
	BusyPin string

	Geometry Geometry
	Timing   Timing
}

// Open initializes periph.io, connects to the SPI port, claims the GPIO lines
// and returns a Driver in the Uninitialized state.
func Open(cfg HostConfig) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port %q: %w", cfg.SPIPort, err)
	}

	freq := cfg.SPIFreq
	if freq <= 0 {
		freq = 4 * physic.MegaHertz
	}
	c, err := port.Connect(freq, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	// Idle levels: cs released, dc command, rst held low until Init.
	cs, err := outPin(cfg.CSPin, gpio.High)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	dc, err := outPin(cfg.DCPin, gpio.Low)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	rst, err := outPin(cfg.RSTPin, gpio.Low)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	busy, err := inPin(cfg.BusyPin)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	d := New(NewBus(c, cs, dc), rst, busy, cfg.Geometry, WithTiming(cfg.Timing))
	d.closer = port

	appLog.Info("epd: panel opened",
		"spi", c.String(),
		"freq", freq,
		"cs", cfg.CSPin,
		"dc", cfg.DCPin,
		"rst", cfg.RSTPin,
		"busy", cfg.BusyPin,
		"geometry", cfg.Geometry,
	)
	return d, nil
}

func outPin(name string, initial gpio.Level) (gpio.PinOut, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("epd: gpio %q not found", name)
	}
	if err := p.Out(initial); err != nil {
		return nil, fmt.Errorf("epd: gpio %s Out failed: %w", name, err)
	}
	return p, nil
}

func inPin(name string) (gpio.PinIn, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("epd: gpio %q not found", name)
	}
	if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: gpio %s In failed: %w", name, err)
	}
	return p, nil
}
