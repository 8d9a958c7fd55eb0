// Package battery reads the charge of a PiSugar style fuel gauge over I2C.
package battery

import (
	"context"
	"fmt"
	"strconv"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddress is the gauge's 7-bit I2C address.
const DefaultAddress = 0x57

// Gauge registers: voltage in millivolts split high/low, charge in percent.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// Status is one battery reading.
type Status struct {
	Percent   int
	VoltageMv int
}

// Payload is the broker message for s, "<percent> <millivolts>".
func (s Status) Payload() string {
	return strconv.Itoa(s.Percent) + " " + strconv.Itoa(s.VoltageMv)
}

// Reader obtains a battery reading.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// I2CReader reads the gauge, opening the bus per call so a wake cycle holds
// no handle while hibernating.
type I2CReader struct {
	busName string
	addr    uint16

	open func(name string) (i2c.BusCloser, error)
}

// NewI2CReader returns a reader for the gauge at addr on busName ("" for
// the first bus).
func NewI2CReader(busName string, addr uint16) *I2CReader {
	if addr == 0 {
		addr = DefaultAddress
	}
	return &I2CReader{busName: busName, addr: addr, open: openBus}
}

func openBus(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	return i2creg.Open(name)
}

// Read implements Reader.
func (r *I2CReader) Read(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	bus, err := r.open(r.busName)
	if err != nil {
		return Status{}, fmt.Errorf("battery: open i2c %q: %w", r.busName, err)
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: read reg 0x%02X: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}

	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}
