// Package epd drives a 7.5" 800x480 black/white e-paper panel over SPI using
// periph.io. The controller is command/data framed: commands are sent with
// DC low, payload bytes with DC high, and the BUSY line reads low while the
// controller is working.
package epd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3/gpio"

	appLog "epframe/internal/log"
)

var (
	// ErrBusyTimeout is returned when BUSY does not go idle before the
	// configured deadline.
	ErrBusyTimeout = errors.New("epd: timed out waiting for panel idle")

	// ErrNotActive is returned for operations that need an initialized panel.
	ErrNotActive = errors.New("epd: panel is not active")
)

// busyLevel is the BUSY line level while the controller is working.
const busyLevel = gpio.Low

// abortParkTimeout bounds the power-down after a failed Init.
const abortParkTimeout = 10 * time.Second

// State is the controller power state as tracked by the driver.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Timing holds the delays of the panel protocol.
type Timing struct {
	// ResetHold is held after each rising edge of the reset pulse.
	ResetHold time.Duration
	// ResetPulse is how long reset is held low.
	ResetPulse time.Duration
	// Settle follows power-on, the init sequence and each refresh.
	Settle time.Duration
	// BusyPoll is the interval between status queries.
	BusyPoll time.Duration
	// BusyTimeout bounds WaitUntilIdle. Zero waits forever.
	BusyTimeout time.Duration
}

// DefaultTiming returns the controller datasheet timings with no busy deadline.
func DefaultTiming() Timing {
	return Timing{
		ResetHold:  200 * time.Millisecond,
		ResetPulse: 2 * time.Millisecond,
		Settle:     100 * time.Millisecond,
		BusyPoll:   100 * time.Millisecond,
	}
}

// Option customizes a Driver.
type Option func(*Driver)

// WithTiming overrides the protocol delays. Zero fields keep their defaults,
// except BusyTimeout which is taken as-is.
func WithTiming(t Timing) Option {
	return func(d *Driver) {
		def := DefaultTiming()
		if t.ResetHold <= 0 {
			t.ResetHold = def.ResetHold
		}
		if t.ResetPulse <= 0 {
			t.ResetPulse = def.ResetPulse
		}
		if t.Settle <= 0 {
			t.Settle = def.Settle
		}
		if t.BusyPoll <= 0 {
			t.BusyPoll = def.BusyPoll
		}
		d.timing = t
	}
}

// Driver is the panel handle. It is not safe for concurrent use; the caller
// owns it exclusively.
type Driver struct {
	bus  *Bus
	rst  gpio.PinOut
	busy gpio.PinIn

	geom   Geometry
	timing Timing
	state  State

	closer io.Closer

	// sleep and now are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a Driver on an existing bus and pins. The panel is not touched
// until Init is called.
func New(bus *Bus, rst gpio.PinOut, busy gpio.PinIn, geom Geometry, opts ...Option) *Driver {
	d := &Driver{
		bus:    bus,
		rst:    rst,
		busy:   busy,
		geom:   geom,
		timing: DefaultTiming(),
		state:  StateUninitialized,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Geometry returns the panel geometry.
func (d *Driver) Geometry() Geometry { return d.geom }

// State returns the tracked controller state.
func (d *Driver) State() State { return d.state }

// Close releases the SPI port if the driver opened it.
func (d *Driver) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// Reset pulses the reset line to force the controller into its power-on
// state: high, low, high.
func (d *Driver) Reset(ctx context.Context) error {
	pulse := []struct {
		level gpio.Level
		hold  time.Duration
	}{
		{gpio.High, d.timing.ResetHold},
		{gpio.Low, d.timing.ResetPulse},
		{gpio.High, d.timing.ResetHold},
	}
	for _, p := range pulse {
		if err := d.rst.Out(p.level); err != nil {
			return fmt.Errorf("epd: reset: %w", err)
		}
		if err := d.sleep(ctx, p.hold); err != nil {
			return err
		}
	}
	return nil
}

// Init resets the controller and programs it for the panel. It is the only
// way out of both Uninitialized and Sleeping. A failure after power-on
// leaves the panel in deep sleep.
func (d *Driver) Init(ctx context.Context) error {
	d.state = StateUninitialized

	if err := d.Reset(ctx); err != nil {
		return err
	}

	if err := d.bus.Command(cmdBoosterSoftStart, boosterSoftStartData...); err != nil {
		return err
	}
	if err := d.bus.Command(cmdPowerSetting, powerSettingData...); err != nil {
		return err
	}
	if err := d.bus.Command(cmdPowerOn); err != nil {
		return d.abortInit(ctx, err)
	}
	if err := d.sleep(ctx, d.timing.Settle); err != nil {
		return d.abortInit(ctx, err)
	}
	if err := d.WaitUntilIdle(ctx); err != nil {
		return d.abortInit(ctx, err)
	}

	seq := []struct {
		code byte
		data []byte
	}{
		{cmdPanelSetting, panelSettingData},
		{cmdTCONResolution, d.geom.resolution()},
		{cmdDualSPI, dualSPIData},
		{cmdVCOMInterval, vcomIntervalData},
		{cmdTCONSetting, tconSettingData},
	}
	for _, c := range seq {
		if err := d.bus.Command(c.code, c.data...); err != nil {
			return d.abortInit(ctx, err)
		}
	}

	if err := d.sleep(ctx, d.timing.Settle); err != nil {
		return d.abortInit(ctx, err)
	}
	if err := d.WaitUntilIdle(ctx); err != nil {
		return d.abortInit(ctx, err)
	}

	d.state = StateActive
	appLog.Debug("epd: panel initialized", "geometry", d.geom)
	return nil
}

// WaitUntilIdle issues the status command and polls BUSY until it reads
// idle. With Timing.BusyTimeout set it gives up with ErrBusyTimeout.
func (d *Driver) WaitUntilIdle(ctx context.Context) error {
	var deadline time.Time
	if d.timing.BusyTimeout > 0 {
		deadline = d.now().Add(d.timing.BusyTimeout)
	}

	if err := d.bus.Command(cmdGetStatus); err != nil {
		return err
	}
	start := d.now()
	for d.busy.Read() == busyLevel {
		if !deadline.IsZero() && !d.now().Before(deadline) {
			return fmt.Errorf("%w (%s)", ErrBusyTimeout, d.timing.BusyTimeout)
		}
		if err := d.bus.Command(cmdGetStatus); err != nil {
			return err
		}
		if err := d.sleep(ctx, d.timing.BusyPoll); err != nil {
			return err
		}
	}
	appLog.Debug("epd: panel idle", "waited", d.now().Sub(start))
	return nil
}

// Clear fills both frame planes with the dither pattern row by row and
// refreshes the panel.
func (d *Driver) Clear(ctx context.Context) error {
	if d.state != StateActive {
		return ErrNotActive
	}

	row := make([]byte, d.geom.RowBytes())
	for i := range row {
		row[i] = clearPattern
	}

	for _, plane := range []byte{cmdDataStart, cmdImageProcess} {
		err := d.bus.Stream(func(s *Stream) error {
			if err := s.WriteCommand(plane); err != nil {
				return err
			}
			for y := 0; y < d.geom.Height; y++ {
				if err := s.WriteData(row); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return d.refresh(ctx)
}

// DisplayFrame streams buf as the new image and refreshes the panel. buf
// must be exactly Geometry().FrameSize() bytes; the driver does not check.
func (d *Driver) DisplayFrame(ctx context.Context, buf []byte) error {
	if d.state != StateActive {
		return ErrNotActive
	}

	err := d.bus.Stream(func(s *Stream) error {
		if err := s.WriteCommand(cmdImageProcess); err != nil {
			return err
		}
		return s.WriteData(buf)
	})
	if err != nil {
		return err
	}

	return d.refresh(ctx)
}

// Sleep powers the controller off and puts it into deep sleep. Only a
// subsequent Init wakes it.
func (d *Driver) Sleep(ctx context.Context) error {
	if d.state != StateActive {
		return ErrNotActive
	}
	if err := d.bus.Command(cmdPowerOff); err != nil {
		return err
	}
	if err := d.WaitUntilIdle(ctx); err != nil {
		return err
	}
	return d.deepSleep()
}

func (d *Driver) deepSleep() error {
	if err := d.bus.Command(cmdDeepSleep, deepSleepCheck); err != nil {
		return err
	}
	d.state = StateSleeping
	appLog.Debug("epd: panel in deep sleep")
	return nil
}

// abortInit powers the booster back down after a wake failed past power-on.
// It runs even when ctx is cancelled, bounded by abortParkTimeout, and still
// sends deep sleep if the power-off busy wait fails. cause is returned joined
// with any bus error.
func (d *Driver) abortInit(ctx context.Context, cause error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortParkTimeout)
	defer cancel()

	if err := d.bus.Command(cmdPowerOff); err != nil {
		return errors.Join(cause, fmt.Errorf("epd: power off: %w", err))
	}
	if err := d.WaitUntilIdle(pctx); err != nil {
		appLog.Warn("epd: power off did not settle", "err", err)
	}
	if err := d.deepSleep(); err != nil {
		return errors.Join(cause, fmt.Errorf("epd: deep sleep: %w", err))
	}
	return cause
}

func (d *Driver) refresh(ctx context.Context) error {
	if err := d.bus.Command(cmdDisplayRefresh); err != nil {
		return err
	}
	if err := d.sleep(ctx, d.timing.Settle); err != nil {
		return err
	}
	return d.WaitUntilIdle(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
