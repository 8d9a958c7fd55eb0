package epd

import (
	"context"
	"errors"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// event is one observable hardware action, in order.
type event struct {
	kind  string // "pin", "tx", "sleep"
	pin   string
	level gpio.Level
	dc    gpio.Level
	cs    gpio.Level
	data  []byte
	dur   time.Duration
}

// recorder keeps a single ordered trace of pin writes, SPI transfers and
// delays, and tracks the current cs/dc levels for each transfer.
type recorder struct {
	events []event
	cs, dc gpio.Level
}

func (r *recorder) commands() []byte {
	var out []byte
	for _, e := range r.events {
		if e.kind == "tx" && e.dc == gpio.Low {
			out = append(out, e.data...)
		}
	}
	return out
}

// payload returns the data bytes sent after the n-th occurrence of code and
// before the next command byte.
func (r *recorder) payload(code byte, n int) []byte {
	seen := -1
	var out []byte
	collecting := false
	for _, e := range r.events {
		if e.kind != "tx" {
			continue
		}
		if e.dc == gpio.Low {
			if collecting {
				return out
			}
			for _, b := range e.data {
				if b == code {
					seen++
				}
			}
			if seen == n {
				collecting = true
			}
			continue
		}
		if collecting {
			out = append(out, e.data...)
		}
	}
	return out
}

func (r *recorder) count(kind, pin string, level gpio.Level) int {
	n := 0
	for _, e := range r.events {
		if e.kind == kind && e.pin == pin && e.level == level {
			n++
		}
	}
	return n
}

func (r *recorder) firstIndex(match func(event) bool) int {
	for i, e := range r.events {
		if match(e) {
			return i
		}
	}
	return -1
}

func (r *recorder) sleeps() []time.Duration {
	var out []time.Duration
	for _, e := range r.events {
		if e.kind == "sleep" {
			out = append(out, e.dur)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.events = nil
}

type recPin struct {
	*gpiotest.Pin
	rec *recorder
	err error
}

func newRecPin(rec *recorder, name string) *recPin {
	return &recPin{Pin: &gpiotest.Pin{N: name}, rec: rec}
}

func (p *recPin) Out(l gpio.Level) error {
	p.rec.events = append(p.rec.events, event{kind: "pin", pin: p.N, level: l})
	switch p.N {
	case "CS":
		p.rec.cs = l
	case "DC":
		p.rec.dc = l
	}
	if p.err != nil {
		return p.err
	}
	return p.Pin.Out(l)
}

// busyPin returns busy for the first busyReads reads, idle afterwards.
type busyPin struct {
	*gpiotest.Pin
	busyReads int
	reads     int
	forever   bool
}

func (p *busyPin) Read() gpio.Level {
	p.reads++
	if p.forever || p.reads <= p.busyReads {
		return busyLevel
	}
	return !busyLevel
}

type fakeConn struct {
	rec    *recorder
	maxTx  int
	failOn int // fail the n-th Tx (1-based); 0 never
	txs    int
}

var errTx = errors.New("tx failed")

func (c *fakeConn) String() string      { return "fakeConn" }
func (c *fakeConn) Halt() error         { return nil }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Half }
func (c *fakeConn) MaxTxSize() int      { return c.maxTx }

func (c *fakeConn) Tx(w, r []byte) error {
	c.txs++
	if c.failOn > 0 && c.txs == c.failOn {
		return errTx
	}
	data := append([]byte(nil), w...)
	c.rec.events = append(c.rec.events, event{kind: "tx", dc: c.rec.dc, cs: c.rec.cs, data: data})
	return nil
}

type rig struct {
	rec  *recorder
	conn *fakeConn
	cs   *recPin
	dc   *recPin
	rst  *recPin
	busy *busyPin
	bus  *Bus
	drv  *Driver
	now  time.Time
}

func newRig(geom Geometry, opts ...Option) *rig {
	rec := &recorder{cs: gpio.High}
	r := &rig{
		rec:  rec,
		conn: &fakeConn{rec: rec},
		cs:   newRecPin(rec, "CS"),
		dc:   newRecPin(rec, "DC"),
		rst:  newRecPin(rec, "RST"),
		busy: &busyPin{Pin: &gpiotest.Pin{N: "BUSY"}},
		now:  time.Unix(1700000000, 0),
	}
	r.bus = NewBus(r.conn, r.cs, r.dc)
	r.drv = New(r.bus, r.rst, r.busy, geom, opts...)
	r.drv.sleep = func(ctx context.Context, d time.Duration) error {
		rec.events = append(rec.events, event{kind: "sleep", dur: d})
		r.now = r.now.Add(d)
		return ctx.Err()
	}
	r.drv.now = func() time.Time { return r.now }
	return r
}
