// Package frame runs the picture frame's wake cycle: wait for the network,
// open a broker session, render announced images onto the panel and
// hibernate once the frame has been idle long enough.
//
// Everything happens on the caller's goroutine. Broker messages are queued by
// the session and drained once per poll, so a notification arriving during a
// render is handled on the next poll.
package frame

import (
	"context"
	"errors"
	"fmt"
	"time"

	"epframe/internal/battery"
	"epframe/internal/broker"
	"epframe/internal/epd"
	appLog "epframe/internal/log"
	"epframe/internal/quiet"
)

// Loop variants.
const (
	VariantCycle    = "cycle"
	VariantAlwaysOn = "always_on"
)

// ErrFrameSize is returned when a fetched body does not match the panel.
var ErrFrameSize = errors.New("frame: body size does not match panel")

// Panel is the display the loop drives. Init must leave the panel asleep
// when it fails after powering it on.
type Panel interface {
	Geometry() epd.Geometry
	Init(ctx context.Context) error
	Clear(ctx context.Context) error
	DisplayFrame(ctx context.Context, buf []byte) error
	Sleep(ctx context.Context) error
}

// Session is one connected broker session.
type Session interface {
	Poll() []broker.Notification
	PublishStatus(ctx context.Context, status string) error
	PublishBattery(ctx context.Context, payload string) error
	Disconnect()
}

// Dialer opens a session that has already announced itself online.
type Dialer func(ctx context.Context) (Session, error)

type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

type Link interface {
	Wait(ctx context.Context) error
}

type Hibernator interface {
	Hibernate(ctx context.Context, d time.Duration) error
}

type Schedule interface {
	Next(now time.Time) time.Duration
}

type Quiet interface {
	Active(ctx context.Context, now time.Time) (quiet.Window, bool)
}

// Options tune the loop.
type Options struct {
	Variant      string
	PollInterval time.Duration
	// IdlePolls is the number of unpaused polls before hibernating.
	IdlePolls int
	// PauseIgnoresURLs drops image notifications while paused.
	PauseIgnoresURLs bool
	RetryDelay       time.Duration
	// Once runs a single cycle and returns instead of hibernating. The
	// always_on variant returns after its first render instead.
	Once bool
}

// Deps are the collaborators of a Loop. Quiet and Battery are optional.
type Deps struct {
	Panel      Panel
	Dial       Dialer
	Fetcher    Fetcher
	Link       Link
	Hibernator Hibernator
	Schedule   Schedule
	Quiet      Quiet
	Battery    battery.Reader
}

// Loop owns the panel for the life of the process.
type Loop struct {
	opts Options
	deps Deps

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(opts Options, deps Deps) *Loop {
	if opts.Variant == "" {
		opts.Variant = VariantCycle
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.IdlePolls <= 0 {
		opts.IdlePolls = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Loop{
		opts:  opts,
		deps:  deps,
		sleep: sleepContext,
		now:   time.Now,
	}
}

// cycle is the state of one wake cycle. It is discarded on hibernation, as
// a cold boot would.
type cycle struct {
	lastURL string
	paused  bool
	idle    int
	// held is the latest image announced during a quiet period.
	held     string
	rendered bool
}

// Run repeats wake cycles until ctx is done. A failed cycle is retried after
// RetryDelay.
func (l *Loop) Run(ctx context.Context) error {
	for {
		err := l.RunCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if l.opts.Once {
				return err
			}
			appLog.Error("frame: cycle failed, retrying", err, "retry_in", l.opts.RetryDelay.String())
			if err := l.sleep(ctx, l.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}
		if l.opts.Once {
			return nil
		}

		d := l.deps.Schedule.Next(l.now())
		if err := l.deps.Hibernator.Hibernate(ctx, d); err != nil {
			return err
		}
	}
}

// RunCycle performs one wake cycle up to the clean disconnect. In the
// always_on variant it only returns on error or cancellation, or after the
// first render with Options.Once.
func (l *Loop) RunCycle(ctx context.Context) error {
	if err := l.deps.Link.Wait(ctx); err != nil {
		return fmt.Errorf("frame: wait for link: %w", err)
	}

	sess, err := l.deps.Dial(ctx)
	if err != nil {
		return fmt.Errorf("frame: dial broker: %w", err)
	}
	defer sess.Disconnect()

	l.reportBattery(ctx, sess)

	var c cycle
	if l.opts.Variant == VariantAlwaysOn {
		return l.pollForever(ctx, sess, &c)
	}

	for c.idle < l.opts.IdlePolls {
		if err := sess.PublishStatus(ctx, broker.StatusWaiting(c.idle)); err != nil {
			return err
		}
		l.dispatch(ctx, sess, &c)
		if err := l.sleep(ctx, l.opts.PollInterval); err != nil {
			return err
		}
		if c.paused {
			c.idle = 0
		} else {
			c.idle++
		}
	}

	if err := sess.PublishStatus(ctx, broker.StatusSleeping); err != nil {
		return err
	}
	appLog.Info("frame: cycle idle, going to sleep", "polls", c.idle)
	return nil
}

func (l *Loop) pollForever(ctx context.Context, sess Session, c *cycle) error {
	for {
		l.dispatch(ctx, sess, c)
		if l.opts.Once && c.rendered {
			return nil
		}
		if err := l.sleep(ctx, l.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, sess Session, c *cycle) {
	for _, n := range sess.Poll() {
		l.handle(ctx, c, n)
	}
	if c.held == "" {
		return
	}
	if _, ok := l.quietWindow(ctx); !ok {
		url := c.held
		c.held = ""
		appLog.Info("frame: quiet period over, showing held image", "url", url)
		l.image(ctx, c, url)
	}
}

func (l *Loop) quietWindow(ctx context.Context) (quiet.Window, bool) {
	if l.deps.Quiet == nil {
		return quiet.Window{}, false
	}
	return l.deps.Quiet.Active(ctx, l.now())
}

func (l *Loop) handle(ctx context.Context, c *cycle, n broker.Notification) {
	switch n.Kind {
	case broker.KindPause:
		appLog.Info("frame: paused")
		c.paused = true
	case broker.KindResume:
		appLog.Info("frame: resumed")
		c.paused = false
	case broker.KindImageReady:
		l.image(ctx, c, n.URL)
	case broker.KindUnknown:
		appLog.Debug("frame: ignoring message", "topic", n.Topic)
	}
}

func (l *Loop) image(ctx context.Context, c *cycle, url string) {
	if c.paused && l.opts.PauseIgnoresURLs {
		appLog.Info("frame: paused, ignoring image", "url", url)
		return
	}
	if url == c.lastURL {
		appLog.Debug("frame: image already shown", "url", url)
		return
	}
	if w, ok := l.quietWindow(ctx); ok {
		if c.held != url {
			appLog.Info("frame: quiet period, holding image", "url", url, "event", w.Summary, "until", w.End.Format(time.RFC3339))
		}
		c.held = url
		return
	}

	c.lastURL = url
	c.held = ""
	c.rendered = true
	appLog.Info("frame: new image", "url", url)
	if err := l.Render(ctx, url); err != nil {
		appLog.Error("frame: render failed", err, "url", url)
	}
}

// Render wakes the panel, fetches url and displays it. The panel is put back
// to sleep whatever happens after a successful wake; a failed Init parks the
// panel itself.
func (l *Loop) Render(ctx context.Context, url string) (err error) {
	if err := l.deps.Panel.Init(ctx); err != nil {
		return fmt.Errorf("frame: init panel: %w", err)
	}
	defer func() {
		err = errors.Join(err, l.parkPanel(ctx))
	}()

	buf, err := l.deps.Fetcher.Get(ctx, url)
	if err != nil {
		return err
	}
	if want := l.deps.Panel.Geometry().FrameSize(); len(buf) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(buf), want)
	}
	if err := l.deps.Panel.DisplayFrame(ctx, buf); err != nil {
		return fmt.Errorf("frame: display: %w", err)
	}
	return nil
}

// Clear wakes the panel, fills it with the dither pattern and sleeps it.
func (l *Loop) Clear(ctx context.Context) (err error) {
	if err := l.deps.Panel.Init(ctx); err != nil {
		return fmt.Errorf("frame: init panel: %w", err)
	}
	defer func() {
		err = errors.Join(err, l.parkPanel(ctx))
	}()

	if err := l.deps.Panel.Clear(ctx); err != nil {
		return fmt.Errorf("frame: clear: %w", err)
	}
	return nil
}

// parkPanel sleeps the panel even when ctx is already cancelled; the busy
// wait still has its own deadline.
func (l *Loop) parkPanel(ctx context.Context) error {
	if err := l.deps.Panel.Sleep(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("frame: sleep panel: %w", err)
	}
	return nil
}

func (l *Loop) reportBattery(ctx context.Context, sess Session) {
	if l.deps.Battery == nil {
		return
	}
	s, err := l.deps.Battery.Read(ctx)
	if err != nil {
		appLog.Warn("frame: battery read failed", "err", err)
		return
	}
	if err := sess.PublishBattery(ctx, s.Payload()); err != nil {
		appLog.Warn("frame: battery report failed", "err", err)
		return
	}
	appLog.Info("frame: battery", "percent", s.Percent, "mv", s.VoltageMv)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
