package frame

import (
	"context"
	"errors"
	"sync"
	"time"

	"epframe/internal/battery"
	"epframe/internal/broker"
	"epframe/internal/epd"
	"epframe/internal/quiet"
)

// fakeSession serves scripted notifications, one batch per Poll.
type fakeSession struct {
	script       map[int][]broker.Notification
	polls        int
	statuses     []string
	battery      []string
	disconnects  int
	publishErrAt int // fail the n-th status publish (1-based); 0 never
}

func (s *fakeSession) Poll() []broker.Notification {
	batch := s.script[s.polls]
	s.polls++
	return batch
}

func (s *fakeSession) PublishStatus(_ context.Context, status string) error {
	s.statuses = append(s.statuses, status)
	if s.publishErrAt > 0 && len(s.statuses) == s.publishErrAt {
		return errors.New("publish failed")
	}
	return nil
}

func (s *fakeSession) PublishBattery(_ context.Context, payload string) error {
	s.battery = append(s.battery, payload)
	return nil
}

func (s *fakeSession) Disconnect() { s.disconnects++ }

// dialer hands out sessions in order, announcing each online as a real
// session does.
type dialer struct {
	sessions []*fakeSession
	dials    int
	err      error
}

func (d *dialer) dial(ctx context.Context) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := d.sessions[d.dials%len(d.sessions)]
	d.dials++
	_ = s.PublishStatus(ctx, broker.StatusOnline)
	return s, nil
}

type fakeLink struct {
	errs  []error
	calls int
}

func (l *fakeLink) Wait(context.Context) error {
	defer func() { l.calls++ }()
	if l.calls < len(l.errs) {
		return l.errs[l.calls]
	}
	return nil
}

type fakeHibernator struct {
	durations []time.Duration
	onCall    func()
}

func (h *fakeHibernator) Hibernate(ctx context.Context, d time.Duration) error {
	h.durations = append(h.durations, d)
	if h.onCall != nil {
		h.onCall()
	}
	return ctx.Err()
}

type fixedSchedule time.Duration

func (s fixedSchedule) Next(time.Time) time.Duration { return time.Duration(s) }

type fakeFetcher struct {
	mu    sync.Mutex
	body  []byte
	err   error
	calls []string
}

func (f *fakeFetcher) Get(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	return f.body, f.err
}

// fakePanel records driver calls by name.
type fakePanel struct {
	calls   []string
	frames  [][]byte
	initErr error
}

func (p *fakePanel) Geometry() epd.Geometry { return epd.DefaultGeometry() }

func (p *fakePanel) Init(context.Context) error {
	p.calls = append(p.calls, "init")
	return p.initErr
}

func (p *fakePanel) Clear(context.Context) error {
	p.calls = append(p.calls, "clear")
	return nil
}

func (p *fakePanel) DisplayFrame(_ context.Context, buf []byte) error {
	p.calls = append(p.calls, "display")
	p.frames = append(p.frames, buf)
	return nil
}

func (p *fakePanel) Sleep(ctx context.Context) error {
	p.calls = append(p.calls, "sleep")
	return ctx.Err()
}

type fakeQuiet struct {
	active bool
}

func (q *fakeQuiet) Active(context.Context, time.Time) (quiet.Window, bool) {
	if !q.active {
		return quiet.Window{}, false
	}
	return quiet.Window{Summary: "Night", End: time.Unix(0, 0)}, true
}

type fakeBattery struct {
	status battery.Status
	err    error
}

func (b fakeBattery) Read(context.Context) (battery.Status, error) { return b.status, b.err }

type harness struct {
	loop   *Loop
	panel  *fakePanel
	fetch  *fakeFetcher
	link   *fakeLink
	hib    *fakeHibernator
	dialer *dialer
	sess   *fakeSession
	slept  []time.Duration
	// cancelAfter cancels the run context after that many loop sleeps.
	cancelAfter int
	cancel      context.CancelFunc
}

func newHarness(opts Options) *harness {
	h := &harness{
		panel:  &fakePanel{},
		fetch:  &fakeFetcher{body: make([]byte, epd.DefaultGeometry().FrameSize())},
		link:   &fakeLink{},
		hib:    &fakeHibernator{},
		sess:   &fakeSession{script: map[int][]broker.Notification{}},
		cancel: func() {},
	}
	h.dialer = &dialer{sessions: []*fakeSession{h.sess}}
	h.loop = New(opts, Deps{
		Panel:      h.panel,
		Dial:       h.dialer.dial,
		Fetcher:    h.fetch,
		Link:       h.link,
		Hibernator: h.hib,
		Schedule:   fixedSchedule(10 * time.Minute),
	})
	h.loop.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		if h.cancelAfter > 0 && len(h.slept) >= h.cancelAfter {
			h.cancel()
		}
		return ctx.Err()
	}
	return h
}

// context returns a context cancelled by the harness.
func (h *harness) context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	return ctx
}

func image(url string) broker.Notification {
	return broker.Notification{Kind: broker.KindImageReady, Topic: "epframe/url", URL: url}
}

var (
	pause  = broker.Notification{Kind: broker.KindPause, Topic: "epframe/pause"}
	resume = broker.Notification{Kind: broker.KindResume, Topic: "epframe/resume"}
)
