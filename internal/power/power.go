// Package power decides how long the frame hibernates between wake cycles
// and performs the hibernation.
package power

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"epframe/internal/hostcmd"
	appLog "epframe/internal/log"
)

// Schedule yields the hibernation duration after a cycle. With a cron
// expression the frame wakes at the next tick, otherwise after a fixed
// interval.
type Schedule struct {
	fixed time.Duration
	cron  cron.Schedule
	loc   *time.Location
}

// NewSchedule parses spec as a standard five field cron expression. An empty
// spec selects the fixed interval.
func NewSchedule(fixed time.Duration, spec string, loc *time.Location) (*Schedule, error) {
	s := &Schedule{fixed: fixed, loc: loc}
	if s.loc == nil {
		s.loc = time.Local
	}
	if spec == "" {
		return s, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("power: parse wake_cron %q: %w", spec, err)
	}
	s.cron = sched
	return s, nil
}

// Next returns how long to sleep from now.
func (s *Schedule) Next(now time.Time) time.Duration {
	if s.cron == nil {
		return s.fixed
	}
	next := s.cron.Next(now.In(s.loc))
	if next.IsZero() {
		return s.fixed
	}
	return next.Sub(now)
}

// Hibernator suspends the process for a duration. With a command template
// the host does the suspending (e.g. "rtcwake -m mem -s {seconds}") and the
// command is expected to return on resume; otherwise the process sleeps.
type Hibernator struct {
	command string
	run     hostcmd.Runner
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func NewHibernator(command string) *Hibernator {
	return &Hibernator{
		command: command,
		run:     hostcmd.Run,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Hibernate blocks for d or until ctx is done. A failing command falls back
// to an in-process sleep.
func (h *Hibernator) Hibernate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	secs := int64(math.Ceil(d.Seconds()))
	appLog.Info("power: hibernating", "duration", d.String(), "command", h.command != "")

	if h.command != "" {
		vars := map[string]string{
			"seconds": strconv.FormatInt(secs, 10),
			"until":   strconv.FormatInt(h.now().Add(time.Duration(secs)*time.Second).Unix(), 10),
		}
		err := h.run(ctx, h.command, vars)
		if err == nil {
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		appLog.Error("power: hibernate command failed, sleeping in process", err)
	}
	return h.sleep(ctx, d)
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
