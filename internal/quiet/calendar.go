// Package quiet defers image rendering while an event of an operator ICS
// calendar is in progress.
package quiet

import (
	"context"
	"sync"
	"time"

	"epframe/internal/fetch"
	appLog "epframe/internal/log"
)

const (
	defaultRefresh = time.Hour
	retryDelay     = time.Minute
	lookahead      = 48 * time.Hour
)

// Config selects the calendar.
type Config struct {
	URL      string
	Location *time.Location
	CacheDir string
	Refresh  time.Duration
}

// Calendar keeps the expanded quiet windows around now and refetches the
// feed after Refresh. A failed refresh keeps the previous windows.
type Calendar struct {
	cfg    Config
	client *fetch.Client
	cache  *fetch.Cache

	mu       sync.Mutex
	windows  []Window
	loadedAt time.Time
	retryAt  time.Time
	from, to time.Time
}

// New returns a Calendar, or nil when no URL is configured. A nil Calendar is
// never active.
func New(cfg Config, client *fetch.Client) *Calendar {
	if cfg.URL == "" {
		return nil
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}
	c := &Calendar{cfg: cfg, client: client}
	if cfg.CacheDir != "" {
		c.cache = fetch.NewCache(cfg.CacheDir)
	}
	return c
}

// Active returns the window containing now, refreshing the feed first if it
// is stale.
func (c *Calendar) Active(ctx context.Context, now time.Time) (Window, bool) {
	if c == nil {
		return Window{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale(now) {
		if err := c.refresh(ctx, now); err != nil {
			c.retryAt = now.Add(retryDelay)
			appLog.Error("quiet: refresh failed, keeping previous windows", err,
				"url", fetch.RedactURL(c.cfg.URL), "windows", len(c.windows))
		}
	}
	for _, w := range c.windows {
		if w.Contains(now) {
			return w, true
		}
	}
	return Window{}, false
}

func (c *Calendar) stale(now time.Time) bool {
	if now.Before(c.retryAt) {
		return false
	}
	return c.loadedAt.IsZero() ||
		now.Sub(c.loadedAt) >= c.cfg.Refresh ||
		now.Before(c.from) || !now.Before(c.to)
}

func (c *Calendar) refresh(ctx context.Context, now time.Time) error {
	res, err := c.client.GetCached(ctx, c.cfg.URL, c.cache)
	if err != nil {
		return err
	}
	events, err := Parse(res.Body, c.cfg.Location)
	if err != nil {
		return err
	}

	from := now.Add(-lookahead)
	to := now.Add(lookahead)
	c.windows = Expand(events, from, to)
	c.loadedAt = now
	c.from, c.to = from, to

	appLog.Info("quiet: calendar loaded", "events", len(events), "windows", len(c.windows), "from_cache", res.FromCache)
	return nil
}
