package broker

import (
	"context"
	"errors"
	"time"

	"github.com/enbility/zeroconf/v3"

	appLog "epframe/internal/log"
)

// Service type and domain browsed for a broker when none is configured.
const (
	ServiceType = "_mqtt._tcp"
	Domain      = "local."
)

var ErrNoBroker = errors.New("broker: no broker found via mDNS")

type browseFunc func(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed)
}

// Discover browses the local network for an MQTT broker and returns the
// first one advertising a usable address.
func Discover(ctx context.Context, timeout time.Duration) (string, int, error) {
	return discover(ctx, timeout, zeroconfBrowse)
}

func discover(ctx context.Context, timeout time.Duration, browse browseFunc) (string, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := browse(ctx, ServiceType, Domain, entries, removed); err != nil {
			appLog.Warn("broker: mdns browse failed", "err", err)
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", 0, ErrNoBroker
			}
			host, ok := entryHost(entry)
			if !ok {
				continue
			}
			appLog.Info("broker: discovered", "instance", entry.Instance, "host", host, "port", entry.Port)
			return host, entry.Port, nil
		case <-removed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", 0, ErrNoBroker
			}
			return "", 0, ctx.Err()
		}
	}
}

func entryHost(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 {
		return "", false
	}
	for _, ip := range e.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			return ip.String(), true
		}
	}
	for _, ip := range e.AddrIPv6 {
		if ip != nil && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast() {
			return ip.String(), true
		}
	}
	if e.HostName != "" {
		return trimDot(e.HostName), true
	}
	return "", false
}

func trimDot(h string) string {
	if n := len(h); n > 0 && h[n-1] == '.' {
		return h[:n-1]
	}
	return h
}
