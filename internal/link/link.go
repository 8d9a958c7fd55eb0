// Package link waits for the station network link before a wake cycle.
//
// Wi-Fi association on the target host is owned by the OS (wpa_supplicant or
// NetworkManager). The waiter optionally nudges it with a configured command
// and then polls the interface until it carries a usable unicast address.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"epframe/internal/hostcmd"
	appLog "epframe/internal/log"
)

// ErrTimeout is returned when the interface did not come up in time.
var ErrTimeout = errors.New("link: timed out waiting for network")

const pollInterval = 100 * time.Millisecond

// Config describes the link to wait for.
type Config struct {
	Interface      string
	SSID           string
	Passphrase     string
	ConnectCommand string
	// Timeout bounds Wait. Zero waits until ctx is done.
	Timeout time.Duration
}

// Waiter blocks until the configured interface is associated.
type Waiter struct {
	cfg Config

	addrs func(iface string) ([]net.Addr, error)
	run   hostcmd.Runner
}

// NewWaiter returns a Waiter using the host network stack.
func NewWaiter(cfg Config) *Waiter {
	return &Waiter{
		cfg:   cfg,
		addrs: interfaceAddrs,
		run:   hostcmd.Run,
	}
}

// Wait returns once the interface has a global or link-local unicast IPv4
// or IPv6 address.
func (w *Waiter) Wait(ctx context.Context) error {
	if w.connected() {
		return nil
	}

	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	if w.cfg.ConnectCommand != "" {
		vars := map[string]string{
			"interface":  w.cfg.Interface,
			"ssid":       w.cfg.SSID,
			"passphrase": w.cfg.Passphrase,
		}
		if err := w.run(ctx, w.cfg.ConnectCommand, vars); err != nil {
			// Association may still complete on its own.
			appLog.Error("link: connect command failed", err, "interface", w.cfg.Interface)
		}
	}

	appLog.Info("link: waiting for network", "interface", w.cfg.Interface, "ssid", w.cfg.SSID)
	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !w.connected() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %s", ErrTimeout, w.cfg.Interface, w.cfg.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
	appLog.Info("link: connected", "interface", w.cfg.Interface, "after", time.Since(start).Round(time.Millisecond))
	return nil
}

func (w *Waiter) connected() bool {
	addrs, err := w.addrs(w.cfg.Interface)
	if err != nil {
		return false
	}
	return hasUsableAddr(addrs)
}

func hasUsableAddr(addrs []net.Addr) bool {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		if ip.IsGlobalUnicast() || (ip.To4() != nil && ip.IsLinkLocalUnicast()) {
			return true
		}
	}
	return false
}

func interfaceAddrs(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("link: %s is down", name)
	}
	return iface.Addrs()
}
