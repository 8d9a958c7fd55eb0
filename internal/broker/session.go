// Package broker owns the MQTT session of one wake cycle: connect with a
// last will, subscribe, publish lifecycle status strings and hand parsed
// notifications to the caller's loop.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	appLog "epframe/internal/log"
)

// Lifecycle status strings published on the status topic.
const (
	StatusOnline   = "online"
	StatusSleeping = "sleeping"
	// StatusOffline is only ever sent by the broker as the last will.
	StatusOffline = "offline"
)

// StatusWaiting formats the per-poll idle status.
func StatusWaiting(n int) string {
	return "waiting " + strconv.Itoa(n)
}

var ErrNotConnected = errors.New("broker: not connected")

const (
	inboxSize       = 32
	disconnectQuiet = 250 // ms
)

// Config describes one session.
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	QoS            byte

	StatusTopic  string
	BatteryTopic string
	// Subscribe is the filter subscribed to, e.g. "<prefix>/+".
	Subscribe string
	Topics    Topics
}

// BrokerURL is the paho server URL for host and port.
func (c Config) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Session is a connected MQTT client. Messages arrive on paho's goroutines
// and are queued; Poll drains them on the caller's goroutine.
type Session struct {
	cfg    Config
	client mqtt.Client
	inbox  chan Notification

	connected atomic.Bool
	dropped   atomic.Int64
}

// Dial connects, registers the last will, subscribes and publishes
// "online".
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{cfg: cfg, inbox: make(chan Notification, inboxSize)}
	s.client = mqtt.NewClient(s.clientOptions())
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(cfg Config, client mqtt.Client) *Session {
	return &Session{cfg: cfg, client: client, inbox: make(chan Notification, inboxSize)}
}

func (s *Session) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL()).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetCleanSession(s.cfg.CleanSession).
		SetWill(s.cfg.StatusTopic, StatusOffline, s.cfg.QoS, false).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetDefaultPublishHandler(s.handle).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			appLog.Error("broker: connection lost", err, "broker", s.cfg.BrokerURL())
		})
	return opts
}

func (s *Session) start(ctx context.Context) error {
	appLog.Info("broker: connecting", "broker", s.cfg.BrokerURL(), "client_id", s.cfg.ClientID)
	if err := s.wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("broker: connect %s: %w", s.cfg.BrokerURL(), err)
	}
	s.connected.Store(true)

	if err := s.wait(ctx, s.client.Subscribe(s.cfg.Subscribe, s.cfg.QoS, s.handle)); err != nil {
		s.client.Disconnect(disconnectQuiet)
		return fmt.Errorf("broker: subscribe %s: %w", s.cfg.Subscribe, err)
	}
	if err := s.PublishStatus(ctx, StatusOnline); err != nil {
		s.client.Disconnect(disconnectQuiet)
		return err
	}
	appLog.Info("broker: connected", "subscribe", s.cfg.Subscribe)
	return nil
}

// onConnect restores the subscription after an automatic reconnect. The
// first connect subscribes synchronously in start.
func (s *Session) onConnect(c mqtt.Client) {
	if !s.connected.Load() {
		return
	}
	appLog.Info("broker: reconnected, resubscribing", "subscribe", s.cfg.Subscribe)
	tok := c.Subscribe(s.cfg.Subscribe, s.cfg.QoS, s.handle)
	go func() {
		if tok.Wait() && tok.Error() != nil {
			appLog.Error("broker: resubscribe failed", tok.Error(), "subscribe", s.cfg.Subscribe)
		}
	}()
}

func (s *Session) handle(_ mqtt.Client, m mqtt.Message) {
	n := s.cfg.Topics.Parse(m.Topic(), m.Payload())
	select {
	case s.inbox <- n:
	default:
		s.dropped.Add(1)
		appLog.Warn("broker: inbox full, dropping message", "topic", m.Topic(), "kind", n.Kind)
	}
}

// Poll returns every notification received since the previous call without
// blocking.
func (s *Session) Poll() []Notification {
	var out []Notification
	for {
		select {
		case n := <-s.inbox:
			out = append(out, n)
		default:
			return out
		}
	}
}

// PublishStatus publishes a lifecycle string to the status topic.
func (s *Session) PublishStatus(ctx context.Context, status string) error {
	if err := s.publish(ctx, s.cfg.StatusTopic, status); err != nil {
		return fmt.Errorf("broker: publish status %q: %w", status, err)
	}
	return nil
}

// PublishBattery publishes a battery report to the battery topic.
func (s *Session) PublishBattery(ctx context.Context, payload string) error {
	if s.cfg.BatteryTopic == "" {
		return nil
	}
	if err := s.publish(ctx, s.cfg.BatteryTopic, payload); err != nil {
		return fmt.Errorf("broker: publish battery: %w", err)
	}
	return nil
}

func (s *Session) publish(ctx context.Context, topic, payload string) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return s.wait(ctx, s.client.Publish(topic, s.cfg.QoS, false, payload))
}

// Disconnect closes the session cleanly so the broker discards the will.
func (s *Session) Disconnect() {
	if !s.connected.Swap(false) {
		return
	}
	s.client.Disconnect(disconnectQuiet)
	if n := s.dropped.Load(); n > 0 {
		appLog.Warn("broker: session dropped messages", "count", n)
	}
	appLog.Info("broker: disconnected")
}

func (s *Session) wait(ctx context.Context, tok mqtt.Token) error {
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
