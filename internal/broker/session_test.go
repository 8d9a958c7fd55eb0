package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload string
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	subscribeErr error
	publishErr   error
	subscribed   []string
	published    []published
	disconnects  int
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return doneToken(c.connectErr) }
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, payload.(string)})
	return doneToken(c.publishErr)
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return doneToken(c.subscribeErr)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken(nil) }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testConfig() Config {
	return Config{
		Host:           "broker.lan",
		Port:           1883,
		ClientID:       "epframe-1234abcd",
		Username:       "frame",
		Password:       "secret",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: time.Second,
		QoS:            1,
		StatusTopic:    "epframe/status",
		BatteryTopic:   "epframe/battery",
		Subscribe:      "epframe/+",
		Topics:         CycleTopics("epframe", "epframe/url"),
	}
}

func TestClientOptions(t *testing.T) {
	s := newSession(testConfig(), nil)

	opts := s.clientOptions()

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.lan:1883", opts.Servers[0].String())
	assert.Equal(t, "epframe-1234abcd", opts.ClientID)
	assert.Equal(t, "frame", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, int64(60), opts.KeepAlive)
	assert.False(t, opts.CleanSession)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "epframe/status", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.Equal(t, byte(1), opts.WillQos)
	assert.True(t, opts.AutoReconnect)
}

func TestBrokerURLBracketsIPv6(t *testing.T) {
	cfg := Config{Host: "fd00::1", Port: 8883}
	assert.Equal(t, "tcp://[fd00::1]:8883", cfg.BrokerURL())
}

func TestStartSubscribesAndAnnounces(t *testing.T) {
	client := &fakeClient{}
	s := newSession(testConfig(), client)

	require.NoError(t, s.start(context.Background()))

	assert.Equal(t, []string{"epframe/+"}, client.subscribed)
	assert.Equal(t, []published{{"epframe/status", "online"}}, client.published)
}

func TestStartFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("connect", func(t *testing.T) {
		client := &fakeClient{connectErr: boom}
		err := newSession(testConfig(), client).start(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, client.subscribed)
	})

	t.Run("subscribe", func(t *testing.T) {
		client := &fakeClient{subscribeErr: boom}
		err := newSession(testConfig(), client).start(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, client.disconnects)
		assert.Empty(t, client.published)
	})
}

func TestHandlerQueuesUntilPoll(t *testing.T) {
	s := newSession(testConfig(), &fakeClient{})

	s.handle(nil, fakeMessage{topic: "epframe/url", payload: []byte("http://host/img.bin")})
	s.handle(nil, fakeMessage{topic: "epframe/pause"})
	s.handle(nil, fakeMessage{topic: "epframe/status", payload: []byte("online")})

	got := s.Poll()
	require.Len(t, got, 3)
	assert.Equal(t, KindImageReady, got[0].Kind)
	assert.Equal(t, "http://host/img.bin", got[0].URL)
	assert.Equal(t, KindPause, got[1].Kind)
	assert.Equal(t, KindUnknown, got[2].Kind)

	assert.Empty(t, s.Poll())
}

func TestHandlerDropsWhenInboxFull(t *testing.T) {
	s := newSession(testConfig(), &fakeClient{})

	for i := 0; i < inboxSize+5; i++ {
		s.handle(nil, fakeMessage{topic: "epframe/pause"})
	}

	assert.Len(t, s.Poll(), inboxSize)
	assert.Equal(t, int64(5), s.dropped.Load())
}

func TestPublishRequiresConnection(t *testing.T) {
	s := newSession(testConfig(), &fakeClient{})

	err := s.PublishStatus(context.Background(), StatusSleeping)

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishBattery(t *testing.T) {
	client := &fakeClient{}
	s := newSession(testConfig(), client)
	require.NoError(t, s.start(context.Background()))

	require.NoError(t, s.PublishBattery(context.Background(), "87 3987"))

	assert.Equal(t, published{"epframe/battery", "87 3987"}, client.published[len(client.published)-1])
}

func TestDisconnectIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	s := newSession(testConfig(), client)
	require.NoError(t, s.start(context.Background()))

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, 1, client.disconnects)
	assert.ErrorIs(t, s.PublishStatus(context.Background(), StatusSleeping), ErrNotConnected)
}

func TestStatusWaiting(t *testing.T) {
	assert.Equal(t, "waiting 0", StatusWaiting(0))
	assert.Equal(t, "waiting 9", StatusWaiting(9))
}

func TestDiscoverReturnsFirstUsableEntry(t *testing.T) {
	browse := func(ctx context.Context, service, domain string, entries, _ chan<- *zeroconf.ServiceEntry) error {
		assert.Equal(t, ServiceType, service)
		assert.Equal(t, Domain, domain)

		bad := zeroconf.NewServiceEntry("no-port", service, domain)
		good := zeroconf.NewServiceEntry("mosquitto", service, domain)
		good.Port = 1883
		good.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
		for _, e := range []*zeroconf.ServiceEntry{bad, good} {
			select {
			case entries <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		<-ctx.Done()
		return nil
	}

	host, port, err := discover(context.Background(), time.Second, browse)

	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", host)
	assert.Equal(t, 1883, port)
}

func TestDiscoverTimesOut(t *testing.T) {
	browse := func(ctx context.Context, _, _ string, _, _ chan<- *zeroconf.ServiceEntry) error {
		<-ctx.Done()
		return nil
	}

	_, _, err := discover(context.Background(), 20*time.Millisecond, browse)

	assert.ErrorIs(t, err, ErrNoBroker)
}

func TestEntryHostFallsBackToHostName(t *testing.T) {
	e := zeroconf.NewServiceEntry("m", ServiceType, Domain)
	e.Port = 1883
	e.HostName = "pi.local."

	host, ok := entryHost(e)

	assert.True(t, ok)
	assert.Equal(t, "pi.local", host)
}
