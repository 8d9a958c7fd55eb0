package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Loop variants.
const (
	// VariantCycle subscribes to <prefix>/+, honors pause/resume and
	// hibernates after a run of idle polls.
	VariantCycle = "cycle"
	// VariantAlwaysOn subscribes to a single URL topic and never hibernates.
	VariantAlwaysOn = "always_on"
)

// DefaultPath is used when -config is not given.
const DefaultPath = "/etc/epframe/config.yaml"

// WiFiConfig describes the station link. Association itself is done by the
// OS network stack; ConnectCommand optionally kicks it off.
type WiFiConfig struct {
	// Interface is the network interface to wait for (e.g. "wlan0").
	Interface string `yaml:"interface"`
	SSID      string `yaml:"ssid"`
	// Passphrase is only substituted into ConnectCommand.
	Passphrase string `yaml:"passphrase"`
	// ConnectCommand runs once per cycle when the interface has no address,
	// e.g. "nmcli device wifi connect {ssid} password {passphrase} ifname {interface}".
	ConnectCommand string `yaml:"connect_command"`
	// ConnectTimeout bounds the wait for an address. Zero waits forever.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTTConfig holds the broker session settings.
type MQTTConfig struct {
	ClientID string `yaml:"client_id"`
	// Host may be empty to locate the broker over mDNS (_mqtt._tcp).
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CleanSession   bool          `yaml:"clean_session"`
	QoS            byte          `yaml:"qos"`

	// TopicPrefix roots the status, url, pause and resume topics.
	TopicPrefix string `yaml:"topic_prefix"`
	// URLTopic is the dedicated topic used by the always_on variant.
	// Empty means <prefix>/url. The cycle variant only accepts a single
	// level under the prefix.
	URLTopic string `yaml:"url_topic"`

	// DiscoveryTimeout bounds the mDNS browse when Host is empty.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// PanelConfig wires the e-paper panel to host SPI and GPIO resources.
type PanelConfig struct {
	SPIPort string `yaml:"spi_port"`
	SPIHz   int64  `yaml:"spi_hz"`

	CSPin   string `yaml:"cs_pin"`
	DCPin   string `yaml:"dc_pin"`
	RSTPin  string `yaml:"rst_pin"`
	BusyPin string `yaml:"busy_pin"`

	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	BusyPoll time.Duration `yaml:"busy_poll"`
	// BusyTimeout bounds each busy wait. Zero waits forever.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// LoopConfig controls the connectivity loop.
type LoopConfig struct {
	Variant      string        `yaml:"variant"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// IdlePolls is the number of unpaused polls before hibernating.
	IdlePolls int `yaml:"idle_polls"`
	// PauseIgnoresURLs drops image notifications while paused.
	PauseIgnoresURLs bool `yaml:"pause_ignores_urls"`
	// RetryDelay separates failed cycles.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// PowerConfig controls hibernation between cycles.
type PowerConfig struct {
	DeepSleep time.Duration `yaml:"deepsleep"`
	// WakeCron, when set, replaces DeepSleep with the time until the next
	// matching minute (standard 5-field cron syntax).
	WakeCron string `yaml:"wake_cron"`
	// Command suspends the host, e.g. "rtcwake -m mem -s {seconds}". Empty
	// sleeps in-process.
	Command string `yaml:"command"`
}

// FetchConfig bounds the image download.
type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// BatteryConfig enables the I2C fuel gauge report.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled"`
	I2CBus  string `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
}

// QuietConfig points at an ICS calendar whose events suppress rendering.
type QuietConfig struct {
	ICSURL   string        `yaml:"ics_url"`
	Timezone string        `yaml:"timezone"`
	CacheDir string        `yaml:"cache_dir"`
	Refresh  time.Duration `yaml:"refresh"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	WiFi    WiFiConfig    `yaml:"wifi"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Panel   PanelConfig   `yaml:"panel"`
	Loop    LoopConfig    `yaml:"loop"`
	Power   PowerConfig   `yaml:"power"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Battery BatteryConfig `yaml:"battery"`
	Quiet   QuietConfig   `yaml:"quiet"`
}

// DefaultConfig returns an in-memory default configuration with a fresh
// client id.
func DefaultConfig() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{
			ClientID: "epframe-" + strings.SplitN(uuid.NewString(), "-", 2)[0],
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with defaults so that partial
// configs get the stock frame wiring.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.WiFi.Interface == "" {
		c.WiFi.Interface = "wlan0"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "epframe"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 60 * time.Second
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 30 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "epframe"
	}
	c.MQTT.TopicPrefix = strings.TrimRight(c.MQTT.TopicPrefix, "/")
	if c.MQTT.DiscoveryTimeout <= 0 {
		c.MQTT.DiscoveryTimeout = 5 * time.Second
	}

	if c.Panel.SPIHz <= 0 {
		c.Panel.SPIHz = 4_000_000
	}
	// BCM numbering of the Waveshare HAT.
	if c.Panel.CSPin == "" {
		c.Panel.CSPin = "GPIO8"
	}
	if c.Panel.DCPin == "" {
		c.Panel.DCPin = "GPIO25"
	}
	if c.Panel.RSTPin == "" {
		c.Panel.RSTPin = "GPIO17"
	}
	if c.Panel.BusyPin == "" {
		c.Panel.BusyPin = "GPIO24"
	}
	if c.Panel.Width == 0 {
		c.Panel.Width = 800
	}
	if c.Panel.Height == 0 {
		c.Panel.Height = 480
	}
	if c.Panel.BusyPoll <= 0 {
		c.Panel.BusyPoll = 100 * time.Millisecond
	}

	switch c.Loop.Variant {
	case VariantCycle, VariantAlwaysOn:
	case "":
		c.Loop.Variant = VariantCycle
	}
	if c.Loop.PollInterval <= 0 {
		c.Loop.PollInterval = time.Second
	}
	if c.Loop.IdlePolls <= 0 {
		c.Loop.IdlePolls = 10
	}
	if c.Loop.RetryDelay <= 0 {
		c.Loop.RetryDelay = 5 * time.Second
	}

	if c.Power.DeepSleep <= 0 {
		c.Power.DeepSleep = 10 * time.Minute
	}

	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 4 << 20
	}

	// PiSugar3 fuel gauge.
	if c.Battery.Address == 0 {
		c.Battery.Address = 0x57
	}

	if c.Quiet.Timezone == "" {
		c.Quiet.Timezone = "Local"
	}
	if c.Quiet.CacheDir == "" {
		c.Quiet.CacheDir = "/var/lib/epframe/ics-cache"
	}
	if c.Quiet.Refresh <= 0 {
		c.Quiet.Refresh = time.Hour
	}
}

// Validate reports settings that cannot work. Call after Normalize.
func (c *Config) Validate() error {
	var errs []error
	if c.Panel.Width <= 0 || c.Panel.Height <= 0 {
		errs = append(errs, fmt.Errorf("panel: invalid geometry %dx%d", c.Panel.Width, c.Panel.Height))
	} else if c.Panel.Width%8 != 0 {
		errs = append(errs, fmt.Errorf("panel: width %d is not a multiple of 8", c.Panel.Width))
	}
	if c.Loop.Variant != VariantCycle && c.Loop.Variant != VariantAlwaysOn {
		errs = append(errs, fmt.Errorf("loop: unknown variant %q", c.Loop.Variant))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt: invalid port %d", c.MQTT.Port))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt: invalid qos %d", c.MQTT.QoS))
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, fmt.Errorf("mqtt: topic prefix %q contains wildcards", c.MQTT.TopicPrefix))
	}
	if strings.ContainsAny(c.MQTT.URLTopic, "+#") {
		errs = append(errs, fmt.Errorf("mqtt: url topic %q contains wildcards", c.MQTT.URLTopic))
	} else if c.Loop.Variant == VariantCycle && !c.MQTT.coversImageTopic() {
		errs = append(errs, fmt.Errorf("mqtt: url topic %q is not a single level under %s/ as the cycle variant requires",
			c.MQTT.URLTopic, c.MQTT.TopicPrefix))
	}
	if _, err := time.LoadLocation(c.Quiet.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("quiet: timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist: write a default config with 0600 perms
//     (creating the parent directory) and return it.
//   - If the file exists: unmarshal, normalize and validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes cfg atomically: temp file in the target directory, 0600,
// then rename over path.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epframe-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// StatusTopic is where lifecycle strings and the last will are published.
func (m MQTTConfig) StatusTopic() string { return m.TopicPrefix + "/status" }

// BatteryTopic carries "<percent> <millivolts>" reports.
func (m MQTTConfig) BatteryTopic() string { return m.TopicPrefix + "/battery" }

// SubscribeTopic is the wildcard covering url, pause and resume.
func (m MQTTConfig) SubscribeTopic() string { return m.TopicPrefix + "/+" }

// coversImageTopic reports whether SubscribeTopic receives ImageTopic
// without it shadowing a control topic.
func (m MQTTConfig) coversImageTopic() bool {
	level, ok := strings.CutPrefix(m.ImageTopic(), m.TopicPrefix+"/")
	if !ok || level == "" || strings.Contains(level, "/") {
		return false
	}
	switch level {
	case "status", "battery", "pause", "resume", "unpause":
		return false
	}
	return true
}

// ImageTopic is the topic carrying image URLs.
func (m MQTTConfig) ImageTopic() string {
	if m.URLTopic != "" {
		return m.URLTopic
	}
	return m.TopicPrefix + "/url"
}
