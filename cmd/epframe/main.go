package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"

	"epframe/internal/battery"
	"epframe/internal/broker"
	"epframe/internal/config"
	"epframe/internal/epd"
	"epframe/internal/fetch"
	"epframe/internal/frame"
	"epframe/internal/link"
	appLog "epframe/internal/log"
	"epframe/internal/power"
	"epframe/internal/quiet"
)

type flagConfig struct {
	configPath string
	debug      bool
	once       bool
	clear      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	}
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("epframe starting",
		"variant", conf.Loop.Variant,
		"width", conf.Panel.Width,
		"height", conf.Panel.Height,
		"broker", conf.MQTT.Host,
		"prefix", conf.MQTT.TopicPrefix,
		"once", flags.once,
		"clear", flags.clear,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("epframe failed", err)
		os.Exit(1)
	}
	appLog.Info("epframe exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	geom, err := epd.NewGeometry(conf.Panel.Width, conf.Panel.Height)
	if err != nil {
		return err
	}
	panel, err := epd.Open(epd.HostConfig{
		SPIPort:  conf.Panel.SPIPort,
		SPIFreq:  physic.Frequency(conf.Panel.SPIHz) * physic.Hertz,
		CSPin:    conf.Panel.CSPin,
		DCPin:    conf.Panel.DCPin,
		RSTPin:   conf.Panel.RSTPin,
		BusyPin:  conf.Panel.BusyPin,
		Geometry: geom,
		Timing: epd.Timing{
			BusyPoll:    conf.Panel.BusyPoll,
			BusyTimeout: conf.Panel.BusyTimeout,
		},
	})
	if err != nil {
		return err
	}
	defer panel.Close()

	loc, err := time.LoadLocation(conf.Quiet.Timezone)
	if err != nil {
		return err
	}
	schedule, err := power.NewSchedule(conf.Power.DeepSleep, conf.Power.WakeCron, loc)
	if err != nil {
		return err
	}

	fetcher := fetch.New(conf.Fetch.Timeout, conf.Fetch.MaxBytes)
	deps := frame.Deps{
		Panel:   panel,
		Dial:    dialer(conf),
		Fetcher: fetcher,
		Link: link.NewWaiter(link.Config{
			Interface:      conf.WiFi.Interface,
			SSID:           conf.WiFi.SSID,
			Passphrase:     conf.WiFi.Passphrase,
			ConnectCommand: conf.WiFi.ConnectCommand,
			Timeout:        conf.WiFi.ConnectTimeout,
		}),
		Hibernator: power.NewHibernator(conf.Power.Command),
		Schedule:   schedule,
	}
	if cal := quiet.New(quiet.Config{
		URL:      conf.Quiet.ICSURL,
		Location: loc,
		CacheDir: conf.Quiet.CacheDir,
		Refresh:  conf.Quiet.Refresh,
	}, fetcher); cal != nil {
		deps.Quiet = cal
	}
	if conf.Battery.Enabled {
		deps.Battery = battery.NewI2CReader(conf.Battery.I2CBus, conf.Battery.Address)
	}

	loop := frame.New(frame.Options{
		Variant:          conf.Loop.Variant,
		PollInterval:     conf.Loop.PollInterval,
		IdlePolls:        conf.Loop.IdlePolls,
		PauseIgnoresURLs: conf.Loop.PauseIgnoresURLs,
		RetryDelay:       conf.Loop.RetryDelay,
		Once:             flags.once,
	}, deps)

	if flags.clear {
		return loop.Clear(ctx)
	}
	return loop.Run(ctx)
}

// dialer builds the broker session factory, discovering the broker over
// mDNS when no host is configured.
func dialer(conf *config.Config) frame.Dialer {
	m := conf.MQTT
	bcfg := broker.Config{
		Host:           m.Host,
		Port:           m.Port,
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		KeepAlive:      m.KeepAlive,
		ConnectTimeout: m.ConnectTimeout,
		CleanSession:   m.CleanSession,
		QoS:            m.QoS,
		StatusTopic:    m.StatusTopic(),
		BatteryTopic:   m.BatteryTopic(),
	}
	if conf.Loop.Variant == config.VariantAlwaysOn {
		bcfg.Subscribe = m.ImageTopic()
		bcfg.Topics = broker.Topics{Image: m.ImageTopic()}
	} else {
		bcfg.Subscribe = m.SubscribeTopic()
		bcfg.Topics = broker.CycleTopics(m.TopicPrefix, m.ImageTopic())
	}

	return func(ctx context.Context) (frame.Session, error) {
		cfg := bcfg
		if cfg.Host == "" {
			host, port, err := broker.Discover(ctx, m.DiscoveryTimeout)
			if err != nil {
				return nil, err
			}
			cfg.Host, cfg.Port = host, port
		}
		s, err := broker.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.once, "once", false, "Run one wake cycle (always_on: until the first render) and exit instead of hibernating")
	flag.BoolVar(&cfg.clear, "clear", false, "Clear the panel and exit")

	flag.Parse()

	return cfg
}
