package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"h906bridge/internal/params"
	"h906bridge/internal/regions"
)

type Config struct {
	Reader    ReaderConfig    `yaml:"reader"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Region    RegionConfig    `yaml:"region"`
	Inventory InventoryConfig `yaml:"inventory"`
	Power     PowerConfig     `yaml:"power"`
	IPC       IPCConfig       `yaml:"ipc"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`

	// Simulate swaps the serial port for an in-process reader.
	Simulate bool `yaml:"simulate"`
}

type ReaderConfig struct {
	Port            string        `yaml:"port"`
	Bauds           []int         `yaml:"bauds"`
	Address         int           `yaml:"address"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
}

// DefaultsConfig are the parameters driven to the reader after connect.
type DefaultsConfig struct {
	QValue   int `yaml:"q_value"`
	Session  int `yaml:"session"`
	Target   int `yaml:"target"`
	Antenna  int `yaml:"antenna"`
	ScanTime int `yaml:"scan_time"`
}

// RegionConfig picks a catalog band. MinChannel/MaxChannel narrow its window.
type RegionConfig struct {
	Code       string `yaml:"code"`
	MinChannel *int   `yaml:"min_channel"`
	MaxChannel *int   `yaml:"max_channel"`
	// Apply writes the region on every connect.
	Apply bool `yaml:"apply"`
}

type InventoryConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxCycleFailures int           `yaml:"max_cycle_failures"`
	EventQueue       int           `yaml:"event_queue"`
}

type PowerConfig struct {
	GPIOPath        string `yaml:"gpio_path"`
	OffOnDisconnect bool   `yaml:"off_on_disconnect"`
}

type IPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	return Config{
		Reader: ReaderConfig{
			Port:            "/dev/ttyHSL0",
			Bauds:           []int{115200, 57600},
			Address:         0xFF,
			ExchangeTimeout: 1500 * time.Millisecond,
			ProbeTimeout:    600 * time.Millisecond,
		},
		Defaults: DefaultsConfig{
			QValue:   4,
			Session:  0,
			Target:   0,
			Antenna:  params.AntennaAuto,
			ScanTime: 10,
		},
		Region: RegionConfig{Code: regions.Default},
		Inventory: InventoryConfig{
			PollInterval:     20 * time.Millisecond,
			MaxCycleFailures: 5,
			EventQueue:       256,
		},
		IPC:  IPCConfig{Enabled: true, Socket: "/tmp/h906-bridge.sock"},
		HTTP: HTTPConfig{Enabled: true, Addr: "127.0.0.1:8099"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load layers defaults, the optional YAML file at path and H906_* environment
// overrides, then normalizes and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Reader.Port = envOr("H906_PORT", cfg.Reader.Port)
	cfg.Reader.Bauds = envInts("H906_BAUDS", cfg.Reader.Bauds)
	cfg.Reader.Address = envInt("H906_ADDRESS", cfg.Reader.Address)
	cfg.Reader.ExchangeTimeout = envDurationMS("H906_EXCHANGE_TIMEOUT_MS", cfg.Reader.ExchangeTimeout)
	cfg.Reader.ProbeTimeout = envDurationMS("H906_PROBE_TIMEOUT_MS", cfg.Reader.ProbeTimeout)

	cfg.Defaults.QValue = envInt("H906_Q_VALUE", cfg.Defaults.QValue)
	cfg.Defaults.Session = envInt("H906_SESSION", cfg.Defaults.Session)
	cfg.Defaults.Target = envInt("H906_TARGET", cfg.Defaults.Target)
	cfg.Defaults.Antenna = envInt("H906_ANTENNA", cfg.Defaults.Antenna)
	cfg.Defaults.ScanTime = envInt("H906_SCAN_TIME", cfg.Defaults.ScanTime)

	cfg.Region.Code = envOr("H906_REGION", cfg.Region.Code)
	cfg.Region.Apply = envBool("H906_APPLY_REGION", cfg.Region.Apply)

	cfg.Inventory.PollInterval = envDurationMS("H906_POLL_INTERVAL_MS", cfg.Inventory.PollInterval)
	cfg.Inventory.MaxCycleFailures = envInt("H906_MAX_CYCLE_FAILURES", cfg.Inventory.MaxCycleFailures)
	cfg.Inventory.EventQueue = envInt("H906_EVENT_QUEUE", cfg.Inventory.EventQueue)

	cfg.Power.GPIOPath = envOr("H906_GPIO_PATH", cfg.Power.GPIOPath)
	cfg.Power.OffOnDisconnect = envBool("H906_GPIO_OFF_ON_DISCONNECT", cfg.Power.OffOnDisconnect)

	cfg.IPC.Enabled = envBool("H906_IPC_ENABLED", cfg.IPC.Enabled)
	cfg.IPC.Socket = envOr("H906_IPC_SOCKET", cfg.IPC.Socket)
	cfg.HTTP.Enabled = envBool("H906_HTTP_ENABLED", cfg.HTTP.Enabled)
	cfg.HTTP.Addr = envOr("H906_HTTP_ADDR", cfg.HTTP.Addr)

	cfg.Log.Level = envOr("H906_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = envBool("H906_LOG_PRETTY", cfg.Log.Pretty)
	cfg.Simulate = envBool("H906_SIMULATE", cfg.Simulate)
}

// Normalize clamps values into range and fills what was left empty.
func Normalize(cfg *Config) {
	defaults := Default()

	cfg.Reader.Port = strings.TrimSpace(cfg.Reader.Port)
	bauds := cfg.Reader.Bauds[:0:0]
	for _, b := range cfg.Reader.Bauds {
		if b > 0 {
			bauds = append(bauds, b)
		}
	}
	if len(bauds) == 0 {
		bauds = defaults.Reader.Bauds
	}
	cfg.Reader.Bauds = bauds
	if cfg.Reader.Address < 0 || cfg.Reader.Address > 0xFF {
		cfg.Reader.Address = defaults.Reader.Address
	}
	if cfg.Reader.ExchangeTimeout < 100*time.Millisecond {
		cfg.Reader.ExchangeTimeout = 100 * time.Millisecond
	}
	if cfg.Reader.ProbeTimeout < 100*time.Millisecond {
		cfg.Reader.ProbeTimeout = 100 * time.Millisecond
	}

	p := params.Normalize(params.ReaderParameters{
		QValue:   cfg.Defaults.QValue,
		Session:  cfg.Defaults.Session,
		Target:   cfg.Defaults.Target,
		Antenna:  cfg.Defaults.Antenna,
		ScanTime: cfg.Defaults.ScanTime,
	})
	cfg.Defaults = DefaultsConfig{QValue: p.QValue, Session: p.Session, Target: p.Target, Antenna: p.Antenna, ScanTime: p.ScanTime}

	cfg.Region.Code = strings.ToUpper(strings.TrimSpace(cfg.Region.Code))
	if cfg.Region.Code == "" {
		cfg.Region.Code = regions.Default
	}

	if cfg.Inventory.PollInterval < 5*time.Millisecond {
		cfg.Inventory.PollInterval = 5 * time.Millisecond
	}
	if cfg.Inventory.MaxCycleFailures < 1 {
		cfg.Inventory.MaxCycleFailures = 1
	}
	if cfg.Inventory.EventQueue < 16 {
		cfg.Inventory.EventQueue = 16
	}

	cfg.Power.GPIOPath = strings.TrimSpace(cfg.Power.GPIOPath)
	if !cfg.IPC.Enabled {
		cfg.IPC.Socket = ""
	}
	if !cfg.HTTP.Enabled {
		cfg.HTTP.Addr = ""
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

// Validate rejects configurations that cannot work. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.Reader.Port == "" && !cfg.Simulate {
		return fmt.Errorf("reader port is required")
	}
	region, ok := regions.Lookup(cfg.Region.Code)
	if !ok {
		return fmt.Errorf("unknown region %q", cfg.Region.Code)
	}
	minCh, maxCh := channelWindow(region, cfg.Region)
	if !region.Contains(minCh, maxCh) {
		return fmt.Errorf("region %s: channels %d..%d outside %d..%d",
			region.Code, minCh, maxCh, region.MinChannel, region.MaxChannel)
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if cfg.IPC.Enabled && cfg.IPC.Socket == "" {
		return fmt.Errorf("ipc enabled without socket path")
	}
	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		return fmt.Errorf("http enabled without address")
	}
	return nil
}

// ReaderParameters resolves the connect-time defaults and region.
func (c Config) ReaderParameters() params.ReaderParameters {
	p := params.Defaults()
	p.QValue = c.Defaults.QValue
	p.Session = c.Defaults.Session
	p.Target = c.Defaults.Target
	p.Antenna = c.Defaults.Antenna
	p.ScanTime = c.Defaults.ScanTime
	if region, ok := regions.Lookup(c.Region.Code); ok {
		minCh, maxCh := channelWindow(region, c.Region)
		p.Region = params.Region{Band: region.BandCode, MinChannel: minCh, MaxChannel: maxCh}
	}
	return p
}

func channelWindow(region regions.Region, rc RegionConfig) (int, int) {
	minCh, maxCh := region.MinChannel, region.MaxChannel
	if rc.MinChannel != nil {
		minCh = *rc.MinChannel
	}
	if rc.MaxChannel != nil {
		maxCh = *rc.MaxChannel
	}
	return minCh, maxCh
}

func envOr(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// envInt accepts decimal or 0x-prefixed hex.
func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return fallback
	}
	return int(n)
}

func envInts(key string, fallback []int) []int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}

func envBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
