package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	GPS  GPSConfig  `yaml:"gps"`
	Web  WebConfig  `yaml:"web"`
	Log  LogConfig  `yaml:"log"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// GPSConfig describes the serial link to the receiver.
//
// Device may be empty to auto-detect /dev/ttyACM* or /dev/ttyUSB*.
type GPSConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	Driver string `yaml:"driver"`

	ReadTimeout       time.Duration `yaml:"read_timeout"`
	IdleSleep         time.Duration `yaml:"idle_sleep"`
	QueueDepth        int           `yaml:"queue_depth"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	StaleAfter        time.Duration `yaml:"stale_after"`

	MinRateHz uint16 `yaml:"min_rate_hz"`
	MaxRateHz uint16 `yaml:"max_rate_hz"`

	Command CommandConfig `yaml:"command"`
	Restart RestartConfig `yaml:"restart"`
}

type CommandConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter *float64      `yaml:"backoff_jitter"`
}

// RestartConfig controls how quickly a dead serial link is reopened.
type RestartConfig struct {
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type WebConfig struct {
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	BufferLines int    `yaml:"buffer_lines"`
}

type MQTTConfig struct {
	Enable   bool          `yaml:"enable"`
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
	QoS      byte          `yaml:"qos"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
}

// WebEnabled defaults to true when web.enable is absent.
func (c WebConfig) WebEnabled() bool { return c.Enable == nil || *c.Enable }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values and rejects inconsistent settings.
// Error strings are stable; tests and operators match on them.
func DefaultAndValidate(cfg *Config) error {
	g := &cfg.GPS
	g.Device = strings.TrimSpace(g.Device)
	if g.Baud == 0 {
		g.Baud = 9600
	}
	switch g.Baud {
	case 4800, 9600, 19200, 38400, 57600, 115200, 230400:
	default:
		return fmt.Errorf("gps.baud %d is not a supported rate", g.Baud)
	}
	g.Driver = strings.ToLower(strings.TrimSpace(g.Driver))
	switch g.Driver {
	case "", "termios", "portable":
	default:
		return fmt.Errorf("gps.driver must be 'termios' or 'portable'")
	}
	if g.ReadTimeout <= 0 {
		g.ReadTimeout = 100 * time.Millisecond
	}
	if g.ReadTimeout > 25*time.Second {
		return fmt.Errorf("gps.read_timeout must be <= 25s")
	}
	if g.IdleSleep < 0 {
		return fmt.Errorf("gps.idle_sleep must be >= 0")
	}
	if g.IdleSleep == 0 {
		g.IdleSleep = 10 * time.Millisecond
	}
	if g.QueueDepth <= 0 {
		g.QueueDepth = 8
	}
	if g.SubmitTimeout <= 0 {
		g.SubmitTimeout = time.Second
	}
	if g.CompletionTimeout < 0 {
		return fmt.Errorf("gps.completion_timeout must be >= 0")
	}
	if g.StaleAfter <= 0 {
		g.StaleAfter = 5 * time.Second
	}
	if g.MinRateHz == 0 {
		g.MinRateHz = 1
	}
	if g.MaxRateHz == 0 {
		g.MaxRateHz = 10
	}
	if g.MinRateHz > g.MaxRateHz {
		return fmt.Errorf("gps.min_rate_hz must be <= gps.max_rate_hz")
	}
	if g.MaxRateHz > 1000 {
		return fmt.Errorf("gps.max_rate_hz must be <= 1000")
	}

	c := &g.Command
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("gps.command.max_retries must be >= 1")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("gps.command.backoff_max must be >= gps.command.backoff_base")
	}
	if c.BackoffJitter == nil {
		j := 0.2
		c.BackoffJitter = &j
	}
	if *c.BackoffJitter < 0 || *c.BackoffJitter >= 1 {
		return fmt.Errorf("gps.command.backoff_jitter must be in [0, 1)")
	}

	r := &g.Restart
	if r.BackoffInitial <= 0 {
		r.BackoffInitial = 500 * time.Millisecond
	}
	if r.BackoffMax <= 0 {
		r.BackoffMax = 10 * time.Second
	}
	if r.BackoffMax < r.BackoffInitial {
		return fmt.Errorf("gps.restart.backoff_max must be >= gps.restart.backoff_initial")
	}

	cfg.Web.Listen = strings.TrimSpace(cfg.Web.Listen)
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 500
	}

	m := &cfg.MQTT
	if m.Enable {
		m.Broker = strings.TrimSpace(m.Broker)
		if m.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if m.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if m.ClientID == "" {
		m.ClientID = "jetlog"
	}
	if m.Topic == "" {
		m.Topic = "jetlog/gps/fix"
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	return nil
}
