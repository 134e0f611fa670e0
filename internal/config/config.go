package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go-simpler.org/env"
	"gopkg.in/ini.v1"
)

const (
	DefaultPath          = "/boot/phat.cfg"
	DefaultMachineIDPath = "/etc/machine-id"

	DefaultMQTTPort        = 1883
	DefaultTopicPrefix     = "phat"
	DefaultConnectAttempts = 5

	DefaultDisplayColor   = "red"
	DefaultDisplayBackend = "inky"
	DefaultPNGOutput      = "/tmp/phat.png"

	DefaultMaxImageBytes = 4 << 20

	PayloadJSON = "json"
	PayloadURL  = "url"
)

type Config struct {
	Path          string `ini:"-"`
	MachineIDPath string `ini:"-" env:"PHAT_MACHINE_ID_PATH"`

	MQTT    MQTTConfig    `ini:"mqtt"`
	Display DisplayConfig `ini:"display"`
	Fetch   FetchConfig   `ini:"fetch"`
	Log     LogConfig     `ini:"log"`
}

type MQTTConfig struct {
	Broker          string        `ini:"broker" env:"PHAT_MQTT_BROKER"`
	Port            int           `ini:"port" env:"PHAT_MQTT_PORT"`
	Username        string        `ini:"username" env:"PHAT_MQTT_USERNAME"`
	Password        string        `ini:"password" env:"PHAT_MQTT_PASSWORD"`
	TopicPrefix     string        `ini:"topic_prefix" env:"PHAT_MQTT_TOPIC_PREFIX"`
	KeepAlive       time.Duration `ini:"keepalive"`
	ConnectTimeout  time.Duration `ini:"connect_timeout"`
	PublishTimeout  time.Duration `ini:"publish_timeout"`
	ConnectAttempts int           `ini:"connect_attempts"`
	BackoffStart    time.Duration `ini:"backoff_start"`
	BackoffMax      time.Duration `ini:"backoff_max"`
}

type DisplayConfig struct {
	Color    string `ini:"color" env:"PHAT_DISPLAY_COLOR"`
	Backend  string `ini:"backend" env:"PHAT_DISPLAY_BACKEND"`
	Output   string `ini:"output" env:"PHAT_DISPLAY_OUTPUT"`
	SPIPort  string `ini:"spi_port"`
	DCPin    string `ini:"dc_pin"`
	ResetPin string `ini:"reset_pin"`
	BusyPin  string `ini:"busy_pin"`
}

type FetchConfig struct {
	Timeout       time.Duration `ini:"timeout"`
	MaxImageBytes int64         `ini:"max_image_bytes"`
	Payload       string        `ini:"payload" env:"PHAT_PAYLOAD"`
}

type LogConfig struct {
	Level  string `ini:"level" env:"PHAT_LOG_LEVEL"`
	Format string `ini:"format" env:"PHAT_LOG_FORMAT"`
}

// BrokerURL returns the paho server URL for the configured broker.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
}

func DefaultConfig() *Config {
	return &Config{
		Path:          DefaultPath,
		MachineIDPath: DefaultMachineIDPath,
		MQTT: MQTTConfig{
			Port:            DefaultMQTTPort,
			TopicPrefix:     DefaultTopicPrefix,
			KeepAlive:       30 * time.Second,
			ConnectTimeout:  10 * time.Second,
			PublishTimeout:  5 * time.Second,
			ConnectAttempts: DefaultConnectAttempts,
			BackoffStart:    2 * time.Second,
			BackoffMax:      30 * time.Second,
		},
		Display: DisplayConfig{
			Color:    DefaultDisplayColor,
			Backend:  DefaultDisplayBackend,
			Output:   DefaultPNGOutput,
			DCPin:    "GPIO22",
			ResetPin: "GPIO27",
			BusyPin:  "GPIO17",
		},
		Fetch: FetchConfig{
			Timeout:       30 * time.Second,
			MaxImageBytes: DefaultMaxImageBytes,
			Payload:       PayloadJSON,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the INI file at path on top of the defaults, then applies
// PHAT_* environment overrides. A missing file is not an error; the broker
// can still come from the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.Path = path
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		f, err := ini.Load(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.Path, err)
		}
		if err := f.MapTo(cfg); err != nil {
			return nil, fmt.Errorf("map %s: %w", cfg.Path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", cfg.Path, err)
	}

	if err := env.Load(cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	c.Display.Color = strings.ToLower(strings.TrimSpace(c.Display.Color))
	c.Display.Backend = strings.ToLower(strings.TrimSpace(c.Display.Backend))
	c.Fetch.Payload = strings.ToLower(strings.TrimSpace(c.Fetch.Payload))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return errors.New("mqtt broker must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port out of range: %d", c.MQTT.Port)
	}
	if c.MQTT.TopicPrefix == "" {
		return errors.New("mqtt topic_prefix must not be empty")
	}
	if c.MQTT.ConnectAttempts < 1 {
		return fmt.Errorf("mqtt connect_attempts must be at least 1, got %d", c.MQTT.ConnectAttempts)
	}
	if c.MQTT.BackoffStart <= 0 || c.MQTT.BackoffMax < c.MQTT.BackoffStart {
		return fmt.Errorf("invalid mqtt backoff: start=%s max=%s", c.MQTT.BackoffStart, c.MQTT.BackoffMax)
	}

	switch c.Display.Color {
	case "red", "black", "yellow":
	default:
		return fmt.Errorf("unknown display color %q (want red, black or yellow)", c.Display.Color)
	}
	switch c.Display.Backend {
	case "inky":
	case "png":
		if strings.TrimSpace(c.Display.Output) == "" {
			return errors.New("display output must be set for the png backend")
		}
	default:
		return fmt.Errorf("unknown display backend %q (want inky or png)", c.Display.Backend)
	}

	switch c.Fetch.Payload {
	case PayloadJSON, PayloadURL:
	default:
		return fmt.Errorf("unknown payload format %q (want json or url)", c.Fetch.Payload)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.Fetch.Timeout)
	}
	if c.Fetch.MaxImageBytes <= 0 {
		return fmt.Errorf("fetch max_image_bytes must be positive, got %d", c.Fetch.MaxImageBytes)
	}
	return nil
}
