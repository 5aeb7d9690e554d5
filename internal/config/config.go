// Package config loads the node configuration: YAML file first, environment overrides
// on top, then validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type DeviceConfig struct {
	ID string `yaml:"id"` // empty: derived from the host MAC
}

type BackendConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerOpen     time.Duration `yaml:"breaker_open"`
}

type UploadConfig struct {
	Path      string        `yaml:"path"`
	BatchSize int           `yaml:"batch_size"`
	Retries   int           `yaml:"retries"`
	Backoff   time.Duration `yaml:"backoff"`
	Interval  time.Duration `yaml:"interval"`
}

type SamplingConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	RecordInterval time.Duration `yaml:"record_interval"`
	Simulate       bool          `yaml:"simulate"`
	DecayPerMin    float64       `yaml:"decay_per_min"`
	Latitude       float64       `yaml:"lat"`
	Longitude      float64       `yaml:"lon"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | memory
	Path   string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type WiFiConfig struct {
	ProbeAddr string `yaml:"probe_addr"`
}

type ProvisioningConfig struct {
	Interval       time.Duration `yaml:"interval"`
	LookupAttempts int           `yaml:"lookup_attempts"`
	LookupBackoff  time.Duration `yaml:"lookup_backoff"`
}

type RadioConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP endpoint
}

type LoggingConfig struct {
	File string `yaml:"file"`
}

type Config struct {
	Device       DeviceConfig       `yaml:"device"`
	Backend      BackendConfig      `yaml:"backend"`
	Upload       UploadConfig       `yaml:"upload"`
	Sampling     SamplingConfig     `yaml:"sampling"`
	Buffer       BufferConfig       `yaml:"buffer"`
	Store        StoreConfig        `yaml:"store"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	WiFi         WiFiConfig         `yaml:"wifi"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Radio        RadioConfig        `yaml:"radio"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Default mirrors the firmware constants.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Timeout:         10 * time.Second,
			BreakerFailures: 5,
			BreakerOpen:     30 * time.Second,
		},
		Upload: UploadConfig{
			Path:      "/api/sensorUpload",
			BatchSize: 10,
			Retries:   3,
			Backoff:   time.Second,
			Interval:  20 * time.Second,
		},
		Sampling: SamplingConfig{
			SampleInterval: time.Second,
			RecordInterval: 60 * time.Second,
			DecayPerMin:    0.001,
		},
		Buffer: BufferConfig{Capacity: 500},
		Store:  StoreConfig{Driver: "sqlite", Path: "plant_node.db"},
		MQTT: MQTTConfig{
			Host:   "localhost",
			Port:   1883,
			Prefix: "plantnode",
		},
		Provisioning: ProvisioningConfig{
			Interval:       5 * time.Second,
			LookupAttempts: 3,
			LookupBackoff:  time.Second,
		},
		Radio:   RadioConfig{Interval: 2 * time.Second},
		Metrics: MetricsConfig{Addr: ":9102"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Device.ID = env("DEVICE_ID", c.Device.ID)
	c.Backend.URL = env("BACKEND_URL", c.Backend.URL)
	c.Upload.BatchSize = envInt("UPLOAD_BATCH_SIZE", c.Upload.BatchSize)
	c.Upload.Retries = envInt("UPLOAD_RETRIES", c.Upload.Retries)
	c.Upload.Interval = envDuration("UPLOAD_INTERVAL", c.Upload.Interval)
	c.Sampling.Simulate = envBool("SIMULATE", c.Sampling.Simulate)
	c.Store.Driver = env("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = env("STORE_PATH", c.Store.Path)
	c.MQTT.Enabled = envBool("MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.Host = env("MQTT_HOST", c.MQTT.Host)
	c.MQTT.Port = envInt("MQTT_PORT", c.MQTT.Port)
	c.MQTT.User = env("MQTT_USER", c.MQTT.User)
	c.MQTT.Password = env("MQTT_PASSWORD", c.MQTT.Password)
	c.WiFi.ProbeAddr = env("WIFI_PROBE_ADDR", c.WiFi.ProbeAddr)
	c.Metrics.Addr = env("METRICS_ADDR", c.Metrics.Addr)
	c.Logging.File = env("LOG_FILE", c.Logging.File)
}

func (c *Config) Validate() error {
	if c.Buffer.Capacity < 1 {
		return errors.New("buffer capacity must be positive")
	}
	if c.Upload.BatchSize < 1 || c.Upload.BatchSize > c.Buffer.Capacity {
		return fmt.Errorf("upload batch_size %d out of range [1,%d]", c.Upload.BatchSize, c.Buffer.Capacity)
	}
	if c.Upload.Retries < 1 {
		return errors.New("upload retries must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"sampling.sample_interval": c.Sampling.SampleInterval,
		"sampling.record_interval": c.Sampling.RecordInterval,
		"upload.interval":          c.Upload.Interval,
		"radio.interval":           c.Radio.Interval,
		"provisioning.interval":    c.Provisioning.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("sqlite path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if c.MQTT.Enabled && (c.MQTT.Host == "" || c.MQTT.Port <= 0) {
		return errors.New("mqtt host and port are required when mqtt is enabled")
	}
	return nil
}

// NewLogger returns a logger writing to stdout and, if configured, to the log file too.
// The returned closer must be closed on shutdown.
func (c *Config) NewLogger(prefix string) (*log.Logger, io.Closer, error) {
	if c.Logging.File == "" {
		return log.New(os.Stdout, prefix, log.LstdFlags), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", c.Logging.File, err)
	}
	return log.New(io.MultiWriter(os.Stdout, f), prefix, log.LstdFlags), f, nil
}
