package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDatabasePath      = "/var/lib/sdwanctl/sdwan.db"
	DefaultProbePort         = 51822
	DefaultBandwidthPort     = 51823
	DefaultProbeInterval     = 5 * time.Second
	DefaultProbeTimeout      = 2 * time.Second
	DefaultMetricsInterval   = 10 * time.Second
	DefaultBandwidthInterval = 10 * time.Second
	DefaultBandwidthMaxAge   = 60 * time.Second
	DefaultBandwidthDuration = 5 * time.Second
	DefaultBandwidthPacing   = 100 * time.Microsecond
	DefaultBandwidthParallel = 4
	DefaultAPIListen         = "127.0.0.1:8080"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config is the on-disk configuration of an appliance.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Enforcer EnforcerConfig `yaml:"enforcer"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// SiteConfig identifies this appliance in the overlay.
type SiteConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	STUNServers []string `yaml:"stun_servers,omitempty"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig tunes the path monitor. Zero values are replaced by defaults.
type MonitorConfig struct {
	ProbePort         int           `yaml:"probe_port"`
	BandwidthPort     int           `yaml:"bandwidth_port"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"`
	BandwidthInterval time.Duration `yaml:"bandwidth_interval"`
	BandwidthMaxAge   time.Duration `yaml:"bandwidth_max_age"`
	BandwidthDuration time.Duration `yaml:"bandwidth_duration"`
	BandwidthPacing   time.Duration `yaml:"bandwidth_pacing"`
	BandwidthParallel int           `yaml:"bandwidth_parallel"`
	// Responder answers probes from remote sites when enabled.
	Responder *bool `yaml:"responder,omitempty"`
}

// EnforcerConfig seeds the policy enforcer at startup.
type EnforcerConfig struct {
	PolicyFiles []string         `yaml:"policy_files,omitempty"`
	Endpoints   []EndpointLabels `yaml:"endpoints,omitempty"`
}

// EndpointLabels is a static IP → labels registration.
type EndpointLabels struct {
	IP     string            `yaml:"ip"`
	Labels map[string]string `yaml:"labels"`
}

type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := validPort("monitor.probe_port", cfg.Monitor.ProbePort); err != nil {
		return err
	}
	if err := validPort("monitor.bandwidth_port", cfg.Monitor.BandwidthPort); err != nil {
		return err
	}
	if cfg.Monitor.ProbeTimeout >= cfg.Monitor.ProbeInterval {
		return fmt.Errorf("monitor.probe_timeout (%s) must be shorter than monitor.probe_interval (%s)",
			cfg.Monitor.ProbeTimeout, cfg.Monitor.ProbeInterval)
	}
	for i, ep := range cfg.Enforcer.Endpoints {
		if _, err := netip.ParseAddr(ep.IP); err != nil {
			return fmt.Errorf("enforcer.endpoints[%d].ip: %w", i, err)
		}
	}
	return nil
}

func validPort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", field, port)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}

	m := &cfg.Monitor
	if m.ProbePort == 0 {
		m.ProbePort = DefaultProbePort
	}
	if m.BandwidthPort == 0 {
		m.BandwidthPort = DefaultBandwidthPort
	}
	if m.ProbeInterval == 0 {
		m.ProbeInterval = DefaultProbeInterval
	}
	if m.ProbeTimeout == 0 {
		m.ProbeTimeout = DefaultProbeTimeout
	}
	if m.MetricsInterval == 0 {
		m.MetricsInterval = DefaultMetricsInterval
	}
	if m.BandwidthInterval == 0 {
		m.BandwidthInterval = DefaultBandwidthInterval
	}
	if m.BandwidthMaxAge == 0 {
		m.BandwidthMaxAge = DefaultBandwidthMaxAge
	}
	if m.BandwidthDuration == 0 {
		m.BandwidthDuration = DefaultBandwidthDuration
	}
	if m.BandwidthPacing == 0 {
		m.BandwidthPacing = DefaultBandwidthPacing
	}
	if m.BandwidthParallel == 0 {
		m.BandwidthParallel = DefaultBandwidthParallel
	}
	if m.Responder == nil {
		enabled := true
		m.Responder = &enabled
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 10 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 10 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// ResponderEnabled reports whether the probe responder should run.
func ResponderEnabled(m MonitorConfig) bool {
	return m.Responder == nil || *m.Responder
}
