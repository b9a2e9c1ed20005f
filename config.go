package regiond

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the daemon's file-based configuration. Durations are Go
// duration strings ("30s", "2m"); zero values fall back to defaults.
type Config struct {
	DatabaseURL string            `yaml:"database_url"`
	Listen      []string          `yaml:"listen"`
	StatusAddr  string            `yaml:"status_addr"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Lookup      LookupConfig      `yaml:"lookup"`
}

// AdvertisingConfig tunes the advertising loop.
type AdvertisingConfig struct {
	TickInterval      string `yaml:"tick_interval"`
	StalenessWindow   string `yaml:"staleness_window"`
	ExpectedProcesses int    `yaml:"expected_processes"`
	StartRetryDelay   string `yaml:"start_retry_delay"`
}

// LookupConfig tunes connection lookups.
type LookupConfig struct {
	Timeout string `yaml:"timeout"`
}

// DefaultConfig returns the daemon's baseline configuration.
func DefaultConfig() Config {
	return Config{
		DatabaseURL: "postgres://localhost:5432/regiond?sslmode=disable",
		Listen:      []string{":5250"},
		StatusAddr:  ":5240",
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
func LoadConfig(path string) (Config, error) {
	var config = DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if _, err := config.Options(); err != nil {
		return config, err
	}

	return config, nil
}

// Options converts the configuration into service options.
func (c Config) Options() ([]Option, error) {
	var opts []Option

	if c.Advertising.ExpectedProcesses > 0 {
		opts = append(opts, WithExpectedProcesses(c.Advertising.ExpectedProcesses))
	}

	var durations = []struct {
		value  string
		field  string
		option func(time.Duration) Option
	}{
		{c.Advertising.TickInterval, "advertising.tick_interval", WithTickInterval},
		{c.Advertising.StalenessWindow, "advertising.staleness_window", WithStalenessWindow},
		{c.Advertising.StartRetryDelay, "advertising.start_retry_delay", WithStartRetryDelay},
		{c.Lookup.Timeout, "lookup.timeout", WithLookupTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		duration, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.field, d.value, err)
		}
		opts = append(opts, d.option(duration))
	}

	return opts, nil
}
