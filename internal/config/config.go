// Package config loads the gateway configuration.
//
// A configuration file is optional. When present it may be YAML or JSON
// (both are decoded through sigs.k8s.io/yaml). Missing values fall back to
// the defaults applied by applyDefaults, and Validate rejects combinations
// the gateway cannot run with. Command-line flags are applied by the caller
// after Load, so they always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Defaults mirror the public service limits.
const (
	DefaultListen          = "127.0.0.1:8080"
	DefaultShutdownTimeout = 5 * time.Second

	DefaultCapacity   = 60
	DefaultPeriod     = 60 * time.Second
	DefaultKeyPrefix  = "gateway:quota"
	DefaultRetryAfter = 5 * time.Second
	DefaultSweepEvery = time.Minute

	DefaultMaxConcurrent = 64
	DefaultMaxQueued     = 256
	DefaultMaxTimeout    = 60 * time.Second

	DefaultScannerBinary  = "nmap"
	DefaultMaxStreams     = 8
	DefaultMaxScanTimeout = 300 * time.Second

	DefaultRecentResults = 50
)

// Duration is a time.Duration that decodes from "1m30s" style strings or
// from a plain number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler (sigs.k8s.io/yaml converts YAML
// to JSON before decoding).
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		v, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON renders the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration document.
type Config struct {
	Listen            string   `json:"listen"`
	HealthListen      string   `json:"health_listen"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
	TrustProxyHeaders bool     `json:"trust_proxy_headers"`

	Admission Admission `json:"admission"`
	Probes    Probes    `json:"probes"`
	Scanner   Scanner   `json:"scanner"`

	RecentResults int `json:"recent_results"`
}

// Admission configures the per-client token bucket.
type Admission struct {
	Capacity   int      `json:"capacity"`
	Period     Duration `json:"period"`
	RedisURL   string   `json:"redis_url"`
	KeyPrefix  string   `json:"key_prefix"`
	RetryAfter Duration `json:"retry_after"`
	SweepEvery Duration `json:"sweep_every"`
	FailClosed bool     `json:"fail_closed"`
}

// RefillRate returns tokens added per second.
func (a Admission) RefillRate() float64 {
	return float64(a.Capacity) / a.Period.Std().Seconds()
}

// Probes bounds outbound probe execution.
type Probes struct {
	MaxConcurrent int      `json:"max_concurrent"`
	MaxQueued     int      `json:"max_queued"`
	MaxTimeout    Duration `json:"max_timeout"`
}

// Scanner configures the external port scanner.
type Scanner struct {
	Binary         string   `json:"binary"`
	MaxStreams     int      `json:"max_streams"`
	MaxScanTimeout Duration `json:"max_scan_timeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the file at path. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.Admission.Capacity == 0 {
		c.Admission.Capacity = DefaultCapacity
	}
	if c.Admission.Period <= 0 {
		c.Admission.Period = Duration(DefaultPeriod)
	}
	if c.Admission.KeyPrefix == "" {
		c.Admission.KeyPrefix = DefaultKeyPrefix
	}
	if c.Admission.RetryAfter <= 0 {
		c.Admission.RetryAfter = Duration(DefaultRetryAfter)
	}
	if c.Admission.SweepEvery <= 0 {
		c.Admission.SweepEvery = Duration(DefaultSweepEvery)
	}

	if c.Probes.MaxConcurrent == 0 {
		c.Probes.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Probes.MaxQueued == 0 {
		c.Probes.MaxQueued = DefaultMaxQueued
	}
	if c.Probes.MaxTimeout <= 0 {
		c.Probes.MaxTimeout = Duration(DefaultMaxTimeout)
	}

	if c.Scanner.Binary == "" {
		c.Scanner.Binary = DefaultScannerBinary
	}
	if c.Scanner.MaxStreams == 0 {
		c.Scanner.MaxStreams = DefaultMaxStreams
	}
	if c.Scanner.MaxScanTimeout <= 0 {
		c.Scanner.MaxScanTimeout = Duration(DefaultMaxScanTimeout)
	}

	if c.RecentResults == 0 {
		c.RecentResults = DefaultRecentResults
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Admission.Capacity < 1:
		return errors.New("admission.capacity must be >= 1")
	case c.Probes.MaxConcurrent < 1:
		return errors.New("probes.max_concurrent must be >= 1")
	case c.Probes.MaxQueued < 0:
		return errors.New("probes.max_queued must be >= 0")
	case c.Scanner.MaxStreams < 1:
		return errors.New("scanner.max_streams must be >= 1")
	case c.RecentResults < 0:
		return errors.New("recent_results must be >= 0")
	}
	return nil
}
