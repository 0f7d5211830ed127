// Package config loads the vault daemon's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	DataDir       string        `yaml:"dataDir"`
	Listen        string        `yaml:"listen"`
	LogLevel      string        `yaml:"logLevel"`
	MinimumFreeGB uint          `yaml:"minimumFreeGB"`
	MaxHops       int           `yaml:"maxHops"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	CacheSize     int           `yaml:"cacheSize"`
	Workers       int           `yaml:"workers"`
	MaxUploadMB   int64         `yaml:"maxUploadMB"`

	JWTSecret string        `yaml:"jwtSecret"`
	JWTTTL    time.Duration `yaml:"jwtTTL"`

	// LoginRate is the sustained login attempts per second per client.
	LoginRate  float64 `yaml:"loginRate"`
	LoginBurst int     `yaml:"loginBurst"`
	// TrustedProxies are CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For header names the client. Empty trusts none.
	TrustedProxies []string `yaml:"trustedProxies"`

	Mongo Mongo `yaml:"mongo"`
}

// Mongo selects the optional MongoDB metadata backend. An empty URI keeps
// metadata in the embedded database.
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		DataDir:     "./data",
		Listen:      "127.0.0.1:4242",
		LogLevel:    "info",
		MaxHops:     10000,
		CacheTTL:    10 * time.Minute,
		CacheSize:   4096,
		MaxUploadMB: 512,
		JWTTTL:      12 * time.Hour,
		LoginRate:   1,
		LoginBurst:  5,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.MaxHops == 0 {
		c.MaxHops = d.MaxHops
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.MaxUploadMB == 0 {
		c.MaxUploadMB = d.MaxUploadMB
	}
	if c.JWTTTL == 0 {
		c.JWTTTL = d.JWTTTL
	}
	if c.LoginRate == 0 {
		c.LoginRate = d.LoginRate
	}
	if c.LoginBurst == 0 {
		c.LoginBurst = d.LoginBurst
	}
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("config: dataDir is empty")
	case c.MaxHops < 0:
		return errors.New("config: maxHops must not be negative")
	case c.Workers < 0:
		return errors.New("config: workers must not be negative")
	case c.MaxUploadMB < 0:
		return errors.New("config: maxUploadMB must not be negative")
	case c.JWTTTL < 0:
		return errors.New("config: jwtTTL must not be negative")
	case c.LoginRate < 0 || c.LoginBurst < 0:
		return errors.New("config: login rate limits must not be negative")
	}
	return nil
}
