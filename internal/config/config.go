// Package config loads the immutable alerthook runtime configuration.
//
// Values are resolved in this order, later sources winning:
//   - built-in defaults
//   - an optional YAML file
//   - environment variables (a .env file in the working directory is loaded first)
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 9999
	DefaultRateLimit   = 100
	DefaultBodyLimit   = "1mb"
	DefaultSoundName   = "Glass"
	DefaultSoundVolume = 1.0

	MaxSoundVolume = 2.0
)

var (
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrInvalidRateLimit = errors.New("rate limit must be a positive integer")
	ErrInvalidBodyLimit = errors.New("body limit must be a positive size")
	ErrInvalidVolume    = errors.New("sound volume out of range")
	ErrInvalidAllowList = errors.New("invalid allow-list entry")
)

// Config is populated once at startup and must not be modified afterwards
type Config struct {
	Host       string
	Port       int
	RateLimit  int
	BodyLimit  int64
	AllowedIPs []string
	AuthToken  string
	Sound      SoundConfig
	DBPath     string
	LogFile    string

	// TrustProxy resolves the client from X-Forwarded-For / X-Real-IP.
	// Only safe behind a proxy that overwrites those headers.
	TrustProxy bool

	// Quiet disables the console alert printer
	Quiet bool
}

// SoundConfig configures the local sound played for firing alerts
type SoundConfig struct {
	Enabled bool
	Name    string
	Volume  float64
	// Command overrides the platform player; supports {{SOUND}} and {{VOLUME}}
	Command string
}

// fileConfig mirrors the YAML file. Pointers distinguish unset from zero.
type fileConfig struct {
	Host       *string  `yaml:"host"`
	Port       *int     `yaml:"port"`
	RateLimit  *int     `yaml:"rate_limit"`
	BodyLimit  *string  `yaml:"body_limit"`
	AllowedIPs []string `yaml:"allowed_ips"`
	AuthToken  *string  `yaml:"auth_token"`
	DBPath     *string  `yaml:"db_path"`
	LogFile    *string  `yaml:"log_file"`
	TrustProxy *bool    `yaml:"trust_proxy"`
	Quiet      *bool    `yaml:"quiet"`
	Sound      struct {
		Enabled *bool    `yaml:"enabled"`
		Name    *string  `yaml:"name"`
		Volume  *float64 `yaml:"volume"`
		Command *string  `yaml:"command"`
	} `yaml:"sound"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	limit, _ := humanize.ParseBytes(DefaultBodyLimit)
	return &Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		RateLimit: DefaultRateLimit,
		BodyLimit: int64(limit),
		Sound: SoundConfig{
			Enabled: true,
			Name:    DefaultSoundName,
			Volume:  DefaultSoundVolume,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg, err := Resolve(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve is Load without validation, for callers that apply further
// overrides (command-line flags) before calling Validate.
func Resolve(path string) (*Config, error) {
	// A missing .env file is normal
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if fc.Host != nil {
		c.Host = *fc.Host
	}
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.RateLimit != nil {
		c.RateLimit = *fc.RateLimit
	}
	if fc.BodyLimit != nil {
		limit, err := ParseBodyLimit(*fc.BodyLimit)
		if err != nil {
			return err
		}
		c.BodyLimit = limit
	}
	if fc.AllowedIPs != nil {
		c.AllowedIPs = normalizeAllowList(fc.AllowedIPs)
	}
	if fc.AuthToken != nil {
		c.AuthToken = *fc.AuthToken
	}
	if fc.DBPath != nil {
		c.DBPath = *fc.DBPath
	}
	if fc.LogFile != nil {
		c.LogFile = *fc.LogFile
	}
	if fc.TrustProxy != nil {
		c.TrustProxy = *fc.TrustProxy
	}
	if fc.Quiet != nil {
		c.Quiet = *fc.Quiet
	}
	if fc.Sound.Enabled != nil {
		c.Sound.Enabled = *fc.Sound.Enabled
	}
	if fc.Sound.Name != nil {
		c.Sound.Name = *fc.Sound.Name
	}
	if fc.Sound.Volume != nil {
		c.Sound.Volume = *fc.Sound.Volume
	}
	if fc.Sound.Command != nil {
		c.Sound.Command = *fc.Sound.Command
	}

	return nil
}

// applyEnv overrides fields from environment variables. lookup is
// os.LookupEnv in production and a map in tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("ALERTHOOK_HOST"); ok {
		c.Host = v
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := get("RATE_LIMIT"); ok {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		c.RateLimit = limit
	}
	if v, ok := get("BODY_LIMIT"); ok {
		limit, err := ParseBodyLimit(v)
		if err != nil {
			return fmt.Errorf("invalid BODY_LIMIT: %w", err)
		}
		c.BodyLimit = limit
	}
	if v, ok := get("ALLOWED_IPS"); ok {
		c.AllowedIPs = ParseAllowList(v)
	}
	if v, ok := get("AUTH_TOKEN"); ok {
		c.AuthToken = v
	}
	if v, ok := get("ALERTHOOK_DB"); ok {
		c.DBPath = v
	}
	if v, ok := get("ALERTHOOK_LOG_FILE"); ok {
		c.LogFile = v
	}
	if v, ok := get("TRUST_PROXY"); ok {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRUST_PROXY: %w", err)
		}
		c.TrustProxy = trust
	}
	if v, ok := get("ALERTHOOK_QUIET"); ok {
		quiet, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ALERTHOOK_QUIET: %w", err)
		}
		c.Quiet = quiet
	}
	if v, ok := get("SOUND_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SOUND_ENABLED: %w", err)
		}
		c.Sound.Enabled = enabled
	}
	if v, ok := get("SOUND_NAME"); ok {
		c.Sound.Name = v
	}
	if v, ok := get("SOUND_VOLUME"); ok {
		volume, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SOUND_VOLUME: %w", err)
		}
		c.Sound.Volume = volume
	}
	if v, ok := get("SOUND_COMMAND"); ok {
		c.Sound.Command = v
	}

	return nil
}

// Validate checks that every field holds a usable value
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrInvalidPort, c.Port)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidRateLimit, c.RateLimit)
	}
	if c.BodyLimit <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidBodyLimit, c.BodyLimit)
	}
	if c.Sound.Volume < 0 || c.Sound.Volume > MaxSoundVolume {
		return fmt.Errorf("%w: %.2f (must be 0-%.0f)", ErrInvalidVolume, c.Sound.Volume, MaxSoundVolume)
	}
	for _, entry := range c.AllowedIPs {
		if entry == "*" {
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("%w: %q", ErrInvalidAllowList, entry)
		}
	}
	return nil
}

// Addr returns the host:port listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseBodyLimit parses a size such as "1mb", "512kb" or "2048"
func ParseBodyLimit(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBodyLimit, err)
	}
	if n == 0 || n > uint64(1<<31) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBodyLimit, s)
	}
	return int64(n), nil
}

// ParseAllowList splits a comma-separated allow-list, dropping empty entries
func ParseAllowList(s string) []string {
	return normalizeAllowList(strings.Split(s, ","))
}

func normalizeAllowList(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
