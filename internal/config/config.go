// Package config loads process settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store    StoreConfig    `yaml:"store" json:"store"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	API      APIConfig      `yaml:"api" json:"api"`
	Holder   string         `yaml:"holder" json:"holder"`
	LogLevel string         `yaml:"log_level" json:"log_level"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver" json:"driver"` // "sqlite" or "mongo"
	Path     string `yaml:"path" json:"path"`
	URI      string `yaml:"uri" json:"-"`
	Database string `yaml:"database" json:"database"`
}

type ScheduleConfig struct {
	Cron           string        `yaml:"cron" json:"cron"`
	CycleDay       string        `yaml:"cycle_day" json:"cycle_day"`
	ElectionLength time.Duration `yaml:"election_length" json:"election_length"`
}

type APIConfig struct {
	Port     int    `yaml:"port" json:"port"`
	AdminKey string `yaml:"admin_key" json:"-"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() *Config {
	holder, err := os.Hostname()
	if err != nil || holder == "" {
		holder = "nationsim"
	}
	return &Config{
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     "data/nationsim.db",
			URI:      "mongodb://localhost:27017/?replicaSet=rs0",
			Database: "nationsim",
		},
		Schedule: ScheduleConfig{
			Cron:           "0 0 * * *",
			CycleDay:       "monday",
			ElectionLength: 7 * 24 * time.Hour,
		},
		API:      APIConfig{Port: 8080},
		Holder:   holder,
		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// FromEnv loads the file named by NATIONSIM_CONFIG (default config.yaml),
// applies environment overrides and validates the result.
func FromEnv() (*Config, error) {
	path := os.Getenv("NATIONSIM_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv
// outside of tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Store.Driver, "NATIONSIM_STORE")
	set(&c.Store.Path, "NATIONSIM_DB_PATH")
	set(&c.Store.URI, "MONGO_URI")
	set(&c.Store.Database, "MONGO_DB")
	set(&c.API.AdminKey, "NATIONSIM_ADMIN_KEY")
	set(&c.Holder, "NATIONSIM_HOLDER")
	set(&c.LogLevel, "NATIONSIM_LOG_LEVEL")

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q: %w", v, err)
		}
		c.API.Port = port
	}
	return nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path required for sqlite"))
		}
	case "mongo":
		if c.Store.URI == "" || c.Store.Database == "" {
			errs = append(errs, errors.New("store.uri and store.database required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		errs = append(errs, fmt.Errorf("schedule.cron %q: %w", c.Schedule.Cron, err))
	}
	if _, err := c.CycleWeekday(); err != nil {
		errs = append(errs, err)
	}
	if c.Schedule.ElectionLength <= 0 {
		errs = append(errs, fmt.Errorf("schedule.election_length must be positive, got %s", c.Schedule.ElectionLength))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CycleWeekday parses schedule.cycle_day ("monday", "Mon", ...).
func (c *Config) CycleWeekday() (time.Weekday, error) {
	day := strings.ToLower(strings.TrimSpace(c.Schedule.CycleDay))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if day == name || day == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown schedule.cycle_day %q", c.Schedule.CycleDay)
}

// Level returns the slog level named by log_level, defaulting to info.
func (c *Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}
