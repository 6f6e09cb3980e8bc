package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration. All recognized keys are
// declared here; there is no dynamic settings lookup.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Backup         BackupConfig         `yaml:"backup"`
	Decay          DecayConfig          `yaml:"decay"`
	Discord        DiscordConfig        `yaml:"discord"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// BackupConfig holds pre-mutation snapshot settings.
type BackupConfig struct {
	// Dir is the directory snapshot files are written to.
	Dir string `yaml:"dir"`
}

// DecayConfig holds weekly point decay settings.
type DecayConfig struct {
	Enabled bool `yaml:"enabled"`
	// Multiplier is applied as floor(points * multiplier). Must be in (0, 1).
	Multiplier float64 `yaml:"multiplier"`
	// Day is the weekday the decay runs on ("sunday".."saturday").
	Day string `yaml:"day"`
	// Hour is the local hour of day (0..23) the decay runs at.
	Hour int `yaml:"hour"`
}

// Weekday returns the configured day as a time.Weekday.
func (d DecayConfig) Weekday() time.Weekday {
	return weekdays[strings.ToLower(d.Day)]
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// DiscordConfig holds the optional Discord announcer settings.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// LeaderElectionConfig holds Kubernetes leader election settings used to
// gate the decay scheduler when running more than one replica.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "sanityd",
			ServiceVersion: "0.1.0",
		},
		Backup: BackupConfig{
			Dir: "backups",
		},
		Decay: DecayConfig{
			Enabled:    false,
			Multiplier: 0.9,
			Day:        "sunday",
			Hour:       4,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "sanityd-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\"", c.Database.Driver)
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup dir must not be empty")
	}
	if c.Decay.Enabled {
		if c.Decay.Multiplier <= 0 || c.Decay.Multiplier >= 1 {
			return fmt.Errorf("decay multiplier %v out of range: must be in (0, 1)", c.Decay.Multiplier)
		}
		if _, ok := weekdays[strings.ToLower(c.Decay.Day)]; !ok {
			return fmt.Errorf("unknown decay day %q", c.Decay.Day)
		}
		if c.Decay.Hour < 0 || c.Decay.Hour > 23 {
			return fmt.Errorf("decay hour %d out of range: must be 0..23", c.Decay.Hour)
		}
	}
	if c.Discord.Enabled {
		if c.Discord.Token == "" || c.Discord.ChannelID == "" {
			return fmt.Errorf("discord announcer requires token and channel_id")
		}
	}
	return nil
}
