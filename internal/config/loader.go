package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"smarthome/internal/schedule"
)

// DefaultStateFile is where the snapshot lives when nothing else is configured
const DefaultStateFile = "last_state.json"

// DefaultAPIAddress is the listen address of the HTTP control surface
const DefaultAPIAddress = "127.0.0.1:8081"

// Config represents the smarthome.yaml structure
type Config struct {
	StateFile string         `yaml:"state_file"`
	LogLevel  string         `yaml:"log_level"`
	API       APIConfig      `yaml:"api"`
	Schedule  ScheduleConfig `yaml:"schedule"`
}

// APIConfig configures the HTTP control surface
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ScheduleConfig holds the deadline offsets. Durations use Go syntax ("10m").
type ScheduleConfig struct {
	ACLead               time.Duration `yaml:"ac_lead"`
	WasherDelay          time.Duration `yaml:"washer_delay"`
	GraceWindow          time.Duration `yaml:"grace_window"`
	CancelOnManualToggle bool          `yaml:"cancel_on_manual_toggle"`
}

// Default returns the built-in configuration
func Default() *Config {
	rules := schedule.DefaultRules()
	return &Config{
		StateFile: DefaultStateFile,
		LogLevel:  "info",
		API: APIConfig{
			Enabled: true,
			Address: DefaultAPIAddress,
		},
		Schedule: ScheduleConfig{
			ACLead:               rules.ACLead,
			WasherDelay:          rules.WasherDelay,
			GraceWindow:          rules.GraceWindow,
			CancelOnManualToggle: true,
		},
	}
}

// Rules converts the schedule section for the engine
func (c *Config) Rules() schedule.Rules {
	return schedule.Rules{
		ACLead:      c.Schedule.ACLead,
		WasherDelay: c.Schedule.WasherDelay,
		GraceWindow: c.Schedule.GraceWindow,
	}
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var err error
	if c.StateFile == "" {
		err = multierr.Append(err, errors.New("state_file must not be empty"))
	}
	if _, parseErr := zapcore.ParseLevel(c.LogLevel); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", parseErr))
	}
	if c.API.Enabled && c.API.Address == "" {
		err = multierr.Append(err, errors.New("api.address must be set when the api is enabled"))
	}
	if c.Schedule.ACLead < 0 {
		err = multierr.Append(err, fmt.Errorf("schedule.ac_lead must not be negative, got %s", c.Schedule.ACLead))
	}
	if c.Schedule.WasherDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("schedule.washer_delay must not be negative, got %s", c.Schedule.WasherDelay))
	}
	if c.Schedule.GraceWindow < 0 {
		err = multierr.Append(err, fmt.Errorf("schedule.grace_window must not be negative, got %s", c.Schedule.GraceWindow))
	}
	return err
}

// Loader reads the configuration file
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a new configuration loader for path. An empty path
// means built-in defaults only.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
	}
}

// Load reads the file over the defaults and validates the result. A missing
// file is not an error.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.path == "" {
		l.logger.Debug("No config file given, using defaults")
		return cfg, nil
	}

	l.logger.Debug("Loading config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Info("Config file not found, using defaults", zap.String("path", l.path))
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}

	l.logger.Info("Config loaded successfully",
		zap.String("path", l.path),
		zap.String("state_file", cfg.StateFile),
		zap.Bool("api_enabled", cfg.API.Enabled))
	return cfg, nil
}
