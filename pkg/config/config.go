package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/navikt/tortuga-nais-support/pkg/health"
	"github.com/navikt/tortuga-nais-support/pkg/logging"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Environment variables read by Load.
const (
	EnvName      = "APP_NAME"
	EnvPort      = "APP_PORT"
	EnvLogLevel  = "APP_LOG_LEVEL"
	EnvLogFormat = "APP_LOG_FORMAT"
	EnvLogFile   = "APP_LOG_FILE"
)

// Config is the service configuration.
type Config struct {
	Name string    `yaml:"name"`
	Port int       `yaml:"port"`
	Log  LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Name: "app",
		Port: health.DefaultPort,
		Log: LogConfig{
			Level:  logging.LevelInfo,
			Format: logging.FormatConsole,
		},
	}
}

// Load builds a config from defaults, then the YAML file at path, then the
// .env file at envFile, then the environment. Either path may be empty. A
// missing .env file is not an error.
func Load(path, envFile string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		// existing variables win over the file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	if val := os.Getenv(EnvName); val != "" {
		c.Name = val
	}
	if val := os.Getenv(EnvPort); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPort, val)
		}
		c.Port = port
	}
	if val := os.Getenv(EnvLogLevel); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv(EnvLogFormat); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv(EnvLogFile); val != "" {
		c.Log.File = val
	}
	return nil
}

// Validate checks the values that cannot be fixed up silently.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON, logging.FormatStd:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoggingOptions converts the log section for logging.New.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Name:   c.Name,
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
	}
}
