package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/pegstudy/internal/canetroller"
	"github.com/loykin/pegstudy/internal/channel/serial"
	"github.com/loykin/pegstudy/internal/logger"
	"github.com/loykin/pegstudy/internal/loop"
	"github.com/loykin/pegstudy/internal/recorder"
	"github.com/loykin/pegstudy/internal/stream"
)

// EnvPrefix prefixes environment overrides, e.g. PEGSTUDY_SERVER_LISTEN.
const EnvPrefix = "PEGSTUDY"

// Config represents the top-level TOML structure.
type Config struct {
	Log         logger.Config     `mapstructure:"log"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
	Canetroller CanetrollerConfig `mapstructure:"canetroller"`
	History     HistoryConfig     `mapstructure:"history"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// OpenFailureConfig is the TOML form of stream.OpenPolicy.
type OpenFailureConfig struct {
	Mode         string        `mapstructure:"mode"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// WorkerConfig holds the loop and staleness settings shared by every worker.
type WorkerConfig struct {
	Interval      time.Duration     `mapstructure:"interval"`
	MaxTick       time.Duration     `mapstructure:"max_tick"`
	ResetInterval time.Duration     `mapstructure:"reset_interval"`
	NoDataTimeout time.Duration     `mapstructure:"no_data_timeout"`
	OpenFailure   OpenFailureConfig `mapstructure:"open_failure"`
}

type RecorderConfig struct {
	Dir          string        `mapstructure:"dir"`
	BaseName     string        `mapstructure:"base_name"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	WorkerConfig `mapstructure:",squash"`
}

type CanetrollerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         string        `mapstructure:"port"`
	BaudRate     int           `mapstructure:"baud_rate"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Intensities maps a direction name to a brake strength 0-255.
	Intensities  map[string]int `mapstructure:"intensities"`
	WorkerConfig `mapstructure:",squash"`
}

type HistoryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DSN          string `mapstructure:"dsn"`
	WorkerConfig `mapstructure:",squash"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.path", "")

	for _, section := range []string{"recorder", "canetroller", "history"} {
		v.SetDefault(section+".interval", loop.DefaultInterval)
		v.SetDefault(section+".max_tick", stream.DefaultMaxTick)
		v.SetDefault(section+".reset_interval", time.Duration(0))
		v.SetDefault(section+".no_data_timeout", time.Duration(0))
		v.SetDefault(section+".open_failure.mode", string(stream.OpenBackoff))
		v.SetDefault(section+".open_failure.initial_delay", 10*time.Millisecond)
		v.SetDefault(section+".open_failure.max_delay", 2*time.Second)
		v.SetDefault(section+".open_failure.max_attempts", 0)
	}
	v.SetDefault("history.interval", 50*time.Millisecond)

	v.SetDefault("recorder.dir", "data")
	v.SetDefault("recorder.base_name", "user")
	v.SetDefault("recorder.write_timeout", time.Millisecond)

	v.SetDefault("canetroller.enabled", false)
	v.SetDefault("canetroller.port", serial.AutoPort)
	v.SetDefault("canetroller.baud_rate", serial.DefaultBaudRate)
	v.SetDefault("canetroller.read_timeout", serial.DefaultReadTimeout)
	v.SetDefault("canetroller.write_timeout", serial.DefaultWriteTimeout)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8480")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9480")
	v.SetDefault("metrics.path", "/metrics")
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads a TOML file, applies defaults and PEGSTUDY_* environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the workers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	for name, w := range map[string]WorkerConfig{
		"recorder":    c.Recorder.WorkerConfig,
		"canetroller": c.Canetroller.WorkerConfig,
		"history":     c.History.WorkerConfig,
	} {
		if err := w.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if strings.TrimSpace(c.Recorder.BaseName) == "" {
		errs = append(errs, errors.New("recorder: base_name must not be empty"))
	}
	if strings.ContainsAny(c.Recorder.BaseName, `/\`) {
		errs = append(errs, errors.New("recorder: base_name must not contain path separators"))
	}
	if c.Canetroller.BaudRate <= 0 {
		errs = append(errs, errors.New("canetroller: baud_rate must be positive"))
	}
	for name, v := range c.Canetroller.Intensities {
		if _, err := canetroller.ParseDirection(name); err != nil {
			errs = append(errs, fmt.Errorf("canetroller: intensities: %w", err))
		}
		if v < 0 || v > 255 {
			errs = append(errs, fmt.Errorf("canetroller: intensity %s=%d out of range 0-255", name, v))
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history: dsn required when enabled"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server: listen address required"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics: listen address required"))
	}
	return errors.Join(errs...)
}

func (w WorkerConfig) validate() error {
	if w.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if w.MaxTick < 0 || w.ResetInterval < 0 || w.NoDataTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if _, err := stream.ParseOpenMode(w.OpenFailure.Mode); err != nil {
		return err
	}
	if w.OpenFailure.MaxAttempts < 0 {
		return errors.New("open_failure.max_attempts must not be negative")
	}
	return nil
}

// Stream converts the worker settings into a stream.Config named name.
func (w WorkerConfig) Stream(name string) stream.Config {
	mode, _ := stream.ParseOpenMode(w.OpenFailure.Mode)
	return stream.Config{
		Name:          name,
		Background:    true,
		Priority:      loop.PriorityLowest,
		Interval:      w.Interval,
		MaxTick:       w.MaxTick,
		ResetInterval: w.ResetInterval,
		NoDataTimeout: w.NoDataTimeout,
		Open: stream.OpenPolicy{
			Mode:         mode,
			InitialDelay: w.OpenFailure.InitialDelay,
			MaxDelay:     w.OpenFailure.MaxDelay,
			MaxAttempts:  w.OpenFailure.MaxAttempts,
		},
	}
}

// RecorderOptions builds the recorder configuration.
func (c *Config) RecorderOptions() recorder.Config {
	return recorder.Config{
		Dir:          c.Recorder.Dir,
		BaseName:     c.Recorder.BaseName,
		WriteTimeout: c.Recorder.WriteTimeout,
		Worker:       c.Recorder.Stream(""),
	}
}

// CanetrollerOptions builds the canetroller configuration.
func (c *Config) CanetrollerOptions() canetroller.Config {
	intensities := make(map[canetroller.Direction]byte, len(c.Canetroller.Intensities))
	for name, v := range c.Canetroller.Intensities {
		if d, err := canetroller.ParseDirection(name); err == nil && v >= 0 && v <= 255 {
			intensities[d] = byte(v)
		}
	}
	return canetroller.Config{
		Serial: serial.Config{
			Port:         c.Canetroller.Port,
			BaudRate:     c.Canetroller.BaudRate,
			ReadTimeout:  c.Canetroller.ReadTimeout,
			WriteTimeout: c.Canetroller.WriteTimeout,
		},
		Worker:      c.Canetroller.Stream("canetroller"),
		Intensities: intensities,
	}
}
