// Package config loads the resize settings from flags, environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// DefaultWidth is the target width used when none is given.
	DefaultWidth = 680
	// EnvPrefix prefixes every environment override, e.g. PICRESIZE_WIDTH.
	EnvPrefix = "PICRESIZE"
	// DefaultFile is read from the working directory when present.
	DefaultFile = "picresize.yaml"
)

// ErrInvalidWidth is returned for a width that is not a positive integer.
var ErrInvalidWidth = errors.New("width must be a positive integer")

// Config holds the settings of a resize run.
type Config struct {
	Width   int    `mapstructure:"width" validate:"gt=0"`
	Output  string `mapstructure:"output"`                         // Output root, empty for <root>/output_<width>
	Workers int    `mapstructure:"workers" validate:"gte=0"`       // 0 uses every CPU
	Engine  string `mapstructure:"engine" validate:"oneof=imaging nfnt"`
	Catalog string `mapstructure:"catalog"` // SQLite path, empty disables the catalog
	Report  string `mapstructure:"report"`  // YAML report path, empty disables the report
	Log     Log    `mapstructure:"log"`
}

// Log holds logger configuration.
type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("width", DefaultWidth)
	v.SetDefault("output", "")
	v.SetDefault("workers", 1)
	v.SetDefault("engine", "imaging")
	v.SetDefault("catalog", "")
	v.SetDefault("report", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the configuration from v. An explicit config file must exist;
// the default one is optional.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case file != "":
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", DefaultFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if c.Width <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, c.Width)
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WorkerCount resolves Workers, mapping 0 to the number of CPUs.
func (c *Config) WorkerCount() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// ParseWidth parses a user-entered width. Blank input selects DefaultWidth.
func ParseWidth(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultWidth, nil
	}
	w, err := strconv.Atoi(s)
	if err != nil || w <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWidth, s)
	}
	return w, nil
}

// SetupLogging configures the global zerolog logger to write to w.
func SetupLogging(l Log, w io.Writer) error {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	if l.Format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return nil
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: time.TimeOnly,
	}).With().Timestamp().Logger()
	return nil
}
