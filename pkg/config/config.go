package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gilchrisn/connectome-blockmodel/pkg/builder"
	"github.com/gilchrisn/connectome-blockmodel/pkg/mcmc"
)

// ErrInvalidConfig wraps every validation failure returned by Options.
var ErrInvalidConfig = errors.New("config: invalid configuration")

var validate = validator.New()

// Config manages run configuration using Viper
type Config struct {
	v *viper.Viper
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	v := viper.New()

	// Algorithm parameters
	v.SetDefault("algorithm.max_levels", 16)
	v.SetDefault("algorithm.convergence_tolerance", 1e-6)
	v.SetDefault("algorithm.random_seed", 42)
	v.SetDefault("algorithm.progress_interval", 10000)

	// Refinement parameters
	v.SetDefault("mcmc.initial_temperature", 0.0)
	v.SetDefault("mcmc.cooling_rate", 1.0)
	v.SetDefault("mcmc.sweep_count", 10)
	v.SetDefault("mcmc.merge_split_period", 2)
	v.SetDefault("mcmc.merge_split_attempts", 0)
	v.SetDefault("mcmc.split_refit_sweeps", 3)
	v.SetDefault("mcmc.new_block_probability", 0.1)

	v.SetDefault("graph.weight_threshold", 0)

	// Ensemble parameters
	v.SetDefault("ensemble.workers", runtime.NumCPU())
	v.SetDefault("ensemble.seeds", 1)

	// Logging parameters
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enable_progress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.output_file", "")

	v.SetDefault("analysis.track_moves", false)
	v.SetDefault("analysis.output_file", "moves.jsonl")

	return &Config{v: v}
}

// LoadFromFile loads configuration from file
func (c *Config) LoadFromFile(path string) error {
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Getters for algorithm parameters
func (c *Config) MaxLevels() int                { return c.v.GetInt("algorithm.max_levels") }
func (c *Config) ConvergenceTolerance() float64 { return c.v.GetFloat64("algorithm.convergence_tolerance") }
func (c *Config) RandomSeed() int64             { return c.v.GetInt64("algorithm.random_seed") }
func (c *Config) ProgressInterval() int         { return c.v.GetInt("algorithm.progress_interval") }

func (c *Config) InitialTemperature() float64  { return c.v.GetFloat64("mcmc.initial_temperature") }
func (c *Config) CoolingRate() float64         { return c.v.GetFloat64("mcmc.cooling_rate") }
func (c *Config) SweepCount() int              { return c.v.GetInt("mcmc.sweep_count") }
func (c *Config) MergeSplitPeriod() int        { return c.v.GetInt("mcmc.merge_split_period") }
func (c *Config) MergeSplitAttempts() int      { return c.v.GetInt("mcmc.merge_split_attempts") }
func (c *Config) SplitRefitSweeps() int        { return c.v.GetInt("mcmc.split_refit_sweeps") }
func (c *Config) NewBlockProbability() float64 { return c.v.GetFloat64("mcmc.new_block_probability") }

func (c *Config) WeightThreshold() int64 { return c.v.GetInt64("graph.weight_threshold") }

func (c *Config) EnsembleWorkers() int { return c.v.GetInt("ensemble.workers") }
func (c *Config) EnsembleSeeds() int   { return c.v.GetInt("ensemble.seeds") }

func (c *Config) LogLevel() string     { return c.v.GetString("logging.level") }
func (c *Config) EnableProgress() bool { return c.v.GetBool("logging.enable_progress") }

func (c *Config) MetricsEnabled() bool { return c.v.GetBool("metrics.enabled") }
func (c *Config) MetricsFile() string  { return c.v.GetString("metrics.output_file") }

func (c *Config) EnableMoveTracking() bool  { return c.v.GetBool("analysis.track_moves") }
func (c *Config) TrackingOutputFile() string { return c.v.GetString("analysis.output_file") }

// Set allows dynamic configuration changes
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// BindFlag makes a command-line flag override key once the flag is set.
func (c *Config) BindFlag(key string, flag *pflag.Flag) error {
	if err := c.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("bind flag %s to %s: %w", flag.Name, key, err)
	}
	return nil
}

// Options is the typed, validated view of a Config.
type Options struct {
	MaxLevels            int     `validate:"min=1"`
	ConvergenceTolerance float64 `validate:"gte=0"`
	RandomSeed           int64
	ProgressInterval     int `validate:"gte=0"`

	InitialTemperature  float64 `validate:"gte=0"`
	CoolingRate         float64 `validate:"gt=0,lte=1"`
	SweepCount          int     `validate:"gte=0"`
	MergeSplitPeriod    int     `validate:"gte=0"`
	MergeSplitAttempts  int     `validate:"gte=0"`
	SplitRefitSweeps    int     `validate:"gte=0"`
	NewBlockProbability float64 `validate:"gte=0,lte=1"`

	WeightThreshold int64 `validate:"gte=0"`

	EnsembleWorkers int `validate:"min=1"`
	EnsembleSeeds   int `validate:"min=1"`

	LogLevel       string `validate:"oneof=trace debug info warn error fatal panic disabled"`
	EnableProgress bool
}

// Options reads every setting into a struct and validates it.
func (c *Config) Options() (Options, error) {
	opts := Options{
		MaxLevels:            c.MaxLevels(),
		ConvergenceTolerance: c.ConvergenceTolerance(),
		RandomSeed:           c.RandomSeed(),
		ProgressInterval:     c.ProgressInterval(),
		InitialTemperature:   c.InitialTemperature(),
		CoolingRate:          c.CoolingRate(),
		SweepCount:           c.SweepCount(),
		MergeSplitPeriod:     c.MergeSplitPeriod(),
		MergeSplitAttempts:   c.MergeSplitAttempts(),
		SplitRefitSweeps:     c.SplitRefitSweeps(),
		NewBlockProbability:  c.NewBlockProbability(),
		WeightThreshold:      c.WeightThreshold(),
		EnsembleWorkers:      c.EnsembleWorkers(),
		EnsembleSeeds:        c.EnsembleSeeds(),
		LogLevel:             c.LogLevel(),
		EnableProgress:       c.EnableProgress(),
	}
	if err := validate.Struct(opts); err != nil {
		return opts, formatValidationError(err)
	}
	return opts, nil
}

// Builder converts to builder options.
func (o Options) Builder() builder.Options {
	interval := o.ProgressInterval
	if !o.EnableProgress {
		interval = 0
	}
	return builder.Options{
		MaxLevels:            o.MaxLevels,
		ConvergenceTolerance: o.ConvergenceTolerance,
		ProgressInterval:     interval,
	}
}

// Refiner converts to refiner options.
func (o Options) Refiner() mcmc.Options {
	return mcmc.Options{
		InitialTemperature:   o.InitialTemperature,
		CoolingRate:          o.CoolingRate,
		SweepCount:           o.SweepCount,
		MergeSplitPeriod:     o.MergeSplitPeriod,
		MergeSplitAttempts:   o.MergeSplitAttempts,
		SplitRefitSweeps:     o.SplitRefitSweeps,
		NewBlockProbability:  o.NewBlockProbability,
		ConvergenceTolerance: o.ConvergenceTolerance,
		LogProgress:          o.EnableProgress,
	}
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// First failure only, like the request validators.
	e := validationErrs[0]
	switch e.Tag() {
	case "min", "gte":
		return fmt.Errorf("%w: %s must be at least %s", ErrInvalidConfig, e.Field(), e.Param())
	case "gt":
		return fmt.Errorf("%w: %s must be greater than %s", ErrInvalidConfig, e.Field(), e.Param())
	case "lte":
		return fmt.Errorf("%w: %s must not exceed %s", ErrInvalidConfig, e.Field(), e.Param())
	case "oneof":
		return fmt.Errorf("%w: %s must be one of [%s]", ErrInvalidConfig, e.Field(), e.Param())
	default:
		return fmt.Errorf("%w: %s failed %s", ErrInvalidConfig, e.Field(), e.Tag())
	}
}

// CreateLogger creates a zerolog logger based on config
func (c *Config) CreateLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Str("service", "sbm").Logger()
}
