package model

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Logs     LogsConfig     `yaml:"logs"`
	Debug    DebugConfig    `yaml:"debug"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Output   OutputConfig   `yaml:"output"`
	Watch    WatchConfig    `yaml:"watch"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// LogsConfig names the three logs inside a run directory.
type LogsConfig struct {
	Subdir       string `yaml:"subdir"`
	Transactions string `yaml:"transactions" validate:"required"`
	Debug        string `yaml:"debug" validate:"required"`
	TaskGraph    string `yaml:"taskgraph" validate:"required"`
}

type DebugConfig struct {
	// Timezone of the wall-clock dates printed in the debug log.
	Timezone              string  `yaml:"timezone" validate:"required"`
	ClockSkewToleranceSec float64 `yaml:"clock_skew_tolerance_sec" validate:"gte=0"`
}

type AnalysisConfig struct {
	MaxParallelComponents int `yaml:"max_parallel_components" validate:"gte=0"`
	WeightPrecision       int `yaml:"weight_precision" validate:"gte=0,lte=9"`
}

type OutputConfig struct {
	Dir             string `yaml:"dir" validate:"required"`
	MetricsTextfile bool   `yaml:"metrics_textfile"`
	AnomalyJournal  bool   `yaml:"anomaly_journal"`
	JournalMaxBytes int64  `yaml:"journal_max_bytes" validate:"gte=0"`
}

type WatchConfig struct {
	DebounceSec     float64 `yaml:"debounce_sec" validate:"gte=0"`
	ScanIntervalSec int     `yaml:"scan_interval_sec" validate:"gte=0"`
	CacheDir        string  `yaml:"cache_dir"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Logs: LogsConfig{
			Subdir:       "vine-logs",
			Transactions: "transactions",
			Debug:        "debug",
			TaskGraph:    "taskgraph",
		},
		Debug: DebugConfig{
			Timezone:              "America/New_York",
			ClockSkewToleranceSec: 1,
		},
		Analysis: AnalysisConfig{WeightPrecision: 4},
		Output: OutputConfig{
			Dir:             "analysis",
			MetricsTextfile: true,
			AnomalyJournal:  true,
			JournalMaxBytes: 100 * 1024 * 1024,
		},
		Watch: WatchConfig{
			DebounceSec:     2,
			ScanIntervalSec: 30,
		},
	}
}

var configValidate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config on top of DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
