// Package config loads the TOML configuration of the gojamain command.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	maininstance "github.com/joeycumines/goja-maininstance"
	"github.com/joeycumines/logiface"
)

// Config is the gojamain configuration, see [Load]. The zero value is not
// valid, start from [Default].
type Config struct {
	Log      LogConfig      `toml:"log"`
	Engine   EngineConfig   `toml:"engine"`
	Platform PlatformConfig `toml:"platform"`
	Snapshot SnapshotConfig `toml:"snapshot"`
}

// LogConfig configures logging, and the rate limiting of script warnings.
type LogConfig struct {
	// Level is a syslog-style level name, e.g. "info" or "debug".
	Level string `toml:"level"`
	// WarningsPerSecond and WarningsPerMinute rate limit the logging of
	// repeated script warnings and unhandled rejections, per category.
	WarningsPerSecond int `toml:"warnings_per_second"`
	WarningsPerMinute int `toml:"warnings_per_minute"`
}

// EngineConfig configures the isolate. Zero sizes select the engine's
// defaults.
type EngineConfig struct {
	MaxYoungGenerationSize uint64 `toml:"max_young_generation_size"`
	MaxOldGenerationSize   uint64 `toml:"max_old_generation_size"`
	MaxCallStackSize       int    `toml:"max_call_stack_size"`
	TrackHeapObjects       bool   `toml:"track_heap_objects"`
	// ExecArgs are extra engine-level arguments, e.g.
	// "--stack-size=500".
	ExecArgs []string `toml:"exec_args"`
}

// PlatformConfig configures the shared background task platform.
type PlatformConfig struct {
	// Workers bounds background task concurrency, zero meaning GOMAXPROCS.
	Workers int `toml:"workers"`
}

// SnapshotConfig configures startup from a snapshot.
type SnapshotConfig struct {
	// Blob is the path of a snapshot blob to start from.
	Blob string `toml:"blob"`
}

var levels = map[string]logiface.Level{
	`disabled`: logiface.LevelDisabled,
	`emerg`:    logiface.LevelEmergency,
	`alert`:    logiface.LevelAlert,
	`crit`:     logiface.LevelCritical,
	`err`:      logiface.LevelError,
	`error`:    logiface.LevelError,
	`warning`:  logiface.LevelWarning,
	`warn`:     logiface.LevelWarning,
	`notice`:   logiface.LevelNotice,
	`info`:     logiface.LevelInformational,
	`debug`:    logiface.LevelDebug,
	`trace`:    logiface.LevelTrace,
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:             `warning`,
			WarningsPerSecond: 10,
			WarningsPerMinute: 100,
		},
	}
}

// Load reads the file at path over the defaults, then validates the result.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	md, err := toml.Decode(string(data), out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config parse failed (%s): unknown keys: %s", path, strings.Join(keys, `, `))
	}
	return nil
}

// Validate returns an error describing the first invalid setting, if any.
func (x Config) Validate() error {
	if _, err := ParseLevel(x.Log.Level); err != nil {
		return err
	}
	if x.Log.WarningsPerSecond <= 0 || x.Log.WarningsPerMinute <= 0 {
		return fmt.Errorf("log warning rates must be positive")
	}
	if x.Log.WarningsPerSecond > x.Log.WarningsPerMinute {
		return fmt.Errorf("log warnings_per_second must not exceed warnings_per_minute")
	}
	if x.Engine.MaxCallStackSize < 0 {
		return fmt.Errorf("engine max_call_stack_size must not be negative")
	}
	if x.Platform.Workers < 0 {
		return fmt.Errorf("platform workers must not be negative")
	}
	return nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (logiface.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level: %q", s)
}

// LoggerLevel returns the parsed log level, see [ParseLevel].
func (x Config) LoggerLevel() (logiface.Level, error) {
	return ParseLevel(x.Log.Level)
}

// WarningRates returns the rate limits for repeated warnings, in the format
// expected by catrate.
func (x Config) WarningRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: x.Log.WarningsPerSecond,
		time.Minute: x.Log.WarningsPerMinute,
	}
}

// Constraints returns the isolate resource constraints.
func (x Config) Constraints() maininstance.ResourceConstraints {
	return maininstance.ResourceConstraints{
		MaxYoungGenerationSizeInBytes: x.Engine.MaxYoungGenerationSize,
		MaxOldGenerationSizeInBytes:   x.Engine.MaxOldGenerationSize,
		MaxCallStackSize:              x.Engine.MaxCallStackSize,
	}
}
