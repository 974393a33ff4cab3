package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ASMINSPECT_WORKERS.
const EnvPrefix = "ASMINSPECT"

// Config holds the application configuration
type Config struct {
	// Output settings
	ShowTypeMaps bool   `mapstructure:"typemaps"`
	ShowStores   bool   `mapstructure:"stores"`
	Extract      bool   `mapstructure:"extract"`
	OutputDir    string `mapstructure:"output"`
	ABI          string `mapstructure:"abi"`
	Report       string `mapstructure:"report"` // JSON report file, empty disables it

	// Concurrency settings
	Workers int `mapstructure:"workers"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig holds the logging settings
type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	NoColor bool   `mapstructure:"no_color"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"typemaps": "typemaps",
	"stores":   "stores",
	"extract":  "extract",
	"output":   "output",
	"abi":      "abi",
	"report":   "report",
	"workers":  "workers",
	"log-file": "log.file",
	"no-color": "log.no_color",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("typemaps", false)
	v.SetDefault("stores", false)
	v.SetDefault("extract", false)
	v.SetDefault("output", "./extracted")
	v.SetDefault("abi", "")
	v.SetDefault("report", "")
	v.SetDefault("workers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.no_color", false)
}

// Load reads the optional YAML file at path, then environment overrides,
// then any flags in fs that were set explicitly.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be used as given
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Extract && c.OutputDir == "" {
		return errors.New("extract needs an output directory")
	}
	if c.ABI != "" && c.ABI != assembly.ABIAny {
		canonical := assembly.NormalizeABI(c.ABI)
		if canonical == "" {
			return fmt.Errorf("unknown ABI %q (known: %s)", c.ABI, strings.Join(assembly.KnownABIs, ", "))
		}
		c.ABI = canonical
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}
