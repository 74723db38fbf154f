// Package config loads tool configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"

	"github.com/isometry/ldap-bulkops/internal/engine"
	"github.com/isometry/ldap-bulkops/internal/ldap"
)

// Config is the full tool configuration.
type Config struct {
	Servers  []ServerConfig `mapstructure:"servers"`
	Run      RunConfig      `mapstructure:"run"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Activity ActivityConfig `mapstructure:"activity"`
}

// ServerConfig names one target directory server.
type ServerConfig struct {
	Name        string `mapstructure:"name"`
	ldap.Config `mapstructure:",squash"`
}

// RunConfig is the per-run configuration surface.
type RunConfig struct {
	// Mode is "execute" or "generate".
	Mode string `mapstructure:"mode" default:"execute"`

	ContinueOnError  bool `mapstructure:"continue_on_error"`
	PermissiveModify bool `mapstructure:"permissive_modify"`
	NoOperation      bool `mapstructure:"no_operation"`

	// UserBaseDN overrides the subtree member lookups search under.
	// Blank falls back to the server's base DN.
	UserBaseDN string `mapstructure:"user_base_dn"`

	Source SourceConfig `mapstructure:"source"`
}

// SourceConfig selects and parameterizes the entry source.
type SourceConfig struct {
	// Kind is "range", "csv" or "search".
	Kind string `mapstructure:"kind" default:"range"`

	RangeStart int `mapstructure:"range_start" default:"1"`
	RangeEnd   int `mapstructure:"range_end" default:"1"`

	CSVPath       string `mapstructure:"csv_path"`
	CSVSkipHeader bool   `mapstructure:"csv_skip_header"`
	CSVTrimQuotes bool   `mapstructure:"csv_trim_quotes"`
	CSVComma      string `mapstructure:"csv_comma" default:","`

	SearchBase       string   `mapstructure:"search_base"`
	SearchFilter     string   `mapstructure:"search_filter"`
	SearchAttributes []string `mapstructure:"search_attributes"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" default:"info"`
	Format string `mapstructure:"format" default:"console"` // console or json
}

// ActivityConfig locates the append-only activity log.
type ActivityConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from the given file, or from the default
// search path when path is empty, with LDAPBULK_* environment overrides.
// Absent files are fine; defaults still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LDAPBULK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ldapbulk")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/ldapbulk")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.URL == "" {
			return fmt.Errorf("server %d: url is required", i+1)
		}
		if s.Name == "" {
			s.Name = s.URL
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}

	if _, err := engine.ParseRunMode(c.Run.Mode); err != nil {
		return err
	}
	return c.Run.Source.validate()
}

func (s *SourceConfig) validate() error {
	switch s.Kind {
	case "range", "csv", "search":
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if len(s.CSVComma) > 1 {
		return fmt.Errorf("csv_comma must be a single character, got %q", s.CSVComma)
	}
	return nil
}

// Options converts the run configuration to executor options.
func (r *RunConfig) Options() (engine.RunOptions, error) {
	mode, err := engine.ParseRunMode(r.Mode)
	if err != nil {
		return engine.RunOptions{}, err
	}
	return engine.RunOptions{
		Mode:             mode,
		ContinueOnError:  r.ContinueOnError,
		PermissiveModify: r.PermissiveModify,
		NoOperation:      r.NoOperation,
	}, nil
}

// CSVConfig converts the CSV parameters to source configuration.
func (s *SourceConfig) CSVConfig() engine.CSVSourceConfig {
	cfg := engine.CSVSourceConfig{
		SkipHeader: s.CSVSkipHeader,
		TrimQuotes: s.CSVTrimQuotes,
	}
	if s.CSVComma != "" {
		cfg.Comma = rune(s.CSVComma[0])
	}
	return cfg
}
