// Package config loads docker-sync settings from defaults, an optional YAML file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/logging"
	"github.com/toxic13/docker-utils/internal/pool"
	"github.com/toxic13/docker-utils/internal/session"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. DOCKER_SYNC_ENGINE.
	EnvPrefix = "DOCKER_SYNC"

	// FileName is the config file looked up in the XDG config directories.
	FileName = "docker-sync/config.yaml"
)

// Keys shared by the config file, environment and flags.
const (
	KeyEngine         = "engine"
	KeySSHProgram     = "ssh_program"
	KeyRemoteSocket   = "remote_socket"
	KeyDisplayProgram = "display_program"
	KeyTeeProgram     = "tee_program"
	KeyProgress       = "progress"
	KeyWorkers        = "workers"
	KeyPollInterval   = "poll_interval"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
)

// Config holds the settings of a run.
type Config struct {
	Engine         string        `mapstructure:"engine"`
	SSHProgram     string        `mapstructure:"ssh_program"`
	RemoteSocket   string        `mapstructure:"remote_socket"`
	DisplayProgram string        `mapstructure:"display_program"`
	TeeProgram     string        `mapstructure:"tee_program"`
	Progress       bool          `mapstructure:"progress"`
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEngine, session.DefaultEngine)
	v.SetDefault(KeySSHProgram, session.DefaultSSHProgram)
	v.SetDefault(KeyRemoteSocket, session.DefaultRemoteSocket)
	v.SetDefault(KeyDisplayProgram, "pv")
	v.SetDefault(KeyTeeProgram, session.DefaultTeeProgram)
	v.SetDefault(KeyProgress, true)
	v.SetDefault(KeyWorkers, pool.DefaultSize)
	v.SetDefault(KeyPollInterval, session.DefaultPollInterval)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, logging.FormatText)
}

// Load reads the configuration into a validated Config.
//
// path names an explicit config file, which must exist. Without it the first
// docker-sync/config.yaml found in the XDG config directories is used, if any.
// Flags bound on v before calling Load take precedence over everything else.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if found, err := xdg.SearchConfigFile(FileName); err == nil {
			path = found
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, syncerr.New(syncerr.CodeInvalidConfig, "load config", fmt.Errorf("read %s: %w", path, err))
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidConfig, "load config", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine == "" {
		errs = append(errs, errors.New("engine must not be empty"))
	}
	if c.TeeProgram == "" {
		errs = append(errs, errors.New("tee_program must not be empty"))
	}
	if c.Progress && c.DisplayProgram == "" {
		errs = append(errs, errors.New("display_program must be set when progress is enabled"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != logging.FormatText && c.LogFormat != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log_format must be %q or %q, got %q", logging.FormatText, logging.FormatJSON, c.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return syncerr.New(syncerr.CodeInvalidConfig, "validate config", err)
	}
	return nil
}

// SessionOptions returns the session settings carried by c.
func (c *Config) SessionOptions(logger *slog.Logger) []session.Option {
	return []session.Option{
		session.WithEngine(c.Engine),
		session.WithSSHProgram(c.SSHProgram),
		session.WithRemoteSocket(c.RemoteSocket),
		session.WithPollInterval(c.PollInterval),
		session.WithTeeProgram(c.TeeProgram),
		session.WithWorkers(c.Workers),
		session.WithLogger(logger),
	}
}
