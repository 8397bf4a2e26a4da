package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/a-essam23/livepoll/pkg/logging"
	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "LIVEPOLL"
	DefaultFileName = "livepoll"
)

// Load reads configuration from defaults, an optional yaml file and LIVEPOLL_*
// environment variables, in increasing order of precedence. An empty path
// looks for livepoll.yaml in the working directory and tolerates its absence.
func Load(logger *slog.Logger, path string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Warn("Config file not found. relying on defaults and env vars")
	} else {
		logger.Info("Loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":5000")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.auth.anonymousPermissions", []string{"participate"})
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("server.connectionLimit.mode", LimitModeReject)

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)

	v.SetDefault("session.kickGracePeriod", "100ms")
	v.SetDefault("session.inboxSize", 128)

	v.SetDefault("poll.validateOptionIndex", false)
	v.SetDefault("poll.singleVotePerParticipant", false)

	v.SetDefault("router.rateLimits", map[string]string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks the settings that cannot be expressed as defaults.
func (c *Config) Validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case LimitModeReject, LimitModeCycle:
	default:
		return fmt.Errorf("server.connectionLimit.mode must be %q or %q, got %q", LimitModeReject, LimitModeCycle, c.Server.ConnectionLimit.Mode)
	}
	if c.Server.ConnectionLimit.MaxPerIP < 0 {
		return fmt.Errorf("server.connectionLimit.maxPerIP must not be negative")
	}
	if _, err := state.CompilePermissions(c.Server.Auth.AnonymousPermissions); err != nil {
		return fmt.Errorf("server.auth.anonymousPermissions: %w", err)
	}
	if c.Session.KickGracePeriod < 0 {
		return fmt.Errorf("session.kickGracePeriod must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
