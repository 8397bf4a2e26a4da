package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Poll      PollConfig
	Router    RouterConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	Auth            AuthConfig            `mapstructure:"auth"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// JWTSecret enables token auth when set. Empty means every connection may present.
	JWTSecret string `mapstructure:"jwtSecret"`
	// AnonymousPermissions are granted to tokenless connections while auth is enabled.
	AnonymousPermissions []string `mapstructure:"anonymousPermissions"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type SessionConfig struct {
	KickGracePeriod time.Duration `mapstructure:"kickGracePeriod"`
	InboxSize       int           `mapstructure:"inboxSize"`
}

type PollConfig struct {
	ValidateOptionIndex      bool `mapstructure:"validateOptionIndex"`
	SingleVotePerParticipant bool `mapstructure:"singleVotePerParticipant"`
}

type RouterConfig struct {
	// RateLimits maps an event name to a "N/unit" limit, e.g. chatMessage: "5/s".
	RateLimits map[string]string `mapstructure:"rateLimits"`
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)
