package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Registry  RegistryConfig
	Logging   LoggingConfig
	Access    AccessConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	// MaxTotal caps live connections across all projects. Zero disables the cap.
	MaxTotal int `mapstructure:"maxTotal"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type RegistryConfig struct {
	LockTTL time.Duration `mapstructure:"lockTTL"`
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AccessConfig backs the static access store used by standalone deployments.
// Projects maps a project id to the user ids allowed in; an empty map with
// AllowAll set admits any authenticated user to any project.
type AccessConfig struct {
	AllowAll bool                `mapstructure:"allowAll"`
	Projects map[string][]string `mapstructure:"projects"`
	Names    map[string]string   `mapstructure:"names"` // projectID -> display name
	Users    map[string]string   `mapstructure:"users"` // userID -> display name
}
