package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Protocol ProtocolConfig `yaml:"protocol"`
}

// ServerConfig represents the device TCP server configuration
type ServerConfig struct {
	Name          string        `yaml:"name"`
	Bind          string        `yaml:"bind"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	// ServerID identifies this broker instance in cluster routing emissions.
	ServerID string `yaml:"server_id"`
	// ServerKeyFile is a PEM fallback used when no key row exists in storage.
	ServerKeyFile string `yaml:"server_key_file"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProtocolConfig represents device protocol knobs
type ProtocolConfig struct {
	ListenerTimeout time.Duration `yaml:"listener_timeout"`
	ChunkSize       int           `yaml:"chunk_size"`
	MaxBinarySize   int           `yaml:"max_binary_size"`
	FlashRetryLimit int           `yaml:"flash_retry_limit"`
}

// Load reads, parses, and defaults a configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if bind := os.Getenv("DEVICE_SERVER_BIND"); bind != "" {
		c.Server.Bind = bind
	}
}

// setDefaults fills the values the protocol depends on.
func (c *Config) setDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = ":5683"
	}
	if c.Server.KeepAlive == 0 {
		c.Server.KeepAlive = 15 * time.Second
	}
	if c.Server.SocketTimeout == 0 {
		c.Server.SocketTimeout = 90 * time.Second
	}
	if c.Server.ServerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "device-server"
		}
		c.Server.ServerID = host
	}
	if c.Protocol.ListenerTimeout == 0 {
		c.Protocol.ListenerTimeout = 15 * time.Second
	}
	if c.Protocol.ChunkSize == 0 {
		c.Protocol.ChunkSize = 512
	}
	if c.Protocol.MaxBinarySize == 0 {
		c.Protocol.MaxBinarySize = 128 * 1024
	}
	if c.Protocol.FlashRetryLimit == 0 {
		c.Protocol.FlashRetryLimit = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
