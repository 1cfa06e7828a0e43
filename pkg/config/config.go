package config

import (
	"fmt"
	"time"

	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Cassandra    CassandraConfig
	JWT          JWTConfig
	Consult      ConsultConfig
	Presence     PresenceConfig
	Signaling    SignalingConfig
	Notification NotificationConfig
	Log          LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// ConsultConfig holds consultation session policy
type ConsultConfig struct {
	RingingTimeout     time.Duration
	MaxSessionDuration time.Duration
}

// PresenceConfig holds presence tracker policy
type PresenceConfig struct {
	LivenessWindow time.Duration
	SweepInterval  time.Duration
}

// SignalingConfig holds relay policy
type SignalingConfig struct {
	ReorderBufferSize int
}

// NotificationConfig holds dispatcher policy
type NotificationConfig struct {
	RetentionWindow time.Duration
	PushProvider    string // firebase, mock
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8084),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "consult-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "carelink"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:    env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "carelink"),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Consult: ConsultConfig{
			RingingTimeout:     env.GetDuration("CONSULT_RINGING_TIMEOUT", constants.RingingTimeout),
			MaxSessionDuration: env.GetDuration("CONSULT_MAX_DURATION", constants.MaxSessionDuration),
		},
		Presence: PresenceConfig{
			LivenessWindow: env.GetDuration("PRESENCE_LIVENESS_WINDOW", constants.PresenceLivenessWindow),
			SweepInterval:  env.GetDuration("PRESENCE_SWEEP_INTERVAL", constants.PresenceSweepInterval),
		},
		Signaling: SignalingConfig{
			ReorderBufferSize: env.GetInt("SIGNAL_REORDER_BUFFER", constants.SignalReorderBufferSize),
		},
		Notification: NotificationConfig{
			RetentionWindow: env.GetDuration("EVENT_RETENTION_WINDOW", constants.EventRetentionWindow),
			PushProvider:    env.GetString("PUSH_PROVIDER", "mock"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Notification.PushProvider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}

	if c.Consult.RingingTimeout <= 0 {
		return fmt.Errorf("CONSULT_RINGING_TIMEOUT must be positive")
	}
	if c.Consult.MaxSessionDuration <= 0 {
		return fmt.Errorf("CONSULT_MAX_DURATION must be positive")
	}
	if c.Presence.LivenessWindow <= 0 {
		return fmt.Errorf("PRESENCE_LIVENESS_WINDOW must be positive")
	}
	if c.Signaling.ReorderBufferSize <= 0 {
		return fmt.Errorf("SIGNAL_REORDER_BUFFER must be positive")
	}

	return nil
}
