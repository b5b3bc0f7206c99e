package client

import (
	"os"
	"strconv"
	"time"
)

// Defaults mirror the tuning the relay operators expect from clients.
const (
	DefaultServerURL = "wss://metroserver.meowery.eu/ws"

	defaultPingInterval      = 25 * time.Second
	defaultInitialBackoff    = 1 * time.Second
	defaultMaxBackoff        = 2 * time.Minute
	defaultMaxReconnects     = 15
	defaultLogCapacity       = 500
	defaultSessionMaxAge     = 10 * time.Minute
	defaultSendQueueCapacity = 32
	defaultEventBuffer       = 64
)

// Config carries engine tunables. Zero fields fall back to defaults.
type Config struct {
	ServerURL string
	Username  string
	DataDir   string

	PingInterval      time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxReconnects     int
	LogCapacity       int
	SessionMaxAge     time.Duration
	SendQueueCapacity int
}

// ConfigFromEnv reads LT_* environment variables. godotenv/autoload in the
// cmd package makes a local .env file show up here.
func ConfigFromEnv() Config {
	cfg := Config{
		ServerURL: os.Getenv("LT_SERVER_URL"),
		Username:  os.Getenv("LT_USERNAME"),
		DataDir:   os.Getenv("LT_DATA_DIR"),
	}
	if v, err := strconv.Atoi(os.Getenv("LT_MAX_RECONNECTS")); err == nil && v > 0 {
		cfg.MaxReconnects = v
	}
	if v, err := time.ParseDuration(os.Getenv("LT_SESSION_MAX_AGE")); err == nil && v > 0 {
		cfg.SessionMaxAge = v
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = home + "/.listentogether"
		} else {
			c.DataDir = ".listentogether"
		}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = defaultLogCapacity
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = defaultSessionMaxAge
	}
	if c.SendQueueCapacity <= 0 {
		c.SendQueueCapacity = defaultSendQueueCapacity
	}
	return c
}
