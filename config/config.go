package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string      `yaml:"port"`
	Environment    string      `yaml:"environment"`
	AllowedOrigins []string    `yaml:"allowedOrigins"`
	TrustedProxies []string    `yaml:"trustedProxies"`
	JWTSecret      string      `yaml:"jwtSecret"`
	LogLevel       string      `yaml:"logLevel"`
	GatewayURL     string      `yaml:"gatewayUrl"`
	Redis          RedisConfig `yaml:"redis"`
	Call           CallConfig  `yaml:"call"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CallConfig tunes room lifetime and the peer connection.
type CallConfig struct {
	RoomTTL            time.Duration `yaml:"roomTTL"`
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`
	ICEServers         []string      `yaml:"iceServers"`
	JoinRatePerMinute  int           `yaml:"joinRatePerMinute"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		LogLevel:       "info",
		GatewayURL:     "http://localhost:8080",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Call: CallConfig{
			RoomTTL:            24 * time.Hour,
			NegotiationTimeout: 45 * time.Second,
			ICEServers:         []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
			JoinRatePerMinute:  20,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration on top of the defaults. Environment
// variables are not consulted.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.GatewayURL = getEnv("GATEWAY_URL", c.GatewayURL)

	// Parse allowed origins (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		c.TrustedProxies = splitList(proxies)
	}

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}

	var err error
	if c.Call.RoomTTL, err = getDuration("ROOM_TTL", c.Call.RoomTTL); err != nil {
		return err
	}
	if c.Call.NegotiationTimeout, err = getDuration("NEGOTIATION_TIMEOUT", c.Call.NegotiationTimeout); err != nil {
		return err
	}
	if servers := os.Getenv("ICE_SERVERS"); servers != "" {
		c.Call.ICEServers = splitList(servers)
	}
	if v := os.Getenv("JOIN_RATE_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOIN_RATE_PER_MINUTE: %w", err)
		}
		c.Call.JoinRatePerMinute = n
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
