package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// ErrMissingSecret is returned by Validate when production mode runs without JWT_SECRET.
var ErrMissingSecret = errors.New("JWT_SECRET is required in production mode")

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	JWT       JWTConfig
	Room      RoomConfig
	Liveness  LivenessConfig
	RateLimit RateLimitConfig
	Relay     RelayConfig
	Redis     RedisConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string
	Mode            string // development or production
	FrontendOrigin  string // allowed Origin for the signaling channel in production
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout time.Duration
	LogLevel        string
}

// JWTConfig holds room token signing settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// RoomConfig holds per-room caps and retention.
type RoomConfig struct {
	MaxParticipants int
	MaxMsgLen       int
	HistoryCap      int
	InactiveTTL     time.Duration
	ReactionTTL     time.Duration
	CleanupInterval time.Duration
}

// LivenessConfig holds the probe cadence for connection health checks.
type LivenessConfig struct {
	ProbeInterval time.Duration
}

// RateLimitConfig holds the fallback bucket used for actions without a default.
type RateLimitConfig struct {
	Window       time.Duration
	DefaultLimit int
}

// RelayServer is one configured media relay with its shared secret.
type RelayServer struct {
	URLs   []string // comma-separated in env
	Secret string
}

// RelayConfig holds relay endpoints and the optional external provider.
type RelayConfig struct {
	Servers         []RelayServer
	TTL             time.Duration
	ProviderID      string
	ProviderToken   string
	ProviderURL     string
	ProviderTimeout time.Duration
}

// RedisConfig holds Redis connection settings. Empty Addr disables the event publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// IsProduction reports whether the server runs with production policies.
func (c ServerConfig) IsProduction() bool {
	return c.Mode == ModeProduction
}

// ProviderEnabled reports whether external relay provider credentials are configured.
func (c RelayConfig) ProviderEnabled() bool {
	return c.ProviderID != "" && c.ProviderToken != ""
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "5001"),
			Mode:            strings.ToLower(getEnv("MODE", ModeDevelopment)),
			FrontendOrigin:  getEnv("FRONTEND_ORIGIN", "http://localhost:5173"),
			ReadTimeout:     getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:    getEnvInt("WRITE_TIMEOUT_SEC", 30),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			LogLevel:        getEnv("LOG_LEVEL", ""),
		},
		JWT: JWTConfig{
			Secret:      os.Getenv("JWT_SECRET"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Room: RoomConfig{
			MaxParticipants: getEnvInt("MAX_PARTICIPANTS", 100),
			MaxMsgLen:       getEnvInt("MAX_MSG_LEN", 1000),
			HistoryCap:      getEnvInt("HISTORY_CAP", 100),
			InactiveTTL:     getEnvDuration("INACTIVE_ROOM_TTL", time.Hour),
			ReactionTTL:     getEnvDuration("REACTION_TTL", 10*time.Second),
			CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		},
		Liveness: LivenessConfig{
			ProbeInterval: getEnvDuration("PROBE_INTERVAL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:       getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			DefaultLimit: getEnvInt("DEFAULT_LIMIT", 10),
		},
		Relay: RelayConfig{
			TTL:             getEnvDuration("RELAY_TTL", 24*time.Hour),
			ProviderID:      getEnv("RELAY_PROVIDER_ID", ""),
			ProviderToken:   getEnv("RELAY_PROVIDER_TOKEN", ""),
			ProviderURL:     getEnv("RELAY_PROVIDER_URL", "https://api.twilio.com/2010-04-01"),
			ProviderTimeout: getEnvDuration("RELAY_PROVIDER_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}
	for _, suffix := range []string{"", "_2"} {
		urls := splitTrim(os.Getenv("RELAY_URL"+suffix), ",")
		secret := os.Getenv("RELAY_SECRET" + suffix)
		if len(urls) == 0 && secret == "" {
			continue
		}
		cfg.Relay.Servers = append(cfg.Relay.Servers, RelayServer{URLs: urls, Secret: secret})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that must hold before the server binds its port.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("MODE must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Server.Mode)
	}
	if c.Server.IsProduction() && c.JWT.Secret == "" {
		return ErrMissingSecret
	}
	if c.Room.MaxParticipants <= 0 {
		return fmt.Errorf("MAX_PARTICIPANTS must be > 0")
	}
	if c.Room.MaxMsgLen <= 0 || c.Room.HistoryCap <= 0 {
		return fmt.Errorf("MAX_MSG_LEN and HISTORY_CAP must be > 0")
	}
	if c.Liveness.ProbeInterval <= 0 || c.Room.CleanupInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL and CLEANUP_INTERVAL must be > 0")
	}
	for i, s := range c.Relay.Servers {
		if len(s.URLs) == 0 || s.Secret == "" {
			return fmt.Errorf("relay server %d: RELAY_URL and RELAY_SECRET must be set together", i+1)
		}
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration syntax ("90s", "1h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
