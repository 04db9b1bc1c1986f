package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	AuthRequired   bool
	LogLevel       string
	Redis          RedisConfig
	Postgres       PostgresConfig
	Realtime       RealtimeConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type PostgresConfig struct {
	// URL is empty when message persistence is disabled.
	URL         string
	QueueSize   int
	MaxConns    int32
	SaveTimeout time.Duration
}

// RealtimeConfig holds the tunables of the coordination core.
type RealtimeConfig struct {
	RingTimeout    time.Duration
	TypingTTL      time.Duration
	OutboundBuffer int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		AuthRequired:   getEnvBool("AUTH_REQUIRED", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			URL:         getEnv("DATABASE_URL", ""),
			QueueSize:   getEnvInt("PERSIST_QUEUE", 1024),
			MaxConns:    int32(getEnvInt("DATABASE_MAX_CONNS", 10)),
			SaveTimeout: getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),
		},
		Realtime: RealtimeConfig{
			RingTimeout:    getEnvDuration("RING_TIMEOUT", 30*time.Second),
			TypingTTL:      getEnvDuration("TYPING_TTL", 3*time.Second),
			OutboundBuffer: getEnvInt("OUTBOUND_BUFFER", 256),
		},
	}
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
