package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	// JWTSecret guards operator endpoints. Empty disables them.
	JWTSecret string
	Presence  string
	Redis     RedisConfig
	Log       LogConfig
	WebSocket WebSocketConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type LogConfig struct {
	Level      string
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
}

// WebSocketConfig bounds a single signaling connection.
type WebSocketConfig struct {
	MaxMessageBytes   int64
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
	PongWait          time.Duration
	PingInterval      time.Duration
	WriteWait         time.Duration
}

const (
	PresenceRedis = "redis"
	PresenceNone  = "none"
)

// Load reads the relay configuration. A .env file, when present, fills in
// variables that are not already set in the environment.
func Load() *Config {
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	pongWait := getDuration("WS_PONG_WAIT", 60*time.Second)

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		Presence:       getEnv("PRESENCE_BACKEND", PresenceRedis),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Filename:   getEnv("LOG_FILENAME", ""),
			MaxSize:    getInt("LOG_MAX_SIZE", 100),
			MaxAge:     getInt("LOG_MAX_AGE", 30),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
		},
		WebSocket: WebSocketConfig{
			MaxMessageBytes:   int64(getInt("WS_MAX_MESSAGE_BYTES", 64*1024)),
			MessagesPerSecond: getFloat("WS_MESSAGES_PER_SECOND", 50),
			Burst:             getInt("WS_BURST", 100),
			SendBuffer:        getInt("WS_SEND_BUFFER", 256),
			PongWait:          pongWait,
			PingInterval:      getDuration("WS_PING_INTERVAL", pongWait*9/10),
			WriteWait:         getDuration("WS_WRITE_WAIT", 10*time.Second),
		},
	}
}

// IsProduction reports whether the relay runs with release settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := cast.ToIntE(os.Getenv(key))
	if err != nil || os.Getenv(key) == "" {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := cast.ToFloat64E(os.Getenv(key))
	if err != nil || os.Getenv(key) == "" {
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool) bool {
	v, err := cast.ToBoolE(os.Getenv(key))
	if err != nil || os.Getenv(key) == "" {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := cast.ToDurationE(os.Getenv(key))
	if err != nil || os.Getenv(key) == "" {
		return defaultValue
	}
	return v
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
