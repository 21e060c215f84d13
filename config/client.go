package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig configures a headless call participant.
type ClientConfig struct {
	SignalURL  string
	Email      string
	Room       string
	ICEServers []string
	AutoCall   bool
	AutoAccept bool
	Log        LogConfig
	Redial     RedialConfig
}

type RedialConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultICEServers are public STUN servers used when ICE_SERVERS is unset.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// LoadClient reads the participant configuration. CALL_EMAIL is required.
// Without CALL_ROOM the participant asks the relay for a partner instead.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		SignalURL:  getEnv("SIGNAL_URL", "ws://localhost:8080/ws/signal"),
		Email:      getEnv("CALL_EMAIL", ""),
		Room:       getEnv("CALL_ROOM", ""),
		ICEServers: DefaultICEServers,
		AutoCall:   getBool("AUTO_CALL", false),
		AutoAccept: getBool("AUTO_ACCEPT", true),
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Filename: getEnv("LOG_FILENAME", ""),
		},
		Redial: RedialConfig{
			InitialInterval: getDuration("REDIAL_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     getDuration("REDIAL_MAX_INTERVAL", 15*time.Second),
		},
	}
	if servers := splitList(getEnv("ICE_SERVERS", "")); len(servers) > 0 {
		cfg.ICEServers = servers
	}

	if cfg.Email == "" {
		return nil, fmt.Errorf("CALL_EMAIL environment variable is required")
	}
	return cfg, nil
}
