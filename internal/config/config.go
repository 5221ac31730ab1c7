package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// App database (agent sessions)
	AppDSN string

	// VICIdial database shared with the dialer daemons
	VicidialDSN string

	// Asterisk Manager Interface
	AMIHost          string
	AMIPort          string
	AMIUser          string
	AMISecret        string
	AMIReconnectWait time.Duration

	// Command transport: "db" queues commands through vicidial_manager,
	// "api" posts them to the VICIdial agent API endpoint.
	CommandTransport string
	AgentAPIURL      string

	// Auth
	JWTSecret  string
	OIDCIssuer string

	// Dialing defaults
	DefaultPhoneCode string

	// WebSocket timings
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:             getEnv("PORT", "8080"),
		AllowedOrigins:   strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AppDSN:           getEnv("APP_DSN", "vicagent:vicagent@tcp(127.0.0.1:3306)/vic_agent_ui?parseTime=true"),
		VicidialDSN:      getEnv("VICIDIAL_DSN", "cron:1234@tcp(127.0.0.1:3306)/asterisk?parseTime=true"),
		AMIHost:          getEnv("AMI_HOST", "127.0.0.1"),
		AMIPort:          getEnv("AMI_PORT", "5038"),
		AMIUser:          getEnv("AMI_USER", ""),
		AMISecret:        getEnv("AMI_SECRET", ""),
		CommandTransport: getEnv("COMMAND_TRANSPORT", "db"),
		AgentAPIURL:      getEnv("AGENT_API_URL", "http://127.0.0.1/agc/api.php"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		DefaultPhoneCode: getEnv("DEFAULT_PHONE_CODE", "1"),
	}

	if config.CommandTransport != "db" && config.CommandTransport != "api" {
		return nil, fmt.Errorf("invalid COMMAND_TRANSPORT %q: must be \"db\" or \"api\"", config.CommandTransport)
	}

	reconnectWait, err := strconv.Atoi(getEnv("AMI_RECONNECT_WAIT", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid AMI_RECONNECT_WAIT: %w", err)
	}
	config.AMIReconnectWait = time.Duration(reconnectWait) * time.Second

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.PongWait = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WriteWait = time.Duration(wsWriteTimeout) * time.Second

	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.MaxMessageSize = 512

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// AMIAddr returns the host:port address of the Asterisk manager interface.
func (c *Config) AMIAddr() string {
	return c.AMIHost + ":" + c.AMIPort
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
