package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port          int
	TwilioPort    int    // Port for Twilio server (used when ServerType is "both")
	ServerType    string // "websocket", "twilio", or "both"
	PublicBaseURL string // Used to build absolute TwiML action URLs; falls back to the request host

	RedisURL      string
	RedisPassword string

	MaxCalls       int
	CallTimeout    time.Duration
	AllowedOrigins []string

	TenantDir     string // Directory of <tenant>.yaml files
	DefaultTenant string // Tenant used when a request does not name one

	EventDBDriver  string // "sqlite" or "postgres"
	EventDBDSN     string
	AdvisoryBuffer int // Queue size for asynchronously flushed events

	GeminiAPIKey    string // Optional: tiers 2 and 3 are disabled without it
	GenerativeModel string
	EmbeddingModel  string

	CascadeKillSwitch bool // Global switch that disables automatic replies for every tenant
	CascadeCeiling    time.Duration

	LogLevel string
	LogJSON  bool
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:            8080,
		TwilioPort:      8081,
		ServerType:      "websocket",
		RedisURL:        "localhost:6379",
		MaxCalls:        200,
		CallTimeout:     30 * time.Minute,
		AllowedOrigins:  []string{"*"},
		TenantDir:       "tenants",
		DefaultTenant:   "default",
		EventDBDriver:   "sqlite",
		EventDBDSN:      "data/events.db",
		AdvisoryBuffer:  1024,
		GenerativeModel: "gemini-2.5-flash",
		EmbeddingModel:  "gemini-embedding-001",
		CascadeCeiling:  500 * time.Millisecond,
		LogLevel:        "info",
	}

	// Optional: GEMINI_API_KEY (semantic and generative tiers need it)
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	if err := intEnv("PORT", &config.Port); err != nil {
		return nil, err
	}
	if err := intEnv("TWILIO_PORT", &config.TwilioPort); err != nil {
		return nil, err
	}
	if err := intEnv("MAX_CALLS", &config.MaxCalls); err != nil {
		return nil, err
	}
	if err := intEnv("ADVISORY_EVENT_BUFFER", &config.AdvisoryBuffer); err != nil {
		return nil, err
	}

	stringEnv("PUBLIC_BASE_URL", &config.PublicBaseURL)
	stringEnv("REDIS_URL", &config.RedisURL)
	stringEnv("REDIS_PASSWORD", &config.RedisPassword)
	stringEnv("TENANT_DIR", &config.TenantDir)
	stringEnv("DEFAULT_TENANT", &config.DefaultTenant)
	stringEnv("EVENT_DB_DRIVER", &config.EventDBDriver)
	stringEnv("EVENT_DB_DSN", &config.EventDBDSN)
	stringEnv("GEMINI_MODEL", &config.GenerativeModel)
	stringEnv("GEMINI_EMBEDDING_MODEL", &config.EmbeddingModel)
	stringEnv("LOG_LEVEL", &config.LogLevel)

	// Optional: CALL_TIMEOUT (in minutes)
	if timeout := os.Getenv("CALL_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid CALL_TIMEOUT: %w", err)
		}
		config.CallTimeout = time.Duration(t) * time.Minute
	}

	// Optional: CASCADE_CEILING_MS (in milliseconds)
	if ceiling := os.Getenv("CASCADE_CEILING_MS"); ceiling != "" {
		c, err := strconv.Atoi(ceiling)
		if err != nil {
			return nil, fmt.Errorf("invalid CASCADE_CEILING_MS: %w", err)
		}
		config.CascadeCeiling = time.Duration(c) * time.Millisecond
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	if err := boolEnv("CASCADE_KILL_SWITCH", &config.CascadeKillSwitch); err != nil {
		return nil, err
	}
	if err := boolEnv("LOG_JSON", &config.LogJSON); err != nil {
		return nil, err
	}

	// Optional: SERVER_TYPE ("websocket", "twilio", or "both")
	if serverType := os.Getenv("SERVER_TYPE"); serverType != "" {
		switch serverType {
		case "websocket", "twilio", "both":
			config.ServerType = serverType
		default:
			return nil, fmt.Errorf("invalid SERVER_TYPE: must be 'websocket', 'twilio', or 'both'")
		}
	}

	switch config.EventDBDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("invalid EVENT_DB_DRIVER: must be 'sqlite' or 'postgres'")
	}

	if config.MaxCalls <= 0 {
		return nil, fmt.Errorf("MAX_CALLS must be positive")
	}

	return config, nil
}

func stringEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func boolEnv(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}
