package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Firebase
	FirebaseProjectID string
	FirebaseCredFile  string

	// Database
	DatabaseURL string

	// Portal CRUD layer (identity lookups, offline replay target)
	DirectoryBaseURL string
	PortalBaseURL    string

	// Bridge transport
	NatsURL     string
	BridgeScope string

	// Agent local store
	AgentStorePath     string
	AgentStorePoolSize int

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Stale token sweep
	SweepSchedule         string
	StaleTokenHorizonDays int

	// Delivery tuning. Loaded from the environment with defaults, then
	// optionally overridden by the tuning file. The dedup window and the
	// transient lifetime are tuning choices, not contracts.
	Tuning Tuning `yaml:"tuning"`
}

// Tuning holds the delivery knobs that product may still move.
type Tuning struct {
	DedupWindowSeconds       int `yaml:"dedup_window_seconds"`
	TransientLifetimeSeconds int `yaml:"transient_lifetime_seconds"`
	DispatchBatchSize        int `yaml:"dispatch_batch_size"`
	MinTokenLength           int `yaml:"min_token_length"`
	RelayAckTimeoutMillis    int `yaml:"relay_ack_timeout_millis"`
	SyncRetryDelayMillis     int `yaml:"sync_retry_delay_millis"`
	RegisterRetryAttempts    int `yaml:"register_retry_attempts"`
	RegisterRetryDelayMillis int `yaml:"register_retry_delay_millis"`
	ReplayMaxAttempts        int `yaml:"replay_max_attempts"`
	SubscribeBackoffMillis   int `yaml:"subscribe_backoff_millis"`
	SubscribeBackoffMaxMs    int `yaml:"subscribe_backoff_max_millis"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Firebase
		FirebaseProjectID: getEnvOrDefault("FIREBASE_PROJECT_ID", ""),
		FirebaseCredFile:  getEnvOrDefault("FIREBASE_CRED_FILE", ""),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/campus_push?sslmode=disable"),

		// Portal CRUD layer
		DirectoryBaseURL: getEnvOrDefault("DIRECTORY_BASE_URL", "http://localhost:3000"),
		PortalBaseURL:    getEnvOrDefault("PORTAL_BASE_URL", "http://localhost:3000"),

		// Bridge transport
		NatsURL:     getEnvOrDefault("NATS_URL", ""),
		BridgeScope: getEnvOrDefault("BRIDGE_SCOPE", "portal"),

		// Agent local store
		AgentStorePath:     getEnvOrDefault("AGENT_STORE_PATH", "pushsync.db"),
		AgentStorePoolSize: getEnvAsInt("AGENT_STORE_POOL_SIZE", 4),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		// Stale token sweep
		SweepSchedule:         getEnvOrDefault("SWEEP_SCHEDULE", "0 4 * * *"),
		StaleTokenHorizonDays: getEnvAsInt("STALE_TOKEN_HORIZON_DAYS", 90),

		Tuning: Tuning{
			DedupWindowSeconds:       getEnvAsInt("DEDUP_WINDOW_SECONDS", 5),
			TransientLifetimeSeconds: getEnvAsInt("TRANSIENT_LIFETIME_SECONDS", 10),
			DispatchBatchSize:        getEnvAsInt("DISPATCH_BATCH_SIZE", 500),
			MinTokenLength:           getEnvAsInt("MIN_TOKEN_LENGTH", 20),
			RelayAckTimeoutMillis:    getEnvAsInt("RELAY_ACK_TIMEOUT_MILLIS", 300),
			SyncRetryDelayMillis:     getEnvAsInt("SYNC_RETRY_DELAY_MILLIS", 1500),
			RegisterRetryAttempts:    getEnvAsInt("REGISTER_RETRY_ATTEMPTS", 3),
			RegisterRetryDelayMillis: getEnvAsInt("REGISTER_RETRY_DELAY_MILLIS", 500),
			ReplayMaxAttempts:        getEnvAsInt("REPLAY_MAX_ATTEMPTS", 5),
			SubscribeBackoffMillis:   getEnvAsInt("SUBSCRIBE_BACKOFF_MILLIS", 250),
			SubscribeBackoffMaxMs:    getEnvAsInt("SUBSCRIBE_BACKOFF_MAX_MILLIS", 10000),
		},
	}

	// Load tuning overrides from a configuration file when present.
	// Environment variables seed the defaults; the file wins for the
	// knobs it names.
	tuningFilePath := getEnvOrDefault("TUNING_FILE", "tuning.yaml")
	tuningFile, err := os.Open(tuningFilePath)
	if err != nil {
		return
	}
	defer tuningFile.Close()

	log.Printf("Loading tuning file: %v", tuningFilePath)
	if err := LoadTuningFile(tuningFile, &AppConfig.Tuning); err != nil {
		log.Printf("Failed to load tuning file %v: %v", tuningFilePath, err)
	}
}

// LoadTuningFile parses a YAML tuning file into dst. Zero-valued fields
// in the file keep their current values in dst.
func LoadTuningFile(r io.Reader, dst *Tuning) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}

	var wrapper struct {
		Tuning Tuning `yaml:"tuning"`
	}
	wrapper.Tuning = *dst

	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("failed to parse tuning file: %w", err)
	}

	*dst = wrapper.Tuning
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
