package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Engine
	EngineID     string
	TimeZone     string
	StateBackend string // memory, file, supabase
	StateFile    string

	// Trading ledger
	LedgerURL    string
	LedgerToken  string
	SourcesFile  string
	PollInterval time.Duration // 0 disables the poller

	// Results board; uploads need both an API key and SendMeasurements
	OnbalansmarktURL    string
	OnbalansmarktAPIKey string
	SendMeasurements    bool

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	ArchiveSummaries   bool

	// MQTT ingest, disabled when MQTTBrokerURL is empty
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTQoS         int

	// Kafka summaries, disabled when KafkaBrokers is empty
	KafkaBrokers []string
	KafkaTopic   string

	// Operator auth
	JWTSecret            string
	JWTAccessTTL         time.Duration
	OperatorPasswordHash string

	// HTTP
	CORSOrigins []string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		EngineID:     getEnv("ENGINE_ID", "default"),
		TimeZone:     getEnv("TIME_ZONE", "Europe/Amsterdam"),
		StateBackend: getEnv("STATE_BACKEND", "file"),
		StateFile:    getEnv("STATE_FILE", "data/engine-state.json"),

		LedgerURL:    getEnv("LEDGER_URL", "https://graphql.frankenergie.nl/"),
		LedgerToken:  getEnv("LEDGER_TOKEN", ""),
		SourcesFile:  getEnv("SOURCES_FILE", ""),
		PollInterval: getEnvDuration("POLL_INTERVAL", 5*time.Minute),

		OnbalansmarktURL:    getEnv("ONBALANSMARKT_URL", "https://onbalansmarkt.com"),
		OnbalansmarktAPIKey: getEnv("ONBALANSMARKT_API_KEY", ""),
		SendMeasurements:    getEnvBool("SEND_MEASUREMENTS", false),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 200*time.Millisecond),
		MaxBackoff:     getEnvDuration("MAX_BACKOFF", 5*time.Second),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		ArchiveSummaries:   getEnvBool("ARCHIVE_SUMMARIES", false),

		MQTTBrokerURL:   getEnv("MQTT_BROKER_URL", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "battery-aggregator"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "batteries"),
		MQTTQoS:         getEnvInt("MQTT_QOS", 1),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "battery.daily-summaries"),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		JWTAccessTTL:         getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),

		CORSOrigins: getEnvList("CORS_ORIGINS"),
	}
}

// UseSupabase reports whether the engine state lives in Supabase.
func (c *Config) UseSupabase() bool {
	return c.StateBackend == "supabase" && c.SupabaseURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
