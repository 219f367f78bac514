package config

import (
	"os"
	"strconv"
	"strings"
)

// DefaultLiteDSN is the SQLite database used when DATABASE_URL is unset.
const DefaultLiteDSN = "data/karma.db"

// Config holds server configuration. LiteMode is set when DATABASE_URL is
// unset and the SQLite file at DefaultLiteDSN is used.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	LiteMode      bool
	RedisAddr     string
	KafkaBrokers  []string
	KafkaTopic    string
	JWTSecret     string
	ParamsFile    string
	OTLPEndpoint  string
	Telemetry     bool
	ValidatorSeed string
	RateLimitRPS  float64
	CORSOrigins   []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	lite := dbURL == ""
	if lite {
		dbURL = DefaultLiteDSN
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "karma.events"
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	rps := 20.0
	if v, err := strconv.ParseFloat(os.Getenv("KARMA_RATE_LIMIT_RPS"), 64); err == nil && v > 0 {
		rps = v
	}

	return &Config{
		Port:          port,
		LogLevel:      strings.ToUpper(logLevel),
		DatabaseURL:   dbURL,
		LiteMode:      lite,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    topic,
		JWTSecret:     os.Getenv("KARMA_JWT_SECRET"),
		ParamsFile:    os.Getenv("KARMA_PARAMS_FILE"),
		OTLPEndpoint:  endpoint,
		Telemetry:     os.Getenv("KARMA_TELEMETRY") == "true",
		ValidatorSeed: os.Getenv("KARMA_VALIDATOR_SEED"),
		RateLimitRPS:  rps,
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
