package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Clinic identity. Scheduling parameters live in the clinic store.
	ClinicID               string
	ClinicName             string
	ClinicUTCOffsetMinutes int

	// Job scheduling
	JobStore         string // memory, postgres or redis
	UseMemoryQueue   bool
	JobQueueURL      string
	WorkerCount      int
	JobPollInterval  time.Duration
	JobBatchSize     int
	JobMaxAttempts   int
	JobBackoffBase   time.Duration
	NoShowGrace      time.Duration
	OutboxInterval   time.Duration
	OutboxMaxRetries int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	DeliveryLogTable    string

	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioWhatsAppFrom string
	MessageChannel     string
	PublicBaseURL      string

	GoogleCalendarID      string
	GoogleCredentialsJSON string

	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	OpsAlertEmail     string

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

// Load reads configuration from environment variables, loading a local .env
// file first when one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ClinicID:               getEnv("CLINIC_ID", "default"),
		ClinicName:             getEnv("CLINIC_NAME", "Clinic"),
		ClinicUTCOffsetMinutes: getEnvAsInt("CLINIC_UTC_OFFSET_MINUTES", -300),

		JobStore:         strings.ToLower(getEnv("JOB_STORE", "memory")),
		UseMemoryQueue:   getEnvAsBool("USE_MEMORY_QUEUE", true),
		JobQueueURL:      getEnv("JOB_QUEUE_URL", ""),
		WorkerCount:      getEnvAsInt("WORKER_COUNT", 2),
		JobPollInterval:  getEnvAsDuration("JOB_POLL_INTERVAL", 15*time.Second),
		JobBatchSize:     getEnvAsInt("JOB_BATCH_SIZE", 50),
		JobMaxAttempts:   getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffBase:   getEnvAsDuration("JOB_BACKOFF_BASE", 5*time.Second),
		NoShowGrace:      getEnvAsDuration("NO_SHOW_GRACE", 2*time.Hour),
		OutboxInterval:   getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxMaxRetries: getEnvAsInt("OUTBOX_MAX_RETRIES", 5),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		DeliveryLogTable:    getEnv("DELIVERY_LOG_TABLE", ""),

		TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:   getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioWhatsAppFrom: getEnv("TWILIO_WHATSAPP_FROM", ""),
		MessageChannel:     strings.ToLower(getEnv("MESSAGE_CHANNEL", "whatsapp")),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", ""),
		GoogleCredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Scheduler"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		OpsAlertEmail:     getEnv("OPS_ALERT_EMAIL", ""),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
