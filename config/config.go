package config

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Config gathers the environment-driven settings the settlement core needs.
// Defaults match the docker compose development setup.
type Config struct {
	Port        string
	DatabaseURL string

	JWTSecret     string
	WebhookSecret string

	PlaidClientID string
	PlaidSecret   string
	PlaidEnv      string

	RailBaseURL string
	RailKey     string
	RailSecret  string

	ResendAPIKey string
	FromEmail    string
	FrontendURL  string

	AlertWebhookURL string

	// Hour of day (server local time) at which recurring settlements run.
	SettlementHour int
	// Hour of day at which day-before reminders go out. Must be earlier
	// than SettlementHour.
	ReminderHour int
	// Hour of day at which withheld transactions are retried.
	WithheldRetryHour int

	MaximumTransactionAttempts int
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		WebhookSecret: os.Getenv("TRANSFER_WEBHOOK_SECRET"),

		PlaidClientID: os.Getenv("PLAID_CLIENT_ID"),
		PlaidSecret:   os.Getenv("PLAID_SECRET"),
		PlaidEnv:      getEnv("PLAID_ENV", "sandbox"),

		RailBaseURL: getEnv("TRANSFER_RAIL_BASE_URL", "https://api-sandbox.dwolla.com"),
		RailKey:     os.Getenv("TRANSFER_RAIL_KEY"),
		RailSecret:  os.Getenv("TRANSFER_RAIL_SECRET"),

		ResendAPIKey: os.Getenv("RESEND_API_KEY"),
		FromEmail:    getEnv("FROM_EMAIL", "no-reply@splitwell.app"),
		FrontendURL:  getEnv("FRONTEND_URL", "http://localhost:3000"),

		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),

		SettlementHour:    getEnvInt("RECURRING_PAYMENT_SETTLEMENT_HOUR", 16),
		ReminderHour:      getEnvInt("RECURRING_PAYMENT_REMINDER_HOUR", 15),
		WithheldRetryHour: getEnvInt("WITHHELD_RETRY_HOUR", 12),

		MaximumTransactionAttempts: getEnvInt("MAXIMUM_TRANSACTION_ATTEMPTS", 5),
	}
}

// SetupLogging installs the process-wide JSON logger.
func SetupLogging() *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyLevel: "loglevel",
		},
	})
	logger.SetOutput(os.Stdout)

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
