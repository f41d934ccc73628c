package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dilemma-experiment-backend/internal/randomizer"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	BotToken      string
	WebhookURL    string
	WebhookPort   int
	WebhookSecret string
	HTTPAddr      string

	StoreDriver  string
	DatabasePath string
	DBHost       string
	DBPort       int
	DBUser       string
	DBPassword   string
	DBName       string

	EncryptionKey string

	ExperimentSeed         string
	ExperimentDuration     time.Duration
	WarningBeforeEnd       time.Duration
	MessagesBeforeDecision int
	TotalParticipants      int

	LogLevel string
	LogFile  string

	LLMAPIKey          string
	LLMBaseURL         string
	LLMModel           string
	LLMEnabled         bool
	LLMAnalysisEnabled bool

	AdminUserIDs          []int64
	AdminJWTSecret        string
	AllowMultipleSessions bool
	TestingMode           bool
}

func Load() *Config {
	llmKey := os.Getenv("LLM_API_KEY")
	if llmKey == "" {
		llmKey = os.Getenv("CLOUD_RU_API_KEY")
	}
	if llmKey == "" {
		llmKey = os.Getenv("OPENAI_API_KEY")
	}

	return &Config{
		BotToken:      os.Getenv("BOT_TOKEN"),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		WebhookPort:   envInt("WEBHOOK_PORT", 8443),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		HTTPAddr:      envString("HTTP_ADDR", ":8080"),

		StoreDriver:  strings.ToLower(envString("STORE_DRIVER", DriverSQLite)),
		DatabasePath: envString("DATABASE_PATH", "data/experiment.db"),
		DBHost:       os.Getenv("DB_HOST"),
		DBPort:       envInt("DB_PORT", 5432),
		DBUser:       os.Getenv("DB_USER"),
		DBPassword:   os.Getenv("DB_PASSWORD"),
		DBName:       os.Getenv("DB_NAME"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		ExperimentSeed:         envString("EXPERIMENT_SEED", randomizer.DefaultSeed),
		ExperimentDuration:     time.Duration(envInt("EXPERIMENT_DURATION_MINUTES", 5)) * time.Minute,
		WarningBeforeEnd:       time.Duration(envInt("WARNING_TIME_MINUTES", 1)) * time.Minute,
		MessagesBeforeDecision: envInt("MESSAGES_BEFORE_DECISION", 8),
		TotalParticipants:      envInt("TOTAL_PARTICIPANTS", 100),

		LogLevel: envString("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),

		LLMAPIKey:          llmKey,
		LLMBaseURL:         envString("LLM_BASE_URL", "https://foundation-models.api.cloud.ru/v1"),
		LLMModel:           envString("LLM_MODEL", "GigaChat/GigaChat-2-Max"),
		LLMEnabled:         envBool("LLM_ENABLED", true),
		LLMAnalysisEnabled: envBool("LLM_ANALYSIS_ENABLED", true),

		AdminUserIDs:          parseIDList(os.Getenv("ADMIN_USER_IDS")),
		AdminJWTSecret:        os.Getenv("ADMIN_JWT_SECRET"),
		AllowMultipleSessions: envBool("ALLOW_MULTIPLE_SESSIONS", false),
		TestingMode:           envBool("TESTING_MODE", false),
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is not set"))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is not set"))
	} else if len(c.EncryptionKey) < 32 {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be at least 32 characters"))
	}
	if strings.TrimSpace(c.ExperimentSeed) == "" {
		errs = append(errs, errors.New("EXPERIMENT_SEED must not be empty"))
	}
	if c.ExperimentDuration <= 0 {
		errs = append(errs, errors.New("EXPERIMENT_DURATION_MINUTES must be greater than 0"))
	}
	if c.WarningBeforeEnd < 0 || c.WarningBeforeEnd >= c.ExperimentDuration {
		errs = append(errs, errors.New("WARNING_TIME_MINUTES must be shorter than the experiment"))
	}
	if c.MessagesBeforeDecision <= 0 {
		errs = append(errs, errors.New("MESSAGES_BEFORE_DECISION must be greater than 0"))
	}
	if c.TotalParticipants <= 0 {
		errs = append(errs, errors.New("TOTAL_PARTICIPANTS must be greater than 0"))
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "https://") {
		errs = append(errs, errors.New("WEBHOOK_URL must use HTTPS"))
	}
	if c.WebhookPort < 1 || c.WebhookPort > 65535 {
		errs = append(errs, errors.New("WEBHOOK_PORT must be in range 1-65535"))
	}
	switch c.StoreDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("DATABASE_PATH is not set"))
		}
	case DriverPostgres:
		if c.DBHost == "" || c.DBName == "" {
			errs = append(errs, errors.New("DB_HOST and DB_NAME are required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// DSN returns the data source name for the configured store driver.
func (c *Config) DSN() string {
	if c.StoreDriver == DriverPostgres {
		return c.ConnString()
	}
	return c.DatabasePath
}

func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName,
	)
}

// IsAdmin reports whether a chat user id is listed in ADMIN_USER_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return v
}

// parseIDList skips malformed entries.
func parseIDList(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
