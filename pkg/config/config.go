package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"conversation-orchestrator/pkg/constants"
)

type Config struct {
	RedisURL     string
	StoreBackend string // "redis" or "memory"
	PodID        string
	Port         string
	LogLevel     string
	Channel      string

	PageAccessToken   string
	AppSecret         string
	VerifyToken       string
	GraphAPIURL       string
	HumanAgentAppID   string
	SendRatePerSecond float64

	CRMURL        string
	GameDBURL     string
	GameDBRPS     float64
	OpenAIAPIKey  string
	OpenAIModel   string
	RulesFile     string
	DashboardMode string // "stream" or "direct"

	RecentContextMinutes    int
	ExternalCallTimeoutMS   int64
	QualityThreshold        float64
	QualityRetries          int
	HandoverConfirmAttempts int
	HandoverRetryBackoffMS  int64
	HandoverRetryPollMS     int64
	IssueMaxAttempts        int
	RequeueLimit            int
	SessionLockTTL          int
	WorkerShards            int
	ParallelActions         bool

	Rules *Rules
}

func Load() (*Config, error) {
	config := &Config{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		StoreBackend: getEnv("STORE_BACKEND", "redis"),
		PodID:        getEnv("POD_ID", generatePodID()),
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Channel:      getEnv("CHANNEL", "messenger"),

		PageAccessToken:   getEnv("PAGE_ACCESS_TOKEN", ""),
		AppSecret:         getEnv("APP_SECRET", ""),
		VerifyToken:       getEnv("VERIFY_TOKEN", ""),
		GraphAPIURL:       getEnv("GRAPH_API_URL", "https://graph.facebook.com/v19.0"),
		HumanAgentAppID:   getEnv("HUMAN_AGENT_APP_ID", constants.DefaultHumanAgentAppID),
		SendRatePerSecond: getEnvFloat("SEND_RATE_PER_SECOND", 40),

		CRMURL:        getEnv("CRM_URL", ""),
		GameDBURL:     getEnv("GAMEDB_URL", ""),
		GameDBRPS:     getEnvFloat("GAMEDB_RPS", 20),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		RulesFile:     getEnv("RULES_FILE", ""),
		DashboardMode: getEnv("DASHBOARD_MODE", "stream"),

		RecentContextMinutes:    getEnvInt("RECENT_CONTEXT_MINUTES", constants.DefaultRecentContextMinutes),
		ExternalCallTimeoutMS:   getEnvInt64("EXTERNAL_CALL_TIMEOUT_MS", constants.DefaultExternalCallTimeoutMS),
		QualityThreshold:        getEnvFloat("QUALITY_THRESHOLD", constants.DefaultQualityThreshold),
		QualityRetries:          getEnvInt("QUALITY_RETRIES", constants.DefaultQualityRetries),
		HandoverConfirmAttempts: getEnvInt("HANDOVER_CONFIRM_ATTEMPTS", constants.DefaultHandoverConfirmAttempts),
		HandoverRetryBackoffMS:  getEnvInt64("HANDOVER_RETRY_BACKOFF_MS", constants.DefaultHandoverRetryBackoffMS),
		HandoverRetryPollMS:     getEnvInt64("HANDOVER_RETRY_POLL_MS", 500),
		IssueMaxAttempts:        getEnvInt("ISSUE_MAX_ATTEMPTS", constants.DefaultIssueMaxAttempts),
		RequeueLimit:            getEnvInt("REQUEUE_LIMIT", constants.DefaultRequeueLimit),
		SessionLockTTL:          getEnvInt("SESSION_LOCK_TTL", constants.DefaultSessionLockTTLSeconds),
		WorkerShards:            getEnvInt("WORKER_SHARDS", 16),
		ParallelActions:         getEnvBool("PARALLEL_ACTIONS", false),
	}

	rules, err := LoadRules(config.RulesFile)
	if err != nil {
		return nil, err
	}
	config.Rules = rules

	return config, nil
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		StoreBackend:            "memory",
		Channel:                 "messenger",
		HumanAgentAppID:         constants.DefaultHumanAgentAppID,
		RecentContextMinutes:    constants.DefaultRecentContextMinutes,
		ExternalCallTimeoutMS:   constants.DefaultExternalCallTimeoutMS,
		QualityThreshold:        constants.DefaultQualityThreshold,
		QualityRetries:          constants.DefaultQualityRetries,
		HandoverConfirmAttempts: constants.DefaultHandoverConfirmAttempts,
		HandoverRetryBackoffMS:  constants.DefaultHandoverRetryBackoffMS,
		HandoverRetryPollMS:     500,
		IssueMaxAttempts:        constants.DefaultIssueMaxAttempts,
		RequeueLimit:            constants.DefaultRequeueLimit,
		SessionLockTTL:          constants.DefaultSessionLockTTLSeconds,
		WorkerShards:            4,
		Rules:                   DefaultRules(),
	}
}

func (c *Config) RecentContextMaxAge() time.Duration {
	return time.Duration(c.RecentContextMinutes) * time.Minute
}

func (c *Config) ExternalCallTimeout() time.Duration {
	return time.Duration(c.ExternalCallTimeoutMS) * time.Millisecond
}

func (c *Config) HandoverRetryBackoff() time.Duration {
	return time.Duration(c.HandoverRetryBackoffMS) * time.Millisecond
}

func (c *Config) HandoverRetryPoll() time.Duration {
	return time.Duration(c.HandoverRetryPollMS) * time.Millisecond
}

func (c *Config) SessionLockTTLDuration() time.Duration {
	return time.Duration(c.SessionLockTTL) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
