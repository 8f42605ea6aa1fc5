package config

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	InternalAPIKey     string
	AuditServiceURL    string
	SemanticServiceURL string
	ClientGatewayURL   string
	RequestTimeout     time.Duration
	RequestRetries     int

	SagaTimeout           time.Duration
	SagaRetryMaxAttempts  int
	SagaRetryInitialDelay time.Duration
	SagaRetryMaxDelay     time.Duration
	CrawlPollInterval     time.Duration
	ScorePollInterval     time.Duration
	ContentPollInterval   time.Duration
	HITLPollInterval      time.Duration
	ApplyPollInterval     time.Duration
	HITLTimeout           time.Duration
	MaxConcurrentPerProj  int

	AutoApproveLowRisk bool
	ImpactWeight       float64
	UrgencyWeight      float64
	EffortWeight       float64

	KafkaBrokers       []string
	KafkaConsumerGroup string
	RedisURL           string
	ArchiveBucket      string
	ArchivePrefix      string
	JWTSecret          string
	JWTIssuer          string

	FFScoreRecalcInterval  time.Duration
	ReprioritizeInterval   time.Duration
	DeployApprovedInterval time.Duration
}

const (
	defaultAddr               = ":8004"
	defaultAuditURL           = "http://localhost:8001"
	defaultSemanticURL        = "http://localhost:8002"
	defaultGatewayURL         = "http://localhost:8006"
	defaultRequestTimeout     = 30 * time.Second
	defaultRequestRetries     = 3
	defaultSagaTimeoutMinutes = 30
	defaultSagaRetryAttempts  = 3
	defaultHITLTimeoutHours   = 72
	defaultMaxConcurrent      = 5
	defaultImpactWeight       = 0.6
	defaultUrgencyWeight      = 0.3
	defaultEffortWeight       = 0.1
	defaultConsumerGroup      = "management-service"
	minAPIKeyLength           = 32
)

func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("MANAGEMENT_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("MANAGEMENT_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		InternalAPIKey:     os.Getenv("INTERNAL_API_KEY"),
		AuditServiceURL:    getEnv("AUDIT_SERVICE_URL", defaultAuditURL),
		SemanticServiceURL: getEnv("SEMANTIC_SERVICE_URL", defaultSemanticURL),
		ClientGatewayURL:   getEnv("CLIENT_GATEWAY_URL", defaultGatewayURL),
		RequestTimeout:     getDuration("SERVICE_REQUEST_TIMEOUT", defaultRequestTimeout),
		RequestRetries:     getInt("SERVICE_REQUEST_RETRIES", defaultRequestRetries),

		SagaTimeout:           time.Duration(getInt("SAGA_TIMEOUT_MINUTES", defaultSagaTimeoutMinutes)) * time.Minute,
		SagaRetryMaxAttempts:  getInt("SAGA_RETRY_MAX_ATTEMPTS", defaultSagaRetryAttempts),
		SagaRetryInitialDelay: getDuration("SAGA_RETRY_INITIAL_DELAY", 4*time.Second),
		SagaRetryMaxDelay:     getDuration("SAGA_RETRY_MAX_DELAY", 10*time.Second),
		CrawlPollInterval:     getDuration("SAGA_CRAWL_POLL_INTERVAL", 5*time.Second),
		ScorePollInterval:     getDuration("SAGA_SCORE_POLL_INTERVAL", 3*time.Second),
		ContentPollInterval:   getDuration("SAGA_CONTENT_POLL_INTERVAL", 3*time.Second),
		HITLPollInterval:      getDuration("SAGA_HITL_POLL_INTERVAL", 5*time.Second),
		ApplyPollInterval:     getDuration("SAGA_APPLY_POLL_INTERVAL", 5*time.Second),
		HITLTimeout:           time.Duration(getInt("HITL_TIMEOUT_HOURS", defaultHITLTimeoutHours)) * time.Hour,
		MaxConcurrentPerProj:  getInt("MAX_CONCURRENT_TASKS_PER_PROJECT", defaultMaxConcurrent),

		AutoApproveLowRisk: getBool("HITL_AUTO_APPROVE_LOW_RISK", false),
		ImpactWeight:       getFloat("TASK_PRIORITY_IMPACT_WEIGHT", defaultImpactWeight),
		UrgencyWeight:      getFloat("TASK_PRIORITY_URGENCY_WEIGHT", defaultUrgencyWeight),
		EffortWeight:       getFloat("TASK_PRIORITY_EFFORT_WEIGHT", defaultEffortWeight),

		KafkaBrokers:       parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", defaultConsumerGroup),
		RedisURL:           os.Getenv("REDIS_URL"),
		ArchiveBucket:      os.Getenv("CHANGELOG_ARCHIVE_BUCKET"),
		ArchivePrefix:      os.Getenv("CHANGELOG_ARCHIVE_PREFIX"),
		JWTSecret:          os.Getenv("HITL_JWT_SECRET"),
		JWTIssuer:          os.Getenv("HITL_JWT_ISSUER"),

		FFScoreRecalcInterval:  getDuration("FFSCORE_RECALC_INTERVAL", 24*time.Hour),
		ReprioritizeInterval:   getDuration("REPRIORITIZE_INTERVAL", time.Hour),
		DeployApprovedInterval: getDuration("DEPLOY_APPROVED_INTERVAL", 10*time.Minute),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or MANAGEMENT_DATABASE_URL required")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if len(cfg.InternalAPIKey) < minAPIKeyLength {
		log.Printf("[config] INTERNAL_API_KEY should be at least %d characters", minAPIKeyLength)
	}
	return cfg, nil
}

// Validate checks the settings that have no safe fallback.
func (c Config) Validate() error {
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY required")
	}
	sum := c.ImpactWeight + c.UrgencyWeight + c.EffortWeight
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("task priority weights must sum to 1, got %.4f", sum)
	}
	if c.SagaRetryMaxAttempts <= 0 {
		return fmt.Errorf("SAGA_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.MaxConcurrentPerProj <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS_PER_PROJECT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			return v
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			return v
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if v, err := strconv.ParseBool(val); err == nil {
			return v
		}
	}
	return fallback
}

// getDuration accepts Go duration strings or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
