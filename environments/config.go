package environments

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Provider  ProviderConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Secrets   SecretsConfig
	PubSub    PubSubConfig
	Auth      AuthConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// OpTimeout bounds every single round trip to Valkey.
	OpTimeout time.Duration
}

type ProviderConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	RetryCount int
}

type QueueConfig struct {
	// Backend is "valkey" (shared across processes) or "memory" (single process).
	Backend             string
	Prefix              string
	SendConcurrency     int
	SendRatePerSecond   int
	CampaignConcurrency int
	WebhookConcurrency  int
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	JobTimeout          time.Duration
	PollInterval        time.Duration
	DeadLetterRetention time.Duration
	JanitorSpec         string
}

// StorePolicy decides what the rate limiter does when its store is unreachable.
type StorePolicy string

const (
	StorePolicyAllow StorePolicy = "allow"
	StorePolicyDeny  StorePolicy = "deny"
)

type RateLimitConfig struct {
	TenantMaxTokens       float64
	TenantRefillPerSecond float64
	// GlobalSendPerSecond is the provider ceiling shared by all instances.
	// Zero disables the shared bucket.
	GlobalSendPerSecond   float64
	BucketTTL             time.Duration
	GlobalRequestsPerMin  int
	OnStoreUnavailable    StorePolicy
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	AutoStart bool
	// AlertWebhookURL receives a POST after AlertThreshold consecutive
	// failed runs. Empty disables alerting.
	AlertWebhookURL string
	AlertAuthKey    string
	AlertThreshold  int
	AlertTimeout    time.Duration
}

type SecretsConfig struct {
	// EncryptionKey is a base64 encoded 32 byte AES key.
	EncryptionKey string
}

type PubSubConfig struct {
	Channel string
}

type AuthConfig struct {
	DispatchAPIKey  string
	SchedulerAPIKey string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() *Config {
	// A missing .env is fine; the process environment wins either way.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: GetEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     GetEnv("DB_HOST", "localhost"),
			Port:     GetEnv("DB_PORT", "3306"),
			User:     GetEnv("DB_USER", "insider"),
			Password: GetEnv("DB_PASSWORD", "insider123"),
			DBName:   GetEnv("DB_NAME", "insider_dispatch"),
		},
		Redis: RedisConfig{
			Host:      GetEnv("REDIS_HOST", "localhost"),
			Port:      GetEnv("REDIS_PORT", "6379"),
			Password:  GetEnv("REDIS_PASSWORD", ""),
			DB:        GetEnvAsInt("REDIS_DB", 0),
			OpTimeout: GetEnvAsDuration("REDIS_OP_TIMEOUT", 2*time.Second),
		},
		Provider: ProviderConfig{
			BaseURL:    GetEnv("PROVIDER_BASE_URL", "https://graph.facebook.com"),
			APIVersion: GetEnv("PROVIDER_API_VERSION", "v21.0"),
			Timeout:    time.Duration(GetEnvAsInt("PROVIDER_TIMEOUT_SECONDS", 15)) * time.Second,
			RetryCount: GetEnvAsInt("PROVIDER_RETRY_COUNT", 0),
		},
		Queue: QueueConfig{
			Backend:             GetEnv("QUEUE_BACKEND", "valkey"),
			Prefix:              GetEnv("QUEUE_PREFIX", "dispatch"),
			SendConcurrency:     GetEnvAsInt("QUEUE_SEND_CONCURRENCY", 5),
			SendRatePerSecond:   GetEnvAsInt("QUEUE_SEND_RATE_PER_SECOND", 80),
			CampaignConcurrency: GetEnvAsInt("QUEUE_CAMPAIGN_CONCURRENCY", 2),
			WebhookConcurrency:  GetEnvAsInt("QUEUE_WEBHOOK_CONCURRENCY", 10),
			MaxAttempts:         GetEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:         GetEnvAsDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:          GetEnvAsDuration("QUEUE_BACKOFF_MAX", time.Minute),
			JobTimeout:          GetEnvAsDuration("QUEUE_JOB_TIMEOUT", 30*time.Second),
			PollInterval:        GetEnvAsDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			DeadLetterRetention: GetEnvAsDuration("QUEUE_DEAD_LETTER_RETENTION", 7*24*time.Hour),
			JanitorSpec:         GetEnv("QUEUE_JANITOR_SPEC", "@every 1h"),
		},
		RateLimit: RateLimitConfig{
			TenantMaxTokens:       GetEnvAsFloat("RATE_LIMIT_TENANT_MAX_TOKENS", 60),
			TenantRefillPerSecond: GetEnvAsFloat("RATE_LIMIT_TENANT_REFILL_PER_SECOND", 1),
			GlobalSendPerSecond:   GetEnvAsFloat("RATE_LIMIT_GLOBAL_SEND_PER_SECOND", 80),
			BucketTTL:             GetEnvAsDuration("RATE_LIMIT_BUCKET_TTL", 5*time.Minute),
			GlobalRequestsPerMin:  GetEnvAsInt("RATE_LIMIT_GLOBAL_REQUESTS_PER_MINUTE", 100),
			OnStoreUnavailable:    ParseStorePolicy(GetEnv("RATE_LIMIT_ON_STORE_UNAVAILABLE", "allow")),
		},
		Scheduler: SchedulerConfig{
			Interval:  GetEnvAsDuration("SCHEDULER_INTERVAL", 60*time.Second),
			BatchSize: GetEnvAsInt("SCHEDULER_BATCH_SIZE", 100),
			AutoStart: GetEnvAsBool("AUTO_START_SCHEDULER", true),

			AlertWebhookURL: GetEnv("SCHEDULER_ALERT_WEBHOOK_URL", ""),
			AlertAuthKey:    GetEnv("SCHEDULER_ALERT_AUTH_KEY", ""),
			AlertThreshold:  GetEnvAsInt("SCHEDULER_ALERT_THRESHOLD", 3),
			AlertTimeout:    GetEnvAsDuration("SCHEDULER_ALERT_TIMEOUT", 10*time.Second),
		},
		Secrets: SecretsConfig{
			EncryptionKey: GetEnv("SECRETS_ENCRYPTION_KEY", ""),
		},
		PubSub: PubSubConfig{
			Channel: GetEnv("PUBSUB_CHANNEL", "dispatch:events"),
		},
		Auth: AuthConfig{
			DispatchAPIKey:  GetEnv("DISPATCH_API_KEY", ""),
			SchedulerAPIKey: GetEnv("SCHEDULER_API_KEY", ""),
		},
		Log: LogConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Pretty: GetEnvAsBool("LOG_PRETTY", true),
		},
	}
}

// ParseStorePolicy maps a config string to a StorePolicy, defaulting to allow.
func ParseStorePolicy(v string) StorePolicy {
	if strings.EqualFold(strings.TrimSpace(v), string(StorePolicyDeny)) {
		return StorePolicyDeny
	}
	return StorePolicyAllow
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
