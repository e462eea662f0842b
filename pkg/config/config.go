package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Settlement   SettlementConfig
	Reconcile    ReconcileConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SETTLEMENT_APP_ENV" required:"true"`
	Port         string `envconfig:"SETTLEMENT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SETTLEMENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SETTLEMENT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SETTLEMENT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SETTLEMENT_DB_DSN"`
	Driver string `envconfig:"SETTLEMENT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SETTLEMENT_DB_HOST"`
	LegacyPort     int    `envconfig:"SETTLEMENT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SETTLEMENT_DB_USER"`
	LegacyPassword string `envconfig:"SETTLEMENT_DB_PASSWORD"`
	LegacyName     string `envconfig:"SETTLEMENT_DB_NAME"`
	LegacySSLMode  string `envconfig:"SETTLEMENT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SETTLEMENT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SETTLEMENT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SETTLEMENT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SETTLEMENT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SETTLEMENT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SETTLEMENT_REDIS_ADDR"`
	Password     string        `envconfig:"SETTLEMENT_REDIS_PASSWORD"`
	DB           int           `envconfig:"SETTLEMENT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SETTLEMENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SETTLEMENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SETTLEMENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SETTLEMENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SETTLEMENT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies bearer tokens minted by the auth service.
type JWTConfig struct {
	Secret string `envconfig:"SETTLEMENT_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"SETTLEMENT_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"SETTLEMENT_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey   string `envconfig:"SETTLEMENT_STRIPE_API_KEY"`
	Secret   string `envconfig:"SETTLEMENT_STRIPE_SECRET"`
	Env      string `envconfig:"SETTLEMENT_STRIPE_ENV" default:"test"`
	Currency string `envconfig:"SETTLEMENT_STRIPE_CURRENCY" default:"usd"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// SettlementConfig tunes hold authorization, commit and capture.
type SettlementConfig struct {
	PlatformFeeBps       int64         `envconfig:"SETTLEMENT_PLATFORM_FEE_BPS" default:"2000"`
	AmountToleranceCents int64         `envconfig:"SETTLEMENT_AMOUNT_TOLERANCE_CENTS" default:"1"`
	IdempotencyBucket    time.Duration `envconfig:"SETTLEMENT_HOLD_IDEMPOTENCY_BUCKET" default:"10m"`
	ProcessorTimeout     time.Duration `envconfig:"SETTLEMENT_PROCESSOR_TIMEOUT" default:"10s"`
	CaptureTimeout       time.Duration `envconfig:"SETTLEMENT_CAPTURE_TIMEOUT" default:"15s"`
	StaleHoldTTL         time.Duration `envconfig:"SETTLEMENT_STALE_HOLD_TTL" default:"24h"`
}

func (s SettlementConfig) validate() error {
	if s.PlatformFeeBps < 0 || s.PlatformFeeBps > 10000 {
		return fmt.Errorf("%s must be between 0 and 10000", EnvPlatformFeeBps)
	}
	if s.AmountToleranceCents < 0 {
		return fmt.Errorf("%s must be non-negative", EnvAmountToleranceCents)
	}
	return nil
}

type ReconcileConfig struct {
	Interval   time.Duration `envconfig:"SETTLEMENT_RECONCILE_INTERVAL" default:"5m"`
	PendingAge time.Duration `envconfig:"SETTLEMENT_RECONCILE_PENDING_AGE" default:"10m"`
	BatchSize  int           `envconfig:"SETTLEMENT_RECONCILE_BATCH_SIZE" default:"100"`
	Retention  time.Duration `envconfig:"SETTLEMENT_OUTBOX_RETENTION" default:"720h"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"SETTLEMENT_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
	HTTPIdempotencyTTL    time.Duration `envconfig:"SETTLEMENT_HTTP_IDEMPOTENCY_TTL" default:"24h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"SETTLEMENT_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	SettlementTopic string `envconfig:"SETTLEMENT_PUBSUB_SETTLEMENT_TOPIC" default:"settlement-events"`
	AlertsTopic     string `envconfig:"SETTLEMENT_PUBSUB_ALERTS_TOPIC" default:"settlement-alerts"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SETTLEMENT_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
