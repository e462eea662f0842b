package config

const EnvPrefix = "SETTLEMENT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv               = "SETTLEMENT_APP_ENV"
	EnvPort                 = "SETTLEMENT_APP_PORT"
	EnvDBDSN                = "SETTLEMENT_DB_DSN"
	EnvDBHost               = "SETTLEMENT_DB_HOST"
	EnvDBUser               = "SETTLEMENT_DB_USER"
	EnvDBName               = "SETTLEMENT_DB_NAME"
	EnvDBPassword           = "SETTLEMENT_DB_PASSWORD"
	EnvRedisURL             = "SETTLEMENT_REDIS_URL"
	EnvJWTSecret            = "SETTLEMENT_JWT_SECRET"
	EnvJWTIssuer            = "SETTLEMENT_JWT_ISSUER"
	EnvStripeAPIKey         = "SETTLEMENT_STRIPE_API_KEY"
	EnvStripeSecret         = "SETTLEMENT_STRIPE_SECRET"
	EnvPlatformFeeBps       = "SETTLEMENT_PLATFORM_FEE_BPS"
	EnvAmountToleranceCents = "SETTLEMENT_AMOUNT_TOLERANCE_CENTS"
	EnvCaptureTimeout       = "SETTLEMENT_CAPTURE_TIMEOUT"
	EnvGCPProjectID         = "SETTLEMENT_GCP_PROJECT_ID"
	EnvPubSubAlertsTopic    = "SETTLEMENT_PUBSUB_ALERTS_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
