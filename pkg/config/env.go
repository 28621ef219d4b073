package config

const (
	EnvPrefix = "SITECREW"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv    = "SITECREW_APP_ENV"
	EnvPort      = "SITECREW_APP_PORT"
	EnvLogLevel  = "SITECREW_LOG_LEVEL"
	EnvDBDSN     = "SITECREW_DB_DSN"
	EnvDBHost    = "SITECREW_DB_HOST"
	EnvDBUser    = "SITECREW_DB_USER"
	EnvDBName    = "SITECREW_DB_NAME"
	EnvRedisURL  = "SITECREW_REDIS_URL"
	EnvJWTSecret = "SITECREW_JWT_SECRET"
	EnvJWTIssuer = "SITECREW_JWT_ISSUER"

	EnvStripeAPIKey = "SITECREW_STRIPE_API_KEY"
	EnvStripeSecret = "SITECREW_STRIPE_SECRET"

	EnvBillingSeatRate            = "SITECREW_BILLING_SEAT_RATE_CENTS"
	EnvBillingMaxRetries          = "SITECREW_BILLING_MAX_PAYMENT_RETRIES"
	EnvBillingRetryInitialBackoff = "SITECREW_BILLING_RETRY_INITIAL_BACKOFF"
	EnvBillingRetryMaxBackoff     = "SITECREW_BILLING_RETRY_MAX_BACKOFF"
	EnvBillingGraceDays           = "SITECREW_BILLING_GRACE_PERIOD_DAYS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
