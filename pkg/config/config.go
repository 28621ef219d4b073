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
	HTTP         HTTPConfig
	FeatureFlags FeatureFlagsConfig
	PubSub       PubSubConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Scheduler    SchedulerConfig
	Worker       WorkerConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SITECREW_APP_ENV" required:"true"`
	Port         string `envconfig:"SITECREW_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SITECREW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SITECREW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SITECREW_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SITECREW_DB_DSN"`
	Driver string `envconfig:"SITECREW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SITECREW_DB_HOST"`
	LegacyPort     int    `envconfig:"SITECREW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SITECREW_DB_USER"`
	LegacyPassword string `envconfig:"SITECREW_DB_PASSWORD"`
	LegacyName     string `envconfig:"SITECREW_DB_NAME"`
	LegacySSLMode  string `envconfig:"SITECREW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SITECREW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SITECREW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SITECREW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SITECREW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"SITECREW_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SITECREW_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SITECREW_REDIS_ADDR"`
	Password     string        `envconfig:"SITECREW_REDIS_PASSWORD"`
	DB           int           `envconfig:"SITECREW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SITECREW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SITECREW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SITECREW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SITECREW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SITECREW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"SITECREW_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"SITECREW_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"SITECREW_JWT_EXPIRATION_MINUTES" default:"60"`
}

// HTTPConfig holds API edge policy: allowed browser origins and write throttling.
type HTTPConfig struct {
	CORSOrigins       []string      `envconfig:"SITECREW_HTTP_CORS_ORIGINS" default:"http://localhost:3000"`
	RateLimitWindow   time.Duration `envconfig:"SITECREW_HTTP_RATE_LIMIT_WINDOW" default:"1m"`
	WriteLimit        int           `envconfig:"SITECREW_HTTP_WRITE_LIMIT" default:"30"`
	WebhookIPLimit    int           `envconfig:"SITECREW_HTTP_WEBHOOK_IP_LIMIT" default:"600"`
	ReadHeaderTimeout time.Duration `envconfig:"SITECREW_HTTP_READ_HEADER_TIMEOUT" default:"10s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"SITECREW_AUTO_MIGRATE" default:"false"`
}

type PubSubConfig struct {
	ProjectID         string `envconfig:"SITECREW_GCP_PROJECT_ID"`
	NotificationTopic string `envconfig:"SITECREW_PUBSUB_NOTIFICATION_TOPIC" default:"sc-billing-notifications"`
}

// Enabled reports whether notifications should be published to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.ProjectID) != ""
}

type StripeConfig struct {
	APIKey         string        `envconfig:"SITECREW_STRIPE_API_KEY"`
	Secret         string        `envconfig:"SITECREW_STRIPE_SECRET"`
	Env            string        `envconfig:"SITECREW_STRIPE_ENV" default:"test"`
	SeatPriceID    string        `envconfig:"SITECREW_STRIPE_SEAT_PRICE_ID"`
	AnnualPriceID  string        `envconfig:"SITECREW_STRIPE_ANNUAL_SEAT_PRICE_ID"`
	Currency       string        `envconfig:"SITECREW_STRIPE_CURRENCY" default:"usd"`
	RequestTimeout time.Duration `envconfig:"SITECREW_STRIPE_REQUEST_TIMEOUT" default:"10s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// BillingConfig holds the entitlement and retry policy knobs.
type BillingConfig struct {
	SeatRateCents         int64         `envconfig:"SITECREW_BILLING_SEAT_RATE_CENTS" default:"1500"`
	AnnualMonths          int64         `envconfig:"SITECREW_BILLING_ANNUAL_MONTHS" default:"10"`
	DefaultCapacity       int           `envconfig:"SITECREW_BILLING_DEFAULT_CAPACITY" default:"5"`
	MaxPaymentRetries     int           `envconfig:"SITECREW_BILLING_MAX_PAYMENT_RETRIES" default:"3"`
	RetryInitialBackoff   time.Duration `envconfig:"SITECREW_BILLING_RETRY_INITIAL_BACKOFF" default:"6h"`
	RetryMaxBackoff       time.Duration `envconfig:"SITECREW_BILLING_RETRY_MAX_BACKOFF" default:"72h"`
	GracePeriodDays       int           `envconfig:"SITECREW_BILLING_GRACE_PERIOD_DAYS" default:"7"`
	ExpiringSoonDays      int           `envconfig:"SITECREW_BILLING_EXPIRING_SOON_DAYS" default:"7"`
	RenewalWindowDays     int           `envconfig:"SITECREW_BILLING_RENEWAL_WINDOW_DAYS" default:"1"`
	ExpiryNoticeDays      int           `envconfig:"SITECREW_BILLING_EXPIRY_NOTICE_DAYS" default:"7"`
	WebhookIdempotencyTTL time.Duration `envconfig:"SITECREW_BILLING_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

// GracePeriod converts the configured grace days into a duration.
func (b BillingConfig) GracePeriod() time.Duration {
	return time.Duration(b.GracePeriodDays) * 24 * time.Hour
}

func (b BillingConfig) validate() error {
	if b.SeatRateCents <= 0 {
		return fmt.Errorf("%s must be positive", EnvBillingSeatRate)
	}
	if b.MaxPaymentRetries < 0 {
		return fmt.Errorf("%s must not be negative", EnvBillingMaxRetries)
	}
	if b.RetryMaxBackoff < b.RetryInitialBackoff {
		return fmt.Errorf("%s must be >= %s", EnvBillingRetryMaxBackoff, EnvBillingRetryInitialBackoff)
	}
	return nil
}

type SchedulerConfig struct {
	TickInterval         time.Duration `envconfig:"SITECREW_SCHEDULER_TICK_INTERVAL" default:"1m"`
	LockTTL              time.Duration `envconfig:"SITECREW_SCHEDULER_LOCK_TTL" default:"10m"`
	RenewalInterval      time.Duration `envconfig:"SITECREW_SCHEDULER_RENEWAL_INTERVAL" default:"24h"`
	PaymentRetryInterval time.Duration `envconfig:"SITECREW_SCHEDULER_PAYMENT_RETRY_INTERVAL" default:"1h"`
	ExpiryNoticeInterval time.Duration `envconfig:"SITECREW_SCHEDULER_EXPIRY_NOTICE_INTERVAL" default:"24h"`
	ExpirySweepInterval  time.Duration `envconfig:"SITECREW_SCHEDULER_EXPIRY_SWEEP_INTERVAL" default:"1h"`
	ReconcileInterval    time.Duration `envconfig:"SITECREW_SCHEDULER_RECONCILE_INTERVAL" default:"24h"`
	RunOnStart           bool          `envconfig:"SITECREW_SCHEDULER_RUN_ON_START" default:"true"`
}

type WorkerConfig struct {
	BatchSize    int           `envconfig:"SITECREW_WORKER_BATCH_SIZE" default:"25"`
	PollInterval time.Duration `envconfig:"SITECREW_WORKER_POLL_INTERVAL" default:"2s"`
	Lease        time.Duration `envconfig:"SITECREW_WORKER_LEASE" default:"2m"`
	MaxAttempts  int           `envconfig:"SITECREW_WORKER_MAX_ATTEMPTS" default:"8"`
	Concurrency  int           `envconfig:"SITECREW_WORKER_CONCURRENCY" default:"4"`
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
