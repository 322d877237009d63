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
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Pricing      PricingConfig
	Payments     PaymentsConfig
	QRPay        QRPayConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"QUICKMART_APP_ENV" required:"true"`
	Port         string `envconfig:"QUICKMART_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"QUICKMART_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"QUICKMART_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"QUICKMART_DB_DSN"`
	Driver string `envconfig:"QUICKMART_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"QUICKMART_DB_HOST"`
	LegacyPort     int    `envconfig:"QUICKMART_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"QUICKMART_DB_USER"`
	LegacyPassword string `envconfig:"QUICKMART_DB_PASSWORD"`
	LegacyName     string `envconfig:"QUICKMART_DB_NAME"`
	LegacySSLMode  string `envconfig:"QUICKMART_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"QUICKMART_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"QUICKMART_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"QUICKMART_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"QUICKMART_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	LockTimeout     time.Duration `envconfig:"QUICKMART_DB_LOCK_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"QUICKMART_REDIS_URL" required:"true"`
	Address      string        `envconfig:"QUICKMART_REDIS_ADDR"`
	Password     string        `envconfig:"QUICKMART_REDIS_PASSWORD"`
	DB           int           `envconfig:"QUICKMART_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"QUICKMART_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"QUICKMART_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"QUICKMART_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"QUICKMART_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"QUICKMART_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"QUICKMART_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"QUICKMART_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"QUICKMART_JWT_EXPIRATION_MINUTES" default:"60"`
}

// RateLimitConfig carries the per-route-class admission budgets.
type RateLimitConfig struct {
	OrderWindow time.Duration `envconfig:"QUICKMART_RATE_LIMIT_ORDER_WINDOW" default:"1m"`
	OrderLimit  int           `envconfig:"QUICKMART_RATE_LIMIT_ORDER_LIMIT" default:"5"`

	PollWindow time.Duration `envconfig:"QUICKMART_RATE_LIMIT_POLL_WINDOW" default:"1m"`
	PollLimit  int           `envconfig:"QUICKMART_RATE_LIMIT_POLL_LIMIT" default:"20"`

	AuthWindow time.Duration `envconfig:"QUICKMART_RATE_LIMIT_AUTH_WINDOW" default:"15m"`
	AuthLimit  int           `envconfig:"QUICKMART_RATE_LIMIT_AUTH_LIMIT" default:"10"`

	GeneralWindow time.Duration `envconfig:"QUICKMART_RATE_LIMIT_GENERAL_WINDOW" default:"1m"`
	GeneralLimit  int           `envconfig:"QUICKMART_RATE_LIMIT_GENERAL_LIMIT" default:"100"`
}

type PricingConfig struct {
	ShippingFlat     string `envconfig:"QUICKMART_PRICING_SHIPPING_FLAT" default:"5.00"`
	MismatchEpsilon  string `envconfig:"QUICKMART_PRICING_MISMATCH_EPSILON" default:"0.01"`
	MismatchEscalate bool   `envconfig:"QUICKMART_PRICING_MISMATCH_ESCALATE" default:"false"`
}

type PaymentsConfig struct {
	SessionTTL time.Duration `envconfig:"QUICKMART_PAYMENT_SESSION_TTL" default:"15m"`
}

type QRPayConfig struct {
	BaseURL       string        `envconfig:"QUICKMART_QRPAY_BASE_URL" required:"true"`
	APIKey        string        `envconfig:"QUICKMART_QRPAY_API_KEY"`
	MerchantID    string        `envconfig:"QUICKMART_QRPAY_MERCHANT_ID" required:"true"`
	MerchantName  string        `envconfig:"QUICKMART_QRPAY_MERCHANT_NAME" default:"QuickMart"`
	WebhookSecret string        `envconfig:"QUICKMART_QRPAY_WEBHOOK_SECRET" required:"true"`
	HTTPTimeout   time.Duration `envconfig:"QUICKMART_QRPAY_HTTP_TIMEOUT" default:"10s"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"QUICKMART_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"QUICKMART_CRON_LOCK_TTL" default:"5m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"QUICKMART_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"QUICKMART_AUTO_MIGRATE" default:"false"`
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
