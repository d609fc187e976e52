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
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Digest       DigestConfig
	Intake       IntakeConfig
	Delivery     DeliveryConfig
	Mail         MailConfig
	Retention    RetentionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Digest.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Delivery.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TABSPLIT_APP_ENV" required:"true"`
	Port         string `envconfig:"TABSPLIT_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"TABSPLIT_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"TABSPLIT_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"TABSPLIT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TABSPLIT_SERVICE_KIND" default:"api"`
	// MetricsAddr is where workers expose /metrics; empty disables it.
	MetricsAddr string `envconfig:"TABSPLIT_METRICS_ADDR" default:":9090"`
}

type DBConfig struct {
	DSN    string `envconfig:"TABSPLIT_DB_DSN"`
	Driver string `envconfig:"TABSPLIT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TABSPLIT_DB_HOST"`
	LegacyPort     int    `envconfig:"TABSPLIT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TABSPLIT_DB_USER"`
	LegacyPassword string `envconfig:"TABSPLIT_DB_PASSWORD"`
	LegacyName     string `envconfig:"TABSPLIT_DB_NAME"`
	LegacySSLMode  string `envconfig:"TABSPLIT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TABSPLIT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TABSPLIT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TABSPLIT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TABSPLIT_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"TABSPLIT_DB_SLOW_QUERY_THRESHOLD" default:"500ms"`
}

// IsSQLite reports whether the local sqlite driver was requested.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), "sqlite")
}

type RedisConfig struct {
	URL          string        `envconfig:"TABSPLIT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TABSPLIT_REDIS_ADDR"`
	Password     string        `envconfig:"TABSPLIT_REDIS_PASSWORD"`
	DB           int           `envconfig:"TABSPLIT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TABSPLIT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TABSPLIT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TABSPLIT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TABSPLIT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TABSPLIT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"TABSPLIT_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"TABSPLIT_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TABSPLIT_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"TABSPLIT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TABSPLIT_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationSubscription string `envconfig:"TABSPLIT_PUBSUB_NOTIFICATION_SUBSCRIPTION" default:"ts-notification-intake"`
	MaxOutstandingMessages   int    `envconfig:"TABSPLIT_PUBSUB_MAX_OUTSTANDING" default:"100"`
	NumGoroutines            int    `envconfig:"TABSPLIT_PUBSUB_RECEIVE_GOROUTINES" default:"1"`
}

// DigestConfig tunes intake merging and the aggregation tick.
type DigestConfig struct {
	Window       time.Duration `envconfig:"TABSPLIT_DIGEST_WINDOW" default:"10m"`
	BatchLimit   int           `envconfig:"TABSPLIT_DIGEST_BATCH_LIMIT" default:"500"`
	IntakeOptOut bool          `envconfig:"TABSPLIT_DIGEST_INTAKE_OPT_OUT_CHECK" default:"true"`
	LockTTL      time.Duration `envconfig:"TABSPLIT_DIGEST_LOCK_TTL" default:"2m"`
}

// TickInterval is half the merge window.
func (d DigestConfig) TickInterval() time.Duration {
	return d.Window / 2
}

func (d DigestConfig) validate() error {
	if d.Window <= 0 {
		return fmt.Errorf("%s must be positive", EnvDigestWindow)
	}
	if d.BatchLimit <= 0 {
		return fmt.Errorf("TABSPLIT_DIGEST_BATCH_LIMIT must be positive")
	}
	return nil
}

// IntakeConfig guards the HTTP intake endpoint.
type IntakeConfig struct {
	RateLimit      int           `envconfig:"TABSPLIT_INTAKE_RATE_LIMIT" default:"600"`
	RateWindow     time.Duration `envconfig:"TABSPLIT_INTAKE_RATE_WINDOW" default:"1m"`
	IdempotencyTTL time.Duration `envconfig:"TABSPLIT_INTAKE_IDEMPOTENCY_TTL" default:"24h"`
}

type DeliveryConfig struct {
	Workers       int           `envconfig:"TABSPLIT_DELIVERY_WORKERS" default:"4"`
	PollInterval  time.Duration `envconfig:"TABSPLIT_DELIVERY_POLL_INTERVAL" default:"1s"`
	MaxAttempts   int           `envconfig:"TABSPLIT_DELIVERY_MAX_ATTEMPTS" default:"3"`
	BackoffBase   time.Duration `envconfig:"TABSPLIT_DELIVERY_BACKOFF_BASE" default:"5s"`
	BackoffFactor float64       `envconfig:"TABSPLIT_DELIVERY_BACKOFF_FACTOR" default:"2"`
	BackoffMax    time.Duration `envconfig:"TABSPLIT_DELIVERY_BACKOFF_MAX" default:"1h"`
	SendTimeout   time.Duration `envconfig:"TABSPLIT_DELIVERY_SEND_TIMEOUT" default:"15s"`
	Lease         time.Duration `envconfig:"TABSPLIT_DELIVERY_LEASE" default:"2m"`
	Priority      int           `envconfig:"TABSPLIT_DELIVERY_DEFAULT_PRIORITY" default:"0"`
}

func (d DeliveryConfig) validate() error {
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvDeliveryMaxAttempts)
	}
	if d.BackoffBase <= 0 {
		return fmt.Errorf("%s must be positive", EnvDeliveryBackoffBase)
	}
	if d.BackoffFactor < 1 {
		return fmt.Errorf("TABSPLIT_DELIVERY_BACKOFF_FACTOR must be >= 1")
	}
	if d.SendTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvDeliverySendTimeout)
	}
	if d.Lease <= d.SendTimeout {
		return fmt.Errorf("TABSPLIT_DELIVERY_LEASE must exceed the send timeout")
	}
	return nil
}

type MailConfig struct {
	Driver   string `envconfig:"TABSPLIT_MAIL_DRIVER" default:"log"`
	Host     string `envconfig:"TABSPLIT_MAIL_SMTP_HOST"`
	Port     int    `envconfig:"TABSPLIT_MAIL_SMTP_PORT" default:"465"`
	Username string `envconfig:"TABSPLIT_MAIL_SMTP_USERNAME"`
	Password string `envconfig:"TABSPLIT_MAIL_SMTP_PASSWORD"`
	From     string `envconfig:"TABSPLIT_MAIL_FROM" default:"tabsplit <no-reply@tabsplit.app>"`
}

type RetentionConfig struct {
	IntentDays int `envconfig:"TABSPLIT_RETENTION_INTENT_DAYS" default:"30"`
	AuditDays  int `envconfig:"TABSPLIT_RETENTION_AUDIT_DAYS" default:"90"`
	JobDays    int `envconfig:"TABSPLIT_RETENTION_JOB_DAYS" default:"30"`
	// SweepInterval drives the maintenance cycle: retention, lease reaping
	// and gauge refresh.
	SweepInterval time.Duration `envconfig:"TABSPLIT_MAINTENANCE_INTERVAL" default:"1m"`
	LockTTL       time.Duration `envconfig:"TABSPLIT_MAINTENANCE_LOCK_TTL" default:"5m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		db.DSN = "file:tabsplit.db?cache=shared"
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
