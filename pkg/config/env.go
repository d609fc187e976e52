package config

// EnvPrefix is the envconfig prefix; every field also declares its full
// variable name so lookups fall back to the unprefixed tag.
const EnvPrefix = "TABSPLIT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv    = "TABSPLIT_APP_ENV"
	EnvPort      = "TABSPLIT_APP_PORT"
	EnvLogLevel  = "TABSPLIT_LOG_LEVEL"
	EnvLogFormat = "TABSPLIT_LOG_FORMAT"

	EnvDBDSN      = "TABSPLIT_DB_DSN"
	EnvDBDriver   = "TABSPLIT_DB_DRIVER"
	EnvDBHost     = "TABSPLIT_DB_HOST"
	EnvDBUser     = "TABSPLIT_DB_USER"
	EnvDBName     = "TABSPLIT_DB_NAME"
	EnvRedisURL   = "TABSPLIT_REDIS_URL"
	EnvGCPProject = "TABSPLIT_GCP_PROJECT_ID"

	EnvPubSubNotificationSub = "TABSPLIT_PUBSUB_NOTIFICATION_SUBSCRIPTION"
	EnvIntakeRateLimit       = "TABSPLIT_INTAKE_RATE_LIMIT"

	EnvDigestWindow         = "TABSPLIT_DIGEST_WINDOW"
	EnvDeliveryMaxAttempts  = "TABSPLIT_DELIVERY_MAX_ATTEMPTS"
	EnvDeliveryBackoffBase  = "TABSPLIT_DELIVERY_BACKOFF_BASE"
	EnvDeliverySendTimeout  = "TABSPLIT_DELIVERY_SEND_TIMEOUT"
	EnvMailDriver           = "TABSPLIT_MAIL_DRIVER"
	EnvMailHost             = "TABSPLIT_MAIL_SMTP_HOST"
	EnvMailFrom             = "TABSPLIT_MAIL_FROM"
	EnvRetentionIntentDays  = "TABSPLIT_RETENTION_INTENT_DAYS"
	EnvRetentionAuditDays   = "TABSPLIT_RETENTION_AUDIT_DAYS"
	EnvRetentionJobDays     = "TABSPLIT_RETENTION_JOB_DAYS"
	EnvFeatureIntakeOptOut  = "TABSPLIT_DIGEST_INTAKE_OPT_OUT_CHECK"
	EnvFeatureAutoMigrate   = "TABSPLIT_AUTO_MIGRATE"
	EnvDeliveryWorkerCount  = "TABSPLIT_DELIVERY_WORKERS"
	EnvDeliveryPollInterval = "TABSPLIT_DELIVERY_POLL_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

const (
	MailDriverSMTP = "smtp"
	MailDriverLog  = "log"
)
