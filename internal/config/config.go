// Package config provides centralized configuration management for the
// application. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast
// on misconfiguration.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// MaxFilterValues bounds every list-based membership filter (allowed
// IPs, privileged users, after-hours users, privileged keywords).
// Larger lists would blow up the literal-value predicates the analysis
// queries bind.
const MaxFilterValues = 100

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig
	Pool     PoolConfig
	Query    QueryConfig
	Memory   MemoryConfig
	Import   ImportConfig
	Analysis AnalysisConfig
	Report   ReportConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds connection settings for the audit store.
type DatabaseConfig struct {
	// Host is the database server host (default: localhost)
	Host string `env:"DB_HOST" default:"localhost"`

	// Port is the database server port (default: 5432)
	Port int `env:"DB_PORT" default:"5432"`

	// User is the database user (default: audit)
	User string `env:"DB_USER" default:"audit"`

	// Password is the database password
	Password string `env:"DB_PASSWORD"`

	// Name is the database holding the audit_log table (default: auditdb)
	Name string `env:"DB_NAME" default:"auditdb"`

	// ConnectTimeout is the per-connection dial timeout (default: 30s)
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" default:"30s"`
}

// URL returns a connection string for the configured database.
// The password is URL-escaped so it can carry arbitrary characters.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// PoolConfig holds the shared connection pool settings.
type PoolConfig struct {
	// Size is the baseline number of pooled connections (default: 5)
	Size int `env:"DB_POOL_SIZE" default:"5"`

	// MaxOverflow is how many connections beyond Size may be created
	// under load (default: 10). Size+MaxOverflow is the hard cap.
	MaxOverflow int `env:"DB_MAX_OVERFLOW" default:"10"`

	// AcquireTimeout is how long a caller waits for a connection before
	// the pool reports exhaustion (default: 30s)
	AcquireTimeout time.Duration `env:"DB_POOL_TIMEOUT" default:"30s"`
}

// MaxConns returns the hard cap on simultaneously open pooled connections.
func (c *PoolConfig) MaxConns() int {
	return c.Size + c.MaxOverflow
}

// QueryConfig holds execution settings for analysis queries.
type QueryConfig struct {
	// Timeout is the server-side statement time limit (default: 5m)
	Timeout time.Duration `env:"DB_QUERY_TIMEOUT" default:"5m"`

	// LockTimeout is the server-side lock wait limit (default: 2m)
	LockTimeout time.Duration `env:"DB_LOCK_TIMEOUT" default:"2m"`

	// MaxFetchSize is the hard cap on materialized result rows (default: 100000)
	MaxFetchSize int `env:"MAX_FETCH_SIZE" default:"100000"`

	// BatchFetchSize is rows fetched per round trip when materializing
	// bounded results (default: 10000)
	BatchFetchSize int `env:"BATCH_FETCH_SIZE" default:"10000"`

	// RetryCount is total attempts per query, including the first (default: 3)
	RetryCount int `env:"QUERY_RETRY_COUNT" default:"3"`

	// RetryDelay is the base inter-attempt backoff; attempt n sleeps
	// n×RetryDelay before retrying (default: 1s)
	RetryDelay time.Duration `env:"RETRY_DELAY" default:"1s"`

	// ThrottleDelay is a fixed pause applied before every attempt to
	// avoid query bursts (default: 100ms)
	ThrottleDelay time.Duration `env:"QUERY_THROTTLE_DELAY" default:"100ms"`

	// MaxConcurrent is the process-wide cap on in-flight analysis
	// queries (default: 3)
	MaxConcurrent int `env:"MAX_CONCURRENT_QUERIES" default:"3"`

	// GateTimeout is how long a query waits for an admission slot (default: 5m)
	GateTimeout time.Duration `env:"QUERY_GATE_TIMEOUT" default:"5m"`
}

// MemoryConfig holds advisory memory pressure settings.
type MemoryConfig struct {
	// MaxUsageMB is the advisory heap ceiling; bounded-materialize
	// fetches truncate past it (default: 1024)
	MaxUsageMB int `env:"MAX_MEMORY_USAGE_MB" default:"1024"`

	// MonitoringEnabled toggles the pressure probe; when disabled the
	// monitor always reports headroom (default: true)
	MonitoringEnabled bool `env:"ENABLE_RESOURCE_MONITORING" default:"true"`
}

// ImportConfig holds log file ingestion settings.
type ImportConfig struct {
	// LogBasePath is the directory holding daily audit log files
	// (default: /var/log/mysql/audit)
	LogBasePath string `env:"LOG_BASE_PATH" default:"/var/log/mysql/audit"`

	// LogFilePrefix is the file name prefix; a day's file is
	// <prefix>-<date> or <prefix>-<date>.gz (default: server_audit.log)
	LogFilePrefix string `env:"LOG_FILE_PREFIX" default:"server_audit.log"`

	// StagingDir is where bulk-load staging artifacts are written (default: /tmp)
	StagingDir string `env:"STAGING_DIR" default:"/tmp"`

	// UseBulkLoad selects the server-side bulk load path; on failure the
	// importer falls back to chunked inserts regardless (default: true)
	UseBulkLoad bool `env:"USE_BULK_LOAD" default:"true"`

	// InsertBatchSize is rows per multi-row insert on the fallback path
	// (default: 2000)
	InsertBatchSize int `env:"IMPORT_INSERT_BATCH_SIZE" default:"2000"`
}

// AnalysisConfig holds the security-analysis parameters.
type AnalysisConfig struct {
	// FailedLoginThreshold is the minimum failure count that flags a
	// user or client host (default: 5)
	FailedLoginThreshold int `env:"FAILED_LOGIN_THRESHOLD" default:"5"`

	// AllowedIPs is the client-host allow-list; empty disables the
	// non-whitelisted-IP analysis
	AllowedIPs []string `env:"ALLOWED_IPS"`

	// AfterHoursUsers are accounts checked for off-hours activity;
	// empty disables the after-hours analysis
	AfterHoursUsers []string `env:"AFTER_HOURS_USERS"`

	// WorkHourStart is the first working hour, inclusive (default: 9)
	WorkHourStart int `env:"WORK_HOUR_START" default:"9"`

	// WorkHourEnd is the first non-working hour (default: 18)
	WorkHourEnd int `env:"WORK_HOUR_END" default:"18"`

	// PrivilegedUsers are accounts whose logins are reported; empty
	// disables the privileged-login analysis
	PrivilegedUsers []string `env:"PRIVILEGED_USERS"`

	// PrivilegedKeywords flag statements as privileged operations
	PrivilegedKeywords []string `env:"PRIVILEGED_KEYWORDS" default:"CREATE USER,DROP USER,GRANT,REVOKE,CREATE DATABASE,DROP DATABASE,CREATE TABLE,DROP TABLE,ALTER USER,SET PASSWORD"`
}

// ReportConfig holds report rendering settings.
type ReportConfig struct {
	// OutputDir is where rendered reports are written (default: /tmp/mysql_reports)
	OutputDir string `env:"OUTPUT_DIR" default:"/tmp/mysql_reports"`

	// Title is the report heading
	Title string `env:"REPORT_TITLE" default:"Audit Log Security Analysis Report"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}
