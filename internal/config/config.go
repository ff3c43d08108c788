// Package config loads the runtime configuration for the orchestrator from
// environment variables. Every option has a working default so a bare
// `opencode-agent` starts against a local SQLite file, a local Redis and a
// local opencode runtime without any setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds every runtime option of the orchestrator. Values are read once
// at startup via FromEnv; flags in cmd/server may override individual fields
// before Validate is called.
type Config struct {
	ListenAddr string
	APIPrefix  string

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	RedisURL          string
	QueueNamespace    string
	WorkerConcurrency int

	DataRoot                string
	WorkspaceRetentionHours int
	MaxUploadFileSizeBytes  int64

	// Connection to the opencode runtime.
	OpencodeBaseURL       string
	OpencodeUsername      string
	OpencodePassword      string
	OpencodeRequestTimeout time.Duration
	StreamReadTimeout      time.Duration

	DefaultAgent           string
	SkillFallbackThreshold float64

	JobSoftTimeout        time.Duration
	JobHardTimeout        time.Duration
	PermissionWaitTimeout time.Duration

	DefaultTenantID  string
	DefaultCreatedBy string

	CORSAllowedOrigins []string

	LogLevel         string
	LogDir           string
	LogRetentionDays int

	// S3 log archival. Inactive unless ArchiveS3Bucket is set.
	ArchiveS3Bucket   string
	ArchiveS3Region   string
	ArchiveS3Endpoint string
	ArchiveS3Prefix   string
	ArchiveCron       string
}

// FromEnv builds a Config from environment variables, falling back to the
// documented defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		ListenAddr: envOrDefault("OPENCODE_LISTEN_ADDR", ":8080"),
		APIPrefix:  envOrDefault("OPENCODE_API_PREFIX", "/api/v1"),

		DBDriver: envOrDefault("OPENCODE_DB_DRIVER", "sqlite"),
		DBDSN:    envOrDefault("OPENCODE_DB_DSN", "./orchestrator.db"),

		RedisURL:          envOrDefault("OPENCODE_REDIS_URL", "redis://localhost:6379/0"),
		QueueNamespace:    envOrDefault("OPENCODE_QUEUE_NAMESPACE", "opencode-jobs"),
		WorkerConcurrency: envOrDefaultInt("OPENCODE_WORKER_CONCURRENCY", 4),

		DataRoot:                envOrDefault("OPENCODE_DATA_ROOT", "./data/opencode-jobs"),
		WorkspaceRetentionHours: envOrDefaultInt("OPENCODE_WORKSPACE_RETENTION_HOURS", 72),
		MaxUploadFileSizeBytes:  envOrDefaultInt64("OPENCODE_MAX_UPLOAD_FILE_SIZE_BYTES", 50*1024*1024),

		OpencodeBaseURL:        envOrDefault("OPENCODE_BASE_URL", "http://127.0.0.1:4096"),
		OpencodeUsername:       envOrDefault("OPENCODE_SERVER_USERNAME", "opencode"),
		OpencodePassword:       envOrDefault("OPENCODE_SERVER_PASSWORD", ""),
		OpencodeRequestTimeout: envOrDefaultSeconds("OPENCODE_REQUEST_TIMEOUT_SECONDS", 30),
		StreamReadTimeout:      envOrDefaultSeconds("OPENCODE_STREAM_READ_TIMEOUT_SECONDS", 10),

		DefaultAgent:           envOrDefault("OPENCODE_DEFAULT_AGENT", "build"),
		SkillFallbackThreshold: envOrDefaultFloat("OPENCODE_SKILL_FALLBACK_THRESHOLD", 0.45),

		JobSoftTimeout:        envOrDefaultSeconds("OPENCODE_JOB_SOFT_TIMEOUT_SECONDS", 15*60),
		JobHardTimeout:        envOrDefaultSeconds("OPENCODE_JOB_HARD_TIMEOUT_SECONDS", 20*60),
		PermissionWaitTimeout: envOrDefaultSeconds("OPENCODE_PERMISSION_WAIT_TIMEOUT_SECONDS", 120),

		// Single tenant for v1, but the schema is multi-tenant ready.
		DefaultTenantID:  envOrDefault("OPENCODE_DEFAULT_TENANT_ID", "default"),
		DefaultCreatedBy: envOrDefault("OPENCODE_DEFAULT_CREATED_BY", "system"),

		CORSAllowedOrigins: splitCSV(envOrDefault("OPENCODE_CORS_ALLOWED_ORIGINS", "")),

		LogLevel:         envOrDefault("OPENCODE_LOG_LEVEL", "info"),
		LogDir:           envOrDefault("OPENCODE_LOG_DIR", ""),
		LogRetentionDays: envOrDefaultInt("OPENCODE_LOG_RETENTION_DAYS", 7),

		ArchiveS3Bucket:   envOrDefault("OPENCODE_ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:   envOrDefault("OPENCODE_ARCHIVE_S3_REGION", ""),
		ArchiveS3Endpoint: envOrDefault("OPENCODE_ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Prefix:   envOrDefault("OPENCODE_ARCHIVE_S3_PREFIX", "logs"),
		ArchiveCron:       envOrDefault("OPENCODE_ARCHIVE_CRON", "0 3 * * *"),
	}
}

// Validate checks the fields whose bad values would only surface deep inside a
// running job. It is called once from cmd/server after flag overrides.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported db driver %q, use \"sqlite\" or \"postgres\"", c.DBDriver)
	}
	if c.SkillFallbackThreshold < 0 || c.SkillFallbackThreshold > 1 {
		return fmt.Errorf("config: skill fallback threshold %.2f out of range [0,1]", c.SkillFallbackThreshold)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: worker concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.MaxUploadFileSizeBytes <= 0 {
		return fmt.Errorf("config: max upload file size must be positive, got %d", c.MaxUploadFileSizeBytes)
	}
	if c.JobSoftTimeout > c.JobHardTimeout {
		return fmt.Errorf("config: soft timeout %s exceeds hard timeout %s", c.JobSoftTimeout, c.JobHardTimeout)
	}
	if _, err := cron.ParseStandard(c.ArchiveCron); err != nil {
		return fmt.Errorf("config: invalid archive cron %q: %w", c.ArchiveCron, err)
	}
	return nil
}

// EnsureDataRoot resolves DataRoot to an absolute path and creates it.
// When the configured directory is not writable (read-only container image,
// restricted mount), it falls back to ./data/opencode-jobs under the working
// directory. The resolved path is written back to c.DataRoot and returned.
func (c *Config) EnsureDataRoot() (string, error) {
	root := c.DataRoot
	if !filepath.IsAbs(root) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("config: resolve data root: %w", err)
		}
		root = abs
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		if !errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("config: create data root: %w", err)
		}
		fallback, ferr := filepath.Abs(filepath.Join("data", "opencode-jobs"))
		if ferr != nil {
			return "", fmt.Errorf("config: resolve fallback data root: %w", ferr)
		}
		if ferr := os.MkdirAll(fallback, 0o755); ferr != nil {
			return "", fmt.Errorf("config: create fallback data root: %w", ferr)
		}
		root = fallback
	}

	c.DataRoot = root
	return root, nil
}

// ArchiveEnabled reports whether the S3 log archival components should run.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != "" && c.LogDir != ""
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultSeconds)) * time.Second
}

// splitCSV turns a comma-separated string into a slice of trimmed non-empty
// entries. An empty input yields a nil slice.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
