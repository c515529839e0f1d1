package config

import (
	"log/slog"
	"strings"
	"time"
)

// ServerConfig holds runtime configuration for the release API.
type ServerConfig struct {
	Environment         string
	Addr                string
	LogLevel            slog.Level
	StoreDriver         string
	DatabaseURL         string
	MigrationsDir       string
	AutoMigrate         bool
	CatalogPath         string
	JWTSecret           string
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
	RateLimitRead       int
	RateLimitWrite      int
	RateLimitExecute    int
	RateLimitStream     int
	RateLimitWindow     time.Duration
	SCMRepoURL          string
	SCMSourceBranch     string
	SCMWorkdir          string
	TrackerURL          string
	TrackerToken        string
	PipelineURL         string
	PipelineToken       string
	DeployPollInterval  time.Duration
	DeployTimeout       time.Duration
	VerifyURLTemplate   string
	VerifyTimeout       time.Duration
	DockerHost          string
	DockerRegistry      string
	BuildWorkdir        string
	TerraformBin        string
	TerraformRoot       string
	TransitiveResolving bool
	ShutdownTimeout     time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		LogLevel:            ParseLevel(GetString("LOG_LEVEL", "info")),
		StoreDriver:         strings.ToLower(GetString("STORE_DRIVER", "postgres")),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://shipyard:shipyard@db:5432/shipyard?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", ""),
		AutoMigrate:         GetBool("DB_AUTO_MIGRATE", true),
		CatalogPath:         GetString("CATALOG_PATH", ""),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitRead:       GetInt("RATE_LIMIT_READ", 240),
		RateLimitWrite:      GetInt("RATE_LIMIT_WRITE", 60),
		RateLimitExecute:    GetInt("RATE_LIMIT_EXECUTE", 20),
		RateLimitStream:     GetInt("RATE_LIMIT_STREAM", 30),
		RateLimitWindow:     GetDuration("RATE_LIMIT_WINDOW_SECONDS", 60, time.Second),
		SCMRepoURL:          GetString("SCM_REPO_URL", ""),
		SCMSourceBranch:     GetString("SCM_SOURCE_BRANCH", "main"),
		SCMWorkdir:          GetString("SCM_WORKDIR", "/tmp/shipyard/scm"),
		TrackerURL:          GetString("TRACKER_URL", ""),
		TrackerToken:        GetString("TRACKER_TOKEN", ""),
		PipelineURL:         GetString("PIPELINE_URL", ""),
		PipelineToken:       GetString("PIPELINE_TOKEN", ""),
		DeployPollInterval:  GetDuration("DEPLOY_POLL_SECONDS", 10, time.Second),
		DeployTimeout:       GetDuration("DEPLOY_TIMEOUT_MINUTES", 30, time.Minute),
		VerifyURLTemplate:   GetString("VERIFY_URL_TEMPLATE", "http://{app}.{env}.internal/healthz"),
		VerifyTimeout:       GetDuration("VERIFY_TIMEOUT_SECONDS", 10, time.Second),
		DockerHost:          GetString("DOCKER_HOST", ""),
		DockerRegistry:      GetString("DOCKER_REGISTRY", ""),
		BuildWorkdir:        GetString("BUILD_WORKDIR", "/tmp/shipyard/builds"),
		TerraformBin:        GetString("TERRAFORM_BIN", "terraform"),
		TerraformRoot:       GetString("TERRAFORM_ROOT", "."),
		TransitiveResolving: GetBool("RESOLVER_TRANSITIVE_VALIDATION", false),
		ShutdownTimeout:     GetDuration("SHUTDOWN_TIMEOUT_SECONDS", 30, time.Second),
	}
}

// ParseLevel maps a textual level onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
