package config

import (
	"errors"
	"time"
)

// Config holds runtime configuration for the control plane API.
type Config struct {
	Environment    string
	Addr           string
	PublicURL      string
	LogLevel       string
	DatabaseURL    string
	MigrationsDir  string
	JWTSecret      string
	EncryptionKey  string
	CORSOrigins    []string
	WebhookSecret  string
	DockerHost     string
	DockerNetwork  string
	ImagePrefix    string
	BuildTimeout   time.Duration
	StopTimeout    time.Duration
	GitWorkspace   string
	GitTimeout     time.Duration
	GitRetention   time.Duration
	WorkspaceSweep time.Duration

	TraefikDynamicConfigPath string
	TraefikAPIURL            string
	TraefikCertResolver      string
	TraefikHTTPSRedirect     bool

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

const insecureDefaultSecret = "supersecuresecret"

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:    GetString("APP_ENV", "development"),
		Addr:           GetString("API_ADDR", ":4000"),
		PublicURL:      GetString("PUBLIC_URL", "http://localhost:4000"),
		LogLevel:       GetString("LOG_LEVEL", "info"),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://launchpad:launchpad@db:5432/launchpad?sslmode=disable"),
		MigrationsDir:  GetString("DB_MIGRATIONS_DIR", "migrations"),
		JWTSecret:      GetString("JWT_SECRET", insecureDefaultSecret),
		EncryptionKey:  GetString("ENCRYPTION_KEY", insecureDefaultSecret),
		CORSOrigins:    GetList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		WebhookSecret:  GetString("GIT_WEBHOOK_SECRET", ""),
		DockerHost:     GetString("DOCKER_HOST", ""),
		DockerNetwork:  GetString("DOCKER_NETWORK", "launchpad"),
		ImagePrefix:    GetString("IMAGE_PREFIX", "launchpad"),
		BuildTimeout:   GetDuration("BUILD_TIMEOUT_SECONDS", time.Second, 1800),
		StopTimeout:    GetDuration("CONTAINER_STOP_TIMEOUT_SECONDS", time.Second, 30),
		GitWorkspace:   GetString("GIT_WORKSPACE_PATH", "/tmp/launchpad/git"),
		GitTimeout:     GetDuration("GIT_TIMEOUT_SECONDS", time.Second, 120),
		GitRetention:   GetDuration("GIT_WORKSPACE_RETENTION_DAYS", 24*time.Hour, 7),
		WorkspaceSweep: GetDuration("WORKSPACE_SWEEP_MINUTES", time.Minute, 60),

		TraefikDynamicConfigPath: GetString("TRAEFIK_DYNAMIC_CONFIG_PATH", "/etc/traefik/dynamic/launchpad.yml"),
		TraefikAPIURL:            GetString("TRAEFIK_API_URL", "http://traefik:8080/api"),
		TraefikCertResolver:      GetString("TRAEFIK_CERT_RESOLVER", "letsencrypt"),
		TraefikHTTPSRedirect:     GetBool("TRAEFIK_HTTPS_REDIRECT", true),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// IsProduction reports whether the service runs with production defaults.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects settings that are only acceptable in development.
func (c Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	var errs []error
	if c.JWTSecret == "" || c.JWTSecret == insecureDefaultSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.EncryptionKey == "" || c.EncryptionKey == insecureDefaultSecret {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be set in production"))
	}
	if c.JWTSecret != "" && c.JWTSecret == c.EncryptionKey {
		errs = append(errs, errors.New("JWT_SECRET and ENCRYPTION_KEY must differ"))
	}
	return errors.Join(errs...)
}
