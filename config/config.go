package config

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/ai-execution-gateway/services/providers"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig
	Database       *DatabaseConfig // Optional: usage records stay in memory when nil
	EventsDatabase *DatabaseConfig // Optional: separate DB for execution events. When nil, events use main DB.
	Redis          RedisConfig
	Providers      ProvidersConfig
	Limits         LimitsConfig
	Catalog        []providers.ProviderDescriptor
	Identity       IdentityConfig
	Audit          AuditConfig
	Activity       ActivityConfig
	Observability  ObservabilityConfig
	Environment    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers are honoured when identifying anonymous callers
	TrustedProxies []netip.Prefix
	TLS            struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the counter store configuration. Without a URL the
// limiter keeps its counters in process memory.
type RedisConfig struct {
	URL             string
	CleanupInterval time.Duration
}

// ProvidersConfig holds LLM provider credentials
type ProvidersConfig struct {
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Gemini    GeminiConfig
	Bedrock   BedrockConfig
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	OrgID   string
}

// AnthropicConfig holds Anthropic provider configuration
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// GeminiConfig holds Google Gemini provider configuration
type GeminiConfig struct {
	APIKey  string
	BaseURL string
}

// BedrockConfig holds AWS Bedrock provider configuration.
// Empty keys fall back to the default AWS credential chain.
type BedrockConfig struct {
	Enabled   bool
	Region    string
	AccessKey string
	SecretKey string

	// EndpointURL overrides the regional runtime endpoint (VPC endpoints, test doubles)
	EndpointURL string
}

// TierLimits are the ceilings of one tier. Zero means unlimited.
type TierLimits struct {
	RequestsPerHour int64
	RequestsPerDay  int64
	TokensPerDay    int64
}

// LimitsConfig holds the per-tier ceilings
type LimitsConfig struct {
	Anonymous     TierLimits
	Authenticated TierLimits
	Pro           TierLimits
}

// IdentityConfig holds the bearer token settings used to resolve callers
type IdentityConfig struct {
	JWTSecret string
	Issuer    string
}

// AuditConfig holds the review pipeline configuration
type AuditConfig struct {
	Enabled         bool
	Provider        string
	Model           string
	Mode            string
	ReviewerTimeout time.Duration
	MaxTokens       int
	ReviewersPath   string // Optional YAML file replacing the default reviewers
}

// ActivityConfig holds the execution event worker pool configuration
type ActivityConfig struct {
	BufferSize   int
	WorkerCount  int
	BatchSize    int
	WriteTimeout time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	catalog, err := loadCatalog(getEnv("PROVIDER_CATALOG_PATH", ""))
	if err != nil {
		return nil, err
	}

	trustedProxies, err := ParseTrustedProxies(getEnvAsList("TRUSTED_PROXIES", nil))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout(catalog)),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TrustedProxies:  trustedProxies,
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:       loadDatabaseConfig(),
		EventsDatabase: loadEventsDatabaseConfig(),
		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", ""),
			CleanupInterval: getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				OrgID:   getEnv("OPENAI_ORG_ID", ""),
			},
			Anthropic: AnthropicConfig{
				APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
			Gemini: GeminiConfig{
				APIKey:  getEnv("GEMINI_API_KEY", ""),
				BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			},
			Bedrock: BedrockConfig{
				Enabled:   getEnvAsBool("BEDROCK_ENABLED", false),
				Region:    getEnv("BEDROCK_REGION", "us-east-1"),
				AccessKey: getEnv("BEDROCK_ACCESS_KEY", ""),
				SecretKey: getEnv("BEDROCK_SECRET_KEY", ""),

				EndpointURL: getEnv("BEDROCK_ENDPOINT_URL", ""),
			},
		},
		Limits: LimitsConfig{
			Anonymous: TierLimits{
				RequestsPerHour: getEnvAsInt64("ANONYMOUS_REQUESTS_PER_HOUR", 3),
				RequestsPerDay:  getEnvAsInt64("ANONYMOUS_REQUESTS_PER_DAY", 10),
				TokensPerDay:    getEnvAsInt64("ANONYMOUS_TOKENS_PER_DAY", 20000),
			},
			Authenticated: TierLimits{
				RequestsPerHour: getEnvAsInt64("AUTHENTICATED_REQUESTS_PER_HOUR", 30),
				RequestsPerDay:  getEnvAsInt64("AUTHENTICATED_REQUESTS_PER_DAY", 200),
				TokensPerDay:    getEnvAsInt64("AUTHENTICATED_TOKENS_PER_DAY", 500000),
			},
			Pro: TierLimits{
				RequestsPerHour: getEnvAsInt64("PRO_REQUESTS_PER_HOUR", 300),
				RequestsPerDay:  getEnvAsInt64("PRO_REQUESTS_PER_DAY", 3000),
				TokensPerDay:    getEnvAsInt64("PRO_TOKENS_PER_DAY", 5000000),
			},
		},
		Catalog: catalog,
		Identity: IdentityConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Audit: AuditConfig{
			Enabled:         getEnvAsBool("AUDIT_ENABLED", true),
			Provider:        getEnv("AUDIT_PROVIDER", "openai"),
			Model:           getEnv("AUDIT_MODEL", "gpt-4o-mini"),
			Mode:            getEnv("AUDIT_MODE", "mean"),
			ReviewerTimeout: getEnvAsDuration("AUDIT_REVIEWER_TIMEOUT", 60*time.Second),
			MaxTokens:       getEnvAsInt("AUDIT_MAX_TOKENS", 512),
			ReviewersPath:   getEnv("AUDIT_REVIEWERS_PATH", ""),
		},
		Activity: ActivityConfig{
			BufferSize:   getEnvAsInt("ACTIVITY_BUFFER_SIZE", 10000),
			WorkerCount:  getEnvAsInt("ACTIVITY_WORKERS", 5),
			BatchSize:    getEnvAsInt("ACTIVITY_BATCH_SIZE", 50),
			WriteTimeout: getEnvAsDuration("ACTIVITY_WRITE_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	// Database is optional; individual fields need a user and a name
	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.EventsDatabase != nil && c.Database == nil {
		return fmt.Errorf("DATABASE_URL_EVENTS requires a main database")
	}

	if len(c.Catalog) == 0 {
		return fmt.Errorf("provider catalog is empty")
	}

	// A provider timeout must still be answered before the write deadline
	if longest := longestProviderTimeout(c.Catalog); c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= longest {
		return fmt.Errorf("server write timeout %s must exceed the longest provider timeout %s", c.Server.WriteTimeout, longest)
	}

	if c.IsProduction() {
		if c.Identity.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
		if !c.Providers.AnyConfigured() {
			return fmt.Errorf("at least one LLM provider must be configured in production")
		}
	}

	if c.Audit.Enabled {
		if c.Audit.Mode != "mean" && c.Audit.Mode != "lowest_wins" {
			return fmt.Errorf("audit mode must be mean or lowest_wins, got %q", c.Audit.Mode)
		}
		if c.Audit.Provider == "" || c.Audit.Model == "" {
			return fmt.Errorf("audit provider and model are required when audit is enabled")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// AnyConfigured reports whether at least one provider has credentials
func (p ProvidersConfig) AnyConfigured() bool {
	return p.OpenAI.APIKey != "" ||
		p.Anthropic.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.Bedrock.Enabled
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Returns nil when neither DATABASE_URL nor DB_HOST is set.
func loadDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return &DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	if getEnv("DB_HOST", "") == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gateway"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "gateway"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadEventsDatabaseConfig loads the execution events DB config from DATABASE_URL_EVENTS.
// Returns nil when not set (events use main DB).
func loadEventsDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_EVENTS", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// writeTimeoutMargin is the time left to write a response after the slowest
// provider deadline has passed
const writeTimeoutMargin = 15 * time.Second

// defaultWriteTimeout outlasts every provider timeout in the catalog
func defaultWriteTimeout(catalog []providers.ProviderDescriptor) time.Duration {
	return longestProviderTimeout(catalog) + writeTimeoutMargin
}

func longestProviderTimeout(catalog []providers.ProviderDescriptor) time.Duration {
	longest := time.Duration(0)
	for _, desc := range catalog {
		timeout := desc.Timeout
		if timeout <= 0 {
			timeout = providers.DefaultTimeout
		}
		if timeout > longest {
			longest = timeout
		}
	}
	return longest
}

// ParseTrustedProxies parses proxy addresses given as single IPs or CIDR
// prefixes
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
