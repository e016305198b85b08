package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Coverage  CoverageConfig  `mapstructure:"coverage"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	AI        AIConfig        `mapstructure:"ai"`
	Export    ExportConfig    `mapstructure:"export"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Debug       bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Schema          string        `mapstructure:"schema"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&search_path=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.Schema,
	)
}

type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	URI                string `mapstructure:"uri"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Database           string `mapstructure:"database"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MaxLifetimeMinutes int    `mapstructure:"max_lifetime_minutes"`
}

type NATSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	StreamName string `mapstructure:"stream_name"`
}

type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

// CoverageConfig holds the scoring thresholds and fan-out limits for coverage analysis
type CoverageConfig struct {
	MinConfidenceThreshold    float64       `mapstructure:"min_confidence_threshold"`
	MinCoverageScore          float64       `mapstructure:"min_coverage_score"`
	CriticalWeight            float64       `mapstructure:"critical_weight"`
	MaxTechniquesPerDetection int           `mapstructure:"max_techniques_per_detection"`
	BatchSize                 int           `mapstructure:"batch_size"`
	MaxConcurrency            int           `mapstructure:"max_concurrency"`
	ResultCacheTTL            time.Duration `mapstructure:"result_cache_ttl"`
	CriticalTechniques        []string      `mapstructure:"critical_techniques"`
	FailFast                  bool          `mapstructure:"fail_fast"`
}

// RegistryConfig configures the MITRE technique registry and its taxonomy source
type RegistryConfig struct {
	Source           string        `mapstructure:"source"` // stix, api, fixture
	STIXFile         string        `mapstructure:"stix_file"`
	STIXURL          string        `mapstructure:"stix_url"`
	APIURL           string        `mapstructure:"api_url"`
	FixtureFile      string        `mapstructure:"fixture_file"`
	CacheVersion     string        `mapstructure:"cache_version"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BulkConcurrency  int           `mapstructure:"bulk_concurrency"`
	AllowDeprecated  bool          `mapstructure:"allow_deprecated"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// AIConfig configures the technique candidate generator and confidence function
type AIConfig struct {
	Provider     string        `mapstructure:"provider"` // claude, openai, gemini, heuristic
	ClaudeAPIKey string        `mapstructure:"claude_api_key"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ExportConfig configures ATT&CK Navigator layer export to S3-compatible storage
type ExportConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// WorkerConfig configures the background library re-analysis worker
type WorkerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	LibraryIDs []string      `mapstructure:"library_ids"`
}

// Validate checks values that would make the coverage core misbehave
func (c *Config) Validate() error {
	var errs []error
	if t := c.Coverage.MinConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("coverage.min_confidence_threshold must be within [0,1], got %v", t))
	}
	if t := c.Coverage.MinCoverageScore; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("coverage.min_coverage_score must be within [0,1], got %v", t))
	}
	if c.Coverage.CriticalWeight < 1 {
		errs = append(errs, fmt.Errorf("coverage.critical_weight must be >= 1, got %v", c.Coverage.CriticalWeight))
	}
	if c.Coverage.MaxTechniquesPerDetection <= 0 {
		errs = append(errs, errors.New("coverage.max_techniques_per_detection must be positive"))
	}
	switch c.Registry.Source {
	case "stix", "api", "fixture":
	default:
		errs = append(errs, fmt.Errorf("registry.source %q is not one of stix, api, fixture", c.Registry.Source))
	}
	switch c.AI.Provider {
	case "claude", "openai", "gemini", "heuristic":
	default:
		errs = append(errs, fmt.Errorf("ai.provider %q is not supported", c.AI.Provider))
	}
	return errors.Join(errs...)
}

// setDefaults registers defaults so the service can start without a config file
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ruleforge-lab")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "dev")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ruleforge")
	v.SetDefault("database.dbname", "ruleforge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "ruleforge:")

	v.SetDefault("neo4j.max_connections", 50)
	v.SetDefault("neo4j.max_lifetime_minutes", 60)
	v.SetDefault("nats.stream_name", "RULEFORGE_COVERAGE")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-API-Key"})
	v.SetDefault("cors.max_age", 300)
	v.SetDefault("ratelimit.requests_per_minute", 120)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("coverage.min_confidence_threshold", 0.75)
	v.SetDefault("coverage.min_coverage_score", 0.4)
	v.SetDefault("coverage.critical_weight", 2.0)
	v.SetDefault("coverage.max_techniques_per_detection", 10)
	v.SetDefault("coverage.batch_size", 100)
	v.SetDefault("coverage.max_concurrency", 10)
	v.SetDefault("coverage.result_cache_ttl", time.Hour)
	v.SetDefault("coverage.critical_techniques", []string{
		"T1003", "T1055", "T1059", "T1078", "T1486", "T1490", "T1547", "T1562",
	})

	v.SetDefault("registry.source", "fixture")
	v.SetDefault("registry.cache_version", "v1")
	v.SetDefault("registry.cache_ttl", 24*time.Hour)
	v.SetDefault("registry.fetch_timeout", 15*time.Second)
	v.SetDefault("registry.max_attempts", 3)
	v.SetDefault("registry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("registry.max_backoff", 5*time.Second)
	v.SetDefault("registry.bulk_concurrency", 8)
	v.SetDefault("registry.breaker_threshold", 5)
	v.SetDefault("registry.breaker_cooldown", 30*time.Second)

	v.SetDefault("ai.provider", "heuristic")
	v.SetDefault("ai.temperature", 0.2)
	v.SetDefault("ai.max_tokens", 2048)
	v.SetDefault("ai.timeout", 60*time.Second)

	v.SetDefault("export.region", "us-east-1")
	v.SetDefault("export.prefix", "navigator/")

	v.SetDefault("worker.interval", 6*time.Hour)
	v.SetDefault("worker.lock_ttl", 30*time.Minute)
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ruleforge-lab")
	}

	v.SetEnvPrefix("RULEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind nested env vars explicitly (viper doesn't auto-bind nested struct fields)
	v.BindEnv("redis.host", "RULEFORGE_REDIS_HOST")
	v.BindEnv("redis.port", "RULEFORGE_REDIS_PORT")
	v.BindEnv("redis.password", "RULEFORGE_REDIS_PASSWORD")
	v.BindEnv("database.host", "RULEFORGE_DATABASE_HOST")
	v.BindEnv("database.port", "RULEFORGE_DATABASE_PORT")
	v.BindEnv("database.user", "RULEFORGE_DATABASE_USER")
	v.BindEnv("database.password", "RULEFORGE_DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "RULEFORGE_DATABASE_DBNAME")
	v.BindEnv("neo4j.enabled", "RULEFORGE_NEO4J_ENABLED")
	v.BindEnv("neo4j.password", "RULEFORGE_NEO4J_PASSWORD")
	v.BindEnv("nats.enabled", "RULEFORGE_NATS_ENABLED")
	v.BindEnv("ai.provider", "RULEFORGE_AI_PROVIDER")
	v.BindEnv("ai.claude_api_key", "RULEFORGE_AI_CLAUDE_API_KEY")
	v.BindEnv("ai.openai_api_key", "RULEFORGE_AI_OPENAI_API_KEY")
	v.BindEnv("ai.gemini_api_key", "RULEFORGE_AI_GEMINI_API_KEY")
	v.BindEnv("export.access_key_id", "RULEFORGE_EXPORT_ACCESS_KEY_ID")
	v.BindEnv("export.secret_access_key", "RULEFORGE_EXPORT_SECRET_ACCESS_KEY")
	v.BindEnv("app.environment", "RULEFORGE_APP_ENVIRONMENT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads configuration with default path
func LoadDefault() (*Config, error) {
	return Load("")
}
