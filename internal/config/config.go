package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the correlate service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Search   SearchConfig   `mapstructure:"search"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServerConfig holds the health/metrics listener configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a pgx-compatible connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis configuration for baseline state
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds message bus settings for incident lifecycle events
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// SearchConfig holds OpenSearch settings for the incident index mirror
type SearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Enabled  bool   `mapstructure:"enabled"`
	Index    string `mapstructure:"index"`
}

// EngineConfig holds the detection and correlation policy knobs
type EngineConfig struct {
	WindowSize      time.Duration `mapstructure:"window_size"`
	AllowedLateness time.Duration `mapstructure:"allowed_lateness"`
	Lookback        time.Duration `mapstructure:"lookback"`
	RulesFile       string        `mapstructure:"rules_file"`

	Baseline    BaselineConfig             `mapstructure:"baseline"`
	Severity    SeverityConfig             `mapstructure:"severity"`
	Silence     SilenceConfig              `mapstructure:"silence"`
	Thresholds  map[string]MetricThreshold `mapstructure:"thresholds"`
	Correlation CorrelationConfig          `mapstructure:"correlation"`
	Jobs        JobsConfig                 `mapstructure:"jobs"`
}

// BaselineConfig controls the rolling baseline statistics
type BaselineConfig struct {
	MinSamples     int           `mapstructure:"min_samples"`
	MaxSamples     int           `mapstructure:"max_samples"`
	MinStddevFloor float64       `mapstructure:"min_stddev_floor"`
	TTL            time.Duration `mapstructure:"ttl"`
}

// SeverityConfig maps detection scores onto the 0-15 ordinal scale
type SeverityConfig struct {
	LowThreshold      float64 `mapstructure:"low_threshold"`
	MedThreshold      float64 `mapstructure:"med_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
}

// SilenceConfig controls silent-host detection: a host counts as silent when
// it was seen within the activity window but has sent nothing for the After
// duration.
type SilenceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	After          time.Duration `mapstructure:"after"`
	ActivityWindow time.Duration `mapstructure:"activity_window"`
}

// MetricThreshold configures one metric's spike detection
type MetricThreshold struct {
	Scheme    string  `mapstructure:"scheme"` // "zscore" or "pct_over"
	Threshold float64 `mapstructure:"threshold"`
	MinValue  float64 `mapstructure:"min_value"`
}

// CorrelationConfig controls signal-to-incident grouping
type CorrelationConfig struct {
	Window         time.Duration       `mapstructure:"window"`
	MaxIncidentAge time.Duration       `mapstructure:"max_incident_age"`
	BatchSize      int                 `mapstructure:"batch_size"`
	RelatedEntity  []RelatedEntityRule `mapstructure:"related_entity"`
}

// RelatedEntityRule declares two entity types as correlatable. A signal on
// entity type A may attach to an open incident rooted at entity type B when
// the identifiers match through the signal's evidence.
type RelatedEntityRule struct {
	SignalEntityType   string `mapstructure:"signal_entity_type"`
	IncidentEntityType string `mapstructure:"incident_entity_type"`
	EvidenceField      string `mapstructure:"evidence_field"`
}

// JobsConfig holds the schedule for each periodic job
type JobsConfig struct {
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	DetectInterval    time.Duration `mapstructure:"detect_interval"`
	CorrelateInterval time.Duration `mapstructure:"correlate_interval"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8087)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_correlate")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.name", "telhawk-correlate")

	v.SetDefault("search.url", "https://localhost:9200")
	v.SetDefault("search.username", "admin")
	v.SetDefault("search.password", "")
	v.SetDefault("search.insecure", true)
	v.SetDefault("search.enabled", false)
	v.SetDefault("search.index", "telhawk-incidents")

	v.SetDefault("engine.window_size", "5m")
	v.SetDefault("engine.allowed_lateness", "1m")
	v.SetDefault("engine.lookback", "1h")
	v.SetDefault("engine.rules_file", "")

	v.SetDefault("engine.baseline.min_samples", 3)
	v.SetDefault("engine.baseline.max_samples", 288)
	v.SetDefault("engine.baseline.min_stddev_floor", 1.0)
	v.SetDefault("engine.baseline.ttl", "48h")

	v.SetDefault("engine.severity.low_threshold", 2.0)
	v.SetDefault("engine.severity.med_threshold", 3.0)
	v.SetDefault("engine.severity.high_threshold", 5.0)
	v.SetDefault("engine.severity.critical_threshold", 8.0)

	v.SetDefault("engine.silence.enabled", true)
	v.SetDefault("engine.silence.after", "1h")
	v.SetDefault("engine.silence.activity_window", "24h")

	v.SetDefault("engine.correlation.window", "60m")
	v.SetDefault("engine.correlation.max_incident_age", "4h")
	v.SetDefault("engine.correlation.batch_size", 500)

	v.SetDefault("engine.jobs.aggregate_interval", "1m")
	v.SetDefault("engine.jobs.detect_interval", "1m")
	v.SetDefault("engine.jobs.correlate_interval", "1m")
	v.SetDefault("engine.jobs.retry_attempts", 3)
	v.SetDefault("engine.jobs.retry_backoff", "2s")

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("CORRELATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Engine.Thresholds == nil {
		cfg.Engine.Thresholds = DefaultThresholds()
	}
	if len(cfg.Engine.Correlation.RelatedEntity) == 0 {
		cfg.Engine.Correlation.RelatedEntity = DefaultRelatedEntityRules()
	}

	return &cfg, nil
}

// DefaultThresholds returns the built-in per-metric spike thresholds.
func DefaultThresholds() map[string]MetricThreshold {
	return map[string]MetricThreshold{
		"auth_fail_count": {Scheme: "zscore", Threshold: 3.0, MinValue: 5},
		"event_count":     {Scheme: "zscore", Threshold: 4.0, MinValue: 10},
		"error_rate":      {Scheme: "pct_over", Threshold: 2.0, MinValue: 0.05},
	}
}

// DefaultRelatedEntityRules returns the built-in entity adjacency set:
// an ip-rooted signal may join a host incident (and vice versa) when the
// signal's evidence carries the matching identifier.
func DefaultRelatedEntityRules() []RelatedEntityRule {
	return []RelatedEntityRule{
		{SignalEntityType: "ip", IncidentEntityType: "host", EvidenceField: "host"},
		{SignalEntityType: "host", IncidentEntityType: "ip", EvidenceField: "src_ip"},
	}
}
