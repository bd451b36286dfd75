// Package config loads the pipeline's configuration surface with
// github.com/spf13/viper, layered over github.com/joho/godotenv for
// --env-file loading. The teacher's own kernel/internal/config.LoadFromEnv
// is a flat os.Getenv reader with no nesting, which doesn't fit a config
// surface this wide (one source, N sinks, N mappings, one checkpoint
// backend, one retry policy, one observability block); viper+godotenv is
// the pack's common combination for that shape (see DESIGN.md).
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SnowflakeConnConfig is the connection profile shared by a sink and by
// the Snowflake checkpoint backend: identical fields to
// internal/sink.SnowflakeSinkConfig and internal/checkpoint.SnowflakeDSNConfig,
// collapsed into one struct here since the configuration surface binds the
// same (account,user,db,schema,warehouse,role) tuple to both.
type SnowflakeConnConfig struct {
	Account        string `mapstructure:"account"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	PrivateKeyPass string `mapstructure:"private_key_password"`
	Database       string `mapstructure:"database"`
	Schema         string `mapstructure:"schema"`
	Warehouse      string `mapstructure:"warehouse"`
	Role           string `mapstructure:"role"`
	Table          string `mapstructure:"table"`
}

// EventHubConfig mirrors internal/source.EventHubConfig.
type EventHubConfig struct {
	Namespace        string `mapstructure:"namespace"`
	EventHub         string `mapstructure:"event_hub"`
	ConsumerGroup    string `mapstructure:"consumer_group"`
	ConnectionString string `mapstructure:"connection_string"`
	ReceiveBatch     int    `mapstructure:"receive_batch"`
}

// KafkaConfig mirrors internal/source.KafkaConfig.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	SASLUser      string   `mapstructure:"sasl_user"`
	SASLPassword  string   `mapstructure:"sasl_password"`
	ReceiveBatch  int      `mapstructure:"receive_batch"`
}

// SourceConfig selects and configures one of the two partition event
// source backends (internal/source.EventHubSource, KafkaProtocolSource).
type SourceConfig struct {
	Kind     string         `mapstructure:"kind"` // "eventhub" | "kafka"
	EventHub EventHubConfig `mapstructure:"eventhub"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// SinkConfig names one Snowflake destination a mapping can target.
type SinkConfig struct {
	Name      string              `mapstructure:"name"`
	Snowflake SnowflakeConnConfig `mapstructure:"snowflake"`
}

// MappingConfig is one source-partition-range-to-sink-table binding,
// referencing a SinkConfig by name.
type MappingConfig struct {
	Name                string `mapstructure:"name"`
	Sink                string `mapstructure:"sink"`
	TargetDB            string `mapstructure:"target_db"`
	TargetSchema        string `mapstructure:"target_schema"`
	TargetTable         string `mapstructure:"target_table"`
	BatchMaxSize        int    `mapstructure:"batch_max_size"`
	BatchMaxWaitSeconds int    `mapstructure:"batch_max_wait_seconds"`
}

// PostgresCheckpointConfig configures the dev/test checkpoint backend.
type PostgresCheckpointConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// CheckpointConfig selects and configures one of the two checkpoint store
// backends (internal/checkpoint.SnowflakeCheckpointStore, PostgresCheckpointStore).
type CheckpointConfig struct {
	Backend   string                   `mapstructure:"backend"` // "snowflake" | "postgres"
	Snowflake SnowflakeConnConfig      `mapstructure:"snowflake"`
	Postgres  PostgresCheckpointConfig `mapstructure:"postgres"`
}

// AdvisoryOracleConfig mirrors internal/retry.OracleConfig, minus the
// time.Duration fields which viper has no native support for (kept as
// plain seconds here and converted at the call site).
type AdvisoryOracleConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RetryConfig selects and configures one of the two retry engines
// (internal/retry.FixedRetryer, AdvisoryRetryer).
type RetryConfig struct {
	Mode        string               `mapstructure:"mode"` // "fixed" | "advisory"
	MaxAttempts int                  `mapstructure:"max_attempts"`
	MinWaitMS   int                  `mapstructure:"min_wait_ms"`
	MaxWaitMS   int                  `mapstructure:"max_wait_ms"`
	Advisory    AdvisoryOracleConfig `mapstructure:"advisory"`
}

// ObservabilityConfig gates the stats/metrics HTTP surface and an optional
// cloud telemetry forwarder, per spec.md §8.
type ObservabilityConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SendToCloud  bool   `mapstructure:"send_to_cloud"`
	Token        string `mapstructure:"token"`
	ServiceName  string `mapstructure:"service_name"`
	CollectorURL string `mapstructure:"collector_url"`
}

// Config is the fully-loaded, validated configuration for one pipeline
// process: one source, any number of sinks, any number of mappings
// between them, one checkpoint backend, one retry policy, one
// observability block.
type Config struct {
	ListenAddr    string               `mapstructure:"listen_addr"`
	Source        SourceConfig         `mapstructure:"source"`
	Sinks         []SinkConfig         `mapstructure:"sinks"`
	Mappings      []MappingConfig      `mapstructure:"mappings"`
	Checkpoint    CheckpointConfig     `mapstructure:"checkpoint"`
	Retry         RetryConfig          `mapstructure:"retry"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("source.kind", "eventhub")
	v.SetDefault("source.eventhub.receive_batch", 100)
	v.SetDefault("source.kafka.receive_batch", 100)
	v.SetDefault("checkpoint.backend", "snowflake")
	v.SetDefault("checkpoint.snowflake.table", "INGESTION_STATUS")
	v.SetDefault("checkpoint.postgres.table", "ingestion_status")
	v.SetDefault("retry.mode", "fixed")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.min_wait_ms", 200)
	v.SetDefault("retry.max_wait_ms", 30000)
	v.SetDefault("retry.advisory.timeout_seconds", 10)
	v.SetDefault("observability.enabled", true)
	v.SetDefault("observability.send_to_cloud", false)
}

// Load reads configuration from an optional --env-file (via godotenv),
// an optional config file pointed to by EVSNOW_CONFIG_FILE (any format
// viper supports: yaml, json, toml), and environment variables prefixed
// EVSNOW_ (nested keys use underscores in place of dots, e.g.
// EVSNOW_SOURCE_KIND, EVSNOW_CHECKPOINT_BACKEND), in that precedence
// order (env wins over file, file wins over defaults). It then validates
// the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("EVSNOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
