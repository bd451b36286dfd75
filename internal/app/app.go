// Package app is the pipeline's composition root: it turns a loaded
// config.Config into a fully wired set of collaborators and runs them.
// Grounded on the teacher's kernel/cmd/kernel/main.go AppContext pattern
// (a dependency struct assembled once at startup from config, passed down
// rather than built ad hoc at each call site), generalized from one flat
// func main() into a package cmd/evsnow's cobra subcommands can each build
// and run independently (validate-config only builds the config, run
// builds everything, check-credentials builds connections and pings them).
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/config"
	"github.com/evsnow/ingest/internal/consumer"
	"github.com/evsnow/ingest/internal/httpstatus"
	"github.com/evsnow/ingest/internal/mapping"
	"github.com/evsnow/ingest/internal/model"
	"github.com/evsnow/ingest/internal/orchestrator"
	"github.com/evsnow/ingest/internal/retry"
	"github.com/evsnow/ingest/internal/sink"
	"github.com/evsnow/ingest/internal/source"
	"github.com/evsnow/ingest/internal/telemetry"
)

// App is every long-lived collaborator the "run" subcommand drives.
type App struct {
	Config       *config.Config
	Source       source.PartitionEventSource
	Sinks        map[string]sink.Sink
	Checkpoint   checkpoint.Store
	Retryer      retry.Retryer
	Orchestrator *orchestrator.Orchestrator
	Tracer       *telemetry.ZapTracer
	Metrics      *telemetry.Metrics
	HTTP         *httpstatus.Server
}

// Build wires every collaborator from cfg without starting anything. dev
// selects zap's development (console) encoder; forceAdvisory overrides
// cfg.Retry.Mode to "advisory" regardless of what was configured,
// implementing the CLI's --smart flag.
func Build(cfg *config.Config, dev bool, forceAdvisory bool) (*App, error) {
	retryCfg := cfg.Retry
	if forceAdvisory {
		retryCfg.Mode = "advisory"
	}

	src, err := buildSource(cfg.Source)
	if err != nil {
		return nil, err
	}

	sinks := make(map[string]sink.Sink, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		s, err := buildSink(sc)
		if err != nil {
			return nil, err
		}
		sinks[sc.Name] = s
	}

	store, err := buildCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	retryer, err := buildRetryer(retryCfg)
	if err != nil {
		return nil, err
	}

	sourceNamespace, sourceName := sourceIdentity(cfg.Source)

	mappings := make([]*mapping.Mapping, 0, len(cfg.Mappings))
	for _, mc := range cfg.Mappings {
		snk, ok := sinks[mc.Sink]
		if !ok {
			return nil, fmt.Errorf("app: mapping %q references unknown sink %q", mc.Name, mc.Sink)
		}
		key := model.CheckpointKey{
			SourceNamespace: sourceNamespace,
			SourceName:      sourceName,
			TargetDB:        mc.TargetDB,
			TargetSchema:    mc.TargetSchema,
			TargetTable:     mc.TargetTable,
		}
		mappings = append(mappings, mapping.New(mapping.Config{
			Name: mc.Name,
			Consumer: consumer.Config{
				Key:          key,
				MaxBatchSize: mc.BatchMaxSize,
				MaxBatchWait: time.Duration(mc.BatchMaxWaitSeconds) * time.Second,
			},
			Source:  src,
			Sink:    snk,
			Store:   store,
			Retryer: retryer,
		}))
	}

	orch := orchestrator.New(orchestrator.Config{}, mappings...)

	tracer, metrics, err := buildTelemetry(cfg.Observability, dev)
	if err != nil {
		return nil, err
	}

	httpSrv := httpstatus.New(orch, store, metrics, retryer, adminSecretFromEnv())

	return &App{
		Config:       cfg,
		Source:       src,
		Sinks:        sinks,
		Checkpoint:   store,
		Retryer:      retryer,
		Orchestrator: orch,
		Tracer:       tracer,
		Metrics:      metrics,
		HTTP:         httpSrv,
	}, nil
}

// adminSecretFromEnv reads the admin checkpoint-reset token out of band
// from the main config surface, the same way the teacher keeps its debug
// token (ai-infra's cfg.DebugToken) out of the request/response path:
// this is a credential, not a pipeline behavior knob.
func adminSecretFromEnv() string {
	return os.Getenv("EVSNOW_ADMIN_SECRET")
}

func sourceIdentity(cfg config.SourceConfig) (namespace, name string) {
	if cfg.Kind == "kafka" {
		return strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic
	}
	return cfg.EventHub.Namespace, cfg.EventHub.EventHub
}

func buildSource(cfg config.SourceConfig) (source.PartitionEventSource, error) {
	if cfg.Kind == "kafka" {
		return source.NewKafkaProtocolSource(source.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
			SASLUser:      cfg.Kafka.SASLUser,
			SASLPassword:  cfg.Kafka.SASLPassword,
			ReceiveBatch:  cfg.Kafka.ReceiveBatch,
		}), nil
	}
	return source.NewEventHubSource(source.EventHubConfig{
		Namespace:     cfg.EventHub.Namespace,
		EventHub:      cfg.EventHub.EventHub,
		ConsumerGroup: cfg.EventHub.ConsumerGroup,
		ConnectionStr: cfg.EventHub.ConnectionString,
		ReceiveBatch:  cfg.EventHub.ReceiveBatch,
	}), nil
}

func readPrivateKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read private key %s: %w", path, err)
	}
	return b, nil
}

func buildSink(cfg config.SinkConfig) (sink.Sink, error) {
	key, err := readPrivateKey(cfg.Snowflake.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return sink.NewSnowflakeSink(sink.SnowflakeSinkConfig{
		Account:            cfg.Snowflake.Account,
		User:               cfg.Snowflake.User,
		Password:           cfg.Snowflake.Password,
		PrivateKey:         key,
		PrivateKeyPassword: cfg.Snowflake.PrivateKeyPass,
		Database:           cfg.Snowflake.Database,
		Schema:             cfg.Snowflake.Schema,
		Warehouse:          cfg.Snowflake.Warehouse,
		Role:               cfg.Snowflake.Role,
		Table:              cfg.Snowflake.Table,
	})
}

func buildCheckpointStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	if cfg.Backend == "postgres" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres checkpoint store: %w", err)
		}
		return checkpoint.NewPostgresCheckpointStore(db, cfg.Postgres.Table)
	}
	key, err := readPrivateKey(cfg.Snowflake.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewSnowflakeCheckpointStore(checkpoint.SnowflakeDSNConfig{
		Account:            cfg.Snowflake.Account,
		User:               cfg.Snowflake.User,
		Password:           cfg.Snowflake.Password,
		PrivateKey:         key,
		PrivateKeyPassword: cfg.Snowflake.PrivateKeyPass,
		Database:           cfg.Snowflake.Database,
		Schema:             cfg.Snowflake.Schema,
		Warehouse:          cfg.Snowflake.Warehouse,
		Role:               cfg.Snowflake.Role,
		Table:              cfg.Snowflake.Table,
	})
}

func buildRetryer(cfg config.RetryConfig) (retry.Retryer, error) {
	if cfg.Mode == "advisory" {
		oracle, err := retry.NewOracle(retry.OracleConfig{
			Provider: retry.Provider(cfg.Advisory.Provider),
			Model:    cfg.Advisory.Model,
			APIKey:   cfg.Advisory.APIKey,
			BaseURL:  cfg.Advisory.BaseURL,
			Timeout:  time.Duration(cfg.Advisory.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("app: build advisory oracle: %w", err)
		}
		return retry.NewAdvisory(oracle, retry.AdvisoryConfig{
			MaxAttempts:   cfg.MaxAttempts,
			OracleTimeout: time.Duration(cfg.Advisory.TimeoutSeconds) * time.Second,
			EnableCaching: true,
		}), nil
	}
	return retry.NewFixed(retry.FixedConfig{
		MaxAttempts: cfg.MaxAttempts,
		MinWait:     time.Duration(cfg.MinWaitMS) * time.Millisecond,
		MaxWait:     time.Duration(cfg.MaxWaitMS) * time.Millisecond,
	}), nil
}

func buildTelemetry(cfg config.ObservabilityConfig, dev bool) (*telemetry.ZapTracer, *telemetry.Metrics, error) {
	var forwarder *telemetry.CloudForwarder
	if cfg.Enabled && cfg.SendToCloud {
		var err error
		forwarder, err = telemetry.NewCloudForwarder(telemetry.ForwarderConfig{
			BaseURL: cfg.CollectorURL,
			Token:   cfg.Token,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("app: build cloud forwarder: %w", err)
		}
	}
	tracer, err := telemetry.NewZapTracer(cfg.ServiceName, dev, forwarder)
	if err != nil {
		return nil, nil, fmt.Errorf("app: build tracer: %w", err)
	}
	return tracer, telemetry.NewMetrics(), nil
}

// Serve starts the status HTTP server in the background, grounded on
// ai-infra-service/main.go's listen-goroutine-plus-graceful-shutdown
// pattern, and runs the orchestrator's lifecycle to completion. It
// returns once the orchestrator stops, after the HTTP server has been
// given a chance to drain in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    a.Config.ListenAddr,
		Handler: a.HTTP.Router(),
	}

	go func() {
		a.Tracer.Log(telemetry.LevelInfo, "status server listening", map[string]any{"addr": a.Config.ListenAddr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Tracer.Log(telemetry.LevelError, "status server error", map[string]any{"error": err.Error()})
		}
	}()

	runErr := a.Orchestrator.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.Tracer.Log(telemetry.LevelWarn, "status server shutdown failed", map[string]any{"error": err.Error()})
	}

	return runErr
}
