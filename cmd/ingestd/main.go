// Command ingestd launches the Estuary ingestion service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"

	"github.com/coachpo/estuary/internal/config"
	"github.com/coachpo/estuary/internal/infra/persistence/migrations"
	"github.com/coachpo/estuary/internal/infra/persistence/postgres"
	"github.com/coachpo/estuary/internal/ingest"
	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
	"github.com/coachpo/estuary/internal/source"
	"github.com/coachpo/estuary/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	ingestdLoggerPrefix      = "ingestd "
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLog := log.New(os.Stdout, ingestdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(stdLog))
	logger := observability.Log()

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		stdLog.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", observability.F("path", cfgPath))
	}
	logger.Info("configuration initialised",
		observability.F("env", cfg.Environment),
		observability.F("source", cfg.Source.Kind))

	if err := migrations.Apply(ctx, cfg.Postgres.DSN, stdLog); err != nil {
		stdLog.Fatalf("apply migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		stdLog.Fatalf("open postgres pool: %v", err)
	}
	defer pool.Close()

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		stdLog.Fatalf("initialize telemetry: %v", err)
	}

	samplesIn, usersIn, err := openSources(ctx, cfg.Source)
	if err != nil {
		stdLog.Fatalf("open sources: %v", err)
	}

	metrics := ingest.NewMetrics()
	samplesSup, err := buildPipeline(schema.StreamSamples, schema.TableSamples, cfg.Ingest, pool, metrics)
	if err != nil {
		stdLog.Fatalf("build samples pipeline: %v", err)
	}
	usersSup, err := buildPipeline(schema.StreamUsers, schema.TableUsers, cfg.Ingest, pool, metrics)
	if err != nil {
		stdLog.Fatalf("build users pipeline: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { samplesSup.Run(ctx, samplesIn) })
	lifecycle.Go(func() { usersSup.Run(ctx, usersIn) })

	policy := ingest.ContinueFrozen
	if cfg.Ingest.HaltOnFirstStop {
		policy = ingest.HaltOnFirstStop
	}
	aggregator := ingest.NewAggregator(samplesSup, usersSup,
		cfg.Ingest.ProgressIntervalDuration, policy, nil, clockz.RealClock)

	logger.Info("ingestd started; awaiting shutdown signal")
	final := aggregator.Run(ctx)
	logger.Info("aggregation ended",
		observability.F("samples", final.Samples),
		observability.F("users", final.Users))

	cancel()
	shutdownStart := time.Now()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	lifecycle.Wait()

	telemetryCtx, telemetryCancel := context.WithTimeout(shutdownCtx, telemetryShutdownTimeout)
	defer telemetryCancel()
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		logger.Error("telemetry shutdown", observability.F("error", err))
	}

	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// openSources connects both firehose streams using the configured transport.
func openSources(ctx context.Context, cfg config.SourceConfig) (samples, users <-chan schema.Event, err error) {
	switch cfg.Kind {
	case config.SourceWebsocket:
		samplesSrc, err := source.NewWebsocketSource(streamURL(cfg.Websocket.URL, schema.StreamSamples), schema.StreamSamples, clockz.RealClock)
		if err != nil {
			return nil, nil, err
		}
		usersSrc, err := source.NewWebsocketSource(streamURL(cfg.Websocket.URL, schema.StreamUsers), schema.StreamUsers, clockz.RealClock)
		if err != nil {
			return nil, nil, err
		}
		return samplesSrc.Open(ctx), usersSrc.Open(ctx), nil
	case config.SourceKafka:
		samplesSrc, err := source.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.SampleTopic, cfg.Kafka.GroupID, schema.StreamSamples, clockz.RealClock)
		if err != nil {
			return nil, nil, err
		}
		usersSrc, err := source.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.UserTopic, cfg.Kafka.GroupID, schema.StreamUsers, clockz.RealClock)
		if err != nil {
			return nil, nil, err
		}
		return samplesSrc.Open(ctx), usersSrc.Open(ctx), nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func streamURL(base string, stream schema.Stream) string {
	return fmt.Sprintf("%s?stream=%s", base, stream)
}

// buildPipeline assembles the windower, inserter, error sink and supervisor
// for one stream, all writing through the shared pool.
func buildPipeline(stream schema.Stream, table string, cfg config.IngestConfig, pool *pgxpool.Pool, metrics *ingest.Metrics) (*ingest.Supervisor, error) {
	windower, err := ingest.NewWindower(stream, table, ingest.WindowConfig{
		MaxCount:  cfg.MaxCount,
		MaxWindow: cfg.MaxWindowDuration,
	}, clockz.RealClock)
	if err != nil {
		return nil, fmt.Errorf("windower %s: %w", stream, err)
	}

	var limiter *rate.Limiter
	if cfg.SinkRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SinkRatePerSec), 1)
	}
	inserter := ingest.NewInserter(postgres.NewRowSink(pool), limiter, metrics, clockz.RealClock)
	errsink := ingest.NewErrorSink(postgres.NewErrorStore(pool), observability.LoggerDiagnostics{}, metrics, clockz.RealClock)

	return ingest.NewSupervisor(stream, windower, inserter, errsink, ingest.RetryPolicy{
		InitialDelay: cfg.RetryInitialWaitDuration,
		Multiplier:   cfg.RetryMultiplier,
		MaxAttempts:  cfg.RetryMaxAttempts,
	})
}
