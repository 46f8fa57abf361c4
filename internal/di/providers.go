package di

import (
	"context"
	"fmt"
	"time"

	"LedgerFlow/internal/cache"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	"LedgerFlow/internal/fanout"
	"LedgerFlow/internal/handler/api"
	"LedgerFlow/internal/ingest"
	"LedgerFlow/internal/normalize"
	"LedgerFlow/internal/query"
	"LedgerFlow/internal/store"
	"LedgerFlow/internal/usecase"
	pkgch "LedgerFlow/pkg/clickhouse"
	"LedgerFlow/pkg/config"
	xhttp "LedgerFlow/pkg/http"
	pkgkafka "LedgerFlow/pkg/kafka"
	xlogger "LedgerFlow/pkg/logger"
	"LedgerFlow/pkg/metrics"
	"LedgerFlow/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*xlogger.Logger, error) {
	return xlogger.New(&xlogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() drepo.Metrics {
	return metrics.New()
}

// ProvideStore opens the partitioned store, replaying existing segments.
func ProvideStore(cfg *config.Config, logger *xlogger.Logger, m drepo.Metrics) (drepo.Store, error) {
	s, err := store.Open(cfg.Store.Dir, logger, m,
		store.WithPartitionWidth(cfg.Store.PartitionWidth),
		store.WithSeedBoundaries(cfg.Store.SeedBoundaries),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// ProvideCache selects the cache backend from configuration.
func ProvideCache(cfg *config.Config) (cache.Service, error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := cache.NewRedis(&cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			Window:   cfg.Cache.SlidingWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return c, nil
	default:
		return cache.NewMemory(cfg.Cache.SlidingWindow,
			cache.WithSweepInterval(cfg.Cache.SweepInterval),
			cache.WithMaxEntries(cfg.Cache.MaxEntries),
		), nil
	}
}

// ProvideQueryService creates the read-through query service.
func ProvideQueryService(s drepo.Store, c cache.Service, m drepo.Metrics, logger *xlogger.Logger) *query.Service {
	return query.New(s, c, m, logger)
}

// ProvideHub creates the fan-out hub. New subscribers receive a snapshot
// aggregated over the store's full history, bypassing the cache so the
// snapshot window never churns cache keys.
func ProvideHub(s drepo.Store, cfg *config.Config, m drepo.Metrics, logger *xlogger.Logger) *fanout.Hub {
	snapshot := func(ctx context.Context, companyCode string) (models.AggregateResult, error) {
		now := time.Now().UTC()
		period := models.Period{
			From: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			To:   now,
		}
		txns, err := s.Query(ctx, companyCode, period.From, period.To)
		if err != nil {
			return models.AggregateResult{}, err
		}
		return query.Fold(companyCode, period, txns, now), nil
	}
	return fanout.New(snapshot, m, logger, fanout.WithQueueSize(cfg.Fanout.QueueSize))
}

// ProvideBuffer creates the ingestion buffer, wiring cache invalidation,
// fan-out notification, and the optional analytical mirror.
func ProvideBuffer(
	s drepo.Store,
	qs *query.Service,
	hub *fanout.Hub,
	mirror drepo.Mirror,
	m drepo.Metrics,
	logger *xlogger.Logger,
	cfg *config.Config,
) *ingest.Buffer {
	opts := []ingest.Option{
		ingest.WithBufferSize(cfg.Ingest.BufferSize),
		ingest.WithBatchSize(cfg.Ingest.BatchSize),
		ingest.WithFlushInterval(cfg.Ingest.FlushInterval),
		ingest.WithRetry(cfg.Ingest.RetryMax, cfg.Ingest.BackoffMin, cfg.Ingest.BackoffMax),
	}
	if mirror != nil {
		opts = append(opts, ingest.WithMirror(mirror))
	}
	return ingest.New(s, qs, hub, m, logger, opts...)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is
// disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideQuarantine routes rejected records to the Kafka DLQ when one is
// configured.
func ProvideQuarantine(producer *pkgkafka.Producer, cfg *config.Config) drepo.Quarantine {
	if producer == nil || cfg.Kafka.DLQTopic == "" {
		return nil
	}
	return usecase.NewKafkaQuarantine(producer, cfg.Kafka.DLQTopic)
}

// ProvideNormalizer creates the record normalizer.
func ProvideNormalizer(logger *xlogger.Logger, m drepo.Metrics, quarantine drepo.Quarantine) *normalize.Normalizer {
	opts := []normalize.Option{}
	if quarantine != nil {
		opts = append(opts, normalize.WithQuarantineSink(quarantine))
	}
	return normalize.New(logger, m, opts...)
}

// ProvideRecordsHandler registers the handler for the raw-record topic.
func ProvideRecordsHandler(cfg *config.Config, n *normalize.Normalizer, b *ingest.Buffer, logger *xlogger.Logger) *usecase.RecordsHandler {
	return usecase.NewRecordsHandler(cfg.Kafka.RecordTopic, n, b, logger)
}

// ProvideKafkaConsumer creates a Kafka consumer for raw records, or nil
// when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, handler *usecase.RecordsHandler) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(handler,
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithDLQ(cfg.Kafka.DLQTopic)
	return consumer, nil
}

// ProvideClickHouseClient creates a ClickHouse client with schema, or nil
// when the mirror is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	table := cfg.ClickHouse.Database + "." + cfg.ClickHouse.Table
	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database,
		"CREATE TABLE IF NOT EXISTS " + table + " (id String, company_code String, ts DateTime64(9), amount Decimal(38, 12), currency_code String) ENGINE=MergeTree ORDER BY (company_code, ts)",
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideMirror creates the ClickHouse mirror, or nil when disabled.
func ProvideMirror(client *pkgch.Client, cfg *config.Config) drepo.Mirror {
	if client == nil {
		return nil
	}
	return store.NewClickHouseMirror(client.DB(), cfg.ClickHouse.Database+"."+cfg.ClickHouse.Table)
}

// ProvideAPIHandler creates the HTTP handler.
func ProvideAPIHandler(
	n *normalize.Normalizer,
	b *ingest.Buffer,
	qs *query.Service,
	hub *fanout.Hub,
	s drepo.Store,
	logger *xlogger.Logger,
) xhttp.Handler {
	return api.NewHandler(n, b, qs, hub, s, logger)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	logger *xlogger.Logger,
	s drepo.Store,
	c cache.Service,
	b *ingest.Buffer,
	hub *fanout.Hub,
	consumer *pkgkafka.Consumer,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	handler xhttp.Handler,
) *server.App {
	return server.New(cfg, logger, s, c, b, hub, consumer, producer, chClient, handler)
}
