package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"LedgerFlow/internal/cache"
	drepo "LedgerFlow/internal/domain/repository"
	"LedgerFlow/internal/fanout"
	"LedgerFlow/internal/ingest"
	pkgch "LedgerFlow/pkg/clickhouse"
	"LedgerFlow/pkg/config"
	xhttp "LedgerFlow/pkg/http"
	pkgkafka "LedgerFlow/pkg/kafka"
	xlogger "LedgerFlow/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg      *config.Config
	logger   *xlogger.Logger
	store    drepo.Store
	cache    cache.Service
	buffer   *ingest.Buffer
	hub      *fanout.Hub
	consumer *pkgkafka.Consumer
	producer *pkgkafka.Producer
	chClient *pkgch.Client
	handler  xhttp.Handler

	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	logger *xlogger.Logger,
	store drepo.Store,
	cacheSvc cache.Service,
	buffer *ingest.Buffer,
	hub *fanout.Hub,
	consumer *pkgkafka.Consumer,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	handler xhttp.Handler,
) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cache:    cacheSvc,
		buffer:   buffer,
		hub:      hub,
		consumer: consumer,
		producer: producer,
		chClient: chClient,
		handler:  handler,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.buffer.Start(ctx)
	a.logger.Info("ingest buffer started",
		xlogger.Int("batch_size", a.cfg.Ingest.BatchSize),
		xlogger.Duration("flush_interval", a.cfg.Ingest.FlushInterval),
	)

	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return err
		}
		a.logger.Info("kafka consumer started",
			xlogger.Strings("brokers", a.cfg.Kafka.Brokers),
			xlogger.String("topic", a.cfg.Kafka.RecordTopic),
		)
	}

	a.httpServer = xhttp.NewServer(a.handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)
	if err := a.httpServer.Start(); err != nil {
		return err
	}
	a.logger.Info("http server started", xlogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// shutdown stops the input surfaces first so nothing new is accepted,
// then drains the buffer, then tears down the read path. An accepted
// record must never be dropped by the shutdown itself.
func (a *App) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", xlogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(shutdownCtx); err != nil {
			a.logger.Warn("kafka consumer stop error", xlogger.Error(err))
		}
	}

	if err := a.buffer.Stop(shutdownCtx); err != nil {
		a.logger.Warn("ingest buffer stop error", xlogger.Error(err))
	}

	a.hub.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close error", xlogger.Error(err))
	}

	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close error", xlogger.Error(err))
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("kafka producer close error", xlogger.Error(err))
		}
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.logger.Warn("clickhouse close error", xlogger.Error(err))
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}
