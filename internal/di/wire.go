//go:build wireinject
// +build wireinject

package di

import (
	"LedgerFlow/pkg/config"
	"LedgerFlow/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideClickHouseClient,

		// Pipeline components
		ProvideStore,
		ProvideCache,
		ProvideQueryService,
		ProvideHub,
		ProvideMirror,
		ProvideBuffer,
		ProvideQuarantine,
		ProvideNormalizer,

		// Kafka ingestion source
		ProvideRecordsHandler,
		ProvideKafkaConsumer,

		// HTTP surface
		ProvideAPIHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
