package core

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"txrepo/internal/blob"
	"txrepo/internal/changeproxy"
	"txrepo/internal/infra/persistence/journal"
	"txrepo/internal/infra/persistence/memory"
	"txrepo/internal/infra/persistence/postgres"
	"txrepo/internal/infra/persistence/sqlite"
	"txrepo/pkg/config"
	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageJournal  StorageDriver = "journal"  // memory with blob snapshots
)

// OpenPersistentStore selects a backend from cfg.Storage. SQLite stores
// create tables and columns on first write.
func OpenPersistentStore(ctx context.Context, cfg *config.Config) (domain.PersistentStore, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.FromContext(ctx)
	switch StorageDriver(cfg.Storage.Driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, cfg.Storage.SQLitePath, sqlite.WithAutoMigrate(), sqlite.WithLogger(log))
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.Storage.PostgresDSN, postgres.WithLogger(log))
	case StorageJournal:
		blobs, err := blob.Open(ctx, blob.Config{
			Driver: blob.Driver(cfg.Journal.Driver),
			FSRoot: cfg.Journal.FSRoot,
			S3: blob.S3Config{
				Region:          cfg.Journal.S3.Region,
				Bucket:          cfg.Journal.S3.Bucket,
				Endpoint:        cfg.Journal.S3.Endpoint,
				AccessKeyID:     cfg.Journal.S3.AccessKeyID,
				SecretAccessKey: cfg.Journal.S3.SecretAccessKey,
				PathStyle:       cfg.Journal.S3.PathStyle,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("open journal blobs: %w", err)
		}
		return journal.Open(ctx, memory.NewStore(), blobs,
			journal.WithPrefix(cfg.Journal.Prefix),
			journal.WithKeep(cfg.Journal.Keep),
			journal.WithLogger(log),
		)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Storage.Driver)
	}
}

// NewMetricsRecorder builds the recorder named by cfg.Metrics.Backend.
// Prometheus collectors are registered with reg, or the default registerer
// when reg is nil.
func NewMetricsRecorder(cfg *config.Config, reg prometheus.Registerer) (MetricsRecorder, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	switch cfg.Metrics.Backend {
	case "", "none":
		return noopMetricsRecorder{}, nil
	case "expvar":
		return NewExpvarMetricsRecorder(""), nil
	case "prometheus":
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		return NewPrometheusMetricsRecorder(reg, cfg.Metrics.Namespace)
	default:
		return nil, fmt.Errorf("unknown metrics backend %s", cfg.Metrics.Backend)
	}
}

// UnitOfWorkOptions translates cfg into transaction and repository options.
// The logger carried by ctx receives lifecycle messages and deprecation
// warnings.
func UnitOfWorkOptions(ctx context.Context, cfg *config.Config, metrics MetricsRecorder) ([]UnitOfWorkOption, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	mode, ok := changeproxy.ParseMode(cfg.Repository.ChangeTracking)
	if !ok {
		return nil, fmt.Errorf("unknown change tracking mode %s", cfg.Repository.ChangeTracking)
	}
	log := logger.FromContext(ctx)
	repoOpts := []RepositoryOption{
		WithProxyFactory(changeproxy.NewFactory(changeproxy.WithMode(mode))),
		WithDiagnostics(log),
	}
	if cfg.Repository.EagerCallbackRead {
		repoOpts = append(repoOpts, WithEagerCallbackRead())
	}
	txOpts := []TransactionOption{WithLogger(log)}
	if metrics != nil {
		txOpts = append(txOpts, WithMetricsRecorder(metrics))
	}
	return []UnitOfWorkOption{
		WithTransactionOptions(txOpts...),
		WithRepositoryOptions(repoOpts...),
	}, nil
}
