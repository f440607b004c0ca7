// Package app wires the offsets pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/config"
	"carbon-scribe/agri-credit/internal/observability/metrics"
	"carbon-scribe/agri-credit/internal/offsets/anchoring"
	"carbon-scribe/agri-credit/internal/offsets/api"
	"carbon-scribe/agri-credit/internal/offsets/calculation"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/internal/offsets/measurement"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/store"
	"carbon-scribe/agri-credit/internal/offsets/verification"
	"carbon-scribe/agri-credit/pkg/ledger"
	"carbon-scribe/agri-credit/pkg/ledger/stellar"
	"carbon-scribe/agri-credit/pkg/storage"
)

// App holds the constructed pipeline services and the resources behind them
type App struct {
	Services api.Services
	Metrics  *metrics.PipelineMetrics
	// Stream serves pipeline events to websocket clients of this process
	Stream *events.Stream

	db      *store.Handles
	closers []func() error
	logger  *zap.Logger
}

// Build connects to every configured backend and constructs the services.
// nodeID identifies this process to the snowflake batch id generator.
func Build(ctx context.Context, cfg *config.Config, nodeID int64, registerer prometheus.Registerer, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	db, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	writes := store.NewGormStore(db.Gorm)
	if cfg.Database.AutoMigrate {
		if err := writes.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	reads := store.NewQueryRepository(db.SQL)

	a.Stream = events.NewStream(logger)
	a.closers = append(a.closers, a.Stream.Close)
	publisher, err := a.publisher(cfg.NATS)
	if err != nil {
		a.Close()
		return nil, err
	}
	emitter := events.NewEmitter(events.Fanout{publisher, a.Stream}, logger)
	a.Metrics = metrics.NewPipelineMetrics(registerer)

	engine := calculation.NewEngine(cfg.Calculation)
	notes, tokens, signer, err := a.ledgers(cfg.Stellar, engine.TokenDecimals())
	if err != nil {
		a.Close()
		return nil, err
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create id node: %w", err)
	}

	measurer := measurement.NewService(engine, cfg.Measurement, logger)
	workflow := verification.NewWorkflow(writes, engine, measurer, cfg.Verification, emitter, a.Metrics, logger)
	anchor := anchoring.NewService(writes, notes, cfg.Anchoring, emitter, a.Metrics, logger)
	settle := settlement.NewService(writes, reads, engine, tokens, cfg.Anchoring, a.locker(cfg.Redis), node,
		cfg.Settlement, emitter, a.Metrics, logger)

	evidence, err := a.evidence(ctx, cfg.Evidence)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Services = api.Services{
		Measurer:   measurer,
		Workflow:   workflow,
		Anchoring:  anchor,
		Settlement: settle,
		Queries:    reads,
		Evidence:   evidence,
		Signer:     signer,

		TokenDecimals: engine.TokenDecimals(),
	}
	return a, nil
}

func (a *App) publisher(cfg events.NATSConfig) (events.Publisher, error) {
	if cfg.URL == "" {
		a.logger.Info("NATS not configured, pipeline events stay in process")
		return events.NopPublisher{}, nil
	}
	p, err := events.NewNATSPublisher(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	a.logger.Info("Publishing pipeline events to NATS", zap.String("subject_prefix", cfg.SubjectPrefix))
	return p, nil
}

func (a *App) ledgers(cfg config.StellarConfig, decimals int32) (ledger.NoteLedger, ledger.TokenLedger, ledger.Signer, error) {
	if !cfg.Enabled {
		a.logger.Warn("Stellar disabled, using the in-memory ledger")
		mem := ledger.NewMemoryLedger()
		return mem, mem, ledger.Signer{Address: "LOCAL_ANCHOR"}, nil
	}

	client, err := stellar.NewClient(stellar.Config{
		HorizonURL:      cfg.HorizonURL,
		Network:         cfg.Network,
		AssetCode:       cfg.AssetCode,
		IssuerSecretKey: cfg.IssuerSecretKey,
		HTTPTimeout:     cfg.HTTPTimeout,
		TokenDecimals:   decimals,
	}, a.logger)
	if err != nil {
		return nil, nil, ledger.Signer{}, fmt.Errorf("failed to create stellar client: %w", err)
	}
	a.logger.Info("Using Stellar ledger",
		zap.String("network", cfg.Network),
		zap.String("asset_code", cfg.AssetCode))
	return client, client, ledger.Signer{Address: cfg.AnchorAddress, Seed: cfg.AnchorSecretKey}, nil
}

func (a *App) locker(cfg config.RedisConfig) settlement.Locker {
	if cfg.Addr == "" {
		return settlement.NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Using redis mint locks", zap.String("addr", cfg.Addr))
	return settlement.NewRedisLocker(client, "", cfg.LockTTL)
}

func (a *App) evidence(ctx context.Context, cfg config.EvidenceConfig) (*measurement.EvidenceStore, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	s3, err := storage.NewS3Client(ctx, cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create evidence client: %w", err)
	}
	a.logger.Info("Storing evidence in S3", zap.String("bucket", cfg.Bucket))
	return measurement.NewEvidenceStore(s3, cfg.Bucket, cfg.MaxBytes, a.logger), nil
}

// Ping checks the database connection
func (a *App) Ping(ctx context.Context) error {
	return a.db.SQL.PingContext(ctx)
}

// Close releases connections in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
