package stakedsold

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/armor-analytics/stakedsold/pkg/config"
	"github.com/armor-analytics/stakedsold/pkg/configsource"
	"github.com/armor-analytics/stakedsold/pkg/contracts"
	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/etherscan"
	"github.com/armor-analytics/stakedsold/pkg/export"
	"github.com/armor-analytics/stakedsold/pkg/extract"
	"github.com/armor-analytics/stakedsold/pkg/logging"
	"github.com/armor-analytics/stakedsold/pkg/objectstore"
	"github.com/armor-analytics/stakedsold/pkg/observability"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
	"github.com/armor-analytics/stakedsold/pkg/warehouse"
)

type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Source   *configsource.Loader
	Resolver *contracts.Resolver
	Exporter *export.Exporter
	Metrics  *observability.Metrics

	// Now defaults to time.Now.
	Now func() time.Time

	closers []io.Closer
}

// Report summarizes a successful run.
type Report struct {
	Descriptors int
	Staked      int
	UsedCover   int
	Object      string
	URI         string
	TableRows   uint64
}

// Initialize wires every collaborator from the environment.
func Initialize(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	if err := app.connect(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}

	logger.Info("Initialized",
		zap.String("warehouse", cfg.WarehouseDriver),
		zap.String("destination", cfg.DestinationTable),
		zap.String("input", objectstore.URI(cfg.InputBucket, cfg.InputKey)),
		zap.Int("extract_concurrency", cfg.ExtractConcurrency))
	return app, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	store, err := objectstore.NewGCS(ctx, a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store)

	chain, err := ethclient.DialContext(ctx, cfg.ProviderURL)
	if err != nil {
		return fmt.Errorf("dial provider: %w", err)
	}
	a.closers = append(a.closers, closerFunc(func() error { chain.Close(); return nil }))

	loader, err := newWarehouse(ctx, a.Logger, cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, loader)

	a.Source = &configsource.Loader{
		Logger: a.Logger,
		Store:  store,
		Bucket: cfg.InputBucket,
		Key:    cfg.InputKey,
	}
	a.Resolver = &contracts.Resolver{
		Logger: a.Logger,
		ABI: etherscan.New(etherscan.Opts{
			BaseURL: cfg.ABILookupURL,
			APIKey:  cfg.ABILookupAPIKey,
			RPS:     cfg.ABILookupRPS,
		}),
		Chain: chain,
	}
	a.Exporter = &export.Exporter{
		Logger:                 a.Logger,
		Store:                  store,
		Loader:                 loader,
		StagingBucket:          cfg.StagingBucket,
		Prefix:                 cfg.StagingPrefix,
		LocalPath:              cfg.LocalFilePath,
		CleanupStagedOnFailure: cfg.CleanupStagedOnFailure,
	}
	return nil
}

func newWarehouse(ctx context.Context, logger *zap.Logger, cfg config.Config) (warehouse.Loader, error) {
	switch cfg.WarehouseDriver {
	case config.WarehouseClickHouse:
		return warehouse.NewClickHouse(ctx, logger, cfg.ClickHouseAddr, cfg.DestinationTable, cfg.ClickHouseGCSKey, cfg.ClickHouseGCSToken)
	default:
		return warehouse.NewBigQuery(ctx, logger, cfg.DestinationTable)
	}
}

// Run performs one load of the tracked contracts into the destination table.
func (a *App) Run(ctx context.Context) (report Report, err error) {
	now := a.Now
	if now == nil {
		now = time.Now
	}
	stamp := descriptor.NewRunStamp(now())
	runStart := time.Now()

	defer func() {
		if err != nil {
			a.Metrics.RunFailures.WithLabelValues(pipelineerr.Stage(err)).Inc()
		} else {
			a.Metrics.LastSuccess.SetToCurrentTime()
		}
		a.Metrics.ObserveStage("run", runStart)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		a.Metrics.Push(pctx, a.Logger, a.Config.PushgatewayURL)
	}()

	start := time.Now()
	descriptors, err := a.Source.Load(ctx)
	if err != nil {
		return Report{}, err
	}
	a.Metrics.ObserveStage("config_loader", start)

	start = time.Now()
	plan, stake, err := a.Resolver.ResolvePair(ctx, a.Config.PlanProxy, a.Config.StakeProxy)
	if err != nil {
		return Report{}, err
	}
	a.Metrics.ObserveStage("contract_resolver", start)

	start = time.Now()
	extractor := &extract.Extractor{
		Logger:      a.Logger,
		Plan:        plan,
		Stake:       stake,
		Concurrency: a.Config.ExtractConcurrency,
	}
	if err := extractor.Run(ctx, descriptors, stamp); err != nil {
		return Report{}, err
	}
	a.Metrics.ObserveStage("metric_extractor", start)

	batch := descriptor.Classify(descriptors)
	a.Metrics.Descriptors.Set(float64(len(batch.All)))
	a.Metrics.Staked.Set(float64(len(batch.Staked)))
	a.Metrics.UsedCover.Set(float64(len(batch.UsedCover)))
	a.Logger.Info("Classified batch",
		zap.Int("descriptors", len(batch.All)),
		zap.Int("staked", len(batch.Staked)),
		zap.Int("used_cover", len(batch.UsedCover)))

	start = time.Now()
	res, err := a.Exporter.Export(ctx, batch.All, stamp)
	if err != nil {
		return Report{}, err
	}
	a.Metrics.ObserveStage("exporter", start)
	a.Metrics.TableRows.Set(float64(res.TableRows))

	return Report{
		Descriptors: len(batch.All),
		Staked:      len(batch.Staked),
		UsedCover:   len(batch.UsedCover),
		Object:      res.Object,
		URI:         res.URI,
		TableRows:   res.TableRows,
	}, nil
}

// Close releases every client opened by Initialize.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
