// Package main runs the order engine: the HTTP API plus the background
// loops for reconciliation, dead-letter retries, idempotency sweeps and the
// quote feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"order-engine/internal/api"
	"order-engine/internal/audit"
	"order-engine/internal/config"
	"order-engine/internal/cycle"
	"order-engine/internal/deadletter"
	"order-engine/internal/exchange"
	"order-engine/internal/exchange/paper"
	"order-engine/internal/execution"
	"order-engine/internal/idempotency"
	"order-engine/internal/nonce"
	"order-engine/internal/observability"
	"order-engine/internal/quote"
	"order-engine/internal/quotefeed"
	"order-engine/internal/reconciliation"
	"order-engine/internal/storage"
	chstore "order-engine/internal/storage/clickhouse"
	"order-engine/internal/storage/memory"
	"order-engine/internal/storage/migrations"
	pgstore "order-engine/internal/storage/postgres"
)

// stores holds one implementation per table group.
type stores struct {
	cycles         storage.CycleStore
	orders         storage.OrderStore
	idempotency    storage.IdempotencyStore
	nonces         storage.NonceStore
	quotes         storage.QuoteStore
	positions      storage.PositionStore
	reconciliation storage.ReconciliationStore
	deadLetters    storage.DeadLetterStore
	audit          storage.AuditEventStore
	auditMirror    storage.AuditEventStore
}

func main() {
	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "Path to YAML config file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	usePaper := flag.Bool("paper", false, "Trade against the in-memory paper exchange")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *useMemory {
		cfg.Storage.Backend = config.BackendMemory
	}
	if *usePaper {
		cfg.Exchange.Paper = true
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalw("create stores", "backend", cfg.Storage.Backend, "error", err)
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infow("shutting down", "signal", sig.String())
		cancel()

		select {
		case sig := <-sigCh:
			logger.Warnw("second signal, forcing exit", "signal", sig.String())
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warnw("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	if err := run(ctx, cfg, st, logger); err != nil {
		logger.Fatalw("engine stopped", "error", err)
	}
	logger.Infow("shutdown complete")
}

// run wires the components and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, st *stores, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	auditLog := audit.New(audit.Options{Store: st.audit, Mirror: st.auditMirror, Logger: logger})

	var client exchange.Client
	if cfg.Exchange.Paper {
		client = paper.New(paper.FillImmediately)
		logger.Infow("using paper exchange")
	} else {
		client = exchange.NewHTTPClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret,
			exchange.WithTimeout(cfg.Exchange.Timeout),
			exchange.WithMaxRetries(cfg.Exchange.MaxRetries),
			exchange.WithRateLimit(cfg.Exchange.RateLimit, 1),
		)
	}

	nonceOpts := nonce.Options{Store: st.nonces, Audit: auditLog, Logger: logger}
	if cfg.Identity.ValidateEd25519 {
		nonceOpts.Validate = nonce.ValidateEd25519
	}

	guard := idempotency.New(idempotency.Options{
		Config: idempotency.Config{TTL: cfg.Idempotency.TTL, PendingWait: cfg.Idempotency.PendingWait},
		Store:  st.idempotency,
		Logger: logger,
	})
	gate := quote.New(quote.Options{Store: st.quotes, DefaultMaxAge: cfg.Quote.MaxAge, Logger: logger})
	cycles := cycle.New(cycle.Options{Store: st.cycles, Audit: auditLog, Logger: logger})
	dlq := deadletter.New(deadletter.Options{
		Config: deadletter.Config{
			MaxRetries:  cfg.DeadLetter.MaxRetries,
			BaseBackoff: cfg.DeadLetter.BaseBackoff,
			MaxBackoff:  cfg.DeadLetter.MaxBackoff,
			Workers:     cfg.DeadLetter.Workers,
		},
		Store:  st.deadLetters,
		Audit:  auditLog,
		Logger: logger,
	})
	submitter := execution.New(execution.Options{
		Guard:       guard,
		Gate:        gate,
		Nonces:      nonce.New(nonceOpts),
		Cycles:      cycles,
		Orders:      st.orders,
		Positions:   st.positions,
		Exchange:    client,
		DeadLetters: dlq,
		Audit:       auditLog,
		Logger:      logger,
	})

	rc := cfg.Reconciliation
	reconciler := reconciliation.New(reconciliation.Options{
		Config: reconciliation.Config{
			Interval:             rc.Interval,
			AutoCorrectMaxShares: rc.AutoCorrectMaxShares,
			WarningShares:        rc.WarningShares,
			CriticalShares:       rc.CriticalShares,
			WarningNotional:      rc.WarningNotional,
			CriticalNotional:     rc.CriticalNotional,
			StaleOrderAfter:      rc.StaleOrderAfter,
			UnknownOrderAfter:    rc.UnknownOrderAfter,
		},
		Exchange:  client,
		Positions: st.positions,
		Store:     st.reconciliation,
		Orders:    st.orders,
		Updater:   submitter,
		Audit:     auditLog,
		Logger:    logger,
	})

	server := api.NewServer(api.Options{
		Config: api.Config{
			Addr:      cfg.HTTP.Addr,
			RateLimit: cfg.HTTP.RateLimit,
			RateBurst: cfg.HTTP.RateBurst,
		},
		Submitter:     submitter,
		Cycles:        cycles,
		Quotes:        gate,
		Discrepancies: reconciler,
		DeadLetters:   dlq,
		Audit:         auditLog,
		Logger:        logger,
	})

	var wg conc.WaitGroup
	errCh := make(chan error, 1)

	wg.Go(func() { reconciler.Run(ctx) })
	wg.Go(func() { dlq.Run(ctx, cfg.DeadLetter.SweepInterval) })
	wg.Go(func() { guard.Run(ctx, cfg.Idempotency.SweepInterval) })
	if cfg.QuoteFeed.Endpoint != "" {
		feed := quotefeed.New(quotefeed.Options{
			Config: quotefeed.Config{
				Endpoint: cfg.QuoteFeed.Endpoint,
				Tokens:   cfg.QuoteFeed.Tokens,
			},
			Observer: gate,
			Logger:   logger,
		})
		wg.Go(func() { _ = feed.Run(ctx) })
	}
	wg.Go(func() {
		if err := server.Run(ctx); err != nil {
			errCh <- err
		}
	})

	logger.Infow("engine started",
		"addr", cfg.HTTP.Addr,
		"backend", cfg.Storage.Backend,
		"paper", cfg.Exchange.Paper,
		"auto_correct_max_shares", rc.AutoCorrectMaxShares.String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	if r := wg.WaitAndRecover(); r != nil {
		return fmt.Errorf("background loop panicked: %v", r.Value)
	}
	return runErr
}

// createStores builds the storage backend. The returned cleanup closes connections.
func createStores(ctx context.Context, cfg config.StorageConfig) (*stores, func(), error) {
	if cfg.Backend == config.BackendMemory {
		return &stores{
			cycles:         memory.NewCycleStore(),
			orders:         memory.NewOrderStore(),
			idempotency:    memory.NewIdempotencyStore(),
			nonces:         memory.NewNonceStore(),
			quotes:         memory.NewQuoteStore(),
			positions:      memory.NewPositionStore(),
			reconciliation: memory.NewReconciliationStore(),
			deadLetters:    memory.NewDeadLetterStore(),
			audit:          memory.NewAuditEventStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	st := &stores{
		cycles:         pgstore.NewCycleStore(pool),
		orders:         pgstore.NewOrderStore(pool),
		idempotency:    pgstore.NewIdempotencyStore(pool),
		nonces:         pgstore.NewNonceStore(pool),
		quotes:         pgstore.NewQuoteStore(pool),
		positions:      pgstore.NewPositionStore(pool),
		reconciliation: pgstore.NewReconciliationStore(pool),
		deadLetters:    pgstore.NewDeadLetterStore(pool),
		audit:          pgstore.NewAuditEventStore(pool),
	}
	cleanup := func() { pool.Close() }

	if cfg.ClickHouseDSN == "" {
		return st, cleanup, nil
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	st.auditMirror = chstore.NewAuditEventStore(conn)
	return st, func() {
		_ = conn.Close()
		pool.Close()
	}, nil
}
