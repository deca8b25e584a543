// Command matchd runs the matching engine as an HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/api"
	"github.com/0x5487/margin-engine/journal"
	"github.com/0x5487/margin-engine/kafka"
	"github.com/0x5487/margin-engine/lending"
	"github.com/0x5487/margin-engine/redisoracle"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "matchd:", err)
		os.Exit(1)
	}
}

// closer runs shutdown steps in reverse registration order.
type closer struct {
	fns []func()
}

func (c *closer) add(fn func()) {
	c.fns = append(c.fns, fn)
}

func (c *closer) close() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, syncLog, err := newLogger(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = syncLog()
	}()
	match.SetLogger(log)
	slog.SetDefault(log)

	registry, err := LoadRegistry(cfg.App.MarketsFile)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	markets, err := registry.MarketConfigs()
	if err != nil {
		return err
	}

	var cleanup closer
	defer cleanup.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := match.NewMetrics(reg)

	// Prices: Redis when the oracle is enabled, the registry's fixed table otherwise.
	var (
		prices lending.PriceSource
		oracle *redisoracle.Oracle
	)
	if cfg.Oracle.Enabled {
		client := redisoracle.NewClient(cfg.Redis)
		cleanup.add(func() {
			_ = client.Close()
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		oracle = redisoracle.New(client, cfg.Redis)
		prices = oracle
	} else {
		static, err := registry.StaticPrices()
		if err != nil {
			return err
		}
		prices = static
	}

	assets, err := registry.AssetConfigs()
	if err != nil {
		return err
	}
	pool := lending.NewPool(prices, assets, lending.WithLogger(log))

	// Event sinks. The journal is written on the book goroutine so it never
	// lags the engine; everything remote sits behind a queue.
	var sinks match.MultiPublishLog
	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Dir, journal.Options{NoSync: cfg.Journal.NoSync, Logger: log})
		if err != nil {
			return err
		}
		cleanup.add(func() {
			_ = jrnl.Close()
		})
		sinks = append(sinks, jrnl)
	}
	if cfg.Kafka.Enabled {
		writer := kafka.NewWriter(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, WriteTimeout: cfg.Kafka.WriteTimeout})
		publisher := kafka.NewPublisher(writer, cfg.Kafka.WriteTimeout, log)
		async := match.NewAsyncPublishLog(publisher, cfg.Kafka.RingSize)
		cleanup.add(func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
			defer cancel()
			if err := async.Close(ctx); err != nil {
				log.Error("kafka queue not drained", "pending", async.Pending(), "error", err)
			}
			_ = publisher.Close()
			log.Info("kafka publisher closed", "published", publisher.Published(), "failed", publisher.Failed())
		})
		sinks = append(sinks, async)
	}
	if oracle != nil {
		reporter := match.NewOracleReporter(oracle, markets,
			match.WithSpotTTL(cfg.Oracle.SpotTTL),
			match.WithReportBuffer(cfg.Oracle.ReportBuffer),
			match.WithOracleTimeout(cfg.Oracle.Timeout),
		)
		cleanup.add(func() {
			reporter.Close()
			if dropped := reporter.Dropped(); dropped > 0 {
				log.Warn("oracle reports dropped", "count", dropped)
			}
		})
		sinks = append(sinks, reporter)
	}

	engine := match.NewMatchingEngine(sinks,
		match.WithLender(pool),
		match.WithEnginePolicy(match.NewAccessList(toAddresses(cfg.App.Operators)...)),
		match.WithEngineMetrics(metrics),
	)

	poolRestored, err := openMarkets(engine, pool, markets, cfg.App.SnapshotDir, jrnl, log)
	if err != nil {
		return err
	}
	// Seed collateral only goes into a fresh pool; a restored pool already holds it.
	if !poolRestored {
		if err := registry.SeedCollateral(pool); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go expireLoop(ctx, engine, cfg.App.ExpireInterval, log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(engine, api.Options{
			Logger:         log,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			RequestTimeout: cfg.HTTP.RequestTimeout,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown", "error", err)
	}
	return saveSnapshot(engine, pool, cfg.App.SnapshotDir, jrnl, log)
}

func toAddresses(ss []string) []match.Address {
	out := make([]match.Address, 0, len(ss))
	for _, s := range ss {
		out = append(out, match.Address(s))
	}
	return out
}

// openMarkets restores the last snapshot when there is one, then creates any
// configured market the snapshot did not contain. The lending pool is restored
// from the same directory; poolRestored reports whether it was.
func openMarkets(engine *match.MatchingEngine, pool *lending.Pool, markets []match.MarketConfig, snapshotDir string, jrnl *journal.Journal, log *slog.Logger) (poolRestored bool, err error) {
	if _, err := os.Stat(filepath.Join(snapshotDir, "metadata.json")); err == nil {
		meta, err := engine.RestoreFromSnapshot(snapshotDir)
		if err != nil {
			return false, fmt.Errorf("restore snapshot: %w", err)
		}
		if jrnl != nil {
			if err := verifyJournal(jrnl, meta, log); err != nil {
				return false, err
			}
		}
		if pool != nil {
			err := pool.LoadState(snapshotDir)
			switch {
			case err == nil:
				poolRestored = true
			case errors.Is(err, fs.ErrNotExist):
				// Borrowed funds in the ledger now have no matching debt.
				log.Warn("snapshot has no lending state", "dir", snapshotDir)
			default:
				return false, fmt.Errorf("restore lending state: %w", err)
			}
		}
	}

	for _, m := range markets {
		if engine.OrderBook(m.ID) != nil {
			continue
		}
		if err := engine.CreateMarket(m); err != nil {
			return false, fmt.Errorf("create market %s: %w", m.ID, err)
		}
	}
	return poolRestored, nil
}

// verifyJournal warns when the journal holds events the snapshot does not
// cover, which means the previous process stopped without a final snapshot.
func verifyJournal(jrnl *journal.Journal, meta *match.SnapshotMetadata, log *slog.Logger) error {
	for marketID, seq := range meta.LastSeqIDs {
		last, err := jrnl.LastSequence(marketID)
		if err != nil {
			return fmt.Errorf("journal %s: %w", marketID, err)
		}
		if last <= seq {
			continue
		}

		events, err := jrnl.Events(marketID, seq+1)
		if err != nil {
			return fmt.Errorf("journal %s: %w", marketID, err)
		}
		log.Warn("journal is ahead of snapshot",
			"market_id", marketID,
			"snapshot_seq_id", seq,
			"journal_seq_id", last,
			"events", len(events),
		)
	}
	return nil
}

// saveSnapshot writes the engine snapshot and then the lending state into the
// same directory. The engine must already be shut down so no borrow lands
// between the two.
func saveSnapshot(engine *match.MatchingEngine, pool *lending.Pool, dir string, jrnl *journal.Journal, log *slog.Logger) error {
	meta, err := engine.TakeSnapshot(dir)
	if err != nil {
		return fmt.Errorf("take snapshot: %w", err)
	}
	if pool != nil {
		if err := pool.SaveState(dir); err != nil {
			return fmt.Errorf("save lending state: %w", err)
		}
	}
	if jrnl == nil {
		return nil
	}
	for marketID, seq := range meta.LastSeqIDs {
		if err := jrnl.Truncate(marketID, seq+1); err != nil {
			log.Warn("journal truncate failed", "market_id", marketID, "error", err)
		}
	}
	return nil
}

func expireLoop(ctx context.Context, engine *match.MatchingEngine, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := engine.ExpireOrders(ctx, now)
			if err != nil && !errors.Is(err, match.ErrShutdown) && !errors.Is(err, context.Canceled) {
				log.Warn("expire orders", "error", err)
			}
			if n > 0 {
				log.Debug("orders expired", "count", n)
			}
		}
	}
}
