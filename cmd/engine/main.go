// Command engine runs the strategy evaluation and execution engine: market
// data gateway, indicator engine, strategy store, session controller and the
// async persistence sink, wired over the in-process event bus.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/evaluator"
	"github.com/LKrysik/quantra/internal/gateway"
	"github.com/LKrysik/quantra/internal/indicator"
	"github.com/LKrysik/quantra/internal/manager"
	"github.com/LKrysik/quantra/internal/order"
	"github.com/LKrysik/quantra/internal/persistence"
	"github.com/LKrysik/quantra/internal/schema"
	"github.com/LKrysik/quantra/internal/session"
	"github.com/LKrysik/quantra/internal/strategystore"
	"github.com/LKrysik/quantra/internal/telemetry"
)

const (
	exitOK         = 0
	exitValidation = 2
	exitNoConfig   = 3
	exitDependency = 4
	exitConflict   = 5
	exitInternal   = 10
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to app.yaml (default config/app.yaml)")
	runMigrations := flag.Bool("migrate", false, "apply database migrations before starting")
	flag.Parse()

	logger := log.New(os.Stdout, "engine: ", log.LstdFlags|log.Lmicroseconds)
	os.Exit(run(*configPath, *runMigrations, logger))
}

func run(configPath string, runMigrations bool, logger *log.Logger) int {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			logger.Printf("config file %s: %v", configPath, err)
			return exitNoConfig
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("load config: %v", err)
		return exitValidation
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterShutdown, code := initTelemetry(ctx, cfg, logger)
	if code != exitOK {
		return code
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := meterShutdown(flushCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	b := bus.New(bus.Config{
		PublishDeadline: cfg.Bus.PublishDeadline,
		BlockTimeout:    cfg.Bus.BlockTimeout,
		FanoutWorkers:   cfg.Bus.FanoutWorkers,
	})
	defer b.Close()

	deps, code := initStorage(ctx, cfg, b, runMigrations, logger)
	if code != exitOK {
		return code
	}
	defer deps.close()

	loaded, err := strategystore.LoadDir(ctx, deps.store, cfg.StrategyDir, logger)
	if err != nil {
		logger.Printf("load strategies from %s: %v", cfg.StrategyDir, err)
		return exitValidation
	}
	logger.Printf("strategies loaded from %s: %d", cfg.StrategyDir, loaded)

	engine, err := indicator.New(indicator.Config{
		EmitEpsilon: cfg.Indicator.EmitEpsilon,
		TickThrough: cfg.Indicator.TickThrough,
		TailSize:    cfg.Indicator.TailSize,
	}, b, indicator.DefaultCatalog(), configuredVariants(cfg.Indicator), deps.tail,
		log.New(os.Stdout, "indicator: ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Printf("indicator engine: %v", err)
		return exitCode(err)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Printf("start indicator engine: %v", err)
		return exitCode(err)
	}
	defer engine.Stop()

	var feeds conc.WaitGroup
	// Cancel the run context before waiting so the gateway loop unblocks even
	// when we exit on an error rather than a signal.
	defer func() {
		stop()
		feeds.Wait()
	}()
	if cfg.Session.Mode != config.ModeBacktest {
		gw, err := gateway.New(cfg.Gateway, b,
			log.New(os.Stdout, "gateway: ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			logger.Printf("gateway: %v", err)
			return exitCode(err)
		}
		feeds.Go(func() {
			if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("gateway exited: %v", err)
			}
		})
	}

	controller, err := session.New(session.Config{
		Store:  deps.store,
		Bus:    b,
		Binder: executionBinder(ctx, cfg, b),
		Logger: log.New(os.Stdout, "session: ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Printf("session controller: %v", err)
		return exitCode(err)
	}

	sess, err := controller.Start(ctx, session.StartRequest{
		Mode:      cfg.Session.Mode,
		Symbols:   cfg.Gateway.Symbols,
		BudgetUSD: cfg.Session.BudgetUSD,
	})
	if err != nil {
		logger.Printf("start session: %v", err)
		return exitCode(err)
	}
	logger.Printf("session %s running mode=%s symbols=%v budget=%.2f",
		sess.SessionID, sess.Mode, sess.Symbols, sess.BudgetUSD)

	<-ctx.Done()
	logger.Printf("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := controller.StopAll(stopCtx, session.StopOptions{}); err != nil {
		logger.Printf("stop sessions: %v", err)
	}
	return exitOK
}

func initTelemetry(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (func(context.Context) error, int) {
	_, shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Printf("telemetry: %v", err)
		return nil, exitDependency
	}
	return shutdown, exitOK
}

// storageDeps bundles the strategy store with the optional postgres-backed
// pieces. With no DSN configured everything runs in memory and nothing is
// persisted.
type storageDeps struct {
	store strategystore.Store
	tail  indicator.TailReader
	pool  *pgxpool.Pool
	sink  *persistence.Sink
}

func (d *storageDeps) close() {
	if d.sink != nil {
		d.sink.Stop()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func initStorage(ctx context.Context, cfg config.AppConfig, b *bus.Bus, runMigrations bool, logger *log.Logger) (*storageDeps, int) {
	if cfg.Database.DSN == "" {
		logger.Printf("no database configured, running in-memory")
		return &storageDeps{store: strategystore.NewMemory(nil)}, exitOK
	}

	if runMigrations {
		if err := persistence.Migrate(ctx, cfg.Database.DSN, logger); err != nil {
			logger.Printf("migrate: %v", err)
			return nil, exitDependency
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Printf("database pool: %v", err)
		return nil, exitDependency
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		logger.Printf("database ping: %v", err)
		return nil, exitDependency
	}

	store, err := strategystore.NewPostgres(pool, nil)
	if err != nil {
		pool.Close()
		logger.Printf("strategy store: %v", err)
		return nil, exitDependency
	}
	tail, err := persistence.NewTailStore(pool)
	if err != nil {
		pool.Close()
		logger.Printf("tail store: %v", err)
		return nil, exitDependency
	}
	sink, err := persistence.NewSink(cfg.Persistence, b, pool,
		log.New(os.Stdout, "persistence: ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		pool.Close()
		logger.Printf("persistence sink: %v", err)
		return nil, exitDependency
	}
	if err := sink.Start(ctx); err != nil {
		pool.Close()
		logger.Printf("start persistence sink: %v", err)
		return nil, exitDependency
	}
	return &storageDeps{store: store, tail: tail, pool: pool, sink: sink}, exitOK
}

// configuredVariants converts declared variants into engine variants. Param
// names are sorted so variant ids come out deterministic regardless of map
// iteration order.
func configuredVariants(cfg config.IndicatorConfig) []indicator.Variant {
	variants := make([]indicator.Variant, 0, len(cfg.Variants))
	for _, vc := range cfg.Variants {
		names := make([]string, 0, len(vc.Params))
		for name := range vc.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		params := make(indicator.Params, 0, len(names))
		for _, name := range names {
			params = append(params, indicator.Param{Name: name, Value: vc.Params[name]})
		}
		variants = append(variants, indicator.NewVariant(vc.Base, params))
	}
	return variants
}

// executionBinder builds the per-session execution layer: an order manager
// capped at the session budget, backed by a paper or live venue, and a runner
// factory spawning one evaluator per session symbol.
func executionBinder(ctx context.Context, cfg config.AppConfig, b *bus.Bus) session.Binder {
	return func(sess schema.Session) (session.Binding, error) {
		orderCfg := order.Config{
			SessionID:      sess.SessionID,
			BudgetUSD:      sess.BudgetUSD,
			SubmitDeadline: cfg.Execution.SubmitDeadline,
		}
		orderLogger := log.New(os.Stdout, "order: ", log.LstdFlags|log.Lmicroseconds)

		var (
			trader *order.Manager
			err    error
		)
		if config.Mode(sess.Mode) == config.ModeLive {
			var venue *order.Live
			venue, err = order.NewLive(order.LiveConfig{
				BaseURL:         cfg.Execution.VenueRESTURL,
				APIKey:          cfg.Execution.APIKey,
				APISecret:       cfg.Execution.APISecret,
				RateLimitPerSec: cfg.Execution.RateLimitPerSec,
				RateLimitBurst:  cfg.Execution.RateLimitBurst,
				HTTPTimeout:     cfg.Execution.SubmitDeadline,
			})
			if err == nil {
				trader, err = order.New(orderCfg, b, venue, orderLogger)
			}
		} else {
			trader, err = order.NewPaperManager(orderCfg, b,
				cfg.Execution.SlippageBps, cfg.Execution.CommissionPct, orderLogger)
		}
		if err != nil {
			return session.Binding{}, err
		}
		if err := trader.Start(ctx); err != nil {
			return session.Binding{}, err
		}

		evalLogger := log.New(os.Stdout, "evaluator: ", log.LstdFlags|log.Lmicroseconds)
		factory := func(record strategystore.Record) (manager.Runner, error) {
			return newRunnerGroup(record, sess, b, trader, evalLogger)
		}
		return session.Binding{Factory: factory, Teardown: trader.Stop}, nil
	}
}

// runnerGroup runs one evaluator per session symbol for a single strategy.
type runnerGroup struct {
	evals []*evaluator.Evaluator
}

func newRunnerGroup(record strategystore.Record, sess schema.Session, b *bus.Bus, trader evaluator.Trader, logger *log.Logger) (*runnerGroup, error) {
	group := &runnerGroup{evals: make([]*evaluator.Evaluator, 0, len(sess.Symbols))}
	// Global limits cap the strategy as a whole, so every per-symbol
	// evaluator shares one guard.
	guard := evaluator.NewLimitsGuard(record.Definition.GlobalLimits, sess.BudgetUSD)
	for _, symbol := range sess.Symbols {
		eval, err := evaluator.New(evaluator.Config{
			Record:    record,
			Symbol:    symbol,
			SessionID: sess.SessionID,
			BudgetUSD: sess.BudgetUSD,
			Guard:     guard,
		}, b, trader, logger)
		if err != nil {
			return nil, err
		}
		group.evals = append(group.evals, eval)
	}
	return group, nil
}

func (g *runnerGroup) Run(ctx context.Context) error {
	var (
		mu       sync.Mutex
		firstErr error
	)
	var wg conc.WaitGroup
	for _, eval := range g.evals {
		eval := eval
		wg.Go(func() {
			if err := eval.Run(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return firstErr
}

func (g *runnerGroup) Stop(ctx context.Context, closePositions bool) error {
	var firstErr error
	for _, eval := range g.evals {
		if err := eval.Stop(ctx, closePositions); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func exitCode(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		return exitValidation
	case errs.CodeConflict:
		return exitConflict
	case errs.CodeTransient, errs.CodeUnavailable:
		return exitDependency
	default:
		return exitInternal
	}
}
