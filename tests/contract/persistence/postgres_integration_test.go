package persistence_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/bus"
	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/persistence"
	"github.com/LKrysik/quantra/internal/schema"
	"github.com/LKrysik/quantra/internal/strategystore"
)

var (
	testPool    *pgxpool.Pool
	pgContainer *tcpostgres.PostgresContainer
	setupErr    error
)

func TestMain(m *testing.M) {
	if os.Getenv("QUANTRA_CONTRACT_TESTS") == "" {
		fmt.Fprintln(os.Stderr, "postgres contract tests skipped: QUANTRA_CONTRACT_TESTS not set")
		os.Exit(0)
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("quantra"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("connection string: %w", err)
	}

	logger := log.New(os.Stderr, "contract: ", log.LstdFlags)
	if err := persistence.Migrate(ctx, dsn, logger); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireSetup(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
}

func sampleStrategy(name string) schema.Strategy {
	return schema.Strategy{
		Name:      name,
		Direction: schema.DirectionLong,
		Signal: schema.SignalSection{Conditions: []schema.Condition{{
			VariantID: "rsi_14", Operator: schema.OpLTE, Value: 30,
		}}},
		Entry: schema.EntrySection{
			PositionSize: schema.PositionSize{Type: schema.SizePercentage, Value: 10},
			Leverage:     2,
			StopLoss:     schema.OffsetTrigger{Enabled: true, OffsetPercent: 5},
		},
		Close: schema.CloseSection{Conditions: []schema.Condition{{
			VariantID: "pnl_pct", Operator: schema.OpGTE, Value: 10,
		}}},
		Enabled: true,
	}
}

func TestStrategyStoreRoundTrip(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()

	store, err := strategystore.NewPostgres(testPool, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	saved, err := store.Save(ctx, "contract-alpha", sampleStrategy("contract-alpha"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}

	resaved, err := store.Save(ctx, "contract-alpha", sampleStrategy("contract-alpha"))
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if resaved.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", resaved.Version)
	}

	got, err := store.Get(ctx, "contract-alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Definition.Entry.Leverage != 2 {
		t.Fatalf("definition did not survive the round trip: leverage %v", got.Definition.Entry.Leverage)
	}

	disabled, err := store.SetEnabled(ctx, "contract-alpha", false)
	if err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if disabled.Definition.Enabled {
		t.Fatalf("expected strategy disabled")
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, record := range records {
		if record.ID == "contract-alpha" {
			found = true
		}
	}
	if !found {
		t.Fatalf("saved strategy missing from list")
	}

	if err := store.Delete(ctx, "contract-alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "contract-alpha"); !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found after delete, got %v", err)
	}
}

func TestSinkWritesBusEvents(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()

	b := bus.New(bus.Config{})
	defer b.Close()

	sink, err := persistence.NewSink(config.PersistenceConfig{
		QueueSize:     256,
		BatchSize:     4,
		FlushInterval: 50 * time.Millisecond,
	}, b, testPool, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	defer sink.Stop()

	base := schema.Nanos(time.Now().UnixNano())
	for i := 0; i < 4; i++ {
		err := b.Publish(ctx, &schema.Event{
			Topic:  schema.TopicMarketPrice,
			Source: "contract-test",
			Symbol: "BTC_USDT",
			Payload: schema.Tick{
				Symbol: "BTC_USDT",
				TS:     base + schema.Nanos(i)*schema.Nanos(time.Second),
				Open:   50000, High: 50100, Low: 49900, Close: 50050,
				Volume: 1.5, TradesCount: 10,
			},
		})
		if err != nil {
			t.Fatalf("publish tick %d: %v", i, err)
		}
	}

	waitForRows(t, ctx, "SELECT count(*) FROM market_data WHERE ts >= $1", 4, int64(base))
}

func TestTailStoreReadsAscending(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()

	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		_, err := testPool.Exec(ctx,
			`INSERT INTO indicators (ts, symbol, variant_id, value, fields) VALUES ($1, $2, $3, $4, NULL)
			 ON CONFLICT DO NOTHING`,
			base+int64(i)*int64(time.Second), "BTC_USDT", "rsi_14", float64(40+i))
		if err != nil {
			t.Fatalf("insert indicator %d: %v", i, err)
		}
	}

	tail, err := persistence.NewTailStore(testPool)
	if err != nil {
		t.Fatalf("new tail store: %v", err)
	}
	values, err := tail.ReadTail(ctx, "rsi_14", "BTC_USDT", 3)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	for i := 1; i < len(values); i++ {
		if values[i].TS <= values[i-1].TS {
			t.Fatalf("tail not ascending at %d: %d <= %d", i, values[i].TS, values[i-1].TS)
		}
	}
	if values[len(values)-1].Value != 44 {
		t.Fatalf("expected newest value 44, got %v", values[len(values)-1].Value)
	}
}

func waitForRows(t *testing.T, ctx context.Context, query string, expected int64, args ...any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var count int64
		if err := testPool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
			t.Fatalf("count rows: %v", err)
		}
		if count >= expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d rows, got %d", expected, count)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
