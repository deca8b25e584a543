package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/journal"
	"github.com/0x5487/margin-engine/lending"
)

func TestLoadConfig(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_OPERATORS", "ops1,ops2")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("ORACLE_SPOT_TTL", "30s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, []string{"ops1", "ops2"}, cfg.App.Operators)
	assert.Equal(t, time.Second, cfg.App.ExpireInterval)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.True(t, cfg.Journal.Enabled)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int64(4096), cfg.Kafka.RingSize)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "oracle:spot", cfg.Redis.SpotKey)
	assert.Equal(t, 30*time.Second, cfg.Oracle.SpotTTL)
}

func TestLoadConfigFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Cleanup(func() {
		os.Unsetenv("APP_LOG_LEVEL")
		os.Unsetenv("JOURNAL_DIR")
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("APP_LOG_LEVEL=debug\nJOURNAL_DIR=/var/lib/matchd\n"), 0o600))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "/var/lib/matchd", cfg.Journal.Dir)
}

func TestRegistry(t *testing.T) {
	reg, err := LoadRegistry("markets.yaml")
	require.NoError(t, err)

	markets, err := reg.MarketConfigs()
	require.NoError(t, err)
	require.Len(t, markets, 3)
	assert.Equal(t, "WBTC-USDC", markets[0].ID)
	assert.Equal(t, int32(8), markets[0].BaseDecimals)
	assert.Equal(t, "0.01", markets[0].TickSize.String())
	assert.True(t, markets[2].TickSize.IsZero())

	assets, err := reg.AssetConfigs()
	require.NoError(t, err)
	require.Len(t, assets, 4)
	assert.Equal(t, int32(18), assets[1].Decimals)
	assert.Equal(t, "0.75", assets[0].LTV.String())

	prices, err := reg.StaticPrices()
	require.NoError(t, err)
	assert.Equal(t, "100000000", prices["USDC"].String())

	pool := lending.NewPool(prices, assets)
	require.NoError(t, reg.SeedCollateral(pool))
	assert.Equal(t, "100", pool.Collateral("lp", "WBTC").String())

	t.Run("invalid", func(t *testing.T) {
		_, err := ParseRegistry([]byte("markets: [oops"))
		assert.Error(t, err)

		bad, err := ParseRegistry([]byte("markets:\n  - id: X-Y\n    tick_size: abc\n"))
		require.NoError(t, err)
		_, err = bad.MarketConfigs()
		assert.ErrorContains(t, err, "tick_size")

		empty, err := ParseRegistry([]byte("markets: []\n"))
		require.NoError(t, err)
		defaults, err := empty.AssetConfigs()
		require.NoError(t, err)
		assert.Equal(t, len(lending.DefaultAssets()), len(defaults))
	})
}

func TestNewLogger(t *testing.T) {
	log, sync, err := newLogger("production", "warn")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.False(t, log.Enabled(context.Background(), -4))
	_ = sync()

	_, _, err = newLogger("development", "loud")
	assert.Error(t, err)
}

// A restart restores balances, resting orders and lending positions from the
// snapshot written at shutdown.
func TestSnapshotAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	snapshotDir := filepath.Join(dir, "snapshot")
	market := match.MarketConfig{ID: "WBTC-USDC", Base: "WBTC", Quote: "USDC", BaseDecimals: 8, QuoteDecimals: 6}
	prices := lending.StaticPrices{
		"WBTC": decimal.NewFromInt(100 * 100000000),
		"USDC": decimal.NewFromInt(100000000),
	}

	jrnl, err := journal.Open(filepath.Join(dir, "journal"), journal.Options{NoSync: true})
	require.NoError(t, err)
	defer jrnl.Close()

	newEngine := func(pool *lending.Pool) *match.MatchingEngine {
		return match.NewMatchingEngine(jrnl,
			match.WithLender(pool),
			match.WithEnginePolicy(match.NewAccessList("ops")),
		)
	}

	ctx := context.Background()
	firstPool := lending.NewPool(prices, lending.DefaultAssets(), lending.WithLogger(nopLogger()))
	first := newEngine(firstPool)
	restored, err := openMarkets(first, firstPool, []match.MarketConfig{market}, snapshotDir, jrnl, nopLogger())
	require.NoError(t, err)
	assert.False(t, restored)
	require.NoError(t, firstPool.Supply("lp", "USDC", decimal.NewFromInt(1000)))
	require.NoError(t, firstPool.Supply("bob", "WBTC", decimal.NewFromInt(2)))

	require.NoError(t, first.Deposit("ops", "alice", "WBTC", decimal.NewFromInt(3)))
	res, err := first.PlaceOrder(ctx, "alice", &match.PlaceOrderRequest{
		MarketID: market.ID, Owner: "alice", Side: match.Sell, Type: match.Limit,
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	// bob holds no USDC on the exchange and borrows the 100 he pays.
	buy, err := first.PlaceOrder(ctx, "bob", &match.PlaceOrderRequest{
		MarketID: market.ID, Owner: "bob", Side: match.Buy, Type: match.Market,
		Size: decimal.NewFromInt(1), AutoBorrow: true,
	})
	require.NoError(t, err)
	require.Equal(t, "1", buy.Filled.String())
	require.Equal(t, "100", firstPool.Debt("bob", "USDC").String())

	require.NoError(t, first.Shutdown(ctx))
	require.NoError(t, saveSnapshot(first, firstPool, snapshotDir, jrnl, nopLogger()))
	assert.FileExists(t, filepath.Join(snapshotDir, lending.StateFileName))

	// Covered events are dropped from the journal.
	events, err := jrnl.Events(market.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	secondPool := lending.NewPool(prices, lending.DefaultAssets(), lending.WithLogger(nopLogger()))
	second := newEngine(secondPool)
	restored, err = openMarkets(second, secondPool, []match.MarketConfig{market}, snapshotDir, jrnl, nopLogger())
	require.NoError(t, err)
	assert.True(t, restored)
	defer second.Shutdown(ctx)

	bal := second.Balance("alice", "WBTC")
	assert.Equal(t, "1", bal.Available.String())
	assert.Equal(t, "1", bal.Locked.String())
	assert.Equal(t, "1", second.Balance("bob", "WBTC").Available.String())

	// The debt behind bob's purchase survives the restart.
	assert.Equal(t, "100", secondPool.Debt("bob", "USDC").String())
	assert.Equal(t, "2", secondPool.Collateral("bob", "WBTC").String())
	util, err := secondPool.Utilization("USDC")
	require.NoError(t, err)
	assert.Equal(t, "0.1", util.String())
	hf, err := second.HealthFactor(ctx, "bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, "1.6", hf.String())

	price, found, err := second.BestPrice(ctx, market.ID, match.Sell)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "100", price.String())

	require.NoError(t, second.CancelOrder(ctx, "alice", res.OrderID))
	assert.Equal(t, "2", second.Balance("alice", "WBTC").Available.String())
}
