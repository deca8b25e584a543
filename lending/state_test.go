package lending

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	match "github.com/0x5487/margin-engine"
)

func TestPoolState(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	require.NoError(t, p.Supply("alice", "WBTC", d("1")))
	require.NoError(t, p.Borrow(ctx, "alice", "USDC", d("30000.0000001")))
	require.NoError(t, p.Borrow(ctx, "alice", "WETH", d("2")))
	require.NoError(t, p.Repay("alice", "WETH", d("2")))

	st := p.Snapshot()
	require.Len(t, st.Positions, 2)
	assert.Equal(t, match.Address("alice"), st.Positions[0].User)
	assert.NotContains(t, st.Positions[0].Debt, match.Asset("WETH"))
	assert.Equal(t, match.Address("lp"), st.Positions[1].User)
	assert.Nil(t, st.Positions[1].Debt)

	t.Run("save and load", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, p.SaveState(dir))
		assert.NoFileExists(t, filepath.Join(dir, StateFileName+".tmp"))

		restored := NewPool(prices, DefaultAssets())
		require.NoError(t, restored.LoadState(dir))
		assert.Equal(t, "30000.000001", restored.Debt("alice", "USDC").String())
		assert.Equal(t, "1", restored.Collateral("alice", "WBTC").String())
		assert.Equal(t, "1000000", restored.Collateral("lp", "USDC").String())

		want, err := p.HealthFactor(ctx, "alice")
		require.NoError(t, err)
		got, err := restored.HealthFactor(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, want.Equal(got))

		wantUtil, err := p.Utilization("USDC")
		require.NoError(t, err)
		gotUtil, err := restored.Utilization("USDC")
		require.NoError(t, err)
		assert.True(t, wantUtil.Equal(gotUtil))

		// Restored liquidity is lendable exactly as before.
		assert.ErrorIs(t, restored.Borrow(ctx, "alice", "USDC", d("20000")), ErrUndercollateralized)
	})

	t.Run("restore replaces existing positions", func(t *testing.T) {
		other := newTestPool(t)
		require.NoError(t, other.Supply("carol", "WETH", d("5")))
		require.NoError(t, other.Restore(st))
		assert.True(t, other.Collateral("carol", "WETH").IsZero())
		assert.Equal(t, "30000.000001", other.Debt("alice", "USDC").String())
	})

	t.Run("missing file", func(t *testing.T) {
		err := NewPool(prices, DefaultAssets()).LoadState(t.TempDir())
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid state leaves the pool untouched", func(t *testing.T) {
		target := newTestPool(t)
		bad := &State{Positions: []PositionState{{User: "x", Debt: map[match.Asset]decimal.Decimal{"DOGE": d("1")}}}}
		assert.ErrorIs(t, target.Restore(bad), ErrUnknownAsset)

		bad = &State{Reserves: []ReserveState{{Asset: "USDC", Liquidity: d("1"), Borrowed: d("2")}}}
		assert.ErrorIs(t, target.Restore(bad), match.ErrInvalidParam)
		assert.ErrorIs(t, target.Restore(nil), match.ErrInvalidParam)

		assert.Equal(t, "1000000", target.Collateral("lp", "USDC").String())
	})
}
