package match

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerOperations(t *testing.T) {
	ledger := NewLedger()

	t.Run("unknown entry is zero", func(t *testing.T) {
		bal := ledger.Balance("nobody", "USDC")
		assert.True(t, bal.Available.IsZero())
		assert.True(t, bal.Locked.IsZero())
	})

	t.Run("credit lock unlock", func(t *testing.T) {
		require.NoError(t, ledger.Credit("alice", "USDC", d("100")))
		require.NoError(t, ledger.Lock("alice", "USDC", d("40")))
		assertBalance(t, ledger, "alice", "USDC", "60", "40")

		require.NoError(t, ledger.Unlock("alice", "USDC", d("15")))
		assertBalance(t, ledger, "alice", "USDC", "75", "25")
		assert.Equal(t, "100", ledger.Balance("alice", "USDC").Total().String())
	})

	t.Run("transfer locked", func(t *testing.T) {
		require.NoError(t, ledger.TransferLocked("alice", "bob", "USDC", d("25")))
		assertBalance(t, ledger, "alice", "USDC", "75", "0")
		assertBalance(t, ledger, "bob", "USDC", "25", "0")
	})

	t.Run("insufficient funds", func(t *testing.T) {
		assert.ErrorIs(t, ledger.Lock("alice", "USDC", d("76")), ErrInsufficientBalance)
		assert.ErrorIs(t, ledger.Debit("alice", "USDC", d("76")), ErrInsufficientBalance)
		assert.ErrorIs(t, ledger.Unlock("alice", "USDC", d("1")), ErrInsufficientLocked)
		assert.ErrorIs(t, ledger.TransferLocked("alice", "bob", "USDC", d("1")), ErrInsufficientLocked)
		assertBalance(t, ledger, "alice", "USDC", "75", "0")
	})

	t.Run("non positive amounts", func(t *testing.T) {
		assert.ErrorIs(t, ledger.Credit("alice", "USDC", decimal.Zero), ErrInvalidAmount)
		assert.ErrorIs(t, ledger.Lock("alice", "USDC", d("-1")), ErrInvalidAmount)
	})

	t.Run("balances", func(t *testing.T) {
		require.NoError(t, ledger.Credit("alice", "WBTC", d("2")))
		bals := ledger.Balances("alice")
		require.Len(t, bals, 2)
		assert.Equal(t, "2", bals["WBTC"].Available.String())
		assert.Equal(t, "75", bals["USDC"].Available.String())
	})
}

func TestLedgerBatch(t *testing.T) {
	t.Run("all or nothing", func(t *testing.T) {
		ledger := NewLedger()
		fund(t, ledger, "alice", "WBTC", "1")
		fund(t, ledger, "bob", "USDC", "50")
		require.NoError(t, ledger.Lock("alice", "WBTC", d("1")))

		err := ledger.NewBatch().
			TransferLocked("alice", "bob", "WBTC", d("1")).
			Lock("bob", "USDC", d("100")).
			TransferLocked("bob", "alice", "USDC", d("100")).
			Commit()
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		assertBalance(t, ledger, "alice", "WBTC", "0", "1")
		assertBalance(t, ledger, "bob", "WBTC", "0", "0")
		assertBalance(t, ledger, "bob", "USDC", "50", "0")
	})

	t.Run("ops apply in order", func(t *testing.T) {
		ledger := NewLedger()
		fund(t, ledger, "alice", "WBTC", "1")
		fund(t, ledger, "bob", "USDC", "100")
		require.NoError(t, ledger.Lock("alice", "WBTC", d("1")))

		b := ledger.NewBatch().
			TransferLocked("alice", "bob", "WBTC", d("1")).
			Lock("bob", "USDC", d("100")).
			TransferLocked("bob", "alice", "USDC", d("100"))
		assert.Equal(t, 3, b.Len())
		require.NoError(t, b.Commit())

		assertBalance(t, ledger, "alice", "USDC", "100", "0")
		assertBalance(t, ledger, "bob", "WBTC", "1", "0")
		assertBalance(t, ledger, "bob", "USDC", "0", "0")
	})

	t.Run("staging error is sticky", func(t *testing.T) {
		ledger := NewLedger()
		b := ledger.NewBatch().Credit("alice", "USDC", d("1")).Credit("alice", "USDC", decimal.Zero)
		assert.ErrorIs(t, b.Commit(), ErrInvalidAmount)
		assertBalance(t, ledger, "alice", "USDC", "0", "0")
	})
}

func TestLedgerConcurrentTransfers(t *testing.T) {
	ledger := NewLedger()
	users := []Address{"u0", "u1", "u2", "u3"}
	for _, u := range users {
		fund(t, ledger, u, "USDC", "1000")
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := users[i%len(users)]
			to := users[(i+1)%len(users)]
			_ = ledger.NewBatch().
				Lock(from, "USDC", d("1")).
				TransferLocked(from, to, "USDC", d("1")).
				Commit()
		}(i)
	}
	wg.Wait()

	assertConserved(t, ledger, "USDC", "4000")
}

func TestLedgerSnapshotRestore(t *testing.T) {
	ledger := NewLedger()
	for i := 0; i < 3; i++ {
		fund(t, ledger, Address(fmt.Sprintf("user%d", i)), "USDC", "10")
	}
	require.NoError(t, ledger.Lock("user1", "USDC", d("4")))
	require.NoError(t, ledger.Debit("user2", "USDC", d("10")))

	entries := ledger.Snapshot()
	require.Len(t, entries, 2) // user2 is empty and skipped
	assert.Equal(t, Address("user0"), entries[0].User)
	assert.Equal(t, Address("user1"), entries[1].User)
	assert.Equal(t, "4", entries[1].Locked.String())

	restored := NewLedger()
	restored.Restore(entries)
	assert.Equal(t, entries, restored.Snapshot())
	assertBalance(t, restored, "user1", "USDC", "6", "4")
}
