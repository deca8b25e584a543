package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	mu        sync.Mutex
	spots     map[Asset]decimal.Decimal
	spotCalls int
	reports   []PriceReport
	release   chan struct{} // when set, ReportTradePrice blocks until closed
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{spots: map[Asset]decimal.Decimal{"USDC": d("100000000")}}
}

func (o *fakeOracle) SpotPrice(_ context.Context, asset Asset) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spotCalls++
	spot, ok := o.spots[asset]
	if !ok {
		return decimal.Zero, errors.New("no feed")
	}
	return spot, nil
}

func (o *fakeOracle) ReportTradePrice(_ context.Context, report PriceReport) error {
	if o.release != nil {
		<-o.release
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, report)
	return nil
}

func (o *fakeOracle) Reports() []PriceReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PriceReport(nil), o.reports...)
}

func tradeEvent(marketID string, tradeID uint64, price, size string) *Event {
	return &Event{
		Type:      EventTradeExecuted,
		MarketID:  marketID,
		TradeID:   tradeID,
		Price:     d(price),
		Size:      d(size),
		CreatedAt: time.Unix(1700000000, 0),
	}
}

func TestConvertTradePrice(t *testing.T) {
	m := testMarket

	tests := []struct {
		name  string
		price string
		spot  string
		want  string
	}{
		{"dollar stablecoin", "60000", "100000000", "6000000000000"},
		{"depegged quote", "60000", "99900000", "5994000000000"},
		{"truncates below oracle precision", "0.123456789", "100000000", "12345678"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertTradePrice(&m, d(tt.price), d(tt.spot))
			assert.Equal(t, tt.want, got.String())
		})
	}

	// Raw quote units of an 18 decimal quote asset.
	assert.Equal(t, "200000000", ScaleToOracle(d("2000000000000000000"), 18, d("100000000")).String())
}

func TestOracleReporter(t *testing.T) {
	t.Run("reports converted trades", func(t *testing.T) {
		oracle := newFakeOracle()
		reporter := NewOracleReporter(oracle, []MarketConfig{testMarket})

		reporter.Publish(
			&Event{Type: EventOrderPlaced, MarketID: testMarket.ID},
			tradeEvent(testMarket.ID, 1, "60000", "0.5"),
			tradeEvent(testMarket.ID, 2, "60001", "1"),
			tradeEvent("UNKNOWN", 3, "1", "1"),
		)
		reporter.Close()

		reports := oracle.Reports()
		require.Len(t, reports, 2)
		assert.Equal(t, Asset("WBTC"), reports[0].Base)
		assert.Equal(t, "6000000000000", reports[0].Price.String())
		assert.Equal(t, "0.5", reports[0].Volume.String())
		assert.Equal(t, uint64(2), reports[1].TradeID)
		assert.Equal(t, 1, oracle.spotCalls)

		// Closed reporters ignore further trades.
		reporter.Publish(tradeEvent(testMarket.ID, 4, "1", "1"))
		reporter.Close()
		assert.Len(t, oracle.Reports(), 2)
	})

	t.Run("missing spot price skips the report", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.spots = map[Asset]decimal.Decimal{}
		reporter := NewOracleReporter(oracle, []MarketConfig{testMarket})
		reporter.Publish(tradeEvent(testMarket.ID, 1, "60000", "1"))
		reporter.Close()
		assert.Empty(t, oracle.Reports())
	})

	t.Run("full buffer drops instead of blocking", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.release = make(chan struct{})
		reporter := NewOracleReporter(oracle, []MarketConfig{testMarket}, WithReportBuffer(1))

		for i := 1; i <= 5; i++ {
			reporter.Publish(tradeEvent(testMarket.ID, uint64(i), "100", "1"))
		}
		assert.GreaterOrEqual(t, reporter.Dropped(), uint64(3))

		close(oracle.release)
		reporter.Close()
		assert.Equal(t, uint64(5), reporter.Dropped()+uint64(len(oracle.Reports())))
	})
}

func TestOracleReporterAsPublishLog(t *testing.T) {
	oracle := newFakeOracle()
	reporter := NewOracleReporter(oracle, []MarketConfig{testMarket})
	memory := NewMemoryPublishLog()

	ledger := NewLedger()
	book := NewOrderBook(testMarket, ledger, MultiPublishLog{memory, reporter})
	go func() {
		_ = book.Start()
	}()
	defer func() {
		_ = book.Shutdown(context.Background())
	}()
	fund(t, ledger, "alice", "WBTC", "1")
	fund(t, ledger, "bob", "USDC", "100")

	place(t, book, limitOrder("alice", Sell, "100", "1"))
	place(t, book, marketOrder("bob", Buy, "1"))
	reporter.Close()

	reports := oracle.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "10000000000", reports[0].Price.String())
	assert.Len(t, memory.OfType(EventTradeExecuted), 1)
}
