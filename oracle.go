package match

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

// OracleDecimals is the fixed-point scale of every USD price exchanged with the oracle.
const OracleDecimals = 8

// Oracle is the external USD price feed.
type Oracle interface {
	// SpotPrice returns the USD price of one unit of asset, scaled by 10^OracleDecimals.
	SpotPrice(ctx context.Context, asset Asset) (decimal.Decimal, error)
	// ReportTradePrice records an executed trade. It is fire-and-forget from the engine's view.
	ReportTradePrice(ctx context.Context, report PriceReport) error
}

// PriceReport is one trade converted to the oracle's USD convention.
type PriceReport struct {
	MarketID  string          `json:"market_id"`
	Base      Asset           `json:"base"`
	Price     decimal.Decimal `json:"price"`  // USD per base unit, scaled by 10^OracleDecimals
	Volume    decimal.Decimal `json:"volume"` // Base quantity
	TradeID   uint64          `json:"trade_id"`
	Timestamp int64           `json:"timestamp"`
}

// ScaleToOracle converts a raw quote amount per base unit, expressed in the
// quote asset's smallest unit, into USD scaled by 10^OracleDecimals.
func ScaleToOracle(rawPrice decimal.Decimal, quoteDecimals int32, quoteSpot decimal.Decimal) decimal.Decimal {
	return rawPrice.Mul(quoteSpot).Shift(-quoteDecimals).Truncate(0)
}

// ConvertTradePrice converts a trade price of market m into the oracle's USD
// convention using the quote asset's spot price. A pair price is never a USD price
// unless the quote asset is worth exactly one dollar.
func ConvertTradePrice(m *MarketConfig, price, quoteSpot decimal.Decimal) decimal.Decimal {
	return ScaleToOracle(price.Shift(m.QuoteDecimals), m.QuoteDecimals, quoteSpot)
}

type tradeTick struct {
	marketID  string
	price     decimal.Decimal
	size      decimal.Decimal
	tradeID   uint64
	timestamp int64
}

// OracleReporterOption configures an OracleReporter.
type OracleReporterOption func(*OracleReporter)

// WithSpotTTL sets how long a quote spot price is reused.
func WithSpotTTL(d time.Duration) OracleReporterOption {
	return func(r *OracleReporter) {
		r.spotTTL = d
	}
}

func WithReportBuffer(n int) OracleReporterOption {
	return func(r *OracleReporter) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

func WithOracleTimeout(d time.Duration) OracleReporterOption {
	return func(r *OracleReporter) {
		r.timeout = d
	}
}

// OracleReporter is a PublishLog sink that forwards every trade to the oracle.
// Publish only copies the trade into a buffer; a background worker converts and
// reports it, so a slow oracle never stalls matching. When the buffer is full the
// trade is dropped and counted.
type OracleReporter struct {
	oracle  Oracle
	markets map[string]MarketConfig
	spots   *expirable.LRU[Asset, decimal.Decimal]
	spotTTL time.Duration
	bufSize int
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	ticks   chan tradeTick
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewOracleReporter creates a reporter for the given markets and starts its worker.
func NewOracleReporter(oracle Oracle, markets []MarketConfig, opts ...OracleReporterOption) *OracleReporter {
	r := &OracleReporter{
		oracle:  oracle,
		markets: make(map[string]MarketConfig, len(markets)),
		spotTTL: 30 * time.Second,
		bufSize: 4096,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, m := range markets {
		r.markets[m.ID] = m
	}
	r.spots = expirable.NewLRU[Asset, decimal.Decimal](256, nil, r.spotTTL)
	r.ticks = make(chan tradeTick, r.bufSize)

	r.wg.Add(1)
	go r.run()
	return r
}

// Publish queues trade events for reporting. Other events are ignored.
func (r *OracleReporter) Publish(events ...*Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	for _, ev := range events {
		if ev.Type != EventTradeExecuted {
			continue
		}
		tick := tradeTick{
			marketID:  ev.MarketID,
			price:     ev.Price,
			size:      ev.Size,
			tradeID:   ev.TradeID,
			timestamp: ev.CreatedAt.UnixNano(),
		}
		select {
		case r.ticks <- tick:
		default:
			r.dropped.Add(1)
			logger.Warn("oracle report buffer full, dropping trade", "market_id", ev.MarketID, "trade_id", ev.TradeID)
		}
	}
}

// Dropped returns how many trades were not reported because the buffer was full.
func (r *OracleReporter) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting trades and waits until the queued ones are reported.
func (r *OracleReporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ticks)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *OracleReporter) run() {
	defer r.wg.Done()
	for tick := range r.ticks {
		if err := r.report(tick); err != nil {
			logger.Warn("failed to report trade price", "market_id", tick.marketID, "trade_id", tick.tradeID, "error", err)
		}
	}
}

func (r *OracleReporter) report(tick tradeTick) error {
	m, ok := r.markets[tick.marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, tick.marketID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	spot, err := r.spotPrice(ctx, m.Quote)
	if err != nil {
		return fmt.Errorf("spot price of %s: %w", m.Quote, err)
	}

	return r.oracle.ReportTradePrice(ctx, PriceReport{
		MarketID:  m.ID,
		Base:      m.Base,
		Price:     ConvertTradePrice(&m, tick.price, spot),
		Volume:    tick.size,
		TradeID:   tick.tradeID,
		Timestamp: tick.timestamp,
	})
}

func (r *OracleReporter) spotPrice(ctx context.Context, asset Asset) (decimal.Decimal, error) {
	if spot, ok := r.spots.Get(asset); ok {
		return spot, nil
	}
	spot, err := r.oracle.SpotPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !spot.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: spot price %s", ErrInvalidAmount, spot)
	}
	r.spots.Add(asset, spot)
	return spot, nil
}
