package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x5487/margin-engine/protocol"
	"github.com/shopspring/decimal"
)

// MatchingEngine manages the order books of every market and the ledger they share.
type MatchingEngine struct {
	isShutdown    atomic.Bool
	orderbooks    sync.Map
	publishTrader PublishLog
	ledger        *Ledger
	policy        Policy
	lender        Lender
	borrower      *AutoBorrower
	metrics       *Metrics
	clock         func() time.Time

	// gate is held for reading by every state change and for writing by
	// TakeSnapshot, so a snapshot never sees half a fill.
	gate     sync.RWMutex
	createMu sync.Mutex
}

// EngineOption configures a MatchingEngine.
type EngineOption func(*MatchingEngine)

// WithLedger shares an existing ledger. By default the engine creates its own.
func WithLedger(l *Ledger) EngineOption {
	return func(e *MatchingEngine) {
		e.ledger = l
	}
}

// WithLender enables auto-borrow against the given lending engine.
func WithLender(l Lender) EngineOption {
	return func(e *MatchingEngine) {
		e.lender = l
	}
}

func WithEnginePolicy(p Policy) EngineOption {
	return func(e *MatchingEngine) {
		e.policy = p
	}
}

func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *MatchingEngine) {
		e.metrics = m
	}
}

func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *MatchingEngine) {
		e.clock = fn
	}
}

// NewMatchingEngine creates a new matching engine instance.
func NewMatchingEngine(publishTrader PublishLog, opts ...EngineOption) *MatchingEngine {
	e := &MatchingEngine{
		publishTrader: publishTrader,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.publishTrader == nil {
		e.publishTrader = NewDiscardPublishLog()
	}
	if e.ledger == nil {
		e.ledger = NewLedger()
	}
	if e.policy == nil {
		e.policy = NewAccessList()
	}
	if e.lender != nil {
		e.borrower = NewAutoBorrower(e.lender, e.ledger, WithBorrowMetrics(e.metrics))
	}
	return e
}

// Ledger returns the shared ledger.
func (e *MatchingEngine) Ledger() *Ledger {
	return e.ledger
}

func (e *MatchingEngine) bookOptions() []OrderBookOption {
	return []OrderBookOption{
		WithPolicy(e.policy),
		WithBorrower(e.borrower),
		WithMetrics(e.metrics),
		WithClock(e.clock),
		WithSnapshotGate(&e.gate),
	}
}

// CreateMarket registers a market and starts its order book.
func (e *MatchingEngine) CreateMarket(cfg MarketConfig) error {
	if e.isShutdown.Load() {
		return ErrShutdown
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	if _, exists := e.orderbooks.Load(cfg.ID); exists {
		return fmt.Errorf("%w: %s", ErrMarketExists, cfg.ID)
	}

	book := NewOrderBook(cfg, e.ledger, e.publishTrader, e.bookOptions()...)
	e.orderbooks.Store(cfg.ID, book)
	go func() {
		_ = book.Start()
	}()

	logger.Info("market created", "market_id", cfg.ID, "base", cfg.Base, "quote", cfg.Quote)
	return nil
}

// OrderBook retrieves the order book for a specific market ID.
// Returns nil if the market does not exist.
func (e *MatchingEngine) OrderBook(marketID string) *OrderBook {
	book, found := e.orderbooks.Load(marketID)
	if !found {
		return nil
	}
	orderbook, _ := book.(*OrderBook)
	return orderbook
}

// Markets returns the configuration of every market sorted by id.
func (e *MatchingEngine) Markets() []MarketConfig {
	markets := make([]MarketConfig, 0)
	e.orderbooks.Range(func(_, value any) bool {
		markets = append(markets, value.(*OrderBook).Market())
		return true
	})
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets
}

func (e *MatchingEngine) book(marketID string) (*OrderBook, error) {
	if e.isShutdown.Load() {
		return nil, ErrShutdown
	}
	book := e.OrderBook(marketID)
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return book, nil
}

// PlaceOrder routes an order to its market.
func (e *MatchingEngine) PlaceOrder(ctx context.Context, caller Address, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	if req == nil {
		return nil, ErrInvalidParam
	}
	book, err := e.book(req.MarketID)
	if err != nil {
		return nil, err
	}
	return book.PlaceOrder(ctx, caller, req)
}

// CancelOrder cancels a resting order. An id of an unknown market is simply not found.
func (e *MatchingEngine) CancelOrder(ctx context.Context, caller Address, id OrderID) error {
	if e.isShutdown.Load() {
		return ErrShutdown
	}
	book := e.OrderBook(id.MarketID)
	if book == nil {
		return ErrOrderNotFound
	}
	return book.CancelOrder(ctx, caller, id)
}

// BestPrice returns the best resting price of a market side.
func (e *MatchingEngine) BestPrice(ctx context.Context, marketID string, side Side) (decimal.Decimal, bool, error) {
	book, err := e.book(marketID)
	if err != nil {
		return decimal.Zero, false, err
	}
	return book.BestPrice(ctx, side)
}

// Depth returns the aggregated levels of a market.
func (e *MatchingEngine) Depth(marketID string, limit uint32) (*Depth, error) {
	book, err := e.book(marketID)
	if err != nil {
		return nil, err
	}
	return book.Depth(limit)
}

// SuspendMarket stops a market from accepting orders.
func (e *MatchingEngine) SuspendMarket(ctx context.Context, marketID string) error {
	book, err := e.book(marketID)
	if err != nil {
		return err
	}
	return book.Suspend(ctx)
}

// ResumeMarket re-opens a suspended market.
func (e *MatchingEngine) ResumeMarket(ctx context.Context, marketID string) error {
	book, err := e.book(marketID)
	if err != nil {
		return err
	}
	return book.Resume(ctx)
}

// ExpireOrders sweeps every market for GTT orders due at now.
func (e *MatchingEngine) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	if e.isShutdown.Load() {
		return 0, ErrShutdown
	}

	var errs []error
	total := 0
	e.orderbooks.Range(func(key, value any) bool {
		book := value.(*OrderBook)
		if book.State() == protocol.OrderBookStateHalted {
			return true
		}
		n, err := book.ExpireOrders(ctx, now)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", key.(string), err))
		}
		return true
	})
	return total, errors.Join(errs...)
}

// Deposit credits funds that arrived from outside the engine. Only operators
// may deposit, for any account including their own.
func (e *MatchingEngine) Deposit(caller, user Address, asset Asset, amount decimal.Decimal) error {
	if user == "" || asset == "" {
		return ErrInvalidParam
	}
	if !e.policy.Operator(caller) {
		return fmt.Errorf("%w: %s may not deposit", ErrUnauthorized, caller)
	}
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Credit(user, asset, amount)
}

// Withdraw debits available funds. Locked funds cannot be withdrawn.
func (e *MatchingEngine) Withdraw(caller, user Address, asset Asset, amount decimal.Decimal) error {
	if user == "" || asset == "" {
		return ErrInvalidParam
	}
	if !e.policy.Authorized(caller, user) {
		return fmt.Errorf("%w: %s may not withdraw for %s", ErrUnauthorized, caller, user)
	}
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Debit(user, asset, amount)
}

// Balance returns one ledger entry.
func (e *MatchingEngine) Balance(user Address, asset Asset) Balance {
	return e.ledger.Balance(user, asset)
}

// Balances returns every ledger entry of a user.
func (e *MatchingEngine) Balances(user Address) map[Asset]Balance {
	return e.ledger.Balances(user)
}

// AccountBalances is Balances for callers that must own the account or be an operator.
func (e *MatchingEngine) AccountBalances(caller, user Address) (map[Asset]Balance, error) {
	if user == "" {
		return nil, ErrInvalidParam
	}
	if !e.policy.Authorized(caller, user) {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrUnauthorized, caller, user)
	}
	return e.ledger.Balances(user), nil
}

// HealthFactor asks the lending engine for the user's health factor.
func (e *MatchingEngine) HealthFactor(ctx context.Context, caller, user Address) (decimal.Decimal, error) {
	if user == "" {
		return decimal.Zero, ErrInvalidParam
	}
	if !e.policy.Authorized(caller, user) {
		return decimal.Zero, fmt.Errorf("%w: %s may not read %s", ErrUnauthorized, caller, user)
	}
	if e.lender == nil {
		return decimal.Zero, ErrNoLender
	}
	return e.lender.HealthFactor(ctx, user)
}

// Shutdown gracefully shuts down all order books in the engine.
// It blocks until all order books have completed their shutdown or the context is cancelled.
// Returns nil if all order books shut down successfully, or an aggregated error otherwise.
func (e *MatchingEngine) Shutdown(ctx context.Context) error {
	e.isShutdown.Store(true)

	var wg sync.WaitGroup
	var errs []error
	var errMu sync.Mutex

	e.orderbooks.Range(func(key, value any) bool {
		wg.Add(1)
		go func(book *OrderBook) {
			defer wg.Done()
			if err := book.Shutdown(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(value.(*OrderBook))
		return true
	})

	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// capture takes every book and the ledger at one instant.
func (e *MatchingEngine) capture() *engineSnapshot {
	e.gate.Lock()
	defer e.gate.Unlock()

	snap := &engineSnapshot{}
	e.orderbooks.Range(func(_, value any) bool {
		snap.books = append(snap.books, value.(*OrderBook).createSnapshot())
		return true
	})
	snap.ledger = &LedgerSnapshot{Entries: e.ledger.Snapshot()}

	sort.Slice(snap.books, func(i, j int) bool { return snap.books[i].MarketID < snap.books[j].MarketID })
	return snap
}

// TakeSnapshot captures a consistent snapshot of all order books and the ledger
// and writes them to the specified directory as `snapshot.bin` and `metadata.json`.
func (e *MatchingEngine) TakeSnapshot(outputDir string) (*SnapshotMetadata, error) {
	snap := e.capture()
	meta, err := writeSnapshot(outputDir, snap)
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot written", "dir", outputDir, "markets", meta.MarketCount, "checksum", meta.SnapshotChecksum)
	return meta, nil
}

// RestoreFromSnapshot rebuilds every market and the ledger from a snapshot directory.
// The engine must not have any markets yet.
func (e *MatchingEngine) RestoreFromSnapshot(inputDir string) (*SnapshotMetadata, error) {
	e.createMu.Lock()
	defer e.createMu.Unlock()

	empty := true
	e.orderbooks.Range(func(_, _ any) bool {
		empty = false
		return false
	})
	if !empty {
		return nil, fmt.Errorf("%w: restore needs an empty engine", ErrMarketExists)
	}

	meta, snap, err := readSnapshot(inputDir)
	if err != nil {
		return nil, err
	}

	e.ledger.Restore(snap.ledger.Entries)

	for _, bookSnap := range snap.books {
		cfg := bookSnap.Market
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("market %s: %w", bookSnap.MarketID, err)
		}
		book := NewOrderBook(cfg, e.ledger, e.publishTrader, e.bookOptions()...)
		book.Restore(bookSnap)

		e.orderbooks.Store(cfg.ID, book)
		go func(b *OrderBook) {
			_ = b.Start()
		}(book)
	}

	logger.Info("snapshot restored", "dir", inputDir, "markets", len(snap.books), "balances", len(snap.ledger.Entries))
	return meta, nil
}
