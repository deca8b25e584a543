package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x5487/margin-engine/protocol"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

// CommandType represents the type of command sent to the order book.
type CommandType int

const (
	CmdPlaceOrder CommandType = iota
	CmdCancelOrder
	CmdExpireOrders
	CmdSetState
	CmdBestPrice
	CmdDepth
	CmdGetStats
	CmdSnapshot
)

// Command represents a unified command sent to the order book.
// A single channel gives every market one deterministic processing order.
type Command struct {
	Type    CommandType
	Payload any
	Resp    chan any
}

type commandResult struct {
	data any
	err  error
}

type placeOrderPayload struct {
	caller Address
	req    *PlaceOrderRequest
}

type cancelOrderPayload struct {
	caller Address
	id     OrderID
}

type bestPriceResult struct {
	price decimal.Decimal
	ok    bool
}

// OrderBookOption configures an OrderBook.
type OrderBookOption func(*OrderBook)

// WithPolicy sets the authorization policy. The default only lets owners act for themselves.
func WithPolicy(p Policy) OrderBookOption {
	return func(book *OrderBook) {
		if p != nil {
			book.policy = p
		}
	}
}

// WithBorrower enables auto-borrow. Without it every auto-borrow request is
// rejected with ErrNoLender.
func WithBorrower(b *AutoBorrower) OrderBookOption {
	return func(book *OrderBook) {
		book.borrower = b
	}
}

func WithMetrics(m *Metrics) OrderBookOption {
	return func(book *OrderBook) {
		book.metrics = m
	}
}

// WithClock overrides time.Now, for tests of expiry.
func WithClock(fn func() time.Time) OrderBookOption {
	return func(book *OrderBook) {
		if fn != nil {
			book.clock = fn
		}
	}
}

// WithSnapshotGate shares a lock with the engine. Mutating commands hold it
// for reading; a consistent engine snapshot holds it for writing.
func WithSnapshotGate(gate *sync.RWMutex) OrderBookOption {
	return func(book *OrderBook) {
		if gate != nil {
			book.gate = gate
		}
	}
}

func WithCommandBuffer(size int) OrderBookOption {
	return func(book *OrderBook) {
		if size > 0 {
			book.cmdChan = make(chan Command, size)
		}
	}
}

// OrderBook is the order book of one market. All state changes happen on the
// goroutine running Start; the exported methods send commands to it and wait
// for the reply.
type OrderBook struct {
	market           MarketConfig
	seqID            atomic.Uint64 // Event sequence; every emitted event takes the next value
	orderSeq         atomic.Uint64 // Order id sequence; only accepted orders take a value
	tradeID          atomic.Uint64
	state            atomic.Uint32
	isShutdown       atomic.Bool
	bidQueue         *queue
	askQueue         *queue
	expiries         *expiryIndex
	cmdChan          chan Command
	done             chan struct{}
	shutdownComplete chan struct{}
	publishTrader    PublishLog
	ledger           *Ledger
	policy           Policy
	borrower         *AutoBorrower
	metrics          *Metrics
	gate             *sync.RWMutex
	clock            func() time.Time
	log              *slog.Logger

	// Per-command scratch, only touched by the book goroutine.
	pending []*Event
	batchID string
}

// NewOrderBook creates a new order book instance. The market config must be valid.
func NewOrderBook(market MarketConfig, ledger *Ledger, publishTrader PublishLog, opts ...OrderBookOption) *OrderBook {
	if publishTrader == nil {
		publishTrader = NewDiscardPublishLog()
	}
	book := &OrderBook{
		market:           market,
		bidQueue:         NewBuyerQueue(),
		askQueue:         NewSellerQueue(),
		expiries:         newExpiryIndex(),
		cmdChan:          make(chan Command, 32768),
		done:             make(chan struct{}),
		shutdownComplete: make(chan struct{}),
		publishTrader:    publishTrader,
		ledger:           ledger,
		policy:           NewAccessList(),
		gate:             &sync.RWMutex{},
		clock:            func() time.Time { return time.Now().UTC() },
		log:              logger.With("market_id", market.ID),
		pending:          make([]*Event, 0, 16),
	}
	for _, opt := range opts {
		opt(book)
	}
	return book
}

// Market returns the market configuration.
func (book *OrderBook) Market() MarketConfig {
	return book.market
}

// State returns the lifecycle state of the book.
func (book *OrderBook) State() protocol.OrderBookState {
	return protocol.OrderBookState(book.state.Load())
}

// PlaceOrder validates, matches and settles one order and returns what happened to it.
// caller is the account submitting the request; it must be allowed to act for req.Owner.
func (book *OrderBook) PlaceOrder(ctx context.Context, caller Address, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	if req == nil {
		return nil, ErrInvalidParam
	}
	data, err := book.send(ctx, CmdPlaceOrder, &placeOrderPayload{caller: caller, req: req})
	result, _ := data.(*PlaceOrderResult)
	return result, err
}

// CancelOrder removes a resting order and releases its reserve.
// A second cancel of the same order returns ErrOrderNotFound.
func (book *OrderBook) CancelOrder(ctx context.Context, caller Address, id OrderID) error {
	if id.IsZero() {
		return ErrInvalidParam
	}
	_, err := book.send(ctx, CmdCancelOrder, &cancelOrderPayload{caller: caller, id: id})
	return err
}

// ExpireOrders cancels every GTT order whose expiry is at or before now.
// It returns how many orders were removed.
func (book *OrderBook) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	data, err := book.send(ctx, CmdExpireOrders, now)
	n, _ := data.(int)
	return n, err
}

// Suspend stops the book from accepting new orders. Cancels still work.
func (book *OrderBook) Suspend(ctx context.Context) error {
	_, err := book.send(ctx, CmdSetState, protocol.OrderBookStateSuspended)
	return err
}

// Resume re-opens a suspended book. A halted book cannot be resumed.
func (book *OrderBook) Resume(ctx context.Context) error {
	_, err := book.send(ctx, CmdSetState, protocol.OrderBookStateRunning)
	return err
}

// BestPrice returns the best resting price on side, or false when that side is empty.
func (book *OrderBook) BestPrice(ctx context.Context, side Side) (decimal.Decimal, bool, error) {
	if side != Buy && side != Sell {
		return decimal.Zero, false, ErrInvalidParam
	}
	data, err := book.send(ctx, CmdBestPrice, side)
	if err != nil {
		return decimal.Zero, false, err
	}
	res, _ := data.(*bestPriceResult)
	if res == nil {
		return decimal.Zero, false, ErrInternal
	}
	return res.price, res.ok, nil
}

// Depth returns the current depth of the order book up to the specified limit.
func (book *OrderBook) Depth(limit uint32) (*Depth, error) {
	if limit == 0 {
		return nil, ErrInvalidParam
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := book.send(ctx, CmdDepth, limit)
	if err != nil {
		return nil, err
	}
	result, _ := data.(*Depth)
	return result, nil
}

// GetStats returns usage statistics for the order book.
func (book *OrderBook) GetStats() (*BookStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := book.send(ctx, CmdGetStats, nil)
	if err != nil {
		return nil, err
	}
	result, _ := data.(*BookStats)
	return result, nil
}

// TakeSnapshot captures the current state of this order book only.
// Use MatchingEngine.TakeSnapshot for a cut that is consistent with the ledger.
func (book *OrderBook) TakeSnapshot() (*OrderBookSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := book.send(ctx, CmdSnapshot, nil)
	if err != nil {
		return nil, err
	}
	snap, ok := data.(*OrderBookSnapshot)
	if !ok {
		return nil, errors.New("unexpected response type for snapshot")
	}
	return snap, nil
}

func (book *OrderBook) send(ctx context.Context, typ CommandType, payload any) (any, error) {
	if book.isShutdown.Load() {
		return nil, ErrShutdown
	}

	resp := make(chan any, 1)
	select {
	case book.cmdChan <- Command{Type: typ, Payload: payload, Resp: resp}:
	case <-book.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	select {
	case res := <-resp:
		return unwrapResult(res)
	case <-book.shutdownComplete:
		// The command may have been processed by drain just before it finished.
		select {
		case res := <-resp:
			return unwrapResult(res)
		default:
			return nil, ErrShutdown
		}
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func unwrapResult(res any) (any, error) {
	r, ok := res.(*commandResult)
	if !ok {
		return nil, ErrInternal
	}
	return r.data, r.err
}

// Start starts the order book loop.
// Returns nil when Shutdown() is called and all pending commands are drained.
func (book *OrderBook) Start() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-book.done:
			return book.drain()
		case cmd := <-book.cmdChan:
			book.handle(cmd)
		}
	}
}

// Shutdown signals the order book to stop accepting new commands and waits for all pending ones to be processed.
// Returns nil if shutdown completed successfully, or ctx.Err() if the context was cancelled.
func (book *OrderBook) Shutdown(ctx context.Context) error {
	if book.isShutdown.CompareAndSwap(false, true) {
		close(book.done)
	}

	select {
	case <-book.shutdownComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain processes all remaining commands before returning.
func (book *OrderBook) drain() error {
	defer close(book.shutdownComplete)

	for {
		select {
		case cmd := <-book.cmdChan:
			book.handle(cmd)
		default:
			return nil
		}
	}
}

func (book *OrderBook) handle(cmd Command) {
	res := &commandResult{}

	switch cmd.Type {
	case CmdPlaceOrder:
		p, ok := cmd.Payload.(*placeOrderPayload)
		if !ok {
			res.err = ErrInvalidParam
			break
		}
		res.data, res.err = book.mutate(func() (any, error) {
			return book.placeOrder(p.caller, p.req)
		})
	case CmdCancelOrder:
		p, ok := cmd.Payload.(*cancelOrderPayload)
		if !ok {
			res.err = ErrInvalidParam
			break
		}
		_, res.err = book.mutate(func() (any, error) {
			return nil, book.cancelOrder(p.caller, p.id)
		})
	case CmdExpireOrders:
		now, ok := cmd.Payload.(time.Time)
		if !ok {
			res.err = ErrInvalidParam
			break
		}
		res.data, res.err = book.mutate(func() (any, error) {
			return book.expireOrders(now)
		})
	case CmdSetState:
		state, ok := cmd.Payload.(protocol.OrderBookState)
		if !ok {
			res.err = ErrInvalidParam
			break
		}
		res.err = book.setState(state)
	case CmdBestPrice:
		side, _ := cmd.Payload.(Side)
		q := book.askQueue
		if side == Buy {
			q = book.bidQueue
		}
		price, ok := q.bestPrice()
		res.data = &bestPriceResult{price: price, ok: ok}
	case CmdDepth:
		limit, _ := cmd.Payload.(uint32)
		res.data = book.depth(limit)
	case CmdGetStats:
		res.data = &BookStats{
			AskDepthCount: book.askQueue.depthCount(),
			AskOrderCount: book.askQueue.orderCount(),
			BidDepthCount: book.bidQueue.depthCount(),
			BidOrderCount: book.bidQueue.orderCount(),
		}
	case CmdSnapshot:
		res.data = book.createSnapshot()
	default:
		res.err = ErrInvalidParam
	}

	if cmd.Resp != nil {
		select {
		case cmd.Resp <- res:
		default:
		}
	}
}

// mutate runs one state-changing command under the snapshot gate, verifies the
// book afterwards and publishes the command's events as one batch.
// Any invariant violation halts the book.
func (book *OrderBook) mutate(fn func() (any, error)) (any, error) {
	book.gate.RLock()
	defer book.gate.RUnlock()

	book.batchID = xid.New().String()
	data, err := fn()
	if err == nil {
		err = book.checkCrossed()
	}
	if isInvariantViolation(err) {
		book.halt(err)
		err = fmt.Errorf("%w: %v", ErrMarketHalted, err)
	}
	book.flush()
	return data, err
}

func isInvariantViolation(err error) bool {
	return errors.Is(err, ErrInsufficientLocked) ||
		errors.Is(err, ErrCrossedBook) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInternal)
}

func (book *OrderBook) checkCrossed() error {
	bid, okBid := book.bidQueue.bestPrice()
	ask, okAsk := book.askQueue.bestPrice()
	if okBid && okAsk && bid.GreaterThanOrEqual(ask) {
		return fmt.Errorf("%w: bid %s >= ask %s", ErrCrossedBook, bid, ask)
	}
	return nil
}

func (book *OrderBook) halt(err error) {
	if protocol.OrderBookState(book.state.Swap(uint32(protocol.OrderBookStateHalted))) == protocol.OrderBookStateHalted {
		return
	}
	book.metrics.setHalted(book.market.ID, true)
	book.log.Error("order book halted", "error", err)
}

func (book *OrderBook) emit(ev *Event) {
	ev.BatchID = book.batchID
	book.pending = append(book.pending, ev)
}

func (book *OrderBook) flush() {
	if len(book.pending) == 0 {
		return
	}
	book.publishTrader.Publish(book.pending...)
	for i, ev := range book.pending {
		releaseEvent(ev)
		book.pending[i] = nil
	}
	book.pending = book.pending[:0]
}

func (book *OrderBook) setState(state protocol.OrderBookState) error {
	current := book.State()
	if current == protocol.OrderBookStateHalted {
		return ErrMarketHalted
	}
	if state == protocol.OrderBookStateHalted {
		return ErrInvalidParam
	}
	if current == state {
		return nil
	}
	book.state.Store(uint32(state))
	book.log.Info("order book state changed", "from", current.String(), "to", state.String())
	return nil
}

// depth returns the snapshot of the order book depth.
func (book *OrderBook) depth(limit uint32) *Depth {
	return &Depth{
		UpdateID: book.seqID.Load(),
		Asks:     book.askQueue.depth(limit),
		Bids:     book.bidQueue.depth(limit),
	}
}

func (book *OrderBook) queueFor(side Side) *queue {
	if side == Buy {
		return book.bidQueue
	}
	return book.askQueue
}

func (book *OrderBook) lookupOrder(id OrderID) (*Order, *queue) {
	if order := book.bidQueue.order(id); order != nil {
		return order, book.bidQueue
	}
	if order := book.askQueue.order(id); order != nil {
		return order, book.askQueue
	}
	return nil, nil
}

// takerState carries one submission through matching.
type takerState struct {
	order   *Order
	byQuote bool            // Market buy sized in quote units
	quote   decimal.Decimal // Unspent quote budget when byQuote
	reason  protocol.Reason // Why matching stopped early
	denied  map[balanceKey]struct{}
	result  *PlaceOrderResult
}

func (t *takerState) done() bool {
	if t.byQuote {
		return !t.quote.IsPositive()
	}
	return !t.order.Size.IsPositive()
}

// shortReason names a funding shortfall, distinguishing a lender refusal.
func (t *takerState) shortReason(user Address, asset Asset) protocol.Reason {
	if _, ok := t.denied[balanceKey{user: user, asset: asset}]; ok {
		return protocol.ReasonBorrowRejected
	}
	return protocol.ReasonInsufficientBalance
}

func (book *OrderBook) placeOrder(caller Address, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	switch book.State() {
	case protocol.OrderBookStateHalted:
		return nil, ErrMarketHalted
	case protocol.OrderBookStateSuspended:
		return nil, ErrMarketInactive
	}

	now := book.clock()
	if err := validatePlaceOrder(&book.market, book.policy, caller, req, now.UnixNano()); err != nil {
		book.metrics.orderRejected(book.market.ID)
		return nil, err
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = GTC
	}
	order := &Order{
		ID:           OrderID{MarketID: book.market.ID, Seq: book.orderSeq.Add(1)},
		Owner:        req.Owner,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		OriginalSize: req.Size,
		Size:         req.Size,
		AutoBorrow:   req.AutoBorrow,
		TimeInForce:  tif,
		ExpiresAt:    req.ExpiresAt,
		Timestamp:    now.UnixNano(),
	}
	book.metrics.orderAccepted(book.market.ID, order.Type)

	t := &takerState{
		order:   order,
		byQuote: req.QuoteSize.IsPositive(),
		quote:   req.QuoteSize,
		denied:  make(map[balanceKey]struct{}),
		result:  &PlaceOrderResult{OrderID: order.ID},
	}

	if err := book.match(t, now); err != nil {
		return t.result, err
	}

	if order.Type == Limit && order.Size.IsPositive() {
		if err := book.rest(t, now); err != nil {
			return t.result, err
		}
		return t.result, nil
	}

	book.discardRemainder(t, now)
	return t.result, nil
}

// match walks the opposite side best price first, FIFO within a level.
func (book *OrderBook) match(t *takerState, now time.Time) error {
	target := book.askQueue
	if t.order.Side == Sell {
		target = book.bidQueue
	}
	nowNano := now.UnixNano()

	for !t.done() {
		maker := target.peekHeadOrder()
		if maker == nil {
			t.reason = protocol.ReasonNoLiquidity
			return nil
		}
		if maker.expired(nowNano) {
			if err := book.removeResting(maker, target, protocol.ReasonExpired, now); err != nil {
				return err
			}
			continue
		}
		if !crosses(t.order, maker.Price) {
			return nil
		}

		stop, err := book.fill(t, maker, target, now)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// fill executes one trade against maker. It returns stop=true when the taker
// cannot continue.
func (book *OrderBook) fill(t *takerState, maker *Order, target *queue, now time.Time) (bool, error) {
	m := &book.market
	taker := t.order
	price := maker.Price

	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		size := maker.Size
		if t.byQuote {
			size = decimal.Min(size, m.affordableSize(Buy, price, t.quote))
		} else {
			size = decimal.Min(size, taker.Size)
		}
		if !size.IsPositive() {
			// Quote budget below one unit at this price.
			return true, nil
		}

		makerNeed := m.reserveFor(maker.Side, price, size)
		if maker.Locked.LessThan(makerNeed) {
			book.topUpReserve(t, maker, makerNeed.Sub(maker.Locked))
			if maker.Locked.LessThan(makerNeed) {
				size = decimal.Min(size, m.affordableSize(maker.Side, price, maker.Locked))
			}
		}
		if !size.IsPositive() {
			return false, book.removeResting(maker, target, protocol.ReasonInsufficientReserve, now)
		}

		payAsset := m.reserveAsset(taker.Side)
		takerNeed := m.reserveFor(taker.Side, price, size)
		available := book.ledger.Balance(taker.Owner, payAsset).Available
		if available.LessThan(takerNeed) {
			if book.cover(t, taker, payAsset, takerNeed.Sub(available)) {
				available = book.ledger.Balance(taker.Owner, payAsset).Available
			}
			if available.LessThan(takerNeed) {
				size = decimal.Min(size, m.affordableSize(taker.Side, price, available))
			}
		}
		if !size.IsPositive() {
			t.reason = t.shortReason(taker.Owner, payAsset)
			return true, nil
		}

		err := book.settle(maker, taker, price, size)
		if errors.Is(err, ErrInsufficientBalance) {
			book.log.Warn("fill lost a balance race, recomputing",
				"order_id", taker.ID.String(), "maker_order_id", maker.ID.String(), "attempt", attempt+1)
			continue
		}
		if err != nil {
			return false, err
		}
		return false, book.applyFill(t, maker, target, price, size, now)
	}

	t.reason = protocol.ReasonInsufficientBalance
	return true, nil
}

// settle moves both legs of a fill in one ledger batch. The maker pays out of
// its reserve; the taker pays out of available.
func (book *OrderBook) settle(maker, taker *Order, price, size decimal.Decimal) error {
	m := &book.market
	amount := price.Mul(size)

	b := book.ledger.NewBatch()
	if maker.Side == Sell {
		b.TransferLocked(maker.Owner, taker.Owner, m.Base, size).
			Lock(taker.Owner, m.Quote, amount).
			TransferLocked(taker.Owner, maker.Owner, m.Quote, amount)
	} else {
		b.TransferLocked(maker.Owner, taker.Owner, m.Quote, amount).
			Lock(taker.Owner, m.Base, size).
			TransferLocked(taker.Owner, maker.Owner, m.Base, size)
	}
	return b.Commit()
}

func (book *OrderBook) applyFill(t *takerState, maker *Order, target *queue, price, size decimal.Decimal, now time.Time) error {
	m := &book.market
	taker := t.order
	amount := price.Mul(size)

	maker.Locked = maker.Locked.Sub(m.reserveFor(maker.Side, price, size))
	target.reduceOrder(maker.ID, size)

	var takerRemaining decimal.Decimal
	if t.byQuote {
		t.quote = t.quote.Sub(amount)
		takerRemaining = t.quote
	} else {
		taker.Size = taker.Size.Sub(size)
		takerRemaining = taker.Size
	}
	t.result.Filled = t.result.Filled.Add(size)
	t.result.FilledQuote = t.result.FilledQuote.Add(amount)

	trade := &Trade{
		ID:           book.tradeID.Add(1),
		SequenceID:   book.seqID.Add(1),
		MarketID:     m.ID,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Maker:        maker.Owner,
		Taker:        taker.Owner,
		TakerSide:    taker.Side,
		Price:        price,
		Size:         size,
		Amount:       amount,
		Timestamp:    now.UnixNano(),
	}
	t.result.Trades = append(t.result.Trades, trade)

	book.emit(newTradeEvent(trade.SequenceID, trade, taker.Type, now))
	book.emit(newFilledEvent(book.seqID.Add(1), maker.ID, maker.Owner, maker.Side, price, size, maker.Size, now))
	book.emit(newFilledEvent(book.seqID.Add(1), taker.ID, taker.Owner, taker.Side, price, size, takerRemaining, now))
	book.metrics.trade(m.ID, size)

	if maker.Size.IsPositive() {
		return nil
	}

	target.removeOrder(maker.ID)
	book.expiries.remove(maker)
	if maker.Locked.IsPositive() {
		// A topped-up reserve can leave dust once the order is done.
		if err := book.ledger.Unlock(maker.Owner, m.reserveAsset(maker.Side), maker.Locked); err != nil {
			return fmt.Errorf("release reserve of %s: %w", maker.ID, err)
		}
		maker.Locked = decimal.Zero
	}
	return nil
}

// cover asks the lending engine for shortfall on behalf of order and reports
// whether anything was borrowed. A user is asked at most once per asset per submission.
func (book *OrderBook) cover(t *takerState, order *Order, asset Asset, shortfall decimal.Decimal) bool {
	if !order.AutoBorrow {
		return false
	}
	key := balanceKey{user: order.Owner, asset: asset}
	if _, ok := t.denied[key]; ok {
		return false
	}

	// The lender call is bounded by the borrower timeout, not by the caller's context,
	// so a cancelled request cannot leave a fill half decided.
	covered, err := book.borrower.TryCover(context.Background(), order.Owner, asset, shortfall)
	if err != nil {
		t.denied[key] = struct{}{}
		t.result.BorrowRejections = append(t.result.BorrowRejections, err)
		return false
	}
	return covered.IsPositive()
}

// topUpReserve grows a maker's reserve from its available balance, borrowing
// the rest when the maker opted into auto-borrow.
func (book *OrderBook) topUpReserve(t *takerState, maker *Order, short decimal.Decimal) {
	if !maker.AutoBorrow {
		return
	}
	asset := book.market.reserveAsset(maker.Side)
	available := book.ledger.Balance(maker.Owner, asset).Available
	if available.LessThan(short) && book.cover(t, maker, asset, short.Sub(available)) {
		available = book.ledger.Balance(maker.Owner, asset).Available
	}

	amount := decimal.Min(short, available)
	if !amount.IsPositive() {
		return
	}
	if err := book.ledger.Lock(maker.Owner, asset, amount); err != nil {
		book.log.Warn("failed to top up maker reserve", "order_id", maker.ID.String(), "error", err)
		return
	}
	maker.Locked = maker.Locked.Add(amount)
}

// rest inserts the unfilled part of a limit order, locking its reserve.
// Whatever cannot be reserved, even after auto-borrow, is discarded.
func (book *OrderBook) rest(t *takerState, now time.Time) error {
	m := &book.market
	order := t.order
	asset := m.reserveAsset(order.Side)

	size, locked := decimal.Zero, decimal.Zero
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		size = order.Size
		need := m.reserveFor(order.Side, order.Price, size)
		available := book.ledger.Balance(order.Owner, asset).Available
		if available.LessThan(need) {
			if book.cover(t, order, asset, need.Sub(available)) {
				available = book.ledger.Balance(order.Owner, asset).Available
			}
			if available.LessThan(need) {
				size = m.affordableSize(order.Side, order.Price, available)
			}
		}
		if !size.IsPositive() {
			break
		}

		locked = m.reserveFor(order.Side, order.Price, size)
		err := book.ledger.Lock(order.Owner, asset, locked)
		if err == nil {
			break
		}
		size, locked = decimal.Zero, decimal.Zero
		if !errors.Is(err, ErrInsufficientBalance) {
			return err
		}
	}

	discarded := order.Size.Sub(size)
	if size.IsPositive() {
		order.Size = size
		order.Locked = locked
		book.queueFor(order.Side).insertOrder(order)
		book.expiries.add(order)
		t.result.Resting = size
		book.emit(newPlacedEvent(book.seqID.Add(1), order, now))
	}

	if discarded.IsPositive() {
		reason := t.shortReason(order.Owner, asset)
		t.result.Discarded = discarded
		t.result.Reason = reason
		book.emit(newRejectedEvent(book.seqID.Add(1), order, discarded, reason, now))
		book.metrics.discard(m.ID, string(reason))
	}
	return nil
}

// discardRemainder reports the unfilled part of a market order. Market orders never rest.
func (book *OrderBook) discardRemainder(t *takerState, now time.Time) {
	order := t.order
	var left decimal.Decimal
	if t.byQuote {
		left = t.quote
		t.result.DiscardedQuote = left
	} else {
		left = order.Size
		t.result.Discarded = left
	}
	if !left.IsPositive() {
		return
	}

	t.result.Reason = t.reason
	book.emit(newRejectedEvent(book.seqID.Add(1), order, left, t.reason, now))
	book.metrics.discard(book.market.ID, string(t.reason))
}

// removeResting takes an order out of the book and releases its reserve.
func (book *OrderBook) removeResting(order *Order, q *queue, reason protocol.Reason, now time.Time) error {
	q.removeOrder(order.ID)
	book.expiries.remove(order)
	book.emit(newCancelledEvent(book.seqID.Add(1), order, reason, now))
	book.metrics.orderCancelled(book.market.ID, string(reason))

	if order.Locked.IsPositive() {
		asset := book.market.reserveAsset(order.Side)
		if err := book.ledger.Unlock(order.Owner, asset, order.Locked); err != nil {
			return fmt.Errorf("release reserve of %s: %w", order.ID, err)
		}
		order.Locked = decimal.Zero
	}
	return nil
}

func (book *OrderBook) cancelOrder(caller Address, id OrderID) error {
	if book.State() == protocol.OrderBookStateHalted {
		return ErrMarketHalted
	}
	if id.MarketID != book.market.ID {
		return ErrOrderNotFound
	}
	order, q := book.lookupOrder(id)
	if order == nil {
		return ErrOrderNotFound
	}
	if !book.policy.Authorized(caller, order.Owner) {
		return fmt.Errorf("%w: %s may not cancel %s", ErrUnauthorized, caller, id)
	}
	return book.removeResting(order, q, protocol.ReasonUserCancelled, book.clock())
}

func (book *OrderBook) expireOrders(now time.Time) (int, error) {
	if book.State() == protocol.OrderBookStateHalted {
		return 0, ErrMarketHalted
	}

	expired := 0
	for _, seq := range book.expiries.due(now.UnixNano()) {
		order, q := book.lookupOrder(OrderID{MarketID: book.market.ID, Seq: seq})
		if order == nil {
			continue
		}
		if err := book.removeResting(order, q, protocol.ReasonExpired, now); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		book.log.Debug("expired orders", "count", expired)
	}
	return expired, nil
}

// createSnapshot creates a snapshot of the current order book state.
// It runs on the book goroutine, or under the engine's exclusive gate.
func (book *OrderBook) createSnapshot() *OrderBookSnapshot {
	snap := &OrderBookSnapshot{
		MarketID: book.market.ID,
		Market:   book.market,
		State:    book.State(),
		SeqID:    book.seqID.Load(),
		OrderSeq: book.orderSeq.Load(),
		TradeID:  book.tradeID.Load(),
		Bids:     make([]*Order, 0, book.bidQueue.orderCount()),
		Asks:     make([]*Order, 0, book.askQueue.orderCount()),
	}

	bids := book.bidQueue.toSnapshot()
	for i := range bids {
		snap.Bids = append(snap.Bids, &bids[i])
	}

	asks := book.askQueue.toSnapshot()
	for i := range asks {
		snap.Asks = append(snap.Asks, &asks[i])
	}

	return snap
}

// Restore restores the order book state from a snapshot.
// It must be called before Start.
func (book *OrderBook) Restore(snap *OrderBookSnapshot) {
	book.seqID.Store(snap.SeqID)
	book.orderSeq.Store(snap.OrderSeq)
	book.tradeID.Store(snap.TradeID)
	book.state.Store(uint32(snap.State))

	book.bidQueue = NewBuyerQueue()
	book.askQueue = NewSellerQueue()
	book.expiries = newExpiryIndex()

	restoreOrders := func(orders []*Order, q *queue) {
		for _, src := range orders {
			o := *src
			o.next, o.prev = nil, nil
			q.insertOrder(&o)
			book.expiries.add(&o)
		}
	}

	restoreOrders(snap.Bids, book.bidQueue)
	restoreOrders(snap.Asks, book.askQueue)

	if snap.State == protocol.OrderBookStateHalted {
		book.metrics.setHalted(book.market.ID, true)
	}
}
