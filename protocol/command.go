package protocol

// PlaceOrderCommand is the payload for placing a new order.
// Decimal fields are strings to prevent precision loss in JSON.
type PlaceOrderCommand struct {
	Owner       string      `json:"owner"`
	Side        Side        `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	Price       string      `json:"price,omitempty"`       // Required for limit orders
	Size        string      `json:"size,omitempty"`        // Base currency quantity
	QuoteSize   string      `json:"quote_size,omitempty"`  // Quote currency amount, market buys only
	AutoBorrow  bool        `json:"auto_borrow,omitempty"` // Draw on collateral to cover a shortfall at fill time
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	ExpiresAt   int64       `json:"expires_at,omitempty"` // Unix nano, only for gtt
}

// CancelOrderCommand is the payload for cancelling an existing order.
type CancelOrderCommand struct {
	MarketID string `json:"market_id"`
	Seq      uint64 `json:"seq"`
}

// BalanceCommand is the payload for deposits and withdrawals.
type BalanceCommand struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// TradeView is the wire form of an executed trade.
type TradeView struct {
	TradeID      uint64 `json:"trade_id"`
	MarketID     string `json:"market_id"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	Maker        string `json:"maker"`
	Taker        string `json:"taker"`
	TakerSide    Side   `json:"taker_side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp"`
}

// PlaceOrderResponse reports the immediate outcome of an order placement.
type PlaceOrderResponse struct {
	OrderID          string       `json:"order_id"`
	Seq              uint64       `json:"seq"`
	Filled           string       `json:"filled"`
	FilledQuote      string       `json:"filled_quote"`
	Resting          string       `json:"resting"`
	Discarded        string       `json:"discarded"`
	DiscardedQuote   string       `json:"discarded_quote,omitempty"`
	Reason           Reason       `json:"reason,omitempty"`
	BorrowRejections []string     `json:"borrow_rejections,omitempty"`
	Trades           []*TradeView `json:"trades"`
}

// BestPriceResponse answers a best price query. Price is empty when the side has no orders.
type BestPriceResponse struct {
	MarketID string `json:"market_id"`
	Side     Side   `json:"side"`
	Price    string `json:"price,omitempty"`
	Empty    bool   `json:"empty"`
}

// BalanceView is the wire form of one ledger entry.
type BalanceView struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// HealthFactorView reports an account's standing with the lending engine.
type HealthFactorView struct {
	User         string `json:"user"`
	HealthFactor string `json:"health_factor"`
}
