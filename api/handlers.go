package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/protocol"
)

const (
	defaultDepthLimit = 50
	maxDepthLimit     = 1000
)

// parseDecimal reads an optional decimal field; empty means zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", match.ErrInvalidParam, field, s)
	}
	return v, nil
}

func (s *Server) placeOrder(c *gin.Context) {
	var cmd protocol.PlaceOrderCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		fail(c, fmt.Errorf("%w: %v", match.ErrInvalidParam, err))
		return
	}

	req := &match.PlaceOrderRequest{
		MarketID:    c.Param("market"),
		Owner:       match.Address(cmd.Owner),
		Side:        cmd.Side,
		Type:        cmd.OrderType,
		AutoBorrow:  cmd.AutoBorrow,
		TimeInForce: cmd.TimeInForce,
		ExpiresAt:   cmd.ExpiresAt,
	}
	if req.Owner == "" {
		req.Owner = caller(c)
	}
	var err error
	if req.Price, err = parseDecimal("price", cmd.Price); err != nil {
		fail(c, err)
		return
	}
	if req.Size, err = parseDecimal("size", cmd.Size); err != nil {
		fail(c, err)
		return
	}
	if req.QuoteSize, err = parseDecimal("quote_size", cmd.QuoteSize); err != nil {
		fail(c, err)
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	res, err := s.engine.PlaceOrder(ctx, caller(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, toPlaceOrderResponse(res))
}

func toPlaceOrderResponse(res *match.PlaceOrderResult) *protocol.PlaceOrderResponse {
	resp := &protocol.PlaceOrderResponse{
		OrderID:     res.OrderID.String(),
		Seq:         res.OrderID.Seq,
		Filled:      res.Filled.String(),
		FilledQuote: res.FilledQuote.String(),
		Resting:     res.Resting.String(),
		Discarded:   res.Discarded.String(),
		Reason:      res.Reason,
		Trades:      make([]*protocol.TradeView, 0, len(res.Trades)),
	}
	if res.OrderID.IsZero() {
		resp.OrderID = ""
	}
	if !res.DiscardedQuote.IsZero() {
		resp.DiscardedQuote = res.DiscardedQuote.String()
	}
	for _, err := range res.BorrowRejections {
		resp.BorrowRejections = append(resp.BorrowRejections, err.Error())
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, &protocol.TradeView{
			TradeID:      t.ID,
			MarketID:     t.MarketID,
			MakerOrderID: t.MakerOrderID.String(),
			TakerOrderID: t.TakerOrderID.String(),
			Maker:        string(t.Maker),
			Taker:        string(t.Taker),
			TakerSide:    t.TakerSide,
			Price:        t.Price.String(),
			Size:         t.Size.String(),
			Amount:       t.Amount.String(),
			Timestamp:    t.Timestamp,
		})
	}
	return resp
}

func (s *Server) cancelOrder(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		fail(c, fmt.Errorf("%w: order seq %q", match.ErrInvalidParam, c.Param("seq")))
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	id := match.OrderID{MarketID: c.Param("market"), Seq: seq}
	if err := s.engine.CancelOrder(ctx, caller(c), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"order_id": id.String()})
}

func (s *Server) listMarkets(c *gin.Context) {
	ok(c, http.StatusOK, s.engine.Markets())
}

func (s *Server) bestPrice(c *gin.Context) {
	var side match.Side
	if err := side.UnmarshalText([]byte(c.Query("side"))); err != nil {
		fail(c, fmt.Errorf("%w: side %q", match.ErrInvalidParam, c.Query("side")))
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	marketID := c.Param("market")
	price, found, err := s.engine.BestPrice(ctx, marketID, side)
	if err != nil {
		fail(c, err)
		return
	}

	resp := protocol.BestPriceResponse{MarketID: marketID, Side: side, Empty: !found}
	if found {
		resp.Price = price.String()
	}
	ok(c, http.StatusOK, resp)
}

func (s *Server) depth(c *gin.Context) {
	limit := uint64(defaultDepthLimit)
	if raw := c.Query("limit"); raw != "" {
		var err error
		limit, err = strconv.ParseUint(raw, 10, 32)
		if err != nil || limit == 0 || limit > maxDepthLimit {
			fail(c, fmt.Errorf("%w: limit %q", match.ErrInvalidParam, raw))
			return
		}
	}

	depth, err := s.engine.Depth(c.Param("market"), uint32(limit))
	if err != nil {
		fail(c, err)
		return
	}

	resp := protocol.GetDepthResponse{
		UpdateID: depth.UpdateID,
		Asks:     toDepthItems(depth.Asks),
		Bids:     toDepthItems(depth.Bids),
	}
	ok(c, http.StatusOK, resp)
}

func toDepthItems(items []*match.DepthItem) []*protocol.DepthItem {
	out := make([]*protocol.DepthItem, 0, len(items))
	for _, it := range items {
		out = append(out, &protocol.DepthItem{
			Price: it.Price.String(),
			Size:  it.Size.String(),
			Count: it.Count,
		})
	}
	return out
}

func (s *Server) bindBalance(c *gin.Context) (match.Asset, decimal.Decimal, bool) {
	var cmd protocol.BalanceCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		fail(c, fmt.Errorf("%w: %v", match.ErrInvalidParam, err))
		return "", decimal.Zero, false
	}
	amount, err := parseDecimal("amount", cmd.Amount)
	if err != nil {
		fail(c, err)
		return "", decimal.Zero, false
	}
	return match.Asset(cmd.Asset), amount, true
}

func (s *Server) deposit(c *gin.Context) {
	asset, amount, valid := s.bindBalance(c)
	if !valid {
		return
	}
	user := match.Address(c.Param("user"))
	if err := s.engine.Deposit(caller(c), user, asset, amount); err != nil {
		fail(c, err)
		return
	}
	s.logger.Info("deposit", "user", user, "asset", asset, "amount", amount.String(), "caller", caller(c))
	s.respondBalances(c, user)
}

func (s *Server) withdraw(c *gin.Context) {
	asset, amount, valid := s.bindBalance(c)
	if !valid {
		return
	}
	user := match.Address(c.Param("user"))
	if err := s.engine.Withdraw(caller(c), user, asset, amount); err != nil {
		fail(c, err)
		return
	}
	s.respondBalances(c, user)
}

func (s *Server) balances(c *gin.Context) {
	s.respondBalances(c, match.Address(c.Param("user")))
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()
	user := match.Address(c.Param("user"))
	hf, err := s.engine.HealthFactor(ctx, caller(c), user)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, protocol.HealthFactorView{User: string(user), HealthFactor: hf.String()})
}

// respondBalances writes the balances of user as seen by the caller. The
// caller of a deposit is an operator, so it may always read them back.
func (s *Server) respondBalances(c *gin.Context, user match.Address) {
	balances, err := s.engine.AccountBalances(caller(c), user)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, balanceViews(balances))
}

func balanceViews(balances map[match.Asset]match.Balance) []protocol.BalanceView {
	views := make([]protocol.BalanceView, 0, len(balances))
	for asset, b := range balances {
		views = append(views, protocol.BalanceView{
			Asset:     string(asset),
			Available: b.Available.String(),
			Locked:    b.Locked.String(),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Asset < views[j].Asset
	})
	return views
}
