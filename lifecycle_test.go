package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessList(t *testing.T) {
	policy := NewAccessList("router")

	assert.True(t, policy.Authorized("alice", "alice"))
	assert.True(t, policy.Authorized("router", "alice"))
	assert.False(t, policy.Authorized("bob", "alice"))
	assert.False(t, policy.Authorized("", ""))

	assert.True(t, policy.Operator("router"))
	assert.False(t, policy.Operator("alice"))
	assert.False(t, policy.Operator(""))

	policy.AddOperator("bob")
	assert.True(t, policy.Authorized("bob", "alice"))
	assert.True(t, policy.Operator("bob"))
	policy.RemoveOperator("bob")
	assert.False(t, policy.Authorized("bob", "alice"))
	assert.False(t, policy.Operator("bob"))

	assert.False(t, policy.Paused("alice"))
	policy.Pause("alice")
	assert.True(t, policy.Paused("alice"))
	policy.Unpause("alice")
	assert.False(t, policy.Paused("alice"))
}

func TestCrosses(t *testing.T) {
	buy := &Order{Side: Buy, Type: Limit, Price: d("100")}
	assert.True(t, crosses(buy, d("99")))
	assert.True(t, crosses(buy, d("100")))
	assert.False(t, crosses(buy, d("100.01")))

	sell := &Order{Side: Sell, Type: Limit, Price: d("100")}
	assert.True(t, crosses(sell, d("101")))
	assert.True(t, crosses(sell, d("100")))
	assert.False(t, crosses(sell, d("99.99")))

	mkt := &Order{Side: Buy, Type: Market}
	assert.True(t, crosses(mkt, d("1000000")))
}

func TestValidatePlaceOrder(t *testing.T) {
	m := testMarket
	policy := NewAccessList()
	const now = int64(1_000)

	valid := []*PlaceOrderRequest{
		limitOrder("alice", Buy, "100", "1"),
		marketOrder("alice", Sell, "0.00000001"),
		{MarketID: m.ID, Owner: "alice", Side: Buy, Type: Market, QuoteSize: d("10")},
		{MarketID: m.ID, Owner: "alice", Side: Sell, Type: Limit, Price: d("1"), Size: d("1"), TimeInForce: GTT, ExpiresAt: now + 1},
		{Owner: "alice", Side: Sell, Type: Limit, Price: d("1"), Size: d("1"), TimeInForce: GTC},
	}
	for i, req := range valid {
		assert.NoError(t, validatePlaceOrder(&m, policy, "alice", req, now), "case %d", i)
	}

	invalid := []*PlaceOrderRequest{
		nil,
		{MarketID: m.ID, Owner: "alice", Side: Sell, Type: Limit, Price: d("1"), Size: d("1"), TimeInForce: GTT, ExpiresAt: now},
		{MarketID: m.ID, Owner: "alice", Side: Sell, Type: Limit, Price: d("1"), Size: d("1"), TimeInForce: "ioc"},
		{MarketID: m.ID, Owner: "alice", Side: Buy, Type: Market, QuoteSize: d("-10")},
		{MarketID: m.ID, Owner: "alice", Side: Buy, Type: Market, Size: d("1"), TimeInForce: GTT, ExpiresAt: now + 1},
		{MarketID: m.ID, Owner: "alice", Side: Buy, Type: Limit, Price: d("1"), Size: d("1"), QuoteSize: d("1")},
	}
	for i, req := range invalid {
		assert.ErrorIs(t, validatePlaceOrder(&m, policy, "alice", req, now), ErrInvalidParam, "case %d", i)
	}
}
