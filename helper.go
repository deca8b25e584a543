package match

// CalculateDepthChange calculates the depth change caused by an event.
// It returns a DepthChange struct indicating which side and price level should be updated.
// Note: For trade events, the side returned is the maker's side (opposite of the event's side).
func CalculateDepthChange(ev *Event) DepthChange {
	switch ev.Type {
	case EventOrderPlaced:
		return DepthChange{
			Side:     ev.Side,
			Price:    ev.Price,
			SizeDiff: ev.Size,
		}
	case EventOrderCancelled:
		return DepthChange{
			Side:     ev.Side,
			Price:    ev.Price,
			SizeDiff: ev.Size.Neg(),
		}
	case EventTradeExecuted:
		// Trades consume liquidity from the maker side.
		return DepthChange{
			Side:     ev.Side.Opposite(),
			Price:    ev.Price,
			SizeDiff: ev.Size.Neg(),
		}
	}

	// Filled and rejected events never change resting liquidity.
	return DepthChange{}
}
