package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperMarketBuyOpensPosition(t *testing.T) {
	svc := NewPaper(nil)
	ctx := context.Background()

	res, err := svc.MarketBuy(ctx, "polymarket", "tok1", 100)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "filled", res.Status)
	assert.InDelta(t, 0.50, res.AvgFillPrice, 1e-9)
	assert.InDelta(t, 200, res.FilledSize, 1e-9)

	positions, err := svc.GetPositions(ctx, "polymarket")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 200, positions[0].Shares, 1e-9)

	// Selling the full size flattens the book.
	res, err = svc.MarketSell(ctx, "polymarket", "tok1", 100)
	require.NoError(t, err)
	require.True(t, res.Success)
	positions, err = svc.GetPositions(ctx, "polymarket")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperLimitOrderLifecycle(t *testing.T) {
	svc := NewPaper(nil)
	ctx := context.Background()

	res, err := svc.BuyLimit(ctx, "polymarket", "tok1", 50, 0.40)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "open", res.Status)

	orders, err := svc.GetOpenOrders(ctx, "polymarket")
	require.NoError(t, err)
	require.Len(t, orders, 1)

	cancel, err := svc.CancelOrder(ctx, "polymarket", res.OrderID)
	require.NoError(t, err)
	assert.True(t, cancel.Success)

	orders, err = svc.GetOpenOrders(ctx, "polymarket")
	require.NoError(t, err)
	assert.Empty(t, orders)

	// Unknown orders come back as a soft failure, not an error.
	cancel, err = svc.CancelOrder(ctx, "polymarket", "nope")
	require.NoError(t, err)
	assert.False(t, cancel.Success)
	assert.NotEmpty(t, cancel.Error)
}

func TestPaperRejectsBadInput(t *testing.T) {
	svc := NewPaper(nil)
	ctx := context.Background()

	res, err := svc.MarketBuy(ctx, "polymarket", "tok1", 0)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = svc.BuyLimit(ctx, "polymarket", "tok1", 50, 1.20)
	require.NoError(t, err)
	assert.False(t, res.Success)
}
