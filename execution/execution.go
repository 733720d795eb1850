// Package execution defines the order-execution collaborator interface.
// The engine itself is external; the core invokes it from the menu wizard
// and renders its results.
package execution

import "context"

// Result is the outcome of an execution call.
type Result struct {
	Success      bool
	OrderID      string
	Status       string
	AvgFillPrice float64
	FilledSize   float64
	Error        string
}

// Order is one resting order as reported by the engine.
type Order struct {
	ID       string
	Platform string
	TokenID  string
	Side     string
	Price    float64
	SizeUSD  float64
}

// Position is one open position as reported by the engine.
type Position struct {
	ID        string
	Platform  string
	TokenID   string
	Outcome   string
	Shares    float64
	AvgPrice  float64
	ValueUSD  float64
	PnLUSD    float64
	MarketRef string
}

// Service is the execution surface the wizard drives.
type Service interface {
	MarketBuy(ctx context.Context, platform, tokenID string, sizeUSD float64) (*Result, error)
	MarketSell(ctx context.Context, platform, tokenID string, sizeUSD float64) (*Result, error)
	BuyLimit(ctx context.Context, platform, tokenID string, sizeUSD, price float64) (*Result, error)
	SellLimit(ctx context.Context, platform, tokenID string, sizeUSD, price float64) (*Result, error)
	GetOpenOrders(ctx context.Context, platform string) ([]*Order, error)
	GetPositions(ctx context.Context, platform string) ([]*Position, error)
	ClosePosition(ctx context.Context, platform, positionID string) (*Result, error)
	CancelOrder(ctx context.Context, platform, orderID string) (*Result, error)
	CancelAllOrders(ctx context.Context, platform string) (*Result, error)
}
