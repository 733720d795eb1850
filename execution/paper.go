package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/polyterm/polyterm/feeds"
)

// paperService fills orders against live feed prices without touching an
// exchange. Market orders fill immediately; limit orders rest until
// cancelled. Used in demo mode.
type paperService struct {
	feeds feeds.Manager

	mu        sync.Mutex
	orders    map[string]*Order
	positions map[string]*Position
}

// NewPaper creates a paper-trading engine over the given feed.
func NewPaper(fm feeds.Manager) Service {
	return &paperService{
		feeds:     fm,
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
	}
}

// fillPrice resolves the token's last traded price, falling back to the
// 0.50 midpoint when the feed has nothing.
func (s *paperService) fillPrice(ctx context.Context, platform, tokenID string) float64 {
	if s.feeds == nil {
		return 0.50
	}
	markets, err := s.feeds.SearchMarkets(ctx, "", platform)
	if err != nil {
		return 0.50
	}
	for _, mk := range markets {
		if t := mk.TokenByID(tokenID); t != nil && t.LastPrice > 0 {
			return t.LastPrice
		}
	}
	return 0.50
}

func (s *paperService) MarketBuy(ctx context.Context, platform, tokenID string, sizeUSD float64) (*Result, error) {
	return s.fillMarket(ctx, platform, tokenID, "buy", sizeUSD)
}

func (s *paperService) MarketSell(ctx context.Context, platform, tokenID string, sizeUSD float64) (*Result, error) {
	return s.fillMarket(ctx, platform, tokenID, "sell", sizeUSD)
}

func (s *paperService) fillMarket(ctx context.Context, platform, tokenID, side string, sizeUSD float64) (*Result, error) {
	if sizeUSD <= 0 {
		return &Result{Error: "size must be positive"}, nil
	}
	price := s.fillPrice(ctx, platform, tokenID)
	shares := sizeUSD / price

	s.mu.Lock()
	defer s.mu.Unlock()
	if side == "buy" {
		s.applyFillLocked(platform, tokenID, shares, price, sizeUSD)
	} else {
		s.applyFillLocked(platform, tokenID, -shares, price, sizeUSD)
	}
	return &Result{
		Success:      true,
		OrderID:      shortuuid.New(),
		Status:       "filled",
		AvgFillPrice: price,
		FilledSize:   shares,
	}, nil
}

// applyFillLocked merges a fill into the position book. Selling past flat
// just closes the position.
func (s *paperService) applyFillLocked(platform, tokenID string, shares, price, sizeUSD float64) {
	key := platform + ":" + tokenID
	pos, ok := s.positions[key]
	if !ok {
		if shares <= 0 {
			return
		}
		s.positions[key] = &Position{
			ID:       shortuuid.New(),
			Platform: platform,
			TokenID:  tokenID,
			Shares:   shares,
			AvgPrice: price,
			ValueUSD: sizeUSD,
		}
		return
	}
	next := pos.Shares + shares
	if next <= 0 {
		delete(s.positions, key)
		return
	}
	if shares > 0 {
		pos.AvgPrice = (pos.AvgPrice*pos.Shares + price*shares) / next
	}
	pos.Shares = next
	pos.ValueUSD = pos.Shares * price
	pos.PnLUSD = (price - pos.AvgPrice) * pos.Shares
}

func (s *paperService) BuyLimit(ctx context.Context, platform, tokenID string, sizeUSD, price float64) (*Result, error) {
	return s.restLimit(platform, tokenID, "buy", sizeUSD, price)
}

func (s *paperService) SellLimit(ctx context.Context, platform, tokenID string, sizeUSD, price float64) (*Result, error) {
	return s.restLimit(platform, tokenID, "sell", sizeUSD, price)
}

func (s *paperService) restLimit(platform, tokenID, side string, sizeUSD, price float64) (*Result, error) {
	if sizeUSD <= 0 || price <= 0 || price >= 1 {
		return &Result{Error: "invalid limit order"}, nil
	}
	o := &Order{
		ID:       shortuuid.New(),
		Platform: platform,
		TokenID:  tokenID,
		Side:     side,
		Price:    price,
		SizeUSD:  sizeUSD,
	}
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
	return &Result{Success: true, OrderID: o.ID, Status: "open"}, nil
}

func (s *paperService) GetOpenOrders(ctx context.Context, platform string) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if platform == "" || o.Platform == platform {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *paperService) GetPositions(ctx context.Context, platform string) ([]*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Position
	for _, p := range s.positions {
		if platform == "" || p.Platform == platform {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *paperService) ClosePosition(ctx context.Context, platform, positionID string) (*Result, error) {
	s.mu.Lock()
	var target *Position
	for key, p := range s.positions {
		if p.ID == positionID && (platform == "" || p.Platform == platform) {
			target = p
			delete(s.positions, key)
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return &Result{Error: fmt.Sprintf("position %s not found", positionID)}, nil
	}
	price := s.fillPrice(ctx, target.Platform, target.TokenID)
	return &Result{
		Success:      true,
		OrderID:      shortuuid.New(),
		Status:       "filled",
		AvgFillPrice: price,
		FilledSize:   target.Shares,
	}, nil
}

func (s *paperService) CancelOrder(ctx context.Context, platform, orderID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || (platform != "" && o.Platform != platform) {
		return &Result{Error: fmt.Sprintf("order %s not found", orderID)}, nil
	}
	delete(s.orders, orderID)
	return &Result{Success: true, OrderID: orderID, Status: "cancelled"}, nil
}

func (s *paperService) CancelAllOrders(ctx context.Context, platform string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		if platform == "" || o.Platform == platform {
			delete(s.orders, id)
			n++
		}
	}
	return &Result{Success: true, Status: fmt.Sprintf("cancelled %d", n)}, nil
}
