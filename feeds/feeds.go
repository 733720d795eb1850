// Package feeds defines the market-data collaborator interface consumed by
// the gateway core. Feed implementations live outside the core; the core
// only reads.
package feeds

import (
	"context"
	"sync"
	"time"
)

// Token is one outcome token of a market.
type Token struct {
	ID        string
	Outcome   string
	LastPrice float64
}

// Market is a tradeable market on a platform.
type Market struct {
	ID        string
	Platform  string
	Question  string
	Slug      string
	Tokens    []Token
	VolumeUSD float64
	EndDate   time.Time
}

// TokenByID returns the outcome token with the given id, or nil.
func (m *Market) TokenByID(tokenID string) *Token {
	for i := range m.Tokens {
		if m.Tokens[i].ID == tokenID {
			return &m.Tokens[i]
		}
	}
	return nil
}

// PriceEvent is a live price update for one outcome token.
type PriceEvent struct {
	Platform  string    `json:"platform"`
	MarketID  string    `json:"marketId"`
	TokenID   string    `json:"tokenId"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager is the read-only surface the core consumes. Sentinel queries
// "_trending" and "_volume" return curated listings.
type Manager interface {
	GetMarket(ctx context.Context, id, platform string) (*Market, error)
	SearchMarkets(ctx context.Context, query, platform string) ([]*Market, error)
	// Subscribe returns a channel of price events plus a cancel function.
	Subscribe() (<-chan PriceEvent, func())
	Start(ctx context.Context) error
	Stop() error
}

// Hub is a small fan-out of price events used by feed implementations and
// by the tick-stream WebSocket endpoint. Slow subscribers drop events
// rather than back-pressuring the feed.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan PriceEvent
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan PriceEvent)}
}

// Subscribe registers a subscriber with a small buffer.
func (h *Hub) Subscribe() (<-chan PriceEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan PriceEvent, 64)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish fans an event out to all subscribers, dropping when full.
func (h *Hub) Publish(ev PriceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}
