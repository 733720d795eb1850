package feeds

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// tickInterval paces the synthetic price walk in demo mode.
const tickInterval = 2 * time.Second

// demoManager serves a fixed market catalog and publishes a random-walk
// price stream. It stands in for a real feed connector in demo mode.
type demoManager struct {
	hub *Hub

	mu      sync.Mutex
	markets map[string]*Market
	rng     *rand.Rand

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDemo creates a demo feed over the built-in catalog.
func NewDemo(hub *Hub) Manager {
	m := &demoManager{
		hub:     hub,
		markets: make(map[string]*Market),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, mk := range demoCatalog() {
		m.markets[mk.ID] = mk
	}
	return m
}

func demoCatalog() []*Market {
	end := time.Now().AddDate(0, 3, 0)
	return []*Market{
		{
			ID: "demo-fed-cut", Platform: "polymarket",
			Question: "Will the Fed cut rates at the next meeting?",
			Slug:     "fed-rate-cut",
			Tokens: []Token{
				{ID: "demo-fed-cut-yes", Outcome: "Yes", LastPrice: 0.62},
				{ID: "demo-fed-cut-no", Outcome: "No", LastPrice: 0.38},
			},
			VolumeUSD: 1_250_000, EndDate: end,
		},
		{
			ID: "demo-btc-100k", Platform: "polymarket",
			Question: "Will Bitcoin close above $100k this quarter?",
			Slug:     "btc-100k",
			Tokens: []Token{
				{ID: "demo-btc-100k-yes", Outcome: "Yes", LastPrice: 0.41},
				{ID: "demo-btc-100k-no", Outcome: "No", LastPrice: 0.59},
			},
			VolumeUSD: 890_000, EndDate: end,
		},
		{
			ID: "demo-election", Platform: "kalshi",
			Question: "Will turnout exceed 60% in the next election?",
			Slug:     "turnout-60",
			Tokens: []Token{
				{ID: "demo-election-yes", Outcome: "Yes", LastPrice: 0.55},
				{ID: "demo-election-no", Outcome: "No", LastPrice: 0.45},
			},
			VolumeUSD: 310_000, EndDate: end,
		},
	}
}

func (m *demoManager) GetMarket(ctx context.Context, id, platform string) (*Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markets[id]
	if !ok {
		return nil, nil
	}
	cp := *mk
	cp.Tokens = append([]Token(nil), mk.Tokens...)
	return &cp, nil
}

func (m *demoManager) SearchMarkets(ctx context.Context, query, platform string) ([]*Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Market
	q := strings.ToLower(strings.TrimSpace(query))
	for _, mk := range m.markets {
		if platform != "" && mk.Platform != platform {
			continue
		}
		switch q {
		case "_trending", "_volume", "":
			out = append(out, mk)
		default:
			if strings.Contains(strings.ToLower(mk.Question), q) ||
				strings.Contains(mk.Slug, q) {
				out = append(out, mk)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolumeUSD > out[j].VolumeUSD })
	return out, nil
}

func (m *demoManager) Subscribe() (<-chan PriceEvent, func()) {
	return m.hub.Subscribe()
}

func (m *demoManager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.walk(ctx)
	return nil
}

func (m *demoManager) Stop() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	return nil
}

// walk nudges every token price each tick and publishes the move. Prices
// stay inside (0.01, 0.99) like a real binary market.
func (m *demoManager) walk(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for _, mk := range m.markets {
				for i := range mk.Tokens {
					t := &mk.Tokens[i]
					t.LastPrice += (m.rng.Float64() - 0.5) * 0.02
					if t.LastPrice < 0.01 {
						t.LastPrice = 0.01
					}
					if t.LastPrice > 0.99 {
						t.LastPrice = 0.99
					}
					m.hub.Publish(PriceEvent{
						Platform:  mk.Platform,
						MarketID:  mk.ID,
						TokenID:   t.ID,
						Price:     t.LastPrice,
						Timestamp: now,
					})
				}
			}
			m.mu.Unlock()
		}
	}
}
