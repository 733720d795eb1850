package menu

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/copytrading"
	"github.com/polyterm/polyterm/execution"
	"github.com/polyterm/polyterm/feeds"
	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/internal/profile"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/store"
	"github.com/polyterm/polyterm/store/db/sqlite"
)

type fakeFeeds struct {
	markets map[string]*feeds.Market
}

func (f *fakeFeeds) GetMarket(_ context.Context, id, _ string) (*feeds.Market, error) {
	return f.markets[id], nil
}

func (f *fakeFeeds) SearchMarkets(_ context.Context, _, _ string) ([]*feeds.Market, error) {
	out := make([]*feeds.Market, 0, len(f.markets))
	for _, m := range f.markets {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeFeeds) Subscribe() (<-chan feeds.PriceEvent, func()) {
	ch := make(chan feeds.PriceEvent)
	return ch, func() { close(ch) }
}

func (f *fakeFeeds) Start(context.Context) error { return nil }
func (f *fakeFeeds) Stop() error                 { return nil }

type fakeExec struct {
	calls  []string
	result *execution.Result
}

func (f *fakeExec) record(name string) *execution.Result {
	f.calls = append(f.calls, name)
	if f.result != nil {
		return f.result
	}
	return &execution.Result{Success: true, OrderID: "ord-1", Status: "live"}
}

func (f *fakeExec) MarketBuy(_ context.Context, _, _ string, _ float64) (*execution.Result, error) {
	return f.record("marketBuy"), nil
}

func (f *fakeExec) MarketSell(_ context.Context, _, _ string, _ float64) (*execution.Result, error) {
	return f.record("marketSell"), nil
}

func (f *fakeExec) BuyLimit(_ context.Context, _, _ string, _, _ float64) (*execution.Result, error) {
	return f.record("buyLimit"), nil
}

func (f *fakeExec) SellLimit(_ context.Context, _, _ string, _, _ float64) (*execution.Result, error) {
	return f.record("sellLimit"), nil
}

func (f *fakeExec) GetOpenOrders(context.Context, string) ([]*execution.Order, error) {
	return nil, nil
}

func (f *fakeExec) GetPositions(context.Context, string) ([]*execution.Position, error) {
	return nil, nil
}

func (f *fakeExec) ClosePosition(_ context.Context, _, _ string) (*execution.Result, error) {
	return f.record("closePosition"), nil
}

func (f *fakeExec) CancelOrder(_ context.Context, _, _ string) (*execution.Result, error) {
	return f.record("cancelOrder"), nil
}

func (f *fakeExec) CancelAllOrders(context.Context, string) (*execution.Result, error) {
	return f.record("cancelAllOrders"), nil
}

func newTestMenu(t *testing.T) (*Service, *fakeExec) {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "menu_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	ff := &fakeFeeds{markets: map[string]*feeds.Market{
		"M1": {
			ID:       "M1",
			Platform: "polymarket",
			Question: "Will it rain tomorrow?",
			Tokens: []feeds.Token{
				{ID: "T_yes", Outcome: "Yes", LastPrice: 0.60},
				{ID: "T_no", Outcome: "No", LastPrice: 0.40},
			},
		},
	}}
	fe := &fakeExec{}
	ps := pairing.NewService(st, config.PairingConfig{})
	cs := copytrading.NewService(st, nil, config.CopyTradingConfig{Enabled: true})
	return NewService(ff, fe, ps, cs, nil, config.CopyTradingConfig{Enabled: true}), fe
}

func TestParseTokenRejectsUnknownAction(t *testing.T) {
	_, err := ParseToken("selfdestruct:now")
	assert.Error(t, err)

	_, err = ParseToken("")
	assert.Error(t, err)

	tok, err := ParseToken("order:size:T_yes:50")
	require.NoError(t, err)
	assert.Equal(t, ActionOrder, tok.Action)
	assert.Equal(t, "50", tok.Param(2))
	assert.Equal(t, "", tok.Param(9))
}

func TestEncodeTokenStaysUnderBudget(t *testing.T) {
	long := strings.Repeat("x", 200)
	tok := EncodeToken(ActionSearch, long, "1")
	assert.LessOrEqual(t, len(tok), MaxTokenBytes)

	// The 42-char wallet form must survive whole.
	wallet := "0x" + strings.Repeat("a", 40)
	tok = EncodeToken(ActionCopy, "exec", "add", wallet)
	assert.LessOrEqual(t, len(tok), MaxTokenBytes)
	parsed, err := ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, wallet, parsed.Param(2))
}

func TestNoopIsSilent(t *testing.T) {
	s, _ := newTestMenu(t)
	res := s.HandleCallback(context.Background(), "telegram", "c1", "u1", "m1", "noop")
	assert.Nil(t, res)
}

func TestBadTokenRendersErrorCard(t *testing.T) {
	s, _ := newTestMenu(t)
	res := s.HandleCallback(context.Background(), "telegram", "c1", "u1", "m1", "bogus:action")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "expired")
	require.Len(t, res.Buttons, 1)
	assert.Equal(t, "menu:main", res.Buttons[0][0].CallbackData)
}

func TestHistoryBoundedAndDeduped(t *testing.T) {
	st := &State{}
	for i := 0; i < 30; i++ {
		st.pushHistory(ScreenOrders)
		st.pushHistory(ScreenWallet)
	}
	assert.LessOrEqual(t, len(st.history), maxHistory)
	for i := 1; i < len(st.history); i++ {
		assert.NotEqual(t, st.history[i-1], st.history[i], "adjacent duplicates")
	}

	// main is never recorded.
	st = &State{}
	st.pushHistory(ScreenMain)
	assert.Empty(t, st.history)
	assert.Equal(t, ScreenMain, st.popHistory(), "empty stack falls back to main")
}

func TestWizardBuyMarketFlow(t *testing.T) {
	s, fe := newTestMenu(t)
	ctx := context.Background()

	res := s.HandleCallback(ctx, "telegram", "c1", "u1", "m42", "market:M1")
	require.NotNil(t, res)
	assert.Equal(t, "m42", res.EditMessageID)
	assert.Contains(t, res.Text, "Will it rain")

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m42", "buy:T_yes")
	require.NotNil(t, res)
	assert.Equal(t, "m42", res.EditMessageID)
	assert.Contains(t, res.Text, "How much")

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m42", "order:size:T_yes:50")
	require.NotNil(t, res)
	assert.Equal(t, "m42", res.EditMessageID)
	assert.Contains(t, res.Text, "Confirm BUY")
	// 50 USD at 60c ≈ 83.3 shares.
	assert.Contains(t, res.Text, "83.3")

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m42", "order:exec:T_yes")
	require.NotNil(t, res)
	assert.Equal(t, "m42", res.EditMessageID, "all four renders edit the same message")
	assert.Contains(t, res.Text, "ord-1")
	assert.Equal(t, []string{"marketBuy"}, fe.calls)
}

func TestWizardCustomSizeRejectedThenAccepted(t *testing.T) {
	s, _ := newTestMenu(t)
	ctx := context.Background()

	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "market:M1")
	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "buy:T_yes")
	res := s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "order:custom:T_yes")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "Custom size")
	assert.True(t, s.AwaitingText("telegram", "u1"))

	res, handled := s.HandleTextInput(ctx, "telegram", "c1", "u1", "0")
	require.True(t, handled)
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "❌")
	assert.True(t, s.AwaitingText("telegram", "u1"), "invalid input keeps the sub-state")

	res, handled = s.HandleTextInput(ctx, "telegram", "c1", "u1", "25")
	require.True(t, handled)
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "Confirm BUY")
	assert.False(t, s.AwaitingText("telegram", "u1"))
}

func TestLimitWizardInsertsPriceSelect(t *testing.T) {
	s, fe := newTestMenu(t)
	ctx := context.Background()

	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "market:M1")
	res := s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "limitb:T_yes")
	require.NotNil(t, res)

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "order:size:T_yes:100")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "Limit price")

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "order:price:T_yes:0.55")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "55¢")

	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "order:exec:T_yes")
	assert.Equal(t, []string{"buyLimit"}, fe.calls)
}

func TestFeedTextEscapedInMarkdownBodies(t *testing.T) {
	s, _ := newTestMenu(t)
	s.feeds.(*fakeFeeds).markets["M2"] = &feeds.Market{
		ID:       "M2",
		Platform: "polymarket",
		Question: "Will *BTC* close above $100k_2026?",
		Tokens:   []feeds.Token{{ID: "T2_yes", Outcome: "Yes*", LastPrice: 0.30}},
	}
	ctx := context.Background()

	res := s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "market:M2")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, `\*BTC\*`)
	assert.Contains(t, res.Text, `100k\_2026`)
	assert.Contains(t, res.Text, `Yes\*:`)

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "search:_trending:1")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, `\*BTC\*`)
	assert.NotContains(t, res.Text, "*BTC*", "raw metacharacters never reach the body")
}

func TestParseUSD(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"$1,000", 1000, false},
		{"25", 25, false},
		{" $10.50 ", 10.50, false},
		{"$10000", 10000, false},
		{"10000.01", 0, true},
		{"0", 0, true},
		{"-5", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseUSD(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestClampPrice(t *testing.T) {
	assert.Equal(t, 0.01, clampPrice(0.001))
	assert.Equal(t, 0.01, clampPrice(-0.17))
	assert.Equal(t, 0.99, clampPrice(1.10))
	assert.Equal(t, 0.55, clampPrice(0.55))
}

func TestExecutionFailureKeepsRetry(t *testing.T) {
	s, fe := newTestMenu(t)
	fe.result = &execution.Result{Success: false, Error: "insufficient balance"}
	ctx := context.Background()

	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "market:M1")
	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "buy:T_yes")
	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "order:size:T_yes:50")
	res := s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "order:exec:T_yes")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "insufficient balance")

	var retry string
	for _, row := range res.Buttons {
		for _, b := range row {
			if strings.Contains(b.Text, "Retry") {
				retry = b.CallbackData
			}
		}
	}
	require.NotEmpty(t, retry, "failure card exposes a retry button")
	assert.Equal(t, "buy:T_yes", retry)
}

func TestStartClearsStateAndBackFallsToMain(t *testing.T) {
	s, _ := newTestMenu(t)
	ctx := context.Background()

	s.HandleCallback(ctx, "telegram", "c1", "u1", "m1", "menu:portfolio")
	res := s.HandleStart(ctx, "telegram", "c1", "u1")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "PolyTerm")

	res = s.HandleCallback(ctx, "telegram", "c1", "u1", "m2", "back")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "PolyTerm", "back on fresh state lands on main")
}
