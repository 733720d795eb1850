package menu

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/polyterm/polyterm/execution"
	"github.com/polyterm/polyterm/plugin/chat"
)

// sizeTiers are the fixed USD amounts offered before "custom".
var sizeTiers = []float64{10, 25, 50, 100, 250, 500, 1000}

// priceOffsets are cent deltas around the live price for limit orders.
var priceOffsets = []float64{-0.20, -0.10, -0.05, 0, 0.05, 0.10, 0.20}

const (
	// MaxOrderUSD caps a single wizard order.
	MaxOrderUSD = 10000

	minLimitPrice = 0.01
	maxLimitPrice = 0.99
)

// ParseUSD parses user-entered dollar amounts: "$1,000" and "25" both work.
// Amounts ≤ 0 or above MaxOrderUSD fail.
func ParseUSD(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a dollar amount: %q", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	if v > MaxOrderUSD {
		return 0, fmt.Errorf("amount exceeds $%d limit", MaxOrderUSD)
	}
	return v, nil
}

// clampPrice keeps a limit price inside the valid outcome range.
func clampPrice(p float64) float64 {
	if p < minLimitPrice {
		return minLimitPrice
	}
	if p > maxLimitPrice {
		return maxLimitPrice
	}
	return p
}

// livePrice returns the token's last traded price, or 0 when unknown.
func (s *Service) livePrice(ctx context.Context, st *State) float64 {
	if st.SelectedMarket == "" {
		return 0
	}
	m, err := s.feeds.GetMarket(ctx, st.SelectedMarket, "")
	if err != nil || m == nil {
		return 0
	}
	if tok := m.TokenByID(st.SelectedToken); tok != nil {
		return tok.LastPrice
	}
	return 0
}

// startWizard enters size selection for (token, side, type).
func (s *Service) startWizard(ctx context.Context, st *State, tokenID, side, orderType string) (*Result, error) {
	if tokenID == "" {
		return nil, fmt.Errorf("wizard needs a token id")
	}
	st.resetWizard()
	st.SelectedToken = tokenID
	st.OrderSide = side
	st.OrderType = orderType
	return s.renderSizeSelect(ctx, st)
}

func (s *Service) renderSizeSelect(ctx context.Context, st *State) (*Result, error) {
	st.Current = ScreenSizeSelect

	var rows [][]chat.Button
	var row []chat.Button
	for _, tier := range sizeTiers {
		row = append(row, chat.Button{
			Text:         "$" + strconv.FormatFloat(tier, 'f', -1, 64),
			CallbackData: EncodeToken(ActionOrder, "size", st.SelectedToken, strconv.FormatFloat(tier, 'f', -1, 64)),
		})
		if len(row) == 4 {
			rows = append(rows, row)
			row = nil
		}
	}
	row = append(row, chat.Button{
		Text:         "✏️ Custom",
		CallbackData: EncodeToken(ActionOrder, "custom", st.SelectedToken),
	})
	rows = append(rows, row, backRefreshRow(), []chat.Button{mainMenuButton()})

	title := fmt.Sprintf("%s %s", strings.ToUpper(st.OrderSide), st.OrderType)
	return &Result{
		Text:      fmt.Sprintf("💵 *%s*\nHow much?", title),
		Buttons:   rows,
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

func (s *Service) renderPriceSelect(ctx context.Context, st *State) (*Result, error) {
	st.Current = ScreenPriceSelect
	live := s.livePrice(ctx, st)
	if live == 0 {
		live = 0.50
	}

	var rows [][]chat.Button
	var row []chat.Button
	seen := make(map[string]bool)
	for _, off := range priceOffsets {
		p := clampPrice(live + off)
		enc := strconv.FormatFloat(p, 'f', 2, 64)
		if seen[enc] {
			continue
		}
		seen[enc] = true
		label := fmtCents(p)
		if off == 0 {
			label = "● " + label
		}
		row = append(row, chat.Button{
			Text:         label,
			CallbackData: EncodeToken(ActionOrder, "price", st.SelectedToken, enc),
		})
		if len(row) == 4 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, backRefreshRow(), []chat.Button{mainMenuButton()})
	return &Result{
		Text:      fmt.Sprintf("🎯 *Limit price*\nLive: %s. Pick your price:", fmtCents(live)),
		Buttons:   rows,
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

func (s *Service) renderConfirm(ctx context.Context, st *State) (*Result, error) {
	st.Current = ScreenConfirm

	price := st.OrderPrice
	if st.OrderType == "market" {
		price = s.livePrice(ctx, st)
		if price == 0 {
			// No quote yet; estimate shares against the midpoint.
			price = 0.50
		}
	}
	shares := st.OrderSizeUSD / price

	var sb strings.Builder
	fmt.Fprintf(&sb, "🧾 *Confirm %s %s*\n", strings.ToUpper(st.OrderSide), st.OrderType)
	fmt.Fprintf(&sb, "\nToken: `%s`", st.SelectedToken)
	fmt.Fprintf(&sb, "\nSize: %s", fmtUSD(st.OrderSizeUSD))
	if st.OrderType == "limit" {
		fmt.Fprintf(&sb, "\nPrice: %s", fmtCents(st.OrderPrice))
	}
	fmt.Fprintf(&sb, "\n≈ %.1f shares", shares)
	return &Result{
		Text: sb.String(),
		Buttons: [][]chat.Button{
			{
				{Text: "✅ Place order", CallbackData: EncodeToken(ActionOrder, "exec", st.SelectedToken)},
				{Text: "✖️ Abort", CallbackData: EncodeToken(ActionMenu, "main")},
			},
		},
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

// routeOrder handles order:size, order:price, order:custom and order:exec.
func (s *Service) routeOrder(ctx context.Context, st *State, tok Token) (*Result, error) {
	switch tok.Param(0) {
	case "size":
		if st.SelectedToken == "" || st.SelectedToken != tok.Param(1) {
			// Stale button from an earlier card; restart on this token.
			if _, err := s.startWizard(ctx, st, tok.Param(1), "buy", "market"); err != nil {
				return nil, err
			}
		}
		size, err := ParseUSD(tok.Param(2))
		if err != nil {
			return nil, err
		}
		st.OrderSizeUSD = size
		if st.OrderType == "limit" {
			return s.renderPriceSelect(ctx, st)
		}
		return s.renderConfirm(ctx, st)
	case "custom":
		if st.SelectedToken == "" {
			st.SelectedToken = tok.Param(1)
			st.OrderSide = "buy"
			st.OrderType = "market"
		}
		st.Current = ScreenCustomSize
		return &Result{
			Text:      "✏️ *Custom size*\nType a dollar amount (up to $10,000).",
			Buttons:   [][]chat.Button{{{Text: "✖️ Cancel", CallbackData: EncodeToken(ActionMenu, "main")}}},
			ParseMode: chat.ParseModeMarkdown,
		}, nil
	case "price":
		price, err := strconv.ParseFloat(tok.Param(2), 64)
		if err != nil {
			return nil, fmt.Errorf("bad limit price %q", tok.Param(2))
		}
		st.OrderPrice = clampPrice(price)
		return s.renderConfirm(ctx, st)
	case "exec":
		return s.executeOrder(ctx, st)
	}
	return nil, fmt.Errorf("unknown order action %q", tok.Param(0))
}

// quickbuy jumps straight to confirm with a preset size.
func (s *Service) quickbuy(ctx context.Context, st *State, tokenID, amount string) (*Result, error) {
	if _, err := s.startWizard(ctx, st, tokenID, "buy", "market"); err != nil {
		return nil, err
	}
	size, err := ParseUSD(amount)
	if err != nil {
		return nil, err
	}
	st.OrderSizeUSD = size
	return s.renderConfirm(ctx, st)
}

// executeOrder drives the execution collaborator and renders the outcome.
// On failure the wizard keeps its slots so the retry button can re-enter
// size selection without re-picking the token.
func (s *Service) executeOrder(ctx context.Context, st *State) (*Result, error) {
	if st.SelectedToken == "" || st.OrderSizeUSD <= 0 {
		return nil, fmt.Errorf("wizard state incomplete")
	}
	st.Current = ScreenExecuting

	platform := st.tradePlatform()
	var res *execution.Result
	var err error
	switch {
	case st.OrderType == "limit" && st.OrderSide == "buy":
		res, err = s.exec.BuyLimit(ctx, platform, st.SelectedToken, st.OrderSizeUSD, st.OrderPrice)
	case st.OrderType == "limit":
		res, err = s.exec.SellLimit(ctx, platform, st.SelectedToken, st.OrderSizeUSD, st.OrderPrice)
	case st.OrderSide == "buy":
		res, err = s.exec.MarketBuy(ctx, platform, st.SelectedToken, st.OrderSizeUSD)
	default:
		res, err = s.exec.MarketSell(ctx, platform, st.SelectedToken, st.OrderSizeUSD)
	}
	if err != nil {
		st.Current = ScreenFailed
		return &Result{
			Text: "❌ Order failed: " + err.Error(),
			Buttons: [][]chat.Button{
				{{Text: "🔁 Retry", CallbackData: retryToken(st)}},
				{mainMenuButton()},
			},
		}, nil
	}
	if !res.Success {
		st.Current = ScreenFailed
		return &Result{
			Text: "❌ Order rejected: " + res.Error,
			Buttons: [][]chat.Button{
				{{Text: "🔁 Retry", CallbackData: retryToken(st)}},
				{mainMenuButton()},
			},
		}, nil
	}

	st.Current = ScreenDone
	var sb strings.Builder
	sb.WriteString("✅ *Order placed*\n")
	fmt.Fprintf(&sb, "\nOrder ID: `%s`", res.OrderID)
	if res.Status != "" {
		fmt.Fprintf(&sb, "\nStatus: %s", res.Status)
	}
	if res.FilledSize > 0 {
		fmt.Fprintf(&sb, "\nFilled: %.1f @ %s", res.FilledSize, fmtCents(res.AvgFillPrice))
	}
	return &Result{
		Text: sb.String(),
		Buttons: [][]chat.Button{
			{
				{Text: "📋 Orders", CallbackData: EncodeToken(ActionMenu, "orders")},
				{Text: "💼 Portfolio", CallbackData: EncodeToken(ActionMenu, "portfolio")},
			},
			{mainMenuButton()},
		},
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

// retryToken re-enters size selection for the wizard's current token/side.
func retryToken(st *State) string {
	action := ActionBuy
	switch {
	case st.OrderType == "limit" && st.OrderSide == "buy":
		action = ActionLimitBuy
	case st.OrderType == "limit":
		action = ActionLimitSel
	case st.OrderSide == "sell":
		action = ActionSell
	}
	return EncodeToken(action, st.SelectedToken)
}
