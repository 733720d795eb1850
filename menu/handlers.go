package menu

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/store"
)

// defaultTradePlatform is used until a market selection pins one.
const defaultTradePlatform = "polymarket"

const searchPageSize = 5

func (st *State) tradePlatform() string {
	if st.MarketPlatform != "" {
		return st.MarketPlatform
	}
	return defaultTradePlatform
}

func fmtUSD(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

func fmtCents(price float64) string {
	return strconv.Itoa(int(price*100+0.5)) + "¢"
}

func (s *Service) renderMain(st *State) *Result {
	return &Result{
		Text: "📊 *PolyTerm*\nPrediction market terminal. Pick a destination:",
		Buttons: [][]chat.Button{
			{
				{Text: "🔥 Trending", CallbackData: EncodeToken(ActionSearch, "_trending", "1")},
				{Text: "📈 Volume", CallbackData: EncodeToken(ActionSearch, "_volume", "1")},
			},
			{
				{Text: "🔍 Search", CallbackData: EncodeToken(ActionMenu, "search")},
				{Text: "💼 Portfolio", CallbackData: EncodeToken(ActionMenu, "portfolio")},
			},
			{
				{Text: "📋 Orders", CallbackData: EncodeToken(ActionMenu, "orders")},
				{Text: "👛 Wallet", CallbackData: EncodeToken(ActionMenu, "wallet")},
			},
			{
				{Text: "🤝 Copy Trading", CallbackData: EncodeToken(ActionMenu, "copy")},
				{Text: "⚙️ Settings", CallbackData: EncodeToken(ActionMenu, "settings")},
			},
		},
		ParseMode: chat.ParseModeMarkdown,
	}
}

func (s *Service) renderPortfolio(ctx context.Context, st *State) (*Result, error) {
	positions, err := s.exec.GetPositions(ctx, st.tradePlatform())
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	st.Current = ScreenPortfolio

	var sb strings.Builder
	sb.WriteString("💼 *Portfolio*\n")
	var buttons [][]chat.Button
	if len(positions) == 0 {
		sb.WriteString("\nNo open positions.")
	} else {
		var total, pnl float64
		for _, p := range positions {
			total += p.ValueUSD
			pnl += p.PnLUSD
		}
		fmt.Fprintf(&sb, "Value %s · PnL %s\n", fmtUSD(total), fmtUSD(pnl))
		for i, p := range positions {
			if i >= 8 {
				fmt.Fprintf(&sb, "\n…and %d more", len(positions)-i)
				break
			}
			fmt.Fprintf(&sb, "\n%s %s — %.1f sh @ %s (%s)",
				chat.EscapeMarkdown(p.Outcome), chat.EscapeMarkdown(p.MarketRef),
				p.Shares, fmtCents(p.AvgPrice), fmtUSD(p.PnLUSD))
			buttons = append(buttons, []chat.Button{{
				Text:         fmt.Sprintf("Close %s %s", p.Outcome, fmtUSD(p.ValueUSD)),
				CallbackData: EncodeToken(ActionPos, "close", p.ID),
			}})
		}
	}
	buttons = append(buttons, backRefreshRow(), []chat.Button{mainMenuButton()})
	return &Result{Text: sb.String(), Buttons: buttons, ParseMode: chat.ParseModeMarkdown}, nil
}

func (s *Service) renderOrders(ctx context.Context, st *State) (*Result, error) {
	orders, err := s.exec.GetOpenOrders(ctx, st.tradePlatform())
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	st.Current = ScreenOrders

	var sb strings.Builder
	sb.WriteString("📋 *Open Orders*\n")
	var buttons [][]chat.Button
	if len(orders) == 0 {
		sb.WriteString("\nNo resting orders.")
	} else {
		for i, o := range orders {
			if i >= 8 {
				fmt.Fprintf(&sb, "\n…and %d more", len(orders)-i)
				break
			}
			fmt.Fprintf(&sb, "\n%s %s %s @ %s",
				strings.ToUpper(o.Side), fmtUSD(o.SizeUSD), o.TokenID, fmtCents(o.Price))
			buttons = append(buttons, []chat.Button{{
				Text:         fmt.Sprintf("✖️ Cancel %s @ %s", fmtUSD(o.SizeUSD), fmtCents(o.Price)),
				CallbackData: EncodeToken(ActionCancel, o.ID),
			}})
		}
		buttons = append(buttons, []chat.Button{{
			Text:         "🗑 Cancel All",
			CallbackData: EncodeToken(ActionOrders, "cancelall"),
		}})
	}
	buttons = append(buttons, backRefreshRow(), []chat.Button{mainMenuButton()})
	return &Result{Text: sb.String(), Buttons: buttons, ParseMode: chat.ParseModeMarkdown}, nil
}

func (s *Service) renderWallet(ctx context.Context, st *State) (*Result, error) {
	wallet, err := s.pairing.GetWalletForChatUser(ctx, st.Platform, st.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet link: %w", err)
	}
	st.Current = ScreenWallet

	var sb strings.Builder
	sb.WriteString("👛 *Wallet*\n")
	var buttons [][]chat.Button
	if wallet == "" {
		sb.WriteString("\nNo wallet linked. Generate a pairing code from the web terminal and send it to me here.")
	} else {
		fmt.Fprintf(&sb, "\nLinked: `%s`", wallet)
		buttons = append(buttons, []chat.Button{
			{Text: "⬇️ Deposit", CallbackData: EncodeToken(ActionWallet, "deposit")},
			{Text: "⬆️ Withdraw", CallbackData: EncodeToken(ActionWallet, "withdraw")},
		})
	}
	buttons = append(buttons, backRefreshRow(), []chat.Button{mainMenuButton()})
	return &Result{Text: sb.String(), Buttons: buttons, ParseMode: chat.ParseModeMarkdown}, nil
}

func (s *Service) routeWallet(ctx context.Context, st *State, sub string) (*Result, error) {
	wallet, err := s.pairing.GetWalletForChatUser(ctx, st.Platform, st.UserID)
	if err != nil {
		return nil, err
	}
	if wallet == "" {
		return s.renderWallet(ctx, st)
	}
	st.Current = ScreenWallet
	var text string
	switch sub {
	case "deposit":
		text = fmt.Sprintf("⬇️ *Deposit*\nSend USDC on Polygon to:\n`%s`", wallet)
	case "withdraw":
		text = "⬆️ *Withdraw*\nWithdrawals run from the web terminal where your key lives. Open it and choose Withdraw."
	default:
		return s.renderWallet(ctx, st)
	}
	return &Result{
		Text:      text,
		Buttons:   [][]chat.Button{backRefreshRow(), {mainMenuButton()}},
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

func (s *Service) renderSearchPrompt(st *State) *Result {
	st.Current = ScreenSearchInput
	return &Result{
		Text: "🔍 *Search markets*\nType a query, or browse:",
		Buttons: [][]chat.Button{
			{
				{Text: "🔥 Trending", CallbackData: EncodeToken(ActionSearch, "_trending", "1")},
				{Text: "📈 Top Volume", CallbackData: EncodeToken(ActionSearch, "_volume", "1")},
			},
			{mainMenuButton()},
		},
		ParseMode: chat.ParseModeMarkdown,
	}
}

func (s *Service) renderSearchResults(ctx context.Context, st *State, query string, page int) (*Result, error) {
	markets, err := s.feeds.SearchMarkets(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("market search failed: %w", err)
	}
	st.Current = ScreenSearch
	st.SearchQuery = query
	st.SearchPage = page

	title := query
	switch query {
	case "_trending":
		title = "Trending"
	case "_volume":
		title = "Top Volume"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 *%s*\n", chat.EscapeMarkdown(title))
	var buttons [][]chat.Button

	start := (page - 1) * searchPageSize
	if start >= len(markets) && page > 1 {
		start = 0
		page = 1
	}
	end := start + searchPageSize
	if end > len(markets) {
		end = len(markets)
	}
	if len(markets) == 0 {
		sb.WriteString("\nNo markets found.")
	}
	for _, m := range markets[start:end] {
		price := 0.0
		if len(m.Tokens) > 0 {
			price = m.Tokens[0].LastPrice
		}
		// Feed text is untrusted; a stray metacharacter must not break
		// the whole render.
		fmt.Fprintf(&sb, "\n%s — %s", chat.EscapeMarkdown(m.Question), fmtCents(price))
		label := m.Question
		if len(label) > 40 {
			label = label[:40] + "…"
		}
		buttons = append(buttons, []chat.Button{{
			Text:         label,
			CallbackData: EncodeToken(ActionMarket, m.ID),
		}})
	}

	var nav []chat.Button
	if page > 1 {
		nav = append(nav, chat.Button{
			Text:         "◀️ Prev",
			CallbackData: EncodeToken(ActionSearch, query, strconv.Itoa(page-1)),
		})
	}
	if end < len(markets) {
		nav = append(nav, chat.Button{
			Text:         "Next ▶️",
			CallbackData: EncodeToken(ActionSearch, query, strconv.Itoa(page+1)),
		})
	}
	if len(nav) > 0 {
		buttons = append(buttons, nav)
	}
	buttons = append(buttons, backRefreshRow(), []chat.Button{mainMenuButton()})
	return &Result{Text: sb.String(), Buttons: buttons, ParseMode: chat.ParseModeMarkdown}, nil
}

func (s *Service) renderMarket(ctx context.Context, st *State, marketID string) (*Result, error) {
	m, err := s.feeds.GetMarket(ctx, marketID, "")
	if err != nil {
		return nil, fmt.Errorf("market lookup failed: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("market %s not found", marketID)
	}
	st.Current = ScreenMarket
	st.SelectedMarket = m.ID
	st.MarketPlatform = m.Platform
	st.resetWizard()

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *%s*\n", chat.EscapeMarkdown(m.Question))
	fmt.Fprintf(&sb, "Volume %s", fmtUSD(m.VolumeUSD))
	if !m.EndDate.IsZero() {
		fmt.Fprintf(&sb, " · ends %s", m.EndDate.Format("Jan 2 2006"))
	}
	var buttons [][]chat.Button
	for i, tok := range m.Tokens {
		if i >= 2 {
			break
		}
		fmt.Fprintf(&sb, "\n%s: %s", chat.EscapeMarkdown(tok.Outcome), fmtCents(tok.LastPrice))
		buttons = append(buttons,
			[]chat.Button{
				{Text: "🟢 Buy " + tok.Outcome, CallbackData: EncodeToken(ActionBuy, tok.ID)},
				{Text: "🔴 Sell " + tok.Outcome, CallbackData: EncodeToken(ActionSell, tok.ID)},
			},
			[]chat.Button{
				{Text: "Limit Buy", CallbackData: EncodeToken(ActionLimitBuy, tok.ID)},
				{Text: "Limit Sell", CallbackData: EncodeToken(ActionLimitSel, tok.ID)},
			},
		)
	}
	buttons = append(buttons, backRefreshRow(), []chat.Button{mainMenuButton()})
	return &Result{Text: sb.String(), Buttons: buttons, ParseMode: chat.ParseModeMarkdown}, nil
}

func (s *Service) routePosition(ctx context.Context, st *State, tok Token) (*Result, error) {
	switch tok.Param(0) {
	case "view":
		return s.renderPortfolio(ctx, st)
	case "close":
		st.Current = ScreenPortfolio
		return &Result{
			Text: "Close this position at market?",
			Buttons: [][]chat.Button{
				{
					{Text: "✅ Close", CallbackData: EncodeToken(ActionPos, "exec", "close", tok.Param(1))},
					{Text: "✖️ Keep", CallbackData: EncodeToken(ActionMenu, "portfolio")},
				},
			},
		}, nil
	case "exec":
		if tok.Param(1) != "close" {
			return nil, fmt.Errorf("unknown pos exec %q", tok.Param(1))
		}
		res, err := s.exec.ClosePosition(ctx, st.tradePlatform(), tok.Param(2))
		if err != nil {
			return nil, fmt.Errorf("close position failed: %w", err)
		}
		text := "✅ Position closed."
		if !res.Success {
			text = "❌ Close failed: " + res.Error
		}
		return &Result{
			Text:    text,
			Buttons: [][]chat.Button{{{Text: "💼 Portfolio", CallbackData: EncodeToken(ActionMenu, "portfolio")}, mainMenuButton()}},
		}, nil
	}
	return nil, fmt.Errorf("unknown pos action %q", tok.Param(0))
}

func (s *Service) confirmCancelOrder(st *State, orderID string) (*Result, error) {
	st.Current = ScreenOrders
	return &Result{
		Text: "Cancel this order?",
		Buttons: [][]chat.Button{
			{
				{Text: "✅ Cancel it", CallbackData: EncodeToken(ActionOrders, "exec", "cancel", orderID)},
				{Text: "✖️ Keep", CallbackData: EncodeToken(ActionMenu, "orders")},
			},
		},
	}, nil
}

func (s *Service) routeOrders(ctx context.Context, st *State, tok Token) (*Result, error) {
	switch tok.Param(0) {
	case "cancelall":
		st.Current = ScreenOrders
		return &Result{
			Text: "Cancel ALL open orders?",
			Buttons: [][]chat.Button{
				{
					{Text: "✅ Cancel all", CallbackData: EncodeToken(ActionOrders, "exec", "cancelall")},
					{Text: "✖️ Keep", CallbackData: EncodeToken(ActionMenu, "orders")},
				},
			},
		}, nil
	case "exec":
		var res *Result
		switch tok.Param(1) {
		case "cancel":
			r, err := s.exec.CancelOrder(ctx, st.tradePlatform(), tok.Param(2))
			if err != nil {
				return nil, fmt.Errorf("cancel order failed: %w", err)
			}
			text := "✅ Order cancelled."
			if !r.Success {
				text = "❌ Cancel failed: " + r.Error
			}
			res = &Result{Text: text}
		case "cancelall":
			r, err := s.exec.CancelAllOrders(ctx, st.tradePlatform())
			if err != nil {
				return nil, fmt.Errorf("cancel all failed: %w", err)
			}
			text := "✅ All orders cancelled."
			if !r.Success {
				text = "❌ Cancel failed: " + r.Error
			}
			res = &Result{Text: text}
		default:
			return nil, fmt.Errorf("unknown orders exec %q", tok.Param(1))
		}
		res.Buttons = [][]chat.Button{{{Text: "📋 Orders", CallbackData: EncodeToken(ActionMenu, "orders")}, mainMenuButton()}}
		return res, nil
	}
	return nil, fmt.Errorf("unknown orders action %q", tok.Param(0))
}

func (s *Service) renderCopy(ctx context.Context, st *State) (*Result, error) {
	wallet, err := s.pairing.GetWalletForChatUser(ctx, st.Platform, st.UserID)
	if err != nil {
		return nil, err
	}
	st.Current = ScreenCopy
	if wallet == "" {
		return &Result{
			Text:      "🤝 *Copy Trading*\nLink a wallet first (Wallet menu) to follow traders.",
			Buttons:   [][]chat.Button{{{Text: "👛 Wallet", CallbackData: EncodeToken(ActionMenu, "wallet")}}, {mainMenuButton()}},
			ParseMode: chat.ParseModeMarkdown,
		}, nil
	}

	configs, err := s.copy.ListConfigs(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load copy configs: %w", err)
	}
	configs = filterConfigs(configs, st.CopyFilter)

	var sb strings.Builder
	sb.WriteString("🤝 *Copy Trading*\n")
	var buttons [][]chat.Button
	if len(configs) == 0 {
		sb.WriteString("\nNo followed traders yet.")
	}
	for _, c := range configs {
		status := "⏸"
		toggle := "Resume"
		if c.Active {
			status = "▶️"
			toggle = "Pause"
		}
		fmt.Fprintf(&sb, "\n%s %s… cap %s", status, shortAddr(c.TargetWallet), fmtUSD(c.MaxSizeUSD))
		buttons = append(buttons, []chat.Button{
			{Text: toggle, CallbackData: EncodeToken(ActionCopy, "toggle", c.ID)},
			{Text: "📊 Stats", CallbackData: EncodeToken(ActionCopy, "stats", c.ID)},
			{Text: "🗑", CallbackData: EncodeToken(ActionCopy, "del", c.ID)},
		})
	}
	buttons = append(buttons,
		[]chat.Button{
			{Text: "➕ Follow trader", CallbackData: EncodeToken(ActionCopy, "add")},
			{Text: "🧭 Discover", CallbackData: EncodeToken(ActionCopy, "discover")},
		},
		[]chat.Button{
			{Text: "All", CallbackData: EncodeToken(ActionCopy, "filter", "all")},
			{Text: "Active", CallbackData: EncodeToken(ActionCopy, "filter", "active")},
			{Text: "Paused", CallbackData: EncodeToken(ActionCopy, "filter", "paused")},
		},
		backRefreshRow(),
		[]chat.Button{mainMenuButton()},
	)
	return &Result{Text: sb.String(), Buttons: buttons, ParseMode: chat.ParseModeMarkdown}, nil
}

func filterConfigs(configs []*store.CopyConfig, filter string) []*store.CopyConfig {
	switch filter {
	case "active":
		var out []*store.CopyConfig
		for _, c := range configs {
			if c.Active {
				out = append(out, c)
			}
		}
		return out
	case "paused":
		var out []*store.CopyConfig
		for _, c := range configs {
			if !c.Active {
				out = append(out, c)
			}
		}
		return out
	}
	return configs
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}

func (s *Service) routeCopy(ctx context.Context, st *State, tok Token) (*Result, error) {
	wallet, err := s.pairing.GetWalletForChatUser(ctx, st.Platform, st.UserID)
	if err != nil {
		return nil, err
	}
	if wallet == "" {
		return s.renderCopy(ctx, st)
	}

	switch tok.Param(0) {
	case "":
		return s.renderCopy(ctx, st)
	case "add":
		st.Current = ScreenCopyAddInput
		return &Result{
			Text:      "➕ *Follow a trader*\nSend the trader's wallet address (0x…).",
			Buttons:   [][]chat.Button{{{Text: "✖️ Cancel", CallbackData: EncodeToken(ActionMenu, "copy")}}},
			ParseMode: chat.ParseModeMarkdown,
		}, nil
	case "toggle":
		cfg, err := s.copy.GetConfig(ctx, tok.Param(1))
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, fmt.Errorf("copy config not found")
		}
		if _, err := s.copy.SetActive(ctx, cfg.ID, !cfg.Active); err != nil {
			return nil, err
		}
		return s.renderCopy(ctx, st)
	case "del":
		if _, err := s.copy.RemoveConfig(ctx, tok.Param(1)); err != nil {
			return nil, err
		}
		return s.renderCopy(ctx, st)
	case "stats":
		return s.renderCopyStats(ctx, st, wallet, tok.Param(1))
	case "filter":
		st.CopyFilter = tok.Param(1)
		return s.renderCopy(ctx, st)
	case "discover":
		st.Current = ScreenCopy
		return &Result{
			Text:      "🧭 *Discover traders*\nLeaderboards live in the web terminal. Follow any wallet here by address.",
			Buttons:   [][]chat.Button{{{Text: "➕ Follow trader", CallbackData: EncodeToken(ActionCopy, "add")}}, {mainMenuButton()}},
			ParseMode: chat.ParseModeMarkdown,
		}, nil
	case "activity":
		return s.renderCopyActivity(st, wallet)
	case "exec":
		return s.execCopy(ctx, st, wallet, tok)
	}
	return nil, fmt.Errorf("unknown copy action %q", tok.Param(0))
}

func (s *Service) renderCopyStats(ctx context.Context, st *State, wallet, cfgID string) (*Result, error) {
	stats, err := s.copy.GetStats(ctx, wallet)
	if err != nil {
		return nil, err
	}
	st.Current = ScreenCopy
	var sb strings.Builder
	sb.WriteString("📊 *Copy Trading Stats*\n")
	fmt.Fprintf(&sb, "\nConfigs: %d active / %d total", stats.ActiveConfigs, stats.TotalConfigs)
	fmt.Fprintf(&sb, "\nTrades copied: %d", stats.TradesCopied)
	fmt.Fprintf(&sb, "\nVolume: %s", fmtUSD(stats.VolumeUSD))
	if !stats.LastTradeAt.IsZero() {
		fmt.Fprintf(&sb, "\nLast trade: %s", stats.LastTradeAt.Format("Jan 2 15:04"))
	}
	return &Result{
		Text:      sb.String(),
		Buttons:   [][]chat.Button{backRefreshRow(), {mainMenuButton()}},
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

func (s *Service) renderCopyActivity(st *State, wallet string) (*Result, error) {
	events := s.copy.History(wallet, 10)
	st.Current = ScreenCopy
	var sb strings.Builder
	sb.WriteString("📜 *Recent mirrored trades*\n")
	if len(events) == 0 {
		sb.WriteString("\nNothing mirrored yet.")
	}
	for _, ev := range events {
		fmt.Fprintf(&sb, "\n%s %s from %s…", strings.ToUpper(ev.Side), fmtUSD(ev.SizeUSD), shortAddr(ev.TargetWallet))
	}
	return &Result{
		Text:      sb.String(),
		Buttons:   [][]chat.Button{backRefreshRow(), {mainMenuButton()}},
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}

// execCopy handles copy:exec:add:<wallet> and copy:exec:del:<cfgId>. The
// add path runs the same credential policy as the HTTP API.
func (s *Service) execCopy(ctx context.Context, st *State, wallet string, tok Token) (*Result, error) {
	switch tok.Param(1) {
	case "add":
		target := st.PendingWallet
		if p := tok.Param(2); p != "" && strings.HasPrefix(p, "0x") {
			target = p
		}
		if target == "" {
			return nil, fmt.Errorf("no pending wallet to follow")
		}
		cfg, err := s.copy.AddConfig(ctx, wallet, target, st.tradePlatform(), 100)
		if err != nil {
			return nil, fmt.Errorf("follow failed: %w", err)
		}
		st.PendingWallet = ""
		st.Current = ScreenCopy
		return &Result{
			Text: fmt.Sprintf("✅ Now following %s… (cap %s)", shortAddr(cfg.TargetWallet), fmtUSD(cfg.MaxSizeUSD)),
			Buttons: [][]chat.Button{
				{{Text: "🤝 Copy Trading", CallbackData: EncodeToken(ActionMenu, "copy")}},
				{mainMenuButton()},
			},
		}, nil
	case "del":
		if _, err := s.copy.RemoveConfig(ctx, tok.Param(2)); err != nil {
			return nil, err
		}
		return s.renderCopy(ctx, st)
	}
	return nil, fmt.Errorf("unknown copy exec %q", tok.Param(1))
}

func (s *Service) renderSettings(ctx context.Context, st *State) (*Result, error) {
	wallet, err := s.pairing.GetWalletForChatUser(ctx, st.Platform, st.UserID)
	if err != nil {
		return nil, err
	}
	level, err := s.pairing.GetTrustLevel(ctx, st.Platform, st.UserID)
	if err != nil {
		return nil, err
	}
	st.Current = ScreenSettings

	var sb strings.Builder
	sb.WriteString("⚙️ *Settings*\n")
	fmt.Fprintf(&sb, "\nAccess level: %s", string(level))
	if wallet != "" {
		fmt.Fprintf(&sb, "\nLinked wallet: `%s`", wallet)
	} else {
		sb.WriteString("\nLinked wallet: none")
	}
	copyState := "disabled"
	if s.cfg.Enabled {
		copyState = "enabled"
	}
	fmt.Fprintf(&sb, "\nCopy trading: %s", copyState)
	return &Result{
		Text:      sb.String(),
		Buttons:   [][]chat.Button{backRefreshRow(), {mainMenuButton()}},
		ParseMode: chat.ParseModeMarkdown,
	}, nil
}
