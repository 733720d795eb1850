package menu

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/polyterm/polyterm/copytrading"
	"github.com/polyterm/polyterm/credentials"
	"github.com/polyterm/polyterm/execution"
	"github.com/polyterm/polyterm/feeds"
	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat"
)

// Result is what a handler renders: text plus an inline keyboard. When
// EditMessageID is set the adapter edits that message in place; otherwise it
// sends a new one. A nil Result means no visible change.
type Result struct {
	Text      string
	Buttons   [][]chat.Button
	ParseMode chat.ParseMode
	// EditMessageID is the message to edit in place, empty to send new.
	EditMessageID string
}

// Service is the menu state machine. Owned by the orchestrator; survives
// hot reloads.
type Service struct {
	feeds   feeds.Manager
	exec    execution.Service
	pairing *pairing.Service
	copy    *copytrading.Service
	creds   credentials.Manager
	cfg     config.CopyTradingConfig

	states *states
}

// NewService wires the menu over its collaborators.
func NewService(
	fm feeds.Manager,
	ex execution.Service,
	ps *pairing.Service,
	cs *copytrading.Service,
	cm credentials.Manager,
	cfg config.CopyTradingConfig,
) *Service {
	return &Service{
		feeds:   fm,
		exec:    ex,
		pairing: ps,
		copy:    cs,
		creds:   cm,
		cfg:     cfg,
		states:  newStates(),
	}
}

// HandleStart renders the main menu and resets the user's navigation.
func (s *Service) HandleStart(ctx context.Context, platform, chatID, userID string) *Result {
	s.states.clear(platform, userID)
	st, release := s.states.acquire(platform, userID)
	defer release()
	st.ChatID = chatID
	res := s.renderMain(st)
	st.Current = ScreenMain
	return res
}

// ClearState drops the user's menu session.
func (s *Service) ClearState(platform, userID string) {
	s.states.clear(platform, userID)
}

// AwaitingText reports whether the user's next DM text belongs to the menu.
func (s *Service) AwaitingText(platform, userID string) bool {
	st, release := s.states.acquire(platform, userID)
	defer release()
	return st.Current.awaitsText()
}

// HandleCallback dispatches one callback token. Two concurrent callbacks for
// the same user serialize on the per-user lock. Returns nil for noop.
func (s *Service) HandleCallback(ctx context.Context, platform, chatID, userID, messageID, data string) *Result {
	tok, err := ParseToken(data)
	if err != nil {
		slog.Warn("bad callback token", "user_id", userID, "error", err)
		return s.errorCard(messageID, "That button has expired. Use the menu below.")
	}
	if tok.Action == ActionNoop {
		return nil
	}

	st, release := s.states.acquire(platform, userID)
	defer release()
	st.ChatID = chatID
	if messageID != "" {
		st.MessageID = messageID
	}

	prev := st.Current
	res, err := s.route(ctx, st, tok)
	if err != nil {
		slog.Warn("menu handler failed",
			"user_id", userID,
			"action", string(tok.Action),
			"error", err,
		)
		return s.errorCard(st.MessageID, "Something went wrong. Try again from the main menu.")
	}
	if res == nil || res.Text == "" {
		// Empty render means nothing to show; skip the edit.
		return nil
	}
	if tok.Action != ActionBack && tok.Action != ActionRefresh && st.Current != prev {
		st.pushHistory(prev)
	}
	res.EditMessageID = st.MessageID
	return res
}

func (s *Service) route(ctx context.Context, st *State, tok Token) (*Result, error) {
	switch tok.Action {
	case ActionMenu:
		return s.routeMenu(ctx, st, tok.Param(0))
	case ActionSearch:
		page, _ := strconv.Atoi(tok.Param(1))
		if page < 1 {
			page = 1
		}
		return s.renderSearchResults(ctx, st, tok.Param(0), page)
	case ActionFind:
		return s.renderSearchResults(ctx, st, tok.Param(0), 1)
	case ActionMarket:
		return s.renderMarket(ctx, st, tok.Param(0))
	case ActionBuy:
		return s.startWizard(ctx, st, tok.Param(0), "buy", "market")
	case ActionSell:
		return s.startWizard(ctx, st, tok.Param(0), "sell", "market")
	case ActionLimitBuy:
		return s.startWizard(ctx, st, tok.Param(0), "buy", "limit")
	case ActionLimitSel:
		return s.startWizard(ctx, st, tok.Param(0), "sell", "limit")
	case ActionOrder:
		return s.routeOrder(ctx, st, tok)
	case ActionQuickbuy:
		return s.quickbuy(ctx, st, tok.Param(0), tok.Param(1))
	case ActionPos:
		return s.routePosition(ctx, st, tok)
	case ActionCancel:
		return s.confirmCancelOrder(st, tok.Param(0))
	case ActionOrders:
		return s.routeOrders(ctx, st, tok)
	case ActionWallet:
		return s.routeWallet(ctx, st, tok.Param(0))
	case ActionCopy:
		return s.routeCopy(ctx, st, tok)
	case ActionRefresh:
		return s.renderScreen(ctx, st, st.Current)
	case ActionBack:
		return s.renderScreen(ctx, st, st.popHistory())
	}
	return nil, fmt.Errorf("unroutable action %q", tok.Action)
}

func (s *Service) routeMenu(ctx context.Context, st *State, name string) (*Result, error) {
	switch name {
	case "", "main":
		return s.renderScreen(ctx, st, ScreenMain)
	case "portfolio":
		return s.renderScreen(ctx, st, ScreenPortfolio)
	case "orders":
		return s.renderScreen(ctx, st, ScreenOrders)
	case "wallet":
		return s.renderScreen(ctx, st, ScreenWallet)
	case "search":
		return s.renderScreen(ctx, st, ScreenSearch)
	case "copy":
		return s.renderScreen(ctx, st, ScreenCopy)
	case "settings":
		return s.renderScreen(ctx, st, ScreenSettings)
	}
	return nil, fmt.Errorf("unknown menu %q", name)
}

// renderScreen re-invokes the renderer for a navigation screen. Wizard
// screens cannot be re-entered from history; they collapse to the market
// view (or main when no market is selected).
func (s *Service) renderScreen(ctx context.Context, st *State, screen Screen) (*Result, error) {
	switch screen {
	case ScreenMain:
		st.Current = ScreenMain
		return s.renderMain(st), nil
	case ScreenPortfolio:
		return s.renderPortfolio(ctx, st)
	case ScreenOrders:
		return s.renderOrders(ctx, st)
	case ScreenWallet:
		return s.renderWallet(ctx, st)
	case ScreenSearch, ScreenSearchInput:
		return s.renderSearchPrompt(st), nil
	case ScreenCopy:
		return s.renderCopy(ctx, st)
	case ScreenSettings:
		return s.renderSettings(ctx, st)
	case ScreenMarket:
		if st.SelectedMarket != "" {
			return s.renderMarket(ctx, st, st.SelectedMarket)
		}
	case ScreenSizeSelect, ScreenCustomSize:
		if st.SelectedToken != "" {
			return s.renderSizeSelect(ctx, st)
		}
	case ScreenPriceSelect:
		if st.SelectedToken != "" {
			return s.renderPriceSelect(ctx, st)
		}
	case ScreenConfirm:
		if st.SelectedToken != "" {
			return s.renderConfirm(ctx, st)
		}
	}
	st.Current = ScreenMain
	return s.renderMain(st), nil
}

// errorCard is the dispatch-level fallback: a short apology with a single
// route back to the main menu.
func (s *Service) errorCard(messageID, text string) *Result {
	return &Result{
		Text:          "⚠️ " + text,
		Buttons:       [][]chat.Button{{mainMenuButton()}},
		EditMessageID: messageID,
	}
}

func mainMenuButton() chat.Button {
	return chat.Button{Text: "🏠 Main Menu", CallbackData: EncodeToken(ActionMenu, "main")}
}

func backRefreshRow() []chat.Button {
	return []chat.Button{
		{Text: "⬅️ Back", CallbackData: EncodeToken(ActionBack)},
		{Text: "🔄 Refresh", CallbackData: EncodeToken(ActionRefresh)},
	}
}
