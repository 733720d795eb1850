package menu

import (
	"context"
	"fmt"
	"regexp"

	"github.com/polyterm/polyterm/plugin/chat"
)

var walletInputPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// HandleTextInput offers a DM text to the menu before command and agent
// dispatch. Returns (nil, false) when no sub-state is waiting for text, so
// the caller falls through to normal routing.
func (s *Service) HandleTextInput(ctx context.Context, platform, chatID, userID, text string) (*Result, bool) {
	st, release := s.states.acquire(platform, userID)
	defer release()
	if !st.Current.awaitsText() {
		return nil, false
	}
	st.ChatID = chatID

	var res *Result
	var err error
	switch st.Current {
	case ScreenSearchInput:
		st.SearchPage = 1
		res, err = s.renderSearchResults(ctx, st, text, 1)
	case ScreenCopyAddInput:
		res, err = s.copyAddInput(st, text)
	case ScreenCustomSize:
		res, err = s.customSizeInput(ctx, st, text)
	}
	if err != nil {
		return s.errorCard(st.MessageID, "Something went wrong. Try again from the main menu."), true
	}
	if res != nil {
		res.EditMessageID = st.MessageID
	}
	return res, true
}

// copyAddInput validates a trader address. Bad input keeps the sub-state so
// the user can just try again.
func (s *Service) copyAddInput(st *State, text string) (*Result, error) {
	if !walletInputPattern.MatchString(text) {
		return &Result{
			Text:    "❌ That doesn't look like a wallet address. Send a 0x… address (40 hex chars).",
			Buttons: [][]chat.Button{{{Text: "✖️ Cancel", CallbackData: EncodeToken(ActionMenu, "copy")}}},
		}, nil
	}
	st.PendingWallet = text
	st.Current = ScreenCopy
	return &Result{
		Text: fmt.Sprintf("Follow %s… with a %s per-trade cap?", shortAddr(text), fmtUSD(100)),
		Buttons: [][]chat.Button{
			{
				{Text: "✅ Follow", CallbackData: EncodeToken(ActionCopy, "exec", "add", text)},
				{Text: "✖️ Cancel", CallbackData: EncodeToken(ActionMenu, "copy")},
			},
		},
	}, nil
}

// customSizeInput parses a typed USD amount. Invalid amounts re-prompt
// without leaving the sub-state.
func (s *Service) customSizeInput(ctx context.Context, st *State, text string) (*Result, error) {
	size, err := ParseUSD(text)
	if err != nil {
		return &Result{
			Text:    fmt.Sprintf("❌ %s\nType an amount between $0.01 and $10,000.", capitalize(err.Error())),
			Buttons: [][]chat.Button{{{Text: "✖️ Cancel", CallbackData: EncodeToken(ActionMenu, "main")}}},
		}, nil
	}
	st.OrderSizeUSD = size
	if st.OrderType == "limit" {
		return s.renderPriceSelect(ctx, st)
	}
	return s.renderConfirm(ctx, st)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 32
	}
	return string(b)
}
