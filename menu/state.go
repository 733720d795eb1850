package menu

import "sync"

// Screen tags which view a user's menu currently shows. A tagged type, not
// free-form strings: handlers switch on it exhaustively.
type Screen int

const (
	ScreenMain Screen = iota
	ScreenPortfolio
	ScreenOrders
	ScreenWallet
	ScreenSearch
	ScreenCopy
	ScreenSettings
	ScreenMarket
	ScreenSizeSelect
	ScreenPriceSelect
	ScreenConfirm
	ScreenExecuting
	ScreenDone
	ScreenFailed
	// Text-input sub-states: the next free-form DM text is routed here
	// instead of the command registry or the agent.
	ScreenSearchInput
	ScreenCopyAddInput
	ScreenCustomSize
)

func (s Screen) String() string {
	switch s {
	case ScreenMain:
		return "main"
	case ScreenPortfolio:
		return "portfolio"
	case ScreenOrders:
		return "orders"
	case ScreenWallet:
		return "wallet"
	case ScreenSearch:
		return "search"
	case ScreenCopy:
		return "copy"
	case ScreenSettings:
		return "settings"
	case ScreenMarket:
		return "market"
	case ScreenSizeSelect:
		return "size_select"
	case ScreenPriceSelect:
		return "price_select"
	case ScreenConfirm:
		return "confirm"
	case ScreenExecuting:
		return "executing"
	case ScreenDone:
		return "done"
	case ScreenFailed:
		return "failed"
	case ScreenSearchInput:
		return "search_input"
	case ScreenCopyAddInput:
		return "copy_add_input"
	case ScreenCustomSize:
		return "custom_size"
	}
	return "unknown"
}

// awaitsText reports whether the screen consumes the next free-form text.
func (s Screen) awaitsText() bool {
	switch s {
	case ScreenSearchInput, ScreenCopyAddInput, ScreenCustomSize:
		return true
	}
	return false
}

// maxHistory bounds the back stack.
const maxHistory = 10

// State is one user's menu session. All access goes through the owning
// Service under the per-user lock.
type State struct {
	UserID    string
	ChatID    string
	Platform  string
	Current   Screen
	MessageID string
	history   []Screen

	// Wizard slots.
	SelectedMarket string
	MarketPlatform string
	SelectedToken  string
	OrderSide      string // "buy" or "sell"
	OrderType      string // "market" or "limit"
	OrderSizeUSD   float64
	OrderPrice     float64

	SearchQuery   string
	SearchPage    int
	CopyFilter    string
	PendingWallet string
}

// pushHistory records prev on the back stack. Navigation screens that would
// make back-tracking circular are skipped, as are consecutive duplicates.
func (st *State) pushHistory(prev Screen) {
	if prev == ScreenMain {
		return
	}
	if n := len(st.history); n > 0 && st.history[n-1] == prev {
		return
	}
	st.history = append(st.history, prev)
	if len(st.history) > maxHistory {
		st.history = st.history[len(st.history)-maxHistory:]
	}
}

// popHistory returns the previous screen, or main when the stack is empty.
func (st *State) popHistory() Screen {
	n := len(st.history)
	if n == 0 {
		return ScreenMain
	}
	prev := st.history[n-1]
	st.history = st.history[:n-1]
	return prev
}

// resetWizard clears order-entry slots without touching navigation.
func (st *State) resetWizard() {
	st.SelectedToken = ""
	st.OrderSide = ""
	st.OrderType = ""
	st.OrderSizeUSD = 0
	st.OrderPrice = 0
}

// states is the per-user state table with striped per-user locks.
type states struct {
	mu    sync.Mutex
	byKey map[string]*stateEntry
}

type stateEntry struct {
	mu    sync.Mutex
	state *State
}

func newStates() *states {
	return &states{byKey: make(map[string]*stateEntry)}
}

// acquire returns the user's state with its lock held. Callers must call
// the returned release function.
func (s *states) acquire(platform, userID string) (*State, func()) {
	key := platform + ":" + userID
	s.mu.Lock()
	entry, ok := s.byKey[key]
	if !ok {
		entry = &stateEntry{state: &State{
			UserID:   userID,
			Platform: platform,
			Current:  ScreenMain,
		}}
		s.byKey[key] = entry
	}
	s.mu.Unlock()

	entry.mu.Lock()
	return entry.state, entry.mu.Unlock
}

// clear removes the user's state entirely.
func (s *states) clear(platform, userID string) {
	s.mu.Lock()
	delete(s.byKey, platform+":"+userID)
	s.mu.Unlock()
}
