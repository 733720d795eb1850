// Package menu implements the callback-driven inline-keyboard state
// machine: per-user navigation state, the colon-delimited token protocol,
// and the order-entry wizard.
package menu

import (
	"fmt"
	"strings"
)

// MaxTokenBytes is the hard budget for an emitted callback token,
// separators included.
const MaxTokenBytes = 64

// Action is the leading segment of a callback token. The set is closed:
// parsing anything else fails.
type Action string

const (
	ActionMenu     Action = "menu"
	ActionSearch   Action = "search"
	ActionMarket   Action = "market"
	ActionBuy      Action = "buy"
	ActionSell     Action = "sell"
	ActionLimitBuy Action = "limitb"
	ActionLimitSel Action = "limits"
	ActionOrder    Action = "order"
	ActionPos      Action = "pos"
	ActionCancel   Action = "cancel"
	ActionOrders   Action = "orders"
	ActionWallet   Action = "wallet"
	ActionCopy     Action = "copy"
	ActionRefresh  Action = "refresh"
	ActionBack     Action = "back"
	ActionNoop     Action = "noop"
	ActionFind     Action = "find"
	ActionQuickbuy Action = "quickbuy"
)

var knownActions = map[Action]bool{
	ActionMenu: true, ActionSearch: true, ActionMarket: true,
	ActionBuy: true, ActionSell: true, ActionLimitBuy: true,
	ActionLimitSel: true, ActionOrder: true, ActionPos: true,
	ActionCancel: true, ActionOrders: true, ActionWallet: true,
	ActionCopy: true, ActionRefresh: true, ActionBack: true,
	ActionNoop: true, ActionFind: true, ActionQuickbuy: true,
}

// Token is a decoded callback token: an action plus positional params.
type Token struct {
	Action Action
	Params []string
}

// Param returns the i-th param or empty.
func (t Token) Param(i int) string {
	if i < 0 || i >= len(t.Params) {
		return ""
	}
	return t.Params[i]
}

// ParseToken decodes a callback string. Fails on an unknown action or an
// oversized token; params are never validated here.
func ParseToken(s string) (Token, error) {
	if s == "" {
		return Token{}, fmt.Errorf("empty callback token")
	}
	if len(s) > MaxTokenBytes {
		return Token{}, fmt.Errorf("callback token exceeds %d bytes", MaxTokenBytes)
	}
	parts := strings.Split(s, ":")
	action := Action(parts[0])
	if !knownActions[action] {
		return Token{}, fmt.Errorf("unknown callback action %q", parts[0])
	}
	return Token{Action: action, Params: parts[1:]}, nil
}

// EncodeToken builds `action:p1:p2:...`, truncating the LAST param as needed
// to stay inside the 64-byte budget. Earlier params are never touched; ids
// that must survive round-trips go first.
func EncodeToken(action Action, params ...string) string {
	s := string(action)
	for i, p := range params {
		candidate := s + ":" + p
		if len(candidate) <= MaxTokenBytes {
			s = candidate
			continue
		}
		if i == len(params)-1 {
			room := MaxTokenBytes - len(s) - 1
			if room > 0 {
				s = s + ":" + p[:room]
			}
		}
		break
	}
	return s
}
