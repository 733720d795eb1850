package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/polyterm/polyterm/commands"
	"github.com/polyterm/polyterm/menu"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat"
)

// registerCommands wires the default slash commands into the registry.
func (g *Gateway) registerCommands() {
	g.registry.Register("start", "Link a wallet or open the main menu", g.cmdStart)
	g.registry.Register("menu", "Open the trading menu", g.cmdMenu)
	g.registry.Register("new", "Start a new conversation", g.cmdNew)
	g.registry.Register("pair", "Request access to this bot", g.cmdPair)
	g.registry.Register("unpair", "Remove your pairing", g.cmdUnpair)
	g.registry.Register("whoami", "Show your pairing and wallet status", g.cmdWhoami)
}

// cmdStart handles both the bare /start and the deep-link form
// "/start <code>". The code is either a user pairing code or a wallet
// pairing code; a live code is exactly one of the two.
func (g *Gateway) cmdStart(ctx context.Context, msg *chat.Message, args string) (*commands.Reply, error) {
	code := strings.ToUpper(strings.TrimSpace(args))
	if code == "" {
		return g.cmdMenu(ctx, msg, "")
	}
	if !pairing.CodePattern.MatchString(code) {
		return &commands.Reply{Text: "That doesn't look like a pairing code. Open the web terminal to generate one."}, nil
	}

	req, err := g.pairing.ValidateCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if req != nil {
		if req.Channel == string(msg.Platform) && req.UserID == msg.UserID {
			return &commands.Reply{Text: "✅ Paired. Use /menu to start trading."}, nil
		}
		return &commands.Reply{Text: "That code belongs to a different pairing request."}, nil
	}

	link, err := g.pairing.ValidateWalletPairingCode(ctx, string(msg.Platform), msg.UserID, code)
	if err != nil {
		return &commands.Reply{Text: "That code is invalid or expired. Generate a new one in the web terminal."}, nil
	}
	return &commands.Reply{
		Text: fmt.Sprintf("Wallet linked: %s\nYou can now trade from this chat. Use /menu to get started.", shortWallet(link.WalletAddress)),
	}, nil
}

func (g *Gateway) cmdMenu(ctx context.Context, msg *chat.Message, args string) (*commands.Reply, error) {
	res := g.menu.HandleStart(ctx, string(msg.Platform), msg.ChatID, msg.UserID)
	return menuReply(res), nil
}

func (g *Gateway) cmdNew(ctx context.Context, msg *chat.Message, args string) (*commands.Reply, error) {
	g.sessions.Reset(string(msg.Platform), msg.ChatID, msg.UserID)
	g.menu.ClearState(string(msg.Platform), msg.UserID)
	return &commands.Reply{Text: "Started a new conversation."}, nil
}

func (g *Gateway) cmdPair(ctx context.Context, msg *chat.Message, args string) (*commands.Reply, error) {
	req, err := g.pairing.CreatePairingRequest(ctx, string(msg.Platform), msg.UserID, msg.Username)
	switch {
	case err == pairing.ErrAlreadyPaired:
		return &commands.Reply{Text: "You're already paired."}, nil
	case err == pairing.ErrTooManyPending:
		return &commands.Reply{Text: "Too many pending requests right now. Try again later."}, nil
	case err != nil:
		return nil, err
	}
	return &commands.Reply{
		Text: fmt.Sprintf("Your pairing code is %s. Ask the operator to approve it, or enter it in the web terminal.", req.Code),
	}, nil
}

func (g *Gateway) cmdUnpair(ctx context.Context, msg *chat.Message, args string) (*commands.Reply, error) {
	removed, err := g.pairing.Unpair(ctx, string(msg.Platform), msg.UserID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return &commands.Reply{Text: "You weren't paired."}, nil
	}
	return &commands.Reply{Text: "Pairing removed."}, nil
}

func (g *Gateway) cmdWhoami(ctx context.Context, msg *chat.Message, args string) (*commands.Reply, error) {
	platform := string(msg.Platform)
	trust, err := g.pairing.GetTrustLevel(ctx, platform, msg.UserID)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trust level: %s\n", trust)
	wallet, err := g.pairing.GetWalletForChatUser(ctx, platform, msg.UserID)
	if err == nil && wallet != "" {
		fmt.Fprintf(&sb, "Linked wallet: %s\n", shortWallet(wallet))
	} else {
		sb.WriteString("No wallet linked. Use /start <code> with a code from the web terminal.\n")
	}
	return &commands.Reply{Text: strings.TrimRight(sb.String(), "\n")}, nil
}

func menuReply(res *menu.Result) *commands.Reply {
	if res == nil {
		return nil
	}
	return &commands.Reply{Text: res.Text, Buttons: res.Buttons, ParseMode: res.ParseMode}
}

func shortWallet(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
