package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"underscore", "BTC_USD", `BTC\_USD`},
		{"full special set", "_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
		{"market title", "Will BTC close > $100k?", `Will BTC close \> $100k?`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeMarkdownV2(tt.in))
		})
	}
}

func TestEscapeFor(t *testing.T) {
	assert.Equal(t, "a.b", EscapeFor(ParseModePlain, "a.b"))
	assert.Equal(t, "a.b", EscapeFor(ParseModeHTML, "a.b"))
	assert.Equal(t, `a\.b`, EscapeFor(ParseModeMarkdownV2, "a.b"))
	assert.Equal(t, `a\_b`, EscapeFor(ParseModeMarkdown, "a_b"))
}
