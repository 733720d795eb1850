package chat

import "strings"

// markdownV2Specials is the character set Telegram requires escaping for
// MarkdownV2 bodies.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!"

var markdownV2Replacer = buildEscaper(markdownV2Specials)

// legacy Markdown only treats a small subset as metacharacters.
var markdownReplacer = buildEscaper("_*`[")

func buildEscaper(specials string) *strings.Replacer {
	pairs := make([]string, 0, len(specials)*2)
	for _, r := range specials {
		pairs = append(pairs, string(r), `\`+string(r))
	}
	return strings.NewReplacer(pairs...)
}

// EscapeMarkdownV2 escapes untrusted text for injection into a MarkdownV2
// body. External strings (market titles, usernames, error messages) must
// pass through here before rendering.
func EscapeMarkdownV2(s string) string {
	return markdownV2Replacer.Replace(s)
}

// EscapeMarkdown escapes untrusted text for legacy Markdown mode.
func EscapeMarkdown(s string) string {
	return markdownReplacer.Replace(s)
}

// EscapeFor escapes untrusted text for the given parse mode. Plain and
// HTML modes pass through; HTML bodies are built from trusted templates.
func EscapeFor(mode ParseMode, s string) string {
	switch mode {
	case ParseModeMarkdownV2:
		return EscapeMarkdownV2(s)
	case ParseModeMarkdown:
		return EscapeMarkdown(s)
	default:
		return s
	}
}
