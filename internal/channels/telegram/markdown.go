package telegram

import (
	"fmt"
	"regexp"
	"strings"
)

// Telegram's HTML parse mode accepts only a small tag set, so generic
// Markdown must be rewritten rather than passed through. Code spans are
// extracted before any other substitution and restored afterwards so
// their contents are never touched by the inline rules.
var (
	codeBlockPattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9_]*\n?(.*?)```")
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")
	headerPattern     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	blockquotePattern = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	linkPattern       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	boldStarPattern   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderPattern  = regexp.MustCompile(`__(.+?)__`)
	italicStarPattern = regexp.MustCompile(`\*([^*\s](?:[^*\n]*[^*\s])?)\*`)
	italicPattern     = regexp.MustCompile(`(^|[^a-zA-Z0-9])_([^_]+)_($|[^a-zA-Z0-9])`)
	strikePattern     = regexp.MustCompile(`~~(.+?)~~`)
	bulletPattern     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// toTelegramHTML converts Markdown to Telegram-safe HTML.
func toTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	// Protect fenced code blocks.
	var codeBlocks []string
	text = codeBlockPattern.ReplaceAllStringFunc(text, func(m string) string {
		code := codeBlockPattern.FindStringSubmatch(m)[1]
		codeBlocks = append(codeBlocks, code)
		return fmt.Sprintf("\x00CB%d\x00", len(codeBlocks)-1)
	})

	// Protect inline code.
	var inlineCodes []string
	text = inlineCodePattern.ReplaceAllStringFunc(text, func(m string) string {
		code := inlineCodePattern.FindStringSubmatch(m)[1]
		inlineCodes = append(inlineCodes, code)
		return fmt.Sprintf("\x00IC%d\x00", len(inlineCodes)-1)
	})

	// Headers and blockquotes keep only their text.
	text = headerPattern.ReplaceAllString(text, "$1")
	text = blockquotePattern.ReplaceAllString(text, "$1")

	text = htmlEscaper.Replace(text)

	// Links before bold/italic so nested emphasis inside link text survives.
	text = linkPattern.ReplaceAllString(text, `<a href="$2">$1</a>`)

	text = boldStarPattern.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderPattern.ReplaceAllString(text, "<b>$1</b>")

	// *italic* after bold so ** pairs are already consumed; the opening
	// star must not be followed by whitespace, which keeps "* " bullets
	// intact.
	text = italicStarPattern.ReplaceAllString(text, "<i>$1</i>")

	// _italic_ but not some_var_name.
	text = italicPattern.ReplaceAllString(text, "$1<i>$2</i>$3")

	text = strikePattern.ReplaceAllString(text, "<s>$1</s>")

	// Bullet lists.
	text = bulletPattern.ReplaceAllString(text, "• ")

	for i, code := range inlineCodes {
		placeholder := fmt.Sprintf("\x00IC%d\x00", i)
		text = strings.Replace(text, placeholder, "<code>"+htmlEscaper.Replace(code)+"</code>", 1)
	}
	for i, code := range codeBlocks {
		placeholder := fmt.Sprintf("\x00CB%d\x00", i)
		text = strings.Replace(text, placeholder, "<pre><code>"+htmlEscaper.Replace(code)+"</code></pre>", 1)
	}

	return text
}
