package format

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MarkdownV1 denotes Telegram markdown version 1.
	MarkdownV1 = 1
	// MarkdownV2 denotes Telegram markdown version 2.
	MarkdownV2 = 2
)

var (
	mdV1Re = regexp.MustCompile("([_*`\\[])")
	mdV2Re = regexp.MustCompile(`([\\_*\[\]()~` + "`" + `>#+\-=|{}.!])`)
	// inside pre and code entities only ` and \ are special
	mdV2CodeRe = regexp.MustCompile("([`\\\\])")
)

// EscapeMarkdown escapes special characters for MarkdownV1 or V2. entityType
// "pre" or "code" selects the reduced V2 set used inside code spans.
func EscapeMarkdown(text string, version int, entityType string) (string, error) {
	switch version {
	case MarkdownV1:
		return mdV1Re.ReplaceAllString(text, `\$1`), nil
	case MarkdownV2:
		if entityType == "pre" || entityType == "code" {
			return mdV2CodeRe.ReplaceAllString(text, `\$1`), nil
		}
		return mdV2Re.ReplaceAllString(text, `\$1`), nil
	}
	return "", fmt.Errorf("unsupported markdown version: %d", version)
}

// V2 escapes text for MarkdownV2 outside code entities.
func V2(text string) string {
	out, _ := EscapeMarkdown(text, MarkdownV2, "")
	return out
}

// CommandError renders the MarkdownV2 report sent when a command fails.
func CommandError(command, pattern, message string) string {
	code, _ := EscapeMarkdown(message, MarkdownV2, "code")
	var b strings.Builder
	b.WriteString("❌ *Command Error*\n\n")
	b.WriteString("*Command:* ")
	b.WriteString(V2(command))
	b.WriteString("\n*Pattern:* ")
	b.WriteString(V2(pattern))
	b.WriteString("\n\n```\n")
	b.WriteString(code)
	b.WriteString("\n```")
	return b.String()
}
