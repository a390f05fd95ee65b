package tgui

import (
	"html"
	"strings"
)

// ParseModeHTML is the Bot API parse mode for H values.
const ParseModeHTML = "HTML"

// H is HTML that is safe to pass to Telegram with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Concat joins parts without a separator.
func Concat(parts ...H) H {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(string(p))
	}
	return H(sb.String())
}

// Lines joins non-blank parts with newlines.
func Lines(parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, "\n"))
}
