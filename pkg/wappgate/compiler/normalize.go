// Package compiler – normalize.go rewrites generic markdown/HTML into
// WhatsApp's inline dialect: *bold*, _italic_, ~strikethrough~, • bullets.
// Code content is already protected by the tokenize pass, so the rules here
// never touch it. Bullet markers go through a neutral sentinel so the list
// rule cannot collide with the italic rule.
package compiler

import (
	"regexp"
	"strings"
)

const (
	bulletSentinel = "<<<WAPPGATE_BULLET>>>"

	// boldSentinel marks converted bold runs so the italic rule cannot
	// reinterpret them as single-asterisk emphasis.
	boldSentinel = "<<<WAPPGATE_BOLD>>>"
)

var (
	headerRe     = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_]+)__`)
	boldHTMLRe   = regexp.MustCompile(`(?is)<(?:b|strong)>(.*?)</(?:b|strong)>`)
	italicHTMLRe = regexp.MustCompile(`(?is)<(?:i|em)>(.*?)</(?:i|em)>`)
	strikeMDRe   = regexp.MustCompile(`~~([^~]+)~~`)
	strikeHTMLRe = regexp.MustCompile(`(?is)<(?:s|del|strike)>(.*?)</(?:s|del|strike)>`)
	quoteHTMLRe  = regexp.MustCompile(`(?is)<blockquote>\s*(.*?)\s*</blockquote>`)
	bulletRe     = regexp.MustCompile(`(?m)^(\s*)[-•*]\s+`)
	numberedRe   = regexp.MustCompile(`(?m)^(\s*)(\d+)[.)]\s+`)
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	htmlBreakRe  = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlTagRe    = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(?:\s[^<>]*)?>`)
	italicStarRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	hruleRe      = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
)

// normalizeMarkup applies the dialect rules in their required order: bold
// before italic (so ** never reads as two italics), bullets before italic
// (so "* item" never reads as an italic opener), sentinel restored last.
func normalizeMarkup(text string) string {
	// Headers become a bold line.
	text = headerRe.ReplaceAllString(text, boldSentinel+"$2"+boldSentinel)

	// Horizontal rules would otherwise normalize into empty bullets.
	text = hruleRe.ReplaceAllString(text, "───────")

	// Bold variants collapse to single-asterisk emphasis, held behind the
	// sentinel until the italic rule has run.
	text = boldStarRe.ReplaceAllString(text, boldSentinel+"$1"+boldSentinel)
	text = boldUnderRe.ReplaceAllString(text, boldSentinel+"$1"+boldSentinel)
	text = boldHTMLRe.ReplaceAllString(text, boldSentinel+"$1"+boldSentinel)

	// Strikethrough variants collapse to tilde.
	text = strikeMDRe.ReplaceAllString(text, "~$1~")
	text = strikeHTMLRe.ReplaceAllString(text, "~$1~")

	// Blockquotes keep their leading marker; HTML form gains one.
	text = quoteHTMLRe.ReplaceAllString(text, "> $1")

	// List markers move behind the sentinel before the italic rule runs.
	text = bulletRe.ReplaceAllString(text, "$1"+bulletSentinel+" ")
	text = numberedRe.ReplaceAllString(text, "$1$2. ")

	// Italic: single-asterisk and HTML forms become underscore emphasis.
	// Converted bold sits behind the sentinel, so a *x* match here is
	// genuine italic. Runs containing characters that break WhatsApp's
	// underscore rendering are left as-is.
	text = italicStarRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := m[1 : len(m)-1]
		if strings.ContainsAny(inner, "-_/\\@#.") {
			return m
		}
		return "_" + inner + "_"
	})
	text = italicHTMLRe.ReplaceAllString(text, "_${1}_")

	// Links flatten to "text (url)".
	text = linkRe.ReplaceAllString(text, "$1 ($2)")

	// Residual HTML: <br> to newline, every other tag stripped.
	text = htmlBreakRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")

	// Restore sentinels after every other substitution.
	text = strings.ReplaceAll(text, boldSentinel, "*")
	text = strings.ReplaceAll(text, bulletSentinel, "•")

	return strings.TrimSpace(text)
}
