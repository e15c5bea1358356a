// Package compiler turns one AI reply string into an ordered sequence of
// WhatsApp-deliverable parts. The target channel has no native rich-markup
// support, so generic markdown/HTML is rewritten into WhatsApp's inline
// dialect and embedded media references become separate attachment parts.
//
// The pipeline is four explicit passes, in a fixed order:
//  1. tokenize  — protect code spans/blocks byte-for-byte, then lift
//     markdown image references out as opaque placeholders
//  2. normalize — rewrite markup into WhatsApp's dialect
//  3. segment   — split into blocks and extract media parts
//  4. deliver   — pace the parts out through a session (deliver.go)
package compiler

import "strings"

// Kind discriminates the part types.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// Part is one deliverable unit. Order of extraction is order of delivery.
type Part struct {
	Kind Kind

	// Value is the literal text (KindText) or resolved URL (KindMedia).
	Value string

	// Caption accompanies media parts only.
	Caption string
}

// Compile runs the text passes and returns the ordered part list. A reply
// with no media yields one text part per blank-line-separated block.
func Compile(text string) []Part {
	protected, codes := protectCode(text)
	lifted, images := liftImages(protected)
	normalized := normalizeMarkup(lifted)
	normalized = restoreCode(normalized, codes)
	return segment(normalized, images)
}

// joinText is a test convenience: the concatenated text of all text parts.
func joinText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == KindText {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(p.Value)
		}
	}
	return b.String()
}
