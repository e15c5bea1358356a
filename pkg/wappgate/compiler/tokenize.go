// Package compiler – tokenize.go implements the protection pass: code spans
// and fenced blocks are replaced by placeholders and restored byte-for-byte
// after normalization; markdown image references become media placeholders so
// later formatting rules cannot mangle the embedded URLs.
package compiler

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	imageRe      = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
)

// imageRef is one lifted markdown image.
type imageRef struct {
	url     string
	caption string
}

func codePlaceholder(i int) string  { return fmt.Sprintf("<<<WAPPGATE_CODE_%d>>>", i) }
func mediaPlaceholder(i int) string { return fmt.Sprintf("<<<WAPPGATE_MEDIA_%d>>>", i) }

// mediaPlaceholderRe matches lifted image placeholders during segmentation.
var mediaPlaceholderRe = regexp.MustCompile(`<<<WAPPGATE_MEDIA_(\d+)>>>`)

// protectCode replaces fenced blocks first, then inline spans, recording the
// original bytes for restoreCode.
func protectCode(text string) (string, []string) {
	var codes []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		ph := codePlaceholder(len(codes))
		codes = append(codes, m)
		return ph
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		ph := codePlaceholder(len(codes))
		codes = append(codes, m)
		return ph
	})
	return text, codes
}

// restoreCode puts protected code back, unchanged.
func restoreCode(text string, codes []string) string {
	for i, code := range codes {
		text = strings.Replace(text, codePlaceholder(i), code, 1)
	}
	return text
}

// liftImages extracts ![alt](url) references into an ordered index and leaves
// opaque placeholders behind.
func liftImages(text string) (string, []imageRef) {
	var images []imageRef
	text = imageRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := imageRe.FindStringSubmatch(m)
		ph := mediaPlaceholder(len(images))
		images = append(images, imageRef{url: groups[2], caption: groups[1]})
		return ph
	})
	return text, images
}
