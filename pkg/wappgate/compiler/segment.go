// Package compiler – segment.go implements the final text pass: the
// normalized reply is split into blocks on blank lines, and each block is
// scanned left-to-right for media references. Everything between matches
// becomes a text part; matches become media parts in extraction order.
package compiler

import (
	"regexp"
	"strconv"
	"strings"
)

// mediaExtensions are the URL suffixes delivered as attachments.
const mediaExtensions = `png|jpe?g|gif|webp|mp4|mp3|ogg|opus|pdf`

var (
	blockSplitRe = regexp.MustCompile(`\n\s*\n`)

	// mediaScanRe matches, in priority order: lifted image placeholders,
	// @-prefixed media URLs, bare media URLs.
	mediaScanRe = regexp.MustCompile(
		`<<<WAPPGATE_MEDIA_\d+>>>|@https?://\S+?\.(?:` + mediaExtensions + `)\b|https?://\S+?\.(?:` + mediaExtensions + `)\b`)
)

// segment produces the ordered part list for a normalized reply.
func segment(text string, images []imageRef) []Part {
	var parts []Part
	for _, block := range blockSplitRe.Split(text, -1) {
		parts = append(parts, segmentBlock(block, images)...)
	}
	return parts
}

// segmentBlock scans one block. A block with no media yields a single text
// part; an empty block yields nothing.
func segmentBlock(block string, images []imageRef) []Part {
	var parts []Part
	appendText := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, Part{Kind: KindText, Value: s})
		}
	}

	last := 0
	for _, loc := range mediaScanRe.FindAllStringIndex(block, -1) {
		appendText(block[last:loc[0]])
		parts = append(parts, resolveMedia(block[loc[0]:loc[1]], images))
		last = loc[1]
	}
	appendText(block[last:])
	return parts
}

// resolveMedia turns one match into a media part, mapping placeholders back
// to their recorded URL and caption.
func resolveMedia(match string, images []imageRef) Part {
	if groups := mediaPlaceholderRe.FindStringSubmatch(match); groups != nil {
		idx, err := strconv.Atoi(groups[1])
		if err == nil && idx < len(images) {
			return Part{Kind: KindMedia, Value: images[idx].url, Caption: images[idx].caption}
		}
		// Unknown placeholder index; deliver the token as text rather than
		// dropping content.
		return Part{Kind: KindText, Value: match}
	}
	return Part{Kind: KindMedia, Value: strings.TrimPrefix(match, "@")}
}
