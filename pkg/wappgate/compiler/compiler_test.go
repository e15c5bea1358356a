package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileOrdering(t *testing.T) {
	t.Run("text media text in one block", func(t *testing.T) {
		parts := Compile("A ![x](http://h/i.png) B")

		require.Len(t, parts, 3)
		assert.Equal(t, Part{Kind: KindText, Value: "A"}, parts[0])
		assert.Equal(t, Part{Kind: KindMedia, Value: "http://h/i.png", Caption: "x"}, parts[1])
		assert.Equal(t, Part{Kind: KindText, Value: "B"}, parts[2])
	})

	t.Run("block without media is one text part", func(t *testing.T) {
		parts := Compile("just a plain reply")
		require.Len(t, parts, 1)
		assert.Equal(t, KindText, parts[0].Kind)
		assert.Equal(t, "just a plain reply", parts[0].Value)
	})

	t.Run("blank lines split blocks", func(t *testing.T) {
		parts := Compile("first block\n\nsecond block")
		require.Len(t, parts, 2)
		assert.Equal(t, "first block", parts[0].Value)
		assert.Equal(t, "second block", parts[1].Value)
	})

	t.Run("multiple images keep extraction order", func(t *testing.T) {
		parts := Compile("![a](http://h/a.png) mid ![b](http://h/b.jpg)")
		require.Len(t, parts, 3)
		assert.Equal(t, "http://h/a.png", parts[0].Value)
		assert.Equal(t, "mid", parts[1].Value)
		assert.Equal(t, "http://h/b.jpg", parts[2].Value)
	})
}

func TestCompileMediaExtraction(t *testing.T) {
	t.Run("at-prefixed media URL", func(t *testing.T) {
		parts := Compile("look @http://h/pic.jpg here")
		require.Len(t, parts, 3)
		assert.Equal(t, Part{Kind: KindMedia, Value: "http://h/pic.jpg"}, parts[1])
	})

	t.Run("bare media URL", func(t *testing.T) {
		parts := Compile("see http://h/clip.mp4")
		require.Len(t, parts, 2)
		assert.Equal(t, Part{Kind: KindMedia, Value: "http://h/clip.mp4"}, parts[1])
	})

	t.Run("non-media URL stays text", func(t *testing.T) {
		parts := Compile("docs at http://example.com/page. Read them.")
		require.Len(t, parts, 1)
		assert.Equal(t, KindText, parts[0].Kind)
	})

	t.Run("image URL survives formatting rules intact", func(t *testing.T) {
		// The underscore in the URL must not be eaten by the italic rule.
		parts := Compile("**see** ![chart](http://h/my_chart_v2.png)")
		require.Len(t, parts, 2)
		assert.Equal(t, "*see*", parts[0].Value)
		assert.Equal(t, "http://h/my_chart_v2.png", parts[1].Value)
		assert.Equal(t, "chart", parts[1].Caption)
	})
}

func TestNormalizeMarkup(t *testing.T) {
	t.Run("bold italic strike", func(t *testing.T) {
		got := normalizeMarkup("**bold** and *italic* and ~~strike~~")
		assert.Equal(t, "*bold* and _italic_ and ~strike~", got)
	})

	t.Run("underscore and html bold", func(t *testing.T) {
		assert.Equal(t, "*a*", normalizeMarkup("__a__"))
		assert.Equal(t, "*b*", normalizeMarkup("<b>b</b>"))
		assert.Equal(t, "*c*", normalizeMarkup("<strong>c</strong>"))
	})

	t.Run("html italic and strike", func(t *testing.T) {
		assert.Equal(t, "_a_", normalizeMarkup("<i>a</i>"))
		assert.Equal(t, "_b_", normalizeMarkup("<em>b</em>"))
		assert.Equal(t, "~c~", normalizeMarkup("<s>c</s>"))
	})

	t.Run("headers become bold lines", func(t *testing.T) {
		assert.Equal(t, "*Title*\nbody", normalizeMarkup("## Title\nbody"))
	})

	t.Run("bullets normalize without becoming italic", func(t *testing.T) {
		got := normalizeMarkup("- one\n* two\n• three")
		assert.Equal(t, "• one\n• two\n• three", got)
	})

	t.Run("numbered lists normalize", func(t *testing.T) {
		got := normalizeMarkup("1) first\n2. second")
		assert.Equal(t, "1. first\n2. second", got)
	})

	t.Run("blockquote marker preserved", func(t *testing.T) {
		assert.Equal(t, "> quoted", normalizeMarkup("> quoted"))
		assert.Equal(t, "> quoted", normalizeMarkup("<blockquote>quoted</blockquote>"))
	})

	t.Run("links flatten", func(t *testing.T) {
		assert.Equal(t, "docs (http://h/d)", normalizeMarkup("[docs](http://h/d)"))
	})

	t.Run("residual html stripped", func(t *testing.T) {
		assert.Equal(t, "hello\nworld", normalizeMarkup(`<div>hello<br>world</div>`))
	})

	t.Run("italic with breaking chars left alone", func(t *testing.T) {
		assert.Equal(t, "*v1.2.3*", normalizeMarkup("*v1.2.3*"))
	})
}

func TestCodeProtection(t *testing.T) {
	t.Run("inline code byte-identical", func(t *testing.T) {
		parts := Compile("run `make **all**` now")
		require.Len(t, parts, 1)
		assert.Equal(t, "run `make **all**` now", parts[0].Value)
	})

	t.Run("fenced block byte-identical", func(t *testing.T) {
		src := "before\n```go\na := **not bold**\n- not a bullet\n```\nafter"
		parts := Compile(src)
		require.Len(t, parts, 1)
		assert.Contains(t, parts[0].Value, "```go\na := **not bold**\n- not a bullet\n```")
	})

	t.Run("formatting outside code still applies", func(t *testing.T) {
		parts := Compile("**bold** then `**raw**`")
		require.Len(t, parts, 1)
		assert.Equal(t, "*bold* then `**raw**`", parts[0].Value)
	})
}
