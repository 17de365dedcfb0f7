package painter

import (
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/image/font"
)

// WrapText breaks text into lines no wider than maxWidth pixels. Breaks fall
// between grapheme clusters; a cluster wider than maxWidth gets its own line.
// Newlines force a break.
func WrapText(face font.Face, text string, maxWidth int) []string {
	var lines []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		lines = append(lines, wrapLine(face, para, maxWidth)...)
	}
	return lines
}

func wrapLine(face font.Face, text string, maxWidth int) []string {
	if text == "" {
		return nil
	}
	var (
		lines []string
		cur   strings.Builder
	)
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		g := gr.Str()
		test := cur.String() + g
		if cur.Len() == 0 || textWidth(face, test) <= maxWidth {
			cur.WriteString(g)
			continue
		}
		lines = append(lines, cur.String())
		cur.Reset()
		cur.WriteString(g)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

func textWidth(face font.Face, s string) int {
	return font.MeasureString(face, s).Ceil()
}
