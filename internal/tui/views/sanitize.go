package views

import (
	"strings"
	"unicode"
)

// unrenderable lists code points that either break tcell's width accounting
// (emoji modifiers, joiners, selectors) or would reach the terminal as control
// sequences.
var unrenderable = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0000, Hi: 0x0008, Stride: 1},
		{Lo: 0x000B, Hi: 0x001F, Stride: 1},
		{Lo: 0x007F, Hi: 0x009F, Stride: 1},
		{Lo: 0x200D, Hi: 0x200D, Stride: 1},
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F3FB, Hi: 0x1F3FF, Stride: 1},
		{Lo: 0xE0100, Hi: 0xE01EF, Stride: 1},
	},
	LatinOffset: 3,
}

// displayText prepares message content for a terminal cell grid.
func displayText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unrenderable, r) {
			return -1
		}
		return r
	}, s)
}
