package render

import (
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"inkcal/internal/refresh"
)

const (
	padX = 4
	padY = 2
)

// Frame draws the section texts onto a fresh white canvas sized to the
// layout. Each section is clipped to its own region, so a partial repaint
// of a region always carries every pixel that section put on the glass.
func Frame(sections map[string]string, layout *refresh.Layout) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, layout.Width(), layout.Height()))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	for i, s := range layout.Sections() {
		if i > 0 {
			hline(img, s.Region.Y, layout.Width())
		}
		drawTextBlock(img, s.Region, sections[s.Name])
	}
	return img
}

// hline draws a 1px separator across the full panel width.
func hline(img *image.NRGBA, y, width int) {
	for x := 0; x < width; x++ {
		img.Set(x, y, color.Black)
	}
}

// drawTextBlock renders text line by line inside r. Lines that would not
// fit the region width are cut at the last whole glyph, and lines past
// the bottom edge are dropped.
func drawTextBlock(img *image.NRGBA, r refresh.Region, text string) {
	if text == "" {
		return
	}
	clip := img.SubImage(image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)).(*image.NRGBA)
	face := basicfont.Face7x13
	metrics := face.Metrics()
	d := font.Drawer{
		Dst:  clip,
		Src:  image.Black,
		Face: face,
	}
	adv, _ := face.GlyphAdvance('M')
	maxChars := (r.Width - 2*padX) / adv.Ceil()
	ascent := metrics.Ascent.Ceil()
	lineH := metrics.Height.Ceil()
	y := r.Y + padY + ascent
	for _, line := range strings.Split(text, "\n") {
		if y-ascent >= r.Y+r.Height {
			break
		}
		d.Dot = fixed.P(r.X+padX, y)
		d.DrawString(cutLine(line, maxChars))
		y += lineH
	}
}

func cutLine(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
