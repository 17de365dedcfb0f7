package painter

import (
	"image"
	"image/color"
	"image/draw"
	"math/rand/v2"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

var palette = []color.RGBA{
	{255, 250, 205, 255},
	{173, 216, 230, 255},
	{221, 160, 221, 255},
	{255, 182, 193, 255},
	{240, 230, 140, 255},
	{224, 255, 255, 255},
	{245, 245, 220, 255},
	{230, 230, 250, 255},
}

const gradientStops = 4

// pickColors draws gradient stops from the palette without replacement.
func pickColors(r *rand.Rand) []color.RGBA {
	idx := r.Perm(len(palette))[:gradientStops]
	out := make([]color.RGBA, len(idx))
	for i, j := range idx {
		out[i] = palette[j]
	}
	return out
}

// hGradient is an opaque horizontal gradient spanning [minX, minX+width).
type hGradient struct {
	stops []color.RGBA
	minX  int
	width int
}

func (g hGradient) ColorModel() color.Model { return color.RGBAModel }

func (g hGradient) Bounds() image.Rectangle {
	return image.Rect(-1e9, -1e9, 1e9, 1e9)
}

func (g hGradient) At(x, _ int) color.Color {
	n := len(g.stops)
	if n == 0 {
		return color.White
	}
	if n == 1 || g.width <= 1 {
		return g.stops[0]
	}
	t := float64(x-g.minX) / float64(g.width-1)
	t = min(max(t, 0), 1)
	seg := t * float64(n-1)
	i := min(int(seg), n-2)
	f := seg - float64(i)
	a, b := g.stops[i], g.stops[i+1]
	lerp := func(p, q uint8) uint8 { return uint8(float64(p) + (float64(q)-float64(p))*f) }
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}

type glyphKey struct {
	font     string
	size     int
	grapheme string
}

// glyphMask is a grapheme rendered at dot (0,0).
type glyphMask struct {
	mask    *image.Alpha
	advance fixed.Int26_6
}

type glyphCache struct {
	c *lru.Cache[glyphKey, *glyphMask]
}

func newGlyphCache(size int) *glyphCache {
	c, err := lru.New[glyphKey, *glyphMask](size)
	if err != nil {
		return &glyphCache{}
	}
	return &glyphCache{c: c}
}

func (gc *glyphCache) get(fontName string, size int, face font.Face, g string) *glyphMask {
	key := glyphKey{font: fontName, size: size, grapheme: g}
	if gc.c != nil {
		if m, ok := gc.c.Get(key); ok {
			return m
		}
	}
	m := renderGlyph(face, g)
	if gc.c != nil {
		gc.c.Add(key, m)
	}
	return m
}

func renderGlyph(face font.Face, g string) *glyphMask {
	bounds, advance := font.BoundString(face, g)
	r := image.Rect(bounds.Min.X.Floor(), bounds.Min.Y.Floor(), bounds.Max.X.Ceil(), bounds.Max.Y.Ceil())
	mask := image.NewAlpha(r)
	if !r.Empty() {
		d := font.Drawer{Dst: mask, Src: image.Opaque, Face: face}
		d.DrawString(g)
	}
	return &glyphMask{mask: mask, advance: advance}
}

// drawGradientGlyph paints m with a fresh gradient at dot and returns the
// glyph's advance.
func drawGradientGlyph(dst draw.Image, m *glyphMask, dot image.Point, colors []color.RGBA) fixed.Int26_6 {
	r := m.mask.Rect
	if r.Empty() {
		return m.advance
	}
	target := r.Add(dot)
	src := hGradient{stops: colors, minX: target.Min.X, width: target.Dx()}
	draw.DrawMask(dst, target, src, target.Min, m.mask, r.Min, draw.Over)
	return m.advance
}
