// Package painter composes the daily fortune poster.
package painter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/rivo/uniseg"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"mew/jrys/internal/jrys/config"
	"mew/jrys/internal/jrys/fortune"
	"mew/jrys/pkg/x/imagex"
)

const (
	wrapWidth    = 1000
	leftPadding  = 20
	jpegQuality  = 85
	maxOverscale = 1.8

	warningStep = 10
	unsignStep  = 15
	maxUnsigned = 3

	glyphCacheSize = 4096

	WarningText = "仅供娱乐 | 相信科学 | 请勿迷信"
	DateLayout  = "2006/01/02"
)

var (
	panelOrigin = image.Pt(0, 1270)
	panelSize   = image.Pt(1080, 700)
	panelRadius = float32(50)
	panelColor  = color.NRGBA{0, 0, 0, 128}
)

var ErrRender = errors.New("painter: render failed")

// Layout is the poster geometry.
type Layout struct {
	Width, Height int
	AvatarPos     image.Point
	AvatarSize    image.Point

	DateY      int
	SummaryY   int
	LuckyStarY int
	SignTextY  int
	UnsignY    int
	WarningY   int
}

func LayoutFrom(o config.Options) Layout {
	l := Layout{
		Width:      o.ImgWidth,
		Height:     o.ImgHeight,
		DateY:      o.DateY,
		SummaryY:   o.SummaryY,
		LuckyStarY: o.LuckyStarY,
		SignTextY:  o.SignTextY,
		UnsignY:    o.UnsignY,
		WarningY:   o.WarningY,
	}
	if len(o.AvatarPosition) == 2 {
		l.AvatarPos = image.Pt(o.AvatarPosition[0], o.AvatarPosition[1])
	}
	if len(o.AvatarSize) == 2 {
		l.AvatarSize = image.Pt(o.AvatarSize[0], o.AvatarSize[1])
	}
	return l
}

// Input is everything one poster needs.
type Input struct {
	UserID         string
	AvatarPath     string
	BackgroundPath string
	Entry          fortune.Entry
	Date           time.Time
}

// Painter is safe for concurrent use.
type Painter struct {
	layout Layout
	fonts  *FontSet
	log    zerolog.Logger
	glyphs *glyphCache
}

func New(layout Layout, fonts *FontSet, log zerolog.Logger) *Painter {
	return &Painter{
		layout: layout,
		fonts:  fonts,
		log:    log,
		glyphs: newGlyphCache(glyphCacheSize),
	}
}

// Render draws the poster and writes it to a new temporary JPEG whose path
// is returned. The caller removes the file.
func (p *Painter) Render(ctx context.Context, in Input) (string, error) {
	if p.fonts == nil {
		return "", fmt.Errorf("%w: no font", ErrRender)
	}
	ff, err := p.fonts.newFaces()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}
	defer ff.Close()

	e := in.Entry
	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}

	unsignY, warningY := p.layout.UnsignY, p.layout.WarningY
	if n := len(WrapText(ff[SizeMeasure], e.UnsignText, wrapWidth)); n > maxUnsigned {
		warningY += (n - maxUnsigned) * warningStep
		unsignY -= (n - maxUnsigned) * unsignStep
	}

	canvas, err := p.background(in.BackgroundPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fillRoundedRect(canvas, image.Rectangle{Min: panelOrigin, Max: panelOrigin.Add(panelSize)}, panelRadius, panelColor)

	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	p.drawText(canvas, ff[SizeDate], SizeDate, date.Format(DateLayout), true, p.layout.DateY, rng)
	p.drawText(canvas, ff[SizeTitle], SizeTitle, e.FortuneSummary, true, p.layout.SummaryY, nil)
	p.drawText(canvas, ff[SizeTitle], SizeTitle, e.LuckyStar, true, p.layout.LuckyStarY, rng)
	p.drawText(canvas, ff[SizeBody], SizeBody, e.SignText, false, p.layout.SignTextY, nil)
	p.drawText(canvas, ff[SizeBody], SizeBody, e.UnsignText, false, unsignY, nil)
	p.drawText(canvas, ff[SizeBody], SizeBody, WarningText, true, warningY, nil)

	if err := p.drawAvatar(canvas, in.AvatarPath); err != nil {
		p.log.Warn().Err(err).Str("user_id", in.UserID).Msg("avatar skipped")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	out, err := writeJPEG(canvas)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}
	return out, nil
}

// background decodes path and fills a Width×Height canvas from its center.
// Small images are upscaled to cover; very large ones are downscaled first.
func (p *Painter) background(path string) (*image.RGBA, error) {
	src, _, err := imagex.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("decode background: %w", err)
	}
	W, H := p.layout.Width, p.layout.Height
	canvas := image.NewRGBA(image.Rect(0, 0, W, H))

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errors.New("empty background")
	}

	scale := coverScale(w, h, W, H)
	if scale == 1 {
		off := image.Pt(b.Min.X+(w-W)/2, b.Min.Y+(h-H)/2)
		draw.Draw(canvas, canvas.Bounds(), src, off, draw.Src)
		return canvas, nil
	}

	// Scale only the source region that lands on the canvas.
	sw := float64(W) / scale
	sh := float64(H) / scale
	x0 := float64(b.Min.X) + (float64(w)-sw)/2
	y0 := float64(b.Min.Y) + (float64(h)-sh)/2
	sr := image.Rect(
		int(math.Floor(x0)), int(math.Floor(y0)),
		int(math.Ceil(x0+sw)), int(math.Ceil(y0+sh)),
	).Intersect(b)
	draw.CatmullRom.Scale(canvas, canvas.Bounds(), src, sr, draw.Src, nil)
	return canvas, nil
}

// coverScale is the resize factor for a w×h image on a W×H canvas. The
// result always covers the canvas.
func coverScale(w, h, W, H int) float64 {
	cover := max(float64(W)/float64(w), float64(H)/float64(h))
	if w < W || h < H {
		return cover
	}
	if float64(w) > float64(W)*maxOverscale || float64(h) > float64(H)*maxOverscale {
		s := min(float64(W)*maxOverscale/float64(w), float64(H)*maxOverscale/float64(h))
		return max(s, cover)
	}
	return 1
}

// drawText draws text wrapped at wrapWidth starting with its first line's top
// at y. rng enables per-grapheme gradients; nil draws plain white.
func (p *Painter) drawText(dst *image.RGBA, face font.Face, size int, text string, center bool, y int, rng *rand.Rand) {
	if text == "" {
		return
	}
	ascent := face.Metrics().Ascent.Ceil()
	spacing := int(float64(size) * 1.5)

	for _, line := range WrapText(face, text, wrapWidth) {
		x := leftPadding
		if center {
			x = (dst.Bounds().Dx() - textWidth(face, line)) / 2
		}
		baseline := y + ascent

		if rng == nil {
			d := font.Drawer{Dst: dst, Src: image.White, Face: face, Dot: fixed.P(x, baseline)}
			d.DrawString(line)
		} else {
			dot := fixed.I(x)
			gr := uniseg.NewGraphemes(line)
			for gr.Next() {
				m := p.glyphs.get(p.fonts.Name(), size, face, gr.Str())
				dot += drawGradientGlyph(dst, m, image.Pt(dot.Round(), baseline), pickColors(rng))
			}
		}
		y += spacing
	}
}

func (p *Painter) drawAvatar(dst *image.RGBA, path string) error {
	if path == "" {
		return errors.New("no avatar")
	}
	size := p.layout.AvatarSize
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("invalid avatar size %v", size)
	}
	src, _, err := imagex.DecodeFile(path)
	if err != nil {
		return fmt.Errorf("decode avatar: %w", err)
	}

	avatar := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.CatmullRom.Scale(avatar, avatar.Bounds(), src, src.Bounds(), draw.Src, nil)

	target := image.Rectangle{Min: p.layout.AvatarPos, Max: p.layout.AvatarPos.Add(size)}
	draw.DrawMask(dst, target, avatar, image.Point{}, ellipseMask(size.X, size.Y), image.Point{}, draw.Over)
	return nil
}

// writeJPEG flattens img over black and stores it in a new temp file.
func writeJPEG(img *image.RGBA) (string, error) {
	f, err := os.CreateTemp("", "jrys-*.jpg")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if err := jpeg.Encode(f, opaque(img), &jpeg.Options{Quality: jpegQuality}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func opaque(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}
