package painter

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/vector"
)

// kappa approximates a quarter circle with one cubic Bézier segment.
const kappa = 0.5522847498

// roundedRectMask returns a w×h coverage mask of a rectangle with corner radius r.
func roundedRectMask(w, h int, r float32) *image.Alpha {
	fw, fh := float32(w), float32(h)
	r = min(r, fw/2, fh/2)
	k := r * kappa

	z := vector.NewRasterizer(w, h)
	z.MoveTo(r, 0)
	z.LineTo(fw-r, 0)
	z.CubeTo(fw-r+k, 0, fw, r-k, fw, r)
	z.LineTo(fw, fh-r)
	z.CubeTo(fw, fh-r+k, fw-r+k, fh, fw-r, fh)
	z.LineTo(r, fh)
	z.CubeTo(r-k, fh, 0, fh-r+k, 0, fh-r)
	z.LineTo(0, r)
	z.CubeTo(0, r-k, r-k, 0, r, 0)
	z.ClosePath()

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

// ellipseMask returns a w×h coverage mask of the inscribed ellipse.
func ellipseMask(w, h int) *image.Alpha {
	rx, ry := float32(w)/2, float32(h)/2
	kx, ky := rx*kappa, ry*kappa
	cx, cy := rx, ry

	z := vector.NewRasterizer(w, h)
	z.MoveTo(cx+rx, cy)
	z.CubeTo(cx+rx, cy+ky, cx+kx, cy+ry, cx, cy+ry)
	z.CubeTo(cx-kx, cy+ry, cx-rx, cy+ky, cx-rx, cy)
	z.CubeTo(cx-rx, cy-ky, cx-kx, cy-ry, cx, cy-ry)
	z.CubeTo(cx+kx, cy-ry, cx+rx, cy-ky, cx+rx, cy)
	z.ClosePath()

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

// fillRoundedRect composites a translucent rounded rectangle onto dst.
func fillRoundedRect(dst draw.Image, r image.Rectangle, radius float32, c color.Color) {
	if r.Empty() {
		return
	}
	mask := roundedRectMask(r.Dx(), r.Dy(), radius)
	draw.DrawMask(dst, r, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
}
