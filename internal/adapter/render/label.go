package render

import (
	"fmt"
	"image"
	"image/color"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// labelCache memoizes rendered label patches. Exports redraw the same
// polygon numbers across visualizations and thumbnails, so small counts
// dominate; 100 entries covers them.
type labelCache struct {
	cache *lru.Cache[string, *image.RGBA]
}

func newLabelCache() *labelCache {
	c, _ := lru.New[string, *image.RGBA](100)
	return &labelCache{cache: c}
}

// draw stamps text centered at (cx, cy). The glyphs come from the 13px
// bitmap face rendered once per (text, size, color) and scaled to the
// requested size.
func (lc *labelCache) draw(dst *image.RGBA, text string, cx, cy float64, size int, c color.RGBA) {
	patch := lc.patch(text, size, c)
	b := patch.Bounds()
	x := int(cx) - b.Dx()/2
	y := int(cy) - b.Dy()/2
	draw.Draw(dst, image.Rect(x, y, x+b.Dx(), y+b.Dy()), patch, b.Min, draw.Over)
}

func (lc *labelCache) patch(text string, size int, c color.RGBA) *image.RGBA {
	key := fmt.Sprintf("%s|%d|%02x%02x%02x", text, size, c.R, c.G, c.B)
	if p, ok := lc.cache.Get(key); ok {
		return p
	}

	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	h := face.Metrics().Height.Ceil()
	raw := image.NewRGBA(image.Rect(0, 0, w, h))
	d := font.Drawer{
		Dst:  raw,
		Src:  image.NewUniform(color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xFF}),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	patch := raw
	if size > 0 && size != h {
		sw := w * size / h
		if sw < 1 {
			sw = 1
		}
		patch = image.NewRGBA(image.Rect(0, 0, sw, size))
		draw.CatmullRom.Scale(patch, patch.Bounds(), raw, raw.Bounds(), draw.Src, nil)
	}
	lc.cache.Add(key, patch)
	return patch
}
