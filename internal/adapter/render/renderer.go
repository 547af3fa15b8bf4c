// Package render rasterizes segmentation overlays and thumbnails from
// polygon sets in original-image pixel space.
package render

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "image/gif"

	"github.com/histoseg/platform/internal/domain"
)

const jpegQuality = 85

// Renderer implements domain.Renderer on the CPU. It is safe for
// concurrent use; the export pipeline runs several renders in parallel.
type Renderer struct {
	labels *labelCache
}

// New constructs a Renderer.
func New() *Renderer {
	return &Renderer{labels: newLabelCache()}
}

// RenderOverlay draws the polygons over the source image and writes the
// result to dstPath. External rings are filled translucently with holes
// carved out; every ring is stroked; numbered labels sit at external-ring
// centroids when enabled.
func (r *Renderer) RenderOverlay(ctx domain.Context, srcPath, dstPath string, polygons []domain.Polygon, opts domain.VisualizationOptions) error {
	src, err := decode(srcPath)
	if err != nil {
		return err
	}
	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	if err := r.drawOverlay(ctx, canvas, polygons, opts); err != nil {
		return err
	}
	return encode(dstPath, canvas)
}

// Thumbnail downscales the source image to fit within maxW x maxH,
// preserving aspect ratio. Images already within bounds are copied as-is.
func (r *Renderer) Thumbnail(ctx domain.Context, srcPath, dstPath string, maxW, maxH int) error {
	src, err := decode(srcPath)
	if err != nil {
		return err
	}
	return encode(dstPath, scaleToFit(src, maxW, maxH))
}

// SegmentationThumbnail renders the overlay at full resolution and then
// downscales it, so stroke widths stay proportional to the original.
func (r *Renderer) SegmentationThumbnail(ctx domain.Context, srcPath, dstPath string, polygons []domain.Polygon, opts domain.VisualizationOptions, maxW, maxH int) error {
	src, err := decode(srcPath)
	if err != nil {
		return err
	}
	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)
	if err := r.drawOverlay(ctx, canvas, polygons, opts); err != nil {
		return err
	}
	return encode(dstPath, scaleToFit(canvas, maxW, maxH))
}

func (r *Renderer) drawOverlay(ctx domain.Context, canvas *image.RGBA, polygons []domain.Polygon, opts domain.VisualizationOptions) error {
	extColor, err := parseHexColor(opts.ExternalColor)
	if err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}
	intColor, err := parseHexColor(opts.InternalColor)
	if err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}

	groups := groupRings(polygons)
	for _, g := range groups {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		fillWithHoles(canvas, g.external, g.internal, withAlpha(extColor, opts.Transparency))
		strokeRing(canvas, g.external.Points, extColor, opts.StrokeWidth)
		for _, hole := range g.internal {
			strokeRing(canvas, hole.Points, intColor, opts.StrokeWidth)
		}
	}

	if opts.ShowNumbers {
		for i, g := range groups {
			cx, cy := centroid(g.external.Points)
			r.labels.draw(canvas, fmt.Sprintf("%d", i+1), cx, cy, opts.FontSize, extColor)
		}
	}
	return nil
}

func scaleToFit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src
	}
	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	dw, dh := int(float64(w)*scale), int(float64(h)*scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("render decode %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("render decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func encode(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("render encode: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("render encode: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("render encode %s: %w", filepath.Base(path), err)
	}
	return nil
}
