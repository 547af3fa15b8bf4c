package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/vector"

	"github.com/histoseg/platform/internal/domain"
)

// ringGroup pairs one external ring with the internal rings carved out of
// it, either by explicit parent id or by containment.
type ringGroup struct {
	external domain.Polygon
	internal []domain.Polygon
}

func groupRings(polygons []domain.Polygon) []ringGroup {
	var groups []ringGroup
	index := map[string]int{}
	for _, p := range polygons {
		if p.Type != domain.PolygonInternal && len(p.Points) >= 3 {
			index[p.ID] = len(groups)
			groups = append(groups, ringGroup{external: p})
		}
	}
	for _, p := range polygons {
		if p.Type != domain.PolygonInternal || len(p.Points) < 3 {
			continue
		}
		if i, ok := index[p.ParentID]; ok {
			groups[i].internal = append(groups[i].internal, p)
			continue
		}
		for i := range groups {
			if containsPoint(groups[i].external.Points, p.Points[0]) {
				groups[i].internal = append(groups[i].internal, p)
				break
			}
		}
	}
	return groups
}

// fillWithHoles fills the external ring minus its holes. Non-zero winding
// subtracts the hole when the rings wind in opposite directions, so
// orientations are normalized first.
func fillWithHoles(dst *image.RGBA, external domain.Polygon, holes []domain.Polygon, c color.RGBA) {
	b := dst.Bounds()
	rast := vector.NewRasterizer(b.Dx(), b.Dy())
	addRing(rast, orient(external.Points, +1))
	for _, h := range holes {
		addRing(rast, orient(h.Points, -1))
	}
	rast.Draw(dst, b, image.NewUniform(c), image.Point{})
}

// strokeRing draws the ring outline at full opacity: one quad per edge
// plus a square per vertex standing in for a join.
func strokeRing(dst *image.RGBA, pts []domain.Point, c color.RGBA, width int) {
	if len(pts) < 2 || width < 1 {
		return
	}
	half := float64(width) / 2
	b := dst.Bounds()
	rast := vector.NewRasterizer(b.Dx(), b.Dy())
	for i := range pts {
		p, q := pts[i], pts[(i+1)%len(pts)]
		dx, dy := q.X-p.X, q.Y-p.Y
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		// Perpendicular offset of half the stroke width.
		nx, ny := -dy/l*half, dx/l*half
		rast.MoveTo(float32(p.X+nx), float32(p.Y+ny))
		rast.LineTo(float32(q.X+nx), float32(q.Y+ny))
		rast.LineTo(float32(q.X-nx), float32(q.Y-ny))
		rast.LineTo(float32(p.X-nx), float32(p.Y-ny))
		rast.ClosePath()
	}
	for _, p := range pts {
		rast.MoveTo(float32(p.X-half), float32(p.Y-half))
		rast.LineTo(float32(p.X+half), float32(p.Y-half))
		rast.LineTo(float32(p.X+half), float32(p.Y+half))
		rast.LineTo(float32(p.X-half), float32(p.Y+half))
		rast.ClosePath()
	}
	rast.Draw(dst, b, image.NewUniform(c), image.Point{})
}

func addRing(rast *vector.Rasterizer, pts []domain.Point) {
	if len(pts) < 3 {
		return
	}
	rast.MoveTo(float32(pts[0].X), float32(pts[0].Y))
	for _, p := range pts[1:] {
		rast.LineTo(float32(p.X), float32(p.Y))
	}
	rast.ClosePath()
}

// orient returns the ring wound in the requested direction (+1 counter
// clockwise, -1 clockwise in image coordinates), reversing if needed.
func orient(pts []domain.Point, dir int) []domain.Point {
	area := signedArea(pts)
	if (dir > 0) == (area >= 0) {
		return pts
	}
	rev := make([]domain.Point, len(pts))
	for i, p := range pts {
		rev[len(pts)-1-i] = p
	}
	return rev
}

// signedArea is the shoelace sum; sign encodes winding direction.
func signedArea(pts []domain.Point) float64 {
	var sum float64
	for i := range pts {
		q := pts[(i+1)%len(pts)]
		sum += pts[i].X*q.Y - q.X*pts[i].Y
	}
	return sum / 2
}

func centroid(pts []domain.Point) (float64, float64) {
	a := signedArea(pts)
	if math.Abs(a) < 1e-9 {
		var sx, sy float64
		for _, p := range pts {
			sx += p.X
			sy += p.Y
		}
		n := float64(len(pts))
		return sx / n, sy / n
	}
	var cx, cy float64
	for i := range pts {
		q := pts[(i+1)%len(pts)]
		cross := pts[i].X*q.Y - q.X*pts[i].Y
		cx += (pts[i].X + q.X) * cross
		cy += (pts[i].Y + q.Y) * cross
	}
	return cx / (6 * a), cy / (6 * a)
}

// containsPoint is a ray-casting point-in-polygon test.
func containsPoint(ring []domain.Point, pt domain.Point) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) &&
			pt.X < (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
	}
	return inside
}

func parseHexColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("parse color %q: want #RRGGBB", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("parse color %q: %w", s, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}, nil
}

func withAlpha(c color.RGBA, alpha float64) color.RGBA {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	a := uint8(math.Round(alpha * 255))
	// Premultiplied, as color.RGBA requires.
	return color.RGBA{
		R: uint8(uint16(c.R) * uint16(a) / 255),
		G: uint8(uint16(c.G) * uint16(a) / 255),
		B: uint8(uint16(c.B) * uint16(a) / 255),
		A: a,
	}
}
