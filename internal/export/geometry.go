package export

import (
	"math"
	"sort"

	"github.com/histoseg/platform/internal/domain"
)

// computeMetrics measures every external polygon of the segmentation.
// Hole areas are subtracted from their enclosing ring; scale converts
// pixels to micrometers (lengths by scale, areas by scale squared).
func computeMetrics(img domain.Image, seg domain.Segmentation, scale float64) []domain.PolygonMetrics {
	if scale <= 0 {
		scale = 1
	}
	holesByParent := map[string][]domain.Polygon{}
	var externals []domain.Polygon
	for _, p := range seg.Polygons {
		if len(p.Points) < 3 {
			continue
		}
		if p.Type == domain.PolygonInternal {
			holesByParent[p.ParentID] = append(holesByParent[p.ParentID], p)
			continue
		}
		externals = append(externals, p)
	}

	out := make([]domain.PolygonMetrics, 0, len(externals))
	for i, p := range externals {
		area := math.Abs(shoelace(p.Points))
		for _, h := range holesByParent[p.ID] {
			area -= math.Abs(shoelace(h.Points))
		}
		if area < 0 {
			area = 0
		}
		perim := perimeter(p.Points)
		fMax, fMin := feretDiameters(p.Points)

		circularity := 0.0
		if perim > 0 {
			circularity = 4 * math.Pi * area / (perim * perim)
			if circularity > 1 {
				circularity = 1
			}
		}

		out = append(out, domain.PolygonMetrics{
			ImageID:       img.ID,
			ImageName:     img.Name,
			PolygonIndex:  i + 1,
			Area:          area * scale * scale,
			Perimeter:     perim * scale,
			Circularity:   circularity,
			FeretMax:      fMax * scale,
			FeretMin:      fMin * scale,
			EquivDiameter: 2 * math.Sqrt(area/math.Pi) * scale,
		})
	}
	return out
}

func shoelace(pts []domain.Point) float64 {
	var sum float64
	for i := range pts {
		q := pts[(i+1)%len(pts)]
		sum += pts[i].X*q.Y - q.X*pts[i].Y
	}
	return sum / 2
}

func perimeter(pts []domain.Point) float64 {
	var sum float64
	for i := range pts {
		q := pts[(i+1)%len(pts)]
		sum += math.Hypot(q.X-pts[i].X, q.Y-pts[i].Y)
	}
	return sum
}

// feretDiameters returns the max and min caliper diameters. Max is the
// hull diameter; min is the smallest hull width across its edges.
func feretDiameters(pts []domain.Point) (float64, float64) {
	hull := convexHull(pts)
	if len(hull) < 2 {
		return 0, 0
	}
	var fMax float64
	for i := 0; i < len(hull); i++ {
		for j := i + 1; j < len(hull); j++ {
			d := math.Hypot(hull[j].X-hull[i].X, hull[j].Y-hull[i].Y)
			if d > fMax {
				fMax = d
			}
		}
	}
	if len(hull) == 2 {
		return fMax, 0
	}
	fMin := math.Inf(1)
	for i := range hull {
		a, b := hull[i], hull[(i+1)%len(hull)]
		ex, ey := b.X-a.X, b.Y-a.Y
		l := math.Hypot(ex, ey)
		if l == 0 {
			continue
		}
		var width float64
		for _, p := range hull {
			d := math.Abs((p.X-a.X)*ey-(p.Y-a.Y)*ex) / l
			if d > width {
				width = d
			}
		}
		if width < fMin {
			fMin = width
		}
	}
	if math.IsInf(fMin, 1) {
		fMin = 0
	}
	return fMax, fMin
}

// convexHull is Andrew's monotone chain.
func convexHull(pts []domain.Point) []domain.Point {
	if len(pts) < 3 {
		out := make([]domain.Point, len(pts))
		copy(out, pts)
		return out
	}
	sorted := make([]domain.Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})

	cross := func(o, a, b domain.Point) float64 {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}
	var lower, upper []domain.Point
	for _, p := range sorted {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}
	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}

// boundingBox returns x, y, width, height of the ring.
func boundingBox(pts []domain.Point) (float64, float64, float64, float64) {
	if len(pts) == 0 {
		return 0, 0, 0, 0
	}
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := minX, minY
	for _, p := range pts[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return minX, minY, maxX - minX, maxY - minY
}
