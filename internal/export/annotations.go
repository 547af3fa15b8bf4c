package export

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

// exportItem pairs one image with its segmentation for the pipeline.
// Entry is the collision-free file name used for every per-image bundle
// entry; it differs from Image.Name only when two images share a display
// name.
type exportItem struct {
	Image domain.Image
	Seg   domain.Segmentation
	Entry string
}

// buildAnnotations renders the requested annotation formats as archive
// entries keyed by path.
func buildAnnotations(items []exportItem, formats []string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, f := range formats {
		switch f {
		case domain.AnnotationCOCO:
			raw, err := buildCOCO(items)
			if err != nil {
				return nil, err
			}
			out["annotations/annotations_coco.json"] = raw
		case domain.AnnotationJSON:
			raw, err := buildNativeJSON(items)
			if err != nil {
				return nil, err
			}
			out["annotations/annotations.json"] = raw
		case domain.AnnotationYOLO:
			for _, it := range items {
				name := strings.TrimSuffix(it.Entry, extOf(it.Entry))
				out["annotations/yolo/"+name+".txt"] = buildYOLO(it)
			}
			out["annotations/yolo/classes.txt"] = []byte("object\n")
		default:
			return nil, fmt.Errorf("unknown annotation format %q: %w", f, domain.ErrInvalidArgument)
		}
	}
	return out, nil
}

type cocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ID           int         `json:"id"`
	ImageID      int         `json:"image_id"`
	CategoryID   int         `json:"category_id"`
	Segmentation [][]float64 `json:"segmentation"`
	Area         float64     `json:"area"`
	BBox         []float64   `json:"bbox"`
	IsCrowd      int         `json:"iscrowd"`
}

type cocoFile struct {
	Info struct {
		Description string `json:"description"`
		DateCreated string `json:"date_created"`
	} `json:"info"`
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []map[string]any `json:"categories"`
}

func buildCOCO(items []exportItem) ([]byte, error) {
	var doc cocoFile
	doc.Info.Description = "Segmentation export"
	doc.Info.DateCreated = time.Now().UTC().Format(time.RFC3339)
	doc.Categories = []map[string]any{{"id": 1, "name": "object", "supercategory": "object"}}
	doc.Images = []cocoImage{}
	doc.Annotations = []cocoAnnotation{}

	annID := 1
	for i, it := range items {
		imgID := i + 1
		doc.Images = append(doc.Images, cocoImage{
			ID: imgID, FileName: it.Entry, Width: it.Image.Width, Height: it.Image.Height,
		})
		for _, p := range it.Seg.Polygons {
			if p.Type != domain.PolygonExternal || len(p.Points) < 3 {
				continue
			}
			flat := make([]float64, 0, len(p.Points)*2)
			for _, pt := range p.Points {
				flat = append(flat, round2(pt.X), round2(pt.Y))
			}
			x, y, w, h := boundingBox(p.Points)
			doc.Annotations = append(doc.Annotations, cocoAnnotation{
				ID: annID, ImageID: imgID, CategoryID: 1,
				Segmentation: [][]float64{flat},
				Area:         round2(math.Abs(shoelace(p.Points))),
				BBox:         []float64{round2(x), round2(y), round2(w), round2(h)},
			})
			annID++
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// buildYOLO emits one polygon per line: class followed by normalized
// vertex coordinates.
func buildYOLO(it exportItem) []byte {
	var b strings.Builder
	w, h := float64(it.Image.Width), float64(it.Image.Height)
	if w <= 0 || h <= 0 {
		return nil
	}
	for _, p := range it.Seg.Polygons {
		if p.Type != domain.PolygonExternal || len(p.Points) < 3 {
			continue
		}
		b.WriteString("0")
		for _, pt := range p.Points {
			fmt.Fprintf(&b, " %.6f %.6f", clamp01(pt.X/w), clamp01(pt.Y/h))
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

type nativeImage struct {
	ImageID     string           `json:"imageId"`
	ImageName   string           `json:"imageName"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Model       string           `json:"model"`
	Threshold   float64          `json:"threshold"`
	DetectHoles bool             `json:"detectHoles"`
	Polygons    []domain.Polygon `json:"polygons"`
}

func buildNativeJSON(items []exportItem) ([]byte, error) {
	images := make([]nativeImage, 0, len(items))
	for _, it := range items {
		images = append(images, nativeImage{
			ImageID:     it.Image.ID,
			ImageName:   it.Image.Name,
			Width:       it.Image.Width,
			Height:      it.Image.Height,
			Model:       it.Seg.Model,
			Threshold:   it.Seg.Threshold,
			DetectHoles: it.Seg.DetectHoles,
			Polygons:    it.Seg.Polygons,
		})
	}
	return json.MarshalIndent(map[string]any{"images": images}, "", "  ")
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
