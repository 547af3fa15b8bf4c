package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/histoseg/platform/internal/domain"
)

var metricsHeader = []string{
	"Image", "Polygon", "Area", "Perimeter", "Circularity",
	"Feret Max", "Feret Min", "Equivalent Diameter",
}

// buildMetricsFiles renders the requested metrics formats as archive
// entries keyed by path.
func buildMetricsFiles(metrics []domain.PolygonMetrics, formats []string, micrometers bool) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, f := range formats {
		switch f {
		case domain.MetricsExcel:
			raw, err := buildXLSX(metrics, micrometers)
			if err != nil {
				return nil, err
			}
			out["metrics/metrics.xlsx"] = raw
		case domain.MetricsCSV:
			raw, err := buildCSV(metrics)
			if err != nil {
				return nil, err
			}
			out["metrics/metrics.csv"] = raw
		case domain.MetricsJSON:
			raw, err := json.MarshalIndent(map[string]any{
				"unit":    unitName(micrometers),
				"metrics": metrics,
			}, "", "  ")
			if err != nil {
				return nil, err
			}
			out["metrics/metrics.json"] = raw
		default:
			return nil, fmt.Errorf("unknown metrics format %q: %w", f, domain.ErrInvalidArgument)
		}
	}
	return out, nil
}

func buildXLSX(metrics []domain.PolygonMetrics, micrometers bool) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Metrics"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("metrics xlsx: %w", err)
	}

	header := make([]any, len(metricsHeader))
	for i, h := range metricsHeader {
		header[i] = h
		if i >= 2 {
			header[i] = fmt.Sprintf("%s (%s)", h, unitSuffix(i, micrometers))
		}
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("metrics xlsx: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetRowStyle(sheet, 1, 1, style)
	}

	for i, m := range metrics {
		row := []any{
			m.ImageName, m.PolygonIndex, m.Area, m.Perimeter,
			m.Circularity, m.FeretMax, m.FeretMin, m.EquivDiameter,
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("metrics xlsx: %w", err)
		}
	}
	_ = f.SetColWidth(sheet, "A", "A", 32)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("metrics xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func buildCSV(metrics []domain.PolygonMetrics) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(metricsHeader); err != nil {
		return nil, fmt.Errorf("metrics csv: %w", err)
	}
	for _, m := range metrics {
		rec := []string{
			m.ImageName,
			strconv.Itoa(m.PolygonIndex),
			formatFloat(m.Area),
			formatFloat(m.Perimeter),
			formatFloat(m.Circularity),
			formatFloat(m.FeretMax),
			formatFloat(m.FeretMin),
			formatFloat(m.EquivDiameter),
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("metrics csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("metrics csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func unitName(micrometers bool) string {
	if micrometers {
		return "micrometer"
	}
	return "pixel"
}

// unitSuffix labels area columns squared, length columns linear, and the
// dimensionless circularity column with a dash.
func unitSuffix(col int, micrometers bool) string {
	unit := "px"
	if micrometers {
		unit = "um"
	}
	switch col {
	case 2:
		return unit + "^2"
	case 4:
		return "-"
	default:
		return unit
	}
}
