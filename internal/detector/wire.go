package detector

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

type wireBBox struct {
	X1     float64 `json:"x1"`
	Y1     float64 `json:"y1"`
	X2     float64 `json:"x2"`
	Y2     float64 `json:"y2"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type wireDetection struct {
	ID         int      `json:"id"`
	ClassID    int      `json:"class_id"`
	ClassName  string   `json:"class_name"`
	Confidence float64  `json:"confidence"`
	BBox       wireBBox `json:"bbox"`
}

// wireEntry is either an image result carrying a detections list or a bare
// detection.
type wireEntry struct {
	ImagePath       string           `json:"image_path,omitempty"`
	TotalDetections int              `json:"total_detections"`
	Detections      *[]wireDetection `json:"detections"`
	wireDetection
}

type wireResult struct {
	ImagePath       string          `json:"image_path"`
	TotalDetections int             `json:"total_detections"`
	Detections      []wireDetection `json:"detections"`
}

// ParseDetections decodes predictor output. Leading log lines are skipped;
// accepted shapes are a list of image results, a single image result, a
// {"detections": [...]} object or a bare list of detections. Output without
// any JSON value means nothing was detected.
func ParseDetections(data []byte) ([]RawDetection, error) {
	start := bytes.IndexAny(data, "[{")
	if start < 0 {
		return []RawDetection{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data[start:]))

	out := []RawDetection{}
	if data[start] == '[' {
		var entries []wireEntry
		if err := dec.Decode(&entries); err != nil {
			return nil, fmt.Errorf("decode detections: %w", err)
		}
		for _, e := range entries {
			if e.Detections != nil {
				out = appendWire(out, *e.Detections)
				continue
			}
			if e.ImagePath != "" {
				continue
			}
			out = appendWire(out, []wireDetection{e.wireDetection})
		}
		return out, nil
	}

	var e wireEntry
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	if e.Detections == nil {
		return nil, fmt.Errorf("decode detections: object has no detections field")
	}
	return appendWire(out, *e.Detections), nil
}

func appendWire(out []RawDetection, in []wireDetection) []RawDetection {
	for _, d := range in {
		out = append(out, RawDetection{
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			X1:         d.BBox.X1,
			Y1:         d.BBox.Y1,
			X2:         d.BBox.X2,
			Y2:         d.BBox.Y2,
		})
	}
	return out
}

// EncodeDetections renders detections in the predictor's list-of-results form.
func EncodeDetections(imagePath string, dets []RawDetection) ([]byte, error) {
	wire := make([]wireDetection, 0, len(dets))
	for i, d := range dets {
		wire = append(wire, wireDetection{
			ID:         i + 1,
			ClassID:    d.ClassID,
			ClassName:  domain.Label(d.ClassID),
			Confidence: d.Confidence,
			BBox: wireBBox{
				X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2,
				Width:  d.X2 - d.X1,
				Height: d.Y2 - d.Y1,
			},
		})
	}
	res := wireResult{ImagePath: imagePath, TotalDetections: len(wire), Detections: wire}
	return json.MarshalIndent([]wireResult{res}, "", "  ")
}
