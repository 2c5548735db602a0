package detector

import (
	"context"
	"image"
	"os"
)

// NewReplayLoader loads replay models: a JSON file in the predictor's output
// format whose detections are returned for every image. It stands in for a
// trained network in development and tests.
func NewReplayLoader() ModelLoader {
	return replayLoader{}
}

type replayLoader struct{}

func (replayLoader) Load(ctx context.Context, ref string) (Model, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, err
	}
	dets, err := ParseDetections(data)
	if err != nil {
		return nil, err
	}
	return &replayModel{detections: dets}, nil
}

type replayModel struct {
	detections []RawDetection
}

// Predict returns the recorded detections clipped to the image bounds.
func (m *replayModel) Predict(ctx context.Context, img image.Image) ([]RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	out := make([]RawDetection, 0, len(m.detections))
	for _, d := range m.detections {
		d.X1 = clamp(d.X1, float64(b.Min.X), float64(b.Max.X))
		d.X2 = clamp(d.X2, float64(b.Min.X), float64(b.Max.X))
		d.Y1 = clamp(d.Y1, float64(b.Min.Y), float64(b.Max.Y))
		d.Y2 = clamp(d.Y2, float64(b.Min.Y), float64(b.Max.Y))
		out = append(out, d)
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
