package services

import (
	"fmt"

	"github.com/osvaldoandrade/tiledetect/internal/detector"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

// Assemble labels raw detector hits. Detector order is kept and nothing is
// dropped; confidence filtering already happened inside the detector.
func Assemble(requestID string, raw []detector.RawDetection) domain.DetectionResult {
	dets := make([]domain.Detection, 0, len(raw))
	for i, r := range raw {
		x1, x2 := r.X1, r.X2
		if x2 < x1 {
			x1, x2 = x2, x1
		}
		y1, y2 := r.Y1, r.Y2
		if y2 < y1 {
			y1, y2 = y2, y1
		}
		dets = append(dets, domain.Detection{
			ID:         i + 1,
			ClassID:    r.ClassID,
			ClassName:  domain.Label(r.ClassID),
			Confidence: r.Confidence,
			BBox: domain.BoundingBox{
				X1: x1, Y1: y1, X2: x2, Y2: y2,
				Width:  x2 - x1,
				Height: y2 - y1,
			},
		})
	}
	return domain.DetectionResult{
		Success:    true,
		RequestID:  requestID,
		Detections: dets,
		Total:      len(dets),
		Summary:    summary(len(dets)),
	}
}

func summary(n int) string {
	if n == 1 {
		return "detected 1 tile"
	}
	return fmt.Sprintf("detected %d tiles", n)
}
