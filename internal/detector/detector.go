// Package detector invokes tile detectors. Implementations run an external
// predictor, call a remote inference service or evaluate a model in process.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/backoff"
	"github.com/osvaldoandrade/tiledetect/internal/providers"
	"github.com/osvaldoandrade/tiledetect/pkg/config"
)

// Invocation is one detector call. OutputDir is the run directory the
// detector may write artifacts into.
type Invocation struct {
	RequestID     string
	ImagePath     string
	ModelRef      string
	Confidence    float64
	OutputDir     string
	SaveArtifacts bool
}

// RawDetection is a detector hit before labelling.
type RawDetection struct {
	ClassID    int
	Confidence float64
	X1         float64
	Y1         float64
	X2         float64
	Y2         float64
}

type Output struct {
	Detections       []RawDetection
	ArtifactsWritten bool
	Stdout           string
	Stderr           string
}

type Detector interface {
	Name() string
	Detect(ctx context.Context, inv Invocation) (*Output, error)
	Health(ctx context.Context) error
}

// New builds the detector selected by cfg.Kind.
func New(cfg config.DetectorConfig, writer providers.ArtifactWriter, logger *slog.Logger) (Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "exec":
		return NewExecDetector(cfg.Executable, cfg.ExtraArgs, time.Duration(cfg.KillGraceSeconds)*time.Second, logger), nil
	case "http":
		policy := backoff.Policy{
			Name: cfg.RetryPolicy,
			Base: time.Duration(cfg.RetryBaseMillis) * time.Millisecond,
			Max:  time.Duration(cfg.RetryMaxMillis) * time.Millisecond,
		}
		return NewHTTPDetector(cfg.InferenceURL, nil, writer, logger).WithRetry(cfg.Retries, policy), nil
	case "inprocess":
		return NewInProcessDetector(NewReplayLoader(), writer, logger), nil
	}
	return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
}
