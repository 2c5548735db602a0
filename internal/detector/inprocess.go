package detector

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"sync"

	"github.com/osvaldoandrade/tiledetect/internal/providers"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

// Model evaluates a decoded image.
type Model interface {
	Predict(ctx context.Context, img image.Image) ([]RawDetection, error)
}

// ModelLoader turns a model reference into a ready Model.
type ModelLoader interface {
	Load(ctx context.Context, ref string) (Model, error)
}

// InProcessDetector evaluates models inside the server process. Models are
// loaded once per reference and reused across requests.
type InProcessDetector struct {
	loader ModelLoader
	writer providers.ArtifactWriter
	logger *slog.Logger

	mu     sync.Mutex
	models map[string]Model
}

func NewInProcessDetector(loader ModelLoader, writer providers.ArtifactWriter, logger *slog.Logger) *InProcessDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessDetector{loader: loader, writer: writer, logger: logger, models: make(map[string]Model)}
}

func (d *InProcessDetector) Name() string { return "inprocess" }

func (d *InProcessDetector) model(ctx context.Context, ref string) (Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.models[ref]; ok {
		return m, nil
	}
	if err := checkModel(ref); err != nil {
		return nil, err
	}
	m, err := d.loader.Load(ctx, ref)
	if err != nil {
		return nil, domain.InvocationError(domain.CodeModelNotFound, err, "load model %s", ref)
	}
	d.models[ref] = m
	d.logger.Info("model loaded", "model", ref)
	return m, nil
}

func (d *InProcessDetector) Detect(ctx context.Context, inv Invocation) (*Output, error) {
	m, err := d.model(ctx, inv.ModelRef)
	if err != nil {
		return nil, err
	}

	img, format, err := decodeImage(inv.ImagePath)
	if err != nil {
		return nil, domain.InvocationError("", err, "unreadable image %s", inv.ImagePath)
	}
	if err := ctx.Err(); err != nil {
		return nil, deadlineError(err)
	}

	raw, err := m.Predict(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadlineError(ctx.Err())
		}
		return nil, domain.InvocationError("", err, "model prediction failed")
	}
	dets := make([]RawDetection, 0, len(raw))
	for _, r := range raw {
		if r.Confidence >= inv.Confidence {
			dets = append(dets, r)
		}
	}

	out := &Output{Detections: dets}
	if inv.SaveArtifacts && d.writer != nil {
		if err := d.writeArtifacts(ctx, inv, img, format, dets); err != nil {
			d.logger.Warn("write detection artifacts", "request_id", inv.RequestID, "err", err)
		} else {
			out.ArtifactsWritten = true
		}
	}
	return out, nil
}

func (d *InProcessDetector) writeArtifacts(ctx context.Context, inv Invocation, img image.Image, format string, dets []RawDetection) error {
	name := stem(inv.ImagePath)
	encoded, err := EncodeDetections(inv.ImagePath, dets)
	if err != nil {
		return err
	}
	if _, err := d.writer.WriteFile(ctx, inv.OutputDir, name+".json", encoded); err != nil {
		return err
	}

	var buf bytes.Buffer
	annotated := Annotate(img, dets)
	ext := ".png"
	if format == "jpeg" {
		ext = ".jpg"
		err = jpeg.Encode(&buf, annotated, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, annotated)
	}
	if err != nil {
		return err
	}
	_, err = d.writer.WriteFile(ctx, inv.OutputDir, name+ext, buf.Bytes())
	return err
}

func (d *InProcessDetector) Health(ctx context.Context) error {
	return nil
}

func decodeImage(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return image.Decode(f)
}

func deadlineError(err error) error {
	if err == context.DeadlineExceeded {
		return domain.InvocationError(domain.CodeTimeout, err, "detection exceeded deadline")
	}
	return domain.InvocationError("", err, "detection cancelled")
}
