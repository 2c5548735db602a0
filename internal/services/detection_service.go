package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/artifacts"
	"github.com/osvaldoandrade/tiledetect/internal/detector"
	"github.com/osvaldoandrade/tiledetect/internal/metrics"
	"github.com/osvaldoandrade/tiledetect/internal/staging"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"
	"github.com/osvaldoandrade/tiledetect/pkg/persistence"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ResolutionRequest = "request"
	ResolutionLatest  = "latest"
)

// legacyMu serialises detector runs and "latest" resolution so one process
// never picks up a run directory that belongs to a concurrent request.
var legacyMu sync.Mutex

type Options struct {
	// Confidence overrides the configured threshold when set.
	Confidence *float64
	Caller     string
}

type DetectionService interface {
	Run(ctx context.Context, img domain.UploadedImage, opts Options) (*domain.DetectionResult, error)
	Get(ctx context.Context, requestID string) (*domain.RunRecord, error)
	Artifact(ctx context.Context, requestID string, kind domain.ArtifactKind) (*artifacts.Artifact, error)
	Health(ctx context.Context) error
}

type DetectionSettings struct {
	ModelRef          string
	Confidence        float64
	Timeout           time.Duration
	SaveArtifacts     bool
	Resolution        string
	ArtifactURLPrefix string
}

type detectionService struct {
	stager   staging.Stager
	detector detector.Detector
	store    artifacts.Store
	backend  persistence.PluginPersistence
	index    persistence.RunIndex
	settings DetectionSettings
	logger   *slog.Logger
	now      func() time.Time
	newID    func() (string, error)
}

func NewDetectionService(stager staging.Stager, det detector.Detector, store artifacts.Store, backend persistence.PluginPersistence, settings DetectionSettings, logger *slog.Logger, now func() time.Time) DetectionService {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if settings.Resolution == "" {
		settings.Resolution = ResolutionRequest
	}
	if settings.ArtifactURLPrefix == "" {
		settings.ArtifactURLPrefix = "/v1/detections"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 120 * time.Second
	}
	var index persistence.RunIndex
	if backend != nil {
		index = backend.RunIndex()
	}
	return &detectionService{
		stager:   stager,
		detector: det,
		store:    store,
		backend:  backend,
		index:    index,
		settings: settings,
		logger:   logger,
		now:      now,
		newID:    newRequestID,
	}
}

func newRequestID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *detectionService) Run(ctx context.Context, img domain.UploadedImage, opts Options) (*domain.DetectionResult, error) {
	start := s.now()
	conf, err := s.confidence(opts.Confidence)
	if err != nil {
		s.observe(start, "validation_error")
		return nil, err
	}
	requestID, err := s.newID()
	if err != nil {
		s.observe(start, "internal_error")
		return nil, domain.InternalError(err, "generate request id")
	}
	logger := s.logger.With("request_id", requestID, "detector", s.detector.Name())

	ctx, span := otel.Tracer("tiledetect/detection").Start(ctx, "tiledetect.detection.run",
		trace.WithAttributes(
			attribute.String("tiledetect.request_id", requestID),
			attribute.String("tiledetect.detector", s.detector.Name()),
			attribute.Float64("tiledetect.confidence", conf),
			attribute.String("tiledetect.resolution", s.settings.Resolution),
		),
	)
	defer span.End()

	req, err := s.stager.Stage(ctx, img, requestID)
	if err != nil {
		span.SetStatus(codes.Error, "staging failed")
		s.observe(start, outcomeFor(err))
		return nil, err
	}
	defer func() {
		if err := s.stager.Release(req); err != nil {
			logger.Warn("release staged upload", "path", req.StagedPath, "err", err)
		}
	}()
	if img.Size > 0 {
		metrics.StagedBytes.Observe(float64(img.Size))
	}

	result, err := s.invoke(ctx, req, conf, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		failed := domain.FailedResult(requestID, err)
		s.record(ctx, requestID, "", opts.Caller, *failed, logger)
		s.observe(start, outcomeFor(err))
		logger.Warn("detection failed", "kind", domain.KindOf(err), "err", err)
		return failed, err
	}

	outcome := "success"
	if result.ResolutionError != "" {
		outcome = "partial"
		span.SetAttributes(attribute.String("tiledetect.resolution_error", result.ResolutionError))
	}
	span.SetAttributes(attribute.Int("tiledetect.total", result.Total))
	runName := ""
	if result.Artifacts != nil {
		runName = result.Artifacts.RunName
	}
	s.record(ctx, requestID, runName, opts.Caller, *result, logger)
	metrics.DetectedTiles.Observe(float64(result.Total))
	s.observe(start, outcome)
	logger.Info("detection complete", "total", result.Total, "outcome", outcome, "run", runName)
	return result, nil
}

func (s *detectionService) invoke(ctx context.Context, req *domain.DetectionRequest, conf float64, logger *slog.Logger) (*domain.DetectionResult, error) {
	if s.settings.Resolution == ResolutionLatest && s.settings.SaveArtifacts {
		legacyMu.Lock()
		defer legacyMu.Unlock()
	}

	runDir, err := s.store.PrepareRun(req.RequestID)
	if err != nil {
		return nil, err
	}
	defer s.store.DiscardRun(req.RequestID)

	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	inv := detector.Invocation{
		RequestID:     req.RequestID,
		ImagePath:     req.StagedPath,
		ModelRef:      s.settings.ModelRef,
		Confidence:    conf,
		OutputDir:     runDir,
		SaveArtifacts: s.settings.SaveArtifacts,
	}
	out, err := s.detect(ctx, inv)
	if err != nil {
		if out != nil && out.Stderr != "" {
			logger.Debug("detector stderr", "stderr", out.Stderr)
		}
		return nil, err
	}

	result := Assemble(req.RequestID, out.Detections)
	if !s.settings.SaveArtifacts {
		return &result, nil
	}

	set, err := s.resolve(req.RequestID)
	if err != nil {
		// Detections stay valid; only the artifact reference is lost.
		result.ResolutionError = err.Error()
		logger.Warn("artifact resolution failed", "err", err)
		return &result, nil
	}
	result.Artifacts = &set
	if set.ImageName != "" {
		ref := s.artifactReference(req.RequestID, set)
		result.ArtifactReference = &ref
	}
	return &result, nil
}

func (s *detectionService) detect(ctx context.Context, inv detector.Invocation) (*detector.Output, error) {
	ctx, span := otel.Tracer("tiledetect/detector").Start(ctx, "tiledetect.detector.detect",
		trace.WithAttributes(
			attribute.String("tiledetect.detector", s.detector.Name()),
			attribute.String("tiledetect.model", inv.ModelRef),
			attribute.Bool("tiledetect.save_artifacts", inv.SaveArtifacts),
		),
	)
	defer span.End()

	out, err := s.detector.Detect(ctx, inv)
	if err == nil {
		return out, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if domain.KindOf(err) == domain.KindInternal {
		err = domain.InvocationError("", err, "detector %s failed", s.detector.Name())
	}
	return out, err
}

func (s *detectionService) resolve(requestID string) (domain.ArtifactSet, error) {
	mode := s.settings.Resolution
	var run *artifacts.Run
	var err error
	if mode == ResolutionLatest {
		run, err = s.store.ResolveLatestRun()
	} else {
		run, err = s.store.Run(requestID)
		if err != nil {
			err = domain.ResolutionError(err, "run directory for %s missing", requestID)
		}
	}
	if err != nil {
		metrics.ArtifactResolutionTotal.WithLabelValues(mode, "error").Inc()
		return domain.ArtifactSet{}, err
	}
	set := s.store.Resolve(run)
	if set.Empty() {
		metrics.ArtifactResolutionTotal.WithLabelValues(mode, "empty").Inc()
		return domain.ArtifactSet{}, domain.ResolutionError(nil, "no artifacts found in %s", run.Name)
	}
	metrics.ArtifactResolutionTotal.WithLabelValues(mode, "found").Inc()
	return set, nil
}

func (s *detectionService) artifactReference(requestID string, set domain.ArtifactSet) string {
	if s.settings.Resolution == ResolutionLatest {
		return "/output_image/" + set.ImageName
	}
	return fmt.Sprintf("%s/%s/artifacts/%s", s.settings.ArtifactURLPrefix, requestID, domain.ArtifactImage)
}

func (s *detectionService) confidence(override *float64) (float64, error) {
	if override == nil {
		return s.settings.Confidence, nil
	}
	c := *override
	if math.IsNaN(c) || c <= 0 || c > 1 {
		return 0, domain.ValidationError(domain.CodeInvalidConfidence, "confidence must be in (0,1], got %v", c)
	}
	return c, nil
}

func (s *detectionService) record(ctx context.Context, requestID, runName, caller string, result domain.DetectionResult, logger *slog.Logger) {
	if s.index == nil {
		return
	}
	rec := domain.RunRecord{
		RequestID: requestID,
		RunName:   runName,
		Detector:  s.detector.Name(),
		Caller:    caller,
		Result:    result,
		CreatedAt: s.now().UTC(),
	}
	// The caller may already be gone; the index write should still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.index.Save(saveCtx, rec); err != nil {
		logger.Warn("save run record", "err", err)
	}
}

func (s *detectionService) observe(start time.Time, outcome string) {
	name := s.detector.Name()
	metrics.DetectionsTotal.WithLabelValues(name, outcome).Inc()
	metrics.DetectionLatencySeconds.WithLabelValues(name, outcome).Observe(s.now().Sub(start).Seconds())
}

func (s *detectionService) Get(ctx context.Context, requestID string) (*domain.RunRecord, error) {
	if s.index == nil {
		return nil, domain.NotFoundError("detection %q not found", requestID)
	}
	rec, err := s.index.Get(ctx, requestID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, domain.NotFoundError("detection %q not found", requestID)
	}
	if err != nil {
		return nil, domain.InternalError(err, "read run index")
	}
	return rec, nil
}

func (s *detectionService) Artifact(ctx context.Context, requestID string, kind domain.ArtifactKind) (*artifacts.Artifact, error) {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rec.RunName == "" {
		return nil, domain.NotFoundError("detection %q has no artifacts", requestID)
	}
	run, err := s.store.RunNamed(rec.RunName)
	if err != nil {
		return nil, err
	}
	return s.store.Open(run, kind)
}

func (s *detectionService) Health(ctx context.Context) error {
	var errs []error
	if err := s.detector.Health(ctx); err != nil {
		errs = append(errs, fmt.Errorf("detector: %w", err))
	}
	if s.backend != nil {
		if err := s.backend.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("run index: %w", err))
		}
	}
	return errors.Join(errs...)
}

func outcomeFor(err error) string {
	return string(domain.KindOf(err)) + "_error"
}
