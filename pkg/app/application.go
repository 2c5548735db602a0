package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/artifacts"
	"github.com/osvaldoandrade/tiledetect/internal/detector"
	"github.com/osvaldoandrade/tiledetect/internal/metrics"
	"github.com/osvaldoandrade/tiledetect/internal/middleware"
	"github.com/osvaldoandrade/tiledetect/internal/providers"
	"github.com/osvaldoandrade/tiledetect/internal/ratelimit"
	"github.com/osvaldoandrade/tiledetect/internal/services"
	"github.com/osvaldoandrade/tiledetect/internal/staging"
	"github.com/osvaldoandrade/tiledetect/internal/tracing"
	"github.com/osvaldoandrade/tiledetect/pkg/auth"
	_ "github.com/osvaldoandrade/tiledetect/pkg/auth/jwks"   // Register JWKS validator
	_ "github.com/osvaldoandrade/tiledetect/pkg/auth/static" // Register static token validator
	"github.com/osvaldoandrade/tiledetect/pkg/config"
	"github.com/osvaldoandrade/tiledetect/pkg/persistence"
	_ "github.com/osvaldoandrade/tiledetect/pkg/persistence/memory" // Register in-memory run index
	_ "github.com/osvaldoandrade/tiledetect/pkg/persistence/redis"  // Register Redis run index

	"github.com/gin-gonic/gin"
	redisv8 "github.com/go-redis/redis/v8"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Detections      services.DetectionService
	Retention       services.RetentionService
	Artifacts       artifacts.Server
	Store           artifacts.Store
	Detector        detector.Detector
	Persistence     persistence.PluginPersistence
	Logger          *slog.Logger
	TZ              *time.Location
	Validator       auth.Validator
	RateLimiter     ratelimit.Limiter
	TracingShutdown func(context.Context) error

	redis *redisv8.Client
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom API token validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithDetector replaces the detector selected by detector.kind
func WithDetector(det detector.Detector) ApplicationOption {
	return func(app *Application) error {
		app.Detector = det
		return nil
	}
}

// WithPersistence replaces the run index backend selected by persistence.type
func WithPersistence(p persistence.PluginPersistence) ApplicationOption {
	return func(app *Application) error {
		app.Persistence = p
		return nil
	}
}

// WithRateLimiter sets the limiter used on detection submissions
func WithRateLimiter(lim ratelimit.Limiter) ApplicationOption {
	return func(app *Application) error {
		app.RateLimiter = lim
		return nil
	}
}

func NewLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "tiledetect", "env", cfg.Env)
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}

	logger := NewLogger(cfg)
	slog.SetDefault(logger)

	tracingShutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	app := &Application{
		Config:          cfg,
		Logger:          logger,
		TZ:              loc,
		TracingShutdown: tracingShutdown,
	}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if cfg.RedisAddr != "" {
		app.redis = providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
		if app.RateLimiter == nil {
			app.RateLimiter = ratelimit.NewTokenBucketLimiter(app.redis)
		}
	}

	if app.Validator == nil && cfg.Auth.Provider != "" {
		raw, err := json.Marshal(cfg.Auth.Config)
		if err != nil {
			return nil, fmt.Errorf("auth config: %w", err)
		}
		validator, err := auth.NewValidator(auth.ProviderConfig{Type: cfg.Auth.Provider, Config: raw})
		if err != nil {
			return nil, err
		}
		app.Validator = validator
	}

	if app.Persistence == nil {
		backend, err := newPersistence(cfg, loc)
		if err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
		app.Persistence = backend
	}

	writer := providers.NewLocalWriter()
	if app.Detector == nil {
		det, err := detector.New(cfg.Detector, writer, logger)
		if err != nil {
			return nil, err
		}
		app.Detector = det
	}
	if cfg.Detector.HealthCheckOnBoot {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := app.Detector.Health(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("detector %s unhealthy: %w", app.Detector.Name(), err)
		}
	}

	app.Store = artifacts.NewStore(cfg.Artifacts.OutputRoot, cfg.Artifacts.RunPrefix)
	app.Artifacts = artifacts.NewServer(app.Store)
	stager := staging.NewFileStager(cfg.Upload.StagingDir, cfg.Upload.MaxBytes, cfg.AllowedExtensionSet(), nil)

	app.Detections = services.NewDetectionService(stager, app.Detector, app.Store, app.Persistence, services.DetectionSettings{
		ModelRef:      cfg.Detector.ModelPath,
		Confidence:    cfg.Detector.Confidence,
		Timeout:       time.Duration(cfg.Detector.TimeoutSeconds) * time.Second,
		SaveArtifacts: !cfg.Detector.DisableArtifacts,
		Resolution:    cfg.Artifacts.Resolution,
	}, logger, time.Now)

	app.Retention = services.NewRetentionService(
		app.Store,
		cfg.Upload.StagingDir,
		app.Persistence.RunIndex(),
		time.Duration(cfg.Artifacts.RetentionHours)*time.Hour,
		cfg.Artifacts.RetentionSweepSeconds,
		logger,
		time.Now,
	)

	metrics.RegisterOutputCollector(func() (int, error) {
		runs, err := app.Store.Runs()
		return len(runs), err
	}, cfg.Upload.StagingDir, logger)

	engine := gin.New()
	engine.MaxMultipartMemory = cfg.Upload.MaxBytes
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.TracingMiddleware(cfg.Tracing.ServiceName),
	)
	app.Engine = engine

	return app, nil
}

func newPersistence(cfg *config.Config, loc *time.Location) (persistence.PluginPersistence, error) {
	raw := cfg.Persistence.Config
	if cfg.Persistence.Type == "redis" && len(raw) == 0 {
		b, err := json.Marshal(map[string]any{"addr": cfg.RedisAddr, "password": cfg.RedisPassword})
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return persistence.NewPersistence(
		persistence.ProviderConfig{Type: cfg.Persistence.Type, Config: raw},
		persistence.PluginConfig{Timezone: loc, TTL: time.Duration(cfg.Persistence.TTLHours) * time.Hour},
	)
}

// Start launches background services; they stop when ctx is cancelled.
func (a *Application) Start(ctx context.Context) {
	go a.Retention.Start(ctx)
}

// Close releases the run index, the rate limiter connection and the trace exporter.
func (a *Application) Close(ctx context.Context) error {
	var firstErr error
	if a.Persistence != nil {
		if err := a.Persistence.Close(); err != nil {
			firstErr = err
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.TracingShutdown != nil {
		if err := a.TracingShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
