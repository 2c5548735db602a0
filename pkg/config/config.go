package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
	Env           string `yaml:"env"`
	Timezone      string `yaml:"timezone"`
	LogLevel      string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat     string `yaml:"logFormat" validate:"oneof=json text"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	Upload      UploadConfig      `yaml:"upload"`
	Detector    DetectorConfig    `yaml:"detector"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type UploadConfig struct {
	StagingDir        string   `yaml:"stagingDir" validate:"required"`
	MaxBytes          int64    `yaml:"maxBytes" validate:"gt=0"`
	AllowedExtensions []string `yaml:"allowedExtensions" validate:"min=1,dive,required"`
}

type DetectorConfig struct {
	// Kind selects the invocation strategy: exec, http or inprocess.
	Kind              string   `yaml:"kind" validate:"oneof=exec http inprocess"`
	Executable        string   `yaml:"executable"`
	ExtraArgs         []string `yaml:"extraArgs"`
	ModelPath         string   `yaml:"modelPath" validate:"required"`
	InferenceURL      string   `yaml:"inferenceUrl"`
	// Retries applies to the http detector only.
	Retries           int      `yaml:"retries" validate:"gte=0,lte=10"`
	RetryPolicy       string   `yaml:"retryPolicy" validate:"omitempty,oneof=fixed linear exponential exp_equal_jitter exp_full_jitter"`
	RetryBaseMillis   int      `yaml:"retryBaseMillis" validate:"gte=0"`
	RetryMaxMillis    int      `yaml:"retryMaxMillis" validate:"gte=0"`
	Confidence        float64  `yaml:"confidence" validate:"gt=0,lte=1"`
	TimeoutSeconds    int      `yaml:"timeoutSeconds" validate:"gt=0"`
	KillGraceSeconds  int      `yaml:"killGraceSeconds" validate:"gte=0"`
	DisableArtifacts  bool     `yaml:"disableArtifacts"`
	HealthCheckOnBoot bool     `yaml:"healthCheckOnBoot"`
}

type ArtifactsConfig struct {
	OutputRoot string `yaml:"outputRoot" validate:"required"`
	RunPrefix  string `yaml:"runPrefix" validate:"required,excludesall=/\\"`
	// Resolution is "request" (run directory keyed by request id) or the
	// legacy "latest" scan of the shared output root.
	Resolution            string `yaml:"resolution" validate:"oneof=request latest"`
	RetentionHours        int    `yaml:"retentionHours" validate:"gte=0"`
	RetentionSweepSeconds int    `yaml:"retentionSweepSeconds" validate:"gte=0"`
}

type PersistenceConfig struct {
	Type       string          `yaml:"type" validate:"oneof=memory redis"`
	Config     json.RawMessage `yaml:"-"`
	ConfigYAML map[string]any  `yaml:"config"`
	TTLHours   int             `yaml:"ttlHours" validate:"gte=0"`
}

type AuthConfig struct {
	// Provider is empty (no auth), "static" or "jwks".
	Provider string         `yaml:"provider" validate:"omitempty,oneof=static jwks"`
	Config   map[string]any `yaml:"config"`
	// DetectScope, when set, must be granted to a caller before it may submit images.
	DetectScope string `yaml:"detectScope"`
}

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute" validate:"gte=0"`
	BurstSize         int `yaml:"burstSize" validate:"gte=0"`
	// BytesPerToken prices a submission at one token per started block of
	// upload bytes. Zero charges a flat single token.
	BytesPerToken int64 `yaml:"bytesPerToken" validate:"gte=0"`
}

type RateLimitConfig struct {
	Detect RateLimitBucketConfig `yaml:"detect"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return finish(&c)
}

// LoadConfigOptional loads filePath when it exists and otherwise starts from
// an empty config; env overrides and defaults apply in both cases.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return finish(&Config{})
	}
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		return finish(&Config{})
	}
	return LoadConfig(filePath)
}

func finish(c *Config) (*Config, error) {
	applyEnv(c)
	applyDefaults(c)
	if c.Persistence.ConfigYAML != nil {
		raw, err := json.Marshal(c.Persistence.ConfigYAML)
		if err != nil {
			return nil, fmt.Errorf("persistence config: %w", err)
		}
		c.Persistence.Config = raw
	}
	log.Printf("Detection Config: {Port:%d Detector:%s Model:%s Output:%s Resolution:%s Index:%s}\n",
		c.Port, c.Detector.Kind, c.Detector.ModelPath, c.Artifacts.OutputRoot, c.Artifacts.Resolution, c.Persistence.Type)
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Upload.StagingDir = v
	}
	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Upload.MaxBytes = n
		}
	}
	if v := os.Getenv("DETECTOR_KIND"); v != "" {
		c.Detector.Kind = v
	}
	if v := os.Getenv("DETECTOR_EXECUTABLE"); v != "" {
		c.Detector.Executable = v
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		c.Detector.ModelPath = v
	}
	if v := os.Getenv("INFERENCE_URL"); v != "" {
		c.Detector.InferenceURL = v
	}
	if v := os.Getenv("DETECTOR_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Detector.Confidence = f
		}
	}
	if v := os.Getenv("DETECTOR_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Detector.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("OUTPUT_ROOT"); v != "" {
		c.Artifacts.OutputRoot = v
	}
	if v := os.Getenv("ARTIFACT_RESOLUTION"); v != "" {
		c.Artifacts.Resolution = v
	}
	if v := os.Getenv("ARTIFACT_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Artifacts.RetentionHours = n
		}
	}
	if v := os.Getenv("PERSISTENCE_TYPE"); v != "" {
		c.Persistence.Type = v
	}
	if v := os.Getenv("AUTH_DETECT_SCOPE"); v != "" {
		c.Auth.DetectScope = strings.TrimSpace(v)
	}
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Upload.StagingDir == "" {
		c.Upload.StagingDir = "uploads"
	}
	if c.Upload.MaxBytes <= 0 {
		c.Upload.MaxBytes = 16 << 20
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = []string{"png", "jpg", "jpeg", "gif"}
	}
	if c.Detector.Kind == "" {
		c.Detector.Kind = "exec"
	}
	if c.Detector.Executable == "" {
		c.Detector.Executable = "mahjong_predictor"
	}
	if c.Detector.ModelPath == "" {
		c.Detector.ModelPath = "best.pt"
	}
	if c.Detector.Confidence == 0 {
		c.Detector.Confidence = 0.1
	}
	if c.Detector.TimeoutSeconds <= 0 {
		c.Detector.TimeoutSeconds = 120
	}
	if c.Detector.RetryPolicy == "" {
		c.Detector.RetryPolicy = "exp_full_jitter"
	}
	if c.Detector.RetryBaseMillis <= 0 {
		c.Detector.RetryBaseMillis = 200
	}
	if c.Detector.RetryMaxMillis <= 0 {
		c.Detector.RetryMaxMillis = 2000
	}
	if c.Detector.KillGraceSeconds <= 0 {
		c.Detector.KillGraceSeconds = 5
	}
	if c.Artifacts.OutputRoot == "" {
		c.Artifacts.OutputRoot = "run/predict"
	}
	if c.Artifacts.RunPrefix == "" {
		c.Artifacts.RunPrefix = "predict"
	}
	if c.Artifacts.Resolution == "" {
		c.Artifacts.Resolution = "request"
	}
	if c.Artifacts.RetentionSweepSeconds <= 0 {
		c.Artifacts.RetentionSweepSeconds = 600
	}
	if c.Persistence.Type == "" {
		c.Persistence.Type = "memory"
	}
	if c.Persistence.TTLHours <= 0 {
		c.Persistence.TTLHours = 24
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	switch c.Detector.Kind {
	case "exec":
		if strings.TrimSpace(c.Detector.Executable) == "" {
			errs = append(errs, "detector.executable is required for kind=exec")
		}
	case "http":
		if strings.TrimSpace(c.Detector.InferenceURL) == "" {
			errs = append(errs, "detector.inferenceUrl is required for kind=http")
		}
	}
	if c.Persistence.Type == "redis" && strings.TrimSpace(c.RedisAddr) == "" && len(c.Persistence.Config) == 0 {
		errs = append(errs, "redisAddr or persistence.config is required for persistence.type=redis")
	}
	limit := c.RateLimit.Detect
	if (limit.RequestsPerMinute > 0) != (limit.BurstSize > 0) {
		errs = append(errs, "rateLimit.detect needs both requestsPerMinute and burstSize")
	}
	env := strings.ToLower(strings.TrimSpace(c.Env))
	if env != "dev" && env != "test" && c.Auth.Provider == "" {
		log.Println("Warning: auth.provider not set outside dev; detection API is open")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AllowedExtensionSet returns the configured extensions lower-cased and without dots.
func (c *Config) AllowedExtensionSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Upload.AllowedExtensions))
	for _, ext := range c.Upload.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			out[ext] = struct{}{}
		}
	}
	return out
}
