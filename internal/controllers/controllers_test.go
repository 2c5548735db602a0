package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/artifacts"
	"github.com/osvaldoandrade/tiledetect/internal/services"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/gin-gonic/gin"
)

type fakeService struct {
	run      func(img domain.UploadedImage, opts services.Options) (*domain.DetectionResult, error)
	records  map[string]*domain.RunRecord
	artifact *artifacts.Artifact
	health   error

	gotFile string
	gotOpts services.Options
}

func (f *fakeService) Run(ctx context.Context, img domain.UploadedImage, opts services.Options) (*domain.DetectionResult, error) {
	data, _ := io.ReadAll(img.Content)
	f.gotFile = img.Filename + ":" + string(data)
	f.gotOpts = opts
	return f.run(img, opts)
}

func (f *fakeService) Get(ctx context.Context, requestID string) (*domain.RunRecord, error) {
	if rec, ok := f.records[requestID]; ok {
		return rec, nil
	}
	return nil, domain.NotFoundError("detection %q not found", requestID)
}

func (f *fakeService) Artifact(ctx context.Context, requestID string, kind domain.ArtifactKind) (*artifacts.Artifact, error) {
	if f.artifact == nil {
		return nil, domain.NotFoundError("no artifact")
	}
	return f.artifact, nil
}

func (f *fakeService) Health(ctx context.Context) error { return f.health }

func okResult(img domain.UploadedImage, opts services.Options) (*domain.DetectionResult, error) {
	ref := "/v1/detections/r1/artifacts/image"
	return &domain.DetectionResult{
		Success:   true,
		RequestID: "r1",
		Detections: []domain.Detection{
			{ID: 1, ClassID: 0, ClassName: domain.Label(0), Confidence: 0.9},
		},
		Total:             1,
		Summary:           "detected 1 tile",
		ArtifactReference: &ref,
		Artifacts:         &domain.ArtifactSet{RunName: "predict_r1", JSONName: "hand.json", ImageName: "hand.jpg"},
	}, nil
}

func newRouter(svc services.DetectionService, maxBytes int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/detections", NewCreateDetectionController(svc, maxBytes).Handle)
	r.GET("/v1/detections/:id", NewGetDetectionController(svc).Handle)
	r.GET("/v1/detections/:id/artifacts/:kind", NewDetectionArtifactController(svc).Handle)
	r.GET("/healthz", NewHealthController(svc).Handle)
	return r
}

func multipartRequest(t *testing.T, path, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(content)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateDetectionSuccess(t *testing.T) {
	svc := &fakeService{run: okResult}
	r := newRouter(svc, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/v1/detections", "hand.jpg", []byte("img"), map[string]string{"conf": "0.4"}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if svc.gotFile != "hand.jpg:img" {
		t.Errorf("service got %q", svc.gotFile)
	}
	if svc.gotOpts.Confidence == nil || *svc.gotOpts.Confidence != 0.4 {
		t.Errorf("confidence override not passed: %+v", svc.gotOpts.Confidence)
	}
	body := decode(t, w)
	if body["success"] != true || body["error"] != nil {
		t.Errorf("unexpected body %v", body)
	}
	urls, ok := body["artifact_urls"].(map[string]any)
	if !ok {
		t.Fatalf("artifact_urls missing: %v", body)
	}
	if urls["image_url"] != "/v1/detections/r1/artifacts/image" || urls["json_url"] != "/v1/detections/r1/artifacts/json" {
		t.Errorf("artifact_urls = %v", urls)
	}
}

func TestCreateDetectionConfFromQuery(t *testing.T) {
	svc := &fakeService{run: okResult}
	r := newRouter(svc, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/v1/detections?conf=0.7", "hand.jpg", []byte("img"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.gotOpts.Confidence == nil || *svc.gotOpts.Confidence != 0.7 {
		t.Errorf("query confidence not passed")
	}
}

func TestCreateDetectionValidation(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		status   int
		code     string
		maxBytes int64
	}{
		{
			name:   "missing file part",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "/v1/detections", "", nil, nil) },
			status: http.StatusBadRequest,
			code:   string(domain.CodeMissingFile),
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/v1/detections", strings.NewReader("{}"))
			},
			status: http.StatusBadRequest,
			code:   string(domain.CodeMissingFile),
		},
		{
			name: "unparseable confidence",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/v1/detections", "a.jpg", []byte("x"), map[string]string{"conf": "high"})
			},
			status: http.StatusBadRequest,
			code:   string(domain.CodeInvalidConfidence),
		},
		{
			name: "body over limit",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/v1/detections", "a.jpg", bytes.Repeat([]byte("x"), 3<<20), nil)
			},
			status:   http.StatusRequestEntityTooLarge,
			code:     string(domain.CodeTooLarge),
			maxBytes: 1 << 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{run: func(domain.UploadedImage, services.Options) (*domain.DetectionResult, error) {
				t.Fatal("service must not run")
				return nil, nil
			}}
			maxBytes := tt.maxBytes
			if maxBytes == 0 {
				maxBytes = 1 << 20
			}
			w := httptest.NewRecorder()
			newRouter(svc, maxBytes).ServeHTTP(w, tt.req(t))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d body=%s", w.Code, tt.status, w.Body.String())
			}
			body := decode(t, w)
			if body["code"] != tt.code || body["success"] != false {
				t.Errorf("body = %v", body)
			}
			if v, ok := body["artifact_reference"]; !ok || v != nil {
				t.Errorf("artifact_reference should be present and null: %v", body)
			}
		})
	}
}

func TestCreateDetectionServiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"invocation", domain.InvocationError("", errors.New("exit 1"), "detector failed"), http.StatusBadGateway, ""},
		{"timeout", domain.InvocationError(domain.CodeTimeout, nil, "deadline"), http.StatusGatewayTimeout, ""},
		{"internal hides detail", domain.InternalError(errors.New("disk on fire"), "write"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{run: func(domain.UploadedImage, services.Options) (*domain.DetectionResult, error) {
				return domain.FailedResult("r9", tt.err), tt.err
			}}
			w := httptest.NewRecorder()
			newRouter(svc, 1<<20).ServeHTTP(w, multipartRequest(t, "/v1/detections", "a.jpg", []byte("x"), nil))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			body := decode(t, w)
			if body["request_id"] != "r9" {
				t.Errorf("request_id = %v", body["request_id"])
			}
			if tt.message != "" && body["error"] != tt.message {
				t.Errorf("error = %v, want %q", body["error"], tt.message)
			}
		})
	}
}

func TestGetDetection(t *testing.T) {
	res, _ := okResult(domain.UploadedImage{}, services.Options{})
	svc := &fakeService{records: map[string]*domain.RunRecord{
		"r1": {RequestID: "r1", RunName: "predict_r1", Detector: "exec", Caller: "alice", Result: *res, CreatedAt: time.Unix(0, 0).UTC()},
	}}
	r := newRouter(svc, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/detections/r1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["run_name"] != "predict_r1" || body["caller"] != "alice" {
		t.Errorf("body = %v", body)
	}
	result, _ := body["result"].(map[string]any)
	if result["total"] != float64(1) {
		t.Errorf("result = %v", result)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/detections/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", w.Code)
	}
}

func TestDetectionArtifact(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "hand.jpg")
	if err := os.WriteFile(p, []byte("jpegdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := &fakeService{artifact: &artifacts.Artifact{Path: p, Name: "hand.jpg", ContentType: "image/jpeg", Size: 8}}
	r := newRouter(svc, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/detections/r1/artifacts/image", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Disposition"), "inline") {
		t.Errorf("content disposition = %q", w.Header().Get("Content-Disposition"))
	}
	if w.Body.String() != "jpegdata" {
		t.Errorf("body = %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/detections/r1/artifacts/video", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	svc := &fakeService{}
	w := httptest.NewRecorder()
	newRouter(svc, 1<<20).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	svc.health = errors.New("detector: executable not found")
	w = httptest.NewRecorder()
	newRouter(svc, 1<<20).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", w.Code)
	}
	if decode(t, w)["status"] != "degraded" {
		t.Errorf("expected degraded status")
	}
}
