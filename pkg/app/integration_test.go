package app

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/osvaldoandrade/tiledetect/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
)

const replayModel = `{"detections":[
  {"class_id":0,"confidence":0.91,"bbox":{"x1":4,"y1":4,"x2":30,"y2":40}},
  {"class_id":27,"confidence":0.88,"bbox":{"x1":34,"y1":4,"x2":60,"y2":40}},
  {"class_id":33,"confidence":0.02,"bbox":{"x1":64,"y1":4,"x2":90,"y2":40}}
]}`

type detectionBody struct {
	Success           bool    `json:"success"`
	RequestID         string  `json:"request_id"`
	Total             int     `json:"total"`
	Error             *string `json:"error"`
	ErrorKind         string  `json:"error_kind"`
	Code              string  `json:"code"`
	ArtifactReference *string `json:"artifact_reference"`
	Detections        []struct {
		ID        int    `json:"id"`
		ClassID   int    `json:"class_id"`
		ClassName string `json:"class_name"`
	} `json:"detections"`
	Artifacts *struct {
		RunName   string `json:"run_name"`
		JSONName  string `json:"json_name"`
		ImageName string `json:"image_name"`
	} `json:"artifacts"`
	ArtifactURLs *struct {
		JSONURL  string `json:"json_url"`
		ImageURL string `json:"image_url"`
	} `json:"artifact_urls"`
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "replay.json")
	if err := os.WriteFile(model, []byte(replayModel), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Env = "test"
	cfg.LogLevel = "error"
	cfg.Upload.StagingDir = filepath.Join(dir, "uploads")
	cfg.Upload.MaxBytes = 1 << 20
	cfg.Detector.Kind = "inprocess"
	cfg.Detector.ModelPath = model
	cfg.Detector.Confidence = 0.1
	cfg.Artifacts.OutputRoot = filepath.Join(dir, "runs")
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...ApplicationOption) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	application, err := NewApplication(cfg, opts...)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	SetupMappings(application)
	srv := httptest.NewServer(application.Engine)
	t.Cleanup(func() {
		srv.Close()
		_ = application.Close(context.Background())
	})
	return srv
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 96, 48))
	for x := 0; x < 96; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: 235, G: 235, B: 225, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func postImage(t *testing.T, url, token, filename string, content []byte, conf string) (int, detectionBody, http.Header) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if content != nil {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if conf != "" {
		_ = mw.WriteField("conf", conf)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out detectionBody
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", string(raw), err)
	}
	return resp.StatusCode, out, resp.Header
}

func get(t *testing.T, url, token string) (int, []byte, http.Header) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, resp.Header
}

func TestHTTPIntegrationFlow(t *testing.T) {
	cfg := newTestConfig(t)
	srv := newTestServer(t, cfg)

	status, res, _ := postImage(t, srv.URL+"/v1/detections", "", "hand.png", pngBytes(t), "")
	if status != http.StatusOK || !res.Success {
		t.Fatalf("detect status=%d body=%+v", status, res)
	}
	if res.Total != 2 || len(res.Detections) != 2 {
		t.Fatalf("expected 2 detections above threshold, got %d", res.Total)
	}
	if res.Detections[0].ID != 1 || res.Detections[0].ClassName != "一饼" {
		t.Fatalf("unexpected first detection %+v", res.Detections[0])
	}
	if res.Detections[1].ClassName != "东风" {
		t.Fatalf("unexpected second detection %+v", res.Detections[1])
	}
	if res.Artifacts == nil || res.Artifacts.ImageName == "" || res.Artifacts.JSONName == "" {
		t.Fatalf("expected artifacts, got %+v", res.Artifacts)
	}
	want := "/v1/detections/" + res.RequestID + "/artifacts/image"
	if res.ArtifactReference == nil || *res.ArtifactReference != want {
		t.Fatalf("artifact_reference = %v, want %s", res.ArtifactReference, want)
	}
	if res.ArtifactURLs == nil || res.ArtifactURLs.ImageURL != want {
		t.Fatalf("artifact_urls = %+v", res.ArtifactURLs)
	}

	status, body, _ := get(t, srv.URL+"/v1/detections/"+res.RequestID, "")
	if status != http.StatusOK {
		t.Fatalf("get detection status=%d body=%s", status, body)
	}
	var rec struct {
		RequestID string `json:"request_id"`
		RunName   string `json:"run_name"`
		Detector  string `json:"detector"`
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.RequestID != res.RequestID || rec.RunName != res.Artifacts.RunName || rec.Detector != "inprocess" {
		t.Fatalf("unexpected record %+v", rec)
	}

	status, body, hdr := get(t, srv.URL+*res.ArtifactReference, "")
	if status != http.StatusOK {
		t.Fatalf("artifact status=%d", status)
	}
	if ct := hdr.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if _, err := png.Decode(bytes.NewReader(body)); err != nil {
		t.Fatalf("annotated image not decodable: %v", err)
	}

	status, body, _ = get(t, srv.URL+res.ArtifactURLs.JSONURL, "")
	if status != http.StatusOK || !json.Valid(body) {
		t.Fatalf("json artifact status=%d", status)
	}

	status, _, _ = get(t, srv.URL+"/output_image/"+res.Artifacts.ImageName, "")
	if status != http.StatusOK {
		t.Fatalf("legacy artifact route status=%d", status)
	}

	status, body, _ = get(t, srv.URL+"/healthz", "")
	if status != http.StatusOK {
		t.Fatalf("health status=%d body=%s", status, body)
	}

	status, body, _ = get(t, srv.URL+"/metrics", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte("tiledetect_detections_total")) {
		t.Fatalf("metrics missing detection counter")
	}

	entries, err := os.ReadDir(cfg.Upload.StagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging dir not empty: %d entries", len(entries))
	}
}

func TestHTTPValidationErrors(t *testing.T) {
	cfg := newTestConfig(t)
	srv := newTestServer(t, cfg)

	status, res, _ := postImage(t, srv.URL+"/predict_image", "", "", nil, "")
	if status != http.StatusBadRequest || res.Success || res.Code != "missing_file" {
		t.Fatalf("missing file: status=%d body=%+v", status, res)
	}
	if res.Error == nil || res.ArtifactReference != nil {
		t.Fatalf("expected error and null reference, got %+v", res)
	}

	status, res, _ = postImage(t, srv.URL+"/predict_image", "", "notes.txt", []byte("hello"), "")
	if status != http.StatusUnsupportedMediaType || res.Code != "unsupported_type" {
		t.Fatalf("bad extension: status=%d body=%+v", status, res)
	}

	status, res, _ = postImage(t, srv.URL+"/predict_image", "", "hand.png", pngBytes(t), "1.5")
	if status != http.StatusBadRequest || res.Code != "invalid_confidence" {
		t.Fatalf("bad confidence: status=%d body=%+v", status, res)
	}

	status, _, _ = get(t, srv.URL+"/v1/detections/does-not-exist", "")
	if status != http.StatusNotFound {
		t.Fatalf("unknown detection status=%d", status)
	}
	status, _, _ = get(t, srv.URL+"/output_image/missing.png", "")
	if status != http.StatusNotFound {
		t.Fatalf("missing artifact status=%d", status)
	}
}

func TestHTTPLatestResolution(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Artifacts.Resolution = "latest"
	srv := newTestServer(t, cfg)

	status, res, _ := postImage(t, srv.URL+"/predict_image", "", "hand.png", pngBytes(t), "0.5")
	if status != http.StatusOK || !res.Success {
		t.Fatalf("detect status=%d body=%+v", status, res)
	}
	if res.ArtifactReference == nil || *res.ArtifactReference != "/output_image/"+res.Artifacts.ImageName {
		t.Fatalf("artifact_reference = %v", res.ArtifactReference)
	}
	status, _, _ = get(t, srv.URL+*res.ArtifactReference, "")
	if status != http.StatusOK {
		t.Fatalf("artifact status=%d", status)
	}
}

func TestHTTPStaticAuthAndRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := newTestConfig(t)
	cfg.RedisAddr = mr.Addr()
	cfg.Persistence.Type = "redis"
	cfg.Auth.Provider = "static"
	cfg.Auth.Config = map[string]any{"token": "s3cret", "subject": "tester"}
	cfg.RateLimit.Detect.RequestsPerMinute = 60
	cfg.RateLimit.Detect.BurstSize = 1
	srv := newTestServer(t, cfg)

	status, _, _ := postImage(t, srv.URL+"/v1/detections", "", "hand.png", pngBytes(t), "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}

	status, res, _ := postImage(t, srv.URL+"/v1/detections", "s3cret", "hand.png", pngBytes(t), "")
	if status != http.StatusOK || !res.Success {
		t.Fatalf("authorized detect status=%d body=%+v", status, res)
	}

	status, _, hdr := postImage(t, srv.URL+"/v1/detections", "s3cret", "hand.png", pngBytes(t), "")
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", status)
	}
	if hdr.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	status, body, _ := get(t, srv.URL+"/v1/detections/"+res.RequestID, "s3cret")
	if status != http.StatusOK {
		t.Fatalf("get from redis index status=%d body=%s", status, body)
	}
	var rec struct {
		Caller string `json:"caller"`
	}
	_ = json.Unmarshal(body, &rec)
	if rec.Caller != "tester" {
		t.Fatalf("caller = %q, want tester", rec.Caller)
	}
}

func TestHTTPDetectScopeRequired(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Auth.Provider = "static"
	cfg.Auth.Config = map[string]any{"token": "viewer", "subject": "viewer", "scopes": []string{"tiledetect:read"}}
	cfg.Auth.DetectScope = "tiledetect:detect"
	srv := newTestServer(t, cfg)

	for _, path := range []string{"/v1/detections", "/predict_image"} {
		status, _, _ := postImage(t, srv.URL+path, "viewer", "hand.png", pngBytes(t), "")
		if status != http.StatusForbidden {
			t.Fatalf("%s: expected 403 without detect scope, got %d", path, status)
		}
	}

	// Reads only need a valid token.
	status, _, _ := get(t, srv.URL+"/v1/detections/0190f8a4-6c1e-7b3e-9a51-2f0c1d2e3f40", "viewer")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", status)
	}
}
