package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/backoff"
	"github.com/osvaldoandrade/tiledetect/internal/providers"
	"github.com/osvaldoandrade/tiledetect/internal/tracing"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

const maxInferenceResponse = 8 << 20

// HTTPDetector posts images to a remote inference service.
type HTTPDetector struct {
	inferenceURL string
	client       *http.Client
	writer       providers.ArtifactWriter
	logger       *slog.Logger
	retries      int
	retry        backoff.Policy
}

func NewHTTPDetector(inferenceURL string, client *http.Client, writer providers.ArtifactWriter, logger *slog.Logger) *HTTPDetector {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDetector{inferenceURL: inferenceURL, client: client, writer: writer, logger: logger}
}

// WithRetry retries transport failures and 502, 503 and 504 answers up to
// retries extra times, sleeping per policy between attempts.
func (d *HTTPDetector) WithRetry(retries int, policy backoff.Policy) *HTTPDetector {
	d.retries = retries
	d.retry = policy
	return d
}

func (d *HTTPDetector) Name() string { return "http" }

func (d *HTTPDetector) Detect(ctx context.Context, inv Invocation) (*Output, error) {
	body, contentType, err := d.buildBody(inv)
	if err != nil {
		return nil, domain.InvocationError("", err, "build inference request")
	}

	var rng *rand.Rand
	var status int
	var data []byte
	for attempt := 0; ; attempt++ {
		status, data, err = d.post(ctx, inv.RequestID, body.Bytes(), contentType)
		if !retryable(status, err) || attempt >= d.retries || ctx.Err() != nil {
			break
		}
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		delay := backoff.Compute(d.retry, attempt, rng)
		d.logger.Warn("inference attempt failed, retrying", "request_id", inv.RequestID, "attempt", attempt+1, "status", status, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.InvocationError(domain.CodeTimeout, err, "inference service did not answer before deadline")
		}
		return nil, domain.InvocationError("", err, "send inference request")
	}
	out := &Output{Stdout: string(data)}
	if status != http.StatusOK {
		return out, domain.InvocationError("", nil, "inference failed with status %d: %s", status, tail(string(data)))
	}

	dets, err := ParseDetections(data)
	if err != nil {
		return out, domain.InvocationError("", err, "unreadable inference response")
	}
	out.Detections = dets

	if inv.SaveArtifacts && d.writer != nil {
		encoded, err := EncodeDetections(inv.ImagePath, dets)
		if err == nil {
			_, err = d.writer.WriteFile(ctx, inv.OutputDir, stem(inv.ImagePath)+".json", encoded)
		}
		if err != nil {
			d.logger.Warn("write inference result artifact", "request_id", inv.RequestID, "err", err)
		} else {
			out.ArtifactsWritten = true
		}
	}
	return out, nil
}

func (d *HTTPDetector) post(ctx context.Context, requestID string, body []byte, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.inferenceURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-Id", requestID)
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInferenceResponse))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read inference response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (d *HTTPDetector) buildBody(inv Invocation) (*bytes.Buffer, string, error) {
	f, err := os.Open(inv.ImagePath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filepath.Base(inv.ImagePath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy image data: %w", err)
	}
	if err := w.WriteField("conf", strconv.FormatFloat(inv.Confidence, 'f', -1, 64)); err != nil {
		return nil, "", err
	}
	if inv.ModelRef != "" {
		if err := w.WriteField("model", inv.ModelRef); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

func (d *HTTPDetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(d.inferenceURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
