package detector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

// TestHelperProcess is not a real test; it plays the predictor executable
// when re-invoked by the exec detector tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	var outputDir string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--output-dir" {
			outputDir = args[i+1]
		}
	}

	switch os.Getenv("HELPER_MODE") {
	case "stdout":
		fmt.Println("正在加载模型")
		fmt.Println(predictorJSON)
	case "files":
		_ = os.MkdirAll(filepath.Join(outputDir, "predict"), 0o755)
		_ = os.WriteFile(filepath.Join(outputDir, "mahjong_results_20240101_000000.json"), []byte(predictorJSON), 0o644)
		_ = os.WriteFile(filepath.Join(outputDir, "predict", "hand.jpg"), []byte("jpg"), 0o644)
		fmt.Println(`{"detections":[{"class_id":9}]}`)
	case "fail":
		fmt.Fprintln(os.Stderr, "CUDA out of memory")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	}
}

func helperDetector(t *testing.T, mode string) *ExecDetector {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_MODE", mode)
	return NewExecDetector(os.Args[0], []string{"-test.run=TestHelperProcess", "--"}, time.Second, nil)
}

func helperInvocation(t *testing.T, save bool) Invocation {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "best.pt")
	if err := os.WriteFile(model, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "run", "predict_r1")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	return Invocation{
		RequestID:     "r1",
		ImagePath:     filepath.Join(dir, "hand.jpg"),
		ModelRef:      model,
		Confidence:    0.25,
		OutputDir:     out,
		SaveArtifacts: save,
	}
}

func TestExecArgs(t *testing.T) {
	d := NewExecDetector("mahjong_predictor", nil, 0, nil)
	inv := Invocation{ImagePath: "up/a.png", ModelRef: "best.pt", Confidence: 0.1, OutputDir: "run/predict/predict_x"}

	want := []string{"up/a.png", "--model", "best.pt", "--conf", "0.1", "--output-format", "json", "--output-dir", "run/predict/predict_x", "--quiet"}
	if got := d.args(inv); !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v\nwant   %v", got, want)
	}

	inv.SaveArtifacts = true
	got := d.args(inv)
	if got[len(got)-2] != "--save" || got[len(got)-1] != "--save-results" {
		t.Errorf("save flags missing: %v", got)
	}
}

func TestExecParsesStdout(t *testing.T) {
	d := helperDetector(t, "stdout")
	out, err := d.Detect(context.Background(), helperInvocation(t, false))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(out.Detections) != 2 {
		t.Fatalf("detections = %d, want 2", len(out.Detections))
	}
	if out.ArtifactsWritten {
		t.Error("no artifacts were requested")
	}
}

func TestExecPrefersResultFile(t *testing.T) {
	d := helperDetector(t, "files")
	out, err := d.Detect(context.Background(), helperInvocation(t, true))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(out.Detections) != 2 {
		t.Errorf("expected detections from result file, got %+v", out.Detections)
	}
	if !out.ArtifactsWritten {
		t.Error("expected ArtifactsWritten")
	}
}

func TestExecNonZeroExit(t *testing.T) {
	d := helperDetector(t, "fail")
	_, err := d.Detect(context.Background(), helperInvocation(t, false))
	if !domain.IsKind(err, domain.KindInvocation) {
		t.Fatalf("expected invocation error, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "CUDA out of memory") || !strings.Contains(got, "code 3") {
		t.Errorf("error should carry exit code and stderr: %q", got)
	}
}

func TestExecKilledOnDeadline(t *testing.T) {
	d := helperDetector(t, "hang")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Detect(ctx, helperInvocation(t, false))
	if domain.CodeOf(err) != domain.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("predictor not killed promptly: %v", elapsed)
	}
}

func TestExecMissingModel(t *testing.T) {
	d := NewExecDetector("/nonexistent/predictor", nil, 0, nil)
	inv := helperInvocation(t, false)
	inv.ModelRef = filepath.Join(t.TempDir(), "missing.pt")

	_, err := d.Detect(context.Background(), inv)
	if domain.CodeOf(err) != domain.CodeModelNotFound {
		t.Fatalf("expected model_not_found, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing.pt") {
		t.Errorf("error should name the model: %v", err)
	}
}

func TestExecHealth(t *testing.T) {
	if err := NewExecDetector(os.Args[0], nil, 0, nil).Health(context.Background()); err != nil {
		t.Errorf("Health on test binary: %v", err)
	}
	if err := NewExecDetector("definitely-not-a-predictor-binary", nil, 0, nil).Health(context.Background()); err == nil {
		t.Error("expected error for missing executable")
	}
}
