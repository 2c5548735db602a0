package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/artifacts"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

const maxStderrInError = 2048

// ExecDetector runs the predictor executable once per invocation.
type ExecDetector struct {
	executable string
	extraArgs  []string
	killGrace  time.Duration
	logger     *slog.Logger
}

func NewExecDetector(executable string, extraArgs []string, killGrace time.Duration, logger *slog.Logger) *ExecDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecDetector{executable: executable, extraArgs: extraArgs, killGrace: killGrace, logger: logger}
}

func (d *ExecDetector) Name() string { return "exec" }

func (d *ExecDetector) args(inv Invocation) []string {
	args := append([]string{}, d.extraArgs...)
	args = append(args,
		inv.ImagePath,
		"--model", inv.ModelRef,
		"--conf", strconv.FormatFloat(inv.Confidence, 'f', -1, 64),
		"--output-format", "json",
		"--output-dir", inv.OutputDir,
		"--quiet",
	)
	if inv.SaveArtifacts {
		args = append(args, "--save", "--save-results")
	}
	return args
}

func (d *ExecDetector) Detect(ctx context.Context, inv Invocation) (*Output, error) {
	if err := checkModel(inv.ModelRef); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.executable, d.args(inv)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = d.killGrace

	started := time.Now()
	err := cmd.Run()
	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	d.logger.Debug("predictor finished",
		"request_id", inv.RequestID,
		"duration_ms", time.Since(started).Milliseconds(),
		"err", err,
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, domain.InvocationError(domain.CodeTimeout, ctxErr, "predictor killed after deadline")
		}
		return out, domain.InvocationError("", ctxErr, "predictor cancelled")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, domain.InvocationError("", err, "predictor exited with code %d: %s", exitErr.ExitCode(), tail(out.Stderr))
		}
		return out, domain.InvocationError("", err, "start predictor %s", d.executable)
	}

	// --save-results leaves the authoritative JSON in the run directory;
	// stdout is the fallback when the tool was asked not to write files.
	source := stdout.Bytes()
	if inv.SaveArtifacts {
		if p, lerr := artifacts.LocateIn(inv.OutputDir, domain.ArtifactJSON); lerr == nil {
			if data, rerr := os.ReadFile(p); rerr == nil {
				source = data
				out.ArtifactsWritten = true
			}
		}
	}
	dets, err := ParseDetections(source)
	if err != nil {
		return out, domain.InvocationError("", err, "unreadable predictor output")
	}
	out.Detections = dets
	return out, nil
}

func (d *ExecDetector) Health(ctx context.Context) error {
	if _, err := exec.LookPath(d.executable); err != nil {
		return fmt.Errorf("predictor executable: %w", err)
	}
	return nil
}

func checkModel(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return domain.InvocationError(domain.CodeModelNotFound, nil, "model not configured")
	}
	info, err := os.Stat(ref)
	if err != nil || info.IsDir() {
		return domain.InvocationError(domain.CodeModelNotFound, err, "model not found: %s", ref)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrInError {
		s = "..." + s[len(s)-maxStderrInError:]
	}
	return s
}
