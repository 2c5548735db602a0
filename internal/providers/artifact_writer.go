package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactWriter stores detector artifacts inside a run directory.
type ArtifactWriter interface {
	WriteFile(ctx context.Context, dir, name string, data []byte) (string, error)
}

type localWriter struct{}

func NewLocalWriter() ArtifactWriter {
	return localWriter{}
}

// WriteFile writes through a temporary file and renames it into place, so
// readers scanning the run directory never see a partial artifact.
func (localWriter) WriteFile(ctx context.Context, dir, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}
