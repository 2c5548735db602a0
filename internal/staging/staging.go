// Package staging validates uploaded images and writes them to uniquely named
// temporary files owned by a single detection run.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Stager interface {
	Stage(ctx context.Context, img domain.UploadedImage, requestID string) (*domain.DetectionRequest, error)
	Release(req *domain.DetectionRequest) error
	Dir() string
}

type fileStager struct {
	dir      string
	maxBytes int64
	allowed  map[string]struct{}
	now      func() time.Time
}

func NewFileStager(dir string, maxBytes int64, allowed map[string]struct{}, now func() time.Time) Stager {
	if now == nil {
		now = time.Now
	}
	return &fileStager{dir: dir, maxBytes: maxBytes, allowed: allowed, now: now}
}

func (s *fileStager) Dir() string { return s.dir }

func (s *fileStager) Stage(ctx context.Context, img domain.UploadedImage, requestID string) (*domain.DetectionRequest, error) {
	if img.Content == nil {
		return nil, domain.ValidationError(domain.CodeMissingFile, "no file part in request")
	}
	if strings.TrimSpace(img.Filename) == "" {
		return nil, domain.ValidationError(domain.CodeMissingFile, "no file selected")
	}
	stem, ext := splitName(img.Filename)
	if _, ok := s.allowed[ext]; !ok || ext == "" {
		return nil, domain.ValidationError(domain.CodeUnsupportedType, "unsupported type %q", ext)
	}
	if img.Size > s.maxBytes {
		return nil, domain.ValidationError(domain.CodeTooLarge, "file too large: %d bytes exceeds %d", img.Size, s.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, domain.InternalError(err, "ensure staging dir")
	}
	name := stagedName(stem, ext, s.now(), requestID)
	dst := filepath.Join(s.dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, domain.InternalError(err, "staged name collision")
	}
	if err != nil {
		return nil, domain.InternalError(err, "create staged file")
	}

	n, copyErr := io.Copy(f, io.LimitReader(img.Content, s.maxBytes+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dst)
		return nil, domain.InternalError(copyErr, "write staged file")
	case closeErr != nil:
		_ = os.Remove(dst)
		return nil, domain.InternalError(closeErr, "close staged file")
	case n > s.maxBytes:
		_ = os.Remove(dst)
		return nil, domain.ValidationError(domain.CodeTooLarge, "file too large: exceeds %d bytes", s.maxBytes)
	case n == 0:
		_ = os.Remove(dst)
		return nil, domain.ValidationError(domain.CodeMissingFile, "uploaded file is empty")
	}

	return &domain.DetectionRequest{RequestID: requestID, StagedPath: dst, StagedName: name}, nil
}

func (s *fileStager) Release(req *domain.DetectionRequest) error {
	if req == nil || req.StagedPath == "" {
		return nil
	}
	if err := os.Remove(req.StagedPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// stagedName builds <stem>_<timestamp>_<id8>.<ext>.
func stagedName(stem, ext string, at time.Time, requestID string) string {
	stamp := strings.Replace(at.Format("20060102_150405.000000"), ".", "_", 1)
	suffix := SanitizeName(requestID)
	suffix = strings.ReplaceAll(suffix, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	if suffix == "" {
		return fmt.Sprintf("%s_%s.%s", stem, stamp, ext)
	}
	return fmt.Sprintf("%s_%s_%s.%s", stem, stamp, suffix, ext)
}

// splitName sanitises the stem of an uploaded filename and returns it with the
// lower-cased extension.
func splitName(filename string) (stem, ext string) {
	base := baseName(filename)
	ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))
	stem = SanitizeName(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" {
		stem = "upload"
	}
	return stem, ext
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// SanitizeName reduces a filename to a safe ASCII basename: path components are
// dropped, whitespace becomes '_', anything outside [A-Za-z0-9._-] is removed and
// leading or trailing dots and underscores are trimmed. It may return "".
func SanitizeName(name string) string {
	name = baseName(name)
	// Chain transformers keep state, so each call builds its own.
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	if folded, _, err := transform.String(stripMarks, name); err == nil {
		name = folded
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'):
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}
