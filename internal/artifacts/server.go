package artifacts

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/staging"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/gabriel-vasile/mimetype"
)

const fallbackContentType = "application/octet-stream"

// Artifact is a file ready to be streamed to a caller.
type Artifact struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Server resolves artifacts by logical file name anywhere in the output tree.
type Server interface {
	Serve(name string) (*Artifact, error)
}

type server struct {
	store Store
}

func NewServer(store Store) Server {
	return &server{store: store}
}

// Serve looks for name in the output root, then in each run directory newest
// first, descending one level into tool-created subdirectories.
func (s *server) Serve(name string) (*Artifact, error) {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return nil, domain.ValidationError(domain.CodeInvalidName, "invalid artifact name %q", name)
	}
	clean := staging.SanitizeName(name)
	if clean == "" {
		return nil, domain.ValidationError(domain.CodeInvalidName, "invalid artifact name %q", name)
	}

	root := s.store.Root()
	if p, ok := findIn(root, clean); ok {
		return s.open(p)
	}
	runs, err := s.store.Runs()
	if err != nil {
		return nil, domain.InternalError(err, "list run directories")
	}
	for _, r := range runs {
		if p, ok := findIn(r.Path, clean); ok {
			return s.open(p)
		}
		entries, err := os.ReadDir(r.Path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if p, ok := findIn(filepath.Join(r.Path, e.Name()), clean); ok {
				return s.open(p)
			}
		}
	}
	return nil, domain.NotFoundError("artifact %q not found", name)
}

func (s *server) open(p string) (*Artifact, error) {
	if err := confine(s.store.Root(), p); err != nil {
		return nil, err
	}
	return describe(p)
}

func findIn(dir, clean string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == clean || staging.SanitizeName(e.Name()) == clean {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// confine rejects paths that resolve outside root through symlinks.
func confine(root, p string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return domain.NotFoundError("artifact not found")
	}
	realPath, err := filepath.EvalSymlinks(p)
	if err != nil {
		return domain.NotFoundError("artifact not found")
	}
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return domain.NotFoundError("artifact not found")
	}
	return nil
}

func describe(p string) (*Artifact, error) {
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil, domain.NotFoundError("artifact %q not found", filepath.Base(p))
	}
	return &Artifact{
		Path:        p,
		Name:        filepath.Base(p),
		ContentType: contentType(p),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		return ct
	}
	if m, err := mimetype.DetectFile(p); err == nil && m != nil {
		return m.String()
	}
	return fallbackContentType
}
