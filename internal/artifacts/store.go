// Package artifacts owns the detector output tree: one run directory per
// detection request under a shared output root.
package artifacts

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

// Run is a run directory inside the output root.
type Run struct {
	Name    string
	Path    string
	ModTime time.Time
}

type Store interface {
	Root() string
	Prefix() string
	RunName(requestID string) string
	PrepareRun(requestID string) (string, error)
	DiscardRun(requestID string)
	Run(requestID string) (*Run, error)
	RunNamed(name string) (*Run, error)
	ResolveLatestRun() (*Run, error)
	Locate(run *Run, kind domain.ArtifactKind) (string, error)
	Resolve(run *Run) domain.ArtifactSet
	Open(run *Run, kind domain.ArtifactKind) (*Artifact, error)
	Runs() ([]Run, error)
	SweepOlderThan(cutoff time.Time) (int, error)
}

type fsStore struct {
	root   string
	prefix string
}

func NewStore(root, prefix string) Store {
	return &fsStore{root: filepath.Clean(root), prefix: prefix}
}

func (s *fsStore) Root() string   { return s.root }
func (s *fsStore) Prefix() string { return s.prefix }

func (s *fsStore) RunName(requestID string) string {
	return s.prefix + "_" + requestID
}

func (s *fsStore) PrepareRun(requestID string) (string, error) {
	if requestID == "" || strings.ContainsAny(requestID, `/\`) || strings.Contains(requestID, "..") {
		return "", domain.InternalError(nil, "invalid request id %q", requestID)
	}
	dir := filepath.Join(s.root, s.RunName(requestID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domain.InternalError(err, "create run directory")
	}
	return dir, nil
}

// DiscardRun removes the run directory if the detector left nothing in it.
func (s *fsStore) DiscardRun(requestID string) {
	_ = os.Remove(filepath.Join(s.root, s.RunName(requestID)))
}

func (s *fsStore) Run(requestID string) (*Run, error) {
	return s.RunNamed(s.RunName(requestID))
}

// RunNamed looks up a run directory by its directory name.
func (s *fsStore) RunNamed(name string) (*Run, error) {
	if name == "" || !strings.HasPrefix(name, s.prefix) || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, domain.NotFoundError("run %q not found", name)
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	if err != nil || !info.IsDir() {
		return nil, domain.NotFoundError("run %q not found", name)
	}
	return &Run{Name: name, Path: filepath.Join(s.root, name), ModTime: info.ModTime()}, nil
}

// ResolveLatestRun picks the run directory with the greatest name. It is only
// correct when a single run is in flight.
func (s *fsStore) ResolveLatestRun() (*Run, error) {
	runs, err := s.Runs()
	if err != nil {
		return nil, domain.ResolutionError(err, "read output root %s", s.root)
	}
	if len(runs) == 0 {
		return nil, domain.ResolutionError(nil, "no run directory under %s", s.root)
	}
	latest := runs[0]
	return &latest, nil
}

// Runs lists run directories in descending name order.
func (s *fsStore) Runs() ([]Run, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []Run
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), s.prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, Run{Name: e.Name(), Path: filepath.Join(s.root, e.Name()), ModTime: info.ModTime()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Name > runs[j].Name })
	return runs, nil
}

func (s *fsStore) Locate(run *Run, kind domain.ArtifactKind) (string, error) {
	if run == nil {
		return "", domain.ResolutionError(nil, "no run to search")
	}
	return LocateIn(run.Path, kind)
}

func (s *fsStore) Resolve(run *Run) domain.ArtifactSet {
	set := domain.ArtifactSet{}
	if run == nil {
		return set
	}
	set.RunName = run.Name
	if p, err := s.Locate(run, domain.ArtifactJSON); err == nil {
		set.JSONName = filepath.Base(p)
	}
	if p, err := s.Locate(run, domain.ArtifactImage); err == nil {
		set.ImageName = filepath.Base(p)
	}
	return set
}

func (s *fsStore) Open(run *Run, kind domain.ArtifactKind) (*Artifact, error) {
	p, err := s.Locate(run, kind)
	if err != nil {
		return nil, domain.NotFoundError("%s artifact not found for run %s", kind, run.Name)
	}
	if err := confine(s.root, p); err != nil {
		return nil, err
	}
	return describe(p)
}

// SweepOlderThan removes run directories last modified before cutoff.
func (s *fsStore) SweepOlderThan(cutoff time.Time) (int, error) {
	runs, err := s.Runs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range runs {
		if !r.ModTime.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(r.Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

var kindExtensions = map[domain.ArtifactKind][]string{
	domain.ArtifactJSON:  {".json"},
	domain.ArtifactImage: {".jpg", ".jpeg", ".png"},
}

// LocateIn finds the newest file of kind in dir or one of its immediate
// subdirectories. Equal modification times are broken by the greater name.
func LocateIn(dir string, kind domain.ArtifactKind) (string, error) {
	exts, ok := kindExtensions[kind]
	if !ok {
		return "", domain.ValidationError(domain.CodeInvalidName, "unknown artifact kind %q", kind)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", domain.ResolutionError(err, "read run directory")
	}

	var (
		best     string
		bestTime time.Time
	)
	consider := func(path string, e fs.DirEntry) {
		if !e.Type().IsRegular() || !hasExt(e.Name(), exts) {
			return
		}
		info, err := e.Info()
		if err != nil {
			return
		}
		mt := info.ModTime()
		if best == "" || mt.After(bestTime) || (mt.Equal(bestTime) && filepath.Base(path) > filepath.Base(best)) {
			best, bestTime = path, mt
		}
	}

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if !e.IsDir() {
			consider(p, e)
			continue
		}
		sub, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, se := range sub {
			consider(filepath.Join(p, se.Name()), se)
		}
	}
	if best == "" {
		return "", domain.ResolutionError(nil, "no %s artifact in %s", kind, filepath.Base(dir))
	}
	return best, nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
