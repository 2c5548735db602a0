package staging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"
)

var imageExts = map[string]struct{}{"png": {}, "jpg": {}, "jpeg": {}, "gif": {}}

func fixedClock() time.Time {
	return time.Date(2024, 3, 9, 14, 5, 7, 123456000, time.UTC)
}

func newTestStager(t *testing.T, maxBytes int64) (Stager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	return NewFileStager(dir, maxBytes, imageExts, fixedClock), dir
}

func upload(name string, data []byte) domain.UploadedImage {
	return domain.UploadedImage{Filename: name, Size: int64(len(data)), Content: bytes.NewReader(data)}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestStageRejections(t *testing.T) {
	tests := []struct {
		name string
		img  domain.UploadedImage
		code domain.ErrorCode
	}{
		{"no file part", domain.UploadedImage{Filename: "a.png"}, domain.CodeMissingFile},
		{"empty filename", upload("", []byte("x")), domain.CodeMissingFile},
		{"blank filename", upload("   ", []byte("x")), domain.CodeMissingFile},
		{"text file", upload("notes.txt", []byte("hello")), domain.CodeUnsupportedType},
		{"no extension", upload("image", []byte("x")), domain.CodeUnsupportedType},
		{"declared too large", domain.UploadedImage{Filename: "a.png", Size: 2048, Content: bytes.NewReader(nil)}, domain.CodeTooLarge},
		{"empty content", upload("a.png", nil), domain.CodeMissingFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stager, dir := newTestStager(t, 1024)
			req, err := stager.Stage(context.Background(), tt.img, "req-1")
			if err == nil {
				t.Fatalf("expected error, got %+v", req)
			}
			if domain.KindOf(err) != domain.KindValidation {
				t.Errorf("kind = %v, want validation", domain.KindOf(err))
			}
			if domain.CodeOf(err) != tt.code {
				t.Errorf("code = %v, want %v", domain.CodeOf(err), tt.code)
			}
			if n := countFiles(t, dir); n != 0 {
				t.Errorf("expected no staged files, found %d", n)
			}
		})
	}
}

func TestStageOversizedContentWithLyingSize(t *testing.T) {
	stager, dir := newTestStager(t, 16)
	img := domain.UploadedImage{Filename: "a.png", Size: 4, Content: bytes.NewReader(bytes.Repeat([]byte{1}, 64))}

	_, err := stager.Stage(context.Background(), img, "req-1")
	if domain.CodeOf(err) != domain.CodeTooLarge {
		t.Fatalf("expected too_large, got %v", err)
	}
	if n := countFiles(t, dir); n != 0 {
		t.Errorf("partial file left behind: %d files", n)
	}
}

func TestStageWritesAndReleases(t *testing.T) {
	stager, dir := newTestStager(t, 1024)
	data := []byte("\x89PNG fake image bytes")

	req, err := stager.Stage(context.Background(), upload("../../etc/My Tiles.PNG", data), "0190a3c4-5d6e-7f80-9a1b-2c3d4e5f6071")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if filepath.Dir(req.StagedPath) != dir {
		t.Errorf("staged outside staging dir: %s", req.StagedPath)
	}
	want := "My_Tiles_20240309_140507_123456_4e5f6071.png"
	if req.StagedName != want {
		t.Errorf("StagedName = %q, want %q", req.StagedName, want)
	}
	got, err := os.ReadFile(req.StagedPath)
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("staged bytes differ from upload")
	}

	if err := stager.Release(req); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(req.StagedPath); !os.IsNotExist(err) {
		t.Error("staged file still exists after Release")
	}
	if err := stager.Release(req); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}
}

func TestStageConcurrentSameFilename(t *testing.T) {
	stager, dir := newTestStager(t, 1024)
	const n = 16

	var wg sync.WaitGroup
	names := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := strings.Repeat("0", 24) + string(rune('a'+i)) + "1234567"
			req, err := stager.Stage(context.Background(), upload("tiles.jpg", []byte{byte(i), 1, 2}), id)
			errs[i] = err
			if req != nil {
				names[i] = req.StagedName
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("stage %d: %v", i, errs[i])
		}
		if seen[names[i]] {
			t.Fatalf("duplicate staged name %q", names[i])
		}
		seen[names[i]] = true
	}
	if got := countFiles(t, dir); got != n {
		t.Errorf("staged %d files, want %d", got, n)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tiles.png", "tiles.png"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\hand.jpg`, "hand.jpg"},
		{"my hand 1.jpg", "my_hand_1.jpg"},
		{"café.png", "cafe.png"},
		{"麻将.png", "png"},
		{"..", ""},
		{".hidden", "hidden"},
		{"a;rm -rf.gif", "arm_-rf.gif"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitNameFallsBackToUpload(t *testing.T) {
	stem, ext := splitName("麻将.JPEG")
	if stem != "upload" || ext != "jpeg" {
		t.Errorf("splitName = (%q, %q), want (upload, jpeg)", stem, ext)
	}
}
