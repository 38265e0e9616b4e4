package files

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"testing"
)

// uploadRequest builds a multipart request carrying one file.
func uploadHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("ParseMultipartForm failed: %v", err)
	}
	return req.MultipartForm.File["file"][0]
}

func newIntake(t *testing.T) *Intake {
	t.Helper()
	i, err := NewIntake(t.TempDir())
	if err != nil {
		t.Fatalf("NewIntake failed: %v", err)
	}
	return i
}

func TestStore(t *testing.T) {
	i := newIntake(t)
	content := []byte("fake jpeg bytes")
	fh := uploadHeader(t, "cat.JPG", content)

	stored, err := i.Store(fh, []string{"jpg", "png"}, 1<<20)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if stored.Type != "image" {
		t.Errorf("type = %q, want image", stored.Type)
	}
	if stored.Format != "jpg" {
		t.Errorf("format = %q, want jpg (case-normalized)", stored.Format)
	}
	if stored.Name != "cat.JPG" {
		t.Errorf("name = %q", stored.Name)
	}
	if stored.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", stored.Size, len(content))
	}

	sum := sha256.Sum256(content)
	if stored.SHA256 != hex.EncodeToString(sum[:]) {
		t.Error("stored hash does not match content")
	}

	data, err := os.ReadFile(stored.Path)
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("stored bytes differ from upload")
	}
}

func TestStore_RejectsDisallowedFormat(t *testing.T) {
	i := newIntake(t)
	fh := uploadHeader(t, "script.exe", []byte("nope"))

	if _, err := i.Store(fh, []string{"jpg"}, 1<<20); !errors.Is(err, ErrFormatNotAllowed) {
		t.Errorf("expected ErrFormatNotAllowed, got %v", err)
	}

	// Allowed by the service but not a media type we can detect on
	fh = uploadHeader(t, "doc.pdf", []byte("nope"))
	if _, err := i.Store(fh, []string{"pdf"}, 1<<20); !errors.Is(err, ErrFormatNotAllowed) {
		t.Errorf("expected ErrFormatNotAllowed for non-media, got %v", err)
	}
}

func TestStore_RejectsOversize(t *testing.T) {
	i := newIntake(t)
	fh := uploadHeader(t, "big.png", bytes.Repeat([]byte("x"), 100))

	if _, err := i.Store(fh, []string{"png"}, 50); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestStore_VideoType(t *testing.T) {
	i := newIntake(t)
	fh := uploadHeader(t, "clip.mp4", []byte("fake mp4"))

	stored, err := i.Store(fh, []string{"mp4"}, 1<<20)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if stored.Type != "video" {
		t.Errorf("type = %q, want video", stored.Type)
	}
}

func TestRemove(t *testing.T) {
	i := newIntake(t)
	fh := uploadHeader(t, "a.jpg", []byte("x"))
	stored, err := i.Store(fh, []string{"jpg"}, 1<<20)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := i.Remove(stored.Path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	// Removing again is not an error
	if err := i.Remove(stored.Path); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
}
