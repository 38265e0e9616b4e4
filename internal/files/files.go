// Package files handles upload intake for detection calls: validation
// against the service's configured limits, content hashing, and persistence
// under the storage directory.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/visionbox/gateway/internal/idgen"
)

var (
	ErrFormatNotAllowed = errors.New("files: file format not allowed")
	ErrFileTooLarge     = errors.New("files: file exceeds maximum size")
	ErrEmptyFile        = errors.New("files: empty file")
)

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "bmp": true, "webp": true,
}

var videoExtensions = map[string]bool{
	"mp4": true, "avi": true, "mov": true, "mkv": true,
}

// StoredFile describes a persisted upload.
type StoredFile struct {
	Path   string // absolute path usable by the detector
	Name   string // original client file name
	Size   int64
	Type   string // "image" or "video"
	Format string // normalized extension
	SHA256 string
}

// Intake validates and persists uploads.
type Intake struct {
	dir string
}

// NewIntake creates an intake rooted at dir, creating it if needed.
func NewIntake(dir string) (*Intake, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create upload dir: %w", err)
	}
	return &Intake{dir: dir}, nil
}

// Ext returns the normalized extension of a file name, without the dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// TypeOf classifies an extension as image or video, empty if neither.
func TypeOf(ext string) string {
	switch {
	case imageExtensions[ext]:
		return "image"
	case videoExtensions[ext]:
		return "video"
	}
	return ""
}

// Store validates the upload against the allow-list and size cap, then
// writes it under the intake directory with a random name. The returned
// SHA256 covers the stored bytes.
func (i *Intake) Store(fh *multipart.FileHeader, allowedFormats []string, maxSize int64) (*StoredFile, error) {
	if fh.Size == 0 {
		return nil, ErrEmptyFile
	}
	if maxSize > 0 && fh.Size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, fh.Size, maxSize)
	}

	ext := Ext(fh.Filename)
	allowed := false
	for _, f := range allowedFormats {
		if strings.EqualFold(f, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %q", ErrFormatNotAllowed, ext)
	}

	fileType := TypeOf(ext)
	if fileType == "" {
		return nil, fmt.Errorf("%w: %q is neither image nor video", ErrFormatNotAllowed, ext)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("files: open upload: %w", err)
	}
	defer func() { _ = src.Close() }()

	path := filepath.Join(i.dir, idgen.Hex(16)+"."+ext)
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("files: create stored file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), src)
	closeErr := dst.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("files: write stored file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("files: close stored file: %w", closeErr)
	}

	return &StoredFile{
		Path:   path,
		Name:   fh.Filename,
		Size:   size,
		Type:   fileType,
		Format: ext,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Remove deletes a stored file, ignoring already-gone files.
func (i *Intake) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
