package service

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"

	"casepilot/internal/domain"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat means the uploaded file is neither a supported
	// image nor a zip archive.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptArchive means the zip archive could not be read.
	ErrCorruptArchive = errors.New("archive is corrupt or unreadable")
	// ErrEmptyBundle means the upload yielded no analyzable documents.
	ErrEmptyBundle = errors.New("bundle contains no analyzable documents")
)

var imageFormats = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"bmp":  true,
	"webp": true,
}

// Extractor turns an uploaded requirement bundle (a single image or a zip of
// images) into an ordered list of document units for analysis.
type Extractor struct{}

// NewExtractor creates a new extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract parses the uploaded bytes into document units. Unit order follows
// archive entry order so task progress is deterministic. Non-image entries
// inside an archive are skipped; an upload that produces no units at all is
// rejected with ErrEmptyBundle before any task exists.
func (e *Extractor) Extract(fileName string, data []byte) ([]domain.DocumentUnit, error) {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")

	if ext == "zip" {
		return e.extractArchive(data)
	}
	if !imageFormats[ext] {
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}

	if err := validateImage(data); err != nil {
		return nil, err
	}
	return []domain.DocumentUnit{{
		Index:  0,
		Name:   fileName,
		Format: ext,
		Data:   data,
	}}, nil
}

func (e *Extractor) extractArchive(data []byte) ([]domain.DocumentUnit, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	var units []domain.DocumentUnit
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := normalizeEntryName(f.Name)
		if name == "" || isJunkEntry(name) {
			continue
		}
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
		if !imageFormats[ext] {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrCorruptArchive, name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrCorruptArchive, name, err)
		}
		if err := validateImage(content); err != nil {
			// Mislabeled or truncated images do not sink the whole bundle.
			continue
		}

		units = append(units, domain.DocumentUnit{
			Index:      len(units),
			Name:       name,
			ModuleHint: inferModule(name),
			Format:     ext,
			Data:       content,
		})
	}

	if len(units) == 0 {
		return nil, ErrEmptyBundle
	}
	return units, nil
}

// validateImage checks that the bytes decode as a known image format.
func validateImage(data []byte) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return nil
}

// inferModule derives a module hint from the first directory component of an
// archive entry path. "login/overview.png" hints module "login"; a top-level
// entry carries no hint.
func inferModule(entryName string) string {
	dir := path.Dir(entryName)
	if dir == "." || dir == "/" {
		return ""
	}
	parts := strings.Split(dir, "/")
	return parts[0]
}

// normalizeEntryName cleans archive paths to forward slashes without a
// leading separator.
func normalizeEntryName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(path.Clean(name), "/")
	if name == "." {
		return ""
	}
	return name
}

func isJunkEntry(name string) bool {
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == "__MACOSX" {
			return true
		}
	}
	return false
}
