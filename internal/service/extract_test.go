package service

import (
	"archive/zip"
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// tinyPNG encodes a 2x2 image so extractor tests exercise real decoding.
func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := f.Write(content); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractSingleImage(t *testing.T) {
	e := NewExtractor()
	units, err := e.Extract("overview.png", tinyPNG(t))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	u := units[0]
	if u.Name != "overview.png" || u.Format != "png" || u.ModuleHint != "" {
		t.Errorf("unit = %+v, want name overview.png, format png, no module hint", u)
	}
}

func TestExtractUnsupportedExtension(t *testing.T) {
	e := NewExtractor()
	if _, err := e.Extract("spec.pdf", []byte("%PDF-1.4")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Extract(pdf) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExtractImageExtensionWithBadBytes(t *testing.T) {
	e := NewExtractor()
	if _, err := e.Extract("fake.png", []byte("not an image at all")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Extract(bad png) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExtractArchiveModuleHints(t *testing.T) {
	img := tinyPNG(t)
	data := buildZip(t, map[string][]byte{
		"login/overview.png":   img,
		"login/form.png":       img,
		"payment/checkout.png": img,
		"readme.txt":           []byte("ignore me"),
		"cover.png":            img,
	})

	e := NewExtractor()
	units, err := e.Extract("requirements.zip", data)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(units) != 4 {
		t.Fatalf("units = %d, want 4 (txt entry skipped)", len(units))
	}

	hints := map[string]string{}
	for i, u := range units {
		if u.Index != i {
			t.Errorf("unit %d has index %d", i, u.Index)
		}
		hints[u.Name] = u.ModuleHint
	}
	want := map[string]string{
		"login/overview.png":   "login",
		"login/form.png":       "login",
		"payment/checkout.png": "payment",
		"cover.png":            "",
	}
	for name, hint := range want {
		if hints[name] != hint {
			t.Errorf("module hint for %s = %q, want %q", name, hints[name], hint)
		}
	}
}

func TestExtractArchiveSkipsJunk(t *testing.T) {
	img := tinyPNG(t)
	data := buildZip(t, map[string][]byte{
		"__MACOSX/login/._overview.png": []byte("resource fork"),
		".DS_Store":                     []byte("finder noise"),
		"broken/truncated.png":          []byte("not really a png"),
		"login/overview.png":            img,
	})

	e := NewExtractor()
	units, err := e.Extract("bundle.zip", data)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(units) != 1 || units[0].Name != "login/overview.png" {
		t.Errorf("units = %+v, want only login/overview.png", units)
	}
}

func TestExtractEmptyBundle(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"notes.txt":  []byte("no images here"),
		"docs/a.pdf": []byte("%PDF-1.4"),
	})

	e := NewExtractor()
	if _, err := e.Extract("empty.zip", data); !errors.Is(err, ErrEmptyBundle) {
		t.Errorf("Extract(no images) error = %v, want ErrEmptyBundle", err)
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	e := NewExtractor()
	if _, err := e.Extract("broken.zip", []byte("this is not a zip")); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("Extract(corrupt) error = %v, want ErrCorruptArchive", err)
	}
}

func TestInferModule(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{"login/overview.png", "login"},
		{"login/sub/detail.png", "login"},
		{"cover.png", ""},
	}
	for _, tt := range tests {
		if got := inferModule(tt.entry); got != tt.want {
			t.Errorf("inferModule(%q) = %q, want %q", tt.entry, got, tt.want)
		}
	}
}
