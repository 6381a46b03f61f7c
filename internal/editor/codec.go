package editor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/tjfontaine/darkroom/internal/filter"
)

// acceptedFormat reports the codec for name when its extension is allowed.
func (s *Service) acceptedFormat(name string) (imaging.Format, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" || !s.allowed[ext] {
		return 0, false
	}
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return 0, false
	}
	return format, true
}

func contentType(format imaging.Format) string {
	switch format {
	case imaging.JPEG:
		return "image/jpeg"
	case imaging.PNG:
		return "image/png"
	case imaging.BMP:
		return "image/bmp"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// encode writes img in the format implied by filename so results keep the upload's type.
func encode(img image.Image, filename string) ([]byte, error) {
	format, err := imaging.FormatFromFilename(filename)
	if err != nil {
		return nil, fmt.Errorf("unknown output format for %s: %w", filename, err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return buf.Bytes(), nil
}

// sanitizeFilename keeps the base name and replaces anything outside [A-Za-z0-9._-].
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" {
		return "image"
	}
	return out
}

func invalidValueMessage(err error) (string, bool) {
	var invalid *filter.InvalidValueError
	if !errors.As(err, &invalid) {
		return "", false
	}
	return fmt.Sprintf("Invalid value for %s: %s %s.", invalid.Filter, invalid.Param, invalid.Reason), true
}
