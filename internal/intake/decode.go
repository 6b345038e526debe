package intake

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vbonduro/prodlens/internal/apperrors"
)

// allowedExtensions is the set of declared upload extensions accepted.
var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
}

// sniffedFormats maps the MIME types reported by http.DetectContentType to
// the image package format names.
var sniffedFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
}

const (
	// DefaultMaxPixels bounds decoded width*height when no limit is configured.
	DefaultMaxPixels = 40_000_000
	// MaxAspectRatio bounds the longer side over the shorter side. It also
	// bounds the preview height at MaxAspectRatio times the preview width.
	MaxAspectRatio = 20
)

// Decoded is a fully decoded image. It is immutable once returned.
type Decoded struct {
	img    image.Image
	format string
	// original holds the source bytes when they still describe img exactly.
	// It is nil once orientation correction has rewritten the pixels.
	original []byte
}

func (d *Decoded) Image() image.Image { return d.img }
func (d *Decoded) Format() string     { return d.format }
func (d *Decoded) Width() int         { return d.img.Bounds().Dx() }
func (d *Decoded) Height() int        { return d.img.Bounds().Dy() }

// Intake turns image sources into decoded images and disk-backed artifacts.
// It holds no per-request state and is safe for concurrent use.
type Intake struct {
	fetcher   *Fetcher
	artifacts *ArtifactStore
	maxBytes  int64
	maxPixels int
	logger    *slog.Logger
}

type Option func(*Intake)

// WithMaxPixels caps width*height of accepted images. Non-positive values
// keep DefaultMaxPixels.
func WithMaxPixels(n int) Option {
	return func(in *Intake) {
		if n > 0 {
			in.maxPixels = n
		}
	}
}

func New(fetcher *Fetcher, artifacts *ArtifactStore, maxBytes int64, logger *slog.Logger, opts ...Option) *Intake {
	in := &Intake{
		fetcher:   fetcher,
		artifacts: artifacts,
		maxBytes:  maxBytes,
		maxPixels: DefaultMaxPixels,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Decode produces a decoded image from src. It fails with a FetchError or an
// InvalidImageError and never writes to disk.
func (in *Intake) Decode(ctx context.Context, src Source) (*Decoded, error) {
	switch s := src.(type) {
	case UploadedBytes:
		ext := normalizeExtension(s.Extension)
		if !allowedExtensions[ext] {
			return nil, apperrors.NewInvalidImageError(
				"Only .jpg, .jpeg and .png files are supported",
				fmt.Errorf("declared extension %q", s.Extension))
		}
		return in.decodeBytes(s.Data)
	case CapturedFrame:
		return in.decodeBytes(s.Data)
	case RemoteURL:
		data, err := in.fetcher.Fetch(ctx, s.URL)
		if err != nil {
			return nil, err
		}
		return in.decodeBytes(data)
	case nil:
		return nil, apperrors.NewValidationError("Please upload a product image", nil)
	default:
		return nil, apperrors.NewInvalidImageError("Unsupported image source", fmt.Errorf("source %T", src))
	}
}

// Materialize writes d to a uniquely named artifact file. The caller owns the
// returned artifact and must Release it.
func (in *Intake) Materialize(ctx context.Context, d *Decoded) (*Artifact, error) {
	return in.artifacts.Create(ctx, d)
}

func (in *Intake) decodeBytes(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, apperrors.NewInvalidImageError("The image is empty", nil)
	}
	if in.maxBytes > 0 && int64(len(data)) > in.maxBytes {
		return nil, apperrors.NewInvalidImageError(
			fmt.Sprintf("The image is larger than the %d MB limit", in.maxBytes>>20),
			fmt.Errorf("%d bytes", len(data)))
	}

	format, ok := sniffFormat(data)
	if !ok {
		return nil, apperrors.NewInvalidImageError(
			"The file is not a JPEG or PNG image",
			fmt.Errorf("detected content type %q", http.DetectContentType(data)))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewInvalidImageError("The image could not be decoded", err)
	}
	if err := in.checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewInvalidImageError("The image could not be decoded", err)
	}
	if img.Bounds().Empty() {
		return nil, apperrors.NewInvalidImageError("The image has no pixels", nil)
	}

	d := &Decoded{img: img, format: format, original: data}
	if format == "jpeg" {
		if o := readOrientation(data); o != orientationNormal {
			in.logger.Debug("applying exif orientation", "orientation", o)
			d.img = applyOrientation(img, o)
			d.original = nil
		}
	}
	return d, nil
}

// checkDimensions rejects images whose header dimensions would make decoding
// or the preview allocate more than the configured limits.
func (in *Intake) checkDimensions(w, h int) error {
	if w <= 0 || h <= 0 {
		return apperrors.NewInvalidImageError("The image has no pixels", fmt.Errorf("dimensions %dx%d", w, h))
	}
	if int64(w)*int64(h) > int64(in.maxPixels) {
		return apperrors.NewInvalidImageError(
			"The image dimensions are too large",
			fmt.Errorf("dimensions %dx%d exceed %d pixels", w, h, in.maxPixels))
	}
	if max(w, h) > MaxAspectRatio*min(w, h) {
		return apperrors.NewInvalidImageError(
			fmt.Sprintf("The image is too narrow or too wide (aspect ratio above %d:1)", MaxAspectRatio),
			fmt.Errorf("dimensions %dx%d", w, h))
	}
	return nil
}

// sniffFormat reports the image format of data if it is one we accept.
func sniffFormat(data []byte) (string, bool) {
	format, ok := sniffedFormats[http.DetectContentType(data)]
	return format, ok
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
