package intake

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"

	"github.com/vbonduro/prodlens/internal/apperrors"
)

// DisplaySize returns the preview dimensions for a w x h image scaled to
// exactly maxWidth, preserving aspect ratio. Height never drops below 1.
func DisplaySize(w, h, maxWidth int) (int, int) {
	nh := int(math.Round(float64(maxWidth) * float64(h) / float64(w)))
	if nh < 1 {
		nh = 1
	}
	return maxWidth, nh
}

// MakeDisplayCopy resizes d to maxWidth and re-encodes it as PNG. Images
// narrower than maxWidth are upscaled with the same filter, so the output
// dimensions depend only on the input dimensions and maxWidth.
func MakeDisplayCopy(d *Decoded, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		return nil, apperrors.NewEncodeError("Invalid preview width", fmt.Errorf("maxWidth %d", maxWidth))
	}

	w, h := DisplaySize(d.Width(), d.Height(), maxWidth)
	if h > MaxAspectRatio*maxWidth {
		return nil, apperrors.NewInvalidImageError(
			"The image is too narrow to preview",
			fmt.Errorf("preview would be %dx%d from %dx%d", w, h, d.Width(), d.Height()))
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), d.img, d.img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, apperrors.NewEncodeError("The preview could not be encoded", err)
	}
	return buf.Bytes(), nil
}
