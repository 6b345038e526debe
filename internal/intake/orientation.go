package intake

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

const orientationNormal = 1

// readOrientation extracts the EXIF orientation tag from JPEG data. Missing or
// unreadable EXIF is treated as normal orientation.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return orientationNormal
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return orientationNormal
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return orientationNormal
	}
	return o
}

// applyOrientation returns src transformed so that it displays upright for
// the given EXIF orientation (1-8). Orientations 5-8 swap width and height.
func applyOrientation(src image.Image, orientation int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	// at maps a destination pixel to the source pixel it is copied from.
	var at func(x, y int) (int, int)
	switch orientation {
	case 2: // mirror horizontal
		at = func(x, y int) (int, int) { return w - 1 - x, y }
	case 3: // rotate 180
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 4: // mirror vertical
		at = func(x, y int) (int, int) { return x, h - 1 - y }
	case 5: // transpose
		at = func(x, y int) (int, int) { return y, x }
	case 6: // rotate 90 clockwise
		at = func(x, y int) (int, int) { return y, h - 1 - x }
	case 7: // transverse
		at = func(x, y int) (int, int) { return w - 1 - y, h - 1 - x }
	case 8: // rotate 90 counter-clockwise
		at = func(x, y int) (int, int) { return w - 1 - y, x }
	default:
		return src
	}

	dw, dh := w, h
	if orientation >= 5 {
		dw, dh = h, w
	}
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			sx, sy := at(x, y)
			dst.Set(x, y, src.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}
