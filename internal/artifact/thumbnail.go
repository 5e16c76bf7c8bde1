package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Thumbnail scales an encoded image down to width pixels and re-encodes it as JPEG.
func Thumbnail(data []byte, width int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}
	if width <= 0 {
		width = 320
	}
	if width > b.Dx() {
		width = b.Dx()
	}
	height := int(float64(b.Dy()) * float64(width) / float64(b.Dx()))
	if height == 0 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, dst, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
