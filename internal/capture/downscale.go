package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Image is an encoded capture with its pixel dimensions.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Downscale resizes encoded image data by scale and re-encodes it in format.
// Scale 1 returns the input untouched apart from reading its dimensions.
func Downscale(data []byte, format string, quality int, scale float64) (Image, error) {
	if scale >= 1 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return Image{}, fmt.Errorf("decode config: %w", err)
		}
		return Image{Data: data, Width: cfg.Width, Height: cfg.Height}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode: %w", err)
	}
	b := src.Bounds()
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return Image{}, fmt.Errorf("encode %s: %w", format, err)
	}
	return Image{Data: buf.Bytes(), Width: w, Height: h}, nil
}
