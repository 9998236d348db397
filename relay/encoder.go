package relay

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Encoder turns decoded frames into JPEG bytes. Implementations must be safe
// for concurrent use.
type Encoder interface {
	Encode(raw RawFrame, quality int) ([]byte, error)
}

// JPEGEncoder encodes raw frames with image/jpeg, downscaling frames that
// exceed MaxWidth or MaxHeight. A zero bound disables scaling on that axis.
type JPEGEncoder struct {
	MaxWidth  int
	MaxHeight int
}

func (e JPEGEncoder) Encode(raw RawFrame, quality int) ([]byte, error) {
	img, err := toImage(raw)
	if err != nil {
		return nil, err
	}
	img = e.scale(img)

	if quality < 1 {
		quality = 1
	} else if quality > 100 {
		quality = 100
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (e JPEGEncoder) scale(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ratio := 1.0
	if e.MaxWidth > 0 && w > e.MaxWidth {
		ratio = float64(e.MaxWidth) / float64(w)
	}
	if e.MaxHeight > 0 && h > e.MaxHeight {
		if r := float64(e.MaxHeight) / float64(h); r < ratio {
			ratio = r
		}
	}
	if ratio >= 1 {
		return img
	}

	nw := max(1, int(float64(w)*ratio))
	nh := max(1, int(float64(h)*ratio))
	rect := image.Rect(0, 0, nw, nh)
	var dst draw.Image
	if _, gray := img.(*image.Gray); gray {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	draw.ApproxBiLinear.Scale(dst, rect, img, b, draw.Src, nil)
	return dst
}

func toImage(raw RawFrame) (image.Image, error) {
	bpp := raw.Format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: pixel format %d", ErrUnsupported, raw.Format)
	}
	if raw.Width <= 0 || raw.Height <= 0 || len(raw.Data) != raw.Width*raw.Height*bpp {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %s", ErrUnsupported, len(raw.Data), raw.Width, raw.Height, raw.Format)
	}

	rect := image.Rect(0, 0, raw.Width, raw.Height)
	if raw.Format == PixelFormatGray8 {
		return &image.Gray{Pix: raw.Data, Stride: raw.Width, Rect: rect}, nil
	}

	img := image.NewRGBA(rect)
	src, dst := raw.Data, img.Pix
	for i, j := 0, 0; i < len(src); i, j = i+3, j+4 {
		if raw.Format == PixelFormatBGR24 {
			dst[j], dst[j+1], dst[j+2] = src[i+2], src[i+1], src[i]
		} else {
			dst[j], dst[j+1], dst[j+2] = src[i], src[i+1], src[i+2]
		}
		dst[j+3] = 0xff
	}
	return img, nil
}
