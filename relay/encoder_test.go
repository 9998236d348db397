package relay

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int, format PixelFormat) RawFrame {
	data := make([]byte, w*h*format.BytesPerPixel())
	for i := range data {
		data[i] = byte(i % 251)
	}
	return RawFrame{Width: w, Height: h, Format: format, Data: data}
}

func TestJPEGEncoderFormats(t *testing.T) {
	for _, format := range []PixelFormat{PixelFormatRGB24, PixelFormatBGR24, PixelFormatGray8} {
		t.Run(format.String(), func(t *testing.T) {
			out, err := JPEGEncoder{}.Encode(solidFrame(16, 8, format), 75)
			require.NoError(t, err)

			img, err := jpeg.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, 16, img.Bounds().Dx())
			assert.Equal(t, 8, img.Bounds().Dy())
		})
	}
}

func TestJPEGEncoderDownscales(t *testing.T) {
	enc := JPEGEncoder{MaxWidth: 32, MaxHeight: 32}
	out, err := enc.Encode(solidFrame(128, 64, PixelFormatRGB24), 80)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 16, cfg.Height)
}

func TestJPEGEncoderClampsQuality(t *testing.T) {
	frame := solidFrame(8, 8, PixelFormatGray8)
	for _, q := range []int{-10, 0, 101, 1000} {
		_, err := JPEGEncoder{}.Encode(frame, q)
		assert.NoError(t, err, "quality %d", q)
	}
}

func TestJPEGEncoderRejectsBadFrames(t *testing.T) {
	cases := map[string]RawFrame{
		"unknown format": {Width: 2, Height: 2, Format: PixelFormat(42), Data: make([]byte, 12)},
		"short data":     {Width: 4, Height: 4, Format: PixelFormatRGB24, Data: make([]byte, 10)},
		"zero geometry":  {Width: 0, Height: 4, Format: PixelFormatGray8},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := JPEGEncoder{}.Encode(raw, 80)
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}
}
