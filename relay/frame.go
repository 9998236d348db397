package relay

import "time"

// PixelFormat describes the memory layout of a RawFrame.
type PixelFormat int

const (
	PixelFormatRGB24 PixelFormat = iota
	PixelFormatBGR24
	PixelFormatGray8
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatBGR24:
		return "bgr24"
	case PixelFormatGray8:
		return "gray"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns 0 for formats the relay does not know.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24, PixelFormatBGR24:
		return 3
	case PixelFormatGray8:
		return 1
	default:
		return 0
	}
}

// RawFrame is one decoded picture as read from the upstream source.
type RawFrame struct {
	Width      int
	Height     int
	Format     PixelFormat
	Data       []byte
	CapturedAt time.Time
}

// Frame is a JPEG encoded picture ready for delivery. Frames are shared by
// reference between subscribers and must not be modified.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Data       []byte
}
