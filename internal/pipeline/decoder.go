package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/fisheye/internal/raster"
)

// DefaultMaxPixels is the decode ceiling: 10,000 x 10,000.
const DefaultMaxPixels int64 = 10_000 * 10_000

// Decoder turns an image file into a pixel buffer. Implementations must
// reject images larger than their pixel ceiling before allocating pixels.
type Decoder interface {
	Decode(ctx context.Context, path string) (*raster.Buffer, error)
}

// NewDecoder returns the decoder selected at build time: libvips with the
// govips tag, the image package registry otherwise.
func NewDecoder(maxPixels int64) Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return newDecoder(maxPixels)
}

func checkDimensions(width, height int, maxPixels int64) error {
	if width < 0 || height < 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, width, height)
	}
	if int64(width)*int64(height) > maxPixels {
		return fmt.Errorf("%w: %w: %dx%d exceeds %d pixels", ErrDecode, ErrImageTooLarge, width, height, maxPixels)
	}
	return nil
}
