//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/fisheye/internal/raster"
)

type govipsDecoder struct {
	maxPixels int64
}

func (d govipsDecoder) Decode(ctx context.Context, path string) (*raster.Buffer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// libvips loads lazily; width and height come from the header.
	img, err := vips.NewImageFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrDecode, path, err)
	}
	defer img.Close()

	if err := checkDimensions(img.Width(), img.Height(), d.maxPixels); err != nil {
		return nil, err
	}

	if img.BandFormat() != vips.BandFormatUchar {
		if err := img.Cast(vips.BandFormatUchar); err != nil {
			return nil, fmt.Errorf("%w: cast %s to 8-bit: %w", ErrDecode, path, err)
		}
	}
	if img.Bands() > 4 {
		if err := img.ExtractBand(0, 4); err != nil {
			return nil, fmt.Errorf("%w: extract bands %s: %w", ErrDecode, path, err)
		}
	}
	if img.Bands() < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, img.Bands())
	}

	data, err := img.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: read pixels %s: %w", ErrDecode, path, err)
	}

	buf, err := raster.FromBytes(raster.Geometry{
		Width:    img.Width(),
		Height:   img.Height(),
		Channels: img.Bands(),
	}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return buf, nil
}
