package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/dunamismax/fisheye/internal/raster"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdlibDecoder struct {
	maxPixels int64
}

func (d stdlibDecoder) Decode(ctx context.Context, path string) (*raster.Buffer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrDecode, path, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read header %s: %w", ErrDecode, path, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height, d.maxPixels); err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: rewind %s: %w", ErrDecode, path, err)
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrDecode, path, err)
	}

	channels := channelsFor(img)
	if format == "png" && isGrayAlphaPNG(f) {
		channels = 2
	}
	return bufferFromImage(img, channels)
}

// isGrayAlphaPNG reports whether the IHDR colour type is 4 (gray + alpha).
// image/png widens those to NRGBA, so the header is the only place the
// source channel count survives.
func isGrayAlphaPNG(r io.ReaderAt) bool {
	var hdr [26]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return false
	}
	return string(hdr[:8]) == pngSignature && string(hdr[12:16]) == "IHDR" && hdr[25] == pngColorGrayAlpha
}

const (
	pngSignature      = "\x89PNG\r\n\x1a\n"
	pngColorGrayAlpha = 4
)

// channelsFor maps a decoded image to the sample count the source carries.
func channelsFor(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.YCbCr, *image.CMYK:
		return 3
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return 3
	}
	return 4
}

func bufferFromImage(img image.Image, channels int) (*raster.Buffer, error) {
	bounds := img.Bounds()
	geom := raster.Geometry{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Channels: channels,
	}
	if geom.Channels < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, geom.Channels)
	}

	buf, err := raster.New(geom)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	data := buf.Bytes()

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < geom.Height; y++ {
			start := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(data[y*geom.Width:(y+1)*geom.Width], src.Pix[start:start+geom.Width])
		}
		return buf, nil
	case *image.NRGBA:
		if geom.Channels == 4 {
			rowBytes := geom.Width * 4
			for y := 0; y < geom.Height; y++ {
				start := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
				copy(data[y*rowBytes:(y+1)*rowBytes], src.Pix[start:start+rowBytes])
			}
			return buf, nil
		}
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.At(x, y)
			if geom.Channels == 1 {
				data[i] = color.GrayModel.Convert(c).(color.Gray).Y
				i++
				continue
			}
			n := color.NRGBAModel.Convert(c).(color.NRGBA)
			switch geom.Channels {
			case 2:
				data[i], data[i+1] = n.R, n.A
			case 3:
				data[i], data[i+1], data[i+2] = n.R, n.G, n.B
			default:
				data[i], data[i+1], data[i+2], data[i+3] = n.R, n.G, n.B, n.A
			}
			i += geom.Channels
		}
	}
	return buf, nil
}
