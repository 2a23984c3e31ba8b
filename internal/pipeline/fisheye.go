package pipeline

import (
	"fmt"
	"math"

	"github.com/dunamismax/fisheye/internal/raster"
)

// DefaultStrength bulges the centre halfway between identity and the limit.
const DefaultStrength = 0.5

// RemapStats counts how each output pixel was produced.
type RemapStats struct {
	Copied   int // outside the inscribed circle
	Remapped int // sampled from a remapped source pixel
	Filled   int // remapped source fell outside the image
}

func ValidateStrength(strength float64) error {
	if math.IsNaN(strength) || strength < 0 || strength >= 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidStrength, strength)
	}
	return nil
}

// Fisheye applies a radial distortion inside the circle inscribed in the
// image. A point at normalized radius r samples the source at r^(1-strength)
// along the same angle, nearest neighbour. Pixels outside the circle are
// copied as-is; samples that round outside the image become 0 in every
// channel. The source buffer is not modified.
func Fisheye(src *raster.Buffer, strength float64) (*raster.Buffer, RemapStats, error) {
	var stats RemapStats
	if err := ValidateStrength(strength); err != nil {
		return nil, stats, err
	}

	geom := src.Geometry()
	dst := src.Clone()
	if geom.Width == 0 || geom.Height == 0 {
		return dst, stats, nil
	}

	cx := float64(geom.Width) / 2
	cy := float64(geom.Height) / 2
	radius := math.Min(cx, cy)
	exponent := 1 - strength

	for y := 0; y < geom.Height; y++ {
		dy := (float64(y) - cy) / radius
		for x := 0; x < geom.Width; x++ {
			dx := (float64(x) - cx) / radius
			r2 := dx*dx + dy*dy
			if r2 >= 1 {
				stats.Copied++
				continue
			}

			nr := math.Pow(math.Sqrt(r2), exponent)
			theta := math.Atan2(dy, dx)
			srcX := int(math.Round(cx + nr*radius*math.Cos(theta)))
			srcY := int(math.Round(cy + nr*radius*math.Sin(theta)))

			px, err := src.Pixel(srcX, srcY)
			if err != nil {
				if err := dst.Fill(x, y, 0); err != nil {
					return nil, stats, err
				}
				stats.Filled++
				continue
			}
			if err := dst.SetPixel(x, y, px); err != nil {
				return nil, stats, err
			}
			stats.Remapped++
		}
	}

	return dst, stats, nil
}
