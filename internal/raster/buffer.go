// Package raster holds decoded pixel data as an owned, bounds-checked buffer.
package raster

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGeometry = errors.New("raster: invalid geometry")
	ErrOutOfBounds     = errors.New("raster: coordinates out of bounds")
	ErrSizeMismatch    = errors.New("raster: buffer length does not match geometry")
)

// Geometry is the immutable shape of a pixel buffer.
type Geometry struct {
	Width    int
	Height   int
	Channels int
}

func (g Geometry) Validate() error {
	if g.Width < 0 || g.Height < 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, g.Width, g.Height)
	}
	if g.Channels < 1 {
		return fmt.Errorf("%w: channels=%d", ErrInvalidGeometry, g.Channels)
	}
	return nil
}

// Pixels is width*height.
func (g Geometry) Pixels() int {
	return g.Width * g.Height
}

// Len is the exact byte length a buffer of this geometry owns.
func (g Geometry) Len() int {
	return g.Width * g.Height * g.Channels
}

func (g Geometry) Contains(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, g.Channels)
}

// Buffer is a row-major grid of pixels, each an interleaved tuple of
// Channels 8-bit samples. len(data) == Width*Height*Channels always holds.
type Buffer struct {
	geom Geometry
	data []byte
}

// New allocates a zeroed buffer.
func New(g Geometry) (*Buffer, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{geom: g, data: make([]byte, g.Len())}, nil
}

// FromBytes takes ownership of data. The caller must not retain it.
func FromBytes(g Geometry, data []byte) (*Buffer, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(data) != g.Len() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %s", ErrSizeMismatch, len(data), g.Len(), g)
	}
	return &Buffer{geom: g, data: data}, nil
}

func (b *Buffer) Geometry() Geometry {
	return b.geom
}

func (b *Buffer) Width() int    { return b.geom.Width }
func (b *Buffer) Height() int   { return b.geom.Height }
func (b *Buffer) Channels() int { return b.geom.Channels }

// Bytes returns the backing slice without copying.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) offset(x, y int) (int, error) {
	if !b.geom.Contains(x, y) {
		return 0, fmt.Errorf("%w: (%d,%d) in %s", ErrOutOfBounds, x, y, b.geom)
	}
	return (y*b.geom.Width + x) * b.geom.Channels, nil
}

// Pixel returns the samples of pixel (x,y). The returned slice aliases the
// buffer and is exactly Channels long.
func (b *Buffer) Pixel(x, y int) ([]byte, error) {
	off, err := b.offset(x, y)
	if err != nil {
		return nil, err
	}
	return b.data[off : off+b.geom.Channels : off+b.geom.Channels], nil
}

// SetPixel copies px into pixel (x,y). px must carry exactly Channels samples.
func (b *Buffer) SetPixel(x, y int, px []byte) error {
	if len(px) != b.geom.Channels {
		return fmt.Errorf("%w: pixel has %d samples, want %d", ErrSizeMismatch, len(px), b.geom.Channels)
	}
	off, err := b.offset(x, y)
	if err != nil {
		return err
	}
	copy(b.data[off:off+b.geom.Channels], px)
	return nil
}

// Fill sets every channel of pixel (x,y) to v.
func (b *Buffer) Fill(x, y int, v byte) error {
	off, err := b.offset(x, y)
	if err != nil {
		return err
	}
	for c := 0; c < b.geom.Channels; c++ {
		b.data[off+c] = v
	}
	return nil
}

// Row returns row y as a slice aliasing the buffer.
func (b *Buffer) Row(y int) ([]byte, error) {
	if y < 0 || y >= b.geom.Height {
		return nil, fmt.Errorf("%w: row %d in %s", ErrOutOfBounds, y, b.geom)
	}
	stride := b.geom.Width * b.geom.Channels
	return b.data[y*stride : (y+1)*stride], nil
}

func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buffer{geom: b.geom, data: data}
}

// Equal reports whether both buffers share a geometry and every sample.
func (b *Buffer) Equal(o *Buffer) bool {
	if b.geom != o.geom {
		return false
	}
	for i := range b.data {
		if b.data[i] != o.data[i] {
			return false
		}
	}
	return true
}
