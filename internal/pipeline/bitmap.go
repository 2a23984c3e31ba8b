package pipeline

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/dunamismax/fisheye/internal/raster"
)

const (
	bitmapMagic          = 0x4D42 // "BM"
	bitmapFileHeaderSize = 14
	bitmapInfoHeaderSize = 40
	bitmapPixelOffset    = bitmapFileHeaderSize + bitmapInfoHeaderSize
	bitmapBitCount       = 24
)

// RowStride is the byte length of one 24-bit row padded to 4 bytes.
func RowStride(width int) int {
	return ((width * 3) + 3) &^ 3
}

// BitmapSize is the exact file size EncodeBitmap produces for g.
func BitmapSize(g raster.Geometry) int {
	return bitmapPixelOffset + RowStride(g.Width)*g.Height
}

// bitmapHeader lays out BITMAPFILEHEADER followed by BITMAPINFOHEADER,
// little endian and unpadded. Zero fields are left as zero.
func bitmapHeader(g raster.Geometry) [bitmapPixelOffset]byte {
	var h [bitmapPixelOffset]byte
	le := binary.LittleEndian
	imageSize := uint32(RowStride(g.Width) * g.Height)

	le.PutUint16(h[0:], bitmapMagic)
	le.PutUint32(h[2:], bitmapPixelOffset+imageSize)
	le.PutUint16(h[6:], 0)
	le.PutUint16(h[8:], 0)
	le.PutUint32(h[10:], bitmapPixelOffset)

	le.PutUint32(h[14:], bitmapInfoHeaderSize)
	le.PutUint32(h[18:], uint32(int32(g.Width)))
	le.PutUint32(h[22:], uint32(int32(g.Height)))
	le.PutUint16(h[26:], 1)
	le.PutUint16(h[28:], bitmapBitCount)
	le.PutUint32(h[30:], 0) // BI_RGB
	le.PutUint32(h[34:], imageSize)
	// resolution, colours used and important colours stay 0
	return h
}

// EncodeBitmap writes buf as a bottom-up 24-bit BMP. Channels 0..2 are read
// as R,G,B and stored B,G,R. One- and two-channel buffers replicate channel 0
// into all three slots; any alpha channel is dropped.
func EncodeBitmap(w io.Writer, buf *raster.Buffer) error {
	g := buf.Geometry()
	if g.Width > math.MaxInt32 || g.Height > math.MaxInt32 || int64(BitmapSize(g)) > math.MaxUint32 {
		return fmt.Errorf("%w: %s too large for a bitmap", ErrEncode, g)
	}

	bw := bufio.NewWriter(w)
	header := bitmapHeader(g)
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("%w: write header: %w", ErrEncode, err)
	}

	row := make([]byte, RowStride(g.Width))
	for y := 0; y < g.Height; y++ {
		src, err := buf.Row(g.Height - 1 - y)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEncode, err)
		}
		packBGR(row, src, g.Channels)
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("%w: write row %d: %w", ErrEncode, y, err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrEncode, err)
	}
	return nil
}

// packBGR fills the leading width*3 bytes of dst; padding is never touched.
func packBGR(dst, src []byte, channels int) {
	for x, i := 0, 0; i+channels <= len(src); x, i = x+1, i+channels {
		r := src[i]
		g, b := r, r
		if channels >= 3 {
			g, b = src[i+1], src[i+2]
		}
		dst[x*3] = b
		dst[x*3+1] = g
		dst[x*3+2] = r
	}
}

// WriteBitmapFile encodes buf to path. The bitmap is staged in a temp file
// next to path and renamed over it only once fully written, so a failed
// write never leaves a file at path.
func WriteBitmapFile(path string, buf *raster.Buffer) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrEncode, path, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := EncodeBitmap(tmp, buf); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrEncode, tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrEncode, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename to %s: %w", ErrEncode, path, err)
	}
	committed = true
	return nil
}
