package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dunamismax/fisheye/internal/raster"
)

// uniqueImage gives every pixel distinct samples so remaps are observable.
func uniqueImage(t testing.TB, w, h, channels int) *raster.Buffer {
	t.Helper()

	buf, err := raster.New(raster.Geometry{Width: w, Height: h, Channels: channels})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := make([]byte, channels)
			for c := range px {
				px[c] = byte(1 + x + y*w + c*7)
			}
			if err := buf.SetPixel(x, y, px); err != nil {
				t.Fatalf("set pixel: %v", err)
			}
		}
	}
	return buf
}

func mustPixel(t *testing.T, buf *raster.Buffer, x, y int) []byte {
	t.Helper()
	px, err := buf.Pixel(x, y)
	if err != nil {
		t.Fatalf("pixel(%d,%d): %v", x, y, err)
	}
	return px
}

func insideCircle(g raster.Geometry, x, y int) bool {
	cx := float64(g.Width) / 2
	cy := float64(g.Height) / 2
	radius := min(cx, cy)
	dx := (float64(x) - cx) / radius
	dy := (float64(y) - cy) / radius
	return dx*dx+dy*dy < 1
}

func TestFisheyePreservesGeometry(t *testing.T) {
	for _, g := range []raster.Geometry{
		{Width: 9, Height: 7, Channels: 1},
		{Width: 16, Height: 16, Channels: 2},
		{Width: 5, Height: 12, Channels: 3},
		{Width: 1, Height: 1, Channels: 4},
		{Width: 0, Height: 0, Channels: 3},
	} {
		src := uniqueImage(t, g.Width, g.Height, g.Channels)
		out, _, err := Fisheye(src, 0.5)
		if err != nil {
			t.Fatalf("fisheye %s: %v", g, err)
		}
		if out.Geometry() != g {
			t.Fatalf("expected geometry %s, got %s", g, out.Geometry())
		}
	}
}

func TestFisheyeCopiesOutsideCircle(t *testing.T) {
	src := uniqueImage(t, 13, 9, 3)
	out, stats, err := Fisheye(src, 0.7)
	if err != nil {
		t.Fatalf("fisheye: %v", err)
	}

	g := src.Geometry()
	outside := 0
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if insideCircle(g, x, y) {
				continue
			}
			outside++
			if !bytes.Equal(mustPixel(t, out, x, y), mustPixel(t, src, x, y)) {
				t.Fatalf("pixel (%d,%d) outside the circle changed", x, y)
			}
		}
	}
	if stats.Copied != outside {
		t.Fatalf("expected %d copied pixels, got %d", outside, stats.Copied)
	}
	if stats.Copied+stats.Remapped+stats.Filled != g.Pixels() {
		t.Fatalf("stats do not cover every pixel: %+v", stats)
	}
}

func TestFisheyeZeroStrengthIsIdentity(t *testing.T) {
	for _, g := range []raster.Geometry{
		{Width: 8, Height: 8, Channels: 3},
		{Width: 11, Height: 6, Channels: 4},
		{Width: 7, Height: 7, Channels: 1},
	} {
		src := uniqueImage(t, g.Width, g.Height, g.Channels)
		out, stats, err := Fisheye(src, 0)
		if err != nil {
			t.Fatalf("fisheye %s: %v", g, err)
		}
		if !out.Equal(src) {
			t.Fatalf("expected identity for %s at strength 0", g)
		}
		if stats.Filled != 0 {
			t.Fatalf("expected no filled pixels at strength 0, got %d", stats.Filled)
		}
	}
}

func TestFisheyeRemapsTowardsEdge(t *testing.T) {
	src := uniqueImage(t, 8, 8, 3)
	out, _, err := Fisheye(src, 0.5)
	if err != nil {
		t.Fatalf("fisheye: %v", err)
	}

	// r=0.25 -> nr=0.5 -> x=4+0.5*4=6; r=0.5 -> nr~0.707 -> x=round(6.83)=7.
	cases := []struct{ dstX, dstY, srcX, srcY int }{
		{4, 4, 4, 4},
		{5, 4, 6, 4},
		{6, 4, 7, 4},
		{4, 5, 4, 6},
	}
	for _, c := range cases {
		if !bytes.Equal(mustPixel(t, out, c.dstX, c.dstY), mustPixel(t, src, c.srcX, c.srcY)) {
			t.Fatalf("expected (%d,%d) to sample source (%d,%d)", c.dstX, c.dstY, c.srcX, c.srcY)
		}
	}
}

func TestFisheyeFillsBlackWhenSourceRoundsOutside(t *testing.T) {
	src := uniqueImage(t, 4, 4, 3)
	out, stats, err := Fisheye(src, 0.99)
	if err != nil {
		t.Fatalf("fisheye: %v", err)
	}

	// (3,2): dx=0.5, nr=0.5^0.01~0.993, srcX=round(2+1.986)=4 == width.
	if got := mustPixel(t, out, 3, 2); !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Fatalf("expected black fill at (3,2), got %v", got)
	}
	if stats.Filled == 0 {
		t.Fatal("expected at least one filled pixel")
	}
}

func TestFisheyeIsNotIdempotent(t *testing.T) {
	src := uniqueImage(t, 8, 8, 3)
	once, _, err := Fisheye(src, 0.5)
	if err != nil {
		t.Fatalf("fisheye once: %v", err)
	}
	twice, _, err := Fisheye(once, 0.5)
	if err != nil {
		t.Fatalf("fisheye twice: %v", err)
	}
	if once.Equal(twice) {
		t.Fatal("expected a second pass to distort further")
	}
}

func TestFisheyeDoesNotModifySource(t *testing.T) {
	src := uniqueImage(t, 10, 10, 4)
	before := src.Clone()
	if _, _, err := Fisheye(src, 0.5); err != nil {
		t.Fatalf("fisheye: %v", err)
	}
	if !src.Equal(before) {
		t.Fatal("expected source buffer to stay untouched")
	}
}

func TestFisheyeRejectsInvalidStrength(t *testing.T) {
	src := uniqueImage(t, 2, 2, 3)
	for _, s := range []float64{-0.01, 1, 1.5} {
		if _, _, err := Fisheye(src, s); !errors.Is(err, ErrInvalidStrength) {
			t.Fatalf("strength %v: expected ErrInvalidStrength, got %v", s, err)
		}
	}
}

func BenchmarkFisheye(b *testing.B) {
	src := uniqueImage(b, 1920, 1080, 3)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Fisheye(src, DefaultStrength); err != nil {
			b.Fatalf("fisheye: %v", err)
		}
	}
}
