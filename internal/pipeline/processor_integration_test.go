package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func TestLocalProcessor_FileInFisheyeFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")

	srcBytes := buildTestPNG(t, 240, 120)
	if err := os.WriteFile(inputPath, srcBytes, 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	processor, err := NewLocalProcessor("", Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Strength:   DefaultStrength,
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	wantPath := filepath.Join(tmp, "input_processed.bmp")
	if result.Output.Path != wantPath {
		t.Fatalf("expected output %s, got %s", wantPath, result.Output.Path)
	}
	if result.Geometry.Width != 240 || result.Geometry.Height != 120 || result.Geometry.Channels != 3 {
		t.Fatalf("unexpected geometry %s", result.Geometry)
	}
	if result.SourceBytes != int64(len(srcBytes)) {
		t.Fatalf("expected source bytes %d, got %d", len(srcBytes), result.SourceBytes)
	}
	if result.Remap.Remapped == 0 {
		t.Fatal("expected remapped pixels inside the circle")
	}

	img := verifyBitmapSize(t, result.Output.Path, 240, 120)

	// corners sit outside the circle and survive unchanged
	got := color.RGBAModel.Convert(img.At(239, 119)).(color.RGBA)
	want := gradientAt(239, 119, 240, 120)
	if got.R != want.R || got.G != want.G || got.B != want.B {
		t.Fatalf("corner pixel changed: got %+v want %+v", got, want)
	}
}

func TestLocalProcessor_OutputDirPerJob(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "photo.jpeg.png")
	if err := os.WriteFile(inputPath, buildTestPNG(t, 32, 32), 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	outDir := filepath.Join(tmp, "out")
	processor, err := NewLocalProcessor(outDir, Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:     "job/../2",
		ObjectKey: inputPath,
		Strength:  0.3,
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	want := filepath.Join(outDir, "job____2", "photo.jpeg_processed.bmp")
	if result.Output.Path != want {
		t.Fatalf("expected output %s, got %s", want, result.Output.Path)
	}
	verifyBitmapSize(t, want, 32, 32)
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		Strength:   DefaultStrength,
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source_type error, got %v", err)
	}
}

func TestLocalProcessor_DecodeFailureWritesNothing(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "broken.png")
	if err := os.WriteFile(inputPath, []byte("\x89PNG but not really"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	processor, err := NewLocalProcessor("", Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{ObjectKey: inputPath, Strength: DefaultStrength})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if _, statErr := os.Stat(ProcessedPath(inputPath)); !os.IsNotExist(statErr) {
		t.Fatalf("expected no output file, stat err=%v", statErr)
	}
}

func TestLocalProcessor_RejectsInvalidStrength(t *testing.T) {
	processor, err := NewLocalProcessor("", Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}
	_, err = processor.Process(context.Background(), Request{ObjectKey: "in.png", Strength: 1})
	if !errors.Is(err, ErrInvalidStrength) {
		t.Fatalf("expected ErrInvalidStrength, got %v", err)
	}
}

func TestLocalProcessor_CancelledContext(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	if err := os.WriteFile(inputPath, buildTestPNG(t, 8, 8), 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	processor, err := NewLocalProcessor("", Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := processor.Process(ctx, Request{ObjectKey: inputPath, Strength: DefaultStrength}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func gradientAt(x, y, w, h int) color.RGBA {
	return color.RGBA{
		R: uint8((x * 255) / w),
		G: uint8((y * 255) / h),
		B: 140,
		A: 255,
	}
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, gradientAt(x, y, w, h))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func verifyBitmapSize(t *testing.T, path string, wantW, wantH int) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open bitmap %s: %v", path, err)
	}
	defer f.Close()

	img, err := bmp.Decode(f)
	if err != nil {
		t.Fatalf("decode bitmap %s: %v", path, err)
	}

	if got := img.Bounds(); got.Dx() != wantW || got.Dy() != wantH {
		t.Fatalf("expected %dx%d, got %dx%d", wantW, wantH, got.Dx(), got.Dy())
	}
	return img
}
