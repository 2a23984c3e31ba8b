package pipeline

import (
	"path/filepath"
	"testing"
)

func TestProcessedPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "/cache/temp_input_image_123.jpg", want: "/cache/temp_input_image_123_processed.bmp"},
		{in: "photo.png", want: "photo_processed.bmp"},
		{in: "archive.tar.gz", want: "archive.tar_processed.bmp"},
		{in: "/data/noext", want: "/data/noext_processed.bmp"},
		{in: filepath.Join("dir.d", "file"), want: filepath.Join("dir.d", "file_processed.bmp")},
		{in: "trailing.", want: "trailing_processed.bmp"},
	}
	for _, tt := range tests {
		if got := ProcessedPath(tt.in); got != tt.want {
			t.Fatalf("ProcessedPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOutputObjectKey(t *testing.T) {
	if got := OutputObjectKey("", "job-1", "uploads/job-1/source"); got != "outputs/job-1/source_processed.bmp" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := OutputObjectKey("results", "a b", "uploads/x/cat.webp"); got != "results/a_b/cat_processed.bmp" {
		t.Fatalf("unexpected key %s", got)
	}
}
