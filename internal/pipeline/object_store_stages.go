package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dunamismax/fisheye/internal/domain"
	"github.com/dunamismax/fisheye/internal/raster"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned

	bitmapContentType = "image/bmp"
)

type objectDownloader interface {
	DownloadObject(ctx context.Context, objectKey, filePath string) (int64, error)
}

type objectUploader interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectStoreFetcher downloads the source object into a temp file so the
// decoder can read it by path. The file is removed by Source.Cleanup.
type ObjectStoreFetcher struct {
	Storage objectDownloader
	TempDir string
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) (Source, error) {
	if f.Storage == nil {
		return Source{}, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	tmp, err := os.CreateTemp(f.TempDir, "fisheye-src-*"+path.Ext(req.ObjectKey))
	if err != nil {
		return Source{}, fmt.Errorf("create temp source file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Source{}, fmt.Errorf("close temp source file: %w", err)
	}

	size, err := f.Storage.DownloadObject(ctx, req.ObjectKey, tmpName)
	if err != nil {
		_ = os.Remove(tmpName)
		return Source{}, err
	}

	return Source{
		Path:    tmpName,
		Bytes:   size,
		Cleanup: func() { _ = os.Remove(tmpName) },
	}, nil
}

type ObjectStoreEmitter struct {
	Storage      objectUploader
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, _ Source, img *raster.Buffer) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(req.JobID) == "" {
		return Output{}, errors.New("job_id is required")
	}

	var buf bytes.Buffer
	buf.Grow(BitmapSize(img.Geometry()))
	if err := EncodeBitmap(&buf, img); err != nil {
		return Output{}, err
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID, req.ObjectKey)
	if err := e.Storage.WriteObject(ctx, objectKey, buf.Bytes(), bitmapContentType); err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	return Output{Path: objectKey, Bytes: buf.Len()}, nil
}

// OutputObjectKey names the bitmap for a job: <prefix>/<job>/<source base>_processed.bmp.
func OutputObjectKey(prefix, jobID, sourceKey string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "outputs"
	}
	return path.Join(prefix, sanitizePathToken(jobID), ProcessedPath(path.Base(sourceKey)))
}
