package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"

	"github.com/user/mjclient/internal/types"
)

var _ types.Storage = (*S3Storage)(nil)

// S3Storage writes grid and upscale images to an S3-compatible bucket
// via minio-go, grounded on sa6mwa-lockd's S3/blob storage backend
// shape. Grid and upscale object keys follow the same
// <timestamp>/<filename> layout as FilesystemStorage's directory
// naming, without a prompt_<timestamp>.txt object; the consolidated
// record is stored under generations/<generationID>.json rather than
// under the timestamp prefix.
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage wraps an existing minio client bound to bucket.
func NewS3Storage(client *minio.Client, bucket string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket}
}

func (s *S3Storage) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *S3Storage) SaveGrid(ctx context.Context, data []byte, meta types.GridMeta) (string, error) {
	base := fmt.Sprintf("%s/grid_%s", meta.Timestamp, meta.Timestamp)
	if err := s.putObject(ctx, base+".png", data, "image/png"); err != nil {
		return "", fmt.Errorf("storage(s3): put grid: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("storage(s3): marshal grid meta: %w", err)
	}
	if err := s.putObject(ctx, base+".meta.json", metaJSON, "application/json"); err != nil {
		return "", fmt.Errorf("storage(s3): put grid meta: %w", err)
	}
	return base + ".png", nil
}

func (s *S3Storage) SaveUpscale(ctx context.Context, data []byte, meta types.UpscaleMeta) (string, error) {
	base := fmt.Sprintf("%s/variant_%d_%s", meta.Timestamp, meta.VariantIndex, meta.Timestamp)
	if err := s.putObject(ctx, base+".png", data, "image/png"); err != nil {
		return "", fmt.Errorf("storage(s3): put upscale: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("storage(s3): marshal upscale meta: %w", err)
	}
	if err := s.putObject(ctx, base+".meta.json", metaJSON, "application/json"); err != nil {
		return "", fmt.Errorf("storage(s3): put upscale meta: %w", err)
	}
	return base + ".png", nil
}

func (s *S3Storage) AppendMetadata(ctx context.Context, generationID types.GenerationID, entry any) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("storage(s3): marshal generation record: %w", err)
	}
	key := fmt.Sprintf("generations/%s.json", generationID)
	if err := s.putObject(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("storage(s3): put generation record: %w", err)
	}
	return nil
}
