package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/mjclient/internal/types"
)

// Bucket is the minimal surface this package needs from a GridFS
// bucket. Callers supply their own implementation (e.g. wrapping
// mongo-driver's gridfs.Bucket); this package does not import a
// MongoDB driver itself, consistent with spec.md's exclusion of
// document-oriented database bindings from the dependency surface.
type Bucket interface {
	UploadFromStream(ctx context.Context, filename string, data []byte, metadata map[string]any) (string, error)
}

var _ types.Storage = (*GridFSStorage)(nil)

// GridFSStorage adapts a caller-supplied Bucket to the Storage
// contract, using the same grid_<timestamp>.png and
// variant_<n>_<timestamp>.png filenames as FilesystemStorage. Metadata
// travels as GridFS file metadata rather than .meta.json sidecars, no
// prompt_<timestamp>.txt is written, and the consolidated record is
// named generation_<generationID>.json.
type GridFSStorage struct {
	bucket Bucket
}

// NewGridFSStorage wraps bucket.
func NewGridFSStorage(bucket Bucket) *GridFSStorage {
	return &GridFSStorage{bucket: bucket}
}

func (g *GridFSStorage) SaveGrid(ctx context.Context, data []byte, meta types.GridMeta) (string, error) {
	name := fmt.Sprintf("grid_%s.png", meta.Timestamp)
	id, err := g.bucket.UploadFromStream(ctx, name, data, gridMetaMap(meta))
	if err != nil {
		return "", fmt.Errorf("storage(gridfs): upload grid: %w", err)
	}
	return id, nil
}

func (g *GridFSStorage) SaveUpscale(ctx context.Context, data []byte, meta types.UpscaleMeta) (string, error) {
	name := fmt.Sprintf("variant_%d_%s.png", meta.VariantIndex, meta.Timestamp)
	id, err := g.bucket.UploadFromStream(ctx, name, data, upscaleMetaMap(meta))
	if err != nil {
		return "", fmt.Errorf("storage(gridfs): upload upscale: %w", err)
	}
	return id, nil
}

func (g *GridFSStorage) AppendMetadata(ctx context.Context, generationID types.GenerationID, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage(gridfs): marshal generation record: %w", err)
	}
	name := fmt.Sprintf("generation_%s.json", generationID)
	_, err = g.bucket.UploadFromStream(ctx, name, data, map[string]any{"generationId": string(generationID)})
	if err != nil {
		return fmt.Errorf("storage(gridfs): upload generation record: %w", err)
	}
	return nil
}

func gridMetaMap(meta types.GridMeta) map[string]any {
	return map[string]any{
		"generationId": string(meta.GenerationID),
		"messageId":    string(meta.MessageID),
		"prompt":       meta.Prompt,
		"timestamp":    meta.Timestamp,
	}
}

func upscaleMetaMap(meta types.UpscaleMeta) map[string]any {
	return map[string]any{
		"generationId":  string(meta.GenerationID),
		"messageId":     string(meta.MessageID),
		"gridMessageId": string(meta.GridMessageID),
		"variantIndex":  meta.VariantIndex,
		"prompt":        meta.Prompt,
		"timestamp":     meta.Timestamp,
	}
}
