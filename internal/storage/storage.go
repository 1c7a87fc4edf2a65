// Package storage implements the Storage Adapter (spec.md §4.H): a
// shared contract with filesystem, GridFS-interface, and S3 (minio)
// variants. The filesystem variant groups one generation's files under
// one timestamp directory; the other two reuse its grid/variant file
// names and differ as their own docs describe.
//
// The atomic write pattern (write to a .tmp file, then os.Rename)
// follows the teacher's internal/state/artifact.go and
// internal/state/session.go directly; only the directory layout and
// filenames are new, taken from spec.md §4.H.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/mjclient/internal/types"
)

var _ types.Storage = (*FilesystemStorage)(nil)

// FilesystemStorage writes grid/upscale images and their metadata
// under root/<YYYYMMDD_HHMMSS>/, one directory per generation.
type FilesystemStorage struct {
	root string

	mu   sync.Mutex
	dirs map[types.GenerationID]string
}

// NewFilesystemStorage roots a FilesystemStorage at dir.
func NewFilesystemStorage(dir string) *FilesystemStorage {
	return &FilesystemStorage{root: dir, dirs: make(map[types.GenerationID]string)}
}

// generationDir returns (creating if needed) the timestamp directory
// for a generation, so every file belonging to one generation lands
// under the same YYYYMMDD_HHMMSS directory even across multiple
// Save* calls.
func (s *FilesystemStorage) generationDir(id types.GenerationID, timestamp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir, ok := s.dirs[id]; ok {
		return dir, nil
	}
	dir := filepath.Join(s.root, timestamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create generation dir: %w", err)
	}
	s.dirs[id] = dir
	return dir, nil
}

// writeAtomic writes data to name inside dir via temp-file-then-rename.
func writeAtomic(dir, name string, data []byte) error {
	target := filepath.Join(dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write temp %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: rename temp %s: %w", name, err)
	}
	return nil
}

// SaveGrid writes grid_<timestamp>.png and its .meta.json sidecar,
// plus the plaintext prompt_<timestamp>.txt alongside it.
func (s *FilesystemStorage) SaveGrid(ctx context.Context, data []byte, meta types.GridMeta) (string, error) {
	dir, err := s.generationDir(meta.GenerationID, meta.Timestamp)
	if err != nil {
		return "", err
	}

	base := fmt.Sprintf("grid_%s", meta.Timestamp)
	if err := writeAtomic(dir, base+".png", data); err != nil {
		return "", err
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("storage: marshal grid meta: %w", err)
	}
	if err := writeAtomic(dir, base+".meta.json", metaJSON); err != nil {
		return "", err
	}
	if err := writeAtomic(dir, fmt.Sprintf("prompt_%s.txt", meta.Timestamp), []byte(meta.Prompt)); err != nil {
		return "", err
	}

	return filepath.Join(dir, base+".png"), nil
}

// SaveUpscale writes variant_<n>_<timestamp>.png and its .meta.json
// sidecar. meta.GridMessageID is always populated by the caller; this
// function does not validate it, since the Facade's upscaleVariant is
// the sole producer of UpscaleMeta values and always sets it.
func (s *FilesystemStorage) SaveUpscale(ctx context.Context, data []byte, meta types.UpscaleMeta) (string, error) {
	dir, err := s.generationDir(meta.GenerationID, meta.Timestamp)
	if err != nil {
		return "", err
	}

	base := fmt.Sprintf("variant_%d_%s", meta.VariantIndex, meta.Timestamp)
	if err := writeAtomic(dir, base+".png", data); err != nil {
		return "", err
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("storage: marshal upscale meta: %w", err)
	}
	if err := writeAtomic(dir, base+".meta.json", metaJSON); err != nil {
		return "", err
	}

	return filepath.Join(dir, base+".png"), nil
}

// AppendMetadata writes (or rewrites) the consolidated
// generation_<timestamp>.json record. Since entries accumulate as
// variants resolve, the whole record is re-marshaled and
// atomically rewritten rather than appended line-by-line; readers
// never observe a half-written record.
func (s *FilesystemStorage) AppendMetadata(ctx context.Context, generationID types.GenerationID, entry any) error {
	s.mu.Lock()
	dir, ok := s.dirs[generationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("storage: no generation directory recorded for %s; call SaveGrid first", generationID)
	}

	timestamp := filepath.Base(dir)
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal generation record: %w", err)
	}
	return writeAtomic(dir, fmt.Sprintf("generation_%s.json", timestamp), data)
}

// Timestamp formats t the way spec.md §4.H's directory naming
// requires: YYYYMMDD_HHMMSS.
func Timestamp(t time.Time) string {
	return t.Format("20060102_150405")
}
