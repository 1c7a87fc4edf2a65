package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/mjclient/internal/types"
)

func TestFilesystemStorageSaveGridWritesExpectedFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStorage(dir)
	ts := Timestamp(time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC))
	genID := types.NewGenerationID()

	path, err := s.SaveGrid(context.Background(), []byte("png-bytes"), types.GridMeta{
		GenerationID: genID,
		MessageID:    types.MessageID("grid-1"),
		Prompt:       "a dolphin",
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}

	if filepath.Base(path) != "grid_"+ts+".png" {
		t.Errorf("unexpected path: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected grid png to exist: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); err == nil {
		t.Error("expected .tmp file to be renamed away")
	}
	metaPath := filepath.Join(dir, ts, "grid_"+ts+".meta.json")
	if _, err := os.Stat(metaPath); err != nil {
		t.Errorf("expected grid meta json to exist: %v", err)
	}
	promptPath := filepath.Join(dir, ts, "prompt_"+ts+".txt")
	content, err := os.ReadFile(promptPath)
	if err != nil {
		t.Fatalf("expected prompt file: %v", err)
	}
	if string(content) != "a dolphin" {
		t.Errorf("unexpected prompt content: %s", content)
	}
}

func TestFilesystemStorageSaveUpscaleCarriesGridMessageID(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStorage(dir)
	ts := Timestamp(time.Now())
	genID := types.NewGenerationID()

	// Establish the generation directory via SaveGrid first.
	if _, err := s.SaveGrid(context.Background(), []byte("png"), types.GridMeta{
		GenerationID: genID, MessageID: types.MessageID("grid-1"), Prompt: "p", Timestamp: ts,
	}); err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}

	path, err := s.SaveUpscale(context.Background(), []byte("variant-bytes"), types.UpscaleMeta{
		GenerationID:  genID,
		MessageID:     types.MessageID("u-1"),
		GridMessageID: types.MessageID("grid-1"),
		VariantIndex:  2,
		Prompt:        "p",
		Timestamp:     ts,
	})
	if err != nil {
		t.Fatalf("SaveUpscale: %v", err)
	}

	metaPath := filepath.Join(dir, ts, "variant_2_"+ts+".meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read upscale meta: %v", err)
	}
	var meta types.UpscaleMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("unmarshal upscale meta: %v", err)
	}
	if meta.GridMessageID != types.MessageID("grid-1") {
		t.Errorf("expected GridMessageID to round-trip, got %q", meta.GridMessageID)
	}
}

func TestFilesystemStorageAppendMetadataRequiresGridFirst(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStorage(dir)
	err := s.AppendMetadata(context.Background(), types.NewGenerationID(), map[string]string{"x": "y"})
	if err == nil {
		t.Error("expected error when no generation directory has been established")
	}
}

func TestFilesystemStorageAppendMetadataWritesConsolidatedRecord(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStorage(dir)
	ts := Timestamp(time.Now())
	genID := types.NewGenerationID()

	if _, err := s.SaveGrid(context.Background(), []byte("png"), types.GridMeta{
		GenerationID: genID, MessageID: types.MessageID("grid-1"), Prompt: "p", Timestamp: ts,
	}); err != nil {
		t.Fatalf("SaveGrid: %v", err)
	}

	record := map[string]any{"gridMessageId": "grid-1", "prompt": "p"}
	if err := s.AppendMetadata(context.Background(), genID, record); err != nil {
		t.Fatalf("AppendMetadata: %v", err)
	}

	recordPath := filepath.Join(dir, ts, "generation_"+ts+".json")
	if _, err := os.Stat(recordPath); err != nil {
		t.Errorf("expected consolidated record to exist: %v", err)
	}
}

type fakeBucket struct {
	uploads []struct {
		name     string
		metadata map[string]any
	}
}

func (f *fakeBucket) UploadFromStream(ctx context.Context, filename string, data []byte, metadata map[string]any) (string, error) {
	f.uploads = append(f.uploads, struct {
		name     string
		metadata map[string]any
	}{filename, metadata})
	return "oid-" + filename, nil
}

func TestGridFSStorageSaveUpscaleCarriesGridMessageID(t *testing.T) {
	bucket := &fakeBucket{}
	s := NewGridFSStorage(bucket)

	_, err := s.SaveUpscale(context.Background(), []byte("bytes"), types.UpscaleMeta{
		GenerationID:  types.NewGenerationID(),
		GridMessageID: types.MessageID("grid-7"),
		VariantIndex:  1,
		Timestamp:     "20260802_000000",
	})
	if err != nil {
		t.Fatalf("SaveUpscale: %v", err)
	}
	if len(bucket.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(bucket.uploads))
	}
	if bucket.uploads[0].metadata["gridMessageId"] != "grid-7" {
		t.Errorf("expected gridMessageId in uploaded metadata, got %v", bucket.uploads[0].metadata)
	}
}
