package checkpoint_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"fractal/internal/checkpoint"
	"fractal/internal/services"
)

func TestRestoreEmpty(t *testing.T) {
	store := checkpoint.NewFileStore(t.TempDir(), "mnist")
	ckpt, err := store.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ckpt != nil {
		t.Fatalf("expected no checkpoint, got %+v", ckpt)
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewFileStore(dir, "mnist")
	savedAt := time.UnixMilli(1_700_000_000_000)

	if err := store.Save(context.Background(), checkpoint.Checkpoint{Epoch: 7, SavedAt: savedAt, Data: []byte("weights")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ckpt, err := checkpoint.NewFileStore(dir, "mnist").Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ckpt == nil || ckpt.Epoch != 7 || !bytes.Equal(ckpt.Data, []byte("weights")) {
		t.Fatalf("unexpected checkpoint: %+v", ckpt)
	}
	if !ckpt.SavedAt.Equal(savedAt) || ckpt.TaskID != "mnist" {
		t.Fatalf("unexpected metadata: %+v", ckpt)
	}

	meta, err := os.ReadFile(store.MetaPath())
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if !bytes.Contains(meta, []byte(`"lastEpoch":7`)) {
		t.Fatalf("unexpected meta json %s", meta)
	}
}

func TestCorruptMetadataFallsBackToEpochZero(t *testing.T) {
	store := checkpoint.NewFileStore(t.TempDir(), "")
	if err := store.Save(context.Background(), checkpoint.Checkpoint{Epoch: 4, Data: []byte("w")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(store.MetaPath(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt meta: %v", err)
	}
	ckpt, err := store.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ckpt == nil || ckpt.Epoch != 0 || string(ckpt.Data) != "w" {
		t.Fatalf("expected weights with epoch 0, got %+v", ckpt)
	}
}

func TestSaveRejectsEmptyData(t *testing.T) {
	store := checkpoint.NewFileStore(t.TempDir(), "x")
	err := store.Save(context.Background(), checkpoint.Checkpoint{Epoch: 1})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
