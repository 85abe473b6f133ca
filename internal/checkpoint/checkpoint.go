// Package checkpoint persists training checkpoints between sessions.
//
// A checkpoint is an opaque blob produced by the executor plus a small JSON
// metadata file recording the task, the last completed epoch, and when it
// was written. Both files are replaced atomically so a crash mid-save leaves
// the previous checkpoint intact.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"fractal/internal/services"
)

// Checkpoint is a restorable training snapshot.
type Checkpoint struct {
	TaskID  string
	Epoch   int
	SavedAt time.Time
	Data    []byte
}

// Store restores and saves checkpoints. Restore returns nil with no error
// when nothing has been saved yet.
type Store interface {
	Restore(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, ckpt Checkpoint) error
}

type metadata struct {
	TaskID    string `json:"task_Id"`
	LastEpoch int    `json:"lastEpoch"`
	Timestamp int64  `json:"checkpointTimestamp"`
}

// FileStore keeps one checkpoint per task under a directory.
type FileStore struct {
	dir    string
	taskID string
	now    func() time.Time
}

// NewFileStore returns a store rooted at dir for taskID.
func NewFileStore(dir, taskID string) *FileStore {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = "default"
	}
	return &FileStore{dir: dir, taskID: taskID, now: time.Now}
}

// DataPath is the blob location.
func (s *FileStore) DataPath() string {
	return filepath.Join(s.dir, s.taskID+".ckpt")
}

// MetaPath is the metadata location.
func (s *FileStore) MetaPath() string {
	return filepath.Join(s.dir, s.taskID+".meta.json")
}

// Restore loads the checkpoint. Unreadable metadata falls back to epoch 0 so
// the weights are still reused.
func (s *FileStore) Restore(ctx context.Context) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.DataPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrExternal, "checkpoint", "restore", "read checkpoint", err)
	}

	ckpt := &Checkpoint{TaskID: s.taskID, Data: data}
	raw, err := os.ReadFile(s.MetaPath())
	if err != nil {
		return ckpt, nil
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil || meta.LastEpoch < 0 {
		return ckpt, nil
	}
	ckpt.Epoch = meta.LastEpoch
	if meta.Timestamp > 0 {
		ckpt.SavedAt = time.UnixMilli(meta.Timestamp)
	}
	return ckpt, nil
}

// Save writes the blob, then the metadata.
func (s *FileStore) Save(ctx context.Context, ckpt Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ckpt.Data) == 0 {
		return services.Wrap(services.ErrValidation, "checkpoint", "save", "empty checkpoint", nil)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return services.Wrap(services.ErrExternal, "checkpoint", "save", "create checkpoint dir", err)
	}
	if err := writeAtomic(s.DataPath(), ckpt.Data); err != nil {
		return services.Wrap(services.ErrExternal, "checkpoint", "save", "write checkpoint", err)
	}

	savedAt := ckpt.SavedAt
	if savedAt.IsZero() {
		savedAt = s.now()
	}
	meta, err := json.Marshal(metadata{TaskID: s.taskID, LastEpoch: ckpt.Epoch, Timestamp: savedAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode checkpoint metadata: %w", err)
	}
	if err := writeAtomic(s.MetaPath(), meta); err != nil {
		return services.Wrap(services.ErrExternal, "checkpoint", "save", "write metadata", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // no-op once replaced

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
