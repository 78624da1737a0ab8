package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/busybox42/outbound/internal/store"
)

// BodyStore opens the message content referenced by a queue entry.
type BodyStore interface {
	Open(ctx context.Context, msg store.QueuedMessage) (io.ReadCloser, error)
}

// FileBodyStore reads bodies from files. Relative data paths are resolved
// against Root.
type FileBodyStore struct {
	Root string
}

func (f FileBodyStore) Open(_ context.Context, msg store.QueuedMessage) (io.ReadCloser, error) {
	if msg.DataPath == "" {
		return nil, fmt.Errorf("message %s has no data path", msg.ID)
	}
	path := msg.DataPath
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open body of %s: %w", msg.ID, err)
	}
	return file, nil
}
