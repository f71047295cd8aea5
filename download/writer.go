package download

import (
	"fmt"
	"os"
)

// fileWriter is the positional sink over the destination file. All writes go
// through the single writer goroutine, so the file needs no locking.
type fileWriter struct {
	f *os.File
}

// openWriter opens the destination. A fresh download creates or truncates
// the file; a resume opens it for writing in place.
func openWriter(path string, fresh bool) (*fileWriter, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if fresh {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}
	return &fileWriter{f: f}, nil
}

// writeAt writes buf fully at the absolute offset.
func (w *fileWriter) writeAt(offset int64, buf []byte) error {
	if _, err := w.f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write at %d failed: %w", offset, err)
	}
	return nil
}

func (w *fileWriter) sync() error {
	return w.f.Sync()
}

func (w *fileWriter) close() error {
	return w.f.Close()
}
