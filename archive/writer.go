package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/circleci/typeset/closer"
	"github.com/circleci/typeset/internal/ctxio"
)

// Writer writes regular files into an uncompressed tar stream.
type Writer struct {
	tw      *tar.Writer
	modTime time.Time
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{
		tw:      tar.NewWriter(w),
		modTime: time.Now().Truncate(time.Second),
	}
}

// WriteFile writes a file entry called name with exactly size bytes read from r.
func (w *Writer) WriteFile(ctx context.Context, name string, size int64, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  w.modTime,
	})
	if err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := io.CopyN(w.tw, ctxio.Reader(ctx, r), size); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AddFile writes the file at path into the archive as name.
func (w *Writer) AddFile(ctx context.Context, name, path string) (err error) {
	f, err := os.Open(path) //nolint:gosec // callers pass workspace paths
	if err != nil {
		return err
	}
	defer closer.ErrorHandler(f, &err)

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return w.WriteFile(ctx, name, info.Size(), f)
}

// Close writes the end of archive marker and flushes. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.tw.Close()
}
