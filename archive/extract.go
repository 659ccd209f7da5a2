package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/circleci/typeset/closer"
	"github.com/circleci/typeset/internal/ctxio"
	"github.com/circleci/typeset/o11y"
	"github.com/circleci/typeset/workspace"
)

// Extract unpacks the archive in r into ws and returns the number of entries written.
// Nothing outside ws is ever written.
func Extract(ctx context.Context, r io.Reader, ws *workspace.Workspace, opts ...Option) (entries int, err error) {
	ctx, span := o11y.StartSpan(ctx, "archive: extract")
	defer o11y.End(span, &err)
	defer func() {
		span.AddField("entries", entries)
	}()

	ar, err := NewReader(r, opts...)
	if err != nil {
		return 0, err
	}
	defer closer.ErrorHandler(ar, &err)

	var written int64
	for {
		e, err := ar.Next(ctx)
		if errors.Is(err, io.EOF) {
			span.AddField("bytes", written)
			return entries, nil
		}
		if err != nil {
			return entries, err
		}

		segments := e.Segments()
		switch e.Kind {
		case KindDir:
			if _, err := ws.CreateDir(segments[0], segments[1:]...); err != nil {
				return entries, collision(e.Name, err)
			}
		case KindFile:
			p, err := ws.Resolve(segments[0], segments[1:]...)
			if err != nil {
				return entries, err
			}
			n, err := writeFile(ctx, p, e)
			written += n
			if err != nil {
				return entries, collision(e.Name, err)
			}
		}
		entries++
	}
}

func writeFile(ctx context.Context, p string, src io.Reader) (n int64, err error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // p is resolved inside the workspace
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer closer.Annotated(f, &err, filepath.Base(p))

	return io.Copy(f, ctxio.Reader(ctx, src))
}

// collision marks err as malformed input when it comes from an entry that clashes with
// an earlier one of the other kind, such as a file "a" followed by "a/b".
func collision(name string, err error) error {
	if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) || errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s clashes with an earlier entry: %w", ErrMalformed, name, err)
	}
	return err
}
