// Package archive reads uploaded tar archives into a workspace, and writes tar archives
// of rendered results.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrMalformed is returned for anything in an upload that is not a well formed archive of
// plain files and directories.
var ErrMalformed = errors.New("malformed archive")

// ErrTooLarge is returned once an archive expands past the limit given with MaxBytes.
var ErrTooLarge = errors.New("archive too large")

type Option func(*Reader)

// MaxBytes bounds the decompressed archive, headers included, and the total size its
// file entries declare. A limit of 0 or less means no limit.
func MaxBytes(n int64) Option {
	return func(r *Reader) {
		r.limit = n
	}
}

type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is a single file or directory. A file's content is read from the Entry itself,
// and is only available until the next call to Next.
type Entry struct {
	// Name is the cleaned, slash separated, relative name of the entry.
	Name string
	Kind Kind
	Size int64

	r io.Reader
}

func (e *Entry) Read(p []byte) (int, error) {
	if e.r == nil {
		return 0, io.EOF
	}
	n, err := e.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %s: %w", ErrMalformed, e.Name, err)
	}
	return n, err
}

// Segments splits the name into its path elements.
func (e *Entry) Segments() []string {
	return strings.Split(e.Name, "/")
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type Reader struct {
	tr      *tar.Reader
	closeFn func()

	limit    int64
	declared int64
}

// NewReader returns a Reader over a tar stream, transparently decompressing gzip or
// zstd input.
func NewReader(r io.Reader, opts ...Option) (*Reader, error) {
	ar := &Reader{}
	for _, o := range opts {
		o(ar)
	}

	br := bufio.NewReader(r)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var src io.Reader = br
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", ErrMalformed, err)
		}
		src, ar.closeFn = zr, func() { _ = zr.Close() }
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrMalformed, err)
		}
		src, ar.closeFn = zr, zr.Close
	}

	if ar.limit > 0 {
		src = &limitReader{r: src, left: ar.limit, limit: ar.limit}
	}
	ar.tr = tar.NewReader(src)
	return ar, nil
}

// Next returns the next entry, or io.EOF once the archive is exhausted. The archive's
// own root directory entry ("./") is skipped. Any entry that is not a regular file or a
// directory, or whose name leaves the archive root, fails with ErrMalformed.
func (r *Reader) Next(ctx context.Context) (*Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		var kind Kind
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old writers still emit TypeRegA
			kind = KindFile
		case tar.TypeDir:
			kind = KindDir
		case tar.TypeXGlobalHeader:
			continue
		default:
			return nil, fmt.Errorf("%w: %s: unsupported entry type %q", ErrMalformed, hdr.Name, hdr.Typeflag)
		}

		name, err := cleanName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "." {
			if kind == KindDir {
				continue
			}
			return nil, fmt.Errorf("%w: file entry with no name", ErrMalformed)
		}

		e := &Entry{Name: name, Kind: kind}
		if kind == KindFile {
			r.declared += hdr.Size
			if r.limit > 0 && r.declared > r.limit {
				return nil, fmt.Errorf("%w: %s takes the archive past %d bytes", ErrTooLarge, name, r.limit)
			}
			e.Size = hdr.Size
			e.r = r.tr
		}
		return e, nil
	}
}

// Close releases any decompressor. It does not close the underlying reader.
func (r *Reader) Close() error {
	if r.closeFn != nil {
		r.closeFn()
	}
	return nil
}

func cleanName(name string) (string, error) {
	if name == "" || path.IsAbs(name) || strings.ContainsRune(name, '\\') {
		return "", fmt.Errorf("%w: invalid entry name %q", ErrMalformed, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: entry %q escapes the archive", ErrMalformed, name)
	}
	return clean, nil
}

// limitReader fails with ErrTooLarge on any read past limit bytes.
type limitReader struct {
	r     io.Reader
	left  int64
	limit int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.left <= 0 {
		// an exact fit must still reach EOF
		var b [1]byte
		n, err := l.r.Read(b[:])
		if n > 0 {
			return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, l.limit)
		}
		return 0, err
	}
	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	return n, err
}
