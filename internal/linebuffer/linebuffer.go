// Package linebuffer provides a capped, concurrency safe buffer of output lines.
package linebuffer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// Buffer accumulates whole lines up to a fixed capacity. A line that would take the
// buffer past its capacity is dropped rather than split.
type Buffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func New(limit int) *Buffer {
	if limit < 0 {
		limit = 0
	}
	return &Buffer{limit: limit}
}

// Append adds line to the buffer if it fits, and reports whether it did.
func (b *Buffer) Append(line []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf.Len()+len(line) > b.limit {
		b.truncated = true
		return false
	}
	b.buf.Write(line)
	return true
}

// Drain reads r line by line until EOF, appending each line with its terminator.
// Once a line from r has been dropped, no further lines from r are captured, but r is
// still read to the end so that the writing side never blocks on a full pipe.
func (b *Buffer) Drain(r io.Reader) error {
	br := bufio.NewReader(r)
	capturing := true
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			// a line longer than the reader's buffer, keep gathering it
			if capturing {
				line = append(line, chunk...)
				if len(line) > b.limit {
					capturing = b.Append(line)
					line = line[:0]
				}
			}
			continue
		case err != nil && !errors.Is(err, io.EOF):
			return err
		}

		if capturing && (len(chunk) > 0 || len(line) > 0) {
			line = append(line, chunk...)
			capturing = b.Append(line)
		}
		line = line[:0]

		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// Bytes returns a copy of the captured output.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Truncated reports whether any line has been dropped.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
