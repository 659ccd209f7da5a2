package linebuffer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestBuffer_Append(t *testing.T) {
	b := New(10)
	assert.Check(t, b.Append([]byte("12345\n")))
	assert.Check(t, !b.Append([]byte("12345\n")), "would exceed the limit")
	assert.Check(t, b.Append([]byte("123\n")))
	assert.Check(t, cmp.Equal(string(b.Bytes()), "12345\n123\n"))
	assert.Check(t, cmp.Equal(b.Len(), 10))
	assert.Check(t, b.Truncated())
}

func TestBuffer_ZeroLimit(t *testing.T) {
	b := New(0)
	assert.Check(t, !b.Append([]byte("x\n")))
	assert.Check(t, cmp.Len(b.Bytes(), 0))
}

func TestBuffer_Drain(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		limit     int
		want      string
		truncated bool
	}{
		{
			name:  "keeps terminators",
			input: "! Undefined control sequence.\nl.3 \\foo\n",
			limit: 1024,
			want:  "! Undefined control sequence.\nl.3 \\foo\n",
		},
		{
			name:  "unterminated final line",
			input: "first\nlast",
			limit: 1024,
			want:  "first\nlast",
		},
		{
			name:      "stops capturing after first dropped line",
			input:     "aaaa\nbbbbbbbbbb\ncc\n",
			limit:     10,
			want:      "aaaa\n",
			truncated: true,
		},
		{
			name:      "line longer than the read buffer",
			input:     strings.Repeat("x", 10000) + "\nshort\n",
			limit:     100,
			want:      "",
			truncated: true,
		},
		{
			name:  "long line that fits",
			input: strings.Repeat("y", 5000) + "\n",
			limit: 6000,
			want:  strings.Repeat("y", 5000) + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.limit)
			err := b.Drain(strings.NewReader(tt.input))
			assert.Assert(t, err)
			assert.Check(t, cmp.Equal(string(b.Bytes()), tt.want))
			assert.Check(t, cmp.Equal(b.Truncated(), tt.truncated))
		})
	}
}

func TestBuffer_DrainReadsToEndWhenFull(t *testing.T) {
	b := New(5)
	r := &countingReader{r: strings.NewReader(strings.Repeat("line\n", 1000))}
	assert.Assert(t, b.Drain(r))
	assert.Check(t, cmp.Equal(r.n, 5000))
	assert.Check(t, cmp.Equal(string(b.Bytes()), "line\n"))
}

func TestBuffer_ConcurrentDrainsNeverExceedLimit(t *testing.T) {
	for _, limit := range []int{0, 1, 7, 64, 1000, 4096} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			b := New(limit)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					var sb strings.Builder
					for j := 0; j < 500; j++ {
						_, _ = fmt.Fprintf(&sb, "stream %d line %d %s\n", i, j, strings.Repeat("z", j%13))
					}
					assert.Check(t, b.Drain(strings.NewReader(sb.String())))
				}()
			}
			wg.Wait()
			assert.Check(t, b.Len() <= limit)
			assert.Check(t, cmp.Len(b.Bytes(), b.Len()))
		})
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
