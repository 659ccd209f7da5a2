package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/circleci/typeset/testing/testcontext"
)

func TestSweeper_Sweep(t *testing.T) {
	ctx := testcontext.Background()
	root := t.TempDir()
	now := time.Now()

	old := mkdir(t, root, uuid.NewString(), now.Add(-2*time.Hour))
	fresh := mkdir(t, root, uuid.NewString(), now.Add(-time.Minute))
	foreign := mkdir(t, root, "not-a-workspace", now.Add(-48*time.Hour))
	assert.Assert(t, os.WriteFile(filepath.Join(old, "main.tex"), []byte("x"), 0o600))
	assert.Assert(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	s := &Sweeper{Root: root, MaxAge: time.Hour, now: func() time.Time { return now }}
	assert.Check(t, cmp.DeepEqual(s.Gauges(ctx), map[string]float64{"live": 2}))

	removed, err := s.Sweep(ctx)
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(removed, 1))

	assertGone(t, old)
	for _, p := range []string{fresh, foreign} {
		_, err := os.Stat(p)
		assert.Check(t, err)
	}
	assert.Check(t, cmp.DeepEqual(s.Gauges(ctx), map[string]float64{"live": 1}))
}

func TestSweeper_MissingRoot(t *testing.T) {
	s := &Sweeper{Root: filepath.Join(t.TempDir(), "absent"), MaxAge: time.Hour}
	removed, err := s.Sweep(testcontext.Background())
	assert.Check(t, err)
	assert.Check(t, cmp.Equal(removed, 0))
}

func TestSweeper_Canceled(t *testing.T) {
	root := t.TempDir()
	mkdir(t, root, uuid.NewString(), time.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(testcontext.Background())
	cancel()

	s := &Sweeper{Root: root, MaxAge: time.Hour}
	_, err := s.Sweep(ctx)
	assert.Check(t, cmp.ErrorIs(err, context.Canceled))
}

func mkdir(t *testing.T, root, name string, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(root, name)
	assert.Assert(t, os.Mkdir(p, 0o700))
	assert.Assert(t, os.Chtimes(p, mtime, mtime))
	return p
}
