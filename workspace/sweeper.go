package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/circleci/typeset/o11y"
)

// Sweeper removes workspaces abandoned under Root, for instance by a crash between
// Create and Close. Only directories named like a workspace are ever touched.
type Sweeper struct {
	Root   string
	MaxAge time.Duration

	now func() time.Time
}

// Sweep removes every workspace directory older than MaxAge and returns how many it removed.
func (s *Sweeper) Sweep(ctx context.Context) (removed int, err error) {
	ctx, span := o11y.StartSpan(ctx, "workspace: sweep")
	defer o11y.End(span, &err)
	span.AddField("root", s.Root)
	defer func() {
		span.AddField("removed", removed)
	}()

	entries, err := s.workspaces()
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().Add(-s.MaxAge)
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := removeAll(filepath.Join(s.Root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Sweeper) MetricName() string {
	return "workspaces"
}

// Gauges reports the number of workspace directories currently on disk.
func (s *Sweeper) Gauges(context.Context) map[string]float64 {
	entries, err := s.workspaces()
	if err != nil {
		return nil
	}
	return map[string]float64{
		"live": float64(len(entries)),
	}
}

func (s *Sweeper) workspaces() ([]os.DirEntry, error) {
	all, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	var dirs []os.DirEntry
	for _, e := range all {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		dirs = append(dirs, e)
	}
	return dirs, nil
}

func (s *Sweeper) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
