//go:build linux

package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/circleci/typeset/testing/fakeexec"
	"github.com/circleci/typeset/testing/testcontext"
)

func TestExecute_CancelKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	pids := filepath.Join(dir, "pids")
	path := fakeexec.Script(t, dir, "tool", fmt.Sprintf(`
sleep 60 &
echo "$$ $!" > %s.tmp
mv %s.tmp %s
wait`, pids, pids, pids))

	ctx, cancel := context.WithCancel(testcontext.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := New(path).Execute(ctx, nil, 1024)
		errs <- err
	}()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, err := os.Stat(pids); err != nil {
			return poll.Continue("waiting for the tool to start: %v", err)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second))

	b, err := os.ReadFile(pids)
	assert.Assert(t, err)
	fields := strings.Fields(string(b))
	assert.Assert(t, cmp.Len(fields, 2))

	cancel()
	err = <-errs
	assert.Check(t, cmp.ErrorIs(err, context.Canceled))

	child, err := strconv.Atoi(fields[0])
	assert.Assert(t, err)
	assert.Check(t, gone(child), "the tool must be reaped before Execute returns")

	grandchild, err := strconv.Atoi(fields[1])
	assert.Assert(t, err)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if gone(grandchild) {
			return poll.Success()
		}
		return poll.Continue("process %d is still running", grandchild)
	}, poll.WithTimeout(5*time.Second))
}

// gone reports whether pid no longer exists or is a zombie awaiting its reaper.
func gone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// the state follows the parenthesised command name
	s := string(stat)
	i := strings.LastIndexByte(s, ')')
	return i >= 0 && i+2 < len(s) && s[i+2] == 'Z'
}
