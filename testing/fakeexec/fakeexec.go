// Package fakeexec writes small shell scripts that stand in for external tools in tests.
package fakeexec

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// Script writes an executable /bin/sh script called name into dir and returns its path.
func Script(t testing.TB, dir, name, body string) string {
	t.Helper()
	Require(t)

	p := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(p, []byte(content), 0o700); err != nil { //nolint:gosec // it needs to be executable
		t.Fatal(err)
	}
	return p
}

// Require skips the test on platforms without a posix shell.
func Require(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scripts need a posix shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh on PATH")
	}
}
