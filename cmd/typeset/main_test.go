package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/circleci/typeset/testing/kongtest"
)

func TestHelp(t *testing.T) {
	c := cli{}
	s := kongtest.Help(t, &c, vars())

	for _, env := range []string{
		"$API_ADDR", "$ADMIN_ADDR",
		"$WORKSPACE_ROOT", "$WORKSPACE_MAX_AGE", "$WORKSPACE_SWEEP_INTERVAL",
		"$LATEX_COMPILER", "$LATEX_OUTPUT_LIMIT",
		"$PDF_RENDERER", "$PDF_OUTPUT_LIMIT",
		"$MAX_UPLOAD_BYTES", "$MAX_EXTRACTED_BYTES", "$O11Y_FORMAT",
	} {
		assert.Check(t, cmp.Contains(s, env))
	}
	assert.Check(t, !strings.Contains(s, "$SHUTDOWN_DELAY"), "hidden flags stay out of the help")

	assert.Check(t, cmp.Equal(c.APIAddr, ":8000"))
	assert.Check(t, cmp.Equal(c.AdminAddr, ":8001"))
	assert.Check(t, cmp.Equal(c.ShutdownDelay, 5*time.Second))
	assert.Check(t, cmp.Equal(c.WorkspaceRoot, filepath.Join(os.TempDir(), "typeset")))
	assert.Check(t, cmp.Equal(c.WorkspaceMaxAge, time.Hour))
	assert.Check(t, cmp.Equal(c.WorkspaceSweepInterval, 5*time.Minute))
	assert.Check(t, cmp.Equal(c.LatexCompiler, "xelatex"))
	assert.Check(t, cmp.Equal(c.LatexOutputLimit, 1<<20))
	assert.Check(t, cmp.Equal(c.PDFRenderer, "pdftoppm"))
	assert.Check(t, cmp.Equal(c.PDFOutputLimit, 100<<10))
	assert.Check(t, cmp.Equal(c.MaxUploadBytes, int64(64<<20)))
	assert.Check(t, cmp.Equal(c.MaxExtractedBytes, int64(256<<20)))
}
