package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/circleci/typeset/archive"
	"github.com/circleci/typeset/closer"
	"github.com/circleci/typeset/deferred"
	"github.com/circleci/typeset/internal/ctxio"
	"github.com/circleci/typeset/launcher"
	"github.com/circleci/typeset/metrics"
	"github.com/circleci/typeset/o11y"
)

const (
	latexKind   = "latex"
	latexSource = "main.tex"
	latexOutput = "output"
	latexPDF    = "main.pdf"
)

// postLatexJob compiles the uploaded tar of LaTeX sources, main.tex being the entry point,
// and answers with the compiled PDF.
func (a *API) postLatexJob(c *gin.Context) {
	ctx, j := a.startJob(c, latexKind)
	defer a.finishJob(ctx, j)

	var err error
	ctx, span := o11y.StartSpan(ctx, "api: latex job")
	defer o11y.End(span, &err)

	ws, err := a.createWorkspace(ctx)
	if err != nil {
		j.fail(c, err)
		return
	}
	defer a.closeWorkspace(ctx, ws)

	a.limitBody(c)
	entries, err := archive.Extract(ctx, c.Request.Body, ws, archive.MaxBytes(a.opts.MaxExtractedBytes))
	if err != nil {
		j.fail(c, err)
		return
	}
	span.AddField("entries", entries)

	outDir, err := ws.CreateDir(latexOutput)
	if err != nil {
		j.fail(c, err)
		return
	}
	source, err := ws.Resolve(latexSource)
	if err != nil {
		j.fail(c, err)
		return
	}

	cmd := a.latex.With(
		launcher.Args("-output-directory="+outDir, source),
		launcher.Dir(ws.Dir()),
	)
	res, err := cmd.Execute(ctx, nil, a.opts.Latex.OutputLimit)
	if err != nil {
		j.fail(c, err)
		return
	}
	a.recordRun(ctx, latexKind, res)

	if res.ExitCode != 0 {
		err = o11y.NewWarning("%s exited with %d", cmd.Path(), res.ExitCode)
		j.outcome = metrics.OutcomeToolFailure
		a.toolFailure(ctx, c, ws, res.Output)
		return
	}

	pdf := filepath.Join(outDir, latexPDF)
	if _, statErr := os.Stat(pdf); statErr != nil {
		err = o11y.NewWarning("%s exited cleanly without producing %s", cmd.Path(), latexPDF)
		j.outcome = metrics.OutcomeToolFailure
		a.toolFailure(ctx, c, ws, missingArtifact(res.Output, filepath.Join(latexOutput, latexPDF)))
		return
	}

	j.outcome = metrics.OutcomeSuccess
	resp := deferred.New(ws.Detach(), func(ctx context.Context, w http.ResponseWriter, dir string) error {
		return j.served(writePDF(ctx, w, filepath.Join(dir, latexOutput, latexPDF)))
	})
	resp.Serve(c)
}

func writePDF(ctx context.Context, w http.ResponseWriter, path string) (err error) {
	f, err := os.Open(path) //nolint:gosec // path is inside the job's workspace
	if err != nil {
		return err
	}
	defer closer.ErrorHandler(f, &err)

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, ctxio.Reader(ctx, f))
	if err != nil {
		return err
	}
	if n != info.Size() {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, info.Size(), io.ErrShortWrite)
	}
	return nil
}
