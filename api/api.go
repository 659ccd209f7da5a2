// Package api serves the typesetting jobs: LaTeX compilation and PDF page rendering.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/circleci/typeset/archive"
	"github.com/circleci/typeset/httpserver/ginrouter"
	"github.com/circleci/typeset/launcher"
	"github.com/circleci/typeset/metrics"
	"github.com/circleci/typeset/o11y"
	"github.com/circleci/typeset/workspace"
)

// commandOutputType is the content type of a failed job's diagnostic output. Failed jobs
// still answer 200, clients tell them apart by this content type.
const commandOutputType = "text/x.command-output"

var validate = validator.New()

type Tool struct {
	// Path is the executable, looked up on PATH when it has no separator.
	Path string
	// OutputLimit caps the diagnostic output kept from a run, in bytes.
	OutputLimit int
}

type Options struct {
	WorkspaceRoot string
	Latex         Tool
	PDF           Tool
	// MaxUploadBytes limits request bodies, 0 means no limit.
	MaxUploadBytes int64
	// MaxExtractedBytes limits an uploaded archive once decompressed, 0 means no limit.
	MaxExtractedBytes int64
	Metrics           *metrics.Recorder
}

type API struct {
	router *gin.Engine
	opts   Options

	latex    launcher.Command
	renderer launcher.Command
}

func New(ctx context.Context, opts Options) *API {
	r := ginrouter.Default(ctx, "api")
	a := &API{
		router:   r,
		opts:     opts,
		latex:    launcher.New(opts.Latex.Path, launcher.Args("-halt-on-error")),
		renderer: launcher.New(opts.PDF.Path, launcher.Args("-jpeg")),
	}

	r.GET("/health", a.getHealth)
	r.POST("/latex/jobs", a.postLatexJob)
	r.POST("/pdf/jobs/render", a.postPDFRender)

	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) getHealth(c *gin.Context) {
	c.String(http.StatusOK, "Healthy")
}

// HealthChecks makes the service unready while it could not run a job.
func (a *API) HealthChecks() (name string, ready, live func(ctx context.Context) error) {
	return "typeset", a.ready, nil
}

func (a *API) ready(context.Context) error {
	if err := os.MkdirAll(a.opts.WorkspaceRoot, 0o700); err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}
	f, err := os.CreateTemp(a.opts.WorkspaceRoot, ".ready-*")
	if err != nil {
		return fmt.Errorf("workspace root not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	for _, t := range []Tool{a.opts.Latex, a.opts.PDF} {
		if _, err := exec.LookPath(t.Path); err != nil {
			return err
		}
	}
	return nil
}

// job tracks one request through to its recorded metrics.
type job struct {
	kind    string
	start   time.Time
	outcome metrics.Outcome
}

func (a *API) startJob(c *gin.Context, kind string) (context.Context, *job) {
	ctx := c.Request.Context()
	o11y.AddFieldToTrace(ctx, "job_kind", kind)
	return ctx, &job{kind: kind, start: time.Now(), outcome: metrics.OutcomeError}
}

func (a *API) finishJob(ctx context.Context, j *job) {
	o11y.AddField(ctx, "outcome", string(j.outcome))
	a.opts.Metrics.ObserveJob(j.kind, j.outcome, time.Since(j.start))
}

func (a *API) createWorkspace(ctx context.Context) (*workspace.Workspace, error) {
	ws, err := workspace.Create(a.opts.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	o11y.AddField(ctx, "workspace", ws.Dir())
	return ws, nil
}

func (a *API) closeWorkspace(ctx context.Context, ws *workspace.Workspace) {
	if err := ws.Close(); err != nil {
		o11y.LogError(ctx, "api: close workspace", err, o11y.Field("workspace", ws.Dir()))
	}
}

func (a *API) limitBody(c *gin.Context) {
	if a.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.opts.MaxUploadBytes)
	}
}

// fail answers a job that could not produce either a result or tool output, and records
// its outcome.
func (j *job) fail(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the client has gone, so drop the connection rather than answer
		j.outcome = metrics.OutcomeCanceled
		c.Abort()
		panic(http.ErrAbortHandler)
	case errors.As(err, &tooLarge):
		j.outcome = metrics.OutcomeMalformed
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"message": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
		})
	case errors.Is(err, archive.ErrTooLarge):
		j.outcome = metrics.OutcomeMalformed
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"message": err.Error()})
	case errors.Is(err, archive.ErrMalformed), errors.Is(err, workspace.ErrInvalidPath):
		j.outcome = metrics.OutcomeMalformed
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, launcher.ErrLaunch):
		j.outcome = metrics.OutcomeLaunchFailure
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "tool could not be started"})
	default:
		j.outcome = metrics.OutcomeError
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{})
	}
}

// served records the outcome of streaming a successful job's result.
func (j *job) served(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		j.outcome = metrics.OutcomeCanceled
	default:
		j.outcome = metrics.OutcomeError
	}
	return err
}

// toolFailure removes the workspace, then answers with the tool's own diagnostic output.
func (a *API) toolFailure(ctx context.Context, c *gin.Context, ws *workspace.Workspace, output []byte) {
	a.closeWorkspace(ctx, ws)
	c.Data(http.StatusOK, commandOutputType, output)
}

func (a *API) recordRun(ctx context.Context, kind string, res launcher.Result) {
	o11y.AddField(ctx, "exit_code", res.ExitCode)
	o11y.AddField(ctx, "output_truncated", res.Truncated)
	if res.Truncated {
		a.opts.Metrics.IncTruncated(kind)
	}
}

// missingArtifact is the diagnostic for a tool that claimed success without producing anything.
func missingArtifact(output []byte, what string) []byte {
	msg := fmt.Sprintf("%s was not produced\n", what)
	if len(output) > 0 && output[len(output)-1] != '\n' {
		msg = "\n" + msg
	}
	return append(output, msg...)
}
