// Package deferred streams a success response out of a detached workspace and removes
// the workspace once the response has finished, however it finishes.
package deferred

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/circleci/typeset/o11y"
	"github.com/circleci/typeset/workspace"
)

// WriteFunc writes the whole response, headers included, from the files in dir.
type WriteFunc func(ctx context.Context, w http.ResponseWriter, dir string) error

type Response struct {
	ws *workspace.Detached
	fn WriteFunc
}

func New(ws *workspace.Detached, fn WriteFunc) *Response {
	return &Response{ws: ws, fn: fn}
}

// Serve runs the WriteFunc against the request's response writer.
//
// If the WriteFunc is canceled, or fails after any of the response has been written,
// the connection is aborted so the client can not mistake a partial body for a complete
// one. A failure before anything is written becomes a 500. In every case, including a
// panicking WriteFunc, the workspace is removed after the WriteFunc has returned.
func (r *Response) Serve(c *gin.Context) {
	ctx := c.Request.Context()
	defer r.cleanup(ctx)

	var err error
	ctx, span := o11y.StartSpan(ctx, "deferred: serve")
	defer o11y.End(span, &err)
	span.AddField("workspace", r.ws.Dir())
	span.RecordMetric(o11y.Timing("deferred.serve", "result"))

	err = r.fn(ctx, c.Writer, r.ws.Dir())
	span.AddField("bytes_written", c.Writer.Size())

	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), c.Writer.Written():
		span.AddField("aborted", true)
		c.Abort()
		panic(http.ErrAbortHandler)
	default:
		// drop any headers describing the body that will now never be sent
		c.Writer.Header().Del("Content-Type")
		c.Writer.Header().Del("Content-Length")
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

func (r *Response) cleanup(ctx context.Context) {
	// the request is usually over by now, but the removal must still be traced
	ctx = context.WithoutCancel(ctx)
	if err := r.ws.Remove(); err != nil {
		o11y.LogError(ctx, "deferred: cleanup", err, o11y.Field("workspace", r.ws.Dir()))
	}
}
