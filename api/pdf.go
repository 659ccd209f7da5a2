package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/circleci/typeset/archive"
	"github.com/circleci/typeset/deferred"
	"github.com/circleci/typeset/launcher"
	"github.com/circleci/typeset/metrics"
	"github.com/circleci/typeset/o11y"
)

const (
	pdfKind    = "pdf"
	pagePrefix = "result"
)

type renderQuery struct {
	// Size bounds the longest side of each page image, in pixels.
	Size *int `form:"size" validate:"omitempty,min=1,max=10000"`
}

// postPDFRender renders every page of the uploaded PDF to a JPEG, and answers with a tar
// of the pages named 0.jpg, 1.jpg and so on.
func (a *API) postPDFRender(c *gin.Context) {
	ctx, j := a.startJob(c, pdfKind)
	defer a.finishJob(ctx, j)

	var err error
	ctx, span := o11y.StartSpan(ctx, "api: pdf render")
	defer o11y.End(span, &err)

	var q renderQuery
	if err = c.ShouldBindQuery(&q); err == nil {
		err = validate.Struct(q)
	}
	if err != nil {
		j.outcome = metrics.OutcomeMalformed
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "size must be an integer from 1 to 10000"})
		return
	}

	ws, err := a.createWorkspace(ctx)
	if err != nil {
		j.fail(c, err)
		return
	}
	defer a.closeWorkspace(ctx, ws)

	args := []string{}
	if q.Size != nil {
		span.AddField("size", *q.Size)
		args = append(args, "-scale-to", strconv.Itoa(*q.Size))
	}
	args = append(args, "-", pagePrefix)
	cmd := a.renderer.With(launcher.Args(args...), launcher.Dir(ws.Dir()))

	a.limitBody(c)
	res, err := cmd.Execute(ctx, c.Request.Body, a.opts.PDF.OutputLimit)
	if err != nil {
		j.fail(c, err)
		return
	}
	a.recordRun(ctx, pdfKind, res)

	if res.ExitCode != 0 {
		err = o11y.NewWarning("%s exited with %d", cmd.Path(), res.ExitCode)
		j.outcome = metrics.OutcomeToolFailure
		a.toolFailure(ctx, c, ws, res.Output)
		return
	}

	pages, err := findPages(ws.Dir())
	if err != nil {
		j.fail(c, err)
		return
	}
	span.AddField("pages", len(pages))
	if len(pages) == 0 {
		err = o11y.NewWarning("%s exited cleanly without rendering any pages", cmd.Path())
		j.outcome = metrics.OutcomeToolFailure
		a.toolFailure(ctx, c, ws, missingArtifact(res.Output, "no pages were rendered, "+pagePrefix+"-1.jpg"))
		return
	}
	a.opts.Metrics.ObservePages(len(pages))

	j.outcome = metrics.OutcomeSuccess
	resp := deferred.New(ws.Detach(), func(ctx context.Context, w http.ResponseWriter, dir string) error {
		return j.served(writePages(ctx, w, dir, pages))
	})
	resp.Serve(c)
}

func writePages(ctx context.Context, w http.ResponseWriter, dir string, pages []string) error {
	w.Header().Set("Content-Type", "application/x-tar")
	w.WriteHeader(http.StatusOK)

	tw := archive.NewWriter(w)
	for i, p := range pages {
		if err := tw.AddFile(ctx, fmt.Sprintf("./%d.jpg", i), filepath.Join(dir, p)); err != nil {
			return err
		}
	}
	return tw.Close()
}

// findPages returns the rendered page files in page order. The renderer numbers pages from
// 1 and may zero pad the number, so result-1.jpg and result-01.jpg are both page one.
// Pages stop at the first gap.
func findPages(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byNumber := map[int]string{}
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		n, ok := pageNumber(de.Name())
		if !ok {
			continue
		}
		if prev, dup := byNumber[n]; dup && prev < de.Name() {
			continue
		}
		byNumber[n] = de.Name()
	}

	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var pages []string
	for i, n := range numbers {
		if n != i+1 {
			break
		}
		pages = append(pages, byNumber[n])
	}
	return pages, nil
}

func pageNumber(name string) (int, bool) {
	s, ok := strings.CutPrefix(name, pagePrefix+"-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".jpg")
	if !ok || s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
