package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gocmp "github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/circleci/typeset/archive"
	"github.com/circleci/typeset/testing/fakeexec"
	"github.com/circleci/typeset/testing/testcontext"
)

// fakeLatex copies main.tex to output/main.pdf, so the "PDF" is the source, and fails
// when the source asks it to.
const fakeLatex = `
for a in "$@"; do
  case "$a" in
    -output-directory=*) out="${a#-output-directory=}" ;;
  esac
  src="$a"
done
if grep -q FAIL "$src"; then
  echo "! Undefined control sequence."
  echo "l.1 FAIL" >&2
  exit 1
fi
cp "$src" "$out/main.pdf"
`

// fakeRenderer writes one page per line of input, each page holding its line and the scale.
const fakeRenderer = `
scale=none
while [ $# -gt 0 ]; do
  case "$1" in
    -scale-to) scale="$2"; shift ;;
  esac
  shift
done
i=0
while IFS= read -r line; do
  if [ "$line" = "broken" ]; then
    echo "Syntax Error: Couldn't find trailer dictionary" >&2
    exit 1
  fi
  i=$((i+1))
  printf '%s@%s' "$line" "$scale" > "result-$i.jpg"
done
`

type fixture struct {
	url  string
	root string
	api  *API
}

type fixtureOptions struct {
	latex        string
	renderer     string
	maxUpload    int64
	maxExtracted int64
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	ctx := testcontext.Background()

	bin := t.TempDir()
	tool := func(name, body string) string {
		if body == "" {
			return filepath.Join(bin, "missing-"+name)
		}
		return fakeexec.Script(t, bin, name, body)
	}

	root := filepath.Join(t.TempDir(), "workspaces")
	a := New(ctx, Options{
		WorkspaceRoot:  root,
		Latex:          Tool{Path: tool("xelatex", fo.latex), OutputLimit: 1 << 20},
		PDF:            Tool{Path: tool("pdftoppm", fo.renderer), OutputLimit: 100 << 10},
		MaxUploadBytes:    fo.maxUpload,
		MaxExtractedBytes: fo.maxExtracted,
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	return &fixture{url: srv.URL, root: root, api: a}
}

func (f *fixture) post(t *testing.T, ctx context.Context, path string, body []byte) (*http.Response, []byte, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+path, bytes.NewReader(body))
	assert.Assert(t, err)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	return res, b, err
}

func (f *fixture) workspaceCount(t *testing.T) int {
	t.Helper()
	des, err := os.ReadDir(f.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	assert.Assert(t, err)
	return len(des)
}

func (f *fixture) workspacesGone(t poll.LogT) poll.Result {
	des, err := os.ReadDir(f.root)
	if errors.Is(err, os.ErrNotExist) {
		return poll.Success()
	}
	if err != nil {
		return poll.Error(err)
	}
	if len(des) == 0 {
		return poll.Success()
	}
	return poll.Continue("%d workspaces remain", len(des))
}

type file struct {
	name    string
	content string
}

func tarOf(t *testing.T, files ...file) []byte {
	t.Helper()
	ctx := testcontext.Background()
	buf := &bytes.Buffer{}
	w := archive.NewWriter(buf)
	for _, f := range files {
		err := w.WriteFile(ctx, f.name, int64(len(f.content)), strings.NewReader(f.content))
		assert.Assert(t, err)
	}
	assert.Assert(t, w.Close())
	return buf.Bytes()
}

func untar(t *testing.T, b []byte) []file {
	t.Helper()
	ctx := testcontext.Background()
	r, err := archive.NewReader(bytes.NewReader(b))
	assert.Assert(t, err)
	defer r.Close()

	var files []file
	for {
		e, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return files
		}
		assert.Assert(t, err)
		content, err := io.ReadAll(e)
		assert.Assert(t, err)
		files = append(files, file{name: e.Name, content: string(content)})
	}
}

func TestAPI_Health(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	res, err := http.Get(f.url + "/health")
	assert.Assert(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	assert.Assert(t, err)

	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
	assert.Check(t, cmp.Equal(string(body), "Healthy"))
}

func TestAPI_Ready(t *testing.T) {
	ctx := testcontext.Background()

	t.Run("tools present", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{latex: fakeLatex, renderer: fakeRenderer})
		name, ready, live := f.api.HealthChecks()
		assert.Check(t, cmp.Equal(name, "typeset"))
		assert.Check(t, live == nil)
		assert.Check(t, ready(ctx))
	})

	t.Run("renderer missing", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{latex: fakeLatex})
		_, ready, _ := f.api.HealthChecks()
		assert.Check(t, cmp.ErrorContains(ready(ctx), "missing-pdftoppm"))
	})
}

func TestAPI_LatexJob(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{
		latex: `test -f "$PWD/chapters/one.tex" || { echo "no chapter"; exit 3; }` + fakeLatex,
	})

	source := `\documentclass{article}\input{chapters/one}`
	upload := tarOf(t,
		file{name: "./main.tex", content: source},
		file{name: "chapters/one.tex", content: "Hello"},
	)

	res, body, err := f.post(t, ctx, "/latex/jobs", upload)
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
	assert.Check(t, cmp.Equal(res.Header.Get("Content-Type"), "application/pdf"))
	assert.Check(t, cmp.Equal(res.ContentLength, int64(len(source))))
	assert.Check(t, cmp.Equal(string(body), source))

	poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
}

func TestAPI_LatexJob_ToolFailure(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{latex: fakeLatex})

	res, body, err := f.post(t, ctx, "/latex/jobs", tarOf(t, file{name: "main.tex", content: "FAIL"}))
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
	assert.Check(t, cmp.Equal(res.Header.Get("Content-Type"), "text/x.command-output"))
	assert.Check(t, cmp.Contains(string(body), "! Undefined control sequence.\n"))
	assert.Check(t, cmp.Contains(string(body), "l.1 FAIL\n"))

	// removed before the failure was answered, not after
	assert.Check(t, cmp.Equal(f.workspaceCount(t), 0))
}

func TestAPI_LatexJob_NoPDF(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{latex: `echo "Output written on nothing"`})

	res, body, err := f.post(t, ctx, "/latex/jobs", tarOf(t, file{name: "main.tex", content: "x"}))
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
	assert.Check(t, cmp.Equal(res.Header.Get("Content-Type"), "text/x.command-output"))
	assert.Check(t, cmp.Equal(string(body), "Output written on nothing\noutput/main.pdf was not produced\n"))
	assert.Check(t, cmp.Equal(f.workspaceCount(t), 0))
}

func TestAPI_LatexJob_Rejected(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{latex: fakeLatex, maxUpload: 4 << 10})

	tests := []struct {
		name   string
		upload []byte
		status int
	}{
		{
			name:   "escaping entry",
			upload: tarOf(t, file{name: "../main.tex", content: "x"}),
			status: http.StatusBadRequest,
		},
		{
			name:   "absolute entry",
			upload: tarOf(t, file{name: "/etc/main.tex", content: "x"}),
			status: http.StatusBadRequest,
		},
		{
			name:   "not an archive",
			upload: []byte("this is not a tar"),
			status: http.StatusBadRequest,
		},
		{
			name: "file under a file",
			upload: tarOf(t,
				file{name: "chapters", content: "x"},
				file{name: "chapters/one.tex", content: "x"},
			),
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			upload: tarOf(t, file{name: "main.tex", content: strings.Repeat("x", 16<<10)}),
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _, err := f.post(t, ctx, "/latex/jobs", tt.upload)
			assert.Assert(t, err)
			assert.Check(t, cmp.Equal(res.StatusCode, tt.status))
			poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
		})
	}
}

func TestAPI_LatexJob_CompressedPastLimit(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{
		latex:        `ls -l "$PWD"; exit 1`,
		maxUpload:    1 << 20,
		maxExtracted: 1 << 20,
	})

	gz := &bytes.Buffer{}
	gw := gzip.NewWriter(gz)
	_, err := gw.Write(tarOf(t,
		file{name: "main.tex", content: "x"},
		file{name: "big.bin", content: strings.Repeat("\x00", 8<<20)},
	))
	assert.Assert(t, err)
	assert.Assert(t, gw.Close())
	assert.Assert(t, gz.Len() < 1<<20, "the upload itself is under the body limit")

	res, body, err := f.post(t, ctx, "/latex/jobs", gz.Bytes())
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusRequestEntityTooLarge))
	assert.Check(t, !strings.Contains(string(body), "big.bin"), "the compiler must not have run")

	poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
}

func TestAPI_LatexJob_LaunchFailure(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{})

	res, _, err := f.post(t, ctx, "/latex/jobs", tarOf(t, file{name: "main.tex", content: "x"}))
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusInternalServerError))

	poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
}

func TestAPI_LatexJob_ClientGoesAway(t *testing.T) {
	f := newFixture(t, fixtureOptions{latex: `touch "$PWD/started"; sleep 30`})

	ctx, cancel := context.WithCancel(testcontext.Background())
	defer cancel()
	go func() {
		defer cancel()
		for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
			if matches, _ := filepath.Glob(filepath.Join(f.root, "*", "started")); len(matches) > 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	start := time.Now()
	_, _, err := f.post(t, ctx, "/latex/jobs", tarOf(t, file{name: "main.tex", content: "x"}))
	assert.Check(t, errors.Is(err, context.Canceled))

	poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(10*time.Second))
	assert.Check(t, time.Since(start) < 20*time.Second)
}

var cmpFile = gocmp.AllowUnexported(file{})

func TestAPI_PDFRender(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{renderer: fakeRenderer})

	t.Run("scaled", func(t *testing.T) {
		res, body, err := f.post(t, ctx, "/pdf/jobs/render?size=5000", []byte("one\ntwo\nthree\n"))
		assert.Assert(t, err)
		assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
		assert.Check(t, cmp.Equal(res.Header.Get("Content-Type"), "application/x-tar"))
		assert.Check(t, cmp.DeepEqual(untar(t, body), []file{
			{name: "0.jpg", content: "one@5000"},
			{name: "1.jpg", content: "two@5000"},
			{name: "2.jpg", content: "three@5000"},
		}, cmpFile))
		poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
	})

	t.Run("unscaled", func(t *testing.T) {
		res, body, err := f.post(t, ctx, "/pdf/jobs/render", []byte("only\n"))
		assert.Assert(t, err)
		assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
		assert.Check(t, cmp.DeepEqual(untar(t, body), []file{
			{name: "0.jpg", content: "only@none"},
		}, cmpFile))
		poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
	})

	t.Run("renderer fails", func(t *testing.T) {
		res, body, err := f.post(t, ctx, "/pdf/jobs/render?size=10", []byte("broken\n"))
		assert.Assert(t, err)
		assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
		assert.Check(t, cmp.Equal(res.Header.Get("Content-Type"), "text/x.command-output"))
		assert.Check(t, cmp.Equal(string(body), "Syntax Error: Couldn't find trailer dictionary\n"))
		assert.Check(t, cmp.Equal(f.workspaceCount(t), 0))
	})

	t.Run("no pages", func(t *testing.T) {
		res, body, err := f.post(t, ctx, "/pdf/jobs/render", nil)
		assert.Assert(t, err)
		assert.Check(t, cmp.Equal(res.StatusCode, http.StatusOK))
		assert.Check(t, cmp.Equal(res.Header.Get("Content-Type"), "text/x.command-output"))
		assert.Check(t, cmp.Contains(string(body), "result-1.jpg was not produced"))
		assert.Check(t, cmp.Equal(f.workspaceCount(t), 0))
	})
}

func TestAPI_PDFRender_BadSize(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{renderer: fakeRenderer})

	for _, size := range []string{"0", "10001", "-3", "big", "1.5", ""} {
		t.Run("size="+size, func(t *testing.T) {
			res, _, err := f.post(t, ctx, "/pdf/jobs/render?size="+size, []byte("page\n"))
			assert.Assert(t, err)
			assert.Check(t, cmp.Equal(res.StatusCode, http.StatusBadRequest))
		})
	}
	poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
}

func TestAPI_PDFRender_TooLarge(t *testing.T) {
	ctx := testcontext.Background()
	f := newFixture(t, fixtureOptions{renderer: `cat > /dev/null; sleep 30`, maxUpload: 1 << 10})

	start := time.Now()
	res, _, err := f.post(t, ctx, "/pdf/jobs/render", bytes.Repeat([]byte("page\n"), 1<<10))
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(res.StatusCode, http.StatusRequestEntityTooLarge))
	assert.Check(t, time.Since(start) < 20*time.Second)

	poll.WaitOn(t, f.workspacesGone, poll.WithTimeout(5*time.Second))
}

func TestFindPages(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{
			name: "none",
		},
		{
			name:  "unpadded",
			files: []string{"result-2.jpg", "result-1.jpg", "result-10.jpg", "input.pdf"},
			want:  []string{"result-1.jpg", "result-2.jpg"},
		},
		{
			name:  "padded",
			files: []string{"result-01.jpg", "result-02.jpg", "result-03.jpg"},
			want:  []string{"result-01.jpg", "result-02.jpg", "result-03.jpg"},
		},
		{
			name:  "gap at start",
			files: []string{"result-2.jpg", "result-3.jpg"},
		},
		{
			name:  "not pages",
			files: []string{"result-.jpg", "result-1.png", "result-x.jpg", "result-0.jpg", "other-1.jpg"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range tt.files {
				assert.Assert(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
			}
			got, err := findPages(dir)
			assert.Assert(t, err)
			assert.Check(t, cmp.DeepEqual(got, tt.want))
		})
	}
}
