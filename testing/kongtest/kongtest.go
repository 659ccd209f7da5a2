// Package kongtest renders a kong CLI's help, so tests can check the flags, env vars and
// defaults a binary exposes.
package kongtest

import (
	"bytes"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

// Help parses --help into cli and returns the rendered help. Defaults are applied to cli
// as part of the parse.
func Help(t *testing.T, cli interface{}, opts ...kong.Option) string {
	t.Helper()
	w := bytes.NewBuffer(nil)
	rc := -1
	opts = append([]kong.Option{
		kong.Name("test-app"),
		kong.Writers(w, w),
		kong.Exit(func(i int) {
			rc = i
		}),
	}, opts...)
	app, err := kong.New(cli, opts...)
	assert.Assert(t, err)

	_, err = app.Parse([]string{"--help"})
	assert.Check(t, err)
	assert.Check(t, cmp.Equal(0, rc))

	return w.String()
}
