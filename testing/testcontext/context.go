// Package testcontext provides a context with a working o11y provider, so tests get trace output.
package testcontext

import (
	"context"
	"os"

	"github.com/circleci/typeset/o11y"
	"github.com/circleci/typeset/o11y/honeycomb"
)

// ctx is a global singleton, since the beeline it wraps is itself global
var ctx = newContext()

// Background returns a context for use in tests which contains a working o11y, so you get logs.
func Background() context.Context {
	return ctx
}

func newContext() context.Context {
	format := "colour"
	if os.Getenv("CI") != "" {
		format = "text"
	}
	provider := honeycomb.New(honeycomb.Config{
		Format:      format,
		ServiceName: "typeset-test",
	})
	return o11y.WithProvider(context.Background(), provider)
}
