/*
Package closer contains helpers for not losing errors from deferred Close calls.
*/
package closer

import (
	"fmt"
	"io"
)

// ErrorHandler closes c and stores its error in *in, unless *in already holds an error.
//
//	f, err := os.Create(p)
//	...
//	defer closer.ErrorHandler(f, &err)
func ErrorHandler(c io.Closer, in *error) {
	cerr := c.Close()
	if *in == nil && cerr != nil {
		*in = cerr
	}
}

// Annotated is ErrorHandler with the close error wrapped in a description of what was closed.
func Annotated(c io.Closer, in *error, what string) {
	cerr := c.Close()
	if *in == nil && cerr != nil {
		*in = fmt.Errorf("close %s: %w", what, cerr)
	}
}
