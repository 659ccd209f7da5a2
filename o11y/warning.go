package o11y

import (
	"errors"
	"fmt"
)

// NewWarning returns an error that is traced as a warning rather than an error.
// No two errors created with NewWarning will be tested as equal with Is.
func NewWarning(format string, args ...interface{}) error {
	return &warnError{
		msg: fmt.Sprintf(format, args...),
	}
}

// sentinel warning to use with errors.Is in IsWarning
var errWarning = errors.New("")

// IsWarning returns true if any error in the chain is a warning.
func IsWarning(err error) bool {
	return errors.Is(err, errWarning)
}

type warnError struct {
	msg string
}

func (e *warnError) Error() string {
	return e.msg
}

func (e *warnError) Unwrap() error {
	return errWarning
}
