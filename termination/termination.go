// Package termination turns SIGINT and SIGTERM into an error that stops the system.
package termination

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/circleci/typeset/o11y"
)

var ErrTerminated = errors.New("terminated")

// Handle blocks until a termination signal arrives or ctx is done. After a signal it
// keeps serving for delay, so load balancers can stop routing to this instance before
// the servers shut down.
func Handle(ctx context.Context, delay time.Duration) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return wait(ctx, quit, delay)
}

func wait(ctx context.Context, quit <-chan os.Signal, delay time.Duration) error {
	select {
	case sig := <-quit:
		o11y.Log(ctx, "termination: signal received",
			o11y.Field("signal", sig.String()),
			o11y.Field("delay_ms", delay.Milliseconds()),
		)
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return ErrTerminated
}
