// Package launcher runs external tools to completion, feeding them input and capturing
// a bounded amount of their combined output.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/circleci/typeset/internal/linebuffer"
	"github.com/circleci/typeset/o11y"
)

// ErrLaunch is returned when the executable could not be started at all.
var ErrLaunch = errors.New("launch failed")

// killGrace bounds how long a killed process tree may keep its output pipes open.
const killGrace = 5 * time.Second

// Command describes a single invocation of an external tool. It is a value, so
// building a variant with With never changes the original.
type Command struct {
	path string
	args []string
	dir  string
}

type Option func(*Command)

// Args appends arguments to the command line.
func Args(args ...string) Option {
	return func(c *Command) {
		c.args = append(c.args, args...)
	}
}

// Dir sets the working directory the process is started in.
func Dir(dir string) Option {
	return func(c *Command) {
		c.dir = dir
	}
}

func New(path string, opts ...Option) Command {
	return Command{path: path}.With(opts...)
}

// With returns a copy of the command with opts applied.
func (c Command) With(opts ...Option) Command {
	c.args = append([]string(nil), c.args...)
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c Command) Path() string {
	return c.path
}

func (c Command) Arguments() []string {
	return append([]string(nil), c.args...)
}

func (c Command) WorkDir() string {
	return c.dir
}

type Result struct {
	ExitCode int
	// Output is the combined stdout and stderr lines, in arrival order, up to the requested capacity.
	Output []byte
	// Truncated is set when at least one line did not fit in Output.
	Truncated bool
}

// Execute starts the process, copies input to its stdin and waits for it to exit.
//
// A non-zero exit is not an error, it is reported in Result.ExitCode. If ctx is done,
// or copying input or output fails, before the process exits, the whole process group
// is killed and reaped before the error is returned. A child that closes its stdin
// before taking all of the input breaks the pipe, which fails the same way.
func (c Command) Execute(ctx context.Context, input io.Reader, capacity int) (res Result, err error) {
	ctx, span := o11y.StartSpan(ctx, "launcher: execute")
	defer o11y.End(span, &err)
	span.AddRawField("process.path", c.path)
	span.AddRawField("process.dir", c.dir)
	span.AddRawField("process.arg_count", len(c.args))
	span.RecordMetric(o11y.Timing("launcher.execute", "process.path", "result"))

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cmd := exec.Command(c.path, c.args...) //nolint:gosec // the executable comes from configuration
	cmd.Dir = c.dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrLaunch, c.path, err)
	}
	span.AddRawField("process.pid", cmd.Process.Pid)

	output := linebuffer.New(capacity)
	faults := make(chan error, 3)

	fed := make(chan struct{})
	go feed(stdin, input, faults, fed)

	drained := make(chan struct{})
	var drains sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		drains.Add(1)
		go func(r io.Reader) {
			defer drains.Done()
			if err := output.Drain(r); err != nil && !errors.Is(err, os.ErrClosed) {
				faults <- fmt.Errorf("read output: %w", err)
			}
		}(r)
	}
	go func() {
		drains.Wait()
		close(drained)
	}()

	abort := func(cause error) error {
		kill(cmd)
		select {
		case <-drained:
		case <-time.After(killGrace):
			// something outside the group still holds the pipes, Wait will close them
		}
		_ = cmd.Wait()
		<-drained
		return cause
	}

	select {
	case <-drained:
	case err := <-faults:
		return Result{}, abort(err)
	case <-ctx.Done():
		return Result{}, abort(ctx.Err())
	}

	waited := make(chan error, 1)
	go func() {
		waited <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waited:
	case err := <-faults:
		kill(cmd)
		<-waited
		return Result{}, err
	case <-ctx.Done():
		kill(cmd)
		<-waited
		return Result{}, ctx.Err()
	}

	// a child that exits without taking all of its input has still failed it
	select {
	case <-fed:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case err := <-faults:
		// the group may outlive its leader
		kill(cmd)
		return Result{}, err
	default:
	}

	res = Result{
		Output:    output.Bytes(),
		Truncated: output.Truncated(),
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case waitErr != nil:
		return Result{}, fmt.Errorf("wait: %w", waitErr)
	}

	span.AddRawField("process.exit_code", res.ExitCode)
	span.AddRawField("process.output_bytes", len(res.Output))
	span.AddRawField("process.output_truncated", res.Truncated)
	return res, nil
}

// feed copies input into the child's stdin and closes it. A child that stops reading
// before it has all of its input is a fault, the same as a failure to read the input.
func feed(stdin io.WriteCloser, input io.Reader, faults chan<- error, fed chan<- struct{}) {
	defer close(fed)

	var err error
	src := &sourceReader{r: input}
	if input != nil {
		_, err = io.Copy(stdin, src)
	}
	// Wait may already have closed the pipe, so the close itself says nothing
	_ = stdin.Close()

	switch {
	case src.err != nil:
		faults <- fmt.Errorf("read input: %w", src.err)
	case err != nil:
		// EPIPE, or os.ErrClosed once Wait has closed the pipe under a pending write
		faults <- fmt.Errorf("write input: %w", err)
	}
}

// sourceReader remembers read failures, so they can be told apart from write failures
// after io.Copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}
