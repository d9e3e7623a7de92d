package system

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	DefaultSamplerTimeout = 5 * time.Second
	waitDelay             = 500 * time.Millisecond
)

var (
	ErrSamplerTimeout = errors.New("sampler timed out")
	ErrNoOutput       = errors.New("sampler produced no output")
)

// Runner invokes external measurement commands. Every call is bounded by a
// timeout and the child is killed on every exit path.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	FirstLine(ctx context.Context, name string, args ...string) (string, error)
}

type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultSamplerTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	killGroupOnCancel(cmd)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", name, ErrSamplerTimeout)
		}
		// Partial stdout is returned alongside a non-zero exit.
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// FirstLine starts a streaming sampler, returns its first non-empty line and
// kills it, whether or not it would have kept streaming.
func (r *ExecRunner) FirstLine(ctx context.Context, name string, args ...string) (string, error) {
	p, err := startLineProcess(ctx, r.Timeout, name, args...)
	if err != nil {
		return "", err
	}
	defer p.Close()

	line, err := p.ReadLine()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return line, nil
}

// lineProcess is a running sampler scoped to a single read. Close must be
// called on every path; it terminates the child, waits for the reader to
// let go of stdout and then reaps the child.
type lineProcess struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	reading  bool
	readDone chan struct{}
}

func startLineProcess(ctx context.Context, timeout time.Duration, name string, args ...string) (*lineProcess, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	cmd := exec.CommandContext(runCtx, name, args...)
	killGroupOnCancel(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &lineProcess{ctx: runCtx, cancel: cancel, cmd: cmd, stdout: stdout, readDone: make(chan struct{})}, nil
}

// ReadLine may be called once.
func (p *lineProcess) ReadLine() (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	p.reading = true
	go func() {
		defer close(p.readDone)
		reader := bufio.NewReader(p.stdout)
		for {
			line, err := reader.ReadString('\n')
			line = strings.TrimSpace(line)
			if line != "" {
				ch <- result{line: line}
				return
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = ErrNoOutput
				}
				ch <- result{err: err}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		if r.err != nil && p.ctx.Err() != nil {
			return "", ErrSamplerTimeout
		}
		return r.line, r.err
	case <-p.ctx.Done():
		return "", ErrSamplerTimeout
	}
}

func (p *lineProcess) Close() {
	p.cancel()
	// Closing our end unblocks a reader stuck on a helper that kept the pipe
	// open. Wait must not run until the reader is gone.
	_ = p.stdout.Close()
	if p.reading {
		<-p.readDone
	}
	_ = p.cmd.Wait()
}

// killGroupOnCancel runs the child in its own process group so samplers that
// fork helpers are torn down as a unit.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = waitDelay
}
