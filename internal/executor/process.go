package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskd/internal/logging"
)

// killGrace is how long a signalled process group gets to exit before the
// escalation to SIGKILL.
const killGrace = 5 * time.Second

// maxLineSize bounds a single streamed output line.
const maxLineSize = 1024 * 1024

// runSpec describes one subprocess run.
type runSpec struct {
	execID string
	name   string
	args   []string
	dir    string
	env    []string // KEY=VALUE pairs appended to the inherited environment
	// splitStreams routes stderr into the thinking stream instead of output.
	splitStreams bool
}

// runResult is the raw observation of a finished subprocess.
type runResult struct {
	output    string
	thinking  string
	exitCode  *int
	waitErr   error
	timedOut  bool
	cancelled bool
}

// runProcess starts the command in its own process group, streams its output
// to the sink while it runs, and enforces the context deadline with a
// SIGTERM, grace period, SIGKILL escalation.
func runProcess(ctx context.Context, logger logging.Logger, sink Sink, spec runSpec) (*runResult, error) {
	cmd := exec.Command(spec.name, spec.args...)
	if spec.dir != "" {
		cmd.Dir = spec.dir
	}
	if len(spec.env) > 0 {
		cmd.Env = append(os.Environ(), spec.env...)
	}
	// Own process group so the whole tree is signalled, not just sh.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.name, err)
	}

	pgid := cmd.Process.Pid
	if id, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = id
	}

	// Streaming continues while the deadline fires; the sink writes must
	// not be cut short by the same context that kills the process.
	sinkCtx := context.WithoutCancel(ctx)

	var outBuf, thinkBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(sinkCtx, stdout, &outBuf, func(c context.Context, text string) error {
			return sink.AppendOutput(c, spec.execID, text)
		})
	}()
	go func() {
		defer wg.Done()
		if spec.splitStreams {
			streamLines(sinkCtx, stderr, &thinkBuf, func(c context.Context, text string) error {
				return sink.AppendThinking(c, spec.execID, text)
			})
		} else {
			streamLines(sinkCtx, stderr, &outBuf, func(c context.Context, text string) error {
				return sink.AppendOutput(c, spec.execID, text)
			})
		}
	}()

	done := make(chan struct{})
	var waitErr error
	go func() {
		wg.Wait()
		waitErr = cmd.Wait()
		close(done)
	}()

	res := &runResult{}
	select {
	case <-done:
	case <-ctx.Done():
		cause := context.Cause(ctx)
		res.timedOut = errors.Is(cause, context.DeadlineExceeded)
		res.cancelled = !res.timedOut
		logger.Info("signalling process group %d (%v)", pgid, cause)
		terminateGroup(pgid, done, logger)
		<-done
	}

	res.output = outBuf.String()
	res.thinking = thinkBuf.String()
	res.waitErr = waitErr
	if code := exitCodeOf(waitErr); code != nil {
		res.exitCode = code
	}
	return res, nil
}

// terminateGroup sends SIGTERM to the group and escalates to SIGKILL when
// the process outlives the grace window.
func terminateGroup(pgid int, done <-chan struct{}, logger logging.Logger) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		logger.Warn("process group %d ignored SIGTERM, sending SIGKILL", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// streamLines copies reader lines into buf and forwards each one to emit.
// Sink errors are dropped; streaming is best-effort while the run is live.
func streamLines(ctx context.Context, r io.Reader, buf *strings.Builder, emit func(context.Context, string) error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		buf.WriteString(line)
		_ = emit(ctx, line)
	}
}

// exitCodeOf extracts the exit code from a Wait error. Nil error is exit 0;
// a signalled process reports no code.
func exitCodeOf(waitErr error) *int {
	if waitErr == nil {
		zero := 0
		return &zero
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return &code
		}
	}
	return nil
}
