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

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/satto/internal/protocol"
)

// cappedBuffer keeps the first limit bytes written and counts the rest.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - len(c.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		c.buf = append(c.buf, p[:room]...)
	}
	c.dropped += len(p) - max(room, 0)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *cappedBuffer) Truncated() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped > 0, len(c.buf) + c.dropped
}

// CommandResult is the outcome of a shell command.
type CommandResult struct {
	Output    string
	ExitCode  int
	Truncated bool
	TotalSize int
	TimedOut  bool
	Duration  time.Duration
}

// RunCommand runs command through the shell in its own process group under
// the workspace root. Combined output is captured up to the output limit.
// The timeout, or cancellation of ctx, kills the whole group.
func (e *Executor) RunCommand(ctx context.Context, command string) (*CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, e.opts.Shell, "-c", command)
	proc.Dir = e.opts.Root
	proc.Env = os.Environ()
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		// Negative pid signals the whole group.
		err := syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	proc.WaitDelay = 2 * time.Second

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := proc.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	e.logger.Debug("command started", "pid", proc.Process.Pid, "command", command)

	notice := time.AfterFunc(e.stillRunningAfter, func() {
		e.notify(protocol.ActionExecuteCommand, fmt.Sprintf("still running after %s: %s", e.stillRunningAfter, command))
	})
	defer notice.Stop()

	combined := &cappedBuffer{limit: e.opts.OutputLimit}
	var g errgroup.Group
	g.Go(func() error { return e.pump(stdout, combined) })
	g.Go(func() error { return e.pump(stderr, combined) })

	// A descendant that left the group can hold the pipes open after the
	// kill. Close the read ends once the grace period is over.
	pumped := make(chan struct{})
	go func() {
		select {
		case <-pumped:
			return
		case <-runCtx.Done():
		}
		grace := time.NewTimer(proc.WaitDelay)
		defer grace.Stop()
		select {
		case <-pumped:
		case <-grace.C:
			e.logger.Debug("closing command output after kill", "pid", proc.Process.Pid)
			stdout.Close()
			stderr.Close()
		}
	}()
	pumpErr := g.Wait()
	close(pumped)
	waitErr := proc.Wait()

	truncated, total := combined.Truncated()
	res := &CommandResult{
		Output:    combined.String(),
		Truncated: truncated,
		TotalSize: total,
		Duration:  time.Since(start),
	}
	if proc.ProcessState != nil {
		res.ExitCode = proc.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		return res, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("command failed: %w", waitErr)
	}
	if pumpErr != nil {
		e.logger.Debug("command output read error", "error", pumpErr)
	}
	return res, nil
}

// pump copies one output stream line by line into dst and the notifier.
func (e *Executor) pump(r io.Reader, dst io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			dst.Write([]byte(line))
			e.notify(protocol.ActionExecuteCommand, strings.TrimRight(line, "\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (e *Executor) executeCommand(ctx context.Context, command string) (output, error) {
	res, err := e.RunCommand(ctx, command)
	if err != nil {
		if res == nil {
			return output{}, failure("start", err)
		}
		return commandOutput(res), protocol.NewError(protocol.KindExecutionFailed, "interrupted", "command interrupted", err)
	}

	out := commandOutput(res)
	if res.TimedOut {
		return out, failuref("timeout", "command timed out after %s", e.opts.CommandTimeout)
	}
	if res.ExitCode != 0 {
		return out, failuref("exit_status", "command exited with status %d", res.ExitCode)
	}
	return out, nil
}

func commandOutput(res *CommandResult) output {
	var b strings.Builder
	if strings.TrimSpace(res.Output) == "" {
		b.WriteString("Command executed with no output.")
	} else {
		b.WriteString("Command output:\n")
		b.WriteString(res.Output)
	}
	if res.Truncated {
		fmt.Fprintf(&b, "\n[output truncated: showing the first %s of %s]",
			humanize.IBytes(uint64(len(res.Output))), humanize.IBytes(uint64(res.TotalSize)))
	}
	fmt.Fprintf(&b, "\nExit code: %d", res.ExitCode)
	return output{
		text: b.String(),
		data: map[string]any{
			"exit_code":   res.ExitCode,
			"truncated":   res.Truncated,
			"timed_out":   res.TimedOut,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}
}
