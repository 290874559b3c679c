package executor

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/satto/internal/protocol"
)

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Text)
	}
	return out
}

func command(cmd string) *protocol.ActionRequest {
	return request(protocol.ActionExecuteCommand, map[string]string{"command": cmd})
}

func TestExecuteCommandSuccess(t *testing.T) {
	rec := &noticeRecorder{}
	e := newTestExecutor(t, func(o *Options) { o.Notify = rec.record })

	res := e.Execute(context.Background(), command("echo hello; echo world >&2; pwd"))
	require.Equal(t, protocol.ResultSuccess, res.Status, res.Error)
	assert.Contains(t, res.Output, "Command output:\n")
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, res.Output, "world")
	assert.Contains(t, res.Output, e.Root())
	assert.Contains(t, res.Output, "Exit code: 0")
	assert.Equal(t, 0, res.Data["exit_code"])
	assert.Contains(t, rec.texts(), "hello")
}

func TestExecuteCommandNoOutput(t *testing.T) {
	e := newTestExecutor(t, nil)
	res := e.Execute(context.Background(), command("true"))
	require.Equal(t, protocol.ResultSuccess, res.Status)
	assert.True(t, strings.HasPrefix(res.Output, "Command executed with no output."))
}

func TestExecuteCommandExitStatus(t *testing.T) {
	e := newTestExecutor(t, nil)
	res := e.Execute(context.Background(), command("echo oops; exit 3"))
	assert.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, protocol.KindExecutionFailed, res.ErrorKind)
	assert.Equal(t, "exit_status", res.Reason)
	assert.Contains(t, res.Output, "oops")
	assert.Contains(t, res.Output, "Exit code: 3")
	assert.Equal(t, "command exited with status 3", res.Error)
}

func TestExecuteCommandTimeout(t *testing.T) {
	e := newTestExecutor(t, func(o *Options) { o.CommandTimeout = 200 * time.Millisecond })

	start := time.Now()
	res := e.Execute(context.Background(), command("echo started; sleep 5"))
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "timeout", res.Reason)
	assert.Contains(t, res.Output, "started")
	assert.Equal(t, true, res.Data["timed_out"])
}

func TestExecuteCommandTimeoutWithDetachedChild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	e := newTestExecutor(t, func(o *Options) { o.CommandTimeout = 300 * time.Millisecond })

	// The detached sleep keeps stdout open after the group is killed.
	start := time.Now()
	res := e.Execute(context.Background(), command("setsid sleep 8 & echo started; sleep 5"))
	assert.Less(t, time.Since(start), 6*time.Second)
	assert.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "timeout", res.Reason)
	assert.Contains(t, res.Output, "started")
}

func TestExecuteCommandCancelled(t *testing.T) {
	e := newTestExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := e.Execute(ctx, command("sleep 5"))
	assert.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "interrupted", res.Reason)
}

func TestExecuteCommandOutputLimit(t *testing.T) {
	e := newTestExecutor(t, func(o *Options) { o.OutputLimit = 10 })

	res, err := e.RunCommand(context.Background(), "printf abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", res.Output)
	assert.True(t, res.Truncated)
	assert.Equal(t, 26, res.TotalSize)
	assert.Contains(t, commandOutput(res).text, "[output truncated: showing the first 10 B of 26 B]")
}

func TestExecuteCommandStillRunningNotice(t *testing.T) {
	rec := &noticeRecorder{}
	e := newTestExecutor(t, func(o *Options) { o.Notify = rec.record })
	e.stillRunningAfter = 50 * time.Millisecond

	res := e.Execute(context.Background(), command("sleep 0.4"))
	require.Equal(t, protocol.ResultSuccess, res.Status, res.Error)

	texts := rec.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], "still running after 50ms"), texts[0])
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	truncated, total := b.Truncated()
	assert.True(t, truncated)
	assert.Equal(t, 8, total)
	assert.Equal(t, "abcde", b.String())
}
