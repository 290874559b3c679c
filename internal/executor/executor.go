// Package executor performs approved action requests against the
// workspace, the shell, a browser and MCP servers.
//
// Every path returns a protocol.ActionResult. Faults become typed failures
// (kind, reason, message) on the result; nothing is returned raw.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/iambrandonn/satto/internal/fsutil"
	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/search"
)

// Defaults for Options left zero.
const (
	DefaultCommandTimeout = 10 * time.Minute
	DefaultOutputLimit    = 64 * 1024
	DefaultReadLimit      = 1024 * 1024
	DefaultListLimit      = 200
	// StillRunningAfter is when a long command gets its one notice.
	StillRunningAfter = 30 * time.Second
)

// Notice is progress output produced while an action runs.
type Notice struct {
	Kind protocol.ActionKind
	Text string
}

// Options configures an Executor.
type Options struct {
	Root           string
	Shell          string
	CommandTimeout time.Duration
	OutputLimit    int
	ReadLimit      int64
	IgnorePatterns []string
	Search         search.Backend
	Browser        Browser
	MCP            MCPClient
	// Notify receives command output lines and still-running notices.
	Notify func(Notice)
	Logger *slog.Logger
}

// Executor runs action requests.
type Executor struct {
	opts   Options
	logger *slog.Logger
	// stillRunningAfter is a field so tests can shorten it.
	stillRunningAfter time.Duration
}

// New creates an executor.
func New(opts Options) *Executor {
	if abs, err := filepath.Abs(opts.Root); err == nil {
		opts.Root = abs
	}
	if real, err := filepath.EvalSymlinks(opts.Root); err == nil {
		opts.Root = real
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Search == nil {
		opts.Search, _ = search.New("go", opts.Logger)
	}
	return &Executor{opts: opts, logger: opts.Logger, stillRunningAfter: StillRunningAfter}
}

// Root returns the workspace root.
func (e *Executor) Root() string { return e.opts.Root }

// Execute runs req. The caller has already validated and approved it.
func (e *Executor) Execute(ctx context.Context, req *protocol.ActionRequest) protocol.ActionResult {
	start := time.Now()
	res := protocol.ActionResult{Index: req.Index, Kind: req.Kind}

	var (
		out output
		err error
	)
	switch req.Kind {
	case protocol.ActionReadFile:
		out, err = e.readFile(req)
	case protocol.ActionWriteFile:
		out, err = e.writeFile(req)
	case protocol.ActionReplaceInFile:
		out, err = e.replaceInFile(req)
	case protocol.ActionListFiles:
		out, err = e.listFiles(req)
	case protocol.ActionListCodeDefinitions:
		out, err = e.listDefinitions(ctx, req)
	case protocol.ActionSearchFiles:
		out, err = e.searchFiles(ctx, req)
	case protocol.ActionExecuteCommand:
		out, err = e.executeCommand(ctx, req.Param("command"))
	case protocol.ActionUseBrowser:
		out, err = e.useBrowser(ctx, req)
	case protocol.ActionUseMCP:
		out, err = e.useMCP(ctx, req)
	case protocol.ActionAskFollowup:
		out = output{text: req.Param("question")}
	case protocol.ActionAttemptCompletion:
		out = output{text: req.Param("result")}
		if cmd := req.Param("command"); cmd != "" {
			out.data = map[string]any{"command": cmd}
		}
	default:
		err = protocol.Errorf(protocol.KindProtocolMalformed, "unknown_kind", "unknown action kind %q", req.Kind)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Output = out.text
	res.Data = out.data
	if err != nil {
		res.Status = protocol.ResultFailure
		res.ErrorKind, res.Reason = classify(ctx, err)
		res.Error = message(err)
		e.logger.Debug("action failed", "kind", req.Kind, "index", req.Index, "reason", res.Reason, "error", err)
		return res
	}
	res.Status = protocol.ResultSuccess
	e.logger.Debug("action succeeded", "kind", req.Kind, "index", req.Index, "duration_ms", res.DurationMs)
	return res
}

// output is what an action produced.
type output struct {
	text string
	data map[string]any
}

// failure builds an ExecutionFailed error with a reason.
func failure(reason string, err error) error {
	var typed *protocol.Error
	if errors.As(err, &typed) {
		return err
	}
	return protocol.NewError(protocol.KindExecutionFailed, reason, "", err)
}

func failuref(reason, format string, args ...any) error {
	return protocol.Errorf(protocol.KindExecutionFailed, reason, format, args...)
}

// classify maps an error to a kind and reason.
func classify(ctx context.Context, err error) (protocol.ErrorKind, string) {
	switch {
	case errors.Is(err, fsutil.ErrOutsideWorkspace):
		return protocol.KindExecutionFailed, "outside_workspace"
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return protocol.KindExecutionFailed, "interrupted"
	}
	kind := protocol.KindOf(err)
	if kind == "" {
		kind = protocol.KindExecutionFailed
	}
	reason := protocol.ReasonOf(err)
	if reason == "" {
		reason = "error"
	}
	return kind, reason
}

// message is the error text shown to the model, without the kind prefix.
func message(err error) string {
	return protocol.MessageOf(err)
}

// resolve maps a model-supplied path into the workspace.
func (e *Executor) resolve(p string) (string, error) {
	abs, err := fsutil.ResolveWorkspacePath(e.opts.Root, p)
	if err != nil {
		if errors.Is(err, fsutil.ErrOutsideWorkspace) {
			return "", fmt.Errorf("%w: %s", fsutil.ErrOutsideWorkspace, p)
		}
		return "", failure("invalid_path", err)
	}
	return abs, nil
}

func (e *Executor) notify(kind protocol.ActionKind, text string) {
	if e.opts.Notify != nil {
		e.opts.Notify(Notice{Kind: kind, Text: text})
	}
}

// Close releases the browser and MCP sessions.
func (e *Executor) Close() error {
	var errs []error
	if e.opts.Browser != nil {
		errs = append(errs, e.opts.Browser.Close())
	}
	if e.opts.MCP != nil {
		errs = append(errs, e.opts.MCP.Close())
	}
	return errors.Join(errs...)
}
