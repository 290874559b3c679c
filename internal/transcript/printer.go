// Package transcript prints what a task does, as it does it.
//
// The console copy is styled with lipgloss; an optional plain copy goes to
// the per-task transcript log. Tool output passes through the secret
// redactor before either copy is written.
package transcript

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/satto/internal/executor"
	"github.com/iambrandonn/satto/internal/protocol"
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	actionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
)

// Options configures a Printer.
type Options struct {
	// Markdown renders the completion result with glamour.
	Markdown bool
	Redactor *Redactor
	// Log receives an unstyled copy of everything printed.
	Log io.Writer
	// LogPath, when set and Log is nil, names the per-task log file. It is
	// opened in append mode once the first turn reveals the task ID.
	LogPath func(taskID string) string
	// Width is the markdown wrap width; zero means 80.
	Width int
}

// Printer writes the transcript. It is safe for concurrent use; command
// output notices arrive from the executor's pump goroutines.
type Printer struct {
	out  io.Writer
	opts Options
	f    *Formatter

	mu      sync.Mutex
	logFile *os.File
	// midLine is set while streamed text has not ended with a newline.
	midLine bool
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, opts Options) *Printer {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	return &Printer{out: out, opts: opts, f: NewFormatter()}
}

// TurnStarted marks the start of a model request.
func (p *Printer) TurnStarted(task *protocol.Task, seq int) {
	p.openLog(task.ID)
	p.line(dimStyle, fmt.Sprintf("── turn %d ──", seq))
}

// Text streams narrative text from the model.
func (p *Printer) Text(chunk string) {
	if chunk == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, chunk)
	p.logf("%s", chunk)
	p.midLine = !strings.HasSuffix(chunk, "\n")
}

// ActionFinished prints one line per action and a short preview of its output.
func (p *Printer) ActionFinished(req *protocol.ActionRequest, res *protocol.ActionResult) {
	text := p.opts.Redactor.Redact(p.f.FormatAction(req, res))
	style := okStyle
	switch {
	case res.Decision == protocol.DecisionUserDenied || res.Decision == protocol.DecisionPolicyRejected:
		style = warningStyle
	case !res.Succeeded():
		style = errorStyle
	}
	p.line(style, text)
}

// Mistake prints a turn-level mistake.
func (p *Printer) Mistake(m protocol.Mistake) {
	p.line(warningStyle, p.f.FormatMistake(m))
}

// Notice prints command output and still-running notices.
// It matches executor.Options.Notify.
func (p *Printer) Notice(n executor.Notice) {
	p.line(dimStyle, p.opts.Redactor.Redact(p.f.FormatNotice(n)))
}

// Retrying reports a transport retry.
func (p *Printer) Retrying(attempt int, wait time.Duration, err error) {
	p.line(warningStyle, fmt.Sprintf("request failed (attempt %d), retrying in %s: %v", attempt, wait.Round(time.Millisecond), err))
}

// Info prints a status message.
func (p *Printer) Info(msg string) {
	p.line(actionStyle, msg)
}

// Completion prints the final result, rendered as markdown when enabled.
func (p *Printer) Completion(result string) {
	result = p.opts.Redactor.Redact(result)
	p.line(titleStyle, "Task completed")

	rendered := result
	if p.opts.Markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(p.opts.Width))
		if err == nil {
			if out, err := r.Render(result); err == nil {
				rendered = out
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, strings.TrimRight(rendered, "\n"))
	p.logf("%s\n", result)
}

// Waiting prints what a suspended task needs from the user.
func (p *Printer) Waiting(pending *protocol.Pending) {
	if pending == nil {
		return
	}
	if pending.Kind == protocol.PendingQuestion {
		p.line(titleStyle, "Question: "+pending.Prompt)
		return
	}
	p.line(warningStyle, "Approval needed: "+pending.Prompt)
}

// Summary prints the end-of-invocation status line.
func (p *Printer) Summary(task *protocol.Task) {
	msg := fmt.Sprintf("task %s %s after %d turns; %s", task.ID, task.Status, len(task.Turns), p.f.FormatUsage(task.Usage))
	switch task.Status {
	case protocol.TaskStatusAborted:
		p.line(errorStyle, msg+"\n"+task.AbortReason)
	case protocol.TaskStatusAwaitingInput:
		p.line(warningStyle, msg+"\nresume with: satto cont <reply>")
	default:
		p.line(dimStyle, msg)
	}
}

func (p *Printer) line(style lipgloss.Style, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.midLine {
		fmt.Fprintln(p.out)
		p.logf("\n")
		p.midLine = false
	}
	fmt.Fprintln(p.out, style.Render(text))
	p.logf("%s\n", text)
}

func (p *Printer) openLog(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Log != nil || p.opts.LogPath == nil {
		return
	}
	f, err := os.OpenFile(p.opts.LogPath(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		// Console output only.
		p.opts.LogPath = nil
		return
	}
	p.logFile = f
	p.opts.Log = f
}

// Close closes the per-task log file, if one was opened.
func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.logFile == nil {
		return nil
	}
	err := p.logFile.Close()
	p.logFile = nil
	p.opts.Log = nil
	return err
}

func (p *Printer) logf(format string, args ...any) {
	if p.opts.Log != nil {
		fmt.Fprintf(p.opts.Log, format, args...)
	}
}
