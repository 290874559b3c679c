package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iambrandonn/satto/internal/executor"
	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/taskstore"
)

// maxTargetLen bounds the target shown for an action.
const maxTargetLen = 80

// Formatter formats task activity as plain text
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatAction formats a finished action for console display
func (f *Formatter) FormatAction(req *protocol.ActionRequest, res *protocol.ActionResult) string {
	head := fmt.Sprintf("[%s]", req.Kind)
	if target := f.target(req); target != "" {
		head += " " + target
	}

	var details string
	switch {
	case res.Decision == protocol.DecisionUserDenied || res.Decision == protocol.DecisionPolicyRejected:
		details = string(res.Decision)
		if res.Error != "" {
			details += ": " + res.Error
		}
	case res.Succeeded():
		details = fmt.Sprintf("%s, ok in %s", res.Decision, f.duration(res.DurationMs))
		if size := f.size(res); size != "" {
			details += ", " + size
		}
	default:
		details = fmt.Sprintf("%s, failed (%s): %s", res.Decision, res.Reason, res.Error)
	}
	return head + ": " + details
}

// FormatMistake formats a malformed request or other turn-level mistake
func (f *Formatter) FormatMistake(m protocol.Mistake) string {
	return fmt.Sprintf("[mistake] %s: %s", m.Kind, m.Message)
}

// FormatNotice formats progress output from a running action
func (f *Formatter) FormatNotice(n executor.Notice) string {
	return fmt.Sprintf("  │ %s", n.Text)
}

// FormatUsage formats token counts and the estimated cost
func (f *Formatter) FormatUsage(u protocol.Usage) string {
	s := fmt.Sprintf("%s in / %s out tokens", humanize.Comma(int64(u.InputTokens)), humanize.Comma(int64(u.OutputTokens)))
	if u.CacheReadTokens > 0 || u.CacheWriteTokens > 0 {
		s += fmt.Sprintf(" (cache %s read, %s written)", humanize.Comma(int64(u.CacheReadTokens)), humanize.Comma(int64(u.CacheWriteTokens)))
	}
	if u.CostUSD > 0 {
		s += fmt.Sprintf(", ~$%.4f", u.CostUSD)
	}
	return s
}

// FormatTask formats the full status of a task
func (f *Formatter) FormatTask(task *protocol.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s)\n", task.ID, task.Status)
	fmt.Fprintf(&b, "Instruction: %s\n", task.Instruction)
	if task.Provider != "" {
		fmt.Fprintf(&b, "Model: %s/%s\n", task.Provider, task.Model)
	}
	fmt.Fprintf(&b, "Created: %s, updated: %s\n", humanize.Time(task.CreatedAt), humanize.Time(task.UpdatedAt))
	fmt.Fprintf(&b, "Turns: %d, consecutive mistakes: %d, auto-approved since last approval: %d\n",
		len(task.Turns), task.MistakeCount, task.AutoApprovedCount)
	fmt.Fprintf(&b, "Usage: %s\n", f.FormatUsage(task.Usage))

	switch {
	case task.Pending != nil && task.Pending.Kind == protocol.PendingQuestion:
		fmt.Fprintf(&b, "\nWaiting for an answer:\n%s\n", task.Pending.Prompt)
	case task.Pending != nil:
		fmt.Fprintf(&b, "\nWaiting for approval:\n%s\n", task.Pending.Prompt)
	case task.Status == protocol.TaskStatusAwaitingInput:
		b.WriteString("\nWaiting for further instructions.\n")
	}
	if task.Completion != "" {
		fmt.Fprintf(&b, "\nResult:\n%s\n", task.Completion)
	}
	if task.AbortReason != "" {
		fmt.Fprintf(&b, "\nAborted: %s\n", task.AbortReason)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSummaries formats the task list, most recent first
func (f *Formatter) FormatSummaries(list []taskstore.Summary) string {
	if len(list) == 0 {
		return "No tasks."
	}
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "%s  %-14s  %3d turns  %-14s  %s\n",
			s.ID, s.Status, s.Turns, humanize.Time(s.UpdatedAt), truncate(s.Instruction, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (f *Formatter) target(req *protocol.ActionRequest) string {
	var t string
	switch req.Kind {
	case protocol.ActionExecuteCommand:
		t = req.Param("command")
	case protocol.ActionSearchFiles:
		t = fmt.Sprintf("%s /%s/", req.Param("path"), req.Param("regex"))
	case protocol.ActionUseBrowser:
		t = strings.TrimSpace(req.Param("action") + " " + req.Param("url") + req.Param("coordinate"))
	case protocol.ActionUseMCP:
		t = req.Param("server_name") + " " + req.Param("tool_name") + req.Param("uri")
	case protocol.ActionAskFollowup, protocol.ActionAttemptCompletion:
		return ""
	default:
		t = req.Param("path")
	}
	return truncate(strings.TrimSpace(t), maxTargetLen)
}

func (f *Formatter) size(res *protocol.ActionResult) string {
	switch v := res.Data["bytes_written"].(type) {
	case int64:
		return humanize.IBytes(uint64(v)) + " written"
	case float64:
		return humanize.IBytes(uint64(v)) + " written"
	}
	if v, ok := res.Data["bytes"].(int); ok {
		return humanize.IBytes(uint64(v))
	}
	return ""
}

func (f *Formatter) duration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
