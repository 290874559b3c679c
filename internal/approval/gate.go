// Package approval decides whether an action request may run.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/protocol"
)

// Group is a policy bucket of action kinds.
type Group string

const (
	GroupReadFiles       Group = "read_files"
	GroupEditFiles       Group = "edit_files"
	GroupExecuteCommands Group = "execute_commands"
	GroupUseBrowser      Group = "use_browser"
	GroupUseMCP          Group = "use_mcp"
	// GroupInteraction holds kinds that only talk to the user.
	GroupInteraction Group = "interaction"
)

// GroupOf maps an action kind to its policy group.
func GroupOf(kind protocol.ActionKind) Group {
	switch kind {
	case protocol.ActionReadFile, protocol.ActionListFiles, protocol.ActionListCodeDefinitions, protocol.ActionSearchFiles:
		return GroupReadFiles
	case protocol.ActionWriteFile, protocol.ActionReplaceInFile:
		return GroupEditFiles
	case protocol.ActionExecuteCommand:
		return GroupExecuteCommands
	case protocol.ActionUseBrowser:
		return GroupUseBrowser
	case protocol.ActionUseMCP:
		return GroupUseMCP
	default:
		return GroupInteraction
	}
}

// Policy is the auto-approval policy.
type Policy struct {
	Enabled        bool
	MaxRequests    int
	Groups         map[Group]bool
	DeniedCommands []string
}

// PolicyFromConfig converts the configured policy.
func PolicyFromConfig(c config.AutoApproval) Policy {
	return Policy{
		Enabled:     c.Enabled,
		MaxRequests: c.MaxRequests,
		Groups: map[Group]bool{
			GroupReadFiles:       c.ReadFiles,
			GroupEditFiles:       c.EditFiles,
			GroupExecuteCommands: c.ExecuteCommands,
			GroupUseBrowser:      c.UseBrowser,
			GroupUseMCP:          c.UseMCP,
		},
		DeniedCommands: c.DeniedCommands,
	}
}

// Outcome is the gate's answer for one request.
type Outcome struct {
	Decision protocol.Decision
	// Feedback is free text the user attached to an approval or denial.
	Feedback string
	// Reason explains a policy rejection.
	Reason string
	// Deferred is set when no decision could be made now; the request
	// waits for a later `cont`.
	Deferred bool
	// Prompt is what the user was (or will be) asked.
	Prompt string
}

// Gate applies the policy and asks the user when it must.
type Gate struct {
	policy   Policy
	prompter Prompter
	logger   *slog.Logger
}

// New creates a gate. A nil prompter defers every question.
func New(policy Policy, prompter Prompter, logger *slog.Logger) *Gate {
	if prompter == nil {
		prompter = DeferringPrompter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRequests < 1 {
		policy.MaxRequests = 20
	}
	return &Gate{policy: policy, prompter: prompter, logger: logger}
}

// Decide returns the decision for req and updates task's auto-approval
// counter. Interaction kinds are always approved and never counted.
func (g *Gate) Decide(ctx context.Context, task *protocol.Task, req *protocol.ActionRequest) (Outcome, error) {
	if req.Kind.IsInteraction() {
		return Outcome{Decision: protocol.DecisionAutoApproved}, nil
	}

	if req.Kind == protocol.ActionExecuteCommand {
		if prefix, denied := g.deniedCommand(req.Param("command")); denied {
			g.logger.Info("command rejected by policy", "task_id", task.ID, "prefix", prefix)
			return Outcome{
				Decision: protocol.DecisionPolicyRejected,
				Reason:   fmt.Sprintf("command matches denied prefix %q", prefix),
			}, nil
		}
	}

	limitReached := task.AutoApprovedCount >= g.policy.MaxRequests
	if !limitReached && g.autoApproves(req) {
		task.AutoApprovedCount++
		g.logger.Debug("auto-approved", "task_id", task.ID, "kind", req.Kind, "count", task.AutoApprovedCount)
		return Outcome{Decision: protocol.DecisionAutoApproved}, nil
	}

	prompt := PromptFor(req, limitReached, g.policy.MaxRequests)
	answer, err := g.prompter.Approve(ctx, Request{TaskID: task.ID, Action: req, Prompt: prompt, LimitReached: limitReached})
	if err != nil {
		if errors.Is(err, ErrDeferred) {
			return Outcome{Deferred: true, Prompt: prompt}, nil
		}
		return Outcome{}, err
	}
	return g.Resolve(task, answer, prompt), nil
}

// Resolve turns a user's answer into an outcome. Approval resets the
// auto-approval counter.
func (g *Gate) Resolve(task *protocol.Task, answer Answer, prompt string) Outcome {
	if answer.Approved {
		task.AutoApprovedCount = 0
		return Outcome{Decision: protocol.DecisionUserApproved, Feedback: answer.Feedback, Prompt: prompt}
	}
	return Outcome{Decision: protocol.DecisionUserDenied, Feedback: answer.Feedback, Prompt: prompt}
}

func (g *Gate) autoApproves(req *protocol.ActionRequest) bool {
	if !g.policy.Enabled {
		return false
	}
	if !g.policy.Groups[GroupOf(req.Kind)] {
		return false
	}
	if req.Kind == protocol.ActionExecuteCommand && strings.EqualFold(strings.TrimSpace(req.Param("requires_approval")), "true") {
		return false
	}
	return true
}

// deniedCommand checks every segment of a compound command line.
func (g *Gate) deniedCommand(command string) (string, bool) {
	if len(g.policy.DeniedCommands) == 0 {
		return "", false
	}
	for _, segment := range splitCommand(command) {
		for _, prefix := range g.policy.DeniedCommands {
			prefix = strings.TrimSpace(prefix)
			if prefix == "" {
				continue
			}
			if segment == prefix || strings.HasPrefix(segment, prefix+" ") {
				return prefix, true
			}
		}
	}
	return "", false
}

var commandSeparators = []string{"&&", "||", ";", "|", "\n"}

func splitCommand(command string) []string {
	segments := []string{command}
	for _, sep := range commandSeparators {
		var next []string
		for _, s := range segments {
			next = append(next, strings.Split(s, sep)...)
		}
		segments = next
	}
	out := segments[:0]
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PromptFor renders the question shown to the user for req.
func PromptFor(req *protocol.ActionRequest, limitReached bool, maxRequests int) string {
	var b strings.Builder
	if limitReached {
		fmt.Fprintf(&b, "Auto-approved %d requests; approval is required to continue.\n", maxRequests)
	}
	b.WriteString("Allow ")
	b.WriteString(Describe(req))
	b.WriteString("?")
	return b.String()
}

// Describe is a one-line summary of what req will do.
func Describe(req *protocol.ActionRequest) string {
	switch req.Kind {
	case protocol.ActionReadFile:
		return "reading " + req.Param("path")
	case protocol.ActionWriteFile:
		return "writing " + req.Param("path")
	case protocol.ActionReplaceInFile:
		return "editing " + req.Param("path")
	case protocol.ActionListFiles:
		return "listing " + req.Param("path")
	case protocol.ActionListCodeDefinitions:
		return "listing definitions in " + req.Param("path")
	case protocol.ActionSearchFiles:
		return fmt.Sprintf("searching %s for %q", req.Param("path"), req.Param("regex"))
	case protocol.ActionExecuteCommand:
		return "running `" + req.Param("command") + "`"
	case protocol.ActionUseBrowser:
		if u := req.Param("url"); u != "" {
			return "browser " + req.Param("action") + " " + u
		}
		return "browser " + req.Param("action")
	case protocol.ActionUseMCP:
		if tool := req.Param("tool_name"); tool != "" {
			return fmt.Sprintf("MCP tool %s on %s", tool, req.Param("server_name"))
		}
		return fmt.Sprintf("MCP resource %s on %s", req.Param("uri"), req.Param("server_name"))
	default:
		return string(req.Kind)
	}
}
