package taskloop

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/satto/internal/protocol"
)

// Text the model sees after a turn.
const (
	noToolsUsed    = "[ERROR] You did not use a tool in your previous response! Please retry with a tool use."
	userDenied     = "The user denied this operation."
	skippedAction  = "Skipped because an earlier action in this response did not succeed."
	continueNudge  = "Continue with the task."
	deniedFeedback = "The user denied this operation and provided the following feedback:\n<feedback>\n%s\n</feedback>"
	approvedNote   = "The user approved this operation and provided the following feedback:\n<feedback>\n%s\n</feedback>"
	toolError      = "The tool execution failed with the following error:\n<error>\n%s\n</error>"
)

// taskInput is the first input of a task.
func taskInput(instruction, environment string) string {
	in := fmt.Sprintf("<task>\n%s\n</task>", instruction)
	if environment != "" {
		in += "\n\n<environment_details>\n# Current Working Directory Files\n" + environment + "\n</environment_details>"
	}
	return in
}

// nextInput is the user content that follows a committed turn: one entry
// per action request in order, then turn-level mistakes, then any text the
// user typed.
func nextInput(turn *protocol.Turn, userText string) string {
	var parts []string
	if turn != nil {
		parts = append(parts, turnFeedback(turn)...)
	}
	if text := strings.TrimSpace(userText); text != "" {
		parts = append(parts, "<user_message>\n"+text+"\n</user_message>")
	}
	if len(parts) == 0 {
		return continueNudge
	}
	return strings.Join(parts, "\n\n")
}

func turnFeedback(turn *protocol.Turn) []string {
	mistakes := make(map[int]protocol.Mistake)
	var general []protocol.Mistake
	for _, m := range turn.Mistakes {
		if m.Index < 0 {
			general = append(general, m)
			continue
		}
		if _, ok := mistakes[m.Index]; !ok {
			mistakes[m.Index] = m
		}
	}

	var parts []string
	for _, req := range turn.Requests() {
		desc := describe(req)
		if res, ok := turn.Result(req.Index); ok {
			parts = append(parts, desc+" Result: "+resultText(res))
			continue
		}
		if m, ok := mistakes[req.Index]; ok {
			parts = append(parts, desc+" Result: "+fmt.Sprintf(toolError, m.Message))
			continue
		}
		if turn.Outcome != protocol.OutcomeCompleted {
			parts = append(parts, desc+" Result: "+skippedAction)
		}
	}
	for _, m := range general {
		if m.Kind == protocol.KindProtocolMalformed && m.Reason == "no_action" {
			parts = append(parts, noToolsUsed)
			continue
		}
		parts = append(parts, "[ERROR] "+m.Message)
	}
	return parts
}

// describe names a request the way feedback refers to it.
func describe(req *protocol.ActionRequest) string {
	var target string
	switch req.Kind {
	case protocol.ActionExecuteCommand:
		target = req.Param("command")
	case protocol.ActionAskFollowup:
		target = req.Param("question")
	case protocol.ActionUseBrowser:
		target = req.Param("action")
	case protocol.ActionUseMCP:
		target = req.Param("server_name")
	case protocol.ActionSearchFiles:
		target = req.Param("regex")
	case protocol.ActionAttemptCompletion:
		return "[" + string(req.Kind) + "]"
	default:
		target = req.Param("path")
	}
	return fmt.Sprintf("[%s for '%s']", req.Kind, target)
}

func resultText(res *protocol.ActionResult) string {
	feedback, _ := res.Data["feedback"].(string)
	switch {
	case res.Decision == protocol.DecisionUserDenied && feedback != "":
		return fmt.Sprintf(deniedFeedback, feedback)
	case res.Decision == protocol.DecisionUserDenied:
		return userDenied
	case res.Decision == protocol.DecisionPolicyRejected:
		return "The operation was rejected by the auto-approval policy: " + res.Error
	}

	var text string
	switch {
	case !res.Succeeded() && res.Output != "":
		text = res.Output + "\n\n" + fmt.Sprintf(toolError, res.Error)
	case !res.Succeeded():
		text = fmt.Sprintf(toolError, res.Error)
	case res.Kind == protocol.ActionAskFollowup:
		text = "<answer>\n" + res.Output + "\n</answer>"
	case res.Output == "":
		text = "(No output)"
	default:
		text = res.Output
	}
	if feedback != "" {
		text += "\n\n" + fmt.Sprintf(approvedNote, feedback)
	}
	return text
}
