package approval

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/protocol"
)

type stubPrompter struct {
	answers  []Answer
	requests []Request
}

func (s *stubPrompter) Approve(_ context.Context, req Request) (Answer, error) {
	s.requests = append(s.requests, req)
	if len(s.answers) == 0 {
		return Answer{}, ErrDeferred
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func (s *stubPrompter) Ask(context.Context, string) (string, error) { return "", ErrDeferred }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func action(kind protocol.ActionKind, params map[string]string) *protocol.ActionRequest {
	return &protocol.ActionRequest{Kind: kind, Params: params}
}

func TestGroupOf(t *testing.T) {
	cases := map[protocol.ActionKind]Group{
		protocol.ActionReadFile:            GroupReadFiles,
		protocol.ActionListFiles:           GroupReadFiles,
		protocol.ActionListCodeDefinitions: GroupReadFiles,
		protocol.ActionSearchFiles:         GroupReadFiles,
		protocol.ActionWriteFile:           GroupEditFiles,
		protocol.ActionReplaceInFile:       GroupEditFiles,
		protocol.ActionExecuteCommand:      GroupExecuteCommands,
		protocol.ActionUseBrowser:          GroupUseBrowser,
		protocol.ActionUseMCP:              GroupUseMCP,
		protocol.ActionAskFollowup:         GroupInteraction,
		protocol.ActionAttemptCompletion:   GroupInteraction,
	}
	for kind, group := range cases {
		assert.Equal(t, group, GroupOf(kind), kind)
	}
}

func TestGate_ReadAutoApprovedCommandDeferred(t *testing.T) {
	policy := PolicyFromConfig(config.AutoApproval{Enabled: true, MaxRequests: 20, ReadFiles: true})
	gate := New(policy, nil, discardLogger())
	task := protocol.NewTask("t", "x")

	out, err := gate.Decide(context.Background(), task, action(protocol.ActionReadFile, map[string]string{"path": "a.txt"}))
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionAutoApproved, out.Decision)
	assert.Equal(t, 1, task.AutoApprovedCount)

	out, err = gate.Decide(context.Background(), task, action(protocol.ActionExecuteCommand, map[string]string{"command": "rm -rf /"}))
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Empty(t, out.Decision)
	assert.Contains(t, out.Prompt, "rm -rf /")
	assert.Equal(t, 1, task.AutoApprovedCount)
}

func TestGate_InteractionKindsNotCounted(t *testing.T) {
	gate := New(Policy{Enabled: false, MaxRequests: 1}, nil, discardLogger())
	task := protocol.NewTask("t", "x")
	task.AutoApprovedCount = 1

	for _, kind := range []protocol.ActionKind{protocol.ActionAskFollowup, protocol.ActionAttemptCompletion} {
		out, err := gate.Decide(context.Background(), task, action(kind, nil))
		require.NoError(t, err)
		assert.Equal(t, protocol.DecisionAutoApproved, out.Decision)
	}
	assert.Equal(t, 1, task.AutoApprovedCount)
}

func TestGate_MaxRequestsForcesPrompt(t *testing.T) {
	prompter := &stubPrompter{answers: []Answer{{Approved: true}}}
	policy := PolicyFromConfig(config.AutoApproval{Enabled: true, MaxRequests: 2, ReadFiles: true})
	gate := New(policy, prompter, discardLogger())
	task := protocol.NewTask("t", "x")
	read := action(protocol.ActionReadFile, map[string]string{"path": "a"})

	executedWithoutUser := 0
	for i := 0; i < 5; i++ {
		out, err := gate.Decide(context.Background(), task, read)
		require.NoError(t, err)
		if out.Decision == protocol.DecisionAutoApproved {
			executedWithoutUser++
		}
		if i == 2 {
			assert.Equal(t, protocol.DecisionUserApproved, out.Decision)
			assert.Equal(t, 0, task.AutoApprovedCount, "explicit approval resets the counter")
		}
	}

	assert.Equal(t, 4, executedWithoutUser)
	require.Len(t, prompter.requests, 1)
	assert.True(t, prompter.requests[0].LimitReached)
	assert.Contains(t, prompter.requests[0].Prompt, "Auto-approved 2 requests")
}

func TestGate_RequiresApprovalOverridesPolicy(t *testing.T) {
	prompter := &stubPrompter{answers: []Answer{{Approved: false, Feedback: "use ls instead"}}}
	policy := PolicyFromConfig(config.AutoApproval{Enabled: true, MaxRequests: 20, ExecuteCommands: true})
	gate := New(policy, prompter, discardLogger())
	task := protocol.NewTask("t", "x")

	out, err := gate.Decide(context.Background(), task,
		action(protocol.ActionExecuteCommand, map[string]string{"command": "make", "requires_approval": "true"}))
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionUserDenied, out.Decision)
	assert.Equal(t, "use ls instead", out.Feedback)

	out, err = gate.Decide(context.Background(), task,
		action(protocol.ActionExecuteCommand, map[string]string{"command": "make", "requires_approval": "false"}))
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionAutoApproved, out.Decision)
}

func TestGate_DeniedCommands(t *testing.T) {
	policy := PolicyFromConfig(config.AutoApproval{Enabled: true, MaxRequests: 20, ExecuteCommands: true,
		DeniedCommands: []string{"rm -rf", "git push"}})
	gate := New(policy, nil, discardLogger())
	task := protocol.NewTask("t", "x")

	for _, cmd := range []string{"rm -rf /", "go test ./... && git push origin main", "git push"} {
		out, err := gate.Decide(context.Background(), task, action(protocol.ActionExecuteCommand, map[string]string{"command": cmd}))
		require.NoError(t, err)
		assert.Equal(t, protocol.DecisionPolicyRejected, out.Decision, cmd)
		assert.NotEmpty(t, out.Reason)
	}

	out, err := gate.Decide(context.Background(), task, action(protocol.ActionExecuteCommand, map[string]string{"command": "git pushd"}))
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionAutoApproved, out.Decision)
	assert.Equal(t, 1, task.AutoApprovedCount)
}

func TestGate_DisabledPolicyPromptsEverything(t *testing.T) {
	prompter := &stubPrompter{answers: []Answer{{Approved: true}}}
	policy := PolicyFromConfig(config.AutoApproval{Enabled: false, MaxRequests: 20, ReadFiles: true})
	gate := New(policy, prompter, discardLogger())

	out, err := gate.Decide(context.Background(), protocol.NewTask("t", "x"), action(protocol.ActionReadFile, map[string]string{"path": "a"}))
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionUserApproved, out.Decision)
}

func TestParseAnswer(t *testing.T) {
	cases := []struct {
		in   string
		want Answer
	}{
		{"y", Answer{Approved: true}},
		{"YES\n", Answer{Approved: true}},
		{"n", Answer{}},
		{"", Answer{}},
		{"yes: but keep it short", Answer{Approved: true, Feedback: "but keep it short"}},
		{"no, wrong file", Answer{Feedback: "wrong file"}},
		{"try the other directory", Answer{Feedback: "try the other directory"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseAnswer(tc.in), tc.in)
	}
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := NewTerminalPrompter(strings.NewReader("y\nthe blue one\n"), &out)

	answer, err := p.Approve(context.Background(), Request{Prompt: "Allow reading a.txt?"})
	require.NoError(t, err)
	assert.True(t, answer.Approved)
	assert.Contains(t, out.String(), "satto> Allow reading a.txt?")

	reply, err := p.Ask(context.Background(), "Which one?")
	require.NoError(t, err)
	assert.Equal(t, "the blue one", reply)

	_, err = p.Ask(context.Background(), "Anything else?")
	assert.ErrorIs(t, err, ErrDeferred, "EOF defers")
}

func TestTerminalPrompter_Cancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewTerminalPrompter(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Approve(ctx, Request{Prompt: "Allow?"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeferringPrompter(t *testing.T) {
	_, err := DeferringPrompter{}.Approve(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrDeferred)
	_, err = DeferringPrompter{}.Ask(context.Background(), "q")
	assert.ErrorIs(t, err, ErrDeferred)
}
