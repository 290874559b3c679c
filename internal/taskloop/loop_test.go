package taskloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iambrandonn/satto/internal/approval"
	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/executor"
	"github.com/iambrandonn/satto/internal/journal"
	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/provider"
	"github.com/iambrandonn/satto/internal/taskstore"
	"github.com/iambrandonn/satto/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is an Observer that keeps what it was told.
type recorder struct {
	mu          sync.Mutex
	text        strings.Builder
	results     []protocol.ActionResult
	mistakes    []protocol.Mistake
	retries     int
	infos       []string
	waiting     []protocol.Pending
	completions []string
}

func (r *recorder) TurnStarted(*protocol.Task, int) {}

func (r *recorder) Text(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text.WriteString(chunk)
}

func (r *recorder) ActionFinished(_ *protocol.ActionRequest, res *protocol.ActionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *res)
}

func (r *recorder) Mistake(m protocol.Mistake) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mistakes = append(r.mistakes, m)
}

func (r *recorder) Retrying(int, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recorder) Info(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
}

func (r *recorder) Waiting(p *protocol.Pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = append(r.waiting, *p)
}

func (r *recorder) Completion(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, result)
}

// fixedPrompter answers every approval with the same answer.
type fixedPrompter struct {
	answer approval.Answer
}

func (p fixedPrompter) Approve(context.Context, approval.Request) (approval.Answer, error) {
	return p.answer, nil
}

func (p fixedPrompter) Ask(context.Context, string) (string, error) {
	return "", approval.ErrDeferred
}

type harness struct {
	root   string
	layout workspace.Layout
	store  taskstore.Store
	obs    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	layout, err := workspace.NewLayout(root, "")
	require.NoError(t, err)
	require.NoError(t, workspace.Initialize(layout))

	store, err := taskstore.Open("file", layout, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello from a\n"), 0644))
	return &harness{root: root, layout: layout, store: store, obs: &recorder{}}
}

type setup struct {
	policy   approval.Policy
	prompter approval.Prompter
	modify   func(*Options)
}

func (h *harness) loop(responses []string, s setup) *Loop {
	script := &provider.Script{}
	for _, text := range responses {
		script.Responses = append(script.Responses, provider.ScriptResponse{Text: text, ChunkSize: 7, InputTokens: 100, OutputTokens: 20})
	}
	return h.loopWithScript(script, s)
}

func (h *harness) loopWithScript(script *provider.Script, s setup) *Loop {
	logger := discardLogger()
	if s.prompter == nil {
		s.prompter = approval.DeferringPrompter{}
	}
	opts := Options{
		Store:       h.store,
		Layout:      h.layout,
		Provider:    provider.NewScripted(script, logger),
		Executor:    executor.New(executor.Options{Root: h.root, Logger: logger}),
		Gate:        approval.New(s.policy, s.prompter, logger),
		Prompter:    s.prompter,
		MaxMistakes: 3,
		Retry:       config.Retry{MaxAttempts: 1},
		Observer:    h.obs,
		Logger:      logger,
	}
	if s.modify != nil {
		s.modify(&opts)
	}
	return New(opts)
}

func readOnly() approval.Policy {
	return approval.Policy{
		Enabled:     true,
		MaxRequests: 20,
		Groups:      map[approval.Group]bool{approval.GroupReadFiles: true},
	}
}

const completion = "<attempt_completion>\n<result>Done</result>\n</attempt_completion>"

func TestStart_ReadRunsAndCommandWaitsForApproval(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"Let me look first.\n<read_file>\n<path>a.txt</path>\n</read_file>\n" +
			"<execute_command>\n<command>touch ran.txt</command>\n</execute_command>",
		completion,
	}, setup{policy: readOnly()})

	task, err := l.Start(context.Background(), "inspect a.txt")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusAwaitingInput, task.Status)
	assert.NoFileExists(t, filepath.Join(h.root, "ran.txt"))

	stored, err := h.store.Load(task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Pending)
	assert.Equal(t, protocol.PendingApproval, stored.Pending.Kind)
	assert.Equal(t, 1, stored.Pending.Index)
	assert.Contains(t, stored.Pending.Prompt, "touch ran.txt")
	assert.Empty(t, stored.Turns)

	results := stored.Pending.Turn.Results
	require.Len(t, results, 1)
	assert.Equal(t, protocol.ActionReadFile, results[0].Kind)
	assert.Equal(t, protocol.DecisionAutoApproved, results[0].Decision)
	assert.True(t, results[0].Succeeded())
	assert.Contains(t, results[0].Output, "hello from a")
	assert.Contains(t, h.obs.text.String(), "Let me look first.")

	task, err = l.Continue(context.Background(), "", "y")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)
	assert.FileExists(t, filepath.Join(h.root, "ran.txt"))

	require.Len(t, task.Turns, 2)
	first := task.Turns[0]
	require.Len(t, first.Results, 2)
	assert.Equal(t, protocol.DecisionUserApproved, first.Results[1].Decision)
	assert.Equal(t, protocol.OutcomeContinue, first.Outcome)
	assert.Contains(t, task.Turns[1].Input, "[execute_command for 'touch ran.txt'] Result:")
	assert.Equal(t, "Done", task.Completion)
	assert.Equal(t, 0, task.AutoApprovedCount)
}

func TestStart_MalformedRequestsAbort(t *testing.T) {
	h := newHarness(t)
	malformed := "<read_file>\n</read_file>"
	l := h.loop([]string{malformed, malformed, malformed, completion}, setup{policy: readOnly()})

	task, err := l.Start(context.Background(), "read something")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrGovernorAborted)
	assert.Equal(t, protocol.TaskStatusAborted, task.Status)
	assert.Contains(t, task.AbortReason, "3 consecutive mistakes (limit 3)")
	assert.Contains(t, task.AbortReason, "3 protocol_malformed")

	require.Len(t, task.Turns, 3)
	for _, turn := range task.Turns {
		assert.Empty(t, turn.Results)
		require.Len(t, turn.Mistakes, 1)
		assert.Equal(t, "missing_param", turn.Mistakes[0].Reason)
	}
	assert.Equal(t, protocol.OutcomeAborted, task.Turns[2].Outcome)
	assert.Contains(t, task.Turns[1].Input, "missing value for required parameter 'path'. Please retry with complete response.")

	_, err = l.Continue(context.Background(), task.ID, "try again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is aborted")
}

func TestStart_WriteThenCompletion(t *testing.T) {
	h := newHarness(t)
	policy := approval.Policy{
		Enabled:     true,
		MaxRequests: 20,
		Groups:      map[approval.Group]bool{approval.GroupEditFiles: true},
	}
	l := h.loop([]string{
		"<write_file>\n<path>out/result.txt</path>\n<content>\nhello\n</content>\n</write_file>\n" +
			"<attempt_completion>\n<result>Wrote out/result.txt</result>\n</attempt_completion>",
	}, setup{policy: policy})

	task, err := l.Start(context.Background(), "write a file")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)
	assert.Equal(t, "Wrote out/result.txt", task.Completion)
	assert.Nil(t, task.Pending)

	data, err := os.ReadFile(filepath.Join(h.root, "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(data)))

	require.Len(t, task.Turns, 1)
	results := task.Turns[0].Results
	require.Len(t, results, 2)
	assert.Equal(t, protocol.ActionWriteFile, results[0].Kind)
	assert.Equal(t, protocol.ActionAttemptCompletion, results[1].Kind)
	assert.Equal(t, protocol.OutcomeCompleted, task.Turns[0].Outcome)
	assert.Equal(t, []string{"Wrote out/result.txt"}, h.obs.completions)
	assert.Equal(t, 100, task.Usage.InputTokens)
}

func TestStart_ResponseWithoutActionIsAMistake(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{"I am thinking about it.", completion}, setup{policy: readOnly()})

	task, err := l.Start(context.Background(), "think")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)
	require.Len(t, task.Turns, 2)
	require.Len(t, task.Turns[0].Mistakes, 1)
	assert.Equal(t, "no_action", task.Turns[0].Mistakes[0].Reason)
	assert.Equal(t, noToolsUsed, task.Turns[1].Input)
	assert.Equal(t, 0, task.MistakeCount)
	require.Len(t, h.obs.mistakes, 1)
}

func TestContinue_InterruptedActionIsNotRunAgain(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"<write_file>\n<path>out.txt</path>\n<content>x</content>\n</write_file>",
		completion,
	}, setup{})

	task, err := l.Start(context.Background(), "write out.txt")
	require.NoError(t, err)
	require.NotNil(t, task.Pending)

	// A previous run was approved and crashed after the started record.
	pending := task.Pending
	j, err := journal.Open(h.layout.JournalFile(task.ID), task.ID, discardLogger())
	require.NoError(t, err)
	require.NoError(t, j.Started(pending.Turn.Seq, pending.Turn.Key, pending.Turn.Requests()[0]))
	require.NoError(t, j.Close())

	task, err = l.Continue(context.Background(), task.ID, "yes")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(h.root, "out.txt"))

	require.Len(t, task.Turns, 2)
	res := task.Turns[0].Results[0]
	assert.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "interrupted", res.Reason)
	assert.Contains(t, task.Turns[1].Input, "was not run again")
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)
}

func TestContinue_CorruptJournalIsFatal(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"<write_file>\n<path>out.txt</path>\n<content>x</content>\n</write_file>",
		completion,
	}, setup{})

	task, err := l.Start(context.Background(), "write out.txt")
	require.NoError(t, err)
	require.NotNil(t, task.Pending)

	pending := task.Pending
	path := h.layout.JournalFile(task.ID)
	j, err := journal.Open(path, task.ID, discardLogger())
	require.NoError(t, err)
	require.NoError(t, j.Started(pending.Turn.Seq, pending.Turn.Key, pending.Turn.Requests()[0]))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append([]byte("{not json\n"), data...), 0600))

	_, err = l.Continue(context.Background(), task.ID, "yes")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrStoreCorrupt)
	assert.NoFileExists(t, filepath.Join(h.root, "out.txt"))

	stored, err := h.store.Load(task.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusAwaitingInput, stored.Status)
	require.NotNil(t, stored.Pending)
	assert.Equal(t, pending.Turn.Key, stored.Pending.Turn.Key)
	assert.Empty(t, stored.Turns)
}

func TestContinue_PendingTurnAlreadyCommittedIsDiscarded(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"<write_file>\n<path>out.txt</path>\n<content>x</content>\n</write_file>",
		completion,
	}, setup{})

	task, err := l.Start(context.Background(), "write out.txt")
	require.NoError(t, err)
	require.NotNil(t, task.Pending)

	// The turn reached the store but the pending marker was never cleared.
	stored, err := h.store.Load(task.ID)
	require.NoError(t, err)
	committed := stored.Pending.Turn
	committed.Outcome = protocol.OutcomeContinue
	require.True(t, stored.AppendTurn(committed))
	require.NoError(t, h.store.Commit(stored))

	task, err = l.Continue(context.Background(), task.ID, "yes")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(h.root, "out.txt"))
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)

	require.Len(t, task.Turns, 2)
	assert.Equal(t, committed.Key, task.Turns[0].Key)
	assert.Empty(t, task.Turns[0].Results)
	assert.NotEqual(t, committed.Key, task.Turns[1].Key)
	for _, res := range h.obs.results {
		assert.NotEqual(t, protocol.ActionWriteFile, res.Kind)
	}
}

func TestStart_AutoApprovalLimitForcesPrompt(t *testing.T) {
	h := newHarness(t)
	policy := readOnly()
	policy.MaxRequests = 1
	l := h.loop([]string{
		"<read_file>\n<path>a.txt</path>\n</read_file>\n<read_file>\n<path>a.txt</path>\n</read_file>",
	}, setup{policy: policy})

	task, err := l.Start(context.Background(), "read twice")
	require.NoError(t, err)
	require.NotNil(t, task.Pending)
	assert.Equal(t, 1, task.Pending.Index)
	assert.Contains(t, task.Pending.Prompt, "Auto-approved 1 requests")
	assert.Equal(t, 1, task.AutoApprovedCount)
	require.Len(t, h.obs.waiting, 1)
}

func TestContinue_AnswersFollowupQuestion(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"<ask_followup_question>\n<question>Which file should I edit?</question>\n</ask_followup_question>",
		completion,
	}, setup{policy: readOnly()})

	task, err := l.Start(context.Background(), "edit the file")
	require.NoError(t, err)
	require.NotNil(t, task.Pending)
	assert.Equal(t, protocol.PendingQuestion, task.Pending.Kind)
	assert.Equal(t, "Which file should I edit?", task.Pending.Prompt)

	task, err = l.Continue(context.Background(), "", "notes.md")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)
	require.Len(t, task.Turns, 2)
	assert.Equal(t, "notes.md", task.Turns[0].Results[0].Output)
	assert.Contains(t, task.Turns[1].Input, "<answer>\nnotes.md\n</answer>")
}

func TestStart_InteractiveDenialHandsBackControl(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"<execute_command>\n<command>touch denied.txt</command>\n</execute_command>",
		completion,
	}, setup{
		prompter: fixedPrompter{answer: approval.Answer{}},
		modify:   func(o *Options) { o.Interactive = true },
	})

	task, err := l.Start(context.Background(), "touch a file")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusAwaitingInput, task.Status)
	assert.Nil(t, task.Pending)
	assert.Equal(t, 1, task.MistakeCount)
	assert.NoFileExists(t, filepath.Join(h.root, "denied.txt"))
	require.Len(t, task.Turns, 1)
	assert.Equal(t, protocol.DecisionUserDenied, task.Turns[0].Results[0].Decision)

	task, err = l.Continue(context.Background(), "", "use ls instead")
	require.NoError(t, err)
	require.Len(t, task.Turns, 2)
	assert.Contains(t, task.Turns[1].Input, userDenied)
	assert.Contains(t, task.Turns[1].Input, "<user_message>\nuse ls instead\n</user_message>")
}

func TestStart_DenialWithFeedbackContinues(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{
		"<execute_command>\n<command>touch denied.txt</command>\n</execute_command>",
		completion,
	}, setup{
		prompter: fixedPrompter{answer: approval.Answer{Feedback: "run the tests instead"}},
		modify:   func(o *Options) { o.Interactive = true },
	})

	task, err := l.Start(context.Background(), "touch a file")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusCompleted, task.Status)
	require.Len(t, task.Turns, 2)
	assert.Contains(t, task.Turns[1].Input, "<feedback>\nrun the tests instead\n</feedback>")
}

func TestStart_PolicyRejectedCommand(t *testing.T) {
	h := newHarness(t)
	policy := readOnly()
	policy.DeniedCommands = []string{"rm"}
	l := h.loop([]string{
		"<execute_command>\n<command>ls && rm -rf build</command>\n</execute_command>",
		completion,
	}, setup{policy: policy})

	task, err := l.Start(context.Background(), "clean up")
	require.NoError(t, err)
	require.Len(t, task.Turns, 2)
	res := task.Turns[0].Results[0]
	assert.Equal(t, protocol.DecisionPolicyRejected, res.Decision)
	assert.Equal(t, protocol.KindApprovalDenied, res.ErrorKind)
	assert.Contains(t, task.Turns[1].Input, "rejected by the auto-approval policy")
}

func TestStart_TransportFailureRetriesThenCountsMistake(t *testing.T) {
	h := newHarness(t)
	l := h.loopWithScript(&provider.Script{
		Responses: []provider.ScriptResponse{{Error: "connection reset"}},
	}, setup{modify: func(o *Options) {
		o.Retry = config.Retry{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
	}})

	task, err := l.Start(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransportFailed)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 1, h.obs.retries)

	stored, err := h.store.Load(task.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusActive, stored.Status)
	assert.Equal(t, 1, stored.MistakeCount)
	assert.Empty(t, stored.Turns)
}

func TestStart_CancellationCommitsInterruptedTurn(t *testing.T) {
	h := newHarness(t)
	l := h.loopWithScript(&provider.Script{
		Responses: []provider.ScriptResponse{{
			Text:      strings.Repeat("Working on it. ", 100),
			ChunkSize: 10,
			DelayMs:   10,
		}},
	}, setup{policy: readOnly()})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	task, err := l.Start(ctx, "slow task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	stored, err := h.store.Load(task.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusAwaitingInput, stored.Status)
	require.Len(t, stored.Turns, 1)
	assert.Equal(t, protocol.OutcomeInterrupted, stored.Turns[0].Outcome)
	assert.Contains(t, stored.Turns[0].ResponseText(), "Working on it.")
	assert.Equal(t, 0, stored.MistakeCount)
}

func TestStart_MaxTurnsPerInvocation(t *testing.T) {
	h := newHarness(t)
	read := "<read_file>\n<path>a.txt</path>\n</read_file>"
	l := h.loop([]string{read, read, read}, setup{
		policy: readOnly(),
		modify: func(o *Options) { o.MaxTurns = 2 },
	})

	task, err := l.Start(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskStatusAwaitingInput, task.Status)
	assert.Nil(t, task.Pending)
	assert.Len(t, task.Turns, 2)
	require.NotEmpty(t, h.obs.infos)
	assert.Contains(t, h.obs.infos[len(h.obs.infos)-1], "Stopped after 2 turns")
}

func TestStart_LockedTaskFails(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{"<ask_followup_question>\n<question>?</question>\n</ask_followup_question>"}, setup{})

	task, err := l.Start(context.Background(), "ask me")
	require.NoError(t, err)

	lock, err := taskstore.AcquireLock(h.layout.LockFile(task.ID))
	require.NoError(t, err)
	defer lock.Release()

	_, err = l.Continue(context.Background(), task.ID, "answer")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrStoreCorrupt)
}

func TestContinue_NoTask(t *testing.T) {
	h := newHarness(t)
	l := h.loop([]string{completion}, setup{})

	_, err := l.Continue(context.Background(), "", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestNewTaskID(t *testing.T) {
	id := NewTaskID(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	assert.Regexp(t, `^task-20260304-050607-[0-9a-f]{8}$`, id)
}
