// Package taskloop drives a Task through its turns: request, parse, gate,
// execute, commit, and either continue, wait for the user, or stop.
package taskloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/iambrandonn/satto/internal/approval"
	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/executor"
	"github.com/iambrandonn/satto/internal/governor"
	"github.com/iambrandonn/satto/internal/idempotency"
	"github.com/iambrandonn/satto/internal/journal"
	"github.com/iambrandonn/satto/internal/parser"
	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/provider"
	"github.com/iambrandonn/satto/internal/taskstore"
	"github.com/iambrandonn/satto/internal/workspace"
)

// DefaultMaxTurns bounds the requests of one invocation.
const DefaultMaxTurns = 50

// Observer receives task activity as it happens.
type Observer interface {
	TurnStarted(task *protocol.Task, seq int)
	Text(chunk string)
	ActionFinished(req *protocol.ActionRequest, res *protocol.ActionResult)
	Mistake(m protocol.Mistake)
	Retrying(attempt int, wait time.Duration, err error)
	Info(msg string)
	Waiting(p *protocol.Pending)
	Completion(result string)
}

type nopObserver struct{}

func (nopObserver) TurnStarted(*protocol.Task, int) {}
func (nopObserver) Text(string) {}
func (nopObserver) ActionFinished(*protocol.ActionRequest, *protocol.ActionResult) {}
func (nopObserver) Mistake(protocol.Mistake) {}
func (nopObserver) Retrying(int, time.Duration, error) {}
func (nopObserver) Info(string) {}
func (nopObserver) Waiting(*protocol.Pending) {}
func (nopObserver) Completion(string) {}

// Options configures a Loop.
type Options struct {
	Store    taskstore.Store
	Layout   workspace.Layout
	Provider provider.Adapter
	Executor *executor.Executor
	Gate     *approval.Gate
	// Prompter answers follow-up questions. It should be the prompter the
	// Gate was built with.
	Prompter approval.Prompter
	// Interactive is set when a user answers prompts inline. A plain denial
	// then hands control back to the user instead of the model.
	Interactive bool
	MaxMistakes int
	MaxTurns    int
	Retry       config.Retry
	Prompt      PromptOptions
	Observer    Observer
	Logger      *slog.Logger
}

// Loop runs tasks.
type Loop struct {
	opts     Options
	governor *governor.Governor
	observer Observer
	logger   *slog.Logger
	system   string
}

// New creates a Loop.
func New(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Prompter == nil {
		opts.Prompter = approval.DeferringPrompter{}
	}
	if opts.Gate == nil {
		opts.Gate = approval.New(approval.Policy{}, opts.Prompter, opts.Logger)
	}
	if opts.MaxTurns < 1 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Prompt.Root == "" && opts.Executor != nil {
		opts.Prompt.Root = opts.Executor.Root()
	}
	return &Loop{
		opts:     opts,
		governor: governor.New(opts.MaxMistakes),
		observer: opts.Observer,
		logger:   opts.Logger,
		system:   SystemPrompt(opts.Prompt),
	}
}

// NewTaskID returns a sortable task identifier.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("task-%s-%s", now.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// Start creates a Task for instruction and runs it until it completes,
// aborts or waits for the user. The returned error is non-nil when the
// invocation ended abnormally; the Task is returned whenever it exists.
func (l *Loop) Start(ctx context.Context, instruction string) (*protocol.Task, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, errors.New("task instruction is empty")
	}

	task := protocol.NewTask(NewTaskID(time.Now()), instruction)
	task.Provider = l.opts.Provider.Name()
	task.Model = l.opts.Provider.Model().ID

	lock, err := taskstore.AcquireLock(l.opts.Layout.LockFile(task.ID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if err := l.opts.Store.Create(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	l.logger.Info("starting task", "task_id", task.ID, "provider", task.Provider, "model", task.Model)

	r, err := l.newRun(task)
	if err != nil {
		return task, err
	}
	defer r.close()

	l.governor.Seed(task)
	return task, r.drive(ctx, taskInput(instruction, l.opts.Executor.Overview()))
}

// Continue resumes a Task. An empty id selects the most recent Task that
// is not terminal. text answers a pending approval or question, or is a
// new instruction when nothing is pending.
func (l *Loop) Continue(ctx context.Context, id, text string) (*protocol.Task, error) {
	task, err := l.load(id)
	if err != nil {
		return nil, err
	}

	lock, err := taskstore.AcquireLock(l.opts.Layout.LockFile(task.ID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	// Reload under the lock; another invocation may have moved it on.
	if task, err = l.opts.Store.Load(task.ID); err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, fmt.Errorf("task %s is %s; start a new task instead", task.ID, task.Status)
	}
	l.logger.Info("continuing task", "task_id", task.ID, "status", task.Status, "turns", len(task.Turns))

	r, err := l.newRun(task)
	if err != nil {
		return task, err
	}
	defer r.close()
	l.governor.Seed(task)

	pending := task.Pending
	task.MarkActive()

	if pending != nil && !task.HasTurn(pending.Turn.Key) {
		turn := pending.Turn
		turn.Outcome = ""
		switch pending.Kind {
		case protocol.PendingQuestion:
			r.answer(&turn, pending, text)
			err = r.process(ctx, &turn, pending.Index+1, nil)
		default:
			outcome := l.opts.Gate.Resolve(task, approval.ParseAnswer(text), pending.Prompt)
			err = r.process(ctx, &turn, pending.Index, &outcome)
		}
		if err != nil {
			// Nothing was committed; the stored task is unchanged.
			return nil, err
		}
		r.settle(&turn)
		if err := r.commit(&turn); err != nil {
			return task, err
		}
		if turn.Outcome != protocol.OutcomeContinue {
			return task, r.result(ctx, &turn)
		}
		return task, r.drive(ctx, nextInput(&turn, ""))
	}
	if pending != nil {
		l.logger.Info("discarding pending turn that is already committed", "task_id", task.ID, "key", pending.Turn.Key)
	}

	last := task.LastTurn()
	if last == nil {
		input := taskInput(task.Instruction, l.opts.Executor.Overview())
		if strings.TrimSpace(text) != "" {
			input += "\n\n" + nextInput(nil, text)
		}
		return task, r.drive(ctx, input)
	}
	return task, r.drive(ctx, nextInput(last, text))
}

func (l *Loop) load(id string) (*protocol.Task, error) {
	if id != "" {
		return l.opts.Store.Load(id)
	}
	task, err := taskstore.Latest(l.opts.Store)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, fmt.Errorf("no task to continue: %w", err)
	}
	return task, err
}

// run is one invocation's hold on a Task.
type run struct {
	*Loop
	task    *protocol.Task
	journal *journal.Journal
	ledger  string
}

func (l *Loop) newRun(task *protocol.Task) (*run, error) {
	path := l.opts.Layout.JournalFile(task.ID)
	j, err := journal.Open(path, task.ID, l.logger)
	if err != nil {
		return nil, err
	}
	return &run{Loop: l, task: task, journal: j, ledger: path}, nil
}

func (r *run) close() {
	if err := r.journal.Close(); err != nil {
		r.logger.Warn("failed to close journal", "task_id", r.task.ID, "error", err)
	}
}

// drive issues requests until the Task leaves the active state.
func (r *run) drive(ctx context.Context, input string) error {
	for turns := 0; ; turns++ {
		if turns >= r.opts.MaxTurns {
			r.task.MarkAwaiting(nil)
			r.observer.Info(fmt.Sprintf("Stopped after %d turns in this run; use `satto cont` to keep going.", turns))
			return r.save()
		}

		turn, err := r.request(ctx, input)
		if err != nil {
			return err
		}
		if err := r.process(ctx, turn, 0, nil); err != nil {
			return err
		}
		r.settle(turn)
		if err := r.commit(turn); err != nil {
			return err
		}
		if turn.Outcome != protocol.OutcomeContinue {
			return r.result(ctx, turn)
		}
		input = nextInput(turn, "")
	}
}

// result maps how the last turn ended to the invocation's error.
func (r *run) result(ctx context.Context, turn *protocol.Turn) error {
	switch turn.Outcome {
	case protocol.OutcomeAborted:
		r.logger.Info("task aborted", "task_id", r.task.ID, "reason", r.task.AbortReason)
		return r.governor.Error(r.task)
	case protocol.OutcomeInterrupted:
		return ctx.Err()
	case protocol.OutcomeCompleted:
		r.logger.Info("task completed", "task_id", r.task.ID, "turns", len(r.task.Turns))
	}
	return nil
}

// request sends one request and parses the response into a new Turn.
func (r *run) request(ctx context.Context, input string) (*protocol.Turn, error) {
	model := r.opts.Provider.Model()
	seq := r.task.NextSeq()
	n := historyTurns(r.task, model.ContextWindow)
	history := buildHistory(r.task.Turns, n, input)

	r.logger.Info("requesting", "task_id", r.task.ID, "seq", seq, "history_turns", n)
	r.observer.TurnStarted(r.task, seq)

	turn := &protocol.Turn{
		Seq:          seq,
		Input:        input,
		Provider:     r.opts.Provider.Name(),
		Model:        model.ID,
		HistoryTurns: n,
		StartedAt:    time.Now().UTC(),
	}
	resp, err := r.stream(ctx, history)
	if resp != nil {
		turn.Response = resp.Segments
		turn.Usage = resp.Usage
		if turn.Usage.CostUSD == 0 {
			u := turn.Usage
			turn.Usage.CostUSD = provider.Cost(model, u.InputTokens, u.OutputTokens, u.CacheWriteTokens, u.CacheReadTokens)
		}
	}
	key, kerr := idempotency.TurnKey(r.task.ID, seq, input, turn.ResponseText())
	if kerr != nil {
		return nil, kerr
	}
	turn.Key = key

	switch {
	case ctx.Err() != nil:
		r.logger.Info("request interrupted", "task_id", r.task.ID, "seq", seq)
		r.interrupt(turn)
		if err := r.commit(turn); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	case err != nil:
		m := protocol.Mistake{
			Kind:    protocol.KindTransportFailed,
			Index:   -1,
			Reason:  protocol.ReasonOf(err),
			Message: protocol.MessageOf(err),
		}
		r.observer.Mistake(m)
		if r.governor.Record(r.task, m) {
			r.task.MarkAborted(r.governor.AbortReason(r.task))
			if serr := r.save(); serr != nil {
				return nil, serr
			}
			return nil, r.governor.Error(r.task)
		}
		if serr := r.save(); serr != nil {
			return nil, serr
		}
		return nil, err
	}
	return turn, nil
}

// stream opens the provider and parses its events, retrying transport
// failures with exponential backoff. On failure the partial response of
// the last attempt is returned with the error.
func (r *run) stream(ctx context.Context, history []protocol.Message) (*parser.Response, error) {
	b := backoff.NewExponentialBackOff()
	if r.opts.Retry.InitialInterval > 0 {
		b.InitialInterval = r.opts.Retry.InitialInterval
	}
	if r.opts.Retry.MaxInterval > 0 {
		b.MaxInterval = r.opts.Retry.MaxInterval
	}
	if r.opts.Retry.Multiplier >= 1 {
		b.Multiplier = r.opts.Retry.Multiplier
	}

	opts := provider.Options{SystemPrompt: r.system}
	attempt := 0
	var partial *parser.Response
	resp, err := backoff.Retry(ctx, func() (*parser.Response, error) {
		attempt++
		events, err := r.opts.Provider.Open(ctx, history, opts)
		if err != nil {
			return nil, r.retryable(ctx, err)
		}
		resp, err := parser.Collect(ctx, events, r.observer.Text)
		if err != nil {
			partial = resp
			return nil, r.retryable(ctx, err)
		}
		return resp, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("request failed, retrying", "task_id", r.task.ID, "attempt", attempt, "wait", wait, "error", err)
			r.observer.Retrying(attempt, wait, err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return partial, ctx.Err()
		}
		if protocol.KindOf(err) != protocol.KindTransportFailed {
			err = protocol.NewError(protocol.KindTransportFailed, "request", "", err)
		}
		return partial, fmt.Errorf("request failed after %d attempts: %w", attempt, err)
	}
	return resp, nil
}

func (r *run) retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	if errors.Is(err, provider.ErrScriptExhausted) {
		return backoff.Permanent(err)
	}
	return err
}

// process handles the requests of turn starting at index from. preset,
// when set, is the user's decision for the request at from. An unreadable
// journal is returned before any request is handled and the turn is left
// as it was.
func (r *run) process(ctx context.Context, turn *protocol.Turn, from int, preset *approval.Outcome) error {
	reqs := turn.Requests()
	if len(reqs) == 0 && from == 0 {
		r.mistake(turn, protocol.Mistake{
			Kind:    protocol.KindProtocolMalformed,
			Index:   -1,
			Reason:  "no_action",
			Message: "the response did not use a tool",
		}, true)
		return nil
	}

	ledger, err := journal.ReadLedger(r.ledger)
	if err != nil {
		r.logger.Error("failed to read action journal", "task_id", r.task.ID, "error", err)
		return fmt.Errorf("task %s: %w", r.task.ID, err)
	}

	for _, req := range reqs {
		if req.Index < from {
			continue
		}
		if _, done := turn.Result(req.Index); done {
			continue
		}
		if ctx.Err() != nil {
			r.interrupt(turn)
			return nil
		}
		var decided *approval.Outcome
		if req.Index == from {
			decided = preset
		}
		if stop := r.handle(ctx, turn, req, ledger, decided); stop {
			return nil
		}
	}
	return nil
}

// handle runs one request and reports whether the rest of the turn stops.
func (r *run) handle(ctx context.Context, turn *protocol.Turn, req *protocol.ActionRequest, ledger *journal.Ledger, preset *approval.Outcome) bool {
	if stop, recovered := r.recover(turn, req, ledger); recovered {
		return stop
	}

	if err := protocol.Validate(req); err != nil {
		msg := protocol.MessageOf(err)
		if protocol.ReasonOf(err) == "missing_param" {
			msg += ". Please retry with complete response."
		}
		r.mistake(turn, protocol.Mistake{
			Kind:    protocol.KindOf(err),
			Index:   req.Index,
			Reason:  protocol.ReasonOf(err),
			Message: msg,
		}, true)
		return true
	}

	switch req.Kind {
	case protocol.ActionAskFollowup:
		return r.ask(ctx, turn, req)
	case protocol.ActionAttemptCompletion:
		r.complete(ctx, turn, req)
		return true
	}

	var outcome approval.Outcome
	if preset != nil {
		outcome = *preset
	} else {
		o, err := r.opts.Gate.Decide(ctx, r.task, req)
		switch {
		case err != nil && ctx.Err() != nil:
			r.interrupt(turn)
			return true
		case err != nil:
			r.logger.Warn("approval prompt failed; deferring", "task_id", r.task.ID, "error", err)
			o = approval.Outcome{Deferred: true, Prompt: approval.PromptFor(req, false, 0)}
		}
		outcome = o
	}

	switch {
	case outcome.Deferred:
		r.suspend(turn, protocol.PendingApproval, req.Index, outcome.Prompt)
		return true

	case outcome.Decision == protocol.DecisionPolicyRejected:
		res := rejected(req, outcome.Decision, "policy_rejected", outcome.Reason, "")
		r.record(turn, req, res)
		r.mistake(turn, mistakeFor(res), false)
		return true

	case outcome.Decision == protocol.DecisionUserDenied:
		res := rejected(req, outcome.Decision, "user_denied", "the user denied this operation", outcome.Feedback)
		r.record(turn, req, res)
		r.mistake(turn, mistakeFor(res), false)
		if r.opts.Interactive && preset == nil && outcome.Feedback == "" {
			turn.Outcome = protocol.OutcomeAwaitingInput
			r.task.MarkAwaiting(nil)
		}
		return true
	}

	if err := r.journal.Started(turn.Seq, turn.Key, req); err != nil {
		res := &protocol.ActionResult{
			Index:     req.Index,
			Kind:      req.Kind,
			Decision:  outcome.Decision,
			Status:    protocol.ResultFailure,
			ErrorKind: protocol.KindExecutionFailed,
			Reason:    "journal",
			Error:     "the action was not run because the journal could not be written: " + err.Error(),
		}
		r.record(turn, req, res)
		r.mistake(turn, mistakeFor(res), false)
		return true
	}

	res := r.opts.Executor.Execute(ctx, req)
	res.Decision = outcome.Decision
	if outcome.Feedback != "" {
		if res.Data == nil {
			res.Data = map[string]any{}
		}
		res.Data["feedback"] = outcome.Feedback
	}
	if err := r.journal.Finished(turn.Seq, turn.Key, &res); err != nil {
		r.logger.Warn("failed to journal finished action", "task_id", r.task.ID, "index", req.Index, "error", err)
	}
	r.record(turn, req, &res)

	if ctx.Err() != nil {
		r.interrupt(turn)
		return true
	}
	if !res.Succeeded() {
		r.mistake(turn, mistakeFor(&res), false)
		return true
	}
	return false
}

// recover reports actions the journal shows were already started for this
// turn. They are never run again.
func (r *run) recover(turn *protocol.Turn, req *protocol.ActionRequest, ledger *journal.Ledger) (stop, recovered bool) {
	if rec, ok := ledger.Finished(turn.Key, req.Index); ok {
		// Only approved actions reach the journal.
		res := protocol.ActionResult{
			Index:    req.Index,
			Kind:     req.Kind,
			Decision: protocol.DecisionUserApproved,
			Status:   rec.Status,
			Output:   "(The action already ran; its output was not saved.)",
		}
		if rec.Status != protocol.ResultSuccess {
			res.Status = protocol.ResultFailure
			res.ErrorKind = protocol.KindExecutionFailed
			res.Reason = "recovered"
			res.Error = "the action failed in an earlier run"
		}
		r.record(turn, req, &res)
		if !res.Succeeded() {
			r.mistake(turn, mistakeFor(&res), false)
			return true, true
		}
		return false, true
	}
	if ledger.HasStarted(turn.Key, req.Index) {
		res := protocol.ActionResult{
			Index:     req.Index,
			Kind:      req.Kind,
			Decision:  protocol.DecisionUserApproved,
			Status:    protocol.ResultFailure,
			ErrorKind: protocol.KindExecutionFailed,
			Reason:    "interrupted",
			Error:     "the action was interrupted before it finished and was not run again; its effects may be partial",
		}
		r.record(turn, req, &res)
		r.mistake(turn, mistakeFor(&res), false)
		return true, true
	}
	return false, false
}

func (r *run) ask(ctx context.Context, turn *protocol.Turn, req *protocol.ActionRequest) bool {
	question := req.Param("question")
	answer, err := r.opts.Prompter.Ask(ctx, question)
	switch {
	case err != nil && ctx.Err() != nil:
		r.interrupt(turn)
		return true
	case err != nil:
		if !errors.Is(err, approval.ErrDeferred) {
			r.logger.Warn("question prompt failed; deferring", "task_id", r.task.ID, "error", err)
		}
		r.suspend(turn, protocol.PendingQuestion, req.Index, question)
		return true
	}
	r.record(turn, req, answered(req, answer))
	return false
}

// answer folds the user's reply to a pending question into turn.
func (r *run) answer(turn *protocol.Turn, pending *protocol.Pending, text string) {
	for _, req := range turn.Requests() {
		if req.Index == pending.Index {
			r.record(turn, req, answered(req, strings.TrimSpace(text)))
			return
		}
	}
}

func (r *run) complete(ctx context.Context, turn *protocol.Turn, req *protocol.ActionRequest) {
	res := &protocol.ActionResult{
		Index:    req.Index,
		Kind:     req.Kind,
		Decision: protocol.DecisionAutoApproved,
		Status:   protocol.ResultSuccess,
		Output:   req.Param("result"),
	}
	if cmd := strings.TrimSpace(req.Param("command")); cmd != "" {
		res.Data = r.demonstrate(ctx, req.Index, cmd)
	}
	r.record(turn, req, res)
	r.task.MarkCompleted(res.Output)
	turn.Outcome = protocol.OutcomeCompleted
	r.observer.Completion(res.Output)
}

// demonstrate runs the optional command of a completion when approved.
func (r *run) demonstrate(ctx context.Context, index int, cmd string) map[string]any {
	data := map[string]any{"command": cmd}
	req := &protocol.ActionRequest{
		Index:  index,
		Kind:   protocol.ActionExecuteCommand,
		Params: map[string]string{"command": cmd},
	}
	outcome, err := r.opts.Gate.Decide(ctx, r.task, req)
	switch {
	case err != nil:
		data["command_skipped"] = err.Error()
		return data
	case outcome.Deferred:
		data["command_skipped"] = "approval deferred"
		return data
	case !outcome.Decision.Approved():
		data["command_skipped"] = string(outcome.Decision)
		return data
	}
	res := r.opts.Executor.Execute(ctx, req)
	res.Decision = outcome.Decision
	r.observer.ActionFinished(req, &res)
	data["command_status"] = string(res.Status)
	data["command_output"] = res.Output
	return data
}

func (r *run) record(turn *protocol.Turn, req *protocol.ActionRequest, res *protocol.ActionResult) {
	turn.Results = append(turn.Results, *res)
	r.observer.ActionFinished(req, res)
	if res.Succeeded() {
		r.governor.Reset(r.task)
	}
	r.logger.Debug("action recorded", "task_id", r.task.ID, "seq", turn.Seq, "index", req.Index,
		"kind", req.Kind, "decision", res.Decision, "status", res.Status)
}

func (r *run) mistake(turn *protocol.Turn, m protocol.Mistake, show bool) {
	turn.Mistakes = append(turn.Mistakes, m)
	if show {
		r.observer.Mistake(m)
	}
	r.governor.Record(r.task, m)
	r.logger.Info("mistake", "task_id", r.task.ID, "seq", turn.Seq, "kind", m.Kind, "reason", m.Reason, "count", r.task.MistakeCount)
}

func (r *run) suspend(turn *protocol.Turn, kind protocol.PendingKind, index int, prompt string) {
	turn.Outcome = protocol.OutcomeAwaitingInput
	r.task.MarkAwaiting(&protocol.Pending{Kind: kind, Index: index, Prompt: prompt})
	r.observer.Waiting(r.task.Pending)
}

func (r *run) interrupt(turn *protocol.Turn) {
	turn.Outcome = protocol.OutcomeInterrupted
	r.task.MarkAwaiting(nil)
	r.observer.Info("Interrupted. Use `satto cont` to resume.")
}

// settle decides the outcome of a processed turn.
func (r *run) settle(turn *protocol.Turn) {
	if turn.Outcome != protocol.OutcomeCompleted && r.governor.Exceeded(r.task) {
		r.task.MarkAborted(r.governor.AbortReason(r.task))
		turn.Outcome = protocol.OutcomeAborted
		return
	}
	if turn.Outcome == "" {
		turn.Outcome = protocol.OutcomeContinue
	}
}

// commit makes turn durable. A suspended turn is stored as the Task's
// pending record instead of being appended.
func (r *run) commit(turn *protocol.Turn) error {
	if turn.Outcome == protocol.OutcomeAwaitingInput && r.task.Pending != nil {
		r.task.Pending.Turn = *turn
		return r.save()
	}
	turn.CommittedAt = time.Now().UTC()
	if !r.task.AppendTurn(*turn) {
		r.logger.Info("turn already committed", "task_id", r.task.ID, "key", turn.Key)
	}
	return r.save()
}

func (r *run) save() error {
	r.task.UpdatedAt = time.Now().UTC()
	if err := r.opts.Store.Commit(r.task); err != nil {
		return fmt.Errorf("failed to commit task %s: %w", r.task.ID, err)
	}
	return nil
}

func answered(req *protocol.ActionRequest, answer string) *protocol.ActionResult {
	return &protocol.ActionResult{
		Index:    req.Index,
		Kind:     req.Kind,
		Decision: protocol.DecisionAutoApproved,
		Status:   protocol.ResultSuccess,
		Output:   answer,
	}
}

func rejected(req *protocol.ActionRequest, decision protocol.Decision, reason, msg, feedback string) *protocol.ActionResult {
	res := &protocol.ActionResult{
		Index:     req.Index,
		Kind:      req.Kind,
		Decision:  decision,
		Status:    protocol.ResultFailure,
		ErrorKind: protocol.KindApprovalDenied,
		Reason:    reason,
		Error:     msg,
	}
	if feedback != "" {
		res.Data = map[string]any{"feedback": feedback}
	}
	return res
}

func mistakeFor(res *protocol.ActionResult) protocol.Mistake {
	return protocol.Mistake{Kind: res.ErrorKind, Index: res.Index, Reason: res.Reason, Message: res.Error}
}
