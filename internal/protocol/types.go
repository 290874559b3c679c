package protocol

import (
	"strings"
	"time"
)

// SchemaVersion is the current on-disk Task document version.
const SchemaVersion = 1

// ActionKind identifies a structured action the model can request.
type ActionKind string

const (
	ActionReadFile            ActionKind = "read_file"
	ActionWriteFile           ActionKind = "write_file"
	ActionReplaceInFile       ActionKind = "replace_in_file"
	ActionListFiles           ActionKind = "list_files"
	ActionListCodeDefinitions ActionKind = "list_code_definition_names"
	ActionSearchFiles         ActionKind = "search_files"
	ActionExecuteCommand      ActionKind = "execute_command"
	ActionUseBrowser          ActionKind = "use_browser"
	ActionUseMCP              ActionKind = "use_mcp"
	ActionAskFollowup         ActionKind = "ask_followup_question"
	ActionAttemptCompletion   ActionKind = "attempt_completion"
)

// ActionKinds lists every recognized kind in a stable order.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionReadFile,
		ActionWriteFile,
		ActionReplaceInFile,
		ActionListFiles,
		ActionListCodeDefinitions,
		ActionSearchFiles,
		ActionExecuteCommand,
		ActionUseBrowser,
		ActionUseMCP,
		ActionAskFollowup,
		ActionAttemptCompletion,
	}
}

// Valid reports whether k is a recognized kind.
func (k ActionKind) Valid() bool {
	_, ok := paramSpecs[k]
	return ok
}

// IsInteraction reports whether the kind only hands control back to the user
// (a question or a completion claim) rather than touching the environment.
func (k ActionKind) IsInteraction() bool {
	return k == ActionAskFollowup || k == ActionAttemptCompletion
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusActive        TaskStatus = "active"
	TaskStatusAwaitingInput TaskStatus = "awaiting_input"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusAborted       TaskStatus = "aborted"
)

// Terminal reports whether no further turns may run for the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusAborted
}

// Decision is the Approval Gate's verdict for one ActionRequest.
type Decision string

const (
	DecisionAutoApproved   Decision = "auto_approved"
	DecisionUserApproved   Decision = "user_approved"
	DecisionUserDenied     Decision = "user_denied"
	DecisionPolicyRejected Decision = "policy_rejected"
)

// Approved reports whether the decision allows execution.
func (d Decision) Approved() bool {
	return d == DecisionAutoApproved || d == DecisionUserApproved
}

// Role is the speaker of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the outbound conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SegmentType distinguishes narrative text from action requests.
type SegmentType string

const (
	SegmentText   SegmentType = "text"
	SegmentAction SegmentType = "action"
)

// Segment is one ordered piece of a model response.
type Segment struct {
	Type   SegmentType    `json:"type"`
	Text   string         `json:"text,omitempty"`
	Action *ActionRequest `json:"action,omitempty"`
}

// TextSegment wraps narrative text.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

// ActionSegment wraps an action request.
func ActionSegment(req *ActionRequest) Segment {
	return Segment{Type: SegmentAction, Action: req}
}

// ActionRequest is a structured instruction extracted from model output.
type ActionRequest struct {
	Index   int               `json:"index"`
	Kind    ActionKind        `json:"kind"`
	Params  map[string]string `json:"params,omitempty"`
	Raw     string            `json:"raw,omitempty"`
	Partial bool              `json:"partial,omitempty"`
}

// Param returns the named parameter or "".
func (r *ActionRequest) Param(name string) string {
	if r == nil || r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// HasParam reports whether the parameter was supplied at all, even empty.
func (r *ActionRequest) HasParam(name string) bool {
	if r == nil || r.Params == nil {
		return false
	}
	_, ok := r.Params[name]
	return ok
}

// ResultStatus is the coarse outcome of an action.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// ActionResult is the outcome of one ActionRequest.
type ActionResult struct {
	Index      int            `json:"index"`
	Kind       ActionKind     `json:"kind"`
	Decision   Decision       `json:"decision"`
	Status     ResultStatus   `json:"status"`
	Output     string         `json:"output,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// Succeeded reports whether the action executed and succeeded.
func (r *ActionResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Mistake is a governed failure recorded against a Turn.
type Mistake struct {
	Kind ErrorKind `json:"kind"`
	// Index is the request index, or -1 for a turn-level mistake.
	Index   int    `json:"index"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// Usage accumulates token counts and an estimated cost.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CostUSD += other.CostUSD
}

// TurnOutcome records how a Turn ended.
type TurnOutcome string

const (
	OutcomeContinue      TurnOutcome = "continue"
	OutcomeAwaitingInput TurnOutcome = "awaiting_input"
	OutcomeCompleted     TurnOutcome = "completed"
	OutcomeAborted       TurnOutcome = "aborted"
	OutcomeInterrupted   TurnOutcome = "interrupted"
)

// Turn is one request/response exchange plus the actions it triggered.
// Committed turns are never modified.
type Turn struct {
	Seq          int            `json:"seq"`
	Key          string         `json:"key"`
	Input        string         `json:"input"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	HistoryTurns int            `json:"history_turns"`
	Response     []Segment      `json:"response"`
	Results      []ActionResult `json:"results,omitempty"`
	Mistakes     []Mistake      `json:"mistakes,omitempty"`
	Usage        Usage          `json:"usage"`
	Outcome      TurnOutcome    `json:"outcome"`
	StartedAt    time.Time      `json:"started_at"`
	CommittedAt  time.Time      `json:"committed_at,omitempty"`
}

// Requests returns the action requests of the response in emission order.
func (t *Turn) Requests() []*ActionRequest {
	var out []*ActionRequest
	for _, seg := range t.Response {
		if seg.Type == SegmentAction && seg.Action != nil {
			out = append(out, seg.Action)
		}
	}
	return out
}

// Result returns the result recorded for the request index.
func (t *Turn) Result(index int) (*ActionResult, bool) {
	for i := range t.Results {
		if t.Results[i].Index == index {
			return &t.Results[i], true
		}
	}
	return nil, false
}

// ResponseText reassembles the response as the model produced it.
func (t *Turn) ResponseText() string {
	var b strings.Builder
	for _, seg := range t.Response {
		switch seg.Type {
		case SegmentText:
			b.WriteString(seg.Text)
		case SegmentAction:
			if seg.Action != nil {
				b.WriteString(seg.Action.Raw)
			}
		}
	}
	return b.String()
}

// PendingKind names what a suspended Turn is waiting for.
type PendingKind string

const (
	PendingApproval PendingKind = "approval"
	PendingQuestion PendingKind = "question"
)

// Pending is a Turn suspended on user input. It is stored alongside the
// committed Turns and folded into the Turn once the user answers.
type Pending struct {
	Kind   PendingKind `json:"kind"`
	Index  int         `json:"index"`
	Prompt string      `json:"prompt"`
	Turn   Turn        `json:"turn"`
}

// Task is one user-initiated job and its durable history.
type Task struct {
	SchemaVersion     int        `json:"schema_version"`
	ID                string     `json:"id"`
	Instruction       string     `json:"instruction"`
	Status            TaskStatus `json:"status"`
	Provider          string     `json:"provider,omitempty"`
	Model             string     `json:"model,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Turns             []Turn     `json:"turns"`
	MistakeCount      int        `json:"mistake_count"`
	AutoApprovedCount int        `json:"auto_approved_count"`
	Pending           *Pending   `json:"pending,omitempty"`
	Usage             Usage      `json:"usage"`
	Completion        string     `json:"completion,omitempty"`
	AbortReason       string     `json:"abort_reason,omitempty"`
}

// NewTask creates an active Task for the instruction.
func NewTask(id, instruction string) *Task {
	now := time.Now().UTC()
	return &Task{
		SchemaVersion: SchemaVersion,
		ID:            id,
		Instruction:   instruction,
		Status:        TaskStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		Turns:         []Turn{},
	}
}

// LastTurn returns the most recently committed Turn, or nil.
func (t *Task) LastTurn() *Turn {
	if len(t.Turns) == 0 {
		return nil
	}
	return &t.Turns[len(t.Turns)-1]
}

// NextSeq returns the sequence number for the next Turn.
func (t *Task) NextSeq() int {
	if last := t.LastTurn(); last != nil {
		return last.Seq + 1
	}
	return 1
}

// HasTurn reports whether a Turn with the key is already committed.
func (t *Task) HasTurn(key string) bool {
	for i := range t.Turns {
		if t.Turns[i].Key == key {
			return true
		}
	}
	return false
}

// MarkCompleted records a successful completion.
func (t *Task) MarkCompleted(result string) {
	t.Status = TaskStatusCompleted
	t.Completion = result
	t.Pending = nil
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// MarkAborted records a terminal abort.
func (t *Task) MarkAborted(reason string) {
	t.Status = TaskStatusAborted
	t.AbortReason = reason
	t.Pending = nil
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// MarkAwaiting suspends the Task on user input.
func (t *Task) MarkAwaiting(p *Pending) {
	t.Status = TaskStatusAwaitingInput
	t.Pending = p
}

// MarkActive resumes the Task.
func (t *Task) MarkActive() {
	t.Status = TaskStatusActive
	t.Pending = nil
}

// AppendTurn adds a committed Turn and accumulates its usage. A Turn whose
// Key is already present is ignored and AppendTurn reports false.
func (t *Task) AppendTurn(turn Turn) bool {
	if turn.Key != "" && t.HasTurn(turn.Key) {
		return false
	}
	t.Turns = append(t.Turns, turn)
	t.Usage.Add(turn.Usage)
	return true
}
