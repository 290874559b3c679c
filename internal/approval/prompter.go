package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/iambrandonn/satto/internal/protocol"
)

// ErrDeferred means the prompter cannot answer now; the Task suspends and
// the answer arrives through `cont`.
var ErrDeferred = errors.New("decision deferred")

// Request is one approval question.
type Request struct {
	TaskID       string
	Action       *protocol.ActionRequest
	Prompt       string
	LimitReached bool
}

// Answer is the user's reply to an approval question.
type Answer struct {
	Approved bool
	Feedback string
}

// Prompter asks the user for decisions and follow-up answers.
type Prompter interface {
	Approve(ctx context.Context, req Request) (Answer, error)
	// Ask returns the user's free-text answer to a follow-up question.
	Ask(ctx context.Context, question string) (string, error)
}

// DeferringPrompter never answers. Non-interactive runs use it.
type DeferringPrompter struct{}

func (DeferringPrompter) Approve(context.Context, Request) (Answer, error) { return Answer{}, ErrDeferred }

func (DeferringPrompter) Ask(context.Context, string) (string, error) { return "", ErrDeferred }

// ParseAnswer interprets a typed reply. "y"/"yes" approve, "n"/"no" deny,
// anything else denies with the text as feedback. A "y:" or "yes," prefix
// approves and keeps the rest as feedback.
func ParseAnswer(line string) Answer {
	line = strings.TrimSpace(line)
	lower := strings.ToLower(line)
	switch lower {
	case "y", "yes":
		return Answer{Approved: true}
	case "n", "no", "":
		return Answer{}
	}
	for _, p := range []string{"yes:", "yes,", "y:", "y,"} {
		if strings.HasPrefix(lower, p) {
			return Answer{Approved: true, Feedback: strings.TrimSpace(line[len(p):])}
		}
	}
	for _, p := range []string{"no:", "no,", "n:", "n,"} {
		if strings.HasPrefix(lower, p) {
			return Answer{Feedback: strings.TrimSpace(line[len(p):])}
		}
	}
	return Answer{Feedback: line}
}

// TerminalPrompter answers inline from an interactive terminal.
type TerminalPrompter struct {
	out    io.Writer
	mu     sync.Mutex
	reader *bufio.Reader
}

// NewTerminalPrompter reads answers from in and writes prompts to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{out: out, reader: bufio.NewReader(in)}
}

func (p *TerminalPrompter) Approve(ctx context.Context, req Request) (Answer, error) {
	line, err := p.readLine(ctx, req.Prompt+" [y/N, or type feedback] ")
	if err != nil {
		return Answer{}, err
	}
	return ParseAnswer(line), nil
}

func (p *TerminalPrompter) Ask(ctx context.Context, question string) (string, error) {
	line, err := p.readLine(ctx, question+"\n> ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) == "" {
		return "", ErrDeferred
	}
	return strings.TrimSpace(line), nil
}

// readLine waits for one line or for ctx. A cancelled read is abandoned
// with the prompter; cancellation ends the invocation anyway.
func (p *TerminalPrompter) readLine(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, "satto> "+prompt)

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" {
				err = nil
			} else {
				err = ErrDeferred
			}
		}
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			fmt.Fprintln(p.out)
			return "", r.err
		}
		return r.line, nil
	}
}
