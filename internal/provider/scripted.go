package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/iambrandonn/satto/internal/protocol"
)

// Script is a recorded conversation replayed by the scripted provider.
// Response N answers the request whose history holds N assistant messages,
// so a resumed task picks up where it stopped.
type Script struct {
	Model     string           `json:"model,omitempty"`
	Responses []ScriptResponse `json:"responses"`
}

// ScriptResponse describes one streamed reply.
type ScriptResponse struct {
	Text string `json:"text"`
	// ChunkSize splits Text into deltas of at most this many bytes,
	// never inside a rune. Zero streams it whole.
	ChunkSize int `json:"chunk_size,omitempty"`
	DelayMs   int `json:"delay_ms,omitempty"`
	// Error fails the stream after Text has been sent.
	Error        string `json:"error,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ErrScriptExhausted is returned when the conversation outgrows the script.
var ErrScriptExhausted = errors.New("script has no more responses")

// LoadScript reads a script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script JSON: %w", err)
	}

	if len(script.Responses) == 0 {
		return nil, fmt.Errorf("script has no responses defined")
	}

	return &script, nil
}

type scriptedAdapter struct {
	name   string
	script *Script
	model  ModelInfo
	logger *slog.Logger
}

func newScripted(name string, s Settings, logger *slog.Logger) (Adapter, error) {
	if s.ScriptPath == "" {
		return nil, fmt.Errorf("scripted provider requires a script path")
	}
	script, err := LoadScript(s.ScriptPath)
	if err != nil {
		return nil, err
	}
	return NewScripted(script, logger), nil
}

// NewScripted builds a scripted adapter from an in-memory script.
func NewScripted(script *Script, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	model := LookupModel("scripted", script.Model)
	return &scriptedAdapter{name: "scripted", script: script, model: model, logger: logger}
}

func (a *scriptedAdapter) Name() string     { return a.name }
func (a *scriptedAdapter) Model() ModelInfo { return a.model }

func (a *scriptedAdapter) Open(ctx context.Context, history []protocol.Message, opts Options) (<-chan protocol.StreamEvent, error) {
	step := 0
	for _, m := range history {
		if m.Role == protocol.RoleAssistant {
			step++
		}
	}
	if step >= len(a.script.Responses) {
		return nil, fmt.Errorf("%w (step %d of %d)", ErrScriptExhausted, step+1, len(a.script.Responses))
	}
	resp := a.script.Responses[step]
	a.logger.Debug("replaying scripted response", "step", step, "bytes", len(resp.Text))

	ch := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}
		delay := time.Duration(resp.DelayMs) * time.Millisecond

		for _, chunk := range splitChunks(resp.Text, resp.ChunkSize) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			if !out.send(protocol.TextDelta(chunk)) {
				return
			}
		}
		if resp.Error != "" {
			out.fail(errors.New(resp.Error))
			return
		}
		usage := protocol.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
		if out.send(protocol.UsageInfo(usage)) {
			out.send(protocol.EndOfStream())
		}
	}()
	return ch, nil
}

func splitChunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 || size >= len(text) {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		n := size
		if n > len(text) {
			n = len(text)
		}
		for n < len(text) && !utf8.RuneStart(text[n]) {
			n++
		}
		chunks = append(chunks, text[:n])
		text = text[n:]
	}
	return chunks
}
