package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"github.com/iambrandonn/satto/internal/protocol"
)

// openAIVariant captures how one OpenAI-compatible service differs from
// the others.
type openAIVariant struct {
	baseURL            string
	defaultTemperature float64
}

var openAIVariants = map[string]openAIVariant{
	"openai":        {baseURL: "https://api.openai.com/v1", defaultTemperature: 0},
	"openai-native": {baseURL: "https://api.openai.com/v1", defaultTemperature: 0.5},
	"deepseek":      {baseURL: "https://api.deepseek.com/v1", defaultTemperature: 0},
	"together":      {baseURL: "https://api.together.xyz/v1", defaultTemperature: 0},
}

type openAIAdapter struct {
	name     string
	settings Settings
	variant  openAIVariant
	model    ModelInfo
	llm      llms.Model
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newOpenAICompatible(name string, s Settings, logger *slog.Logger) (Adapter, error) {
	variant, ok := openAIVariants[name]
	if !ok {
		return nil, fmt.Errorf("no OpenAI-compatible variant named %q", name)
	}
	if s.APIKey == "" {
		return nil, fmt.Errorf("%s API key required", name)
	}
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = variant.baseURL
	}
	model := LookupModel(name, s.Model)

	opts := []openai.Option{
		openai.WithBaseURL(baseURL),
		openai.WithModel(model.ID),
		openai.WithToken(s.APIKey),
	}
	if s.Timeout > 0 {
		opts = append(opts, openai.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: s.Timeout,
			},
		}))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}

	return &openAIAdapter{
		name:     name,
		settings: s,
		variant:  variant,
		model:    model,
		llm:      llm,
		limiter:  newLimiter(s.RequestsPerMinute),
		logger:   logger,
	}, nil
}

func (a *openAIAdapter) Name() string     { return a.name }
func (a *openAIAdapter) Model() ModelInfo { return a.model }

func (a *openAIAdapter) Open(ctx context.Context, history []protocol.Message, opts Options) (<-chan protocol.StreamEvent, error) {
	messages := buildChatMessages(opts.SystemPrompt, history, a.model.NoSystemRole)

	callOpts := []llms.CallOption{
		llms.WithMaxTokens(resolveMaxTokens(opts, a.settings, a.model)),
	}
	if !a.model.NoTemperature {
		temp := resolveTemperature(opts, a.settings, float64Ptr(a.variant.defaultTemperature))
		callOpts = append(callOpts, llms.WithTemperature(*temp))
	}
	if len(opts.StopSequences) > 0 {
		callOpts = append(callOpts, llms.WithStopWords(opts.StopSequences))
	}

	ch := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}
		if err := a.limiter.Wait(ctx); err != nil {
			out.fail(fmt.Errorf("rate limiter: %w", err))
			return
		}

		errGone := errors.New("consumer gone")
		streamed := false
		if !a.model.NoStreaming {
			callOpts = append(callOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				streamed = true
				if !out.send(protocol.TextDelta(string(chunk))) {
					return errGone
				}
				return nil
			}))
		}

		resp, err := a.llm.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errGone) {
				return
			}
			out.fail(fmt.Errorf("%s request failed: %w", a.name, err))
			return
		}

		var usage protocol.Usage
		if resp != nil && len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			// Non-streaming models deliver the whole answer as one delta.
			if !streamed && choice.Content != "" {
				if !out.send(protocol.TextDelta(choice.Content)) {
					return
				}
			}
			usage.InputTokens = intFromInfo(choice.GenerationInfo, "PromptTokens")
			usage.OutputTokens = intFromInfo(choice.GenerationInfo, "CompletionTokens")
			usage.CacheReadTokens = intFromInfo(choice.GenerationInfo, "PromptCachedTokens")
		}
		usage.CostUSD = Cost(a.model, usage.InputTokens, usage.OutputTokens, usage.CacheWriteTokens, usage.CacheReadTokens)
		if out.send(protocol.UsageInfo(usage)) {
			out.send(protocol.EndOfStream())
		}
	}()
	return ch, nil
}

// buildChatMessages converts history into chat messages. When the model has
// no system role the prompt becomes the first user message and consecutive
// messages of the same role are merged.
func buildChatMessages(system string, history []protocol.Message, noSystemRole bool) []llms.MessageContent {
	type entry struct {
		role schema.ChatMessageType
		text string
	}
	var entries []entry
	if system != "" {
		role := schema.ChatMessageTypeSystem
		if noSystemRole {
			role = schema.ChatMessageTypeHuman
		}
		entries = append(entries, entry{role: role, text: system})
	}
	for _, m := range history {
		role := schema.ChatMessageTypeHuman
		if m.Role == protocol.RoleAssistant {
			role = schema.ChatMessageTypeAI
		}
		if noSystemRole && len(entries) > 0 && entries[len(entries)-1].role == role {
			entries[len(entries)-1].text += "\n\n" + m.Content
			continue
		}
		entries = append(entries, entry{role: role, text: m.Content})
	}

	messages := make([]llms.MessageContent, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, llms.TextParts(e.role, e.text))
	}
	return messages
}

func intFromInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
