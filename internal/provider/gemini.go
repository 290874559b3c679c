package provider

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/iambrandonn/satto/internal/protocol"
)

type geminiAdapter struct {
	name     string
	settings Settings
	model    ModelInfo
	client   *genai.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newGemini(name string, s Settings, logger *slog.Logger) (Adapter, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiAdapter{
		name:     name,
		settings: s,
		model:    LookupModel(name, s.Model),
		client:   client,
		limiter:  newLimiter(s.RequestsPerMinute),
		logger:   logger,
	}, nil
}

func (a *geminiAdapter) Name() string     { return a.name }
func (a *geminiAdapter) Model() ModelInfo { return a.model }

func (a *geminiAdapter) Open(ctx context.Context, history []protocol.Message, opts Options) (<-chan protocol.StreamEvent, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == protocol.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	temp := resolveTemperature(opts, a.settings, float64Ptr(0))
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(*temp)),
		MaxOutputTokens: int32(resolveMaxTokens(opts, a.settings, a.model)),
		StopSequences:   opts.StopSequences,
	}
	if opts.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(opts.SystemPrompt, genai.RoleUser)
	}

	ch := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}
		if err := a.limiter.Wait(ctx); err != nil {
			out.fail(fmt.Errorf("rate limiter: %w", err))
			return
		}

		var usage protocol.Usage
		for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model.ID, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					out.fail(fmt.Errorf("gemini stream failed: %w", err))
				}
				return
			}
			if text := resp.Text(); text != "" {
				if !out.send(protocol.TextDelta(text)) {
					return
				}
			}
			// Usage metadata is cumulative; the last chunk wins.
			if md := resp.UsageMetadata; md != nil {
				usage.InputTokens = int(md.PromptTokenCount)
				usage.OutputTokens = int(md.CandidatesTokenCount)
				usage.CacheReadTokens = int(md.CachedContentTokenCount)
			}
		}
		if ctx.Err() != nil {
			return
		}
		usage.CostUSD = Cost(a.model, usage.InputTokens, usage.OutputTokens, usage.CacheWriteTokens, usage.CacheReadTokens)
		if out.send(protocol.UsageInfo(usage)) {
			out.send(protocol.EndOfStream())
		}
	}()
	return ch, nil
}
