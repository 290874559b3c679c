package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/iambrandonn/satto/internal/protocol"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// anthropicAdapter streams from the Messages API over server-sent events.
type anthropicAdapter struct {
	name       string
	settings   Settings
	model      ModelInfo
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func newAnthropic(name string, s Settings, logger *slog.Logger) (Adapter, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	baseURL := strings.TrimRight(s.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	// Streams stay open for the whole response, so the timeout only
	// bounds connection setup and headers.
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &anthropicAdapter{
		name:     name,
		settings: s,
		model:    LookupModel(name, s.Model),
		baseURL:  baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
			},
		},
		limiter: newLimiter(s.RequestsPerMinute),
		logger:  logger,
	}, nil
}

func (a *anthropicAdapter) Name() string     { return a.name }
func (a *anthropicAdapter) Model() ModelInfo { return a.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicAdapter) Open(ctx context.Context, history []protocol.Message, opts Options) (<-chan protocol.StreamEvent, error) {
	req := anthropicRequest{
		Model:         a.model.ID,
		MaxTokens:     resolveMaxTokens(opts, a.settings, a.model),
		Temperature:   resolveTemperature(opts, a.settings, float64Ptr(0)),
		System:        opts.SystemPrompt,
		StopSequences: opts.StopSequences,
		Stream:        true,
	}
	for _, m := range history {
		req.Messages = append(req.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ch := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}
		if err := a.limiter.Wait(ctx); err != nil {
			out.fail(fmt.Errorf("rate limiter: %w", err))
			return
		}
		a.stream(ctx, body, out)
	}()
	return ch, nil
}

func (a *anthropicAdapter) stream(ctx context.Context, body []byte, out emitter) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		out.fail(fmt.Errorf("failed to create request: %w", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-API-Key", a.settings.APIKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		out.fail(fmt.Errorf("API request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		out.fail(apiStatusError(resp))
		return
	}

	var usage protocol.Usage
	stopped := false
	errStop := errors.New("stop")
	err = readSSE(resp.Body, func(event, data string) error {
		var evt anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return fmt.Errorf("failed to decode %s event: %w", event, err)
		}
		switch evt.Type {
		case "message_start":
			usage.InputTokens = evt.Message.Usage.InputTokens
			usage.OutputTokens = evt.Message.Usage.OutputTokens
			usage.CacheWriteTokens = evt.Message.Usage.CacheCreationInputTokens
			usage.CacheReadTokens = evt.Message.Usage.CacheReadInputTokens
		case "content_block_delta":
			if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
				if !out.send(protocol.TextDelta(evt.Delta.Text)) {
					return errStop
				}
			}
		case "message_delta":
			usage.OutputTokens = evt.Usage.OutputTokens
		case "error":
			return fmt.Errorf("stream error (%s): %s", evt.Error.Type, evt.Error.Message)
		case "message_stop":
			stopped = true
			return errStop
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil && !errors.Is(err, errStop) {
		out.fail(err)
		return
	}
	if !stopped {
		out.fail(errors.New("stream ended before message_stop"))
		return
	}

	usage.CostUSD = Cost(a.model, usage.InputTokens, usage.OutputTokens, usage.CacheWriteTokens, usage.CacheReadTokens)
	if out.send(protocol.UsageInfo(usage)) {
		out.send(protocol.EndOfStream())
	}
}

// apiStatusError turns a non-200 response into an error carrying the API's message.
func apiStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
