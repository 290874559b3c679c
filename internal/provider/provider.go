// Package provider adapts model backends to a single streaming contract.
//
// Every adapter turns a conversation history into a finite channel of
// protocol.StreamEvent values. The producer goroutine blocks on network I/O,
// the consumer blocks on receive. Adapters never retry; a transport failure
// is delivered as a StreamError event and the caller decides what to do.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/iambrandonn/satto/internal/protocol"
)

// Adapter streams one model response per Open call.
type Adapter interface {
	// Name is the configured provider name.
	Name() string
	// Model describes the resolved model, including pricing.
	Model() ModelInfo
	// Open starts a request. The returned channel is closed after a
	// StreamEnd or StreamError event, or when ctx is cancelled.
	Open(ctx context.Context, history []protocol.Message, opts Options) (<-chan protocol.StreamEvent, error)
}

// Options are the per-request knobs shared by all adapters.
type Options struct {
	SystemPrompt  string
	MaxTokens     int
	Temperature   *float64
	StopSequences []string
}

// Settings configure one adapter instance.
type Settings struct {
	APIKey            string
	Model             string
	BaseURL           string
	Temperature       *float64
	MaxTokens         int
	RequestsPerMinute float64
	Timeout           time.Duration
	// ScriptPath points at a recorded conversation for the scripted provider.
	ScriptPath string
}

// Factory builds an adapter for a provider name.
type Factory func(name string, s Settings, logger *slog.Logger) (Adapter, error)

var factories = map[string]Factory{
	"anthropic":     newAnthropic,
	"openai":        newOpenAICompatible,
	"openai-native": newOpenAICompatible,
	"deepseek":      newOpenAICompatible,
	"together":      newOpenAICompatible,
	"gemini":        newGemini,
	"scripted":      newScripted,
}

// New returns the adapter registered for name.
func New(name string, s Settings, logger *slog.Logger) (Adapter, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, Names())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return factory(name, s, logger.With("provider", name))
}

// Names lists the registered provider names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newLimiter builds a request limiter; a non-positive rate disables limiting.
func newLimiter(requestsPerMinute float64) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), 1)
}

// resolveTemperature picks the request temperature: per-request override,
// then configured override, then the adapter default.
func resolveTemperature(opts Options, s Settings, fallback *float64) *float64 {
	if opts.Temperature != nil {
		return opts.Temperature
	}
	if s.Temperature != nil {
		return s.Temperature
	}
	return fallback
}

func resolveMaxTokens(opts Options, s Settings, info ModelInfo) int {
	switch {
	case opts.MaxTokens > 0:
		return opts.MaxTokens
	case s.MaxTokens > 0:
		return s.MaxTokens
	case info.MaxTokens > 0:
		return info.MaxTokens
	default:
		return 8192
	}
}

func float64Ptr(v float64) *float64 {
	return &v
}

// emitter delivers events unless the consumer has gone away.
type emitter struct {
	ctx context.Context
	ch  chan<- protocol.StreamEvent
}

func (e emitter) send(evt protocol.StreamEvent) bool {
	select {
	case e.ch <- evt:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e emitter) fail(err error) {
	e.send(protocol.StreamFailure(err))
}
