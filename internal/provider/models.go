package provider

// ModelInfo describes a model's limits and prices. Prices are USD per
// million tokens.
type ModelInfo struct {
	ID               string  `json:"id"`
	MaxTokens        int     `json:"max_tokens"`
	ContextWindow    int     `json:"context_window"`
	InputPrice       float64 `json:"input_price"`
	OutputPrice      float64 `json:"output_price"`
	CacheWritesPrice float64 `json:"cache_writes_price,omitempty"`
	CacheReadsPrice  float64 `json:"cache_reads_price,omitempty"`
	// NoStreaming marks models that only answer in one piece.
	NoStreaming bool `json:"no_streaming,omitempty"`
	// NoTemperature marks models that reject a temperature parameter.
	NoTemperature bool `json:"no_temperature,omitempty"`
	// NoSystemRole marks models that take the system prompt as a user turn.
	NoSystemRole bool `json:"no_system_role,omitempty"`
}

var defaultModels = map[string]string{
	"anthropic":     "claude-3-5-sonnet-20241022",
	"openai":        "gpt-4o",
	"openai-native": "gpt-4o",
	"deepseek":      "deepseek-chat",
	"together":      "meta-llama/Llama-3.3-70B-Instruct-Turbo",
	"gemini":        "gemini-2.0-flash",
	"scripted":      "scripted",
}

var knownModels = map[string]ModelInfo{
	"claude-3-5-sonnet-20241022": {MaxTokens: 8192, ContextWindow: 200_000, InputPrice: 3.0, OutputPrice: 15.0, CacheWritesPrice: 3.75, CacheReadsPrice: 0.3},
	"claude-3-5-haiku-20241022":  {MaxTokens: 8192, ContextWindow: 200_000, InputPrice: 0.8, OutputPrice: 4.0, CacheWritesPrice: 1.0, CacheReadsPrice: 0.08},
	"claude-3-opus-20240229":     {MaxTokens: 4096, ContextWindow: 200_000, InputPrice: 15.0, OutputPrice: 75.0, CacheWritesPrice: 18.75, CacheReadsPrice: 1.5},
	"claude-3-haiku-20240307":    {MaxTokens: 4096, ContextWindow: 200_000, InputPrice: 0.25, OutputPrice: 1.25, CacheWritesPrice: 0.3, CacheReadsPrice: 0.03},
	"gpt-4o":                     {MaxTokens: 4096, ContextWindow: 128_000, InputPrice: 2.5, OutputPrice: 10.0, CacheReadsPrice: 1.25},
	"gpt-4o-mini":                {MaxTokens: 16_384, ContextWindow: 128_000, InputPrice: 0.15, OutputPrice: 0.6, CacheReadsPrice: 0.075},
	"o1":                         {MaxTokens: 100_000, ContextWindow: 200_000, InputPrice: 15.0, OutputPrice: 60.0, CacheReadsPrice: 7.5, NoStreaming: true, NoTemperature: true, NoSystemRole: true},
	"o1-preview":                 {MaxTokens: 32_768, ContextWindow: 128_000, InputPrice: 15.0, OutputPrice: 60.0, CacheReadsPrice: 7.5, NoStreaming: true, NoTemperature: true, NoSystemRole: true},
	"o1-mini":                    {MaxTokens: 65_536, ContextWindow: 128_000, InputPrice: 3.0, OutputPrice: 12.0, CacheReadsPrice: 1.5, NoStreaming: true, NoTemperature: true, NoSystemRole: true},
	"deepseek-chat":              {MaxTokens: 8_000, ContextWindow: 64_000, InputPrice: 0, OutputPrice: 0.28, CacheWritesPrice: 0.14, CacheReadsPrice: 0.014},
	"deepseek-reasoner":          {MaxTokens: 8_000, ContextWindow: 64_000, InputPrice: 0, OutputPrice: 2.19, CacheWritesPrice: 0.55, CacheReadsPrice: 0.14, NoTemperature: true, NoSystemRole: true},
	"gemini-2.0-flash":           {MaxTokens: 8192, ContextWindow: 1_048_576},
	"gemini-1.5-pro-002":         {MaxTokens: 8192, ContextWindow: 2_097_152},
}

// saneDefaults apply to models not in the table.
var saneDefaults = ModelInfo{MaxTokens: 4096, ContextWindow: 128_000}

// LookupModel resolves a model id for a provider, falling back to the
// provider default when id is empty.
func LookupModel(providerName, id string) ModelInfo {
	if id == "" {
		id = defaultModels[providerName]
	}
	info, ok := knownModels[id]
	if !ok {
		info = saneDefaults
	}
	info.ID = id
	return info
}

// Cost estimates the USD cost of usage. It is not rounded; callers round
// for display.
func Cost(info ModelInfo, inputTokens, outputTokens, cacheWrites, cacheReads int) float64 {
	const perMillion = 1_000_000.0
	return info.InputPrice/perMillion*float64(inputTokens) +
		info.OutputPrice/perMillion*float64(outputTokens) +
		info.CacheWritesPrice/perMillion*float64(cacheWrites) +
		info.CacheReadsPrice/perMillion*float64(cacheReads)
}
