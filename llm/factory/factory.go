// Package factory creates the configured Provider by name. It imports the
// provider sub-packages, which in turn import llm, so the mapping cannot
// live in llm itself.
package factory

import (
	"fmt"
	"sort"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/pool"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/providers/echo"
	"github.com/BaSui01/flowrun/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// defaultBaseURLs 内置 OpenAI 兼容端点
var defaultBaseURLs = map[string]string{
	"openai":   "https://api.openai.com",
	"ollama":   "http://localhost:11434",
	"vllm":     "http://localhost:8000",
	"llamacpp": "http://localhost:8080",
}

// NewProviderFromConfig creates the provider named by cfg.Name.
//
// "echo" is the built-in deterministic provider. "openai", "ollama", "vllm"
// and "llamacpp" speak the OpenAI wire format with a default base URL (the
// last three are local unless provider.kind says otherwise); any
// other name is treated as an OpenAI-compatible endpoint and requires
// base_url. With cfg.Blocking the provider must offer synchronous calls,
// which are run on blocking.
func NewProviderFromConfig(cfg config.ProviderConfig, blocking *pool.BlockingPool, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	local := cfg.IsLocal()

	var p llm.Provider
	switch cfg.Name {
	case "", "echo":
		p = echo.New(echo.Config{Name: "echo", Model: cfg.Model, Local: local})
	default:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[cfg.Name]
		}
		if baseURL == "" {
			return nil, fmt.Errorf("provider %q requires base_url", cfg.Name)
		}
		if cfg.Name == "openai" && cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required for openai: set provider.api_key or FLOWRUN_PROVIDER_API_KEY")
		}
		p = openaicompat.New(openaicompat.Config{
			ProviderName:   cfg.Name,
			APIKey:         cfg.APIKey,
			BaseURL:        baseURL,
			DefaultModel:   cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			Local:          local,
		}, logger)
	}

	if !cfg.Blocking {
		return p, nil
	}
	bp, ok := p.(llm.BlockingProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q has no blocking implementation", cfg.Name)
	}
	if blocking == nil {
		return nil, fmt.Errorf("blocking provider %q needs a blocking pool", cfg.Name)
	}
	logger.Info("provider calls offloaded to blocking pool", zap.String("provider", p.Name()))
	return llm.NewOffloadProvider(bp, blocking), nil
}

// SupportedProviders returns the built-in provider names. Any other name is
// accepted as a generic OpenAI-compatible endpoint.
func SupportedProviders() []string {
	names := []string{"echo"}
	for name := range defaultBaseURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
