package retry

import (
	"fmt"
	"time"
)

// Provider identifies a Decision Oracle backend. Accepted values mirror the
// configuration surface in spec.md §6.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderAzure     Provider = "azure"
	ProviderGemini    Provider = "gemini"
	ProviderGroq      Provider = "groq"
	ProviderCohere    Provider = "cohere"
)

// OracleConfig is the construct-time configuration for an advisory retry
// oracle, as parsed from the pipeline's retry-policy configuration section.
type OracleConfig struct {
	Provider   Provider
	Model      string
	APIKey     string
	BaseURL    string // overrides the provider default endpoint, if set
	Timeout    time.Duration
}

// providerEndpoints are the default REST bases for providers served by the
// generic HTTPOracle rather than a dedicated SDK.
var providerEndpoints = map[Provider]string{
	ProviderAzure:  "https://management.azure.com",
	ProviderGemini: "https://generativelanguage.googleapis.com",
	ProviderGroq:   "https://api.groq.com/openai/v1",
	ProviderCohere: "https://api.cohere.ai",
}

// NewOracle selects a concrete DecisionOracle for the given provider,
// generalizing the teacher's ai-infra/internal/signing.NewSignerFromConfig
// construct-time-selection-between-implementations-of-one-interface pattern.
func NewOracle(cfg OracleConfig) (DecisionOracle, error) {
	switch cfg.Provider {
	case ProviderOpenAI, ProviderAnthropic:
		return NewOpenAIOracle(OpenAIOracleConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case ProviderAzure, ProviderGemini, ProviderGroq, ProviderCohere:
		base := cfg.BaseURL
		if base == "" {
			base = providerEndpoints[cfg.Provider]
		}
		return NewHTTPOracle(HTTPOracleConfig{
			BaseURL: base,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("retry: unknown oracle provider %q", cfg.Provider)
	}
}
