package retry

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIOracleConfig configures an LLM-backed Decision Oracle against an
// OpenAI-compatible chat completion endpoint. Used for the "openai" and
// "anthropic" providers (the latter via an OpenAI-compatible proxy/base
// URL, a common pattern across the pack's agent-framework repos).
type OpenAIOracleConfig struct {
	APIKey  string
	BaseURL string // non-empty to target an OpenAI-compatible provider
	Model   string
}

// OpenAIOracle asks a chat model to classify a failure as retryable or not,
// forcing a JSON response matching Decision's fields.
type OpenAIOracle struct {
	client *openai.Client
	model  string
}

// NewOpenAIOracle constructs an OpenAIOracle.
func NewOpenAIOracle(cfg OpenAIOracleConfig) (*OpenAIOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("retry: openai oracle api key required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIOracle{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

const oracleSystemPrompt = `You advise a data pipeline's retry engine. Given an
exception type and message, decide whether the operation should be retried.
Respond with strict JSON: {"should_retry": bool, "suggested_wait_seconds":
int (1-60), "confidence": float (0-1), "reason": string}.`

func (o *OpenAIOracle) Decide(ctx context.Context, exc ExceptionSummary) (Decision, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: oracleSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("type=%s message=%s", exc.Type, exc.Message)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("oracle chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("oracle chat completion: empty response")
	}

	var wire struct {
		ShouldRetry          bool    `json:"should_retry"`
		SuggestedWaitSeconds int     `json:"suggested_wait_seconds"`
		Confidence           float64 `json:"confidence"`
		Reason               string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &wire); err != nil {
		return Decision{}, fmt.Errorf("oracle decode completion: %w", err)
	}
	return Decision{
		ShouldRetry:          wire.ShouldRetry,
		SuggestedWaitSeconds: wire.SuggestedWaitSeconds,
		Confidence:           wire.Confidence,
		Reason:               wire.Reason,
	}, nil
}
